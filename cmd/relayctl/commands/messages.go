package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/marketchat/relay/internal/chat"
)

// history: both directions of one conversation.
func historyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history PARTY_A PARTY_B",
		Short: "Print the live conversation between two parties",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			partyA, partyB := args[0], args[1]
			if strings.TrimSpace(partyA) == "" || strings.TrimSpace(partyB) == "" {
				return fmt.Errorf("both parties are required")
			}
			store, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			msgs, err := store.Query(cmd.Context(), partyA, partyB)
			if err != nil {
				return err
			}
			return a.printMessages(cmd.OutOrStdout(), msgs)
		},
	}
}

func listCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print every live message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			msgs, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			return a.printMessages(cmd.OutOrStdout(), msgs)
		},
	}
}

func deleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete one message by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if _, err := uuid.Parse(id); err != nil {
				return fmt.Errorf("invalid message id %q", id)
			}
			store, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			if err := store.Delete(cmd.Context(), id); err != nil {
				if errors.Is(err, chat.ErrNotFound) {
					return fmt.Errorf("message %s not found", id)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
			return nil
		},
	}
}

func counterpartsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "counterparts PARTY",
		Short: "Print the parties PARTY has live history with",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			parties, err := store.Counterparts(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.asJSON {
				return printJSON(cmd.OutOrStdout(), parties)
			}
			for _, p := range parties {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
}
