package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marketchat/relay/internal/chat"
)

func migrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.StoreBackend != chat.BackendPostgres {
				return fmt.Errorf("migrate needs the postgres backend, configured: %s", a.cfg.StoreBackend)
			}
			if err := chat.Migrate(a.cfg.PostgresDSN); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

// sweep: one-off deletion of expired rows.
func sweepCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired messages now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			sweeper, ok := store.(chat.Sweeper)
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "%s expires messages itself, nothing to sweep\n", a.cfg.StoreBackend)
				return nil
			}
			n, err := sweeper.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "swept %d expired messages\n", n)
			return nil
		},
	}
}
