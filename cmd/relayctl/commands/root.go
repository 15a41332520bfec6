// Package commands implements relayctl, the operator CLI for the message
// store behind the relay.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/marketchat/relay/internal/chat"
	"github.com/marketchat/relay/internal/config"
)

type app struct {
	cfg     config.Config
	backend string
	asJSON  bool

	rdb   *redis.Client
	store chat.Store
}

// Execute runs relayctl with the process arguments.
func Execute() error {
	root, a := newRoot()
	defer a.close()
	return root.Execute()
}

func newRoot() (*cobra.Command, *app) {
	a := &app{}

	root := &cobra.Command{
		Use:          "relayctl",
		Short:        "Inspect and maintain the relay message store",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if a.backend != "" {
				cfg.StoreBackend = a.backend
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			a.cfg = cfg
			return nil
		},
	}

	root.PersistentFlags().StringVar(&a.backend, "backend", "", "store backend override (redis, postgres, badger)")
	root.PersistentFlags().BoolVar(&a.asJSON, "json", false, "print JSON instead of text")

	root.AddCommand(
		historyCmd(a),
		listCmd(a),
		deleteCmd(a),
		counterpartsCmd(a),
		migrateCmd(a),
		sweepCmd(a),
		benchCmd(),
	)
	return root, a
}

// open connects to the configured store on first use.
func (a *app) open(ctx context.Context) (chat.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	if a.cfg.StoreBackend == chat.BackendRedis {
		a.rdb = redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	}
	store, err := chat.Open(ctx, a.cfg.Store(a.rdb))
	if err != nil {
		return nil, err
	}
	a.store = store
	return store, nil
}

func (a *app) close() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
		a.store = nil
	}
	if a.rdb != nil {
		if cerr := a.rdb.Close(); err == nil {
			err = cerr
		}
		a.rdb = nil
	}
	return err
}

func (a *app) printMessages(w io.Writer, msgs []chat.Message) error {
	if a.asJSON {
		return printJSON(w, msgs)
	}
	for _, m := range msgs {
		fmt.Fprintf(w, "%s  %s  %s -> %s: %s\n",
			m.CreatedAt.Format("2006-01-02T15:04:05.000000Z07:00"), m.ID, m.SenderID, m.ReceiverID, m.Body)
	}
	return nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
