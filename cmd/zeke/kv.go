package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Johnsonbros/zeke/internal/server/kv"
	"github.com/Johnsonbros/zeke/internal/ui"
)

var (
	kvNamespace string
	kvSetTTL    time.Duration
)

var kvCmd = &cobra.Command{
	Use:     "kv",
	GroupID: "server",
	Short:   "Inspect and edit the server KV store",
	Long: `Operate directly on the server's KV store (sessions, automation
state, idempotency claims) through the DSN in the [server] config
section.

Only meaningful against a durable DSN (a file path, libsql:// or
redis://); memory:// stores vanish with the process that owns them.`,
}

var kvGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a value",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withKV(func(ctx context.Context, store kv.Store) error {
			val, err := store.Get(ctx, kvNamespace, args[0])
			if kv.IsNotFound(err) {
				fmt.Fprintf(os.Stderr, "Error: %s/%s not found\n", kvNamespace, args[0])
				os.Exit(1)
			}
			if err != nil {
				return err
			}
			fmt.Println(string(val))
			return nil
		})
	},
}

var kvSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Store a value",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		withKV(func(ctx context.Context, store kv.Store) error {
			if err := store.Set(ctx, kvNamespace, args[0], []byte(args[1]), kvSetTTL); err != nil {
				return err
			}
			fmt.Printf("%s Set %s/%s\n", ui.RenderPass("✓"), kvNamespace, args[0])
			return nil
		})
	},
}

var kvDelCmd = &cobra.Command{
	Use:   "del <key>",
	Short: "Delete a key",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withKV(func(ctx context.Context, store kv.Store) error {
			if err := store.Delete(ctx, kvNamespace, args[0]); err != nil {
				return err
			}
			fmt.Printf("%s Deleted %s/%s\n", ui.RenderPass("✓"), kvNamespace, args[0])
			return nil
		})
	},
}

var kvListCmd = &cobra.Command{
	Use:   "list [prefix]",
	Short: "List keys in the namespace",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		prefix := ""
		if len(args) == 1 {
			prefix = args[0]
		}
		withKV(func(ctx context.Context, store kv.Store) error {
			keys, err := store.List(ctx, kvNamespace, prefix)
			if err != nil {
				return err
			}
			if len(keys) == 0 {
				fmt.Println(ui.RenderMuted("(empty)"))
				return nil
			}
			for _, k := range keys {
				fmt.Println(k)
			}
			return nil
		})
	},
}

var kvCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove expired entries",
	Run: func(cmd *cobra.Command, args []string) {
		withKV(func(ctx context.Context, store kv.Store) error {
			removed, err := store.CleanupExpired(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%s Removed %d expired entries\n", ui.RenderPass("✓"), removed)
			return nil
		})
	},
}

func init() {
	kvCmd.PersistentFlags().StringVar(&kvNamespace, "namespace", "session", "KV namespace")
	kvSetCmd.Flags().DurationVar(&kvSetTTL, "ttl", 0, "expiry, 0 means never")
	kvCmd.AddCommand(kvGetCmd, kvSetCmd, kvDelCmd, kvListCmd, kvCleanupCmd)
	rootCmd.AddCommand(kvCmd)
}

// withKV opens the configured KV store, runs fn, and closes it.
func withKV(fn func(ctx context.Context, store kv.Store) error) {
	store, err := kv.Open(cfg.Server.ResolvedKVDSN(), quietLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening KV store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := fn(ctx, store); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
