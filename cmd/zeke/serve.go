package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Johnsonbros/zeke/internal/server/api"
	"github.com/Johnsonbros/zeke/internal/server/kv"
	"github.com/Johnsonbros/zeke/internal/server/store"
	"github.com/Johnsonbros/zeke/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "server",
	Short:   "Run the zeke backend",
	Long: `Run the authoritative backend: the mutation endpoint, the snapshot
feed, session and automation state, the realtime invalidation hub, and
Prometheus metrics.

The record store DSN and KV DSN come from the [server] config section.
A kv_dsn of memory:// keeps sessions in process memory; point it at a
file or redis:// URL to survive restarts.`,
	Run: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	logger := log.New(os.Stderr, "[api] ", log.LstdFlags)

	storeDSN, err := cfg.Server.ResolvedStoreDSN()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	st, err := store.Open(storeDSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening record store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	kvDSN := cfg.Server.ResolvedKVDSN()
	kvStore, err := kv.Open(kvDSN, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening KV store: %v\n", err)
		os.Exit(1)
	}
	defer kvStore.Close()

	serverCfg := api.DefaultConfig()
	serverCfg.Addr = cfg.Server.ResolvedAddr()
	serverCfg.Store = st
	serverCfg.KV = kvStore
	serverCfg.MinClientVersion = cfg.Server.MinClientVersion
	serverCfg.SessionTTL = cfg.Server.SessionWindow()
	serverCfg.AutomationTTL = cfg.Server.AutomationWindow()
	serverCfg.Logger = logger

	srv, err := api.NewServer(serverCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting server: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s zeke backend listening on %s\n", ui.RenderAccent("🚀"), srv.Addr())
	fmt.Println(ui.StatusLine("Records", storeDSN))
	fmt.Println(ui.StatusLine("KV", kvDSN))
	if cfg.Server.MinClientVersion != "" {
		fmt.Println(ui.StatusLine("Min client", cfg.Server.MinClientVersion))
	}
	fmt.Println("\nPress Ctrl+C to stop")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	fmt.Printf("\n%s Shutting down...\n", ui.RenderAccent("🔄"))
	if err := srv.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Error stopping server: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s Server stopped\n", ui.RenderPass("✓"))
}
