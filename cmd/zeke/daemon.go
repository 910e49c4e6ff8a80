package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Johnsonbros/zeke/internal/config"
	"github.com/Johnsonbros/zeke/internal/sync/daemon"
	"github.com/Johnsonbros/zeke/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the background sync daemon",
	Long: `Run the sync daemon in the foreground: periodic queue flushes,
connectivity probing, retention pruning, the spool directory watcher,
and the realtime invalidation channel.

Other local producers (voice pipeline, SMS bridge) drop one-mutation
JSON files into the spool directory; the daemon enqueues and archives
them within a debounce window.

Logs go to stderr, or to a rotating file when daemon.log_file is set.`,
	Run: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) {
	logger := daemonLogger()

	s, err := openStack(logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	spoolDir, err := cfg.Daemon.ResolvedSpoolDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	dcfg := daemon.DefaultConfig()
	dcfg.FlushInterval = cfg.Daemon.FlushEvery()
	dcfg.PruneInterval = cfg.Daemon.PruneEvery()
	dcfg.Retention = cfg.Daemon.RetentionWindow()
	dcfg.SpoolDir = spoolDir
	dcfg.Logger = logger

	d, err := daemon.New(s.store, s.monitor, s.queue, s.repo, dcfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// The engine adds the reactive paths on top of the daemon's tickers:
	// flush on connectivity restore, facade refresh on invalidation.
	if err := s.engine.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer s.engine.Stop()

	fmt.Printf("%s Starting sync daemon\n", ui.RenderAccent("🚀"))
	fmt.Println(ui.StatusLine("Store", s.dbPath))
	fmt.Println(ui.StatusLine("Backend", cfg.Client.ResolvedServerURL()))
	fmt.Println(ui.StatusLine("Channel", cfg.Client.ResolvedChannelURL()))
	fmt.Println(ui.StatusLine("Spool", spoolDir))
	fmt.Println("\nPress Ctrl+C to stop")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Blocks until the context is cancelled.
	if err := d.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\n%s Daemon stopped\n", ui.RenderPass("✓"))
}

// daemonLogger routes daemon output to a rotating log file when one is
// configured, stderr otherwise.
func daemonLogger() *log.Logger {
	if cfg.Daemon.LogFile == "" {
		return log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	return log.New(&lumberjack.Logger{
		Filename:   config.ExpandPath(cfg.Daemon.LogFile),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     14, // days
	}, "[daemon] ", log.LstdFlags)
}
