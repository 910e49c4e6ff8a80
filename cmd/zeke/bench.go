package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/Johnsonbros/zeke/internal/sync/loadtest"
	"github.com/Johnsonbros/zeke/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "maint",
	Short:   "Run the write/flush load harness",
	Long: `Drive concurrent writes through a throwaway engine against an
in-process fake backend, then report enqueue latency percentiles and
check that every writer's last value converged.

Examples:
  # Defaults (8 writers x 25 writes over 100 entities)
  zeke bench

  # Heavier contention, slower fake backend
  zeke bench --writers 32 --writes 50 --latency 20ms

  # Also exercise the coalescing and single-flight properties
  zeke bench --verify`,
	Run: runBench,
}

func init() {
	benchCmd.Flags().Int("entities", 100, "Number of seeded entities")
	benchCmd.Flags().Int("writers", 8, "Number of concurrent writers")
	benchCmd.Flags().Int("writes", 25, "Writes per writer")
	benchCmd.Flags().Duration("latency", 5*time.Millisecond, "Simulated backend latency")
	benchCmd.Flags().Bool("verify", false, "Also run coalescing and single-flight checks")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, args []string) {
	entities, _ := cmd.Flags().GetInt("entities")
	writers, _ := cmd.Flags().GetInt("writers")
	writes, _ := cmd.Flags().GetInt("writes")
	latency, _ := cmd.Flags().GetDuration("latency")
	verify, _ := cmd.Flags().GetBool("verify")

	if entities <= 0 || writers <= 0 || writes <= 0 {
		fmt.Fprintf(os.Stderr, "Error: --entities, --writers, and --writes must be positive\n")
		os.Exit(1)
	}

	dir, err := os.MkdirTemp("", "zeke-bench-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	te, err := loadtest.CreateTestEngine(filepath.Join(dir, "bench.db"), entities, latency)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer te.Close()

	fmt.Printf("%s Running %d writers x %d writes over %d entities (backend latency %s)\n\n",
		ui.RenderAccent("🚀"), writers, writes, entities, latency)

	stats, err := te.RunConcurrentWrites(writers, writes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	stats.PrintStats()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := te.Drain(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: drain: %v\n", err)
		os.Exit(1)
	}
	if err := te.VerifyConverged(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: convergence check: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\n%s Converged: local and backend agree on every entity\n", ui.RenderPass("✓"))

	if verify {
		if err := te.VerifyCoalescing(writers, writes); err != nil {
			fmt.Fprintf(os.Stderr, "Error: coalescing check: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Coalescing holds: one pending op per entity under contention\n", ui.RenderPass("✓"))

		if err := te.VerifySingleFlight(writers, writes); err != nil {
			fmt.Fprintf(os.Stderr, "Error: single-flight check: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Single-flight holds: concurrent triggers joined one flush\n", ui.RenderPass("✓"))
	}
}
