package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Johnsonbros/zeke/internal/sync/queue"
	"github.com/Johnsonbros/zeke/internal/ui"
)

var syncForce bool

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Flush pending operations now",
	Long: `Flush the pending queue against the backend.

Without --force the flush respects backoff gates and skips when the
backend is unreachable. With --force parked failures are re-queued with
fresh attempt budgets and connectivity is probed rather than trusted
from cache.`,
	Run: runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncForce, "force", false, "re-queue parked failures and probe the backend")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) {
	s, err := openStack(quietLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var result *queue.FlushResult
	if syncForce {
		result, err = s.engine.SyncNow(ctx)
	} else {
		s.monitor.Refresh(ctx)
		result, err = s.queue.TriggerSync(ctx, false)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: sync failed: %v\n", err)
		os.Exit(1)
	}

	if result.Skipped {
		fmt.Printf("%s Backend unreachable, queue left intact\n", ui.RenderWarn("⚠"))
		return
	}

	fmt.Printf("%s Sync complete: %d synced", ui.RenderPass("✓"), result.Synced)
	if result.Retried > 0 {
		fmt.Printf(", %d awaiting retry", result.Retried)
	}
	if result.Failed > 0 {
		fmt.Printf(", %d failed", result.Failed)
	}
	fmt.Println()

	if result.Retried > 0 && result.NextRetryIn > 0 {
		fmt.Printf("   Next retry in %s\n", result.NextRetryIn.Round(time.Second))
	}
	if result.Failed > 0 {
		fmt.Printf("%s Run 'zeke retry' to inspect failed operations\n", ui.RenderWarn("⚠"))
	}
}
