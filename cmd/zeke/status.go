package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Johnsonbros/zeke/internal/config"
	"github.com/Johnsonbros/zeke/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show the sync engine's posture",
	Long: `Show connectivity, pending and failed operation counts, and the time
of the last successful flush. The backend is probed once so the answer
reflects reachability now, not the last cached probe.`,
	Run: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	s, err := openStack(quietLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	s.monitor.Refresh(ctx)

	st, err := s.engine.Status(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	failed, err := s.engine.FailedOps(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\n%s\n\n", ui.RenderTitle("zeke sync status"))
	fmt.Println(ui.StatusLine("Backend", cfg.Client.ResolvedServerURL()))
	fmt.Println(ui.StatusLine("Connectivity", ui.OnlineBadge(st.IsOnline)))
	fmt.Println(ui.StatusLine("Pending", ui.CountBadge(st.PendingChanges)))
	fmt.Println(ui.StatusLine("Failed", ui.CountBadge(len(failed))))
	fmt.Println(ui.StatusLine("Last sync", lastSyncLabel(st.LastSyncTime)))
	if st.IsSyncing {
		fmt.Println(ui.StatusLine("Flush", "in flight"))
	}

	identityPath, err := config.DefaultIdentityPath()
	if err == nil {
		if id, ierr := config.LoadOrCreateIdentity(identityPath); ierr == nil {
			fmt.Println(ui.StatusLine("Device", id.DeviceID))
		}
	}
	fmt.Println()

	if len(failed) > 0 {
		fmt.Printf("%s %d operation(s) need attention, run 'zeke retry'\n\n", ui.RenderWarn("⚠"), len(failed))
	}
}

func lastSyncLabel(t *time.Time) string {
	if t == nil {
		return "never"
	}
	ago := time.Since(*t).Round(time.Second)
	return fmt.Sprintf("%s (%s ago)", t.Local().Format("2006-01-02 15:04:05"), ago)
}
