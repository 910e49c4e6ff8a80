package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Johnsonbros/zeke/internal/ui"
)

var pullCmd = &cobra.Command{
	Use:     "pull",
	GroupID: "sync",
	Short:   "Pull the backend's full state into the local store",
	Long: `Fetch the backend's complete current state and merge it locally, for
first-run population or disaster recovery. Records merge under their
own versioning and the pending queue is never touched, so offline work
survives the pull.`,
	Run: runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)
}

func runPull(cmd *cobra.Command, args []string) {
	s, err := openStack(quietLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	fmt.Printf("%s Pulling from %s...\n", ui.RenderAccent("🔄"), cfg.Client.ResolvedServerURL())
	applied, err := s.engine.ImportFromBackend(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: pull failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s Applied %d records\n", ui.RenderPass("✓"), applied)
}
