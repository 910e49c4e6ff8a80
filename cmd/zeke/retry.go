package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/Johnsonbros/zeke/internal/sync/schema"
	"github.com/Johnsonbros/zeke/internal/ui"
)

var retryDiscard bool

var retryCmd = &cobra.Command{
	Use:     "retry [operation-id]",
	GroupID: "sync",
	Short:   "Retry or discard a failed operation",
	Long: `Re-queue a parked operation with a fresh attempt budget and flush.
With no id an interactive picker lists the failed operations.

With --discard the operation is dropped instead; the local record keeps
whatever state the abandoned edit left behind.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runRetry,
}

func init() {
	retryCmd.Flags().BoolVar(&retryDiscard, "discard", false, "drop the operation instead of retrying it")
	rootCmd.AddCommand(retryCmd)
}

func runRetry(cmd *cobra.Command, args []string) {
	s, err := openStack(quietLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	failed, err := s.engine.FailedOps(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(failed) == 0 {
		fmt.Printf("%s No failed operations\n", ui.RenderPass("✓"))
		return
	}

	var opID string
	if len(args) == 1 {
		opID = args[0]
	} else {
		opID, err = pickFailedOp(failed)
		if errors.Is(err, huh.ErrUserAborted) {
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	if retryDiscard {
		if err := s.engine.DiscardFailed(ctx, opID); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Discarded operation %s\n", ui.RenderPass("✓"), shortID(opID))
		return
	}

	result, err := s.engine.RetryFailed(ctx, opID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	switch {
	case result.Skipped:
		fmt.Printf("%s Re-queued, but the backend is unreachable; it will sync when connectivity returns\n", ui.RenderWarn("⚠"))
	case result.Failed > 0:
		fmt.Printf("%s Operation failed again; run 'zeke status' for details\n", ui.RenderFail("✗"))
		os.Exit(1)
	case result.Retried > 0:
		fmt.Printf("%s Retriable error, next attempt in %s\n", ui.RenderWarn("⚠"), result.NextRetryIn.Round(time.Second))
	default:
		fmt.Printf("%s Operation synced\n", ui.RenderPass("✓"))
	}
}

// pickFailedOp runs the interactive selector over parked operations.
func pickFailedOp(failed []*schema.PendingOperation) (string, error) {
	options := make([]huh.Option[string], 0, len(failed))
	for _, op := range failed {
		label := fmt.Sprintf("%s %s/%s (%s) %s",
			op.Kind, op.EntityType, op.EntityID, shortID(op.ID), truncate(op.LastError, 48))
		options = append(options, huh.NewOption(label, op.ID))
	}

	var selected string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Failed operations").
				Description("Pick one to retry (or discard with --discard)").
				Options(options...).
				Value(&selected),
		),
	)
	if err := form.Run(); err != nil {
		return "", err
	}
	return selected, nil
}
