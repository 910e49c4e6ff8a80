package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Johnsonbros/zeke/internal/sync/db"
	"github.com/Johnsonbros/zeke/internal/sync/migrate"
	"github.com/Johnsonbros/zeke/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export <path>",
	GroupID: "data",
	Short:   "Write a JSONL snapshot of the local store",
	Long: `Write every record and queued operation to a JSONL snapshot. The file
is written atomically, so a crash mid-export never leaves a torn
snapshot behind.`,
	Args: cobra.ExactArgs(1),
	Run:  runExport,
}

var (
	importDryRun bool
	importBackup bool
)

var importCmd = &cobra.Command{
	Use:     "import <path>",
	GroupID: "data",
	Short:   "Import a JSONL snapshot into the local store",
	Long: `Import a snapshot line by line. Records merge under their own
versioning, already-synced history is skipped, and per-line failures
are reported without aborting the rest of the file.

With --dry-run nothing is written; the report shows what would happen.
With --backup the current state is exported next to the snapshot first.`,
	Args: cobra.ExactArgs(1),
	Run:  runImport,
}

func init() {
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "validate and report without writing")
	importCmd.Flags().BoolVar(&importBackup, "backup", false, "export current state before importing")
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}

// openLocalStore opens just the durable store, for commands that never
// touch the backend.
func openLocalStore() (*db.DB, error) {
	dbPath, err := cfg.Client.ResolvedDBPath()
	if err != nil {
		return nil, err
	}
	return db.Open(dbPath)
}

func runExport(cmd *cobra.Command, args []string) {
	store, err := openLocalStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	result, err := migrate.Export(ctx, store, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: export failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s Exported %d records and %d operations to %s\n",
		ui.RenderPass("✓"), result.Records, result.Operations, result.Path)
}

func runImport(cmd *cobra.Command, args []string) {
	store, err := openLocalStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	result, err := migrate.Import(ctx, store, args[0], migrate.ImportOptions{
		DryRun: importDryRun,
		Backup: importBackup,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: import failed: %v\n", err)
		os.Exit(1)
	}

	verb := "Imported"
	if importDryRun {
		verb = "Would import"
	}
	fmt.Printf("%s %s %d records (%d skipped) and queued %d operations (%d skipped)\n",
		ui.RenderPass("✓"), verb, result.RecordsApplied, result.RecordsSkipped,
		result.OpsQueued, result.OpsSkipped)
	if result.BackupCreated != "" {
		fmt.Println(ui.StatusLine("Backup", result.BackupCreated))
	}
	if len(result.Errors) > 0 {
		fmt.Printf("%s %d line(s) rejected:\n", ui.RenderWarn("⚠"), len(result.Errors))
		for i, msg := range result.Errors {
			if i == 10 {
				fmt.Printf("   ... and %d more\n", len(result.Errors)-10)
				break
			}
			fmt.Printf("   %s\n", msg)
		}
		os.Exit(1)
	}
}
