package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/Johnsonbros/zeke/internal/sync/realtime"
	"github.com/Johnsonbros/zeke/internal/ui"
)

var addDue string

var addCmd = &cobra.Command{
	Use:     "add <type> <title>",
	GroupID: "data",
	Short:   "Create an entity locally and queue its upload",
	Long: `Create an entity. The write lands in the local store immediately and
uploads in the background; offline it simply waits in the queue.

Types: task, journal, chat, calendar, contact, location, list, recording.

The --due flag accepts natural language:

  zeke add task "Buy milk" --due "tomorrow 5pm"
  zeke add task "File taxes" --due "next friday"`,
	Args: cobra.ExactArgs(2),
	Run:  runAdd,
}

func init() {
	addCmd.Flags().StringVar(&addDue, "due", "", "due date in natural language")
	rootCmd.AddCommand(addCmd)
}

func runAdd(cmd *cobra.Command, args []string) {
	entityType, title := args[0], args[1]
	if _, known := realtime.AreaFor(entityType); !known {
		fmt.Fprintf(os.Stderr, "Error: unknown entity type %q\n", entityType)
		os.Exit(1)
	}

	payload := map[string]any{
		"title":      title,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}
	if addDue != "" {
		due, err := parseDue(addDue)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		payload["due_at"] = due.UTC().Format(time.RFC3339)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	s, err := openStack(quietLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// One probe so the queued write flushes immediately when reachable.
	s.monitor.Refresh(ctx)

	id, err := s.repo.Create(ctx, entityType, "", body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s Created %s %s\n", ui.RenderPass("✓"), entityType, id)
	if due, ok := payload["due_at"]; ok {
		fmt.Println(ui.StatusLine("Due", fmt.Sprint(due)))
	}
	if !s.monitor.IsOnline() {
		fmt.Printf("   %s\n", ui.RenderMuted("offline, queued for upload"))
	}
}

// parseDue resolves natural-language due dates relative to now.
func parseDue(text string) (time.Time, error) {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(text, time.Now())
	if err != nil {
		return time.Time{}, fmt.Errorf("could not parse due date %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand due date %q", text)
	}
	return r.Time, nil
}
