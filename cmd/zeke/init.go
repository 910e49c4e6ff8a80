package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Johnsonbros/zeke/internal/config"
	"github.com/Johnsonbros/zeke/internal/ui"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "maint",
	Short:   "Create the starter config and device identity",
	Long: `Write a commented starter config to ~/.zeke/config.toml and mint this
device's identity. Both are no-ops when the files already exist, so
init is always safe to re-run.`,
	Run: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) {
	path := configPath
	if path == "" {
		defaultPath, err := config.DefaultConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		path = defaultPath
	}

	existed := false
	if _, err := os.Stat(path); err == nil {
		existed = true
	}
	if err := config.WriteDefault(path); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing config: %v\n", err)
		os.Exit(1)
	}
	if existed {
		fmt.Printf("%s Config already exists at %s, left untouched\n", ui.RenderWarn("⚠"), path)
	} else {
		fmt.Printf("%s Wrote starter config to %s\n", ui.RenderPass("✓"), path)
	}

	identityPath, err := config.DefaultIdentityPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	id, err := config.LoadOrCreateIdentity(identityPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating device identity: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(ui.StatusLine("Device", id.DeviceID))
	fmt.Println(ui.StatusLine("Identity", identityPath))
}
