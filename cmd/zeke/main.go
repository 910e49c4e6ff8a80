// Command zeke is the offline-first sync client and backend for the
// zeke personal assistant.
//
// Every write lands in a local SQLite store first and uploads in the
// background through a durable, coalescing queue. The same binary also
// runs the authoritative backend (zeke serve) and the long-lived device
// daemon (zeke daemon).
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Johnsonbros/zeke/internal/config"
)

// version is stamped at release time via -ldflags. It travels to the
// backend in the X-Zeke-Client header, where it is checked against the
// configured minimum.
var version = "1.5.0"

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:     "zeke",
	Short:   "Offline-first sync for the zeke assistant",
	Version: version,
	Long: `zeke keeps a local replica of your assistant data and syncs it with
the backend whenever connectivity allows. Writes always succeed locally;
a durable queue uploads them in the background and retries with backoff.

Configuration is read from ~/.zeke/config.toml (see 'zeke init'),
overridden by ZEKE_* environment variables, overridden by flags.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// A .env in the working directory is honored but never required.
		_ = godotenv.Load()

		loaded, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		applyEnv(loaded)
		cfg = loaded
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.zeke/config.toml)")
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "server", Title: "Server Commands:"},
		&cobra.Group{ID: "data", Title: "Data Commands:"},
		&cobra.Group{ID: "maint", Title: "Maintenance Commands:"},
	)
}

// applyEnv overlays ZEKE_* environment variables onto the file config.
// Only variables that are actually set override; empty values leave the
// file's answer alone.
func applyEnv(c *config.Config) {
	v := viper.New()
	v.SetEnvPrefix("zeke")
	v.AutomaticEnv()

	override := func(key string, target *string) {
		if val := v.GetString(key); val != "" {
			*target = val
		}
	}
	override("db_path", &c.Client.DBPath)
	override("server_url", &c.Client.ServerURL)
	override("channel_url", &c.Client.ChannelURL)
	override("spool_dir", &c.Daemon.SpoolDir)
	override("log_file", &c.Daemon.LogFile)
	override("addr", &c.Server.Addr)
	override("store_dsn", &c.Server.StoreDSN)
	override("kv_dsn", &c.Server.KVDSN)
	override("min_client_version", &c.Server.MinClientVersion)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
