package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	dbPath     string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "adpilot",
	Short: "adpilot - ad delivery and A/B experimentation backend for the saju web app",
	Long: `adpilot serves the ad-experimentation backend for the saju (Four Pillars)
web product: sticky variant assignment, ad-unit lazy-load delivery,
performance tracking, and automatic winner promotion.

Running without a subcommand starts the server (same as 'adpilot serve').`,
	RunE: runServe, // Default action is to start server
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", getEnvOrDefault("ADPILOT_DB_PATH", "./adpilot.db"), "database path")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getEnvOrDefault("ADPILOT_CONFIG", "./adpilot.yml"), "config file path")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
