// Package cli implements the creditengine command line.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ineyio/creditengine/internal/app"
)

var rootCmd = &cobra.Command{
	Use:   "creditengine",
	Short: "Metered credit engine for asynchronous AI jobs",
	Long: `creditengine reserves credits before paid AI work is submitted,
tracks every submitted job and settles it when the provider calls back.
Failed jobs are refunded exactly once.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// A missing .env is fine; the environment may already be set.
		_ = godotenv.Load()
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a YAML or TOML config file (default: in-memory)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadApp builds the App from the --config flag.
func loadApp(cmd *cobra.Command, opts ...app.Option) (*app.App, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv("CREDITENGINE_CONFIG")
	}
	a, err := app.Load(cmdContext(cmd), path, opts...)
	if err != nil {
		return nil, fmt.Errorf("load app: %w", err)
	}
	return a, nil
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
