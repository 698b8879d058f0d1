package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ragchat/internal/bootstrap"
	"ragchat/internal/config"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Retrieval-augmented question answering over your own documents",
	Long: `Serves a per-user knowledge base: upload documents or crawl URLs, then ask
questions answered from the most relevant chunks. Runs the HTTP API by default.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (.toml or .yaml), overrides CONFIG_FILE")
}

// loadApp reads the config named by --config (or CONFIG_FILE) and wires the app.
func loadApp(ctx context.Context) (*bootstrap.App, error) {
	if configFile != "" {
		if err := os.Setenv("CONFIG_FILE", configFile); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	return bootstrap.New(ctx, cfg)
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	cmd.Println(string(data))
	return nil
}
