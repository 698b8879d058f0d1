package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var indexUser string

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Build a user's index and print the build report",
	Args:  cobra.NoArgs,
	RunE:  runIndex,
}

func init() {
	indexCmd.Flags().StringVarP(&indexUser, "user", "u", "", "user id (default anonymous)")
	rootCmd.AddCommand(indexCmd)
}

func runIndex(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()
	app, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	report, err := app.Knowledge.Refresh(ctx, indexUser)
	if err != nil {
		return fmt.Errorf("index failed: %w", err)
	}
	return printJSON(cmd, report)
}
