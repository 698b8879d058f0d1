package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var askUser string

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer one question from a user's documents",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askUser, "user", "u", "", "user id (default anonymous)")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	app, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	answer, err := app.Knowledge.Ask(ctx, askUser, strings.Join(args, " "))
	if err != nil {
		return fmt.Errorf("ask failed: %w", err)
	}
	return printJSON(cmd, answer)
}
