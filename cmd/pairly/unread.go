package main

import (
	"context"
	"fmt"
	"time"

	pairly "github.com/pairly-app/pairly-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(unreadCmd)
}

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Print the total unread-message count",
	Long:  "Fetch the conversation list and print the summed unread count for the logged-in user.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		counter := pairly.NewUnreadCounter(client.Conversations.List)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := counter.Seed(ctx); err != nil {
			return fmt.Errorf("failed to fetch unread count: %w", err)
		}

		fmt.Printf("%d\n", counter.Value())
		return nil
	},
}
