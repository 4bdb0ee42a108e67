package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration and fetch the live account record and unread count.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", baseURL(cfg))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:    (not logged in)")
			return nil
		}
		fmt.Printf("  Email:    %s\n", cfg.Auth.Email)
		fmt.Printf("  User ID:  %s\n", cfg.Auth.UserID)
		fmt.Printf("  Token:    %s\n", maskToken(cfg.Auth.Token))

		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Live status:")

		me, err := client.Auth.Me(ctx)
		if err != nil {
			fmt.Printf("  Error fetching account info: %v\n", err)
			return nil
		}
		fmt.Printf("  Name:   %s\n", me.Name)
		fmt.Printf("  Email:  %s\n", me.Email)

		conversations, err := client.Conversations.List(ctx)
		if err != nil {
			fmt.Printf("  Error fetching conversations: %v\n", err)
			return nil
		}
		unread := 0
		for _, c := range conversations {
			unread += c.UnreadCount
		}
		fmt.Printf("  Conversations: %d\n", len(conversations))
		fmt.Printf("  Unread:        %d\n", unread)
		return nil
	},
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "..."
	}
	return token[:8] + "..." + token[len(token)-4:]
}
