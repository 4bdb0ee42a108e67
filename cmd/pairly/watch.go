package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	pairly "github.com/pairly-app/pairly-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var watchVerbose bool

func init() {
	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "log connection internals")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the realtime event stream",
	Long:  "Open a realtime session for the logged-in user and print incoming events.\nRuns the full client core: unread counter, presence cache, and the profile reconciler.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		identity := pairly.Identity{ID: cfg.Auth.UserID, Token: cfg.Auth.Token}

		logger := zap.NewNop()
		if watchVerbose {
			var err error
			if logger, err = zap.NewDevelopment(); err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		me, err := client.Auth.Me(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to fetch account: %w", err)
		}

		session := pairly.NewSession(baseURL(cfg), &pairly.SessionConfig{Logger: logger})

		unread := pairly.NewUnreadCounter(client.Conversations.List)
		session.BindUnread(unread)
		presence := pairly.NewPresenceCache()
		session.BindPresence(presence)

		session.OnConnected(func(mode string) {
			fmt.Printf("connected (%s)\n", mode)
		})
		session.OnDisconnected(func(reason string) {
			fmt.Printf("disconnected: %s\n", reason)
		})
		session.OnMessageReceived(func(ev pairly.MessageReceivedEvent) {
			fmt.Printf("message from %s  unread=%d\n", ev.Sender.ID, unread.Value())
		})
		session.OnUserStatus(func(ev pairly.UserStatusEvent) {
			state := "offline"
			if ev.IsOnline {
				state = "online"
			}
			fmt.Printf("%s is %s\n", ev.UserID, state)
		})
		session.OnPhotoApproved(func(ev pairly.PhotoApprovedEvent) {
			fmt.Printf("photo approved: %s -> %s\n", ev.PhotoType, ev.PhotoURL)
		})

		reconciler := pairly.NewReconciler(
			func(ctx context.Context, userID string) (pairly.ProfileSnapshot, error) {
				user, err := client.Users.Get(ctx, userID)
				if err != nil {
					return pairly.ProfileSnapshot{}, err
				}
				return pairly.SnapshotUser(user), nil
			},
			func(delta pairly.ProfileDelta) {
				if delta.AvatarURL != nil {
					fmt.Printf("avatar changed: %s\n", *delta.AvatarURL)
				}
				if delta.CoverURL != nil {
					fmt.Printf("cover changed: %s\n", *delta.CoverURL)
				}
			},
			&pairly.ReconcilerConfig{
				Logger: logger,
				Revive: func() { session.Open(identity) },
			},
		)

		session.Open(identity)
		reconciler.Start(identity, pairly.SnapshotUser(me))

		seedCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := unread.Seed(seedCtx); err != nil {
			fmt.Fprintf(os.Stderr, "unread seed failed: %v\n", err)
		} else {
			fmt.Printf("unread=%d\n", unread.Value())
		}
		cancel()

		fmt.Printf("watching as %s, Ctrl-C to stop\n", me.Name)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		reconciler.Stop()
		session.Close()
		fmt.Println("\nbye")
		return nil
	},
}
