package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/podlabs/podctl/internal/session"
)

var (
	upUserID    string
	upReconnect bool
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Create a sandbox session and wait for it to become ready",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		sess, err := a.controller.Create(cmd.Context(), session.CreateOptions{
			UserID:       userIDOrConfig(a, upUserID),
			TryReconnect: upReconnect,
		})
		if err != nil {
			return err
		}
		if sess == nil {
			// Another invocation won the creation lock.
			return nil
		}

		verb := "created"
		if sess.Reconnected {
			verb = "reconnected"
		}
		fmt.Printf("session %s %s (pod %s)\n", sess.SessionID, verb, sess.PodName)
		return nil
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Tear the current session down",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		userID := userIDOrConfig(a, "")
		sessionID, err := resolveSessionID(cmd.Context(), a, userID)
		if err != nil {
			return err
		}

		if userID != "" {
			if err := a.tracker.DeactivateUserSession(cmd.Context(), userID, sessionID); err != nil {
				// Best-effort; the remote delete still proceeds.
				fmt.Printf("warning: %v\n", err)
			}
		}
		if _, err := a.gw.DeleteSession(cmd.Context(), sessionID); err != nil {
			return err
		}
		fmt.Printf("session %s deleted\n", sessionID)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current session's status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		sessionID, err := resolveSessionID(cmd.Context(), a, userIDOrConfig(a, ""))
		if err != nil {
			return err
		}

		snapshot, err := a.gw.SessionStatus(cmd.Context(), sessionID)
		if err != nil {
			return err
		}
		if snapshot == nil {
			fmt.Println("status unavailable (fetch in progress)")
			return nil
		}
		fmt.Printf("session:  %s\npod:      %s\nstatus:   %s\nready:    %v\nuptime:   %.0fs\n",
			snapshot.SessionID, snapshot.PodName, snapshot.Status, snapshot.Ready, snapshot.Uptime)
		if snapshot.CurrentFile != "" {
			fmt.Printf("file:     %s\n", snapshot.CurrentFile)
		}
		return nil
	},
}

// resolveSessionID finds the caller's active session via the recorded
// user-session mapping.
func resolveSessionID(ctx context.Context, a *app, userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("no user id configured; set PODCTL_USER_ID or --user")
	}
	record, err := a.tracker.GetOrCreateUserSession(ctx, userID)
	if err != nil {
		return "", err
	}
	if record == nil {
		return "", fmt.Errorf("no active session for user %s; run `podctl up` first", userID)
	}
	return record.SessionID, nil
}

func userIDOrConfig(a *app, flag string) string {
	if flag != "" {
		return flag
	}
	return a.cfg.UserID
}

func init() {
	upCmd.Flags().StringVar(&upUserID, "user", "", "user id to record the session under")
	upCmd.Flags().BoolVar(&upReconnect, "reconnect", false, "adopt an existing live session when possible")
	rootCmd.AddCommand(upCmd, downCmd, statusCmd)
}
