package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/podlabs/podctl/internal/stream"
)

var execCmd = &cobra.Command{
	Use:   "exec <command>",
	Short: "Run a one-shot command in the sandbox",
	Args:  cobra.ExactArgs(1),
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

		result, err := a.gw.SendCommand(cmd.Context(), sessionID, args[0])
		if err != nil {
			return err
		}
		if result.Message != "" {
			fmt.Println(result.Message)
		}
		if !result.Success {
			return fmt.Errorf("command failed")
		}
		return nil
	},
}

var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Attach an interactive terminal to the sandbox session",
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

		snapshot, err := a.gw.GetSessionStatus(cmd.Context(), sessionID)
		if err != nil {
			return err
		}
		if !snapshot.Ready {
			return fmt.Errorf("session %s is not ready (status %s)", sessionID, snapshot.Status)
		}

		return runAttached(cmd.Context(), a, sessionID)
	},
}

// runAttached bridges stdin/stdout to the session's terminal stream
// until the stream closes or the user interrupts.
func runAttached(ctx context.Context, a *app, sessionID string) error {
	fd := int(os.Stdin.Fd())
	rawMode := term.IsTerminal(fd)

	adapter := stream.NewAdapter(
		a.gw.StreamEndpoint(sessionID),
		stream.WithOutputCallback(func(text string) {
			if rawMode {
				text = crlf(text)
			}
			fmt.Print(text)
		}),
	)
	if err := adapter.Dial(ctx); err != nil {
		return err
	}
	defer adapter.Close()

	if rawMode {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("set raw mode: %w", err)
		}
		defer func() {
			if restoreErr := term.Restore(fd, oldState); restoreErr != nil {
				fmt.Fprintf(os.Stderr, "failed to restore terminal: %v\n", restoreErr)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				cancel()
				return
			}
			// Ctrl-] detaches, like other remote-console tools.
			for _, b := range buf[:n] {
				if b == 0x1d {
					cancel()
					return
				}
			}
			adapter.SendInput(ctx, string(buf[:n]))
		}
	}()

	select {
	case <-adapter.Done():
	case <-ctx.Done():
	}
	return nil
}

// crlf rewrites LF to CRLF for a terminal in raw mode, where bare
// newlines stairstep instead of returning the cursor. Stream output is
// already CR-normalized, so the rewrite never doubles a CR.
func crlf(text string) string {
	return strings.ReplaceAll(text, "\n", "\r\n")
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List all live sessions (admin)",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		list, err := a.gw.ListSessions(cmd.Context())
		if err != nil {
			return err
		}
		if list == nil {
			fmt.Println("session list unavailable (fetch in progress)")
			return nil
		}
		for _, sess := range list.Sessions {
			fmt.Printf("%s\t%s\t%s\tready=%v\n", sess.SessionID, sess.PodName, sess.Status, sess.Ready)
		}
		fmt.Printf("%d session(s)\n", list.Count)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show sandbox service health",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		health, err := a.gw.Health(cmd.Context())
		if err != nil {
			return err
		}
		if health == nil {
			fmt.Println("health unavailable (fetch in progress)")
			return nil
		}
		fmt.Printf("status:      %s\nsessions:    %d\nconnections: %d\nat:          %s\n",
			health.Status, health.ActiveSessions, health.ActiveConnections, health.Timestamp)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(execCmd, attachCmd, sessionsCmd, healthCmd)
}
