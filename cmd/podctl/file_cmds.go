package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/podlabs/podctl/internal/session"
	syncpkg "github.com/podlabs/podctl/internal/sync"
)

var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Save a local file into the sandbox and execute it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		content, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
		}

		userID := userIDOrConfig(a, "")
		sess, err := a.controller.Create(cmd.Context(), session.CreateOptions{
			UserID:       userID,
			TryReconnect: true,
		})
		if err != nil {
			return err
		}
		if sess == nil {
			return nil
		}

		ok, err := a.controller.SaveAndRun(cmd.Context(), filepath.Base(args[0]), string(content))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("sandbox reported failure running %s", args[0])
		}
		fmt.Printf("ran %s in session %s\n", filepath.Base(args[0]), sess.SessionID)
		return nil
	},
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push files that drifted since the last sync",
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

		files, err := a.repo.ListFiles(cmd.Context())
		if err != nil {
			return fmt.Errorf("list tracked files: %w", err)
		}
		if len(files) == 0 {
			fmt.Println("no tracked files; run `podctl watch` against a workspace first")
			return nil
		}

		ids := make([]string, len(files))
		for i, f := range files {
			ids[i] = f.ID
		}

		push := func(ctx context.Context, sessionID, filename, content string) (bool, error) {
			result, err := a.gw.SaveFile(ctx, sessionID, filename, content)
			if err != nil {
				return false, err
			}
			return result.Success, nil
		}

		pushed, err := a.tracker.PushPending(cmd.Context(), push, userID, sessionID, ids)
		if err != nil {
			return err
		}
		fmt.Printf("pushed %d file(s)\n", pushed)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [dir]",
	Short: "Watch a workspace directory and track file modifications",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		dir := a.cfg.WorkspaceDir
		if len(args) == 1 {
			dir = args[0]
		}
		if dir == "" {
			return fmt.Errorf("no workspace directory; pass one or set PODCTL_WORKSPACE")
		}

		watcher := syncpkg.NewWatcher(a.repo, dir, nil)
		err = watcher.Run(cmd.Context())
		if err == context.Canceled {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(runCmd, pushCmd, watchCmd)
}
