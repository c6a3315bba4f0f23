package sync

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/podlabs/podctl/internal/domain"
	"github.com/podlabs/podctl/internal/store"
)

// debounceWindow coalesces editor write bursts (save + rename + chmod)
// into one files-table update per path.
const debounceWindow = 200 * time.Millisecond

// Watcher mirrors a workspace directory into the files table so the
// drift predicate sees authoritative modification times for local edits.
type Watcher struct {
	repo   store.Repository
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher creates a workspace watcher rooted at dir.
func NewWatcher(repo store.Repository, dir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		repo:    repo,
		dir:     dir,
		logger:  logger,
		pending: make(map[string]*time.Timer),
	}
}

// Run seeds the files table from the current directory contents, then
// watches for changes until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.seed(ctx); err != nil {
		return err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := fw.Close(); closeErr != nil {
			w.logger.Debug("failed to close fsnotify watcher", "error", closeErr)
		}
	}()

	if err := fw.Add(w.dir); err != nil {
		return err
	}
	w.logger.Info("workspace watcher started", "dir", w.dir)

	for {
		select {
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, event)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("workspace watcher error", "error", err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// seed upserts a row for every tracked file already in the workspace.
func (w *Watcher) seed(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !tracked(entry.Name()) {
			continue
		}
		w.upsertFromDisk(ctx, filepath.Join(w.dir, entry.Name()))
	}
	return nil
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if !tracked(name) {
		return
	}

	switch {
	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		if err := w.repo.DeleteFile(ctx, fileID(name)); err != nil {
			w.logger.Warn("failed to drop removed file", "file", name, "error", err)
		}
	case event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create):
		w.debounce(ctx, event.Name)
	}
}

// debounce schedules one upsert per path per window.
func (w *Watcher) debounce(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.pending[path]; ok {
		timer.Stop()
	}
	w.pending[path] = time.AfterFunc(debounceWindow, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.upsertFromDisk(ctx, path)
	})
}

func (w *Watcher) upsertFromDisk(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil {
		// Deleted between event and flush.
		return
	}
	content, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("failed to read workspace file", "path", path, "error", err)
		return
	}

	name := filepath.Base(path)
	file := &domain.FileInfo{
		ID:        fileID(name),
		Name:      name,
		Content:   string(content),
		UpdatedAt: info.ModTime(),
	}
	if err := w.repo.UpsertFile(ctx, file); err != nil {
		w.logger.Warn("failed to upsert workspace file", "file", name, "error", err)
		return
	}
	w.logger.Debug("workspace file updated", "file", name, "modified_at", file.UpdatedAt)
}

// tracked filters out editor droppings and hidden files.
func tracked(name string) bool {
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") || strings.HasSuffix(name, ".swp") {
		return false
	}
	return true
}

// fileID derives a stable id from the workspace-relative name.
func fileID(name string) string {
	return name
}
