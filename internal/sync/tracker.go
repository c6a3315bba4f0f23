// Package sync tracks which locally-edited files have drifted from what
// was last pushed into the sandbox, and the user-to-session mapping used
// for reconnection.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/podlabs/podctl/internal/domain"
	"github.com/podlabs/podctl/internal/store"
)

// Tracker computes file drift and persists sync outcomes.
type Tracker struct {
	repo   store.Repository
	logger *slog.Logger
}

// NewTracker creates a sync tracker over the backend datastore.
func NewTracker(repo store.Repository, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{repo: repo, logger: logger}
}

// GetOrCreateUserSession returns the user's most recently active session
// and touches its activity timestamp. It returns nil when the user has
// no active session; the caller must then create a fresh sandbox.
func (t *Tracker) GetOrCreateUserSession(ctx context.Context, userID string) (*domain.UserSession, error) {
	session, err := t.repo.GetActiveUserSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get active user session: %w", err)
	}
	if session == nil {
		return nil, nil
	}

	session.LastActivity = time.Now()
	if err := t.repo.TouchUserSession(ctx, userID, session.SessionID, session.LastActivity); err != nil {
		// Touch is bookkeeping; the lookup result is still valid.
		t.logger.Warn("failed to touch user session activity",
			"user_id", userID, "session_id", session.SessionID, "error", err)
	}
	return session, nil
}

// RecordUserSession persists a confirmed-ready session for the user.
func (t *Tracker) RecordUserSession(ctx context.Context, userID string, sess *domain.Session) error {
	now := time.Now()
	record := &domain.UserSession{
		UserID:       userID,
		SessionID:    sess.SessionID,
		PodName:      sess.PodName,
		Status:       string(sess.Status),
		IsActive:     true,
		LastActivity: now,
		CreatedAt:    now,
	}
	if err := t.repo.UpsertUserSession(ctx, record); err != nil {
		return fmt.Errorf("record user session: %w", err)
	}
	return nil
}

// DeactivateUserSession marks the mapping inactive on teardown. The row
// is kept, never deleted.
func (t *Tracker) DeactivateUserSession(ctx context.Context, userID, sessionID string) error {
	if err := t.repo.DeactivateUserSession(ctx, userID, sessionID); err != nil {
		return fmt.Errorf("deactivate user session: %w", err)
	}
	return nil
}

// GetFilesNeedingSync returns the subset of the given files that need a
// push: files with no sync record, a failed previous push, or an edit
// newer than the last successful push. Each result carries the file's
// own modification timestamp.
func (t *Tracker) GetFilesNeedingSync(ctx context.Context, userID, sessionID string, fileIDs []string) ([]domain.PendingFile, error) {
	if len(fileIDs) == 0 {
		return nil, nil
	}

	files, err := t.repo.GetFilesByIDs(ctx, fileIDs)
	if err != nil {
		return nil, fmt.Errorf("fetch file rows: %w", err)
	}

	records, err := t.repo.GetSyncRecords(ctx, userID, sessionID, fileIDs)
	if err != nil {
		return nil, fmt.Errorf("fetch sync records: %w", err)
	}

	byFile := make(map[string]*domain.SyncRecord, len(records))
	for _, record := range records {
		byFile[record.FileID] = record
	}

	var pending []domain.PendingFile
	for _, file := range files {
		record := byFile[file.ID]
		if record.NeedsSync(file.UpdatedAt) {
			pending = append(pending, domain.PendingFile{
				File:       file,
				ModifiedAt: file.UpdatedAt,
			})
		}
	}
	return pending, nil
}

// UpdateSyncStatus records the outcome of a push attempt for one
// (file, user, session) key. The lookup-then-branch upsert guarantees at
// most one row per key no matter how often it is called.
func (t *Tracker) UpdateSyncStatus(ctx context.Context, userID, sessionID, fileID string, success bool) error {
	existing, err := t.repo.GetSyncRecord(ctx, fileID, userID, sessionID)
	if err != nil {
		return fmt.Errorf("lookup sync record: %w", err)
	}

	now := time.Now()
	record := &domain.SyncRecord{
		FileID:         fileID,
		UserID:         userID,
		SessionID:      sessionID,
		LastModifiedAt: now,
		IsSynced:       success,
	}
	if success {
		record.LastSyncedAt = &now
	} else if existing != nil {
		// A failed attempt must not erase the last successful sync time.
		record.LastSyncedAt = existing.LastSyncedAt
	}

	if existing != nil {
		if err := t.repo.UpdateSyncRecord(ctx, record); err != nil {
			return fmt.Errorf("update sync record: %w", err)
		}
		return nil
	}
	if err := t.repo.InsertSyncRecord(ctx, record); err != nil {
		return fmt.Errorf("insert sync record: %w", err)
	}
	return nil
}

// PushFunc pushes one file into a session, reporting success. The
// gateway's SaveFile is adapted to this shape by the caller, keeping the
// tracker dependent only on the datastore.
type PushFunc func(ctx context.Context, sessionID, filename, content string) (bool, error)

// PushPending pushes every file needing sync and records per-file
// outcomes. Recording failures never fail the batch; they are logged
// and the push result stands. Returns the number of successful pushes.
func (t *Tracker) PushPending(ctx context.Context, push PushFunc, userID, sessionID string, fileIDs []string) (int, error) {
	pending, err := t.GetFilesNeedingSync(ctx, userID, sessionID, fileIDs)
	if err != nil {
		return 0, err
	}

	pushed := 0
	for _, p := range pending {
		success, pushErr := push(ctx, sessionID, p.File.Name, p.File.Content)
		if pushErr != nil {
			success = false
			t.logger.Warn("file push failed",
				"file", p.File.Name, "session_id", sessionID, "error", pushErr)
		}
		if success {
			pushed++
		}

		if err := t.UpdateSyncStatus(ctx, userID, sessionID, p.File.ID, success); err != nil {
			t.logger.Warn("failed to record sync status",
				"file_id", p.File.ID, "session_id", sessionID, "error", err)
		}
	}
	return pushed, nil
}
