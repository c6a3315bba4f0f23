package domain

import (
	"time"
)

// FileInfo is the authoritative file row from the file-storage table.
// UpdatedAt is the file's own modification time, not a sync time.
type FileInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
	CreatedAt time.Time `json:"created_at"`
}

// SyncRecord is the durable fact "as of time T, file F for user U in
// session S was/was-not successfully pushed". At most one row exists per
// (file, user, session) key.
type SyncRecord struct {
	FileID    string `json:"file_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	// LastSyncedAt is nil until the first successful push.
	LastSyncedAt *time.Time `json:"last_synced_at"`
	// LastModifiedAt records when the sync attempt happened, not when the
	// file itself was edited.
	LastModifiedAt time.Time `json:"last_modified_at"`
	IsSynced       bool      `json:"is_synced"`
}

// NeedsSync reports whether the file has drifted from what was last
// pushed. A missing record, a failed previous push, or a file edit newer
// than the last successful push all require a new push.
func (r *SyncRecord) NeedsSync(modifiedAt time.Time) bool {
	if r == nil {
		return true
	}
	if !r.IsSynced {
		return true
	}
	if r.LastSyncedAt == nil {
		return true
	}
	return modifiedAt.After(*r.LastSyncedAt)
}

// PendingFile is a file that needs a push, annotated with its own
// modification timestamp.
type PendingFile struct {
	File       FileInfo
	ModifiedAt time.Time
}
