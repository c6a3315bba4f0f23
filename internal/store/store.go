// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/podlabs/podctl/internal/domain"
)

// Repository is the backend datastore interface: typed row reads and
// writes against the user_sessions, file_sync_status, and files tables.
// Implementations return (nil, nil) for single-row lookups with no match.
type Repository interface {
	// GetActiveUserSession returns the authoritative active session for a
	// user: the newest is_active row by last_activity.
	GetActiveUserSession(ctx context.Context, userID string) (*domain.UserSession, error)

	// UpsertUserSession creates or updates a user-session row.
	UpsertUserSession(ctx context.Context, session *domain.UserSession) error

	// TouchUserSession updates last_activity for a (user, session) row.
	TouchUserSession(ctx context.Context, userID, sessionID string, at time.Time) error

	// DeactivateUserSession flips is_active to false. Rows are never
	// deleted; history of torn-down sessions is kept.
	DeactivateUserSession(ctx context.Context, userID, sessionID string) error

	// GetSyncRecord returns the sync row for one (file, user, session) key.
	GetSyncRecord(ctx context.Context, fileID, userID, sessionID string) (*domain.SyncRecord, error)

	// GetSyncRecords returns sync rows for the given files within one
	// (user, session) scope.
	GetSyncRecords(ctx context.Context, userID, sessionID string, fileIDs []string) ([]*domain.SyncRecord, error)

	// InsertSyncRecord adds a new sync row.
	InsertSyncRecord(ctx context.Context, record *domain.SyncRecord) error

	// UpdateSyncRecord updates the existing row for the record's key.
	UpdateSyncRecord(ctx context.Context, record *domain.SyncRecord) error

	// GetFilesByIDs reads authoritative file rows for the given ids.
	GetFilesByIDs(ctx context.Context, ids []string) ([]domain.FileInfo, error)

	// ListFiles returns all tracked file rows.
	ListFiles(ctx context.Context) ([]domain.FileInfo, error)

	// UpsertFile creates or updates a file row.
	UpsertFile(ctx context.Context, file *domain.FileInfo) error

	// DeleteFile removes a file row.
	DeleteFile(ctx context.Context, id string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
