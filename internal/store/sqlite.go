package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/podlabs/podctl/internal/domain"
	"github.com/podlabs/podctl/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	syncMu sync.Mutex // serializes sync-record writes to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	// file_sync_status deliberately has no uniqueness constraint on its
	// key: idempotence is enforced by the tracker's lookup-then-branch
	// upsert, matching the backend table it mirrors.
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS user_sessions (
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		pod_name TEXT NOT NULL,
		status TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		last_activity INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, session_id)
	);
	CREATE INDEX IF NOT EXISTS idx_user_sessions_active
		ON user_sessions(user_id, last_activity) WHERE is_active = 1;

	CREATE TABLE IF NOT EXISTS file_sync_status (
		file_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		last_synced_at INTEGER,
		last_modified_at INTEGER NOT NULL,
		is_synced INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_file_sync_key
		ON file_sync_status(user_id, session_id, file_id);

	CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetActiveUserSession returns the newest active session row for a user.
func (s *SQLiteStore) GetActiveUserSession(ctx context.Context, userID string) (*domain.UserSession, error) {
	query := `
		SELECT user_id, session_id, pod_name, status, is_active,
		       last_activity, created_at, updated_at
		FROM user_sessions
		WHERE user_id = ? AND is_active = 1
		ORDER BY last_activity DESC
		LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, userID)
	session, err := scanUserSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user session row: %w", err)
	}
	return session, nil
}

// UpsertUserSession creates or updates a user-session row.
func (s *SQLiteStore) UpsertUserSession(ctx context.Context, session *domain.UserSession) error {
	query := `
	INSERT INTO user_sessions (user_id, session_id, pod_name, status, is_active,
		last_activity, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id, session_id) DO UPDATE SET
		pod_name = excluded.pod_name,
		status = excluded.status,
		is_active = excluded.is_active,
		last_activity = excluded.last_activity,
		updated_at = excluded.updated_at`

	now := time.Now()
	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err := s.db.ExecContext(ctx, query,
		session.UserID, session.SessionID, session.PodName, session.Status,
		boolToInt(session.IsActive), session.LastActivity.Unix(),
		createdAt.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user session: %w", err)
	}
	return nil
}

// TouchUserSession updates last_activity for a (user, session) row.
func (s *SQLiteStore) TouchUserSession(ctx context.Context, userID, sessionID string, at time.Time) error {
	query := `UPDATE user_sessions SET last_activity = ?, updated_at = ?
		WHERE user_id = ? AND session_id = ?`
	result, err := s.db.ExecContext(ctx, query, at.Unix(), time.Now().Unix(), userID, sessionID)
	if err != nil {
		return fmt.Errorf("touch user session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("TouchUserSession affected 0 rows", "user_id", userID, "session_id", sessionID)
	}
	return nil
}

// DeactivateUserSession flips is_active to false for a (user, session) row.
func (s *SQLiteStore) DeactivateUserSession(ctx context.Context, userID, sessionID string) error {
	query := `UPDATE user_sessions SET is_active = 0, updated_at = ?
		WHERE user_id = ? AND session_id = ?`
	if _, err := s.db.ExecContext(ctx, query, time.Now().Unix(), userID, sessionID); err != nil {
		return fmt.Errorf("deactivate user session: %w", err)
	}
	return nil
}

// GetSyncRecord returns the sync row for one (file, user, session) key.
func (s *SQLiteStore) GetSyncRecord(ctx context.Context, fileID, userID, sessionID string) (*domain.SyncRecord, error) {
	query := `
		SELECT file_id, user_id, session_id, last_synced_at, last_modified_at, is_synced
		FROM file_sync_status
		WHERE file_id = ? AND user_id = ? AND session_id = ?
		LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, fileID, userID, sessionID)
	record, err := scanSyncRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan sync record row: %w", err)
	}
	return record, nil
}

// GetSyncRecords returns sync rows for the given files in one scope.
func (s *SQLiteStore) GetSyncRecords(ctx context.Context, userID, sessionID string, fileIDs []string) ([]*domain.SyncRecord, error) {
	if len(fileIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(fileIDs)-1) + "?"
	query := `
		SELECT file_id, user_id, session_id, last_synced_at, last_modified_at, is_synced
		FROM file_sync_status
		WHERE user_id = ? AND session_id = ? AND file_id IN (` + placeholders + `)`

	args := make([]interface{}, 0, len(fileIDs)+2)
	args = append(args, userID, sessionID)
	for _, id := range fileIDs {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sync records: %w", err)
	}
	defer closeRows(rows, "sync records")

	var records []*domain.SyncRecord
	for rows.Next() {
		record, err := scanSyncRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync record row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync records: %w", err)
	}
	return records, nil
}

// InsertSyncRecord adds a new sync row, retrying on SQLite lock
// conflicts.
func (s *SQLiteStore) InsertSyncRecord(ctx context.Context, record *domain.SyncRecord) error {
	return s.execSyncWrite(ctx, `
		INSERT INTO file_sync_status (file_id, user_id, session_id,
			last_synced_at, last_modified_at, is_synced)
		VALUES (?, ?, ?, ?, ?, ?)`,
		record.FileID, record.UserID, record.SessionID,
		nullableUnix(record.LastSyncedAt), record.LastModifiedAt.Unix(),
		boolToInt(record.IsSynced),
	)
}

// UpdateSyncRecord updates the existing row for the record's key.
func (s *SQLiteStore) UpdateSyncRecord(ctx context.Context, record *domain.SyncRecord) error {
	return s.execSyncWrite(ctx, `
		UPDATE file_sync_status
		SET last_synced_at = ?, last_modified_at = ?, is_synced = ?
		WHERE file_id = ? AND user_id = ? AND session_id = ?`,
		nullableUnix(record.LastSyncedAt), record.LastModifiedAt.Unix(),
		boolToInt(record.IsSynced),
		record.FileID, record.UserID, record.SessionID,
	)
}

// execSyncWrite runs a sync-table write under the mutex with backoff on
// lock conflicts. The watcher and the tracker can write concurrently.
func (s *SQLiteStore) execSyncWrite(ctx context.Context, query string, args ...interface{}) error {
	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		s.syncMu.Lock()
		_, err := s.db.ExecContext(ctx, query, args...)
		s.syncMu.Unlock()
		if err == nil {
			return nil
		}

		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("sync write conflict, retrying", "attempt", i+1, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return fmt.Errorf("sync status write: %w", err)
	}
	return nil
}

// GetFilesByIDs reads authoritative file rows for the given ids.
func (s *SQLiteStore) GetFilesByIDs(ctx context.Context, ids []string) ([]domain.FileInfo, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(ids)-1) + "?"
	query := `SELECT id, name, content, updated_at, created_at
		FROM files WHERE id IN (` + placeholders + `)`

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer closeRows(rows, "files")

	return collectFiles(rows)
}

// ListFiles returns all tracked file rows.
func (s *SQLiteStore) ListFiles(ctx context.Context) ([]domain.FileInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, content, updated_at, created_at FROM files ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer closeRows(rows, "files")

	return collectFiles(rows)
}

// UpsertFile creates or updates a file row.
func (s *SQLiteStore) UpsertFile(ctx context.Context, file *domain.FileInfo) error {
	query := `
	INSERT INTO files (id, name, content, updated_at, created_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		content = excluded.content,
		updated_at = excluded.updated_at`

	createdAt := file.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, query,
		file.ID, file.Name, file.Content, file.UpdatedAt.Unix(), createdAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert file: %w", err)
	}
	return nil
}

// DeleteFile removes a file row.
func (s *SQLiteStore) DeleteFile(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUserSession(row rowScanner) (*domain.UserSession, error) {
	var session domain.UserSession
	var isActive int
	var lastActivity, createdAt, updatedAt int64

	err := row.Scan(
		&session.UserID, &session.SessionID, &session.PodName, &session.Status,
		&isActive, &lastActivity, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	session.IsActive = isActive != 0
	session.LastActivity = time.Unix(lastActivity, 0)
	session.CreatedAt = time.Unix(createdAt, 0)
	session.UpdatedAt = time.Unix(updatedAt, 0)
	return &session, nil
}

func scanSyncRecord(row rowScanner) (*domain.SyncRecord, error) {
	var record domain.SyncRecord
	var lastSynced sql.NullInt64
	var lastModified int64
	var isSynced int

	err := row.Scan(
		&record.FileID, &record.UserID, &record.SessionID,
		&lastSynced, &lastModified, &isSynced,
	)
	if err != nil {
		return nil, err
	}

	if lastSynced.Valid {
		ts := time.Unix(lastSynced.Int64, 0)
		record.LastSyncedAt = &ts
	}
	record.LastModifiedAt = time.Unix(lastModified, 0)
	record.IsSynced = isSynced != 0
	return &record, nil
}

func collectFiles(rows *sql.Rows) ([]domain.FileInfo, error) {
	var files []domain.FileInfo
	for rows.Next() {
		var file domain.FileInfo
		var updatedAt, createdAt int64
		if err := rows.Scan(&file.ID, &file.Name, &file.Content, &updatedAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan file row: %w", err)
		}
		file.UpdatedAt = time.Unix(updatedAt, 0)
		file.CreatedAt = time.Unix(createdAt, 0)
		files = append(files, file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate files: %w", err)
	}
	return files, nil
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "what", what, "error", err)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableUnix(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}
