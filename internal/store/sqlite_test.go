package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podlabs/podctl/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "podctl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestGetActiveUserSessionNoRows(t *testing.T) {
	repo := newTestStore(t)

	session, err := repo.GetActiveUserSession(context.Background(), "alice")
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestGetActiveUserSessionPrefersNewest(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Second)

	require.NoError(t, repo.UpsertUserSession(ctx, &domain.UserSession{
		UserID: "alice", SessionID: "old", PodName: "pod-old",
		Status: "ready", IsActive: true, LastActivity: base.Add(-time.Hour),
	}))
	require.NoError(t, repo.UpsertUserSession(ctx, &domain.UserSession{
		UserID: "alice", SessionID: "new", PodName: "pod-new",
		Status: "ready", IsActive: true, LastActivity: base,
	}))

	session, err := repo.GetActiveUserSession(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "new", session.SessionID)
	assert.Equal(t, "pod-new", session.PodName)
	assert.True(t, session.IsActive)
}

func TestDeactivateUserSessionKeepsRow(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, repo.UpsertUserSession(ctx, &domain.UserSession{
		UserID: "alice", SessionID: "sess-1", PodName: "pod-1",
		Status: "ready", IsActive: true, LastActivity: time.Now(),
	}))
	require.NoError(t, repo.DeactivateUserSession(ctx, "alice", "sess-1"))

	// The active lookup no longer sees it.
	session, err := repo.GetActiveUserSession(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, session)

	// The row itself survives and can be reactivated.
	require.NoError(t, repo.UpsertUserSession(ctx, &domain.UserSession{
		UserID: "alice", SessionID: "sess-1", PodName: "pod-1",
		Status: "ready", IsActive: true, LastActivity: time.Now(),
	}))
	session, err = repo.GetActiveUserSession(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "sess-1", session.SessionID)
}

func TestUpsertUserSessionIdempotent(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.UpsertUserSession(ctx, &domain.UserSession{
			UserID: "alice", SessionID: "sess-1", PodName: "pod-1",
			Status: "ready", IsActive: true, LastActivity: time.Now(),
		}))
	}

	session, err := repo.GetActiveUserSession(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, session)
}

func TestTouchUserSession(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Second)

	require.NoError(t, repo.UpsertUserSession(ctx, &domain.UserSession{
		UserID: "alice", SessionID: "sess-1", PodName: "pod-1",
		Status: "ready", IsActive: true, LastActivity: base.Add(-time.Hour),
	}))
	require.NoError(t, repo.TouchUserSession(ctx, "alice", "sess-1", base))

	session, err := repo.GetActiveUserSession(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, base.Unix(), session.LastActivity.Unix())
}

func TestSyncRecordRoundTrip(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	modified := time.Now().Truncate(time.Second)

	// Unsynced record carries a NULL last_synced_at.
	require.NoError(t, repo.InsertSyncRecord(ctx, &domain.SyncRecord{
		FileID: "main.py", UserID: "alice", SessionID: "sess-1",
		LastModifiedAt: modified, IsSynced: false,
	}))

	record, err := repo.GetSyncRecord(ctx, "main.py", "alice", "sess-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Nil(t, record.LastSyncedAt)
	assert.False(t, record.IsSynced)
	assert.Equal(t, modified.Unix(), record.LastModifiedAt.Unix())

	// Marking it synced round-trips the timestamp.
	synced := modified.Add(time.Minute)
	record.IsSynced = true
	record.LastSyncedAt = &synced
	require.NoError(t, repo.UpdateSyncRecord(ctx, record))

	record, err = repo.GetSyncRecord(ctx, "main.py", "alice", "sess-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.True(t, record.IsSynced)
	require.NotNil(t, record.LastSyncedAt)
	assert.Equal(t, synced.Unix(), record.LastSyncedAt.Unix())
}

func TestGetSyncRecordNoMatch(t *testing.T) {
	repo := newTestStore(t)

	record, err := repo.GetSyncRecord(context.Background(), "ghost.py", "alice", "sess-1")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestGetSyncRecordsScoped(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, key := range []struct{ file, user, session string }{
		{"a.py", "alice", "sess-1"},
		{"b.py", "alice", "sess-1"},
		{"a.py", "alice", "sess-2"},
		{"a.py", "bob", "sess-1"},
	} {
		require.NoError(t, repo.InsertSyncRecord(ctx, &domain.SyncRecord{
			FileID: key.file, UserID: key.user, SessionID: key.session,
			LastModifiedAt: now,
		}))
	}

	records, err := repo.GetSyncRecords(ctx, "alice", "sess-1", []string{"a.py", "b.py", "c.py"})
	require.NoError(t, err)
	require.Len(t, records, 2)

	records, err = repo.GetSyncRecords(ctx, "alice", "sess-1", nil)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestFileCRUD(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	require.NoError(t, repo.UpsertFile(ctx, &domain.FileInfo{
		ID: "main.py", Name: "main.py", Content: "print(1)", UpdatedAt: now,
	}))
	require.NoError(t, repo.UpsertFile(ctx, &domain.FileInfo{
		ID: "util.py", Name: "util.py", Content: "", UpdatedAt: now,
	}))

	files, err := repo.ListFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "main.py", files[0].Name)

	// Upsert replaces content without duplicating the row.
	require.NoError(t, repo.UpsertFile(ctx, &domain.FileInfo{
		ID: "main.py", Name: "main.py", Content: "print(2)", UpdatedAt: now.Add(time.Second),
	}))
	files, err = repo.GetFilesByIDs(ctx, []string{"main.py"})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "print(2)", files[0].Content)

	require.NoError(t, repo.DeleteFile(ctx, "main.py"))
	files, err = repo.ListFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "util.py", files[0].ID)
}

func TestPing(t *testing.T) {
	repo := newTestStore(t)
	require.NoError(t, repo.Ping(context.Background()))
}
