package backup_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/formcraft/synckit/backup"
	"github.com/formcraft/synckit/remote"
	"github.com/formcraft/synckit/schedule"
	"github.com/formcraft/synckit/session"
	"github.com/formcraft/synckit/storage"
)

type fakeBackupAPI struct {
	mu            sync.Mutex
	created       []remote.CreateBackupRequest
	createFn      func(req remote.CreateBackupRequest) (*remote.BackupRecord, error)
	restored      []string
	restoredErr   error
	deleted       []string
	records       map[string]*remote.BackupRecord
	listResult    *remote.BackupPage
	updatedNames  map[string]string
}

func newFakeBackupAPI() *fakeBackupAPI {
	return &fakeBackupAPI{
		records:      make(map[string]*remote.BackupRecord),
		updatedNames: make(map[string]string),
	}
}

func (f *fakeBackupAPI) CreateBackup(_ context.Context, _ string, req remote.CreateBackupRequest) (*remote.BackupRecord, error) {
	f.mu.Lock()
	fn := f.createFn
	f.mu.Unlock()
	if fn != nil {
		rec, err := fn(req)
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.created = append(f.created, req)
		f.mu.Unlock()
		return rec, nil
	}
	f.mu.Lock()
	f.created = append(f.created, req)
	n := len(f.created)
	f.mu.Unlock()
	return &remote.BackupRecord{ID: "bk-1", Kind: req.Kind, Sequence: int64(n)}, nil
}

func (f *fakeBackupAPI) ListBackups(_ context.Context, _ string, page, perPage int, _ string) (*remote.BackupPage, error) {
	if f.listResult != nil {
		return f.listResult, nil
	}
	return &remote.BackupPage{Page: page, PerPage: perPage}, nil
}

func (f *fakeBackupAPI) GetBackup(_ context.Context, _ string, id string) (*remote.BackupRecord, error) {
	rec, ok := f.records[id]
	if !ok {
		return nil, &remote.APIError{StatusCode: 404, Code: "not_found"}
	}
	return rec, nil
}

func (f *fakeBackupAPI) UpdateBackup(_ context.Context, _ string, id, name, _ string) (*remote.BackupRecord, error) {
	f.updatedNames[id] = name
	return &remote.BackupRecord{ID: id, Name: name}, nil
}

func (f *fakeBackupAPI) DeleteBackup(_ context.Context, _ string, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeBackupAPI) MarkRestored(_ context.Context, _ string, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restored = append(f.restored, id)
	return f.restoredErr
}

func (f *fakeBackupAPI) createdPayloads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.created))
	for _, req := range f.created {
		out = append(out, string(req.Config))
	}
	return out
}

type fakeSessions struct {
	mu            sync.Mutex
	authenticated bool
	current       *session.Session
}

func (f *fakeSessions) IsAuthenticated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authenticated
}

func (f *fakeSessions) AuthHeader() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return "", session.ErrNotAuthenticated
	}
	return "Bearer " + f.current.Token, nil
}

func (f *fakeSessions) Current() *session.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func authedSessions(sub *remote.Subscription) *fakeSessions {
	return &fakeSessions{
		authenticated: true,
		current: &session.Session{
			UserID: 42, Username: "jane", Email: "jane@example.com",
			DisplayName: "Jane Doe", Token: "access-token-1",
			ExpiresAt:    time.Now().Add(time.Hour),
			Subscription: sub,
		},
	}
}

type queueFixture struct {
	api      *fakeBackupAPI
	sessions *fakeSessions
	kv       *storage.MemStore
	timers   *schedule.Manual
	queue    *backup.Queue
}

func setupQueue(t *testing.T, sessions *fakeSessions) *queueFixture {
	t.Helper()
	f := &queueFixture{
		api:      newFakeBackupAPI(),
		sessions: sessions,
		kv:       storage.NewMemStore(),
		timers:   schedule.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
	}
	f.newQueue(t)
	return f
}

func (f *queueFixture) newQueue(t *testing.T) {
	t.Helper()
	q, err := backup.NewQueue(f.api, f.sessions, f.kv,
		backup.WithTimers(f.timers),
		backup.WithNowFunc(f.timers.Now),
		backup.WithDevice(remote.DeviceInfo{ID: "device-1"}),
	)
	require.NoError(t, err)
	f.queue = q
}

func TestQueue_AutoSave(t *testing.T) {
	t.Run("debounce collapses rapid saves into one upload of the newest state", func(t *testing.T) {
		f := setupQueue(t, authedSessions(nil))

		f.queue.AutoSave(json.RawMessage(`{"rev":"A"}`))
		f.timers.Advance(2 * time.Second)
		f.queue.AutoSave(json.RawMessage(`{"rev":"B"}`))
		f.timers.Advance(backup.DefaultDebounce)

		require.Equal(t, []string{`{"rev":"B"}`}, f.api.createdPayloads())
		require.Nil(t, f.queue.Pending(), "confirmed upload must clear the pending write")

		_, ok := f.queue.LastBackupAt()
		require.True(t, ok)
	})

	t.Run("pending write is durable before the debounce fires", func(t *testing.T) {
		f := setupQueue(t, authedSessions(nil))

		f.queue.AutoSave(json.RawMessage(`{"rev":"A"}`))
		// No Advance: the process "crashes" inside the debounce window.
		require.NotNil(t, f.queue.Pending())
		require.Empty(t, f.api.createdPayloads())

		data, err := f.kv.Get("pending-write")
		require.NoError(t, err)
		require.Contains(t, string(data), `{"rev":"A"}`)
	})

	t.Run("upload failure keeps the pending write and reports a non-fatal status", func(t *testing.T) {
		f := setupQueue(t, authedSessions(nil))
		f.api.createFn = func(remote.CreateBackupRequest) (*remote.BackupRecord, error) {
			return nil, &remote.APIError{StatusCode: 500}
		}

		var states []backup.SaveState
		f.queue.Subscribe(func(st backup.SaveStatus) { states = append(states, st.State) })

		f.queue.AutoSave(json.RawMessage(`{"rev":"A"}`))
		f.timers.Advance(backup.DefaultDebounce)

		require.NotNil(t, f.queue.Pending(), "failed upload must leave the pending write intact")
		require.Equal(t, []backup.SaveState{backup.StatePending, backup.StateSaving, backup.StateFailed}, states)
	})

	t.Run("unauthenticated upload fails fast and keeps the pending write", func(t *testing.T) {
		f := setupQueue(t, &fakeSessions{})

		f.queue.AutoSave(json.RawMessage(`{"rev":"A"}`))
		f.timers.Advance(backup.DefaultDebounce)

		require.Empty(t, f.api.createdPayloads())
		require.NotNil(t, f.queue.Pending())
	})

	t.Run("dropped after Close", func(t *testing.T) {
		f := setupQueue(t, authedSessions(nil))
		f.queue.Close()
		f.queue.AutoSave(json.RawMessage(`{"rev":"A"}`))
		require.Nil(t, f.queue.Pending())
	})
}

func TestQueue_InFlightOverwrite(t *testing.T) {
	// An AutoSave landing while an upload is outstanding must not be erased
	// by that upload's completion, and must itself get uploaded.
	f := setupQueue(t, authedSessions(nil))

	entered := make(chan struct{})
	release := make(chan struct{})
	first := true
	f.api.createFn = func(req remote.CreateBackupRequest) (*remote.BackupRecord, error) {
		if first {
			first = false
			close(entered)
			<-release
		}
		return &remote.BackupRecord{ID: "bk", Kind: req.Kind}, nil
	}

	f.queue.AutoSave(json.RawMessage(`{"rev":"A"}`))
	advanced := make(chan struct{})
	go func() {
		f.timers.Advance(backup.DefaultDebounce)
		close(advanced)
	}()
	<-entered

	// Upload of A is in flight; a newer change arrives.
	f.queue.AutoSave(json.RawMessage(`{"rev":"B"}`))
	close(release)
	<-advanced

	require.Equal(t, []string{`{"rev":"A"}`}, f.api.createdPayloads())
	require.NotNil(t, f.queue.Pending(), "newer pending write must survive the older upload's completion")

	f.timers.Advance(backup.DefaultDebounce)
	require.Equal(t, []string{`{"rev":"A"}`, `{"rev":"B"}`}, f.api.createdPayloads())
	require.Nil(t, f.queue.Pending())
}

func TestQueue_RecoverPending(t *testing.T) {
	t.Run("flushes a pending write from a previous process", func(t *testing.T) {
		f := setupQueue(t, authedSessions(nil))
		f.queue.AutoSave(json.RawMessage(`{"rev":"A"}`))
		// Teardown before the debounce fires; rebuild over the same storage.
		f.queue.Close()
		f.newQueue(t)

		require.NotNil(t, f.queue.Pending(), "pending write must survive a restart")
		require.NoError(t, f.queue.RecoverPending(context.Background()))
		require.Equal(t, []string{`{"rev":"A"}`}, f.api.createdPayloads())
		require.Nil(t, f.queue.Pending())
	})

	t.Run("no-op without a session", func(t *testing.T) {
		f := setupQueue(t, authedSessions(nil))
		f.queue.AutoSave(json.RawMessage(`{"rev":"A"}`))
		f.queue.Close()
		f.sessions.mu.Lock()
		f.sessions.authenticated = false
		f.sessions.mu.Unlock()
		f.newQueue(t)

		require.NoError(t, f.queue.RecoverPending(context.Background()))
		require.Empty(t, f.api.createdPayloads())
		require.NotNil(t, f.queue.Pending())
	})

	t.Run("no-op without a pending write", func(t *testing.T) {
		f := setupQueue(t, authedSessions(nil))
		require.NoError(t, f.queue.RecoverPending(context.Background()))
		require.Empty(t, f.api.createdPayloads())
	})
}

func TestQueue_CreateSnapshot(t *testing.T) {
	t.Run("uploads with name and hash", func(t *testing.T) {
		f := setupQueue(t, authedSessions(&remote.Subscription{SnapshotCount: 1, SnapshotLimit: 5}))

		rec, err := f.queue.CreateSnapshot(context.Background(), json.RawMessage(`{"modules":[{},{}]}`), "before-redesign", "pre v2")
		require.NoError(t, err)
		require.Equal(t, remote.BackupKindSnapshot, rec.Kind)

		require.Len(t, f.api.created, 1)
		req := f.api.created[0]
		require.Equal(t, "before-redesign", req.Name)
		require.NotEmpty(t, req.ContentHash)
		require.Equal(t, 2, req.Stats.Modules)
		require.Equal(t, "device-1", req.Device.ID)
	})

	t.Run("quota exhausted fails fast without a network call", func(t *testing.T) {
		f := setupQueue(t, authedSessions(&remote.Subscription{SnapshotCount: 5, SnapshotLimit: 5}))

		_, err := f.queue.CreateSnapshot(context.Background(), json.RawMessage(`{}`), "too-many", "")
		var quotaErr *backup.QuotaExceededError
		require.ErrorAs(t, err, &quotaErr)
		require.Equal(t, 5, quotaErr.Limit)
		require.Empty(t, f.api.created, "quota rejection must not issue a request")
	})

	t.Run("not authenticated", func(t *testing.T) {
		f := setupQueue(t, &fakeSessions{})
		_, err := f.queue.CreateSnapshot(context.Background(), json.RawMessage(`{}`), "x", "")
		require.ErrorIs(t, err, session.ErrNotAuthenticated)
	})
}

func TestQueue_RestoreBackup(t *testing.T) {
	t.Run("returns the payload and bumps the counter best-effort", func(t *testing.T) {
		f := setupQueue(t, authedSessions(nil))
		f.api.records["bk-7"] = &remote.BackupRecord{ID: "bk-7", Config: json.RawMessage(`{"rev":"C"}`)}

		state, err := f.queue.RestoreBackup(context.Background(), "bk-7")
		require.NoError(t, err)
		require.JSONEq(t, `{"rev":"C"}`, string(state))
		require.Equal(t, []string{"bk-7"}, f.api.restored)
	})

	t.Run("counter failure does not fail the restore", func(t *testing.T) {
		f := setupQueue(t, authedSessions(nil))
		f.api.records["bk-7"] = &remote.BackupRecord{ID: "bk-7", Config: json.RawMessage(`{"rev":"C"}`)}
		f.api.restoredErr = &remote.APIError{StatusCode: 500}

		state, err := f.queue.RestoreBackup(context.Background(), "bk-7")
		require.NoError(t, err)
		require.JSONEq(t, `{"rev":"C"}`, string(state))
	})

	t.Run("missing record propagates", func(t *testing.T) {
		f := setupQueue(t, authedSessions(nil))
		_, err := f.queue.RestoreBackup(context.Background(), "nope")
		require.Error(t, err)
	})
}

func TestQueue_SnapshotManagement(t *testing.T) {
	f := setupQueue(t, authedSessions(nil))

	rec, err := f.queue.UpdateSnapshot(context.Background(), "bk-3", "renamed", "")
	require.NoError(t, err)
	require.Equal(t, "renamed", rec.Name)

	require.NoError(t, f.queue.DeleteSnapshot(context.Background(), "bk-3"))
	require.Equal(t, []string{"bk-3"}, f.api.deleted)
}
