// Package backup implements the durable sync queue: it debounces rapid local
// state changes into single uploads, persists the latest un-uploaded state so
// a crash mid-debounce loses nothing, and manages user-named snapshots
// against the subscription quota.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/formcraft/synckit/internal/utils"
	"github.com/formcraft/synckit/notify"
	"github.com/formcraft/synckit/remote"
	"github.com/formcraft/synckit/schedule"
	"github.com/formcraft/synckit/session"
	"github.com/formcraft/synckit/storage"
)

// DefaultDebounce is how long after the last AutoSave the upload fires.
const DefaultDebounce = 5 * time.Second

// SaveState is the queue's externally visible condition, published on every
// transition so a UI can show a non-fatal status flag.
type SaveState string

const (
	StatePending SaveState = "pending"
	StateSaving  SaveState = "saving"
	StateSaved   SaveState = "saved"
	StateFailed  SaveState = "failed"
)

// SaveStatus is published on the queue's status bus.
type SaveStatus struct {
	State SaveState
	Err   error
	At    time.Time
}

// API is the slice of the remote client the queue needs.
type API interface {
	CreateBackup(ctx context.Context, bearer string, req remote.CreateBackupRequest) (*remote.BackupRecord, error)
	ListBackups(ctx context.Context, bearer string, page, perPage int, kind string) (*remote.BackupPage, error)
	GetBackup(ctx context.Context, bearer, id string) (*remote.BackupRecord, error)
	UpdateBackup(ctx context.Context, bearer, id, name, description string) (*remote.BackupRecord, error)
	DeleteBackup(ctx context.Context, bearer, id string) error
	MarkRestored(ctx context.Context, bearer, id string) error
}

// SessionSource is the read-only view of the session manager the queue uses
// to gate uploads. The queue never mutates the session.
type SessionSource interface {
	IsAuthenticated() bool
	AuthHeader() (string, error)
	Current() *session.Session
}

// Queue is the backup sync queue. At most one upload is ever in flight; a
// debounce that fires during an upload queues behind it.
type Queue struct {
	api      API
	sessions SessionSource
	kv       storage.KV
	timers   schedule.Timers
	device   remote.DeviceInfo
	log      zerolog.Logger
	nowFunc  func() time.Time
	debounce time.Duration
	bus      *notify.Bus[SaveStatus]

	mu             sync.Mutex
	pending        *PendingWrite
	debounceHandle schedule.Handle
	uploading      bool
	flushQueued    bool
	closed         bool
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithDebounce overrides the debounce window.
func WithDebounce(d time.Duration) QueueOption {
	return func(q *Queue) { q.debounce = d }
}

// WithTimers sets the timer source (virtual time in tests).
func WithTimers(t schedule.Timers) QueueOption {
	return func(q *Queue) { q.timers = t }
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) QueueOption {
	return func(q *Queue) { q.log = log }
}

// WithNowFunc sets the clock.
func WithNowFunc(now func() time.Time) QueueOption {
	return func(q *Queue) { q.nowFunc = now }
}

// WithDevice attaches the device descriptor sent with every upload.
func WithDevice(info remote.DeviceInfo) QueueOption {
	return func(q *Queue) { q.device = info }
}

// NewQueue creates a Queue. Any pending write left behind by a previous
// process is loaded immediately; call RecoverPending once a session is
// available to flush it.
func NewQueue(api API, sessions SessionSource, kv storage.KV, options ...QueueOption) (*Queue, error) {
	if api == nil {
		return nil, errors.New("[NewQueue] api is required")
	}
	if sessions == nil {
		return nil, errors.New("[NewQueue] sessions is required")
	}
	if kv == nil {
		return nil, errors.New("[NewQueue] kv is required")
	}

	q := &Queue{
		api:      api,
		sessions: sessions,
		kv:       kv,
		timers:   schedule.Real(),
		log:      zerolog.Nop(),
		nowFunc:  time.Now,
		debounce: DefaultDebounce,
	}
	for _, opt := range options {
		opt(q)
	}
	q.bus = notify.New[SaveStatus](q.log)
	q.pending = loadPending(q.kv, q.log)
	return q, nil
}

// Subscribe registers a listener for save-status transitions.
func (q *Queue) Subscribe(fn func(SaveStatus)) func() {
	return q.bus.Subscribe(fn)
}

// Pending returns the current pending write, or nil.
func (q *Queue) Pending() *PendingWrite {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// LastBackupAt returns when the last confirmed upload happened, if known.
// The CLI compares it against server records to spot changes made elsewhere.
func (q *Queue) LastBackupAt() (time.Time, bool) {
	data, err := q.kv.Get(lastBackupKey)
	if err != nil {
		return time.Time{}, false
	}
	var at time.Time
	if err := json.Unmarshal(data, &at); err != nil {
		return time.Time{}, false
	}
	return at, true
}

// AutoSave accepts a new state snapshot, fire-and-forget. The pending write
// is overwritten in memory and durably before the debounce timer is reset,
// so a crash inside the window leaves the newest state recoverable. Calls
// after Close are dropped.
func (q *Queue) AutoSave(state json.RawMessage) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	pw := &PendingWrite{
		ChangeID: uuid.New().String(),
		State:    state,
		SavedAt:  q.nowFunc(),
	}
	q.pending = pw
	persistPending(q.kv, q.log, pw)
	if q.debounceHandle != nil {
		q.debounceHandle.Cancel()
	}
	q.debounceHandle = q.timers.AfterFunc(q.debounce, q.onDebounce)
	now := q.nowFunc()
	q.mu.Unlock()

	q.bus.Publish(SaveStatus{State: StatePending, At: now})
}

// RecoverPending flushes a pending write left over from a previous process.
// It does nothing when there is nothing pending or no authenticated session;
// the write then simply waits for the next opportunity.
func (q *Queue) RecoverPending(ctx context.Context) error {
	q.mu.Lock()
	pw := q.pending
	if pw == nil || q.uploading || q.closed || !q.sessions.IsAuthenticated() {
		q.mu.Unlock()
		return nil
	}
	q.uploading = true
	q.mu.Unlock()

	q.log.Info().Str("change_id", pw.ChangeID).Msg("recovering pending write")
	return q.upload(ctx, pw)
}

// Close cancels the debounce timer and stops accepting AutoSave calls. Any
// pending write stays durable for the next process.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	if q.debounceHandle != nil {
		q.debounceHandle.Cancel()
		q.debounceHandle = nil
	}
	q.mu.Unlock()
}

func (q *Queue) onDebounce() {
	q.mu.Lock()
	q.debounceHandle = nil
	if q.closed {
		q.mu.Unlock()
		return
	}
	if q.uploading {
		// Queue behind the in-flight upload rather than run concurrently.
		q.flushQueued = true
		q.mu.Unlock()
		return
	}
	pw := q.pending
	if pw == nil {
		q.mu.Unlock()
		return
	}
	q.uploading = true
	q.mu.Unlock()

	if err := q.upload(context.Background(), pw); err != nil {
		q.log.Warn().Err(err).Msg("auto-save upload failed, pending write kept")
	}
}

// upload sends pw and settles the queue state. The pending write is cleared
// only when the record just uploaded is still the current one; a newer
// AutoSave that landed during the flight stays pending and is re-debounced.
func (q *Queue) upload(ctx context.Context, pw *PendingWrite) error {
	q.bus.Publish(SaveStatus{State: StateSaving, At: q.nowFunc()})

	uploadErr := q.doUpload(ctx, pw)

	q.mu.Lock()
	q.uploading = false
	if uploadErr == nil {
		if q.pending != nil && q.pending.ChangeID == pw.ChangeID {
			q.pending = nil
			if err := q.kv.Delete(pendingKey); err != nil {
				q.log.Error().Err(err).Msg("pending write clear failed")
			}
		}
		q.recordLastBackupLocked()
	}
	rearm := !q.closed && q.pending != nil && (q.flushQueued || uploadErr == nil)
	q.flushQueued = false
	if rearm && q.debounceHandle == nil {
		q.debounceHandle = q.timers.AfterFunc(q.debounce, q.onDebounce)
	}
	now := q.nowFunc()
	q.mu.Unlock()

	if uploadErr != nil {
		q.bus.Publish(SaveStatus{State: StateFailed, Err: uploadErr, At: now})
		return uploadErr
	}
	q.bus.Publish(SaveStatus{State: StateSaved, At: now})
	return nil
}

func (q *Queue) doUpload(ctx context.Context, pw *PendingWrite) error {
	bearerHdr, err := q.sessions.AuthHeader()
	if err != nil {
		return err
	}
	if !q.sessions.IsAuthenticated() {
		return session.ErrNotAuthenticated
	}
	req := remote.CreateBackupRequest{
		Kind:        remote.BackupKindAuto,
		Config:      pw.State,
		ContentHash: contentHash(pw.State),
		Stats:       payloadStats(pw.State),
		Device:      q.device,
	}
	if _, err := q.api.CreateBackup(ctx, bearerHdr, req); err != nil {
		return errors.Wrap(err, "[Queue.upload] create backup")
	}
	return nil
}

func (q *Queue) recordLastBackupLocked() {
	data, err := json.Marshal(q.nowFunc())
	if err != nil {
		return
	}
	if err := q.kv.Put(lastBackupKey, data); err != nil {
		q.log.Warn().Err(err).Msg("last backup timestamp write failed")
	}
}

// CreateSnapshot uploads a user-named snapshot. The subscription quota is
// checked client-side first so a predictable rejection never round-trips.
func (q *Queue) CreateSnapshot(ctx context.Context, state json.RawMessage, name, description string) (*remote.BackupRecord, error) {
	sess := q.sessions.Current()
	if sess == nil {
		return nil, session.ErrNotAuthenticated
	}
	if sub := sess.Subscription; sub != nil && sub.SnapshotCount >= sub.SnapshotLimit {
		return nil, &QuotaExceededError{Count: sub.SnapshotCount, Limit: sub.SnapshotLimit}
	}
	bearerHdr, err := q.sessions.AuthHeader()
	if err != nil {
		return nil, err
	}
	req := remote.CreateBackupRequest{
		Kind:        remote.BackupKindSnapshot,
		Config:      state,
		Name:        name,
		Description: description,
		ContentHash: contentHash(state),
		Stats:       payloadStats(state),
		Device:      q.device,
	}
	rec, err := q.api.CreateBackup(ctx, bearerHdr, req)
	if err != nil {
		return nil, errors.Wrap(err, "[Queue.CreateSnapshot] create backup")
	}
	return rec, nil
}

// ListBackups fetches one page of backup records.
func (q *Queue) ListBackups(ctx context.Context, page, perPage int, kind string) (*remote.BackupPage, error) {
	bearerHdr, err := q.sessions.AuthHeader()
	if err != nil {
		return nil, err
	}
	return q.api.ListBackups(ctx, bearerHdr, page, perPage, kind)
}

// GetBackup fetches a full backup record including its payload.
func (q *Queue) GetBackup(ctx context.Context, id string) (*remote.BackupRecord, error) {
	bearerHdr, err := q.sessions.AuthHeader()
	if err != nil {
		return nil, err
	}
	return q.api.GetBackup(ctx, bearerHdr, id)
}

// RestoreBackup fetches a backup's payload for the caller to apply. The
// restore-counter bump on the service is best-effort: the payload is already
// local, so a tracking failure must not fail the restore.
func (q *Queue) RestoreBackup(ctx context.Context, id string) (json.RawMessage, error) {
	bearerHdr, err := q.sessions.AuthHeader()
	if err != nil {
		return nil, err
	}
	rec, err := q.api.GetBackup(ctx, bearerHdr, id)
	if err != nil {
		return nil, errors.Wrap(err, "[Queue.RestoreBackup] get backup")
	}
	utils.BestEffort(q.log, "restore counter", func() error {
		return q.api.MarkRestored(ctx, bearerHdr, id)
	})
	return rec.Config, nil
}

// UpdateSnapshot renames a snapshot and/or changes its description.
func (q *Queue) UpdateSnapshot(ctx context.Context, id, name, description string) (*remote.BackupRecord, error) {
	bearerHdr, err := q.sessions.AuthHeader()
	if err != nil {
		return nil, err
	}
	return q.api.UpdateBackup(ctx, bearerHdr, id, name, description)
}

// DeleteSnapshot removes a snapshot.
func (q *Queue) DeleteSnapshot(ctx context.Context, id string) error {
	bearerHdr, err := q.sessions.AuthHeader()
	if err != nil {
		return err
	}
	return q.api.DeleteBackup(ctx, bearerHdr, id)
}

func contentHash(state json.RawMessage) string {
	sum := sha256.Sum256(state)
	return hex.EncodeToString(sum[:])
}

func payloadStats(state json.RawMessage) remote.BackupStats {
	stats := remote.BackupStats{SizeBytes: int64(len(state))}
	var modules struct {
		Modules []json.RawMessage `json:"modules"`
	}
	if err := json.Unmarshal(state, &modules); err == nil {
		stats.Modules = len(modules.Modules)
	}
	return stats
}
