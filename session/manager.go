package session

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/formcraft/synckit/internal/retry"
	"github.com/formcraft/synckit/internal/utils"
	"github.com/formcraft/synckit/notify"
	"github.com/formcraft/synckit/remote"
	"github.com/formcraft/synckit/schedule"
)

// Defaults for the refresh machinery. MaxAttempts counts the first call, so
// 4 means one attempt plus three retries.
const (
	DefaultRefreshThreshold = 5 * time.Minute
	DefaultMaxAttempts      = 4
	DefaultBaseDelay        = time.Second
)

// API is the slice of the remote client the manager needs.
type API interface {
	Login(ctx context.Context, username, password string) (*remote.TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*remote.TokenResponse, error)
	Invalidate(ctx context.Context, bearer string) error
	Subscription(ctx context.Context, bearer string) (*remote.Subscription, error)
}

// Store persists the session record. Load returns nil for absent or invalid
// records; Save and Clear never surface storage failures (the in-memory
// session stays authoritative).
type Store interface {
	Load() *Session
	Save(*Session)
	Clear()
}

// Manager owns the single in-memory Session and orchestrates login, logout
// and token refresh. All other components read the session only through its
// accessors.
type Manager struct {
	api        API
	store      Store
	timers     schedule.Timers
	httpClient *http.Client
	log        zerolog.Logger
	nowFunc    func() time.Time
	threshold  time.Duration
	policy     retry.Policy
	bus        *notify.Bus[*Session]

	mu            sync.Mutex
	current       *Session
	refreshHandle schedule.Handle
	inflight      *refreshFlight
}

// refreshFlight is a refresh call in progress; concurrent callers join it
// instead of issuing a second request.
type refreshFlight struct {
	done  chan struct{}
	token string
	err   error
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithNowFunc sets the clock (primarily for testing).
func WithNowFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.nowFunc = now }
}

// WithTimers sets the timer source used for proactive refresh and backoff.
func WithTimers(t schedule.Timers) ManagerOption {
	return func(m *Manager) { m.timers = t }
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// WithHTTPClient sets the client used by AuthenticatedDo.
func WithHTTPClient(hc *http.Client) ManagerOption {
	return func(m *Manager) { m.httpClient = hc }
}

// WithRefreshThreshold overrides how long before expiry a refresh is due.
func WithRefreshThreshold(d time.Duration) ManagerOption {
	return func(m *Manager) { m.threshold = d }
}

// WithRetryPolicy overrides the refresh retry policy. The Retryable
// predicate is always the transient-network classification.
func WithRetryPolicy(maxAttempts int, baseDelay time.Duration) ManagerOption {
	return func(m *Manager) {
		m.policy.MaxAttempts = maxAttempts
		m.policy.BaseDelay = baseDelay
	}
}

// NewManager creates a Manager. It does not touch the network; call Restore
// to adopt a persisted session and Login to start a new one.
func NewManager(api API, store Store, options ...ManagerOption) (*Manager, error) {
	if api == nil {
		return nil, errors.New("[NewManager] api is required")
	}
	if store == nil {
		return nil, errors.New("[NewManager] store is required")
	}

	m := &Manager{
		api:        api,
		store:      store,
		timers:     schedule.Real(),
		httpClient: http.DefaultClient,
		log:        zerolog.Nop(),
		nowFunc:    time.Now,
		threshold:  DefaultRefreshThreshold,
		policy: retry.Policy{
			MaxAttempts: DefaultMaxAttempts,
			BaseDelay:   DefaultBaseDelay,
			Retryable:   remote.IsTransient,
		},
	}
	for _, opt := range options {
		opt(m)
	}
	m.bus = notify.New[*Session](m.log)
	return m, nil
}

// Subscribe registers a listener invoked with the current Session (nil when
// logged out) on every state transition. The returned function removes it.
func (m *Manager) Subscribe(fn func(*Session)) func() {
	return m.bus.Subscribe(fn)
}

// Current returns the in-memory session, or nil when logged out.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// IsAuthenticated reports whether a session exists and its token is still
// inside its lifetime.
func (m *Manager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Valid(m.nowFunc())
}

// ShouldRefresh reports whether the session is inside the refresh window,
// including after hard expiry.
func (m *Manager) ShouldRefresh() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return false
	}
	return !m.nowFunc().Before(m.current.ExpiresAt.Add(-m.threshold))
}

// AuthHeader returns the bearer header value for the current session.
func (m *Manager) AuthHeader() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return "", ErrNotAuthenticated
	}
	return bearer(m.current.Token), nil
}

// Login authenticates with the service and commits the resulting session:
// in-memory state, persistence, listener notification and refresh arming.
// The subscription descriptor is fetched best-effort; on failure the most
// restrictive free tier is assumed rather than failing the login.
func (m *Manager) Login(ctx context.Context, username, password string) (*Session, error) {
	tr, err := m.api.Login(ctx, username, password)
	if err != nil {
		return nil, &AuthenticationError{Cause: err}
	}
	sess, err := NewFromTokenResponse(tr, m.nowFunc())
	if err != nil {
		return nil, &AuthenticationError{Cause: err}
	}

	sub := remote.FreeTier()
	utils.BestEffort(m.log, "subscription fetch", func() error {
		fetched, err := m.api.Subscription(ctx, bearer(sess.Token))
		if err != nil {
			return err
		}
		sub = fetched
		return nil
	})
	sess.Subscription = sub

	m.commit(sess)
	m.log.Info().Str("username", sess.Username).Time("expires_at", sess.ExpiresAt).Msg("logged in")
	return sess, nil
}

// Logout best-effort notifies the service, then unconditionally clears the
// in-memory session, the persisted record and the refresh timer. Logout is
// a local guarantee, not a negotiated one.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()

	if cur != nil {
		utils.BestEffort(m.log, "token invalidate", func() error {
			return m.api.Invalidate(ctx, bearer(cur.Token))
		})
	}
	m.clearSession()
	m.log.Info().Msg("logged out")
}

// Restore adopts a previously persisted session. A record that is both
// hard-expired and refreshless is discarded. Returns the adopted session or
// nil.
func (m *Manager) Restore() *Session {
	sess := m.store.Load()
	if sess == nil {
		return nil
	}
	if !sess.Valid(m.nowFunc()) && sess.RefreshToken == "" {
		m.log.Warn().Msg("persisted session expired with no refresh token, discarding")
		m.store.Clear()
		return nil
	}
	m.mu.Lock()
	m.current = sess
	m.armRefreshLocked(sess)
	m.mu.Unlock()
	m.bus.Publish(sess)
	return sess
}

// Refresh obtains a new access token using the refresh token. Concurrent
// calls are coalesced into one in-flight request. A 4xx from the refresh
// endpoint is terminal: the session is cleared and SessionInvalidError
// returned with no retries. Transient failures are retried with exponential
// backoff; after exhaustion the session is logged out only if it has also
// hard-expired, otherwise the still-valid session is kept and the error
// surfaced.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return "", ErrNotAuthenticated
	}
	if m.current.RefreshToken == "" {
		m.mu.Unlock()
		return "", ErrNoRefreshToken
	}
	if fl := m.inflight; fl != nil {
		m.mu.Unlock()
		select {
		case <-fl.done:
			return fl.token, fl.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	fl := &refreshFlight{done: make(chan struct{})}
	m.inflight = fl
	refreshToken := m.current.RefreshToken
	m.mu.Unlock()

	token, err := m.refreshOnce(ctx, refreshToken)
	fl.token, fl.err = token, err

	m.mu.Lock()
	m.inflight = nil
	m.mu.Unlock()
	close(fl.done)
	return token, err
}

func (m *Manager) refreshOnce(ctx context.Context, refreshToken string) (string, error) {
	var tr *remote.TokenResponse
	err := retry.Do(ctx, m.timers, m.policy, func(ctx context.Context) error {
		resp, err := m.api.Refresh(ctx, refreshToken)
		if err != nil {
			return err
		}
		tr = resp
		return nil
	})
	if err != nil {
		if remote.IsClientError(err) {
			m.log.Warn().Err(err).Msg("refresh token rejected, logging out")
			m.clearSession()
			return "", &SessionInvalidError{Cause: err}
		}
		if !m.IsAuthenticated() {
			m.log.Warn().Err(err).Msg("refresh retries exhausted and token hard-expired, logging out")
			m.clearSession()
			return "", &SessionInvalidError{Cause: err}
		}
		// Still-valid token: a slow network must not force the session out.
		return "", errors.Wrap(err, "[Manager.Refresh] retries exhausted, keeping valid session")
	}

	m.mu.Lock()
	cur := m.current
	if cur == nil {
		// Logged out while the refresh was in flight.
		m.mu.Unlock()
		return "", ErrNotAuthenticated
	}
	next, err := cur.withToken(tr, m.nowFunc())
	if err != nil {
		m.mu.Unlock()
		return "", errors.Wrap(err, "[Manager.Refresh] bad refresh response")
	}
	m.current = next
	m.store.Save(next)
	m.armRefreshLocked(next)
	m.mu.Unlock()
	m.bus.Publish(next)
	m.log.Debug().Time("expires_at", next.ExpiresAt).Msg("token refreshed")
	return next.Token, nil
}

// AuthenticatedDo sends req with the bearer header attached. On a 401 with a
// refresh token available it refreshes once and retries the request, so the
// caller never observes the intermediate 401. If the refresh itself fails
// the result is an AuthenticationError, not the stale 401.
func (m *Manager) AuthenticatedDo(req *http.Request) (*http.Response, error) {
	header, err := m.AuthHeader()
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", header)
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "[Manager.AuthenticatedDo] request")
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	m.mu.Lock()
	hasRefresh := m.current != nil && m.current.RefreshToken != ""
	m.mu.Unlock()
	replayable := req.Body == nil || req.GetBody != nil
	if !hasRefresh || !replayable {
		return resp, nil
	}
	resp.Body.Close()

	token, err := m.Refresh(req.Context())
	if err != nil {
		return nil, &AuthenticationError{Cause: err}
	}

	retryReq := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, errors.Wrap(err, "[Manager.AuthenticatedDo] rewind body")
		}
		retryReq.Body = body
	}
	retryReq.Header.Set("Authorization", bearer(token))
	resp, err = m.httpClient.Do(retryReq)
	if err != nil {
		return nil, errors.Wrap(err, "[Manager.AuthenticatedDo] retry request")
	}
	return resp, nil
}

// commit installs a new session: memory, persistence and refresh timer are
// updated under one lock, then listeners are notified.
func (m *Manager) commit(sess *Session) {
	m.mu.Lock()
	m.current = sess
	m.store.Save(sess)
	m.armRefreshLocked(sess)
	m.mu.Unlock()
	m.bus.Publish(sess)
}

func (m *Manager) clearSession() {
	m.mu.Lock()
	m.current = nil
	m.store.Clear()
	m.disarmRefreshLocked()
	m.mu.Unlock()
	m.bus.Publish(nil)
}

// armRefreshLocked schedules the proactive refresh one threshold before
// expiry. The previous timer is always cancelled first so at most one timer
// is ever outstanding.
func (m *Manager) armRefreshLocked(sess *Session) {
	m.disarmRefreshLocked()
	delay := sess.ExpiresAt.Sub(m.nowFunc()) - m.threshold
	if delay <= 0 {
		return
	}
	m.refreshHandle = m.timers.AfterFunc(delay, func() {
		if _, err := m.Refresh(context.Background()); err != nil {
			m.log.Warn().Err(err).Msg("scheduled token refresh failed")
		}
	})
}

func (m *Manager) disarmRefreshLocked() {
	if m.refreshHandle != nil {
		m.refreshHandle.Cancel()
		m.refreshHandle = nil
	}
}

func bearer(token string) string {
	return "Bearer " + token
}
