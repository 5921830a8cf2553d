// Package session owns the bearer-token pair used against the backend and
// the refresh logic around it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"findash/internal/log"
)

// Persisted state keys.
const (
	KeyAccessToken  = "token"
	KeyRefreshToken = "refreshToken"
)

var (
	// ErrNoSession is returned when no tokens are stored.
	ErrNoSession = errors.New("no session")
	// ErrSessionExpired is returned when the access token could not be
	// refreshed; the stored session has been cleared.
	ErrSessionExpired = errors.New("session expired")
	// ErrTokenRejected marks a refresher error meaning the refresh token
	// itself was refused. Only such errors end the session.
	ErrTokenRejected = errors.New("refresh token rejected")
)

// refreshTimeout bounds a refresh flight, which is detached from the
// cancellation of the caller that started it.
const refreshTimeout = 30 * time.Second

// Session is the access/refresh token pair.
type Session struct {
	AccessToken  string
	RefreshToken string
}

// IsZero reports whether the session holds no tokens.
func (s Session) IsZero() bool {
	return s.AccessToken == "" && s.RefreshToken == ""
}

// Store persists a session.
type Store interface {
	Load(ctx context.Context) (Session, error)
	Save(ctx context.Context, s Session) error
	Clear(ctx context.Context) error
}

// Refresher exchanges a refresh token for new tokens. An empty RefreshToken
// in the result keeps the current one. Errors wrapping ErrTokenRejected clear
// the session; any other error leaves it in place.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (Session, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, refreshToken string) (Session, error)

func (f RefresherFunc) RefreshToken(ctx context.Context, refreshToken string) (Session, error) {
	return f(ctx, refreshToken)
}

// Manager holds the current session, persists changes through a Store and
// collapses concurrent refreshes into one backend call.
type Manager struct {
	store     Store
	refresher Refresher
	logger    *log.Logger
	leeway    time.Duration
	now       func() time.Time

	mu      sync.RWMutex
	current Session
	loaded  bool

	group singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithLeeway treats tokens expiring within d as already expired.
func WithLeeway(d time.Duration) Option {
	return func(m *Manager) { m.leeway = d }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the manager's logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.logger = l.WithComponent(log.ComponentSession) }
}

// NewManager creates a Manager. The refresher may be set later with
// SetRefresher when it depends on a client built around the Manager.
func NewManager(store Store, refresher Refresher, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		refresher: refresher,
		logger:    log.Discard(),
		leeway:    30 * time.Second,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetRefresher sets the refresher used by Refresh.
func (m *Manager) SetRefresher(r Refresher) {
	m.mu.Lock()
	m.refresher = r
	m.mu.Unlock()
}

// Current returns the session, loading it from the store on first use.
func (m *Manager) Current(ctx context.Context) (Session, error) {
	m.mu.RLock()
	if m.loaded {
		s := m.current
		m.mu.RUnlock()
		return s, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		return m.current, nil
	}
	s, err := m.store.Load(ctx)
	if err != nil && !errors.Is(err, ErrNoSession) {
		return Session{}, err
	}
	m.current = s
	m.loaded = true
	return s, nil
}

// Set replaces and persists the session.
func (m *Manager) Set(ctx context.Context, s Session) error {
	if err := m.store.Save(ctx, s); err != nil {
		return err
	}
	m.mu.Lock()
	m.current = s
	m.loaded = true
	m.mu.Unlock()
	return nil
}

// Clear drops the session from memory and from the store.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.current = Session{}
	m.loaded = true
	m.mu.Unlock()
	return m.store.Clear(ctx)
}

// AccessToken returns a usable access token. A token whose exp claim has
// passed is refreshed before it is returned. ErrNoSession is returned when
// nothing is stored.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	s, err := m.Current(ctx)
	if err != nil {
		return "", err
	}
	if s.AccessToken == "" {
		if s.RefreshToken == "" {
			return "", ErrNoSession
		}
		return m.Refresh(ctx, "")
	}
	if Expired(s.AccessToken, m.now(), m.leeway) {
		m.logger.DebugContext(ctx, "Access token expired, refreshing proactively")
		return m.Refresh(ctx, s.AccessToken)
	}
	return s.AccessToken, nil
}

// Refresh obtains a new access token. stale is the token the caller saw
// rejected; if another caller already replaced it the current token is
// returned without a second backend call. When the backend rejects the
// refresh token the session is cleared and ErrSessionExpired is returned.
// Context and transport failures are returned as they are and keep the
// stored tokens.
//
// Concurrent callers share one refresh call, which runs detached from any
// single caller's cancellation; a caller whose ctx ends stops waiting
// without affecting the others.
func (m *Manager) Refresh(ctx context.Context, stale string) (string, error) {
	s, err := m.Current(ctx)
	if err != nil {
		return "", err
	}
	if s.AccessToken != "" && s.AccessToken != stale {
		return s.AccessToken, nil
	}

	ch := m.group.DoChan("refresh", func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return m.refresh(flightCtx, stale)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (m *Manager) refresh(ctx context.Context, stale string) (string, error) {
	m.mu.RLock()
	s := m.current
	refresher := m.refresher
	m.mu.RUnlock()

	// A flight that finished between the caller's check and this one
	// already replaced the token.
	if s.AccessToken != "" && s.AccessToken != stale {
		return s.AccessToken, nil
	}

	if s.RefreshToken == "" || refresher == nil {
		m.expire(ctx, errors.New("no refresh token"))
		return "", ErrSessionExpired
	}

	next, err := refresher.RefreshToken(ctx, s.RefreshToken)
	switch {
	case errors.Is(err, ErrTokenRejected):
		m.expire(ctx, err)
		return "", errors.Join(ErrSessionExpired, err)
	case err != nil:
		m.logger.WarnContext(ctx, "Session refresh failed, keeping session", log.FieldError, err)
		return "", fmt.Errorf("refresh session: %w", err)
	case next.AccessToken == "":
		err = errors.New("empty access token")
		m.expire(ctx, err)
		return "", errors.Join(ErrSessionExpired, err)
	}
	if next.RefreshToken == "" {
		next.RefreshToken = s.RefreshToken
	}
	if err := m.Set(ctx, next); err != nil {
		return "", err
	}
	m.logger.InfoContext(ctx, "Access token refreshed")
	return next.AccessToken, nil
}

func (m *Manager) expire(ctx context.Context, cause error) {
	m.logger.WarnContext(ctx, "Session refresh rejected, clearing session", log.FieldError, cause)
	if err := m.Clear(ctx); err != nil {
		m.logger.ErrorContext(ctx, "Failed to clear session", log.FieldError, err)
	}
}

// Expired reports whether token is a JWT whose exp claim is before
// now+leeway. Tokens that are not JWTs, or carry no exp, are never
// considered expired; the backend remains the authority through 401s.
func Expired(token string, now time.Time, leeway time.Duration) bool {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !now.Add(leeway).Before(claims.ExpiresAt.Time)
}
