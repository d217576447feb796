package credentials

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"agrichat/internal/app/realtime"
)

const (
	DefaultLifetime = time.Hour
	DefaultMargin   = 5 * time.Minute
	minRefreshDelay = time.Second
)

var (
	ErrMissingSource = errors.New("credentials: token source is not configured")
	ErrMissingAuth   = errors.New("credentials: authenticator is not configured")
	ErrEmptyToken    = errors.New("credentials: backend returned an empty chat token")
	ErrClosed        = errors.New("credentials: manager is closed")
)

// TokenSource mints a chat custom token for the current marketplace session.
type TokenSource interface {
	FetchChatToken(ctx context.Context) (string, error)
}

type Config struct {
	// Lifetime is assumed when a principal carries no expiry.
	Lifetime time.Duration
	// Margin is how long before expiry the refresh fires.
	Margin time.Duration
}

func (c Config) normalized() Config {
	if c.Lifetime <= 0 {
		c.Lifetime = DefaultLifetime
	}
	if c.Margin <= 0 || c.Margin >= c.Lifetime {
		c.Margin = DefaultMargin
		if c.Margin >= c.Lifetime {
			c.Margin = c.Lifetime / 12
		}
	}
	return c
}

// Manager keeps the real-time store signed in: it fetches custom tokens,
// signs in with them and re-signs before the credential lapses. Concurrent
// renewals collapse into one backend call.
type Manager struct {
	Source    TokenSource
	Auth      realtime.Authenticator
	Config    Config
	Logger    *slog.Logger
	Now       func() time.Time
	AfterFunc realtime.AfterFunc

	group singleflight.Group

	mu     sync.Mutex
	timer  realtime.Timer
	closed bool
}

// InitializeAuth signs in unless a session already exists. It reports
// whether the store is usable afterwards and never returns an error.
func (m *Manager) InitializeAuth(ctx context.Context) bool {
	if err := m.ensureDependencies(); err != nil {
		m.logError("chat auth init skipped", err)
		return false
	}
	if m.Authenticated() {
		return true
	}
	return m.renew(ctx, false)
}

// Refresh discards the current session and signs in with a fresh token.
func (m *Manager) Refresh(ctx context.Context) bool {
	if err := m.ensureDependencies(); err != nil {
		m.logError("chat token refresh skipped", err)
		return false
	}
	return m.renew(ctx, true)
}

// SignIn opens a session with a token obtained elsewhere and arms the refresh.
func (m *Manager) SignIn(ctx context.Context, token string) (realtime.Principal, error) {
	if m.Auth == nil {
		return realtime.Principal{}, ErrMissingAuth
	}
	if m.isClosed() {
		return realtime.Principal{}, ErrClosed
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return realtime.Principal{}, ErrEmptyToken
	}
	p, err := m.Auth.SignInWithCustomToken(ctx, token)
	if err != nil {
		return realtime.Principal{}, err
	}
	m.ScheduleRefresh(m.RefreshDelay(p))
	return p, nil
}

// SignOut stops the refresh timer and ends the session.
func (m *Manager) SignOut(ctx context.Context) error {
	m.CancelRefresh()
	if m.Auth == nil {
		return ErrMissingAuth
	}
	return m.Auth.SignOut(ctx)
}

// Close is the logout path: no further refreshes, session ended.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return m.SignOut(ctx)
}

// Authenticated reports whether a session exists and has not expired.
func (m *Manager) Authenticated() bool {
	if m.Auth == nil {
		return false
	}
	p, ok := m.Auth.CurrentPrincipal()
	if !ok {
		return false
	}
	return p.ExpiresAt.IsZero() || m.now().Before(p.ExpiresAt)
}

// ScheduleRefresh replaces any pending refresh with one firing after d.
func (m *Manager) ScheduleRefresh(d time.Duration) {
	if d < minRefreshDelay {
		d = minRefreshDelay
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.closed {
		return
	}
	m.timer = m.afterFunc()(d, m.scheduledRefresh)
	if m.Logger != nil {
		m.Logger.Debug("chat token refresh scheduled", "in", d.String())
	}
}

func (m *Manager) CancelRefresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// RefreshPending reports whether a refresh timer is armed.
func (m *Manager) RefreshPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer != nil
}

// RefreshDelay is the wait before renewing p: expiry minus margin when the
// expiry is known, lifetime minus margin otherwise.
func (m *Manager) RefreshDelay(p realtime.Principal) time.Duration {
	cfg := m.Config.normalized()
	var d time.Duration
	if !p.ExpiresAt.IsZero() {
		d = p.ExpiresAt.Sub(m.now()) - cfg.Margin
	} else {
		d = cfg.Lifetime - cfg.Margin
	}
	if d < minRefreshDelay {
		d = minRefreshDelay
	}
	return d
}

func (m *Manager) scheduledRefresh() {
	if m.isClosed() {
		return
	}
	m.Refresh(context.Background())
}

func (m *Manager) renew(ctx context.Context, discard bool) bool {
	if m.isClosed() {
		return false
	}
	v, _, _ := m.group.Do("renew", func() (any, error) {
		return m.signInFresh(ctx, discard), nil
	})
	ok, _ := v.(bool)
	return ok
}

func (m *Manager) signInFresh(ctx context.Context, discard bool) bool {
	if discard {
		if _, ok := m.Auth.CurrentPrincipal(); ok {
			if err := m.Auth.SignOut(ctx); err != nil {
				m.logError("chat sign-out before refresh failed", err)
			}
		}
	}
	token, err := m.Source.FetchChatToken(ctx)
	if err != nil {
		m.logError("chat token fetch failed", err)
		return false
	}
	if strings.TrimSpace(token) == "" {
		m.logError("chat token fetch failed", ErrEmptyToken)
		return false
	}
	p, err := m.Auth.SignInWithCustomToken(ctx, token)
	if err != nil {
		m.logError("chat sign-in failed", err)
		return false
	}
	m.ScheduleRefresh(m.RefreshDelay(p))
	if m.Logger != nil {
		m.Logger.Info("chat credential renewed", "uid", p.UID, "expires_at", p.ExpiresAt)
	}
	return true
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Manager) afterFunc() realtime.AfterFunc {
	if m.AfterFunc != nil {
		return m.AfterFunc
	}
	return realtime.StdAfterFunc
}

func (m *Manager) logError(msg string, err error) {
	if m.Logger != nil {
		m.Logger.Warn(msg, "error", err)
	}
}

func (m *Manager) ensureDependencies() error {
	switch {
	case m.Source == nil:
		return ErrMissingSource
	case m.Auth == nil:
		return ErrMissingAuth
	}
	return nil
}
