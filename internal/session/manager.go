// Package session owns the authenticated session: the credential record,
// the proactive refresh schedule, and idle handling. The manager is the
// only writer of credentials; everything else reads them through the store.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/ehr/portal-client/internal/platform/apiclient"
	"github.com/ehr/portal-client/internal/platform/credstore"
)

const (
	DefaultAccessTTL  = 900 * time.Second
	DefaultRefreshTTL = 604800 * time.Second
	DefaultMargin     = 60 * time.Second
)

// Manager drives the token lifecycle: login, scheduled refresh, logout.
// It owns at most one pending refresh timer; arming always cancels the
// previous timer first. A failed refresh ends the session rather than
// retrying: stale credentials are never treated as valid past one failed
// renewal.
type Manager struct {
	api    *apiclient.Client
	store  credstore.Store
	clk    clock.Clock
	logger zerolog.Logger

	accessTTL  time.Duration
	refreshTTL time.Duration
	margin     time.Duration

	mu           sync.Mutex
	timer        *clock.Timer
	gen          uint64 // session generation; bumps on login and logout
	onSessionEnd []func()
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clk = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithAccessTTL(d time.Duration) Option {
	return func(m *Manager) { m.accessTTL = d }
}

func WithRefreshTTL(d time.Duration) Option {
	return func(m *Manager) { m.refreshTTL = d }
}

func WithRefreshMargin(d time.Duration) Option {
	return func(m *Manager) { m.margin = d }
}

// WithSessionEndHook registers a callback fired synchronously whenever a
// session ends, both on explicit logout and on forced logout after a
// failed refresh. Guards and navigation subscribe here.
func WithSessionEndHook(fn func()) Option {
	return func(m *Manager) { m.onSessionEnd = append(m.onSessionEnd, fn) }
}

func New(api *apiclient.Client, store credstore.Store, opts ...Option) *Manager {
	m := &Manager{
		api:        api,
		store:      store,
		clk:        clock.New(),
		logger:     zerolog.Nop(),
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		margin:     DefaultMargin,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Login authenticates, stores the credential record, and arms the refresh
// timer at TTL − margin. The credential write and the timer arm happen
// under one lock so no window exists where a stale token is paired with a
// fresh timer.
func (m *Manager) Login(ctx context.Context, username, password string) error {
	res, err := m.api.Login(ctx, username, password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	creds := credstore.Credentials{
		AccessToken:      res.AccessToken,
		AccessExpiresAt:  m.accessExpiry(res.AccessToken, now),
		RefreshToken:     res.RefreshToken,
		RefreshExpiresAt: now.Add(m.refreshTTL),
		User:             res.User,
	}
	if err := m.store.Replace(creds, now); err != nil {
		return fmt.Errorf("login: store credentials: %w", err)
	}

	m.gen++
	m.armLocked(creds.AccessExpiresAt.Sub(now) - m.margin)
	m.logger.Info().Str("user", res.User.Username).Str("role", res.User.Role).Msg("session started")
	return nil
}

// Refresh renews the access token using the stored refresh token. The
// refresh token is not rotated: only the access fields of the credential
// record are replaced. Any failure, including a missing or expired refresh
// token, ends the session; there is no automatic retry.
//
// Entering a refresh cancels the pending timer before suspending at the
// network call, so a scheduled fire can never overlap a refresh already in
// flight. The success path re-arms; the failure path ends the session.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	creds, ok := m.store.Load()
	gen := m.gen
	m.stopTimerLocked()
	m.mu.Unlock()

	if !ok || creds.RefreshToken == "" {
		m.Logout(ctx)
		return fmt.Errorf("refresh: no refresh token")
	}
	if !creds.RefreshValid(m.clk.Now()) {
		m.Logout(ctx)
		return fmt.Errorf("refresh: refresh token expired")
	}

	access, err := m.api.Refresh(ctx, creds.RefreshToken)
	if err != nil {
		m.Logout(ctx)
		return fmt.Errorf("refresh: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gen != gen {
		// Session changed while the call was in flight; the result is
		// discarded on arrival.
		m.logger.Debug().Msg("discarding refresh result for ended session")
		return nil
	}

	now := m.clk.Now()
	current, ok := m.store.Load()
	if !ok {
		return nil
	}
	current.AccessToken = access
	current.AccessExpiresAt = m.accessExpiry(access, now)
	if err := m.store.Replace(current, now); err != nil {
		return fmt.Errorf("refresh: store credentials: %w", err)
	}

	m.armLocked(current.AccessExpiresAt.Sub(now) - m.margin)
	m.logger.Debug().Time("access_expires_at", current.AccessExpiresAt).Msg("access token refreshed")
	return nil
}

// Logout ends the session. Local state is cleared first and hooks fire
// synchronously with the clear, so guards flip before anything else runs;
// the server call is best-effort and its failure is only logged. Calling
// Logout when already logged out is a no-op.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.Lock()
	creds, active := m.store.Load()

	m.gen++
	m.stopTimerLocked()
	if err := m.store.Clear(); err != nil {
		m.logger.Error().Err(err).Msg("clear credentials")
	}
	hooks := append([]func(){}, m.onSessionEnd...)
	m.mu.Unlock()

	if !active {
		return
	}
	for _, fn := range hooks {
		fn()
	}
	if creds.AccessToken != "" {
		if err := m.api.Logout(ctx, creds.AccessToken); err != nil {
			m.logger.Warn().Err(err).Msg("server logout failed")
		}
	}
	m.logger.Info().Msg("session ended")
}

// RescheduleFromActivity re-arms the refresh timer at TTL − margin from
// now. User activity costs one timer manipulation, never a network call.
// Does nothing without an active session.
func (m *Manager) RescheduleFromActivity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store.Load(); !ok {
		return
	}
	m.armLocked(m.accessTTL - m.margin)
}

// DisarmForIdle cancels the pending refresh without ending the session.
// The access token then lapses on its own schedule, forcing
// re-authentication on the next protected action.
func (m *Manager) DisarmForIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer == nil {
		return
	}
	m.stopTimerLocked()
	m.logger.Info().Msg("idle threshold reached, refresh disarmed")
}

// Credentials returns the current record for readers (permission resolver,
// fetch producers). Readers must treat it as read-only.
func (m *Manager) Credentials() (credstore.Credentials, bool) {
	return m.store.Load()
}

// AccessToken returns the current access token, or "" when anonymous.
func (m *Manager) AccessToken() string {
	creds, ok := m.store.Load()
	if !ok {
		return ""
	}
	return creds.AccessToken
}

// armLocked replaces the pending refresh timer. Cancel-old-then-arm-new is
// the ordering that keeps at most one timer alive. Callers hold m.mu.
func (m *Manager) armLocked(d time.Duration) {
	m.stopTimerLocked()
	if d < 0 {
		d = 0
	}
	gen := m.gen
	m.timer = m.clk.AfterFunc(d, func() {
		m.mu.Lock()
		stale := m.gen != gen
		m.mu.Unlock()
		if stale {
			return
		}
		if err := m.Refresh(context.Background()); err != nil {
			m.logger.Warn().Err(err).Msg("scheduled refresh failed")
		}
	})
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// accessExpiry prefers the token's own exp claim when it parses as a JWT;
// the client holds no key material, so the claim is read unverified and
// only for scheduling. Otherwise the configured TTL applies.
func (m *Manager) accessExpiry(token string, now time.Time) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && exp.After(now) {
			return exp.Time
		}
	}
	return now.Add(m.accessTTL)
}
