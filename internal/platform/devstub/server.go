// Package devstub is a development and test fixture for the HTTP contracts
// the session engine consumes. It is not the portal backend: it exists so
// the CLI and integration tests have a live counterpart for login, token
// refresh, logout, the permission authority, and one sample resource.
package devstub

import (
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/portal-client/internal/platform/apiclient"
)

// StubUser is one fixture account.
type StubUser struct {
	Password string
	User     apiclient.UserSummary
	Flags    apiclient.ServerFlags
}

// Server is the fixture. Counters and fault switches are exported through
// methods so tests can assert call counts and simulate outages.
type Server struct {
	signingKey []byte
	accessTTL  time.Duration
	refreshTTL time.Duration

	mu            sync.Mutex
	users         map[string]StubUser
	refreshTokens map[string]refreshRecord // token -> record
	counters      map[string]int
	rejectRefresh bool
	authorityDown bool
}

type refreshRecord struct {
	username  string
	expiresAt time.Time
}

// ServerOption configures a Server.
type ServerOption func(*Server)

func WithAccessTTL(d time.Duration) ServerOption {
	return func(s *Server) { s.accessTTL = d }
}

func WithRefreshTTL(d time.Duration) ServerOption {
	return func(s *Server) { s.refreshTTL = d }
}

func WithSigningKey(key []byte) ServerOption {
	return func(s *Server) { s.signingKey = key }
}

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		signingKey:    []byte("devstub-signing-key"),
		accessTTL:     900 * time.Second,
		refreshTTL:    604800 * time.Second,
		users:         defaultUsers(),
		refreshTokens: make(map[string]refreshRecord),
		counters:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// defaultUsers seeds one account per portal role.
func defaultUsers() map[string]StubUser {
	return map[string]StubUser{
		"pat.doe": {
			Password: "patient-pass",
			User:     apiclient.UserSummary{ID: uuid.NewString(), Username: "pat.doe", Role: "patient"},
		},
		"dr.lee": {
			Password: "provider-pass",
			User:     apiclient.UserSummary{ID: uuid.NewString(), Username: "dr.lee", Role: "provider"},
		},
		"admin": {
			Password: "admin-pass",
			User:     apiclient.UserSummary{ID: uuid.NewString(), Username: "admin", Role: "admin", IsStaff: true},
			Flags:    apiclient.ServerFlags{"has_admin_access": true, "has_user_management_access": true, "has_audit_access": true},
		},
		"root": {
			Password: "root-pass",
			User:     apiclient.UserSummary{ID: uuid.NewString(), Username: "root", Role: "superadmin", IsStaff: true, IsSuperuser: true},
			Flags: apiclient.ServerFlags{
				"has_admin_access": true, "has_user_management_access": true,
				"has_system_settings_access": true, "has_audit_access": true,
				"has_compliance_access": true, "has_export_access": true,
			},
		},
	}
}

// SetRejectRefresh makes /token/refresh answer 401, simulating a revoked
// or expired refresh token.
func (s *Server) SetRejectRefresh(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectRefresh = reject
}

// SetAuthorityDown makes the permissions endpoint answer 503.
func (s *Server) SetAuthorityDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorityDown = down
}

// Calls returns how many times the named endpoint was hit.
func (s *Server) Calls(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[endpoint]
}

// Handler builds the echo handler for the fixture.
func (s *Server) Handler() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.POST("/login", s.handleLogin)
	e.POST("/token/refresh", s.handleRefresh)
	e.POST("/logout", s.handleLogout)
	e.GET("/users/me/permissions", s.handlePermissions)
	e.GET("/portal/dashboard/:patientID", s.handleDashboard)
	return e
}

func (s *Server) count(endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[endpoint]++
}

func (s *Server) handleLogin(c echo.Context) error {
	s.count("login")

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed login request")
	}

	s.mu.Lock()
	account, ok := s.users[req.Username]
	s.mu.Unlock()
	if !ok || account.Password != req.Password {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}

	access, err := s.mintAccess(account.User)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "mint access token")
	}
	refresh := uuid.NewString()
	s.mu.Lock()
	s.refreshTokens[refresh] = refreshRecord{
		username:  req.Username,
		expiresAt: time.Now().Add(s.refreshTTL),
	}
	s.mu.Unlock()

	return c.JSON(http.StatusOK, apiclient.LoginResult{
		AccessToken:  access,
		RefreshToken: refresh,
		User:         account.User,
	})
}

func (s *Server) handleRefresh(c echo.Context) error {
	s.count("refresh")

	var req struct {
		Refresh string `json:"refresh"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed refresh request")
	}

	s.mu.Lock()
	reject := s.rejectRefresh
	record, ok := s.refreshTokens[req.Refresh]
	account := s.users[record.username]
	s.mu.Unlock()

	if reject || !ok || time.Now().After(record.expiresAt) {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired refresh token")
	}

	access, err := s.mintAccess(account.User)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "mint access token")
	}
	return c.JSON(http.StatusOK, map[string]string{"access": access})
}

func (s *Server) handleLogout(c echo.Context) error {
	s.count("logout")
	// Revoke every refresh token for the authenticated user.
	user, err := s.authenticate(c)
	if err != nil {
		return c.NoContent(http.StatusNoContent) // logout is always a 2xx for known shapes
	}
	s.mu.Lock()
	for token, record := range s.refreshTokens {
		if record.username == user.Username {
			delete(s.refreshTokens, token)
		}
	}
	s.mu.Unlock()
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handlePermissions(c echo.Context) error {
	s.count("permissions")

	s.mu.Lock()
	down := s.authorityDown
	s.mu.Unlock()
	if down {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "authority unavailable")
	}

	user, err := s.authenticate(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	s.mu.Lock()
	account := s.users[user.Username]
	s.mu.Unlock()

	flags := apiclient.ServerFlags{
		"has_admin_access":           false,
		"has_user_management_access": false,
		"has_system_settings_access": false,
		"has_audit_access":           false,
		"has_compliance_access":      false,
		"has_export_access":          false,
	}
	for name, granted := range account.Flags {
		flags[name] = granted
	}
	return c.JSON(http.StatusOK, flags)
}

func (s *Server) handleDashboard(c echo.Context) error {
	s.count("dashboard")

	if _, err := s.authenticate(c); err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"patient_id":   c.Param("patientID"),
		"appointments": 3,
		"messages":     1,
		"refills_due":  2,
		"generated_at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) mintAccess(user apiclient.UserSummary) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  user.ID,
		"name": user.Username,
		"role": user.Role,
		"iat":  now.Unix(),
		"exp":  now.Add(s.accessTTL).Unix(),
	})
	return token.SignedString(s.signingKey)
}

func (s *Server) authenticate(c echo.Context) (apiclient.UserSummary, error) {
	header := c.Request().Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) {
		return apiclient.UserSummary{}, echo.ErrUnauthorized
	}
	tokenStr := header[len(prefix):]

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return s.signingKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return apiclient.UserSummary{}, err
	}

	name, _ := claims["name"].(string)
	role, _ := claims["role"].(string)
	sub, _ := claims["sub"].(string)
	return apiclient.UserSummary{ID: sub, Username: name, Role: role}, nil
}
