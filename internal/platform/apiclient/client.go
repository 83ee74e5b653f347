// Package apiclient is the typed HTTP client for the portal backend's
// session surface: login, token refresh, logout, the permission authority
// endpoint, and generic authenticated resource GETs. The backend itself is
// an opaque contract; this package only shapes requests and classifies
// failures.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// UserSummary is the minimal denormalized user snapshot returned by login.
// It is replaced wholesale on every login; never partially mutated.
type UserSummary struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Role        string `json:"role"`
	IsStaff     bool   `json:"is_staff"`
	IsSuperuser bool   `json:"is_superuser"`
}

// LoginResult is the response shape of POST /login.
type LoginResult struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	User         UserSummary `json:"user"`
}

// ServerFlags is the response shape of GET /users/me/permissions.
// Unknown flags are preserved so new server capabilities pass through.
type ServerFlags map[string]bool

// Client calls the portal backend. All methods classify failures into
// *Error; callers branch on the Kind, not on status codes.
type Client struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client (used by tests and
// by callers that need custom transports).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger attaches a logger; the default is a no-op logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTimeout sets the per-request timeout on the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login exchanges credentials for a token pair and user snapshot.
func (c *Client) Login(ctx context.Context, username, password string) (LoginResult, error) {
	var out LoginResult
	body := map[string]string{"username": username, "password": password}
	if err := c.postJSON(ctx, "login", "/login", "", body, &out); err != nil {
		return LoginResult{}, err
	}
	if out.AccessToken == "" || out.RefreshToken == "" {
		return LoginResult{}, &Error{Kind: KindServer, Op: "login", Err: fmt.Errorf("response missing tokens")}
	}
	return out, nil
}

// Refresh mints a new access token from the refresh token. The refresh
// token itself is not rotated by this contract.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (string, error) {
	var out struct {
		Access string `json:"access"`
	}
	body := map[string]string{"refresh": refreshToken}
	if err := c.postJSON(ctx, "refresh", "/token/refresh", "", body, &out); err != nil {
		return "", err
	}
	if out.Access == "" {
		return "", &Error{Kind: KindServer, Op: "refresh", Err: fmt.Errorf("response missing access token")}
	}
	return out.Access, nil
}

// Logout notifies the server the session ended. Any 2xx is success;
// callers treat failures as log-only.
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	return c.postJSON(ctx, "logout", "/logout", accessToken, struct{}{}, nil)
}

// Permissions queries the permission authority. Every failure mode maps to
// KindAuthorityUnavailable: the resolver's fallback does not care whether
// the authority was down, slow, or rejecting.
func (c *Client) Permissions(ctx context.Context, accessToken string) (ServerFlags, error) {
	var flags ServerFlags
	if err := c.getJSON(ctx, "permissions", "/users/me/permissions", accessToken, &flags); err != nil {
		var apiErr *Error
		if errors.As(err, &apiErr) {
			apiErr.Kind = KindAuthorityUnavailable
			return nil, apiErr
		}
		return nil, &Error{Kind: KindAuthorityUnavailable, Op: "permissions", Err: err}
	}
	return flags, nil
}

// Get performs an authenticated GET against an arbitrary resource path and
// decodes the response into out. This is the producer primitive for the
// single-flight fetcher; the payload shape is the caller's business.
func (c *Client) Get(ctx context.Context, accessToken, path string, out any) error {
	return c.getJSON(ctx, "get "+path, path, accessToken, out)
}

// ---------------------------------------------------------------------------
// HTTP plumbing
// ---------------------------------------------------------------------------

func (c *Client) postJSON(ctx context.Context, op, path, accessToken string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return &Error{Kind: KindServer, Op: op, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return &Error{Kind: KindServer, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, op, accessToken, out)
}

func (c *Client) getJSON(ctx context.Context, op, path, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return &Error{Kind: KindServer, Op: op, Err: err}
	}
	return c.do(req, op, accessToken, out)
}

func (c *Client) do(req *http.Request, op, accessToken string, out any) error {
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("op", op).Msg("request failed")
		return &Error{Kind: KindNetwork, Op: op, Err: err}
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("op", op).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("request")

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		io.Copy(io.Discard, resp.Body)
		return &Error{Kind: KindInvalidCredential, Op: op, StatusCode: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return &Error{Kind: KindServer, Op: op, StatusCode: resp.StatusCode}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindServer, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
