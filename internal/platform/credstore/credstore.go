// Package credstore persists the session's credential record: access token,
// refresh token and a minimal user snapshot, each with expiry metadata. The
// record is owned by the session manager; every other component reads it
// through Load and never mutates it.
package credstore

import (
	"fmt"
	"sync"
	"time"

	"github.com/ehr/portal-client/internal/platform/apiclient"
)

// Credentials is the single durable record. It is replaced wholesale on
// login and refresh and cleared on logout; fields are never mutated in
// place by callers.
type Credentials struct {
	AccessToken      string                `json:"access_token"`
	AccessExpiresAt  time.Time             `json:"access_expires_at"`
	RefreshToken     string                `json:"refresh_token"`
	RefreshExpiresAt time.Time             `json:"refresh_expires_at"`
	User             apiclient.UserSummary `json:"user"`
}

// AccessValid reports whether the access token is present and unexpired.
func (c Credentials) AccessValid(now time.Time) bool {
	return c.AccessToken != "" && now.Before(c.AccessExpiresAt)
}

// RefreshValid reports whether the refresh token is present and unexpired.
func (c Credentials) RefreshValid(now time.Time) bool {
	return c.RefreshToken != "" && now.Before(c.RefreshExpiresAt)
}

// Store is the persistence interface for Credentials. Replace and Clear
// are whole-record operations; there is no partial update.
type Store interface {
	// Load returns the stored credentials and whether any exist.
	Load() (Credentials, bool)
	// Replace swaps the whole record. A present access token must carry a
	// future expiry at the time of the write.
	Replace(creds Credentials, now time.Time) error
	// Clear removes all entries together.
	Clear() error
}

// validate enforces the write-time invariant shared by both stores.
func validate(creds Credentials, now time.Time) error {
	if creds.AccessToken != "" && !creds.AccessExpiresAt.After(now) {
		return fmt.Errorf("access token present but expiry %v is not in the future", creds.AccessExpiresAt)
	}
	return nil
}

// ---------------------------------------------------------------------------
// MemoryStore
// ---------------------------------------------------------------------------

// MemoryStore keeps credentials in memory. It is the default for tests and
// for embedders that manage their own persistence.
type MemoryStore struct {
	mu    sync.RWMutex
	creds Credentials
	set   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load() (Credentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds, s.set
}

func (s *MemoryStore) Replace(creds Credentials, now time.Time) error {
	if err := validate(creds, now); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = creds
	s.set = true
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = Credentials{}
	s.set = false
	return nil
}
