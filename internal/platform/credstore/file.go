package credstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileStore persists credentials as a JSON file with 0600 permissions.
// Writes go through a temp file and rename so a crash mid-write never
// leaves a half-written record, and Clear removes all entries together.
type FileStore struct {
	path string

	mu    sync.RWMutex
	creds Credentials
	set   bool
}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("credentials file path is required")
	}

	s := &FileStore{path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Load() (Credentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds, s.set
}

func (s *FileStore) Replace(creds Credentials, now time.Time) error {
	if err := validate(creds, now); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, prevSet := s.creds, s.set
	s.creds = creds
	s.set = true
	if err := s.persistLocked(); err != nil {
		s.creds, s.set = prev, prevSet
		return err
	}
	return nil
}

func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.creds = Credentials{}
	s.set = false
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove credentials file: %w", err)
	}
	return nil
}

func (s *FileStore) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read credentials file: %w", err)
	}
	if len(b) == 0 {
		return nil
	}

	var decoded Credentials
	if err := json.Unmarshal(b, &decoded); err != nil {
		return fmt.Errorf("decode credentials file: %w", err)
	}
	s.creds = decoded
	s.set = decoded.AccessToken != "" || decoded.RefreshToken != ""
	return nil
}

func (s *FileStore) persistLocked() error {
	b, err := json.MarshalIndent(s.creds, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("mkdir credentials dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("create temp credentials file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod credentials file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close credentials file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename credentials file: %w", err)
	}
	return nil
}
