package gateway

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileDeviceTokenStore persists the rotated device token under the
// workspace state directory.
type FileDeviceTokenStore struct {
	path string
	mu   sync.Mutex
}

// NewFileDeviceTokenStore stores the token at <workspace>/.botforge/device_token.
func NewFileDeviceTokenStore(workspace string) *FileDeviceTokenStore {
	return &FileDeviceTokenStore{
		path: filepath.Join(workspace, ".botforge", "device_token"),
	}
}

// Load returns the stored token, or "" when none exists.
func (s *FileDeviceTokenStore) Load() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Save writes the token with owner-only permissions.
func (s *FileDeviceTokenStore) Save(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(s.path, []byte(token+"\n"), 0600)
}
