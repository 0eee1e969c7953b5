// Package authstore persists opaque transport credential blobs across
// gateway restarts.
//
// Ownership boundary:
//   - owns the on-disk layout and file permissions for credential blobs
//   - treats blob contents as opaque bytes; drivers define the format
//   - never caches: every Load reads the filesystem so restarts and
//     external edits behave the same way
package authstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrAccountIDRequired reports an empty or unusable account id.
var ErrAccountIDRequired = errors.New("authstore: account id required")

// FileStore keeps one credential blob per account under a base directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the base directory if needed and returns a store
// rooted at it.
func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("authstore: directory required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("authstore: create %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Load returns the blob stored for the account, or (nil, nil) when no
// blob exists.
func (s *FileStore) Load(accountID string) ([]byte, error) {
	path, err := s.path(accountID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("authstore: read %s: %w", accountID, err)
	}
	return data, nil
}

// Save replaces the account's blob atomically. A crash mid-write leaves
// either the old blob or the new one, never a torn file.
func (s *FileStore) Save(accountID string, blob []byte) error {
	path, err := s.path(accountID)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return fmt.Errorf("authstore: write %s: %w", accountID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("authstore: replace %s: %w", accountID, err)
	}
	return nil
}

// Delete removes the account's blob. Deleting an absent blob is not an
// error.
func (s *FileStore) Delete(accountID string) error {
	path, err := s.path(accountID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("authstore: delete %s: %w", accountID, err)
	}
	return nil
}

func (s *FileStore) path(accountID string) (string, error) {
	name := sanitize(accountID)
	if name == "" {
		return "", ErrAccountIDRequired
	}
	return filepath.Join(s.dir, name+".cred"), nil
}

// sanitize maps an account id to a flat filename. Anything outside the
// safe set becomes an underscore so ids cannot escape the base directory.
func sanitize(accountID string) string {
	id := strings.TrimSpace(accountID)
	if id == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	return out
}
