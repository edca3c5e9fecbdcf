package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileStore keeps each entry in its own JSON file under a directory,
// the way browser-local storage scopes state to a profile directory.
type FileStore struct {
	dir string
	now func() time.Time
}

// fileEntry is the on-disk envelope for a value.
type fileEntry struct {
	Value     []byte    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// NewFileStore creates a store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

// Path returns the file holding key. Callers that watch state files
// for out-of-band edits need the concrete location.
func (s *FileStore) Path(key string) string {
	return filepath.Join(s.dir, sanitizeKey(key)+".json")
}

// Get retrieves the value for key.
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(key))
	if err != nil {
		return nil, err
	}

	var entry fileEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		// A corrupt entry is treated as missing rather than fatal.
		os.Remove(s.Path(key))
		return nil, os.ErrNotExist
	}

	if !entry.ExpiresAt.IsZero() && s.now().After(entry.ExpiresAt) {
		os.Remove(s.Path(key))
		return nil, os.ErrNotExist
	}
	return entry.Value, nil
}

// Set stores value under key.
func (s *FileStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	entry := fileEntry{
		Value:     value,
		UpdatedAt: s.now(),
	}
	if ttl > 0 {
		entry.ExpiresAt = s.now().Add(ttl)
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}

	// Write to temp file first, then rename (atomic)
	path := s.Path(key)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return err
	}
	return os.Rename(tempPath, path)
}

// Delete removes a key.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	err := os.Remove(s.Path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Clear removes all entries under the store directory.
func (s *FileStore) Clear(ctx context.Context) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Name returns "file".
func (s *FileStore) Name() string {
	return "file"
}

// Dir returns the backing directory.
func (s *FileStore) Dir() string {
	return s.dir
}

var _ Store = (*FileStore)(nil)
