// Package storage persists small pieces of device-local tracker state:
// the consent record, the fallback identifier, and the fingerprint
// cache. Backends share one key-value contract so deployments can keep
// state in memory, on disk, or in Redis.
package storage

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"
)

// Well-known keys used by the pipeline.
const (
	KeyConsent          = "consent"
	KeyFallbackID       = "fallback_id"
	KeyFingerprintCache = "fingerprint_cache"
	KeySession          = "session"
)

// Store defines the interface for state backends. Missing keys return
// os.ErrNotExist.
type Store interface {
	// Get retrieves the value for key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A positive ttl expires the entry;
	// zero keeps it until deleted.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Clear removes all tracker state. Backs the host "clear data" action.
	Clear(ctx context.Context) error

	// Name returns the backend name for diagnostics.
	Name() string
}

// sanitizeKey removes characters that may cause issues in file names
// and Redis keys.
func sanitizeKey(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, ":", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return s
}

// MemoryStore keeps state in process memory. Used in tests and for
// hosts that disable persistence.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get retrieves the value for key.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return nil, os.ErrNotExist
	}
	if !entry.expiresAt.IsZero() && s.now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, os.ErrNotExist
	}

	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

// Set stores value under key.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: make([]byte, len(value))}
	copy(entry.value, value)
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()
	return nil
}

// Delete removes a key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Clear removes all entries.
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.entries = make(map[string]memoryEntry)
	s.mu.Unlock()
	return nil
}

// Name returns "memory".
func (s *MemoryStore) Name() string {
	return "memory"
}

// Len returns the number of live entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

var _ Store = (*MemoryStore)(nil)
