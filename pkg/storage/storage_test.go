package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// backendsUnderTest returns the backends that run without external services.
func backendsUnderTest(t *testing.T) map[string]Store {
	t.Helper()

	fileStore, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fileStore,
	}
}

func TestStore_SetGet(t *testing.T) {
	ctx := context.Background()

	for name, store := range backendsUnderTest(t) {
		if err := store.Set(ctx, KeyConsent, []byte(`{"granted":true}`), 0); err != nil {
			t.Fatalf("%s: Set: %v", name, err)
		}

		got, err := store.Get(ctx, KeyConsent)
		if err != nil {
			t.Fatalf("%s: Get: %v", name, err)
		}
		if string(got) != `{"granted":true}` {
			t.Errorf("%s: Get = %q", name, got)
		}
	}
}

func TestStore_MissingKey(t *testing.T) {
	ctx := context.Background()

	for name, store := range backendsUnderTest(t) {
		if _, err := store.Get(ctx, "absent"); !os.IsNotExist(err) {
			t.Errorf("%s: Get(absent) error = %v, want not-exist", name, err)
		}
		if err := store.Delete(ctx, "absent"); err != nil {
			t.Errorf("%s: Delete(absent) = %v, want nil", name, err)
		}
	}
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()

	for name, store := range backendsUnderTest(t) {
		store.Set(ctx, KeyFallbackID, []byte("pulse-abc"), 0)
		if err := store.Delete(ctx, KeyFallbackID); err != nil {
			t.Fatalf("%s: Delete: %v", name, err)
		}
		if _, err := store.Get(ctx, KeyFallbackID); !os.IsNotExist(err) {
			t.Errorf("%s: deleted key still readable", name)
		}
	}
}

func TestStore_Clear(t *testing.T) {
	ctx := context.Background()

	for name, store := range backendsUnderTest(t) {
		store.Set(ctx, KeyConsent, []byte("a"), 0)
		store.Set(ctx, KeyFingerprintCache, []byte("b"), 0)

		if err := store.Clear(ctx); err != nil {
			t.Fatalf("%s: Clear: %v", name, err)
		}
		for _, key := range []string{KeyConsent, KeyFingerprintCache} {
			if _, err := store.Get(ctx, key); !os.IsNotExist(err) {
				t.Errorf("%s: key %s survived Clear", name, key)
			}
		}
	}
}

func TestMemoryStore_TTL(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return current }

	store.Set(ctx, KeyFingerprintCache, []byte("fp"), 24*time.Hour)

	if _, err := store.Get(ctx, KeyFingerprintCache); err != nil {
		t.Fatalf("fresh entry should be readable: %v", err)
	}

	current = current.Add(24*time.Hour + time.Minute)
	if _, err := store.Get(ctx, KeyFingerprintCache); !os.IsNotExist(err) {
		t.Errorf("expired entry error = %v, want not-exist", err)
	}
	if store.Len() != 0 {
		t.Errorf("expired entry should be evicted, Len = %d", store.Len())
	}
}

func TestFileStore_TTL(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return current }

	store.Set(ctx, KeyFingerprintCache, []byte("fp"), time.Hour)

	if _, err := store.Get(ctx, KeyFingerprintCache); err != nil {
		t.Fatalf("fresh entry should be readable: %v", err)
	}

	current = current.Add(2 * time.Hour)
	if _, err := store.Get(ctx, KeyFingerprintCache); !os.IsNotExist(err) {
		t.Errorf("expired entry error = %v, want not-exist", err)
	}
}

func TestFileStore_CorruptEntry(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	path := filepath.Join(dir, sanitizeKey(KeyConsent)+".json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	if _, err := store.Get(ctx, KeyConsent); !os.IsNotExist(err) {
		t.Errorf("corrupt entry error = %v, want not-exist", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("corrupt entry file should be removed")
	}
}

func TestFileStore_AtomicOverwrite(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	store.Set(ctx, KeySession, []byte("one"), 0)
	store.Set(ctx, KeySession, []byte("two"), 0)

	got, err := store.Get(ctx, KeySession)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "two" {
		t.Errorf("Get = %q, want %q", got, "two")
	}

	entries, _ := os.ReadDir(store.Dir())
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) == ".tmp" {
			t.Errorf("temp file left behind: %s", entry.Name())
		}
	}
}

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"consent", "consent"},
		{"a/b:c d", "a_b_c_d"},
	}

	for _, tt := range tests {
		if got := sanitizeKey(tt.input); got != tt.want {
			t.Errorf("sanitizeKey(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
