package fingerprint

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pulsekit/pulse/pkg/storage"
)

func fullSignals() Signals {
	return Signals{
		Surface:  "canvas:9f2a77",
		Fonts:    []string{"Inter", "Menlo", "Georgia"},
		Screen:   "2560x1440x24",
		Timezone: "Europe/Amsterdam",
		Locale:   "nl-NL",
		Platform: "linux/amd64",
	}
}

func staticProvider(s Signals) Provider {
	return func(ctx context.Context) (Signals, error) { return s, nil }
}

func failingProvider(ctx context.Context) (Signals, error) {
	return Signals{}, errors.New("signal collection unavailable")
}

func TestSignalsConfidence(t *testing.T) {
	tests := []struct {
		name    string
		signals Signals
		want    float64
	}{
		{"all present", fullSignals(), 0.95},
		{"environment only", Signals{Timezone: "UTC", Locale: "en_US", Platform: "linux/amd64"}, 0.35},
		{"missing fonts and screen", Signals{Surface: "x", Timezone: "UTC", Locale: "en", Platform: "p"}, 0.65},
		{"empty", Signals{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.signals.Confidence(); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Confidence() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolveDeterministic(t *testing.T) {
	signals := fullSignals()
	shuffled := fullSignals()
	shuffled.Fonts = []string{"Georgia", "Inter", "Menlo"}

	a := NewResolver(storage.NewMemoryStore(), DefaultConfig()).WithProvider(staticProvider(signals))
	b := NewResolver(storage.NewMemoryStore(), DefaultConfig()).WithProvider(staticProvider(shuffled))

	idA := a.Resolve(context.Background())
	idB := b.Resolve(context.Background())

	if idA.ID != idB.ID {
		t.Errorf("same signals produced different ids: %q vs %q", idA.ID, idB.ID)
	}
	if idA.Source != SourceSignals {
		t.Errorf("Source = %q, want %q", idA.Source, SourceSignals)
	}
	if math.Abs(idA.Confidence-0.95) > 1e-9 {
		t.Errorf("Confidence = %v, want 0.95", idA.Confidence)
	}
	if idA.Signals == nil || idA.Signals.Surface != signals.Surface {
		t.Error("expected raw signal snapshot on the identifier")
	}
	if len(idA.ID) != len("fp-")+24 {
		t.Errorf("unexpected id format %q", idA.ID)
	}
}

func TestResolveFallbackPersisted(t *testing.T) {
	store := storage.NewMemoryStore()

	first := NewResolver(store, DefaultConfig()).WithProvider(failingProvider)
	id := first.Resolve(context.Background())

	if id.Source != SourceFallback {
		t.Fatalf("Source = %q, want %q", id.Source, SourceFallback)
	}
	if math.Abs(id.Confidence-FallbackConfidence) > 1e-9 {
		t.Errorf("Confidence = %v, want %v", id.Confidence, FallbackConfidence)
	}
	if id.ID == "" {
		t.Fatal("fallback id is empty")
	}

	// A fresh resolver over the same store must reuse the persisted id.
	second := NewResolver(store, DefaultConfig()).WithProvider(failingProvider)
	if got := second.Resolve(context.Background()); got.ID != id.ID {
		t.Errorf("fallback id regenerated: %q, want %q", got.ID, id.ID)
	}
}

func TestResolveFallbackOnEmptySignals(t *testing.T) {
	r := NewResolver(storage.NewMemoryStore(), DefaultConfig()).WithProvider(staticProvider(Signals{}))
	if got := r.Resolve(context.Background()); got.Source != SourceFallback {
		t.Errorf("Source = %q, want %q", got.Source, SourceFallback)
	}
}

func TestResolveFallbackOnPanic(t *testing.T) {
	r := NewResolver(storage.NewMemoryStore(), DefaultConfig()).WithProvider(
		func(ctx context.Context) (Signals, error) { panic("collector exploded") })

	if got := r.Resolve(context.Background()); got.Source != SourceFallback {
		t.Errorf("Source = %q, want %q", got.Source, SourceFallback)
	}
}

func TestResolveTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond

	r := NewResolver(storage.NewMemoryStore(), cfg).WithProvider(
		func(ctx context.Context) (Signals, error) {
			select {
			case <-time.After(5 * time.Second):
				return fullSignals(), nil
			case <-ctx.Done():
				return Signals{}, ctx.Err()
			}
		})

	start := time.Now()
	id := r.Resolve(context.Background())
	elapsed := time.Since(start)

	if id.Source != SourceFallback {
		t.Errorf("Source = %q, want %q", id.Source, SourceFallback)
	}
	if elapsed > time.Second {
		t.Errorf("resolve took %v, should have timed out around %v", elapsed, cfg.Timeout)
	}
}

func TestResolveCacheHit(t *testing.T) {
	store := storage.NewMemoryStore()

	warm := NewResolver(store, DefaultConfig()).WithProvider(staticProvider(fullSignals()))
	derived := warm.Resolve(context.Background())

	// Signals are unavailable now; the cached fingerprint must carry us.
	cold := NewResolver(store, DefaultConfig()).WithProvider(failingProvider)
	got := cold.Resolve(context.Background())

	if got.Source != SourceCache {
		t.Fatalf("Source = %q, want %q", got.Source, SourceCache)
	}
	if got.ID != derived.ID {
		t.Errorf("cached id = %q, want %q", got.ID, derived.ID)
	}
	if math.Abs(got.Confidence-derived.Confidence) > 1e-9 {
		t.Errorf("cached confidence = %v, want %v", got.Confidence, derived.Confidence)
	}
}

func TestResolveExpiredCacheNeverServed(t *testing.T) {
	store := storage.NewMemoryStore()

	stale := cacheEntry{
		Identifier: Identifier{ID: "fp-dead", Confidence: 0.95, Source: SourceSignals},
		CachedAt:   time.Now().UTC().Add(-25 * time.Hour),
	}
	raw, err := json.Marshal(stale)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Set(context.Background(), storage.KeyFingerprintCache, raw, 0); err != nil {
		t.Fatal(err)
	}

	r := NewResolver(store, DefaultConfig()).WithProvider(failingProvider)
	got := r.Resolve(context.Background())

	if got.ID == stale.Identifier.ID {
		t.Fatal("expired cached fingerprint was served")
	}
	if got.Source != SourceFallback {
		t.Errorf("Source = %q, want %q", got.Source, SourceFallback)
	}
	if _, err := store.Get(context.Background(), storage.KeyFingerprintCache); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("stale cache entry not removed, Get err = %v", err)
	}
}

func TestResolveSharedInFlight(t *testing.T) {
	var calls atomic.Int32
	provider := func(ctx context.Context) (Signals, error) {
		calls.Add(1)
		time.Sleep(30 * time.Millisecond)
		return fullSignals(), nil
	}

	r := NewResolver(storage.NewMemoryStore(), DefaultConfig()).WithProvider(provider)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = r.Resolve(context.Background()).ID
		}(i)
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("provider invoked %d times, want 1", got)
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] != ids[0] {
			t.Errorf("id[%d] = %q, want %q", i, ids[i], ids[0])
		}
	}
}
