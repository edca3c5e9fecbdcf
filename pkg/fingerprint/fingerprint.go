// Package fingerprint derives a best-effort device identifier from host signals.
package fingerprint

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"

	"github.com/pulsekit/pulse/pkg/storage"
)

// Source identifies how an identifier was obtained.
type Source string

const (
	// SourceSignals means the identifier was derived from live host signals.
	SourceSignals Source = "signals"
	// SourceCache means a previously derived identifier was served from the cache.
	SourceCache Source = "cache"
	// SourceFallback means the locally persisted random identifier was used.
	SourceFallback Source = "fallback"
)

const (
	// MaxConfidence is the score assigned when every signal is present.
	MaxConfidence = 0.95
	// FallbackConfidence is the score assigned to the persisted random identifier.
	FallbackConfidence = 0.30
)

// Signals holds the raw identification components collected from the host.
// Any subset may be empty; missing signals lower the derived confidence
// instead of failing resolution.
type Signals struct {
	Surface  string   `json:"surface,omitempty"`
	Fonts    []string `json:"fonts,omitempty"`
	Screen   string   `json:"screen,omitempty"`
	Timezone string   `json:"timezone,omitempty"`
	Locale   string   `json:"locale,omitempty"`
	Platform string   `json:"platform,omitempty"`
}

// Signal contribution weights. The strong signals (rendering surface,
// font set) dominate; a full set of environment signals still scores
// above the fallback identifier.
const (
	weightSurface  = 0.30
	weightFonts    = 0.20
	weightScreen   = 0.10
	weightTimezone = 0.15
	weightLocale   = 0.10
	weightPlatform = 0.10
)

// Confidence sums the weights of the present signals.
func (s Signals) Confidence() float64 {
	score := 0.0
	if s.Surface != "" {
		score += weightSurface
	}
	if len(s.Fonts) > 0 {
		score += weightFonts
	}
	if s.Screen != "" {
		score += weightScreen
	}
	if s.Timezone != "" {
		score += weightTimezone
	}
	if s.Locale != "" {
		score += weightLocale
	}
	if s.Platform != "" {
		score += weightPlatform
	}
	if score > MaxConfidence {
		score = MaxConfidence
	}
	return score
}

// Empty reports whether no signal was collected at all.
func (s Signals) Empty() bool {
	return s.Surface == "" && len(s.Fonts) == 0 && s.Screen == "" &&
		s.Timezone == "" && s.Locale == "" && s.Platform == ""
}

// canonical builds the deterministic digest input. Fonts are sorted and
// deduplicated so enumeration order does not change the identifier.
func (s Signals) canonical() []byte {
	fonts := slices.Clone(s.Fonts)
	slices.Sort(fonts)
	fonts = slices.Compact(fonts)

	var b strings.Builder
	b.WriteString("surface=" + s.Surface + "\n")
	b.WriteString("fonts=" + strings.Join(fonts, ",") + "\n")
	b.WriteString("screen=" + s.Screen + "\n")
	b.WriteString("timezone=" + s.Timezone + "\n")
	b.WriteString("locale=" + s.Locale + "\n")
	b.WriteString("platform=" + s.Platform + "\n")
	return []byte(b.String())
}

// Provider collects identification signals from the host environment.
// Implementations should honor ctx; the resolver enforces its own
// timeout around the call regardless.
type Provider func(ctx context.Context) (Signals, error)

// EnvironmentSignals is the default provider. It collects what a headless
// Go process can see locally: timezone, locale from the environment, and
// the platform string. Rendering-surface and font signals require a host
// integration and stay empty here.
func EnvironmentSignals(ctx context.Context) (Signals, error) {
	zone, _ := time.Now().Zone()
	locale := os.Getenv("LC_ALL")
	if locale == "" {
		locale = os.Getenv("LANG")
	}
	return Signals{
		Timezone: zone,
		Locale:   locale,
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
	}, nil
}

// Identifier is the resolution result. Confidence is in [0,1] so
// downstream consumers can weight identity-dependent decisions.
type Identifier struct {
	ID         string    `json:"id"`
	Confidence float64   `json:"confidence"`
	Source     Source    `json:"source"`
	Signals    *Signals  `json:"signals,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// cacheEntry is the persisted form of a derived fingerprint.
type cacheEntry struct {
	Identifier Identifier `json:"identifier"`
	CachedAt   time.Time  `json:"cached_at"`
}

// Config controls resolution behavior.
type Config struct {
	// Timeout bounds a single signal collection attempt.
	Timeout time.Duration `yaml:"timeout"`
	// CacheTTL is how long a derived fingerprint may be served from cache.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// DefaultConfig returns the standard resolution settings.
func DefaultConfig() Config {
	return Config{
		Timeout:  2 * time.Second,
		CacheTTL: 24 * time.Hour,
	}
}

// Resolver derives device identifiers with bounded latency. Resolve never
// returns an error: every failure path degrades to the persisted fallback
// identifier.
type Resolver struct {
	cfg      Config
	store    storage.Store
	provider Provider
	group    singleflight.Group

	mu       sync.Mutex
	fallback string

	now   func() time.Time
	newID func() string
}

// NewResolver creates a resolver backed by the given store.
func NewResolver(store storage.Store, cfg Config) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultConfig().CacheTTL
	}
	return &Resolver{
		cfg:      cfg,
		store:    store,
		provider: EnvironmentSignals,
		now:      time.Now,
		newID:    func() string { return uuid.Must(uuid.NewV7()).String() },
	}
}

// WithProvider sets the signal provider.
func (r *Resolver) WithProvider(p Provider) *Resolver {
	r.provider = p
	return r
}

// Resolve returns the best identifier available right now: a fresh cache
// hit, a new derivation from host signals, or the fallback identifier.
// Concurrent calls share a single in-flight derivation.
func (r *Resolver) Resolve(ctx context.Context) Identifier {
	if id, ok := r.cached(ctx); ok {
		return id
	}
	v, _, _ := r.group.Do("resolve", func() (any, error) {
		return r.resolve(ctx), nil
	})
	return v.(Identifier)
}

// resolve runs one bounded signal collection and caches the result.
func (r *Resolver) resolve(ctx context.Context) Identifier {
	timeoutCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	type outcome struct {
		signals Signals
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("signal provider panic: %v", rec)}
			}
		}()
		s, err := r.provider(timeoutCtx)
		done <- outcome{signals: s, err: err}
	}()

	select {
	case <-timeoutCtx.Done():
		return r.Fallback(ctx)
	case res := <-done:
		if res.err != nil || res.signals.Empty() {
			return r.Fallback(ctx)
		}
		id := r.derive(res.signals)
		r.cache(ctx, id)
		return id
	}
}

// derive hashes the canonical signal form into a stable identifier.
func (r *Resolver) derive(s Signals) Identifier {
	digest := blake3.Sum256(s.canonical())
	snapshot := s
	return Identifier{
		ID:         "fp-" + hex.EncodeToString(digest[:12]),
		Confidence: s.Confidence(),
		Source:     SourceSignals,
		Signals:    &snapshot,
		ResolvedAt: r.now().UTC(),
	}
}

// Fallback returns the locally persisted random identifier, generating
// and persisting it on first use. Storage failures are swallowed; the
// identifier is at least stable for the life of the process.
func (r *Resolver) Fallback(ctx context.Context) Identifier {
	r.mu.Lock()
	if r.fallback == "" {
		if raw, err := r.store.Get(ctx, storage.KeyFallbackID); err == nil && len(raw) > 0 {
			r.fallback = string(raw)
		} else {
			r.fallback = r.newID()
			_ = r.store.Set(ctx, storage.KeyFallbackID, []byte(r.fallback), 0)
		}
	}
	id := r.fallback
	r.mu.Unlock()

	return Identifier{
		ID:         id,
		Confidence: FallbackConfidence,
		Source:     SourceFallback,
		ResolvedAt: r.now().UTC(),
	}
}

// cached loads the persisted fingerprint if it is still within its TTL.
// Expired or unreadable entries are removed so they can never be served.
func (r *Resolver) cached(ctx context.Context) (Identifier, bool) {
	raw, err := r.store.Get(ctx, storage.KeyFingerprintCache)
	if err != nil {
		return Identifier{}, false
	}
	var entry cacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		_ = r.store.Delete(ctx, storage.KeyFingerprintCache)
		return Identifier{}, false
	}
	if entry.CachedAt.IsZero() || r.now().Sub(entry.CachedAt) > r.cfg.CacheTTL {
		_ = r.store.Delete(ctx, storage.KeyFingerprintCache)
		return Identifier{}, false
	}
	id := entry.Identifier
	id.Source = SourceCache
	return id, true
}

// cache persists a derived fingerprint. Fallback identifiers are never
// cached here so a later resolve can retry the signal path.
func (r *Resolver) cache(ctx context.Context, id Identifier) {
	entry := cacheEntry{Identifier: id, CachedAt: r.now().UTC()}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_ = r.store.Set(ctx, storage.KeyFingerprintCache, raw, r.cfg.CacheTTL)
}
