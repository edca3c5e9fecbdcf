// Package consent tracks the user's privacy preferences and gates
// every other pipeline component. Refusal is a normal outcome here,
// never an error.
package consent

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pulsekit/pulse/pkg/errors"
	"github.com/pulsekit/pulse/pkg/storage"
)

// Record is the persisted privacy state.
type Record struct {
	// Analytics is the headline consent grant.
	Analytics bool `json:"analytics"`
	// TrackingEnabled gates event capture specifically.
	TrackingEnabled bool `json:"trackingEnabled"`
	// Fingerprinting gates device identification specifically.
	Fingerprinting bool `json:"fingerprinting"`
	// ConsentTimestamp records when the grant was made.
	ConsentTimestamp time.Time `json:"consentTimestamp"`
	// ConsentVersion is the policy version the user agreed to.
	ConsentVersion string `json:"consentVersion"`
	// RetentionDays is the advertised data retention window.
	RetentionDays int `json:"retentionDays,omitempty"`
	// RespectDoNotTrack defers to a runtime DNT signal.
	RespectDoNotTrack bool `json:"respectDoNotTrack"`
}

// Granted reports whether the record permits tracking on its own,
// before the runtime DNT signal is considered.
func (r Record) Granted() bool {
	return r.Analytics && r.TrackingEnabled
}

// Config controls how new grants are stamped.
type Config struct {
	// Version tags new consent grants.
	Version string
	// RetentionDays is written into new grants.
	RetentionDays int
	// RespectDoNotTrack halts tracking when the runtime asserts DNT.
	RespectDoNotTrack bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Version:           "1.0",
		RetentionDays:     90,
		RespectDoNotTrack: true,
	}
}

// Manager owns the consent record. It is the only writer; every other
// component reads through IsTrackingAllowed/IsFingerprintingAllowed.
type Manager struct {
	mu     sync.RWMutex
	store  storage.Store
	cfg    Config
	record Record
	loaded bool

	// dnt probes the runtime Do-Not-Track signal.
	dnt func() bool

	// OnChange fires after the record is updated and persisted.
	OnChange func(Record)
}

// NewManager creates a consent manager backed by store.
func NewManager(store storage.Store, cfg Config) *Manager {
	return &Manager{
		store: store,
		cfg:   cfg,
		dnt:   envDoNotTrack,
	}
}

// envDoNotTrack reads the process-level DNT signal.
func envDoNotTrack() bool {
	switch strings.ToLower(os.Getenv("PULSE_DNT")) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// Load reads the persisted record. A missing record leaves consent
// ungranted, which disallows tracking until the user decides.
func (m *Manager) Load(ctx context.Context) error {
	data, err := m.store.Get(ctx, storage.KeyConsent)
	if err != nil {
		if os.IsNotExist(err) {
			m.mu.Lock()
			m.record = Record{RespectDoNotTrack: m.cfg.RespectDoNotTrack}
			m.loaded = true
			m.mu.Unlock()
			return nil
		}
		return errors.Wrap(err, errors.CodeStorageFailed, "load consent record")
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return errors.Wrap(err, errors.CodeStorageFailed, "decode consent record")
	}

	m.mu.Lock()
	m.record = record
	m.loaded = true
	m.mu.Unlock()
	return nil
}

// Update grants or revokes consent as a whole: analytics, tracking and
// fingerprinting move together, stamped with the configured version.
func (m *Manager) Update(ctx context.Context, granted bool) error {
	record := Record{
		Analytics:         granted,
		TrackingEnabled:   granted,
		Fingerprinting:    granted,
		ConsentTimestamp:  time.Now().UTC(),
		ConsentVersion:    m.cfg.Version,
		RetentionDays:     m.cfg.RetentionDays,
		RespectDoNotTrack: m.cfg.RespectDoNotTrack,
	}
	return m.SetRecord(ctx, record)
}

// SetRecord replaces the record wholesale, for hosts with granular
// consent UIs.
func (m *Manager) SetRecord(ctx context.Context, record Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, errors.CodeStorageFailed, "encode consent record")
	}
	if err := m.store.Set(ctx, storage.KeyConsent, data, 0); err != nil {
		return errors.Wrap(err, errors.CodeStorageFailed, "persist consent record")
	}

	m.mu.Lock()
	m.record = record
	m.loaded = true
	onChange := m.OnChange
	m.mu.Unlock()

	if onChange != nil {
		onChange(record)
	}
	return nil
}

// Grant records full consent.
func (m *Manager) Grant(ctx context.Context) error {
	return m.Update(ctx, true)
}

// Revoke withdraws consent.
func (m *Manager) Revoke(ctx context.Context) error {
	return m.Update(ctx, false)
}

// Record returns a snapshot of the current record.
func (m *Manager) Record() Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.record
}

// DoNotTrack reports whether the runtime asserts Do-Not-Track.
func (m *Manager) DoNotTrack() bool {
	m.mu.RLock()
	probe := m.dnt
	m.mu.RUnlock()
	return probe != nil && probe()
}

// SetDoNotTrackProbe overrides the runtime DNT signal source, for
// hosts that surface their own toggle.
func (m *Manager) SetDoNotTrackProbe(probe func() bool) {
	m.mu.Lock()
	m.dnt = probe
	m.mu.Unlock()
}

// IsTrackingAllowed reports whether events may be captured: consent
// granted and no deferred-to DNT signal.
func (m *Manager) IsTrackingAllowed() bool {
	m.mu.RLock()
	record := m.record
	probe := m.dnt
	m.mu.RUnlock()

	if !record.Granted() {
		return false
	}
	if record.RespectDoNotTrack && probe != nil && probe() {
		return false
	}
	return true
}

// IsFingerprintingAllowed reports whether device identification may run.
func (m *Manager) IsFingerprintingAllowed() bool {
	if !m.IsTrackingAllowed() {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.record.Fingerprinting
}

// Deny returns the silent error explaining why tracking is blocked,
// or nil when it is allowed.
func (m *Manager) Deny() error {
	m.mu.RLock()
	record := m.record
	loaded := m.loaded
	probe := m.dnt
	m.mu.RUnlock()

	if record.RespectDoNotTrack && probe != nil && probe() {
		return errors.New(errors.CodeDoNotTrack, "do-not-track asserted")
	}
	if !loaded || !record.Granted() {
		if record.ConsentTimestamp.IsZero() {
			return errors.New(errors.CodeConsentMissing, "no consent decision recorded")
		}
		return errors.New(errors.CodeConsentDenied, "tracking consent not granted")
	}
	return nil
}
