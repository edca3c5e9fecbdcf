// Package session tracks the current period of user activity. At most
// one session is active per tracker instance; inactivity past the
// configured timeout rolls the session over to a fresh identifier.
package session

import (
	"context"
	"encoding/json"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pulsekit/pulse/pkg/storage"
)

// End reasons passed to OnEnd.
const (
	ReasonTimeout  = "timeout"
	ReasonUnload   = "unload"
	ReasonExplicit = "explicit"
)

// Referrer carries attribution for the session entry page.
type Referrer struct {
	URL      string `json:"url,omitempty"`
	Source   string `json:"utm_source,omitempty"`
	Medium   string `json:"utm_medium,omitempty"`
	Campaign string `json:"utm_campaign,omitempty"`
	Term     string `json:"utm_term,omitempty"`
	Content  string `json:"utm_content,omitempty"`
}

// ParseReferrer extracts campaign attribution from a landing URL.
func ParseReferrer(rawURL string) Referrer {
	ref := Referrer{URL: rawURL}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ref
	}

	q := u.Query()
	ref.Source = q.Get("utm_source")
	ref.Medium = q.Get("utm_medium")
	ref.Campaign = q.Get("utm_campaign")
	ref.Term = q.Get("utm_term")
	ref.Content = q.Get("utm_content")
	return ref
}

// Session represents one continuous period of user activity.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id,omitempty"`
	Fingerprint  string    `json:"fingerprint,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
	PageViews    int       `json:"page_views"`
	Events       int64     `json:"events"`
	Referrer     Referrer  `json:"referrer,omitempty"`
}

// Duration returns the span from start to last activity.
func (s Session) Duration() time.Duration {
	return s.LastActivity.Sub(s.StartedAt)
}

// Config controls session lifecycle.
type Config struct {
	// Timeout is the inactivity window after which the session rolls over.
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Timeout: 30 * time.Minute}
}

// Manager owns the active session. Events read their session id
// through Touch at envelope-build time; queued events keep whatever id
// they were stamped with, surviving rollovers unchanged.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	current Session
	active  bool
	store   storage.Store

	now   func() time.Time
	newID func() string

	// OnStart fires when a session begins, including rollover restarts.
	OnStart func(Session)
	// OnEnd fires when a session ends, with one of the Reason constants.
	OnEnd func(Session, string)
}

// NewManager creates a session manager.
func NewManager(cfg Config) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	return &Manager{
		cfg:   cfg,
		now:   time.Now,
		newID: func() string { return uuid.Must(uuid.NewV7()).String() },
	}
}

// WithStore persists session snapshots so a restarted process can
// resume a still-fresh session.
func (m *Manager) WithStore(store storage.Store) *Manager {
	m.store = store
	return m
}

// Load restores a persisted session if it is still within the
// inactivity window. Returns true when a session was resumed.
func (m *Manager) Load(ctx context.Context) (bool, error) {
	if m.store == nil {
		return false, nil
	}

	data, err := m.store.Get(ctx, storage.KeySession)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.now().Sub(s.LastActivity) > m.cfg.Timeout {
		return false, nil
	}
	m.current = s
	m.active = true
	return true, nil
}

// Start begins a new session, ending any active one first.
func (m *Manager) Start(referrer Referrer) Session {
	m.mu.Lock()
	ended, wasActive := m.endLocked()
	s := m.startLocked(referrer)
	onStart := m.OnStart
	onEnd := m.OnEnd
	m.mu.Unlock()

	if wasActive && onEnd != nil {
		onEnd(ended, ReasonExplicit)
	}
	if onStart != nil {
		onStart(s)
	}
	return s
}

// startLocked creates the new session state. Callers hold mu.
func (m *Manager) startLocked(referrer Referrer) Session {
	now := m.now()
	m.current = Session{
		ID:           m.newID(),
		UserID:       m.current.UserID,
		Fingerprint:  m.current.Fingerprint,
		StartedAt:    now,
		LastActivity: now,
		Referrer:     referrer,
	}
	m.active = true
	m.persistLocked()
	return m.current
}

// endLocked closes the active session. Callers hold mu.
func (m *Manager) endLocked() (Session, bool) {
	if !m.active {
		return Session{}, false
	}
	ended := m.current
	m.active = false
	if m.store != nil {
		m.store.Delete(context.Background(), storage.KeySession)
	}
	return ended, true
}

// End closes the active session explicitly.
func (m *Manager) End(reason string) (Session, bool) {
	m.mu.Lock()
	ended, wasActive := m.endLocked()
	onEnd := m.OnEnd
	m.mu.Unlock()

	if wasActive && onEnd != nil {
		onEnd(ended, reason)
	}
	return ended, wasActive
}

// Touch registers activity and returns the session an event should be
// stamped with. Rolls the session over first when the inactivity
// timeout has elapsed; starts one lazily when none is active.
func (m *Manager) Touch() Session {
	m.mu.Lock()

	var (
		endedSession Session
		rolledOver   bool
	)
	now := m.now()

	switch {
	case !m.active:
		m.startLocked(Referrer{})
	case now.Sub(m.current.LastActivity) > m.cfg.Timeout:
		endedSession, _ = m.endLocked()
		rolledOver = true
		m.startLocked(Referrer{})
	}

	m.current.LastActivity = now
	m.current.Events++
	m.persistLocked()

	s := m.current
	onStart := m.OnStart
	onEnd := m.OnEnd
	m.mu.Unlock()

	if rolledOver {
		if onEnd != nil {
			onEnd(endedSession, ReasonTimeout)
		}
		if onStart != nil {
			onStart(s)
		}
	}
	return s
}

// RecordPageView increments the page-view counter of the active session.
func (m *Manager) RecordPageView() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		m.current.PageViews++
		m.persistLocked()
	}
}

// SetUser attaches a host-assigned user identifier.
func (m *Manager) SetUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.UserID = userID
	if m.active {
		m.persistLocked()
	}
}

// SetFingerprint attaches the resolved device identifier.
func (m *Manager) SetFingerprint(fp string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.Fingerprint = fp
	if m.active {
		m.persistLocked()
	}
}

// Current returns a snapshot of the active session.
func (m *Manager) Current() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.active
}

// persistLocked saves the session snapshot best-effort. Callers hold mu.
func (m *Manager) persistLocked() {
	if m.store == nil || !m.active {
		return
	}
	data, err := json.Marshal(m.current)
	if err != nil {
		return
	}
	// Persistence failures never block event processing.
	m.store.Set(context.Background(), storage.KeySession, data, m.cfg.Timeout)
}
