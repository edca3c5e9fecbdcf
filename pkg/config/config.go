// Package config provides hierarchical configuration management.
// Priority: defaults < system < user < project < env < api
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pulsekit/pulse/pkg/errors"
)

// Config holds all Pulse configuration.
type Config struct {
	Version int `yaml:"version"`

	// Endpoint is the collector address, host:port.
	Endpoint string `yaml:"endpoint"`
	// SampleRate is the facade-level admission coin flip, in [0,1].
	// 1.0 captures everything.
	SampleRate float64 `yaml:"sample_rate"`

	Filters     FilterConfig      `yaml:"filters"`
	Session     SessionConfig     `yaml:"session"`
	Consent     ConsentConfig     `yaml:"consent"`
	Fingerprint FingerprintConfig `yaml:"fingerprint"`
	Throttle    ThrottleConfig    `yaml:"throttle"`
	Queue       QueueConfig       `yaml:"queue"`
	Transport   TransportConfig   `yaml:"transport"`
	Privacy     PrivacyConfig     `yaml:"privacy"`
	Storage     StorageConfig     `yaml:"storage"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// FilterConfig restricts which event types are captured. An empty
// include list admits every type not excluded.
type FilterConfig struct {
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// SessionConfig controls session lifecycle.
type SessionConfig struct {
	// Timeout is the inactivity window after which a session rolls over.
	Timeout time.Duration `yaml:"timeout"`
}

// ConsentConfig controls consent handling.
type ConsentConfig struct {
	// RespectDoNotTrack halts tracking when the runtime asserts DNT.
	RespectDoNotTrack bool `yaml:"respect_do_not_track"`
	// Version tags new consent grants.
	Version string `yaml:"version"`
	// RetentionDays is the advertised data retention window.
	RetentionDays int `yaml:"retention_days"`
}

// FingerprintConfig controls device identification.
type FingerprintConfig struct {
	Enabled bool `yaml:"enabled"`
	// Timeout bounds multi-signal resolution before falling back.
	Timeout time.Duration `yaml:"timeout"`
	// CacheTTL is how long a resolved fingerprint stays valid.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// ThrottleConfig controls the rate governor.
type ThrottleConfig struct {
	PerSecond int `yaml:"per_second"`
	PerMinute int `yaml:"per_minute"`
	// Burst is the reserve admitted for high-priority events when the
	// standard budgets are exhausted.
	Burst int `yaml:"burst"`
	// Strategy is applied to throttled events: drop | queue | sample.
	Strategy string `yaml:"strategy"`
	// ReconcileInterval is the backlog drain tick.
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	// BacklogMax caps the queue-strategy backlog.
	BacklogMax int `yaml:"backlog_max"`
}

// QueueConfig controls the event queue and batcher.
type QueueConfig struct {
	MaxSize       int           `yaml:"max_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	// Staleness is the age past which queued events are discarded.
	Staleness time.Duration `yaml:"staleness"`
}

// TransportConfig controls the collector connection.
type TransportConfig struct {
	// Compression is gzip | none.
	Compression     string        `yaml:"compression"`
	MaxPayloadBytes int           `yaml:"max_payload_bytes"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	// BackoffBase is doubled per reconnect attempt.
	BackoffBase time.Duration `yaml:"backoff_base"`
	// MaxReconnectAttempts bounds automatic reconnection until the
	// next explicit connect.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
	// AckTimeout bounds the send/ack round trip.
	AckTimeout time.Duration `yaml:"ack_timeout"`
}

// PrivacyConfig controls field sanitization.
type PrivacyConfig struct {
	// Denylist fields are stripped from payloads before admission.
	Denylist []string `yaml:"denylist"`
	// AnonymizeIPs reduces address-like fields to their subnet.
	AnonymizeIPs bool `yaml:"anonymize_ips"`
	// HashSalt salts pseudonymized identifiers.
	HashSalt string `yaml:"hash_salt"`
}

// StorageConfig selects the device-local state backend.
type StorageConfig struct {
	// Backend is memory | file | redis.
	Backend string      `yaml:"backend"`
	Dir     string      `yaml:"dir"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig for the redis storage backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TelemetryConfig for optional self-observability export.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	pulseDir := filepath.Join(homeDir, ".pulse")

	return &Config{
		Version:    1,
		Endpoint:   "localhost:4817",
		SampleRate: 1.0,
		Session: SessionConfig{
			Timeout: 30 * time.Minute,
		},
		Consent: ConsentConfig{
			RespectDoNotTrack: true,
			Version:           "1.0",
			RetentionDays:     90,
		},
		Fingerprint: FingerprintConfig{
			Enabled:  true,
			Timeout:  2 * time.Second,
			CacheTTL: 24 * time.Hour,
		},
		Throttle: ThrottleConfig{
			PerSecond:         10,
			PerMinute:         300,
			Burst:             5,
			Strategy:          "queue",
			ReconcileInterval: 100 * time.Millisecond,
			BacklogMax:        1000,
		},
		Queue: QueueConfig{
			MaxSize:       500,
			BatchSize:     25,
			FlushInterval: 10 * time.Second,
			Staleness:     5 * time.Minute,
		},
		Transport: TransportConfig{
			Compression:          "gzip",
			MaxPayloadBytes:      1 << 20,
			DialTimeout:          5 * time.Second,
			BackoffBase:          time.Second,
			MaxReconnectAttempts: 5,
			AckTimeout:           5 * time.Second,
		},
		Privacy: PrivacyConfig{
			Denylist:     []string{"password", "token", "secret", "card_number", "cvv", "email"},
			AnonymizeIPs: true,
		},
		Storage: StorageConfig{
			Backend: "file",
			Dir:     pulseDir,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "pulse",
		},
	}
}

// Validate checks option values that have a constrained domain.
func (c *Config) Validate() error {
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return errors.New(errors.CodeConfigInvalid, "sample_rate outside [0,1]").
			WithContext("sample_rate", c.SampleRate)
	}
	switch c.Throttle.Strategy {
	case "drop", "queue", "sample":
	default:
		return errors.New(errors.CodeConfigInvalid, "unknown throttle strategy").
			WithContext("strategy", c.Throttle.Strategy)
	}
	if c.Throttle.PerSecond <= 0 || c.Throttle.PerMinute <= 0 {
		return errors.New(errors.CodeConfigInvalid, "throttle budgets must be positive")
	}
	if c.Queue.MaxSize <= 0 || c.Queue.BatchSize <= 0 {
		return errors.New(errors.CodeConfigInvalid, "queue sizes must be positive")
	}
	if c.Queue.BatchSize > c.Queue.MaxSize {
		return errors.New(errors.CodeConfigInvalid, "batch_size exceeds queue max_size").
			WithContext("batch_size", c.Queue.BatchSize).
			WithContext("max_size", c.Queue.MaxSize)
	}
	switch c.Transport.Compression {
	case "gzip", "none":
	default:
		return errors.New(errors.CodeConfigInvalid, "unknown compression").
			WithContext("compression", c.Transport.Compression)
	}
	switch c.Storage.Backend {
	case "memory", "file", "redis":
	default:
		return errors.New(errors.CodeConfigInvalid, "unknown storage backend").
			WithContext("backend", c.Storage.Backend)
	}
	return nil
}

// Manager handles configuration loading and merging.
type Manager struct {
	mu     sync.RWMutex
	config *Config
	paths  []string // Paths that were loaded
}

// NewManager creates a new configuration manager.
func NewManager() *Manager {
	return &Manager{
		config: Default(),
	}
}

// Load loads configuration from all sources in priority order.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Start with defaults
	m.config = Default()

	// Load from paths in order (later overrides earlier)
	paths := m.getConfigPaths()
	for _, path := range paths {
		if err := m.loadFile(path); err != nil {
			// Ignore missing files, but surface errors for existing files
			if !os.IsNotExist(err) {
				return err
			}
		} else {
			m.paths = append(m.paths, path)
		}
	}

	// Override with environment variables
	m.loadEnv()

	// Ensure directories exist
	m.ensureDirs()

	return m.config.Validate()
}

// getConfigPaths returns config file paths in priority order.
func (m *Manager) getConfigPaths() []string {
	var paths []string

	// System config
	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/pulse/config.yaml")
	}

	// User config
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".pulse", "config.yaml"))
	}

	// Project config (current directory)
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".pulse.yaml"))
	}

	return paths
}

// loadFile loads a single config file and merges it.
func (m *Manager) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var partial Config
	if err := yaml.Unmarshal(data, &partial); err != nil {
		return err
	}

	// Merge non-zero values
	m.merge(&partial)
	return nil
}

// merge merges non-zero values from src into config.
func (m *Manager) merge(src *Config) {
	if src.Endpoint != "" {
		m.config.Endpoint = src.Endpoint
	}
	if src.SampleRate != 0 {
		m.config.SampleRate = src.SampleRate
	}

	// Filters
	if len(src.Filters.Include) > 0 {
		m.config.Filters.Include = src.Filters.Include
	}
	if len(src.Filters.Exclude) > 0 {
		m.config.Filters.Exclude = src.Filters.Exclude
	}

	// Session
	if src.Session.Timeout != 0 {
		m.config.Session.Timeout = src.Session.Timeout
	}

	// Consent
	if src.Consent.Version != "" {
		m.config.Consent.Version = src.Consent.Version
	}
	if src.Consent.RetentionDays != 0 {
		m.config.Consent.RetentionDays = src.Consent.RetentionDays
	}

	// Fingerprint
	if src.Fingerprint.Timeout != 0 {
		m.config.Fingerprint.Timeout = src.Fingerprint.Timeout
	}
	if src.Fingerprint.CacheTTL != 0 {
		m.config.Fingerprint.CacheTTL = src.Fingerprint.CacheTTL
	}

	// Throttle
	if src.Throttle.PerSecond != 0 {
		m.config.Throttle.PerSecond = src.Throttle.PerSecond
	}
	if src.Throttle.PerMinute != 0 {
		m.config.Throttle.PerMinute = src.Throttle.PerMinute
	}
	if src.Throttle.Burst != 0 {
		m.config.Throttle.Burst = src.Throttle.Burst
	}
	if src.Throttle.Strategy != "" {
		m.config.Throttle.Strategy = src.Throttle.Strategy
	}
	if src.Throttle.ReconcileInterval != 0 {
		m.config.Throttle.ReconcileInterval = src.Throttle.ReconcileInterval
	}
	if src.Throttle.BacklogMax != 0 {
		m.config.Throttle.BacklogMax = src.Throttle.BacklogMax
	}

	// Queue
	if src.Queue.MaxSize != 0 {
		m.config.Queue.MaxSize = src.Queue.MaxSize
	}
	if src.Queue.BatchSize != 0 {
		m.config.Queue.BatchSize = src.Queue.BatchSize
	}
	if src.Queue.FlushInterval != 0 {
		m.config.Queue.FlushInterval = src.Queue.FlushInterval
	}
	if src.Queue.Staleness != 0 {
		m.config.Queue.Staleness = src.Queue.Staleness
	}

	// Transport
	if src.Transport.Compression != "" {
		m.config.Transport.Compression = src.Transport.Compression
	}
	if src.Transport.MaxPayloadBytes != 0 {
		m.config.Transport.MaxPayloadBytes = src.Transport.MaxPayloadBytes
	}
	if src.Transport.DialTimeout != 0 {
		m.config.Transport.DialTimeout = src.Transport.DialTimeout
	}
	if src.Transport.BackoffBase != 0 {
		m.config.Transport.BackoffBase = src.Transport.BackoffBase
	}
	if src.Transport.MaxReconnectAttempts != 0 {
		m.config.Transport.MaxReconnectAttempts = src.Transport.MaxReconnectAttempts
	}
	if src.Transport.AckTimeout != 0 {
		m.config.Transport.AckTimeout = src.Transport.AckTimeout
	}

	// Privacy
	if len(src.Privacy.Denylist) > 0 {
		m.config.Privacy.Denylist = src.Privacy.Denylist
	}
	if src.Privacy.HashSalt != "" {
		m.config.Privacy.HashSalt = src.Privacy.HashSalt
	}

	// Storage
	if src.Storage.Backend != "" {
		m.config.Storage.Backend = src.Storage.Backend
	}
	if src.Storage.Dir != "" {
		m.config.Storage.Dir = src.Storage.Dir
	}
	if src.Storage.Redis.Addr != "" {
		m.config.Storage.Redis = src.Storage.Redis
	}

	// Telemetry
	if src.Telemetry.Endpoint != "" {
		m.config.Telemetry.Endpoint = src.Telemetry.Endpoint
	}
	if src.Telemetry.ServiceName != "" {
		m.config.Telemetry.ServiceName = src.Telemetry.ServiceName
	}
}

// loadEnv loads configuration from environment variables.
func (m *Manager) loadEnv() {
	if v := os.Getenv("PULSE_ENDPOINT"); v != "" {
		m.config.Endpoint = v
	}

	if v := os.Getenv("PULSE_SAMPLE_RATE"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			m.config.SampleRate = rate
		}
	}

	if v := os.Getenv("PULSE_STRATEGY"); v != "" {
		m.config.Throttle.Strategy = v
	}

	if v := os.Getenv("PULSE_STORAGE"); v != "" {
		m.config.Storage.Backend = v
	}

	if v := os.Getenv("PULSE_STORAGE_DIR"); v != "" {
		m.config.Storage.Dir = v
	}

	if v := os.Getenv("PULSE_REDIS_ADDR"); v != "" {
		m.config.Storage.Redis.Addr = v
	}

	if v := os.Getenv("PULSE_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			m.config.Queue.FlushInterval = d
		}
	}

	if v := os.Getenv("PULSE_OTLP_ENDPOINT"); v != "" {
		m.config.Telemetry.Enabled = true
		m.config.Telemetry.Endpoint = v
	}
}

// ensureDirs creates necessary directories.
func (m *Manager) ensureDirs() {
	if m.config.Storage.Backend == "file" && m.config.Storage.Dir != "" {
		os.MkdirAll(m.config.Storage.Dir, 0755)
	}
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetPaths returns the paths that were loaded.
func (m *Manager) GetPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paths
}

// Save writes the current config to the user config file.
func (m *Manager) Save() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	configDir := filepath.Join(home, ".pulse")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(m.config)
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(configDir, "config.yaml"), data, 0644)
}

// FilePath returns the user config file location.
func FilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pulse.yaml"
	}
	return filepath.Join(home, ".pulse", "config.yaml")
}

// Global instance
var (
	globalManager *Manager
	globalOnce    sync.Once
)

// Global returns the global configuration manager.
func Global() *Manager {
	globalOnce.Do(func() {
		globalManager = NewManager()
		globalManager.Load()
	})
	return globalManager
}

// String renders a short summary for diagnostics.
func (c *Config) String() string {
	return fmt.Sprintf("endpoint=%s sample=%.2f strategy=%s queue=%d batch=%d",
		c.Endpoint, c.SampleRate, c.Throttle.Strategy, c.Queue.MaxSize, c.Queue.BatchSize)
}
