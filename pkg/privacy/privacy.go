// Package privacy sanitizes events before they leave the facade:
// denylisted fields are stripped, network addresses are reduced to their
// containing subnet, and identifiers can be pseudonymized with a salted
// hash. Sanitization never fails; when a payload cannot be processed it
// is removed entirely rather than sent unscrubbed.
package privacy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/netip"
	"net/url"
	"strings"
	"sync"

	"github.com/pulsekit/pulse/pkg/event"
)

// Config controls field sanitization.
type Config struct {
	// Denylist fields are stripped from payloads, matched case-insensitively.
	Denylist []string `yaml:"denylist"`
	// AnonymizeIPs reduces address-like values to their subnet.
	AnonymizeIPs bool `yaml:"anonymize_ips"`
	// HashSalt salts pseudonymized identifiers. Empty disables hashing.
	HashSalt string `yaml:"hash_salt"`
}

// DefaultConfig returns the standard sanitization settings.
func DefaultConfig() Config {
	return Config{
		Denylist:     []string{"password", "token", "secret", "card_number", "cvv", "email"},
		AnonymizeIPs: true,
	}
}

// Sanitizer applies the configured privacy policy to events.
type Sanitizer struct {
	denylist     map[string]bool
	anonymizeIPs bool
	salt         []byte

	mu    sync.RWMutex
	cache map[string]string
}

// NewSanitizer creates a sanitizer from cfg.
func NewSanitizer(cfg Config) *Sanitizer {
	denylist := make(map[string]bool, len(cfg.Denylist))
	for _, field := range cfg.Denylist {
		denylist[strings.ToLower(field)] = true
	}
	return &Sanitizer{
		denylist:     denylist,
		anonymizeIPs: cfg.AnonymizeIPs,
		salt:         []byte(cfg.HashSalt),
		cache:        make(map[string]string),
	}
}

// Clean returns a sanitized copy of the payload for an event of type t.
// The payload is walked through its generic form so every nested field is
// covered regardless of kind. A payload that cannot be processed comes
// back nil: dropping data is acceptable, leaking it is not.
func (s *Sanitizer) Clean(t event.Type, p event.Payload) event.Payload {
	if p == nil {
		return nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil
	}

	scrubbed, err := json.Marshal(s.scrub(generic))
	if err != nil {
		return nil
	}
	clean, err := event.DecodePayload(t, scrubbed)
	if err != nil {
		return nil
	}
	return clean
}

// CleanContext strips denylisted query parameters and credentials from
// the page URLs carried in the capture context.
func (s *Sanitizer) CleanContext(c event.Context) event.Context {
	c.URL = s.cleanURL(c.URL)
	c.Referrer = s.cleanURL(c.Referrer)
	return c
}

// scrub walks a decoded JSON value, dropping denylisted keys and
// anonymizing address-like strings.
func (s *Sanitizer) scrub(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for key, inner := range val {
			if s.denylist[strings.ToLower(key)] {
				delete(val, key)
				continue
			}
			val[key] = s.scrub(inner)
		}
		return val
	case []any:
		for i, inner := range val {
			val[i] = s.scrub(inner)
		}
		return val
	case string:
		if s.anonymizeIPs {
			if subnet, ok := AnonymizeIP(val); ok {
				return subnet
			}
		}
		return val
	default:
		return val
	}
}

// cleanURL removes userinfo and denylisted query parameters. Unparseable
// values pass through unchanged; they carry no structure to strip.
func (s *Sanitizer) cleanURL(raw string) string {
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = nil

	q := u.Query()
	changed := false
	for key := range q {
		if s.denylist[strings.ToLower(key)] {
			q.Del(key)
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// Hash pseudonymizes a value with a salted SHA-256, truncated for
// readability. Repeated values are served from a cache. Without a
// configured salt the value passes through unchanged.
func (s *Sanitizer) Hash(value string) string {
	if value == "" || len(s.salt) == 0 {
		return value
	}

	s.mu.RLock()
	cached, ok := s.cache[value]
	s.mu.RUnlock()
	if ok {
		return cached
	}

	h := sha256.New()
	h.Write(s.salt)
	h.Write([]byte(value))
	result := hex.EncodeToString(h.Sum(nil))[:16]

	s.mu.Lock()
	s.cache[value] = result
	s.mu.Unlock()
	return result
}

// ClearCache frees memory used by the hash cache.
func (s *Sanitizer) ClearCache() {
	s.mu.Lock()
	s.cache = make(map[string]string)
	s.mu.Unlock()
}

// AnonymizeIP reduces an IP address to the zero address of its containing
// network: /24 for IPv4, /48 for IPv6. The second return reports whether
// the value parsed as an address at all.
func AnonymizeIP(value string) (string, bool) {
	addr, err := netip.ParseAddr(value)
	if err != nil {
		return value, false
	}
	addr = addr.Unmap()

	bits := 24
	if addr.Is6() {
		bits = 48
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return value, false
	}
	return prefix.Addr().String(), true
}
