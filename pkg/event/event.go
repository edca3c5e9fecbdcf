// Package event defines the telemetry event model: the closed set of
// event kinds, their priority tiers, and the typed payload carried by
// each kind.
package event

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of a telemetry event.
type Type string

// Page events.
const (
	// TypePageView records a page becoming visible.
	TypePageView Type = "page.view"
	// TypeScrollMilestone records scroll depth crossing a milestone.
	TypeScrollMilestone Type = "page.scroll_milestone"
	// TypeExitIntent records the pointer leaving toward browser chrome.
	TypeExitIntent Type = "page.exit_intent"
)

// Interaction events.
const (
	// TypeClick records a single element click.
	TypeClick Type = "ui.click"
	// TypeRageClick records repeated rapid clicks on one element.
	TypeRageClick Type = "ui.rage_click"
	// TypeFormField records focus, blur, or change on a form field.
	TypeFormField Type = "form.field"
	// TypeFormSubmit records a form submission attempt.
	TypeFormSubmit Type = "form.submit"
	// TypeSearch records a search being performed.
	TypeSearch Type = "search.performed"
)

// Catalog and funnel events.
const (
	// TypeServiceView records a service detail page view.
	TypeServiceView Type = "service.view"
	// TypeBookingStarted records entry into the booking funnel.
	TypeBookingStarted Type = "booking.started"
	// TypeBookingStep records progress to a booking funnel step.
	TypeBookingStep Type = "booking.step"
	// TypeBookingCompleted records a finished booking.
	TypeBookingCompleted Type = "booking.completed"
	// TypeBookingAbandoned records the funnel being left before completion.
	TypeBookingAbandoned Type = "booking.abandoned"
)

// Performance events.
const (
	// TypePerfTiming records a navigation or paint timing metric.
	TypePerfTiming Type = "perf.timing"
	// TypePerfResource records a slow resource load.
	TypePerfResource Type = "perf.resource"
	// TypeLongTask records a task blocking the main thread.
	TypeLongTask Type = "perf.long_task"
)

// Diagnostic and lifecycle events.
const (
	// TypeError records an application error.
	TypeError Type = "error.app"
	// TypeSessionStarted records the start of a tracking session.
	TypeSessionStarted Type = "session.started"
	// TypeSessionEnded records the end of a tracking session.
	TypeSessionEnded Type = "session.ended"
	// TypeConsentChanged records a consent grant or revocation.
	TypeConsentChanged Type = "consent.changed"
	// TypeCustom records a host-defined event.
	TypeCustom Type = "custom"
)

// Priority is the admission tier of an event type.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority parses a priority name, defaulting to low.
func ParsePriority(s string) Priority {
	switch strings.ToLower(s) {
	case "high":
		return PriorityHigh
	case "medium":
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// IsValid reports whether the type is part of the closed event set.
func (t Type) IsValid() bool {
	_, ok := registry[t]
	return ok
}

// Domain returns the domain prefix of the event type (e.g. "page", "booking").
func (t Type) Domain() string {
	for i, c := range t {
		if c == '.' {
			return string(t[:i])
		}
	}
	return string(t)
}

// Priority returns the static admission tier for the event type.
// Errors and funnel completions are high; page and funnel progress are
// medium; passive interaction and performance signals are low.
func (t Type) Priority() Priority {
	switch t {
	case TypeError, TypeBookingCompleted, TypeBookingAbandoned, TypeConsentChanged:
		return PriorityHigh
	case TypePageView, TypeSearch, TypeServiceView, TypeFormSubmit, TypeRageClick,
		TypeBookingStarted, TypeBookingStep, TypeSessionStarted, TypeSessionEnded,
		TypeCustom:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Types returns all event types in the closed set.
func Types() []Type {
	out := make([]Type, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	return out
}

// Viewport is the visible page area in CSS pixels.
type Viewport struct {
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`
}

// Context carries page-level fields captured with every event.
type Context struct {
	URL      string   `json:"url,omitempty"`
	Referrer string   `json:"referrer,omitempty"`
	Viewport Viewport `json:"viewport,omitempty"`
	Language string   `json:"language,omitempty"`
}

// Event is an immutable telemetry record. Identity and timestamp are
// fixed at creation; only the admission outcome changes afterwards.
type Event struct {
	// ID is the unique event identifier (UUIDv7, time-ordered).
	ID string `json:"id"`
	// Type identifies the kind of event.
	Type Type `json:"type"`
	// Timestamp is when the event was observed.
	Timestamp time.Time `json:"timestamp"`
	// SessionID is the session that owns the event. Events queued
	// before a session rollover keep their original session id.
	SessionID string `json:"session_id,omitempty"`
	// UserID is the host-assigned user identifier, if known.
	UserID string `json:"user_id,omitempty"`
	// Fingerprint is the resolved device identifier, if permitted.
	Fingerprint string `json:"fingerprint,omitempty"`
	// Context carries page-level capture context.
	Context Context `json:"context"`
	// Payload holds the kind-specific data.
	Payload Payload `json:"payload,omitempty"`
}

// New builds an event envelope with a fresh identifier and the current
// time. The payload may be nil for kinds with no extra data.
func New(t Type, p Payload) Event {
	return Event{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Payload:   p,
	}
}

// Priority returns the admission tier of the event.
func (e Event) Priority() Priority {
	return e.Type.Priority()
}

// Age returns how long ago the event was captured.
func (e Event) Age(now time.Time) time.Duration {
	return now.Sub(e.Timestamp)
}
