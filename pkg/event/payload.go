package event

import (
	"encoding/json"
	"time"

	"github.com/pulsekit/pulse/pkg/errors"
)

// Payload is the closed union of kind-specific event data. Only types
// in this package satisfy it; hosts extend via CustomPayload fields.
type Payload interface {
	// Kind returns the event type the payload belongs to.
	Kind() Type

	isPayload()
}

// PageViewPayload captures the payload for page.view events.
type PageViewPayload struct {
	Title      string `json:"title,omitempty"`
	Path       string `json:"path"`
	LoadMillis int64  `json:"load_millis,omitempty"`
}

// ScrollMilestonePayload captures the payload for page.scroll_milestone events.
type ScrollMilestonePayload struct {
	// Percent is the crossed milestone: 25, 50, 75, or 100.
	Percent    int `json:"percent"`
	PixelDepth int `json:"pixel_depth,omitempty"`
}

// ExitIntentPayload captures the payload for page.exit_intent events.
type ExitIntentPayload struct {
	SecondsOnPage int `json:"seconds_on_page"`
	ScrollPercent int `json:"scroll_percent,omitempty"`
}

// ClickPayload captures the payload for ui.click events.
type ClickPayload struct {
	Element   string `json:"element"`
	ElementID string `json:"element_id,omitempty"`
	Text      string `json:"text,omitempty"`
	X         int    `json:"x,omitempty"`
	Y         int    `json:"y,omitempty"`
}

// RageClickPayload captures the payload for ui.rage_click events.
type RageClickPayload struct {
	Element      string `json:"element"`
	Count        int    `json:"count"`
	WindowMillis int64  `json:"window_millis"`
}

// FormFieldPayload captures the payload for form.field events.
type FormFieldPayload struct {
	Form  string `json:"form"`
	Field string `json:"field"`
	// Action is one of "focus", "blur", "change".
	Action string `json:"action"`
	// ValueLength is recorded instead of the value itself.
	ValueLength int `json:"value_length,omitempty"`
}

// FormSubmitPayload captures the payload for form.submit events.
type FormSubmitPayload struct {
	Form         string `json:"form"`
	Fields       int    `json:"fields"`
	Valid        bool   `json:"valid"`
	FirstInvalid string `json:"first_invalid,omitempty"`
}

// SearchPayload captures the payload for search.performed events.
type SearchPayload struct {
	Query   string `json:"query"`
	Results int    `json:"results"`
}

// ServiceViewPayload captures the payload for service.view events.
type ServiceViewPayload struct {
	ServiceID  string `json:"service_id"`
	Name       string `json:"name,omitempty"`
	Category   string `json:"category,omitempty"`
	PriceCents int64  `json:"price_cents,omitempty"`
	Currency   string `json:"currency,omitempty"`
}

// BookingStartedPayload captures the payload for booking.started events.
type BookingStartedPayload struct {
	BookingID string `json:"booking_id"`
	ServiceID string `json:"service_id,omitempty"`
}

// BookingStepPayload captures the payload for booking.step events.
type BookingStepPayload struct {
	BookingID string `json:"booking_id"`
	Step      string `json:"step"`
	StepIndex int    `json:"step_index"`
	// Direction is "forward" or "back".
	Direction string `json:"direction,omitempty"`
}

// BookingCompletedPayload captures the payload for booking.completed events.
type BookingCompletedPayload struct {
	BookingID     string `json:"booking_id"`
	ServiceID     string `json:"service_id,omitempty"`
	AmountCents   int64  `json:"amount_cents,omitempty"`
	Currency      string `json:"currency,omitempty"`
	FunnelSeconds int    `json:"funnel_seconds,omitempty"`
}

// BookingAbandonedPayload captures the payload for booking.abandoned events.
type BookingAbandonedPayload struct {
	BookingID     string `json:"booking_id"`
	Step          string `json:"step,omitempty"`
	FunnelSeconds int    `json:"funnel_seconds,omitempty"`
}

// PerfTimingPayload captures the payload for perf.timing events.
type PerfTimingPayload struct {
	// Metric names the timing, e.g. "ttfb", "dom_ready", "first_paint".
	Metric string `json:"metric"`
	Millis int64  `json:"millis"`
	Path   string `json:"path,omitempty"`
}

// PerfResourcePayload captures the payload for perf.resource events.
type PerfResourcePayload struct {
	Resource     string `json:"resource"`
	ResourceKind string `json:"kind,omitempty"`
	Millis       int64  `json:"millis"`
	Bytes        int64  `json:"bytes,omitempty"`
}

// LongTaskPayload captures the payload for perf.long_task events.
type LongTaskPayload struct {
	Millis int64  `json:"millis"`
	Source string `json:"source,omitempty"`
}

// ErrorPayload captures the payload for error.app events.
type ErrorPayload struct {
	Message string `json:"message"`
	Source  string `json:"source,omitempty"`
	Stack   string `json:"stack,omitempty"`
	Fatal   bool   `json:"fatal,omitempty"`
}

// SessionStartedPayload captures the payload for session.started events.
type SessionStartedPayload struct {
	Entry    string `json:"entry,omitempty"`
	Referrer string `json:"referrer,omitempty"`
	Campaign string `json:"campaign,omitempty"`
}

// SessionEndedPayload captures the payload for session.ended events.
type SessionEndedPayload struct {
	DurationSeconds int64 `json:"duration_seconds"`
	PageViews       int   `json:"page_views"`
	Events          int64 `json:"events"`
	// Reason is "timeout", "unload", or "explicit".
	Reason string `json:"reason,omitempty"`
}

// ConsentChangedPayload captures the payload for consent.changed events.
type ConsentChangedPayload struct {
	Granted bool   `json:"granted"`
	Version string `json:"version,omitempty"`
}

// CustomPayload captures the payload for host-defined custom events.
type CustomPayload struct {
	Name   string         `json:"name"`
	Fields map[string]any `json:"fields,omitempty"`
}

func (PageViewPayload) Kind() Type         { return TypePageView }
func (ScrollMilestonePayload) Kind() Type  { return TypeScrollMilestone }
func (ExitIntentPayload) Kind() Type       { return TypeExitIntent }
func (ClickPayload) Kind() Type            { return TypeClick }
func (RageClickPayload) Kind() Type        { return TypeRageClick }
func (FormFieldPayload) Kind() Type        { return TypeFormField }
func (FormSubmitPayload) Kind() Type       { return TypeFormSubmit }
func (SearchPayload) Kind() Type           { return TypeSearch }
func (ServiceViewPayload) Kind() Type      { return TypeServiceView }
func (BookingStartedPayload) Kind() Type   { return TypeBookingStarted }
func (BookingStepPayload) Kind() Type      { return TypeBookingStep }
func (BookingCompletedPayload) Kind() Type { return TypeBookingCompleted }
func (BookingAbandonedPayload) Kind() Type { return TypeBookingAbandoned }
func (PerfTimingPayload) Kind() Type       { return TypePerfTiming }
func (PerfResourcePayload) Kind() Type     { return TypePerfResource }
func (LongTaskPayload) Kind() Type         { return TypeLongTask }
func (ErrorPayload) Kind() Type            { return TypeError }
func (SessionStartedPayload) Kind() Type   { return TypeSessionStarted }
func (SessionEndedPayload) Kind() Type     { return TypeSessionEnded }
func (ConsentChangedPayload) Kind() Type   { return TypeConsentChanged }
func (CustomPayload) Kind() Type           { return TypeCustom }

func (PageViewPayload) isPayload()         {}
func (ScrollMilestonePayload) isPayload()  {}
func (ExitIntentPayload) isPayload()       {}
func (ClickPayload) isPayload()            {}
func (RageClickPayload) isPayload()        {}
func (FormFieldPayload) isPayload()        {}
func (FormSubmitPayload) isPayload()       {}
func (SearchPayload) isPayload()           {}
func (ServiceViewPayload) isPayload()      {}
func (BookingStartedPayload) isPayload()   {}
func (BookingStepPayload) isPayload()      {}
func (BookingCompletedPayload) isPayload() {}
func (BookingAbandonedPayload) isPayload() {}
func (PerfTimingPayload) isPayload()       {}
func (PerfResourcePayload) isPayload()     {}
func (LongTaskPayload) isPayload()         {}
func (ErrorPayload) isPayload()            {}
func (SessionStartedPayload) isPayload()   {}
func (SessionEndedPayload) isPayload()     {}
func (ConsentChangedPayload) isPayload()   {}
func (CustomPayload) isPayload()           {}

// registry maps each event type to a factory for its payload type.
var registry = map[Type]func() Payload{
	TypePageView:         func() Payload { return &PageViewPayload{} },
	TypeScrollMilestone:  func() Payload { return &ScrollMilestonePayload{} },
	TypeExitIntent:       func() Payload { return &ExitIntentPayload{} },
	TypeClick:            func() Payload { return &ClickPayload{} },
	TypeRageClick:        func() Payload { return &RageClickPayload{} },
	TypeFormField:        func() Payload { return &FormFieldPayload{} },
	TypeFormSubmit:       func() Payload { return &FormSubmitPayload{} },
	TypeSearch:           func() Payload { return &SearchPayload{} },
	TypeServiceView:      func() Payload { return &ServiceViewPayload{} },
	TypeBookingStarted:   func() Payload { return &BookingStartedPayload{} },
	TypeBookingStep:      func() Payload { return &BookingStepPayload{} },
	TypeBookingCompleted: func() Payload { return &BookingCompletedPayload{} },
	TypeBookingAbandoned: func() Payload { return &BookingAbandonedPayload{} },
	TypePerfTiming:       func() Payload { return &PerfTimingPayload{} },
	TypePerfResource:     func() Payload { return &PerfResourcePayload{} },
	TypeLongTask:         func() Payload { return &LongTaskPayload{} },
	TypeError:            func() Payload { return &ErrorPayload{} },
	TypeSessionStarted:   func() Payload { return &SessionStartedPayload{} },
	TypeSessionEnded:     func() Payload { return &SessionEndedPayload{} },
	TypeConsentChanged:   func() Payload { return &ConsentChangedPayload{} },
	TypeCustom:           func() Payload { return &CustomPayload{} },
}

// DecodePayload decodes raw JSON into the typed payload for t. A nil
// or null payload decodes to nil.
func DecodePayload(t Type, data []byte) (Payload, error) {
	factory, ok := registry[t]
	if !ok {
		return nil, errors.New(errors.CodeInvalidEvent, "unknown event type").
			WithContext("type", string(t))
	}
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	p := factory()
	if err := json.Unmarshal(data, p); err != nil {
		return nil, errors.Wrap(err, errors.CodeEncodeFailed, "decode payload").
			WithContext("type", string(t))
	}
	return p, nil
}

// UnmarshalJSON decodes an event envelope, resolving the payload to
// its concrete type via the event type.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID          string          `json:"id"`
		Type        Type            `json:"type"`
		Timestamp   time.Time       `json:"timestamp"`
		SessionID   string          `json:"session_id"`
		UserID      string          `json:"user_id"`
		Fingerprint string          `json:"fingerprint"`
		Context     Context         `json:"context"`
		Payload     json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, errors.CodeEncodeFailed, "decode event")
	}

	payload, err := DecodePayload(raw.Type, raw.Payload)
	if err != nil {
		return err
	}

	e.ID = raw.ID
	e.Type = raw.Type
	e.Timestamp = raw.Timestamp
	e.SessionID = raw.SessionID
	e.UserID = raw.UserID
	e.Fingerprint = raw.Fingerprint
	e.Context = raw.Context
	e.Payload = payload
	return nil
}
