package tracker

import (
	"sync"
	"time"

	"github.com/pulsekit/pulse/pkg/errors"
	"github.com/pulsekit/pulse/pkg/event"
	"github.com/pulsekit/pulse/pkg/session"
)

const (
	rageWindow    = time.Second
	rageThreshold = 3
)

var scrollMilestones = [...]int{25, 50, 75, 100}

// TrackEvent captures one event of any known type. The typed wrappers
// below cover the common cases; this is the generic entry for the rest.
func (t *Tracker) TrackEvent(typ event.Type, p event.Payload) {
	t.capture(typ, p)
}

// Track captures a host-defined custom event.
func (t *Tracker) Track(name string, fields map[string]any) {
	t.capture(event.TypeCustom, &event.CustomPayload{Name: name, Fields: fields})
}

// TrackPageView records a navigation. The previous page becomes the
// referrer and scroll milestones start over.
func (t *Tracker) TrackPageView(path, title string) {
	t.mu.Lock()
	if t.pageCtx.URL != "" {
		t.pageCtx.Referrer = t.pageCtx.URL
	}
	t.pageCtx.URL = path
	t.mu.Unlock()

	t.scroll.reset()
	t.sessions.RecordPageView()
	t.capture(event.TypePageView, &event.PageViewPayload{Path: path, Title: title})
}

// TrackClick records an interaction with an element. Three clicks on
// the same element within a second additionally emit a rage click.
func (t *Tracker) TrackClick(element string) {
	t.capture(event.TypeClick, &event.ClickPayload{Element: element})

	if count, span, burst := t.rage.observe(element, t.now()); burst {
		t.capture(event.TypeRageClick, &event.RageClickPayload{
			Element:      element,
			Count:        count,
			WindowMillis: span.Milliseconds(),
		})
	}
}

// TrackScroll records scroll depth as a percentage of the page. Each
// quarter milestone is emitted once per page view.
func (t *Tracker) TrackScroll(percent int) {
	for _, m := range t.scroll.crossed(percent) {
		t.capture(event.TypeScrollMilestone, &event.ScrollMilestonePayload{Percent: m})
	}
}

// TrackError records an application error.
func (t *Tracker) TrackError(err error) {
	if err == nil {
		return
	}
	t.capture(event.TypeError, &event.ErrorPayload{
		Message: err.Error(),
		Fatal:   errors.IsFatal(err),
	})
}

// TrackSearch records a search and its result count.
func (t *Tracker) TrackSearch(query string, results int) {
	t.capture(event.TypeSearch, &event.SearchPayload{Query: query, Results: results})
}

// TrackServiceView records a service detail view.
func (t *Tracker) TrackServiceView(serviceID, name string) {
	t.capture(event.TypeServiceView, &event.ServiceViewPayload{ServiceID: serviceID, Name: name})
}

// TrackFormSubmit records a form submission attempt.
func (t *Tracker) TrackFormSubmit(form string, fields int, valid bool) {
	t.capture(event.TypeFormSubmit, &event.FormSubmitPayload{Form: form, Fields: fields, Valid: valid})
}

// TrackBookingStarted records entry into the booking funnel.
func (t *Tracker) TrackBookingStarted(bookingID, serviceID string) {
	t.capture(event.TypeBookingStarted, &event.BookingStartedPayload{
		BookingID: bookingID,
		ServiceID: serviceID,
	})
}

// TrackBookingStep records progress through the booking funnel.
func (t *Tracker) TrackBookingStep(bookingID, step string, index int) {
	t.capture(event.TypeBookingStep, &event.BookingStepPayload{
		BookingID: bookingID,
		Step:      step,
		StepIndex: index,
	})
}

// TrackBookingCompleted records a completed booking.
func (t *Tracker) TrackBookingCompleted(bookingID string, amountCents int64, currency string) {
	t.capture(event.TypeBookingCompleted, &event.BookingCompletedPayload{
		BookingID:   bookingID,
		AmountCents: amountCents,
		Currency:    currency,
	})
}

// TrackBookingAbandoned records a booking funnel exit.
func (t *Tracker) TrackBookingAbandoned(bookingID, step string) {
	t.capture(event.TypeBookingAbandoned, &event.BookingAbandonedPayload{
		BookingID: bookingID,
		Step:      step,
	})
}

// TrackTiming records a performance timing sample.
func (t *Tracker) TrackTiming(metric string, millis int64) {
	t.capture(event.TypePerfTiming, &event.PerfTimingPayload{Metric: metric, Millis: millis})
}

// EndSession closes the active session, emitting its lifecycle event.
// A fresh session starts lazily on the next tracked event.
func (t *Tracker) EndSession() {
	t.sessions.End(session.ReasonUnload)
}

// rageDetector watches for repeated clicks on one element. A burst
// fires once, then the window starts over.
type rageDetector struct {
	mu      sync.Mutex
	element string
	clicks  []time.Time
	window  time.Duration
}

func (r *rageDetector) observe(element string, now time.Time) (count int, span time.Duration, burst bool) {
	if element == "" {
		return 0, 0, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if element != r.element {
		r.element = element
		r.clicks = r.clicks[:0]
	}
	r.clicks = append(r.clicks, now)

	cutoff := now.Add(-r.window)
	keep := 0
	for keep < len(r.clicks) && r.clicks[keep].Before(cutoff) {
		keep++
	}
	r.clicks = r.clicks[keep:]

	if len(r.clicks) < rageThreshold {
		return 0, 0, false
	}
	count = len(r.clicks)
	span = now.Sub(r.clicks[0])
	r.clicks = r.clicks[:0]
	return count, span, true
}

// scrollTracker emits each depth milestone once per page view.
type scrollTracker struct {
	mu   sync.Mutex
	seen map[int]bool
}

func (s *scrollTracker) reset() {
	s.mu.Lock()
	s.seen = make(map[int]bool, len(scrollMilestones))
	s.mu.Unlock()
}

func (s *scrollTracker) crossed(percent int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen == nil {
		s.seen = make(map[int]bool, len(scrollMilestones))
	}

	var out []int
	for _, m := range scrollMilestones {
		if percent >= m && !s.seen[m] {
			s.seen[m] = true
			out = append(out, m)
		}
	}
	return out
}
