package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pulsekit/pulse/pkg/config"
	"github.com/pulsekit/pulse/pkg/errors"
	"github.com/pulsekit/pulse/pkg/event"
	"github.com/pulsekit/pulse/pkg/queue"
	"github.com/pulsekit/pulse/pkg/throttle"
	"github.com/pulsekit/pulse/pkg/transport"
)

// fakeTransport records batches instead of dialing a collector.
type fakeTransport struct {
	mu      sync.Mutex
	batches [][]event.Event
	status  transport.Status
	failing bool
	closed  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{status: transport.StatusConnected}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = transport.StatusConnected
	f.closed = false
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, events []event.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New(errors.CodeSendFailed, "send refused")
	}
	cp := make([]event.Event, len(events))
	copy(cp, events)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeTransport) Run(ctx context.Context) { <-ctx.Done() }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = transport.StatusDisconnected
	f.closed = true
	return nil
}

func (f *fakeTransport) Status() transport.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeTransport) Stats() transport.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return transport.Stats{Status: f.status}
}

func (f *fakeTransport) setStatus(s transport.Status) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
}

func (f *fakeTransport) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) sent() []event.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []event.Event
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

func (f *fakeTransport) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func countByType(events []event.Event, typ event.Type) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func newTestTracker(t *testing.T, mutate func(*config.Config)) (*Tracker, *fakeTransport) {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Backend = "memory"
	cfg.Fingerprint.Enabled = false
	cfg.Telemetry.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}
	ft := newFakeTransport()
	tr, err := New(cfg, WithTransport(ft))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr, ft
}

// grantConsent records a grant without triggering the change reaction,
// so tests start from a clean granted state.
func grantConsent(t *testing.T, tr *Tracker) {
	t.Helper()
	onChange := tr.consent.OnChange
	tr.consent.OnChange = nil
	if err := tr.consent.Update(context.Background(), true); err != nil {
		t.Fatalf("grant consent: %v", err)
	}
	tr.consent.OnChange = onChange
}

// drainIntake processes everything on the handoff channel inline, in
// place of the background loop.
func drainIntake(tr *Tracker) {
	ctx := context.Background()
	for {
		select {
		case it := <-tr.events:
			tr.process(ctx, it)
		default:
			return
		}
	}
}

// alignToSecond sleeps to the start of a fresh budget window so a
// burst of submissions cannot straddle a rollover.
func alignToSecond() {
	next := time.Now().Truncate(time.Second).Add(time.Second)
	time.Sleep(time.Until(next) + 5*time.Millisecond)
}

func TestTrackBlockedWithoutConsent(t *testing.T) {
	tr, ft := newTestTracker(t, nil)

	tr.TrackClick("checkout")
	tr.TrackPageView("/pricing", "Pricing")
	drainIntake(tr)

	if got := len(ft.sent()); got != 0 {
		t.Fatalf("sent %d events without consent", got)
	}
	s := tr.Stats()
	if s.ConsentBlocked != 2 {
		t.Errorf("ConsentBlocked = %d, want 2", s.ConsentBlocked)
	}
	if s.Captured != 0 || s.Queued != 0 {
		t.Errorf("captured=%d queued=%d, want 0/0", s.Captured, s.Queued)
	}
}

func TestTrackDeliversAfterConsent(t *testing.T) {
	tr, ft := newTestTracker(t, nil)
	grantConsent(t, tr)

	tr.TrackPageView("/pricing", "Pricing")
	tr.TrackClick("cta")
	drainIntake(tr)

	if _, err := tr.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	sent := ft.sent()
	if countByType(sent, event.TypePageView) != 1 || countByType(sent, event.TypeClick) != 1 {
		t.Fatalf("sent = %v", sent)
	}
	for _, ev := range sent {
		if ev.SessionID == "" {
			t.Errorf("%s event missing session id", ev.Type)
		}
		if ev.ID == "" || ev.Timestamp.IsZero() {
			t.Errorf("%s event missing envelope fields", ev.Type)
		}
	}
	if sent[0].SessionID != sent[1].SessionID {
		t.Error("events from one run got different session ids")
	}
}

func TestEventsInFlightAtRevocationDiscarded(t *testing.T) {
	tr, ft := newTestTracker(t, nil)
	grantConsent(t, tr)

	// Captured but not yet admitted.
	tr.TrackClick("one")
	tr.TrackClick("two")

	onChange := tr.consent.OnChange
	tr.consent.OnChange = nil
	if err := tr.consent.Update(context.Background(), false); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	tr.consent.OnChange = onChange

	drainIntake(tr)
	if _, err := tr.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if got := len(ft.sent()); got != 0 {
		t.Fatalf("sent %d events captured before revocation", got)
	}
	if s := tr.Stats(); s.ConsentBlocked != 2 {
		t.Errorf("ConsentBlocked = %d, want 2", s.ConsentBlocked)
	}
}

func TestErrorDeliveredImmediately(t *testing.T) {
	tr, ft := newTestTracker(t, func(cfg *config.Config) {
		cfg.Throttle.PerSecond = 100
	})
	grantConsent(t, tr)

	tr.TrackClick("slow-button")
	tr.TrackClick("slow-button-again")
	tr.TrackError(errors.New(errors.CodeUnknown, "render failed"))
	drainIntake(tr)

	// The error bypassed the queue; the clicks are still waiting.
	if ft.batchCount() != 1 {
		t.Fatalf("batches = %d, want 1 immediate send", ft.batchCount())
	}
	first := ft.sent()
	if len(first) != 1 || first[0].Type != event.TypeError {
		t.Fatalf("immediate batch = %v, want the error event", first)
	}
	if tr.batcher.Len() != 2 {
		t.Errorf("queued = %d, want 2 clicks", tr.batcher.Len())
	}

	if _, err := tr.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := countByType(ft.sent(), event.TypeClick); got != 2 {
		t.Errorf("clicks delivered = %d, want 2", got)
	}
}

func TestBurstReserveAdmitsHighPriority(t *testing.T) {
	tr, ft := newTestTracker(t, func(cfg *config.Config) {
		cfg.Throttle.PerSecond = 2
		cfg.Throttle.Burst = 3
		cfg.Throttle.Strategy = "drop"
	})
	grantConsent(t, tr)
	alignToSecond()

	// Exhaust the standard budget, then push high-priority errors into
	// the burst reserve.
	tr.TrackClick("a")
	tr.TrackClick("b")
	for i := 0; i < 4; i++ {
		tr.TrackError(errors.New(errors.CodeUnknown, "boom"))
	}
	drainIntake(tr)

	if got := countByType(ft.sent(), event.TypeError); got != 3 {
		t.Errorf("errors delivered = %d, want burst reserve of 3", got)
	}
	g := tr.governor.Stats()
	if g.BurstAdmitted != 3 {
		t.Errorf("BurstAdmitted = %d, want 3", g.BurstAdmitted)
	}
	s := tr.Stats()
	if s.DroppedByReason[throttle.ReasonRateLimited] != 1 {
		t.Errorf("rate_limited drops = %d, want 1 (the error past the reserve)",
			s.DroppedByReason[throttle.ReasonRateLimited])
	}
}

func TestDropStrategyDiscardsOverBudget(t *testing.T) {
	tr, _ := newTestTracker(t, func(cfg *config.Config) {
		cfg.Throttle.PerSecond = 5
		cfg.Throttle.Strategy = "drop"
	})
	grantConsent(t, tr)
	alignToSecond()

	for i := 0; i < 9; i++ {
		tr.TrackClick("spam")
	}
	drainIntake(tr)

	if got := tr.batcher.Len(); got != 5 {
		t.Errorf("admitted = %d, want exactly 5", got)
	}
	s := tr.Stats()
	if s.DroppedByReason[throttle.ReasonRateLimited] != 4 {
		t.Errorf("rate_limited = %d, want exactly 4", s.DroppedByReason[throttle.ReasonRateLimited])
	}
	if s.Dropped != 4 {
		t.Errorf("Dropped = %d, want 4", s.Dropped)
	}
}

func TestQueueStrategyHoldsAndReleases(t *testing.T) {
	tr, ft := newTestTracker(t, func(cfg *config.Config) {
		cfg.Throttle.PerSecond = 10
		cfg.Throttle.Strategy = "queue"
	})
	grantConsent(t, tr)
	alignToSecond()

	for i := 0; i < 15; i++ {
		tr.TrackClick("rapid")
	}
	drainIntake(tr)

	if got := tr.batcher.Len(); got != 10 {
		t.Errorf("admitted = %d, want 10", got)
	}
	if got := tr.governor.BacklogLen(); got != 5 {
		t.Errorf("backlog = %d, want 5", got)
	}
	if s := tr.Stats(); s.Queued != 15 {
		t.Errorf("Queued = %d, want 15 across queue and backlog", s.Queued)
	}
	if s := tr.Stats(); s.Dropped != 0 {
		t.Errorf("Dropped = %d, want 0 under queue strategy", s.Dropped)
	}

	// Next window: reconciliation drains the backlog.
	alignToSecond()
	tr.governor.Reconcile()

	if got := tr.governor.BacklogLen(); got != 0 {
		t.Errorf("backlog after reconcile = %d, want 0", got)
	}
	if got := tr.batcher.Len(); got != 15 {
		t.Errorf("queued after reconcile = %d, want all 15", got)
	}

	if _, err := tr.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := countByType(ft.sent(), event.TypeClick); got != 15 {
		t.Errorf("delivered = %d, want 15", got)
	}
}

func TestFlushEmptyIsNoOp(t *testing.T) {
	tr, ft := newTestTracker(t, nil)
	grantConsent(t, tr)

	for i := 0; i < 2; i++ {
		res, err := tr.Flush(context.Background())
		if err != nil {
			t.Fatalf("flush %d: %v", i, err)
		}
		if res != (queue.FlushResult{}) {
			t.Errorf("flush %d = %+v, want zero result", i, res)
		}
	}
	if ft.batchCount() != 0 {
		t.Errorf("empty flush sent %d batches", ft.batchCount())
	}
}

func TestRevokePurgesQueuesAndClosesTransport(t *testing.T) {
	tr, ft := newTestTracker(t, func(cfg *config.Config) {
		cfg.Throttle.PerSecond = 3
		cfg.Throttle.Strategy = "queue"
	})
	grantConsent(t, tr)
	alignToSecond()

	for i := 0; i < 5; i++ {
		tr.TrackClick("pending")
	}
	drainIntake(tr)
	if tr.batcher.Len() == 0 || tr.governor.BacklogLen() == 0 {
		t.Fatalf("setup: queue=%d backlog=%d, want both non-empty",
			tr.batcher.Len(), tr.governor.BacklogLen())
	}

	if err := tr.UpdateConsent(context.Background(), false); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	if got := tr.batcher.Len(); got != 0 {
		t.Errorf("queue after revoke = %d, want 0", got)
	}
	if got := tr.governor.BacklogLen(); got != 0 {
		t.Errorf("backlog after revoke = %d, want 0", got)
	}
	if !ft.isClosed() {
		t.Error("transport still open after revoke")
	}
	if got := len(ft.sent()); got != 0 {
		t.Errorf("revoke delivered %d purged events", got)
	}

	tr.TrackClick("after-revoke")
	drainIntake(tr)
	if s := tr.Stats(); s.ConsentBlocked == 0 {
		t.Error("tracking continued after revocation")
	}
}

func TestConsentGrantEmitsChangeEvent(t *testing.T) {
	tr, ft := newTestTracker(t, nil)

	if err := tr.UpdateConsent(context.Background(), true); err != nil {
		t.Fatalf("grant: %v", err)
	}
	drainIntake(tr)

	sent := ft.sent()
	if countByType(sent, event.TypeConsentChanged) != 1 {
		t.Fatalf("sent = %v, want one consent.changed", sent)
	}
	p, ok := sent[0].Payload.(*event.ConsentChangedPayload)
	if !ok {
		t.Fatalf("payload type %T", sent[0].Payload)
	}
	if !p.Granted {
		t.Error("consent.changed payload says not granted")
	}
}

func TestSamplingDropsByRate(t *testing.T) {
	tr, _ := newTestTracker(t, func(cfg *config.Config) {
		cfg.SampleRate = 0.5
	})
	grantConsent(t, tr)

	rolls := []float64{0.3, 0.7, 0.4, 0.9}
	i := 0
	tr.rand = func() float64 {
		v := rolls[i%len(rolls)]
		i++
		return v
	}

	for range rolls {
		tr.TrackSearch("maybe", 1)
	}
	drainIntake(tr)

	s := tr.Stats()
	if s.Captured != 2 {
		t.Errorf("Captured = %d, want 2", s.Captured)
	}
	if s.SampledOut != 2 {
		t.Errorf("SampledOut = %d, want 2", s.SampledOut)
	}
}

func TestSessionEventsSkipSampling(t *testing.T) {
	tr, _ := newTestTracker(t, func(cfg *config.Config) {
		cfg.SampleRate = 0.5
		cfg.Session.Timeout = 20 * time.Millisecond
	})
	grantConsent(t, tr)
	tr.rand = func() float64 { return 0.99 } // every coin flip loses

	tr.TrackClick("sampled-away")
	time.Sleep(40 * time.Millisecond)
	tr.TrackClick("also-sampled-away") // rollover fires here
	drainIntake(tr)

	s := tr.Stats()
	if s.SampledOut != 2 {
		t.Errorf("SampledOut = %d, want both clicks", s.SampledOut)
	}
	// The rollover's lifecycle events must survive the sampling that
	// ate the clicks.
	if got := tr.batcher.Len(); got != 2 {
		t.Errorf("queued = %d, want session.ended + session.started", got)
	}
}

func TestSessionRolloverStampsNewID(t *testing.T) {
	tr, ft := newTestTracker(t, func(cfg *config.Config) {
		cfg.Session.Timeout = 20 * time.Millisecond
	})
	grantConsent(t, tr)

	tr.TrackClick("first")
	time.Sleep(40 * time.Millisecond)
	tr.TrackClick("second")
	drainIntake(tr)
	if _, err := tr.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	sent := ft.sent()
	var ended, started, clicks []event.Event
	for _, ev := range sent {
		switch ev.Type {
		case event.TypeSessionEnded:
			ended = append(ended, ev)
		case event.TypeSessionStarted:
			started = append(started, ev)
		case event.TypeClick:
			clicks = append(clicks, ev)
		}
	}
	if len(ended) != 1 || len(started) != 1 || len(clicks) != 2 {
		t.Fatalf("sent ended=%d started=%d clicks=%d", len(ended), len(started), len(clicks))
	}

	p, ok := ended[0].Payload.(*event.SessionEndedPayload)
	if !ok || p.Reason != "timeout" {
		t.Errorf("session.ended payload = %+v, want timeout reason", ended[0].Payload)
	}
	if clicks[0].SessionID == clicks[1].SessionID {
		t.Error("second click kept the expired session id")
	}
	if ended[0].SessionID != clicks[0].SessionID {
		t.Error("session.ended not stamped with the old session id")
	}
	if started[0].SessionID != clicks[1].SessionID {
		t.Error("session.started not stamped with the new session id")
	}
}

func TestFiltersExcludeAndInclude(t *testing.T) {
	tr, _ := newTestTracker(t, func(cfg *config.Config) {
		cfg.Filters.Exclude = []string{"ui.click"}
	})
	grantConsent(t, tr)

	tr.TrackClick("ignored")
	tr.TrackSearch("plumber", 12)
	drainIntake(tr)

	if got := tr.batcher.Len(); got != 1 {
		t.Errorf("queued = %d, want the search only", got)
	}
	if s := tr.Stats(); s.Filtered != 1 {
		t.Errorf("Filtered = %d, want 1", s.Filtered)
	}

	tr2, _ := newTestTracker(t, func(cfg *config.Config) {
		cfg.Filters.Include = []string{"search.performed", "not.a.type"}
	})
	grantConsent(t, tr2)

	tr2.TrackClick("ignored")
	tr2.TrackSearch("electrician", 4)
	drainIntake(tr2)

	if got := tr2.batcher.Len(); got != 1 {
		t.Errorf("include list queued = %d, want 1", got)
	}
}

func TestBeforeCaptureHookVetoAndMutate(t *testing.T) {
	tr, ft := newTestTracker(t, nil)
	grantConsent(t, tr)

	tr.Hooks().RegisterBeforeCapture(func(ctx context.Context, ev *event.Event) (*event.Event, error) {
		if ev.Type == event.TypeClick {
			return nil, nil
		}
		ev.UserID = "annotated"
		return ev, nil
	})

	tr.TrackClick("vetoed")
	tr.TrackSearch("kept", 1)
	drainIntake(tr)
	if _, err := tr.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	sent := ft.sent()
	if len(sent) != 1 || sent[0].Type != event.TypeSearch {
		t.Fatalf("sent = %v, want the search only", sent)
	}
	if sent[0].UserID != "annotated" {
		t.Errorf("UserID = %q, hook mutation lost", sent[0].UserID)
	}
	if s := tr.Stats(); s.Vetoed != 1 {
		t.Errorf("Vetoed = %d, want 1", s.Vetoed)
	}
}

func TestDropHookObservesBackpressure(t *testing.T) {
	tr, _ := newTestTracker(t, func(cfg *config.Config) {
		cfg.Queue.MaxSize = 2
		cfg.Queue.BatchSize = 2
	})
	grantConsent(t, tr)

	var mu sync.Mutex
	var reasons []string
	tr.Hooks().RegisterDrop(func(ctx context.Context, ev event.Event, reason string) {
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()
	})

	// Channel capacity is 2 and nothing is consuming.
	tr.TrackClick("a")
	tr.TrackClick("b")
	tr.TrackClick("c")

	mu.Lock()
	defer mu.Unlock()
	if len(reasons) != 1 || reasons[0] != ReasonBackpressure {
		t.Fatalf("drop reasons = %v, want [backpressure]", reasons)
	}
	if s := tr.Stats(); s.DroppedByReason[ReasonBackpressure] != 1 {
		t.Errorf("backpressure drops = %d, want 1", s.DroppedByReason[ReasonBackpressure])
	}
}

func TestSetUserPseudonymized(t *testing.T) {
	tr, ft := newTestTracker(t, func(cfg *config.Config) {
		cfg.Privacy.HashSalt = "pepper"
	})
	grantConsent(t, tr)

	tr.SetUser("user-42")
	tr.TrackClick("cta")
	drainIntake(tr)
	if _, err := tr.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	sent := ft.sent()
	if len(sent) != 1 {
		t.Fatalf("sent = %v", sent)
	}
	if sent[0].UserID == "user-42" {
		t.Error("raw user id left on the wire with a salt configured")
	}
	if len(sent[0].UserID) != 16 {
		t.Errorf("UserID = %q, want 16-char digest", sent[0].UserID)
	}
}

func TestPayloadSanitizedAtCapture(t *testing.T) {
	tr, ft := newTestTracker(t, nil)
	grantConsent(t, tr)

	tr.Track("signup", map[string]any{
		"email": "pat@example.com",
		"plan":  "pro",
	})
	drainIntake(tr)
	if _, err := tr.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	sent := ft.sent()
	if len(sent) != 1 {
		t.Fatalf("sent = %v", sent)
	}
	p, ok := sent[0].Payload.(*event.CustomPayload)
	if !ok {
		t.Fatalf("payload type %T", sent[0].Payload)
	}
	if _, leaked := p.Fields["email"]; leaked {
		t.Error("denylisted field survived sanitization")
	}
	if p.Fields["plan"] != "pro" {
		t.Errorf("plan = %v, clean field lost", p.Fields["plan"])
	}
}

func TestRageClickDetection(t *testing.T) {
	tr, _ := newTestTracker(t, func(cfg *config.Config) {
		cfg.Throttle.PerSecond = 100
	})
	grantConsent(t, tr)

	tr.TrackClick("buy")
	tr.TrackClick("buy")
	tr.TrackClick("buy")
	drainIntake(tr)

	// 3 clicks + 1 synthesized rage click.
	if got := tr.batcher.Len(); got != 4 {
		t.Fatalf("queued = %d, want 4", got)
	}

	// A burst fires once; the next click starts a fresh window.
	tr.TrackClick("buy")
	drainIntake(tr)
	if got := tr.batcher.Len(); got != 5 {
		t.Errorf("queued = %d, burst should not refire", got)
	}
}

func TestRageClickResetsOnNewElement(t *testing.T) {
	tr, ft := newTestTracker(t, func(cfg *config.Config) {
		cfg.Throttle.PerSecond = 100
	})
	grantConsent(t, tr)

	tr.TrackClick("a")
	tr.TrackClick("a")
	tr.TrackClick("b")
	tr.TrackClick("b")
	tr.TrackClick("b")
	drainIntake(tr)
	if _, err := tr.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	sent := ft.sent()
	if got := countByType(sent, event.TypeRageClick); got != 1 {
		t.Fatalf("rage clicks = %d, want 1", got)
	}
	for _, ev := range sent {
		if ev.Type != event.TypeRageClick {
			continue
		}
		p := ev.Payload.(*event.RageClickPayload)
		if p.Element != "b" || p.Count != 3 {
			t.Errorf("rage payload = %+v, want element b count 3", p)
		}
	}
}

func TestScrollMilestonesOncePerPage(t *testing.T) {
	tr, ft := newTestTracker(t, func(cfg *config.Config) {
		cfg.Throttle.PerSecond = 100
	})
	grantConsent(t, tr)

	tr.TrackPageView("/guide", "Guide")
	tr.TrackScroll(30)  // 25
	tr.TrackScroll(80)  // 50, 75
	tr.TrackScroll(80)  // nothing new
	tr.TrackScroll(100) // 100
	tr.TrackPageView("/next", "Next")
	tr.TrackScroll(30) // 25 again on the new page
	drainIntake(tr)
	if _, err := tr.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	sent := ft.sent()
	var percents []int
	for _, ev := range sent {
		if ev.Type == event.TypeScrollMilestone {
			percents = append(percents, ev.Payload.(*event.ScrollMilestonePayload).Percent)
		}
	}
	want := []int{25, 50, 75, 100, 25}
	if len(percents) != len(want) {
		t.Fatalf("milestones = %v, want %v", percents, want)
	}
	for i := range want {
		if percents[i] != want[i] {
			t.Fatalf("milestones = %v, want %v", percents, want)
		}
	}
}

func TestPageViewSetsReferrerChain(t *testing.T) {
	tr, ft := newTestTracker(t, nil)
	grantConsent(t, tr)

	tr.TrackPageView("/a", "A")
	tr.TrackPageView("/b", "B")
	drainIntake(tr)
	if _, err := tr.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	var views []event.Event
	for _, ev := range ft.sent() {
		if ev.Type == event.TypePageView {
			views = append(views, ev)
		}
	}
	if len(views) != 2 {
		t.Fatalf("page views = %d", len(views))
	}
	if views[1].Context.Referrer != "/a" {
		t.Errorf("second view referrer = %q, want /a", views[1].Context.Referrer)
	}
	if s, ok := tr.Session(); !ok || s.PageViews != 2 {
		t.Errorf("session page views = %d, want 2", s.PageViews)
	}
}

func TestStartAndCloseFlushEverything(t *testing.T) {
	tr, ft := newTestTracker(t, nil)
	grantConsent(t, tr)

	ctx := context.Background()
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	tr.TrackClick("one")
	tr.TrackClick("two")
	tr.TrackClick("three")

	if err := tr.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	sent := ft.sent()
	if got := countByType(sent, event.TypeClick); got != 3 {
		t.Errorf("delivered clicks = %d, want 3", got)
	}
	if got := countByType(sent, event.TypeSessionStarted); got != 1 {
		t.Errorf("session.started = %d, want 1 from Start", got)
	}
	var endReason string
	for _, ev := range sent {
		if ev.Type == event.TypeSessionEnded {
			endReason = ev.Payload.(*event.SessionEndedPayload).Reason
		}
	}
	if endReason != "explicit" {
		t.Errorf("session end reason = %q, want explicit", endReason)
	}

	// Idempotent close, inert tracker afterwards.
	if err := tr.Close(ctx); err != nil {
		t.Errorf("second close: %v", err)
	}
	before := len(ft.sent())
	tr.TrackClick("after-close")
	if got := len(ft.sent()); got != before {
		t.Error("tracked after close")
	}
}

func TestDestroyDiscardsPending(t *testing.T) {
	tr, ft := newTestTracker(t, nil)
	grantConsent(t, tr)

	for i := 0; i < 5; i++ {
		tr.TrackClick("doomed")
	}
	if err := tr.Destroy(); err != nil {
		t.Fatalf("destroy: %v", err)
	}

	if got := len(ft.sent()); got != 0 {
		t.Errorf("destroy delivered %d events", got)
	}
	if !ft.isClosed() {
		t.Error("transport left open")
	}
	if err := tr.Destroy(); err != nil {
		t.Errorf("second destroy: %v", err)
	}
	tr.TrackClick("after-destroy") // must not panic
}

func TestImmediateSendFailureRequeues(t *testing.T) {
	tr, ft := newTestTracker(t, nil)
	grantConsent(t, tr)
	ft.setFailing(true)

	tr.TrackError(errors.New(errors.CodeUnknown, "boom"))
	drainIntake(tr)

	if got := tr.batcher.Len(); got != 1 {
		t.Fatalf("queued = %d, failed immediate send should requeue", got)
	}

	ft.setFailing(false)
	if _, err := tr.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := countByType(ft.sent(), event.TypeError); got != 1 {
		t.Errorf("errors delivered after recovery = %d, want 1", got)
	}
}

func TestStatsSnapshot(t *testing.T) {
	tr, _ := newTestTracker(t, nil)
	grantConsent(t, tr)

	tr.TrackClick("a")
	tr.TrackClick("b")
	tr.TrackError(errors.New(errors.CodeUnknown, "boom"))
	drainIntake(tr)

	s := tr.Stats()
	if s.Captured != 3 {
		t.Errorf("Captured = %d, want 3", s.Captured)
	}
	if s.Delivered != 1 {
		t.Errorf("Delivered = %d, want the immediate error", s.Delivered)
	}
	if s.Queued != 2 {
		t.Errorf("Queued = %d, want 2 clicks", s.Queued)
	}
	if s.Connection != transport.StatusConnected {
		t.Errorf("Connection = %q", s.Connection)
	}
	if s.SessionID == "" || s.SessionEvents != 3 {
		t.Errorf("session stats = %q/%d", s.SessionID, s.SessionEvents)
	}
}

func TestInvalidTypeIgnored(t *testing.T) {
	tr, _ := newTestTracker(t, nil)
	grantConsent(t, tr)

	tr.TrackEvent(event.Type("not.a.type"), nil)
	drainIntake(tr)

	if s := tr.Stats(); s.Captured != 0 || s.Filtered != 0 {
		t.Errorf("stats = captured %d filtered %d, want untouched", s.Captured, s.Filtered)
	}
}

func TestHealthComposite(t *testing.T) {
	tr, ft := newTestTracker(t, nil)

	h := tr.Health()
	if h.Verdict != VerdictHealthy || h.Score != 1.0 {
		t.Errorf("idle health = %+v, want healthy 1.0", h)
	}

	ft.setStatus(transport.StatusDisconnected)
	h = tr.Health()
	if h.Verdict != VerdictDegraded {
		t.Errorf("disconnected verdict = %q, want degraded", h.Verdict)
	}
	if h.Components["connection"] != 0 {
		t.Errorf("connection component = %v, want 0", h.Components["connection"])
	}

	// Disconnected and slow: below the degraded floor.
	for i := 0; i < 10; i++ {
		tr.metrics.RecordLatency(300 * time.Millisecond)
	}
	h = tr.Health()
	if h.Verdict != VerdictUnhealthy {
		t.Errorf("slow+disconnected verdict = %q, want unhealthy", h.Verdict)
	}
}

func TestLatencyScore(t *testing.T) {
	cases := []struct {
		p95  time.Duration
		want float64
	}{
		{5 * time.Millisecond, 1.0},
		{10 * time.Millisecond, 1.0},
		{130 * time.Millisecond, 0.5},
		{250 * time.Millisecond, 0.0},
		{time.Second, 0.0},
	}
	for _, tc := range cases {
		got := latencyScore(tc.p95)
		if got < tc.want-0.001 || got > tc.want+0.001 {
			t.Errorf("latencyScore(%v) = %v, want %v", tc.p95, got, tc.want)
		}
	}
}
