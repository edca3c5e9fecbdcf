// Package tracker composes the capture pipeline behind one facade:
// consent gate, session stamping, sampling, sanitization, rate
// admission, batching, and delivery. Track calls never block and never
// return errors; a broken pipeline degrades to dropped events, not to
// a broken host.
package tracker

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"github.com/pulsekit/pulse/pkg/config"
	"github.com/pulsekit/pulse/pkg/consent"
	"github.com/pulsekit/pulse/pkg/defaults/alerting"
	"github.com/pulsekit/pulse/pkg/errors"
	"github.com/pulsekit/pulse/pkg/event"
	"github.com/pulsekit/pulse/pkg/fingerprint"
	"github.com/pulsekit/pulse/pkg/hooks"
	"github.com/pulsekit/pulse/pkg/interfaces"
	"github.com/pulsekit/pulse/pkg/lifecycle"
	"github.com/pulsekit/pulse/pkg/privacy"
	"github.com/pulsekit/pulse/pkg/queue"
	"github.com/pulsekit/pulse/pkg/session"
	"github.com/pulsekit/pulse/pkg/storage"
	"github.com/pulsekit/pulse/pkg/telemetry"
	"github.com/pulsekit/pulse/pkg/throttle"
	"github.com/pulsekit/pulse/pkg/transport"
)

// ReasonBackpressure marks an event dropped because the handoff
// channel was full, on top of the reasons the governor and queue report.
const ReasonBackpressure = "backpressure"

// Transport moves event batches to the collector. *transport.Client is
// the production implementation; tests substitute their own.
type Transport interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, events []event.Event) error
	Run(ctx context.Context)
	Close() error
	Status() transport.Status
	Stats() transport.Stats
}

// item is one unit on the handoff channel between Track callers and
// the admission loop. A barrier item carries no event; processing it
// proves everything queued before it has been admitted.
type item struct {
	ev      event.Event
	at      time.Time
	barrier chan struct{}
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithTransport substitutes the collector transport.
func WithTransport(tr Transport) Option {
	return func(t *Tracker) { t.transport = tr }
}

// WithStore substitutes the device-local state backend.
func WithStore(s storage.Store) Option {
	return func(t *Tracker) { t.store = s }
}

// WithAlerter routes operational alerts somewhere other than the log.
func WithAlerter(a interfaces.Alerter) Option {
	return func(t *Tracker) { t.alerter = a }
}

// WithSignalProvider substitutes the fingerprint signal source.
func WithSignalProvider(p fingerprint.Provider) Option {
	return func(t *Tracker) { t.provider = p }
}

// WithDoNotTrackProbe substitutes the runtime DNT check.
func WithDoNotTrackProbe(probe func() bool) Option {
	return func(t *Tracker) { t.dntProbe = probe }
}

// Tracker is the capture pipeline. Construct with New, start the
// background loops with Start, and tear down with Close or Destroy.
type Tracker struct {
	cfg *config.Config

	store     storage.Store
	consent   *consent.Manager
	sessions  *session.Manager
	resolver  *fingerprint.Resolver
	sanitizer *privacy.Sanitizer
	governor  *throttle.Governor
	batcher   *queue.Batcher
	transport Transport
	hooks     *hooks.Manager
	metrics   *telemetry.Metrics
	alerter   interfaces.Alerter
	runner    *lifecycle.Runner

	provider fingerprint.Provider
	dntProbe func() bool

	include map[event.Type]struct{}
	exclude map[event.Type]struct{}

	events chan item

	mu       sync.RWMutex
	userID   string
	pageCtx  event.Context
	identity fingerprint.Identifier

	counters counters
	rage     rageDetector
	scroll   scrollTracker

	started atomic.Bool
	closed  atomic.Bool

	now  func() time.Time
	rand func() float64
}

// New builds a tracker from configuration. Nothing runs until Start.
func New(cfg *config.Config, opts ...Option) (*Tracker, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Tracker{
		cfg:  cfg,
		now:  time.Now,
		rand: rand.Float64,
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.store == nil {
		store, err := openStore(cfg.Storage)
		if err != nil {
			return nil, err
		}
		t.store = store
	}
	if t.alerter == nil {
		t.alerter = alerting.NewNoopAlerter()
	}

	t.consent = consent.NewManager(t.store, consent.Config{
		Version:           cfg.Consent.Version,
		RetentionDays:     cfg.Consent.RetentionDays,
		RespectDoNotTrack: cfg.Consent.RespectDoNotTrack,
	})
	if t.dntProbe != nil {
		t.consent.SetDoNotTrackProbe(t.dntProbe)
	}

	t.sessions = session.NewManager(session.Config{
		Timeout: cfg.Session.Timeout,
	}).WithStore(t.store)

	t.resolver = fingerprint.NewResolver(t.store, fingerprint.Config{
		Timeout:  cfg.Fingerprint.Timeout,
		CacheTTL: cfg.Fingerprint.CacheTTL,
	})
	if t.provider != nil {
		t.resolver.WithProvider(t.provider)
	}

	t.sanitizer = privacy.NewSanitizer(privacy.Config(cfg.Privacy))

	t.governor = throttle.NewGovernor(throttle.Config{
		PerSecond:         cfg.Throttle.PerSecond,
		PerMinute:         cfg.Throttle.PerMinute,
		Burst:             cfg.Throttle.Burst,
		Strategy:          throttle.Strategy(cfg.Throttle.Strategy),
		ReconcileInterval: cfg.Throttle.ReconcileInterval,
		BacklogMax:        cfg.Throttle.BacklogMax,
		MaxAge:            cfg.Queue.Staleness,
	})

	t.batcher = queue.NewBatcher(queue.Config{
		MaxSize:       cfg.Queue.MaxSize,
		BatchSize:     cfg.Queue.BatchSize,
		FlushInterval: cfg.Queue.FlushInterval,
		Staleness:     cfg.Queue.Staleness,
	}, observedSender{t})

	if t.transport == nil {
		client := transport.NewClient(transport.Config{
			Endpoint:             cfg.Endpoint,
			Compression:          cfg.Transport.Compression,
			MaxPayloadBytes:      cfg.Transport.MaxPayloadBytes,
			DialTimeout:          cfg.Transport.DialTimeout,
			BackoffBase:          cfg.Transport.BackoffBase,
			MaxReconnectAttempts: cfg.Transport.MaxReconnectAttempts,
			AckTimeout:           cfg.Transport.AckTimeout,
		})
		client.OnDisconnect = t.onDisconnect
		t.transport = client
	}

	t.hooks = hooks.NewManager()
	t.metrics = telemetry.NewMetrics()
	t.runner = lifecycle.NewRunner(lifecycle.DefaultConfig())

	t.include = typeSet(cfg.Filters.Include)
	t.exclude = typeSet(cfg.Filters.Exclude)

	t.events = make(chan item, cfg.Queue.MaxSize)
	t.counters.dropped = make(map[string]int64)
	t.rage.window = rageWindow
	t.scroll.reset()

	t.governor.OnRelease = func(ev event.Event) {
		t.dispatch(t.runner.Context(), ev)
	}
	t.governor.OnDrop = t.onDrop
	t.batcher.OnDrop = t.onDrop
	t.consent.OnChange = t.onConsentChange
	t.sessions.OnStart = t.onSessionStart
	t.sessions.OnEnd = t.onSessionEnd

	t.runner.RegisterCloser(lifecycle.CloserFunc(t.transport.Close))
	t.runner.RegisterCloser(lifecycle.CloserFunc(t.alerter.Close))
	if c, ok := t.store.(interface{ Close() error }); ok {
		t.runner.RegisterCloser(lifecycle.CloserFunc(c.Close))
	}

	return t, nil
}

// typeSet parses a filter list, silently skipping unknown type names.
func typeSet(names []string) map[event.Type]struct{} {
	valid := lo.Filter(names, func(s string, _ int) bool {
		return event.Type(s).IsValid()
	})
	return lo.SliceToMap(valid, func(s string) (event.Type, struct{}) {
		return event.Type(s), struct{}{}
	})
}

// openStore builds the configured storage backend.
func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "file":
		return storage.NewFileStore(cfg.Dir)
	case "redis":
		rc := storage.DefaultRedisConfig(cfg.Redis.Addr)
		rc.Password = cfg.Redis.Password
		rc.DB = cfg.Redis.DB
		return storage.NewRedisStore(rc)
	default:
		return nil, errors.New(errors.CodeConfigInvalid, "unknown storage backend").
			WithContext("backend", cfg.Backend)
	}
}

// Start restores persisted state and launches the pipeline loops.
func (t *Tracker) Start(ctx context.Context) error {
	if t.closed.Load() {
		return errors.New(errors.CodeShuttingDown, "tracker is closed")
	}
	if !t.started.CompareAndSwap(false, true) {
		return errors.New(errors.CodeConfigInvalid, "tracker already started")
	}

	if err := t.consent.Load(ctx); err != nil {
		t.observe(ctx, err, "consent-load")
	}
	resumed, err := t.sessions.Load(ctx)
	if err != nil {
		t.observe(ctx, err, "session-load")
	}

	if t.cfg.Telemetry.Enabled {
		otlp := telemetry.DefaultOTLPConfig(t.cfg.Telemetry.ServiceName)
		if t.cfg.Telemetry.Endpoint != "" {
			otlp.Endpoint = t.cfg.Telemetry.Endpoint
		}
		otlp.Insecure = t.cfg.Telemetry.Insecure
		shutdown, err := telemetry.InitOTLP(otlp)
		if err != nil {
			t.observe(ctx, err, "telemetry-init")
		} else {
			t.runner.RegisterCloser(lifecycle.CloserFunc(func() error {
				return shutdown(context.Background())
			}))
		}
	}

	if fs, ok := t.store.(*storage.FileStore); ok {
		t.watchConsentFile(fs)
	}

	t.runner.Go(t.loop)
	t.runner.Go(t.governor.Run)
	t.runner.Go(t.batcher.Run)
	t.runner.Go(t.transport.Run)

	if !resumed {
		t.sessions.Start(session.ParseReferrer(t.pageContext().Referrer))
	}

	t.runner.Go(func(ctx context.Context) {
		if !t.consent.IsTrackingAllowed() {
			return
		}
		if err := t.transport.Connect(ctx); err != nil {
			t.observe(ctx, err, "connect")
		}
		t.refreshIdentity(ctx)
	})
	return nil
}

// watchConsentFile reloads consent when another process rewrites the
// record, so revocation in one surface propagates everywhere.
func (t *Tracker) watchConsentFile(fs *storage.FileStore) {
	w, err := consent.NewWatcher(fs.Path(storage.KeyConsent))
	if err != nil {
		t.observe(t.runner.Context(), err, "consent-watch")
		return
	}
	w.OnChange = t.reloadConsent
	w.OnError = func(err error) {
		t.observe(t.runner.Context(), err, "consent-watch")
	}
	t.runner.Go(func(ctx context.Context) {
		_ = w.Run(ctx)
	})
}

// loop is the single consumer of the handoff channel.
func (t *Tracker) loop(ctx context.Context) {
	for {
		select {
		case it := <-t.events:
			t.process(ctx, it)
		case <-ctx.Done():
			return
		}
	}
}

// process takes one captured event through admission. Consent is
// re-checked here so an event captured before revocation never reaches
// the governor after it.
func (t *Tracker) process(ctx context.Context, it item) {
	if it.barrier != nil {
		close(it.barrier)
		return
	}
	if !t.consent.IsTrackingAllowed() {
		t.counters.blockConsent()
		return
	}

	d := t.governor.Admit(it.ev)
	if d.Admit {
		t.dispatch(ctx, it.ev)
	}
	t.metrics.RecordLatency(t.now().Sub(it.at))
}

// dispatch hands one admitted event to the batcher.
func (t *Tracker) dispatch(ctx context.Context, ev event.Event) {
	if err := t.batcher.Add(ctx, ev); err != nil {
		t.observe(ctx, err, "dispatch")
	}
}

// observe routes a pipeline error through the error hooks. Whatever
// the hooks leave unsuppressed is alerted, never surfaced to Track
// callers.
func (t *Tracker) observe(ctx context.Context, err error, phase string) {
	if err == nil {
		return
	}
	if err = t.hooks.RunError(ctx, err, phase); err == nil {
		return
	}
	alert := interfaces.NewAlert(interfaces.AlertLevelWarning, "pipeline error", err.Error()).
		WithSource(interfaces.AlertSourceTracker).
		WithError(err).
		WithDedupeKey("pipeline-" + phase)
	_ = t.alerter.Alert(ctx, alert)
}

// onDrop keeps the drop ledger for every discard the governor, queue,
// or intake reports.
func (t *Tracker) onDrop(ev event.Event, reason string) {
	if reason == throttle.ReasonSampledOut {
		t.counters.sample()
	} else {
		t.counters.drop(reason)
	}
	t.hooks.RunDrop(t.runner.Context(), ev, reason)
}

// onDisconnect alerts on unexpected connection loss. A nil cause is a
// deliberate close and stays quiet.
func (t *Tracker) onDisconnect(cause error) {
	if cause == nil {
		return
	}
	alert := interfaces.NewAlert(interfaces.AlertLevelWarning, "collector connection lost", cause.Error()).
		WithSource(interfaces.AlertSourceTransport).
		WithError(cause).
		WithDedupeKey("transport-disconnect")
	_ = t.alerter.Alert(t.runner.Context(), alert)
}

// onConsentChange reacts to a consent update: a grant opens the
// transport and resolves identity, a revocation purges every queued
// event and closes the connection.
func (t *Tracker) onConsentChange(rec consent.Record) {
	if rec.Granted() {
		t.runner.Go(func(ctx context.Context) {
			if err := t.transport.Connect(ctx); err != nil {
				t.observe(ctx, err, "connect")
			}
			t.refreshIdentity(ctx)
		})
		t.capture(event.TypeConsentChanged, &event.ConsentChangedPayload{
			Granted: true,
			Version: rec.ConsentVersion,
		})
		return
	}

	t.governor.Clear()
	t.batcher.Clear()
	_ = t.transport.Close()
	t.refreshIdentity(t.runner.Context())
}

// reloadConsent re-reads the persisted record after an external write
// and applies the transition if the effective grant flipped.
func (t *Tracker) reloadConsent() {
	ctx := t.runner.Context()
	before := t.consent.Record().Granted()
	if err := t.consent.Load(ctx); err != nil {
		t.observe(ctx, err, "consent-load")
		return
	}
	rec := t.consent.Record()
	if rec.Granted() != before {
		t.onConsentChange(rec)
	}
}

// refreshIdentity resolves the device identifier when permitted and
// clears it when not.
func (t *Tracker) refreshIdentity(ctx context.Context) {
	if !t.cfg.Fingerprint.Enabled || !t.consent.IsFingerprintingAllowed() {
		t.mu.Lock()
		t.identity = fingerprint.Identifier{}
		t.mu.Unlock()
		t.sessions.SetFingerprint("")
		return
	}
	id := t.resolver.Resolve(ctx)
	t.mu.Lock()
	t.identity = id
	t.mu.Unlock()
	t.sessions.SetFingerprint(id.ID)
}

// onSessionStart emits the session.started lifecycle event.
func (t *Tracker) onSessionStart(s session.Session) {
	pc := t.pageContext()
	ev := event.New(event.TypeSessionStarted, &event.SessionStartedPayload{
		Entry:    pc.URL,
		Referrer: s.Referrer.URL,
		Campaign: s.Referrer.Campaign,
	})
	ev.SessionID = s.ID
	ev.UserID = s.UserID
	ev.Fingerprint = s.Fingerprint
	ev.Context = pc
	t.submit(&ev)
}

// onSessionEnd emits the session.ended lifecycle event, stamped with
// the id of the session that just closed.
func (t *Tracker) onSessionEnd(s session.Session, reason string) {
	ev := event.New(event.TypeSessionEnded, &event.SessionEndedPayload{
		DurationSeconds: int64(s.Duration().Seconds()),
		PageViews:       s.PageViews,
		Events:          s.Events,
		Reason:          reason,
	})
	ev.SessionID = s.ID
	ev.UserID = s.UserID
	ev.Fingerprint = s.Fingerprint
	ev.Context = t.pageContext()
	t.submit(&ev)
}

// capture runs the facade side of the pipeline for a host-tracked
// event: consent, filters, envelope, sampling, then handoff.
func (t *Tracker) capture(typ event.Type, p event.Payload) {
	if !typ.IsValid() {
		return
	}
	if !t.runner.Begin() {
		return
	}
	defer t.runner.End()

	if !t.consent.IsTrackingAllowed() {
		t.counters.blockConsent()
		return
	}
	if !t.allowed(typ) {
		t.counters.filter()
		return
	}
	ev := t.newEvent(typ, p)
	if t.cfg.SampleRate < 1 && t.rand() >= t.cfg.SampleRate {
		t.counters.sample()
		return
	}
	t.push(ev)
}

// submit is the capture path for pipeline-generated lifecycle events.
// They carry their own envelope and skip the sampling coin flip, so a
// sampled-down deployment still sees every session boundary.
func (t *Tracker) submit(ev *event.Event) {
	if !t.runner.Begin() {
		return
	}
	defer t.runner.End()

	if !t.consent.IsTrackingAllowed() {
		t.counters.blockConsent()
		return
	}
	if !t.allowed(ev.Type) {
		t.counters.filter()
		return
	}
	t.push(ev)
}

// push runs the before-capture hooks, sanitizes, and hands the event
// to the admission loop. A full channel drops instead of blocking.
func (t *Tracker) push(ev *event.Event) {
	ctx := t.runner.Context()

	out, err := t.hooks.RunBeforeCapture(ctx, ev)
	if err != nil {
		t.observe(ctx, err, "capture")
		return
	}
	if out == nil {
		t.counters.veto()
		return
	}

	out.Payload = t.sanitizer.Clean(out.Type, out.Payload)
	out.Context = t.sanitizer.CleanContext(out.Context)

	select {
	case t.events <- item{ev: *out, at: t.now()}:
		t.metrics.AddCaptured(1)
	default:
		t.counters.drop(ReasonBackpressure)
		t.hooks.RunDrop(ctx, *out, ReasonBackpressure)
		alert := interfaces.NewAlert(interfaces.AlertLevelError, "intake saturated", "handoff channel full, events are being dropped").
			WithSource(interfaces.AlertSourceQueue).
			WithDedupeKey("intake-full")
		_ = t.alerter.Alert(ctx, alert)
	}
}

// allowed applies the include/exclude filters.
func (t *Tracker) allowed(typ event.Type) bool {
	if _, banned := t.exclude[typ]; banned {
		return false
	}
	if len(t.include) == 0 {
		return true
	}
	_, ok := t.include[typ]
	return ok
}

// newEvent builds the envelope: fresh id and timestamp, current
// session, user, fingerprint, and page context.
func (t *Tracker) newEvent(typ event.Type, p event.Payload) *event.Event {
	ev := event.New(typ, p)
	s := t.sessions.Touch()
	ev.SessionID = s.ID

	t.mu.RLock()
	ev.UserID = t.userID
	ev.Fingerprint = t.identity.ID
	ev.Context = t.pageCtx
	t.mu.RUnlock()
	return &ev
}

func (t *Tracker) pageContext() event.Context {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pageCtx
}

// barrier waits until every event already on the handoff channel has
// been admitted. Without a running loop it drains the channel inline.
func (t *Tracker) barrier(ctx context.Context) error {
	if !t.started.Load() {
		for {
			select {
			case it := <-t.events:
				t.process(ctx, it)
			default:
				return nil
			}
		}
	}

	b := make(chan struct{})
	select {
	case t.events <- item{barrier: b}:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.CodeTimeout, "barrier enqueue")
	}
	select {
	case <-b:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.CodeTimeout, "barrier wait")
	}
}

// Flush pushes everything captured so far through admission and
// delivery: settle the handoff channel, release the governor backlog,
// then drain the batch queue.
func (t *Tracker) Flush(ctx context.Context) (queue.FlushResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "pulse.flush")
	defer span.End()

	if err := t.barrier(ctx); err != nil {
		telemetry.RecordError(ctx, err)
		return queue.FlushResult{}, err
	}
	t.governor.Flush()
	res := t.batcher.Flush(ctx)
	span.SetAttributes(
		telemetry.IntAttr("flush.sent", res.Sent),
		telemetry.IntAttr("flush.failed", res.Failed),
	)
	if cur, ok := t.sessions.Current(); ok {
		span.SetAttributes(telemetry.StringAttr("session.id", cur.ID))
	}
	return res, nil
}

// Close drains intake, performs a final flush, and tears the pipeline
// down. Safe to call more than once.
func (t *Tracker) Close(ctx context.Context) error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	// End the session while intake is still open so the lifecycle
	// event rides the final flush.
	t.sessions.End(session.ReasonExplicit)

	merr := &errors.MultiError{}
	if err := t.runner.Drain(ctx); err != nil {
		merr.Add(err)
	}
	if err := t.barrier(ctx); err != nil {
		merr.Add(err)
	} else {
		t.governor.Flush()
		res := t.batcher.Flush(ctx)
		if res.Failed > 0 {
			merr.Add(errors.New(errors.CodeSendFailed, "final flush incomplete").
				WithContext("failed", res.Failed))
		}
	}
	if err := t.runner.Shutdown(ctx); err != nil {
		merr.Add(err)
	}
	return merr.Combined()
}

// Destroy discards all pending events and tears the pipeline down
// without waiting for delivery.
func (t *Tracker) Destroy() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = t.transport.Close()
	t.governor.Clear()
	t.batcher.Clear()
	return t.runner.Kill()
}

// SetUser attaches a user identifier to subsequent events. The raw id
// is pseudonymized when a hash salt is configured.
func (t *Tracker) SetUser(id string) {
	if id != "" {
		id = t.sanitizer.Hash(id)
	}
	t.mu.Lock()
	t.userID = id
	t.mu.Unlock()
	t.sessions.SetUser(id)
}

// SetContext replaces the page context stamped on subsequent events.
func (t *Tracker) SetContext(c event.Context) {
	t.mu.Lock()
	t.pageCtx = c
	t.mu.Unlock()
}

// UpdateConsent grants or revokes consent and persists the record.
func (t *Tracker) UpdateConsent(ctx context.Context, granted bool) error {
	return t.consent.Update(ctx, granted)
}

// Consent returns the current consent record.
func (t *Tracker) Consent() consent.Record {
	return t.consent.Record()
}

// Session returns the active session, if any.
func (t *Tracker) Session() (session.Session, bool) {
	return t.sessions.Current()
}

// Identity returns the resolved device identifier.
func (t *Tracker) Identity() fingerprint.Identifier {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.identity
}

// Hooks exposes the hook registry for host extensions.
func (t *Tracker) Hooks() *hooks.Manager {
	return t.hooks
}

// observedSender sits between the batcher and the transport to keep
// delivery metrics and run after-deliver hooks.
type observedSender struct {
	t *Tracker
}

func (s observedSender) Send(ctx context.Context, events []event.Event) error {
	before := s.t.transport.Stats().BytesOut
	err := s.t.transport.Send(ctx, events)
	if err != nil {
		s.t.metrics.AddFailed(int64(len(events)))
		return err
	}
	s.t.metrics.AddDelivered(int64(len(events)))
	s.t.metrics.AddBatch(s.t.transport.Stats().BytesOut - before)
	if err := s.t.hooks.RunAfterDeliver(ctx, events); err != nil {
		s.t.observe(ctx, err, "deliver")
	}
	return nil
}
