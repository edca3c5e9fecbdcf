// Package throttle implements priority-aware admission control for outbound events.
package throttle

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/pulsekit/pulse/pkg/event"
)

// Strategy selects what happens to an event once the rate budget is exhausted.
type Strategy string

const (
	// StrategyDrop discards over-budget events immediately.
	StrategyDrop Strategy = "drop"
	// StrategyQueue holds over-budget events in a backlog for later release.
	StrategyQueue Strategy = "queue"
	// StrategySample holds a priority-weighted random subset and drops the rest.
	StrategySample Strategy = "sample"
)

// Decision reasons reported when an event is not admitted outright.
const (
	ReasonRateLimited = "rate_limited"
	ReasonQueued      = "queued"
	ReasonSampledOut  = "sampled_out"
	ReasonBacklogFull = "backlog_full"
	ReasonStale       = "stale"
)

// Sampling acceptance per priority when StrategySample is active.
const (
	sampleHigh   = 0.8
	sampleMedium = 0.5
	sampleLow    = 0.2
)

// Config controls the admission windows and backlog behavior.
type Config struct {
	PerSecond         int           `yaml:"per_second"`
	PerMinute         int           `yaml:"per_minute"`
	Burst             int           `yaml:"burst"`
	Strategy          Strategy      `yaml:"strategy"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	BacklogMax        int           `yaml:"backlog_max"`
	MaxAge            time.Duration `yaml:"max_age"`
}

// DefaultConfig returns the standard admission settings.
func DefaultConfig() Config {
	return Config{
		PerSecond:         10,
		PerMinute:         300,
		Burst:             5,
		Strategy:          StrategyQueue,
		ReconcileInterval: 100 * time.Millisecond,
		BacklogMax:        1000,
		MaxAge:            5 * time.Minute,
	}
}

// Decision is the outcome of one admission check. When Admit is false,
// Reason says what happened to the event: ReasonQueued means the governor
// holds it and will hand it back through OnRelease once budget frees up;
// every other reason means it was discarded.
type Decision struct {
	Admit    bool
	Priority event.Priority
	Reason   string
}

// backlogEntry is one held event awaiting budget.
type backlogEntry struct {
	event    event.Event
	priority event.Priority
	queuedAt time.Time
}

// Stats is a snapshot of governor counters.
type Stats struct {
	Admitted      int64 `json:"admitted"`
	BurstAdmitted int64 `json:"burst_admitted"`
	Queued        int64 `json:"queued"`
	Released      int64 `json:"released"`
	Dropped       int64 `json:"dropped"`
	SampledOut    int64 `json:"sampled_out"`
	Purged        int64 `json:"purged"`
	BacklogDepth  int   `json:"backlog_depth"`
}

// Governor admits events against per-second and per-minute budgets, with a
// burst reserve for high-priority events and a reconciled backlog for the
// queue and sample strategies.
type Governor struct {
	mu  sync.Mutex
	cfg Config

	second      int64
	minute      int64
	secondCount int
	minuteCount int
	burstUsed   int

	backlog []backlogEntry
	stats   Stats

	// OnRelease receives backlog events re-admitted during reconciliation.
	OnRelease func(event.Event)
	// OnDrop receives events the governor discarded, with the reason.
	OnDrop func(event.Event, string)

	now  func() time.Time
	rand func() float64
}

// NewGovernor creates a governor with the given configuration.
func NewGovernor(cfg Config) *Governor {
	def := DefaultConfig()
	if cfg.PerSecond <= 0 {
		cfg.PerSecond = def.PerSecond
	}
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = def.PerMinute
	}
	if cfg.Burst < 0 {
		cfg.Burst = def.Burst
	}
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = def.ReconcileInterval
	}
	if cfg.BacklogMax <= 0 {
		cfg.BacklogMax = def.BacklogMax
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	return &Governor{
		cfg:  cfg,
		now:  time.Now,
		rand: rand.Float64,
	}
}

// Admit decides whether ev may proceed toward the queue right now.
func (g *Governor) Admit(ev event.Event) Decision {
	g.mu.Lock()
	decision, dropReason := g.admitLocked(ev)
	g.mu.Unlock()

	if dropReason != "" && g.OnDrop != nil {
		g.OnDrop(ev, dropReason)
	}
	return decision
}

// admitLocked runs the admission algorithm. It returns the decision and,
// when the event was discarded, the reason to report through OnDrop.
func (g *Governor) admitLocked(ev event.Event) (Decision, string) {
	now := g.now()
	g.rollover(now)
	priority := ev.Priority()

	if g.secondCount < g.cfg.PerSecond && g.minuteCount < g.cfg.PerMinute {
		g.secondCount++
		g.minuteCount++
		g.stats.Admitted++
		return Decision{Admit: true, Priority: priority}, ""
	}

	// Budget exhausted. High priority may ride the burst reserve.
	if priority == event.PriorityHigh && g.burstUsed < g.cfg.Burst {
		g.burstUsed++
		g.secondCount++
		g.minuteCount++
		g.stats.Admitted++
		g.stats.BurstAdmitted++
		return Decision{Admit: true, Priority: priority}, ""
	}

	switch g.cfg.Strategy {
	case StrategyQueue:
		return g.holdLocked(ev, priority, now)
	case StrategySample:
		if g.rand() < sampleAcceptance(priority) {
			return g.holdLocked(ev, priority, now)
		}
		g.stats.SampledOut++
		return Decision{Priority: priority, Reason: ReasonSampledOut}, ReasonSampledOut
	default:
		g.stats.Dropped++
		return Decision{Priority: priority, Reason: ReasonRateLimited}, ReasonRateLimited
	}
}

// holdLocked appends ev to the backlog, or drops it when the backlog is full.
func (g *Governor) holdLocked(ev event.Event, priority event.Priority, now time.Time) (Decision, string) {
	if len(g.backlog) >= g.cfg.BacklogMax {
		g.stats.Dropped++
		return Decision{Priority: priority, Reason: ReasonBacklogFull}, ReasonBacklogFull
	}
	g.backlog = append(g.backlog, backlogEntry{event: ev, priority: priority, queuedAt: now})
	g.stats.Queued++
	return Decision{Priority: priority, Reason: ReasonQueued}, ""
}

// rollover resets window counters when their time bucket has elapsed.
// The burst reserve replenishes on minute rollover.
func (g *Governor) rollover(now time.Time) {
	sec := now.Unix()
	if sec != g.second {
		g.second = sec
		g.secondCount = 0
	}
	min := now.Unix() / 60
	if min != g.minute {
		g.minute = min
		g.minuteCount = 0
		g.burstUsed = 0
	}
}

// Reconcile re-evaluates the backlog: stale entries are purged, the rest
// are sorted by priority then age, and as many as current budget allows
// are released through OnRelease. Release stops at the first candidate
// that would itself be throttled, preserving order fairness.
func (g *Governor) Reconcile() {
	g.mu.Lock()
	now := g.now()
	g.rollover(now)

	var purged []event.Event
	kept := g.backlog[:0]
	for _, entry := range g.backlog {
		if now.Sub(entry.queuedAt) > g.cfg.MaxAge {
			purged = append(purged, entry.event)
			continue
		}
		kept = append(kept, entry)
	}
	g.backlog = kept
	g.stats.Purged += int64(len(purged))

	sort.SliceStable(g.backlog, func(i, j int) bool {
		if g.backlog[i].priority != g.backlog[j].priority {
			return g.backlog[i].priority > g.backlog[j].priority
		}
		return g.backlog[i].queuedAt.Before(g.backlog[j].queuedAt)
	})

	var released []event.Event
	releasedCount := 0
	for _, entry := range g.backlog {
		if g.secondCount >= g.cfg.PerSecond || g.minuteCount >= g.cfg.PerMinute {
			break
		}
		g.secondCount++
		g.minuteCount++
		released = append(released, entry.event)
		releasedCount++
	}
	remaining := make([]backlogEntry, len(g.backlog)-releasedCount)
	copy(remaining, g.backlog[releasedCount:])
	g.backlog = remaining
	g.stats.Released += int64(releasedCount)
	g.mu.Unlock()

	for _, ev := range purged {
		if g.OnDrop != nil {
			g.OnDrop(ev, ReasonStale)
		}
	}
	for _, ev := range released {
		if g.OnRelease != nil {
			g.OnRelease(ev)
		}
	}
}

// Run drives periodic reconciliation until ctx is canceled.
func (g *Governor) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Reconcile()
		}
	}
}

// Flush releases the entire backlog unconditionally, bypassing budgets.
// Used during shutdown so held events get a final delivery attempt.
func (g *Governor) Flush() {
	g.mu.Lock()
	entries := g.backlog
	g.backlog = nil
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].priority != entries[j].priority {
			return entries[i].priority > entries[j].priority
		}
		return entries[i].queuedAt.Before(entries[j].queuedAt)
	})
	g.stats.Released += int64(len(entries))
	g.mu.Unlock()

	for _, entry := range entries {
		if g.OnRelease != nil {
			g.OnRelease(entry.event)
		}
	}
}

// Clear discards the backlog without releasing anything.
func (g *Governor) Clear() {
	g.mu.Lock()
	g.backlog = nil
	g.mu.Unlock()
}

// BacklogLen returns the current backlog depth.
func (g *Governor) BacklogLen() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.backlog)
}

// Stats returns a snapshot of the governor counters.
func (g *Governor) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.stats
	s.BacklogDepth = len(g.backlog)
	return s
}

func sampleAcceptance(p event.Priority) float64 {
	switch p {
	case event.PriorityHigh:
		return sampleHigh
	case event.PriorityMedium:
		return sampleMedium
	default:
		return sampleLow
	}
}
