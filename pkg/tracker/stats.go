package tracker

import (
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/pulsekit/pulse/pkg/queue"
	"github.com/pulsekit/pulse/pkg/telemetry"
	"github.com/pulsekit/pulse/pkg/throttle"
	"github.com/pulsekit/pulse/pkg/transport"
)

// Health verdicts.
const (
	VerdictHealthy   = "healthy"
	VerdictDegraded  = "degraded"
	VerdictUnhealthy = "unhealthy"
)

// counters is the facade-side drop ledger: everything that was tracked
// but never reached the governor, plus every discard reported back by
// the pipeline.
type counters struct {
	mu             sync.Mutex
	consentBlocked int64
	filtered       int64
	vetoed         int64
	sampledOut     int64
	dropped        map[string]int64
}

func (c *counters) blockConsent() {
	c.mu.Lock()
	c.consentBlocked++
	c.mu.Unlock()
}

func (c *counters) filter() {
	c.mu.Lock()
	c.filtered++
	c.mu.Unlock()
}

func (c *counters) veto() {
	c.mu.Lock()
	c.vetoed++
	c.mu.Unlock()
}

func (c *counters) sample() {
	c.mu.Lock()
	c.sampledOut++
	c.mu.Unlock()
}

func (c *counters) drop(reason string) {
	c.mu.Lock()
	c.dropped[reason]++
	c.mu.Unlock()
}

type counterSnapshot struct {
	consentBlocked int64
	filtered       int64
	vetoed         int64
	sampledOut     int64
	dropped        map[string]int64
}

func (c *counters) snapshot() counterSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := make(map[string]int64, len(c.dropped))
	for k, v := range c.dropped {
		dropped[k] = v
	}
	return counterSnapshot{
		consentBlocked: c.consentBlocked,
		filtered:       c.filtered,
		vetoed:         c.vetoed,
		sampledOut:     c.sampledOut,
		dropped:        dropped,
	}
}

// Stats is a point-in-time snapshot of the whole pipeline: headline
// counts first, per-component detail nested below.
type Stats struct {
	Captured        int64            `json:"captured"`
	Delivered       int64            `json:"delivered"`
	Failed          int64            `json:"failed"`
	Queued          int              `json:"queued"`
	Dropped         int64            `json:"dropped"`
	DroppedByReason map[string]int64 `json:"dropped_by_reason,omitempty"`
	SampledOut      int64            `json:"sampled_out"`
	ConsentBlocked  int64            `json:"consent_blocked"`
	Filtered        int64            `json:"filtered"`
	Vetoed          int64            `json:"vetoed"`

	AvgLatency time.Duration    `json:"avg_latency"`
	P95Latency time.Duration    `json:"p95_latency"`
	AckLatency time.Duration    `json:"ack_latency"`
	Connection transport.Status `json:"connection"`

	SessionID     string  `json:"session_id,omitempty"`
	SessionEvents int64   `json:"session_events"`
	PageViews     int     `json:"page_views"`
	Fingerprint   string  `json:"fingerprint,omitempty"`
	Confidence    float64 `json:"confidence,omitempty"`

	Governor  throttle.Stats    `json:"governor"`
	Batcher   queue.Stats       `json:"batcher"`
	Transport transport.Stats   `json:"transport"`
	Pipeline  telemetry.Summary `json:"pipeline"`
}

// Stats assembles the pipeline snapshot. Queued spans all three
// holding areas: the handoff channel, the governor backlog, and the
// batch queue.
func (t *Tracker) Stats() Stats {
	g := t.governor.Stats()
	b := t.batcher.Stats()
	tr := t.transport.Stats()
	sum := t.metrics.Summary()
	snap := t.counters.snapshot()

	s := Stats{
		Captured:        sum.EventsCaptured,
		Delivered:       sum.EventsDelivered,
		Failed:          sum.EventsFailed,
		Queued:          len(t.events) + g.BacklogDepth + b.QueueDepth,
		Dropped:         lo.Sum(lo.Values(snap.dropped)),
		DroppedByReason: snap.dropped,
		SampledOut:      snap.sampledOut,
		ConsentBlocked:  snap.consentBlocked,
		Filtered:        snap.filtered,
		Vetoed:          snap.vetoed,

		AvgLatency: sum.AvgLatency,
		P95Latency: sum.P95Latency,
		AckLatency: tr.AvgAckLatency,
		Connection: tr.Status,

		Governor:  g,
		Batcher:   b,
		Transport: tr,
		Pipeline:  sum,
	}

	if sess, active := t.sessions.Current(); active {
		s.SessionID = sess.ID
		s.SessionEvents = sess.Events
		s.PageViews = sess.PageViews
	}
	id := t.Identity()
	s.Fingerprint = id.ID
	s.Confidence = id.Confidence
	return s
}

// Health grades the pipeline: connection and queue pressure carry most
// of the score, processing latency the rest.
type Health struct {
	Score      float64            `json:"score"`
	Verdict    string             `json:"verdict"`
	Components map[string]float64 `json:"components"`
}

// Health scores the pipeline in [0,1] and maps the composite to a
// verdict: healthy at 0.8 and above, degraded at 0.5, unhealthy below.
func (t *Tracker) Health() Health {
	conn := connectionScore(t.transport.Status())
	queuePressure := t.queueScore()
	latency := latencyScore(t.metrics.Percentile(0.95))

	score := 0.4*conn + 0.4*queuePressure + 0.2*latency

	verdict := VerdictUnhealthy
	switch {
	case score >= 0.8:
		verdict = VerdictHealthy
	case score >= 0.5:
		verdict = VerdictDegraded
	}

	return Health{
		Score:   score,
		Verdict: verdict,
		Components: map[string]float64{
			"connection": conn,
			"queue":      queuePressure,
			"latency":    latency,
		},
	}
}

func connectionScore(s transport.Status) float64 {
	switch s {
	case transport.StatusConnected:
		return 1.0
	case transport.StatusConnecting:
		return 0.5
	default:
		return 0.0
	}
}

// queueScore is the unused fraction of total holding capacity.
func (t *Tracker) queueScore() float64 {
	capacity := t.cfg.Queue.MaxSize + t.cfg.Throttle.BacklogMax
	if capacity <= 0 {
		return 1.0
	}
	depth := t.batcher.Len() + t.governor.BacklogLen()
	score := 1.0 - float64(depth)/float64(capacity)
	if score < 0 {
		return 0.0
	}
	return score
}

// latencyScore maps p95 processing latency onto [0,1]: full marks at
// 10ms or better, zero at 250ms or worse, linear in between.
func latencyScore(p95 time.Duration) float64 {
	const (
		good = 10 * time.Millisecond
		bad  = 250 * time.Millisecond
	)
	if p95 <= good {
		return 1.0
	}
	if p95 >= bad {
		return 0.0
	}
	return 1.0 - float64(p95-good)/float64(bad-good)
}
