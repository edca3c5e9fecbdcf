package queue

import (
	"context"
	"sync"
	"time"

	"github.com/pulsekit/pulse/pkg/errors"
	"github.com/pulsekit/pulse/pkg/event"
)

// Sender delivers assembled batches to the collector. Implemented by the
// streaming transport.
type Sender interface {
	Send(ctx context.Context, events []event.Event) error
}

// Config controls batching behavior.
type Config struct {
	MaxSize       int           `yaml:"max_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Staleness     time.Duration `yaml:"staleness"`
}

// DefaultConfig returns the standard batching settings.
func DefaultConfig() Config {
	return Config{
		MaxSize:       500,
		BatchSize:     25,
		FlushInterval: 10 * time.Second,
		Staleness:     5 * time.Minute,
	}
}

// FlushResult counts the outcome of one flush invocation.
type FlushResult struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Batches int `json:"batches"`
}

// Stats is a snapshot of batcher counters.
type Stats struct {
	Enqueued      int64 `json:"enqueued"`
	ImmediateSent int64 `json:"immediate_sent"`
	BatchesSent   int64 `json:"batches_sent"`
	EventsSent    int64 `json:"events_sent"`
	EventsFailed  int64 `json:"events_failed"`
	Requeued      int64 `json:"requeued"`
	Dropped       int64 `json:"dropped"`
	QueueDepth    int   `json:"queue_depth"`
}

// Batcher releases events along two paths: high-priority events are sent
// the moment they arrive, everything else accumulates in the queue until
// a batch fills or the flush interval fires. A single send lock serializes
// all transport calls, so an in-flight send is never preempted.
type Batcher struct {
	cfg    Config
	queue  *Queue
	sender Sender

	sendMu sync.Mutex

	statsMu sync.Mutex
	stats   Stats

	// OnFlush observes every flush that moved or failed events.
	OnFlush func(FlushResult)
	// OnDrop receives events discarded by the queue or the batcher.
	OnDrop func(event.Event, string)
}

// NewBatcher creates a batcher delivering through sender.
func NewBatcher(cfg Config, sender Sender) *Batcher {
	def := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BatchSize > cfg.MaxSize {
		cfg.BatchSize = cfg.MaxSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.Staleness <= 0 {
		cfg.Staleness = def.Staleness
	}

	b := &Batcher{
		cfg:    cfg,
		queue:  NewQueue(cfg.MaxSize),
		sender: sender,
	}
	b.queue.OnDrop = func(ev event.Event, reason string) {
		b.statsMu.Lock()
		b.stats.Dropped++
		b.statsMu.Unlock()
		if b.OnDrop != nil {
			b.OnDrop(ev, reason)
		}
	}
	return b
}

// Add routes one admitted event. High priority goes out immediately,
// bypassing the queue; on send failure it is requeued for the next batch.
// Everything else is enqueued, and a full batch triggers a flush.
func (b *Batcher) Add(ctx context.Context, ev event.Event) error {
	if ev.Priority() == event.PriorityHigh {
		return b.sendImmediate(ctx, ev)
	}

	if !b.queue.Enqueue(ev) {
		return errors.QueueFull(b.queue.Cap())
	}
	b.statsMu.Lock()
	b.stats.Enqueued++
	b.statsMu.Unlock()

	if b.queue.Len() >= b.cfg.BatchSize {
		b.Flush(ctx)
	}
	return nil
}

func (b *Batcher) sendImmediate(ctx context.Context, ev event.Event) error {
	b.sendMu.Lock()
	err := b.sender.Send(ctx, []event.Event{ev})
	b.sendMu.Unlock()

	b.statsMu.Lock()
	if err != nil {
		b.stats.EventsFailed++
	} else {
		b.stats.ImmediateSent++
		b.stats.EventsSent++
	}
	b.statsMu.Unlock()

	if err != nil {
		if b.queue.Enqueue(ev) {
			b.statsMu.Lock()
			b.stats.Requeued++
			b.statsMu.Unlock()
		}
		return errors.Wrap(err, errors.CodeSendFailed, "immediate dispatch failed")
	}
	return nil
}

// Flush drains the queue in batch-sized chunks until it is empty or a
// send fails. Stale events are purged first. A failed chunk is restored
// to the queue and the flush stops there. Flushing an empty queue is a
// no-op and returns zero counts.
func (b *Batcher) Flush(ctx context.Context) FlushResult {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	var res FlushResult
	b.queue.PurgeStale(b.cfg.Staleness)

	for {
		entries := b.queue.Drain(b.cfg.BatchSize)
		if len(entries) == 0 {
			break
		}
		events := make([]event.Event, len(entries))
		for i, e := range entries {
			events[i] = e.Event
		}
		if err := b.sender.Send(ctx, events); err != nil {
			res.Failed += len(entries)
			requeued := b.queue.Restore(entries)
			b.statsMu.Lock()
			b.stats.EventsFailed += int64(len(entries))
			b.stats.Requeued += int64(requeued)
			b.statsMu.Unlock()
			break
		}
		res.Sent += len(entries)
		res.Batches++
	}

	if res.Batches > 0 || res.Failed > 0 {
		b.statsMu.Lock()
		b.stats.BatchesSent += int64(res.Batches)
		b.stats.EventsSent += int64(res.Sent)
		b.statsMu.Unlock()
		if b.OnFlush != nil {
			b.OnFlush(res)
		}
	}
	return res
}

// Run flushes on the configured interval until ctx is canceled.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Flush(ctx)
		}
	}
}

// Clear discards everything queued without sending.
func (b *Batcher) Clear() int {
	return b.queue.Clear()
}

// Len returns the number of events waiting in the queue.
func (b *Batcher) Len() int {
	return b.queue.Len()
}

// Queue exposes the underlying buffer.
func (b *Batcher) Queue() *Queue {
	return b.queue
}

// Stats returns a snapshot of batcher counters.
func (b *Batcher) Stats() Stats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	s := b.stats
	s.QueueDepth = b.queue.Len()
	return s
}
