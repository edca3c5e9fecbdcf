// Package hooks lets the host observe and shape the event pipeline.
// Hooks run at fixed points: before an event enters admission, after a
// batch is acknowledged, when an event is dropped, and on errors.
package hooks

import (
	"context"
	"sync"

	"github.com/pulsekit/pulse/pkg/event"
)

// Manager holds all registered hooks.
type Manager struct {
	mu sync.RWMutex

	beforeCapture []BeforeCaptureHook
	afterDeliver  []AfterDeliverHook
	dropHooks     []DropHook
	errorHooks    []ErrorHook
}

// NewManager creates an empty hook manager.
func NewManager() *Manager {
	return &Manager{}
}

// BeforeCaptureHook runs before an event enters admission. The hook may
// mutate the event or replace it; returning a nil event vetoes capture.
// Use cases: enrichment, redaction, host-side filtering.
type BeforeCaptureHook func(ctx context.Context, e *event.Event) (*event.Event, error)

// AfterDeliverHook runs after a batch is acknowledged by the collector.
// Use cases: logging, host-side counters, test synchronization.
type AfterDeliverHook func(ctx context.Context, delivered []event.Event) error

// DropHook runs when the pipeline discards an event. Reason names the
// discard site: "rate_limited", "sampled_out", "backlog_full", "stale",
// "overflow", "queue_full", or "backpressure".
type DropHook func(ctx context.Context, e event.Event, reason string)

// ErrorHook runs when a pipeline phase fails. The hook may replace the
// error; returning nil suppresses it.
type ErrorHook func(ctx context.Context, err error, phase string) error

// RegisterBeforeCapture adds a before-capture hook.
func (m *Manager) RegisterBeforeCapture(hook BeforeCaptureHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beforeCapture = append(m.beforeCapture, hook)
}

// RegisterAfterDeliver adds an after-deliver hook.
func (m *Manager) RegisterAfterDeliver(hook AfterDeliverHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.afterDeliver = append(m.afterDeliver, hook)
}

// RegisterDrop adds a drop hook.
func (m *Manager) RegisterDrop(hook DropHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropHooks = append(m.dropHooks, hook)
}

// RegisterError adds an error hook.
func (m *Manager) RegisterError(hook ErrorHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorHooks = append(m.errorHooks, hook)
}

// RunBeforeCapture chains the before-capture hooks. A nil result means
// a hook vetoed the event.
func (m *Manager) RunBeforeCapture(ctx context.Context, e *event.Event) (*event.Event, error) {
	m.mu.RLock()
	hooks := m.beforeCapture
	m.mu.RUnlock()

	var err error
	for _, hook := range hooks {
		e, err = hook(ctx, e)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return nil, nil
		}
	}
	return e, nil
}

// RunAfterDeliver executes the after-deliver hooks, stopping at the
// first error.
func (m *Manager) RunAfterDeliver(ctx context.Context, delivered []event.Event) error {
	m.mu.RLock()
	hooks := m.afterDeliver
	m.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, delivered); err != nil {
			return err
		}
	}
	return nil
}

// RunDrop executes the drop hooks.
func (m *Manager) RunDrop(ctx context.Context, e event.Event, reason string) {
	m.mu.RLock()
	hooks := m.dropHooks
	m.mu.RUnlock()

	for _, hook := range hooks {
		hook(ctx, e, reason)
	}
}

// RunError executes the error hooks. Each hook may replace the error;
// the final value is returned.
func (m *Manager) RunError(ctx context.Context, err error, phase string) error {
	m.mu.RLock()
	hooks := m.errorHooks
	m.mu.RUnlock()

	for _, hook := range hooks {
		err = hook(ctx, err, phase)
		if err == nil {
			return nil
		}
	}
	return err
}

// Clear removes all registered hooks.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.beforeCapture = nil
	m.afterDeliver = nil
	m.dropHooks = nil
	m.errorHooks = nil
}

// --- Built-in hooks ---

// ExcludeTypesHook vetoes events of the listed types.
func ExcludeTypesHook(types ...event.Type) BeforeCaptureHook {
	excluded := make(map[event.Type]bool, len(types))
	for _, t := range types {
		excluded[t] = true
	}
	return func(ctx context.Context, e *event.Event) (*event.Event, error) {
		if excluded[e.Type] {
			return nil, nil
		}
		return e, nil
	}
}

// AnnotateHook applies fn to every captured event.
func AnnotateHook(fn func(*event.Event)) BeforeCaptureHook {
	return func(ctx context.Context, e *event.Event) (*event.Event, error) {
		fn(e)
		return e, nil
	}
}

// LoggingDropHook logs every dropped event through the given printf.
func LoggingDropHook(logf func(format string, args ...any)) DropHook {
	return func(ctx context.Context, e event.Event, reason string) {
		logf("dropped %s event %s: %s", e.Type, e.ID, reason)
	}
}
