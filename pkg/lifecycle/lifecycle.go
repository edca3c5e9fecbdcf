// Package lifecycle coordinates the pipeline's background goroutines:
// one context owns every loop, intake is refused once draining starts,
// and teardown closes components in registration order.
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pulsekit/pulse/pkg/errors"
)

// Closer is a component with cleanup.
type Closer interface {
	Close() error
}

// CloserFunc adapts a function to the Closer interface.
type CloserFunc func() error

// Close calls f.
func (f CloserFunc) Close() error { return f() }

// Config tunes drain behavior.
type Config struct {
	// DrainTimeout bounds the wait for in-flight work during Drain,
	// in addition to the caller's context.
	DrainTimeout time.Duration
	// OnDrainStart is called when drain begins.
	OnDrainStart func()
	// OnShutdown is called after drain, before closers run.
	OnShutdown func()
}

// DefaultConfig returns standard drain settings.
func DefaultConfig() Config {
	return Config{
		DrainTimeout: 30 * time.Second,
	}
}

// Runner owns the pipeline's goroutines and teardown order. Teardown
// has two phases: Drain stops intake and waits out in-flight work;
// stop cancels the goroutines and runs the closers. Shutdown does
// both, Kill skips the drain.
type Runner struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	draining bool
	closers  []Closer

	inFlight      sync.WaitGroup
	inFlightCount int64

	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
}

// NewRunner creates a runner with its own root context.
func NewRunner(cfg Config) *Runner {
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Go starts fn under the runner's context. The function must return
// when its context is cancelled.
func (r *Runner) Go(fn func(ctx context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn(r.ctx)
	}()
}

// RegisterCloser adds a component to close during teardown. Closers run
// in registration order.
func (r *Runner) RegisterCloser(c Closer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closers = append(r.closers, c)
}

// Begin marks the start of an intake operation. It returns false once
// draining has begun; the caller must then reject the operation.
// The Add happens under mu so Drain never sees a counter about to rise.
func (r *Runner) Begin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return false
	}
	r.inFlightCount++
	r.inFlight.Add(1)
	return true
}

// End marks the end of an intake operation started with Begin.
func (r *Runner) End() {
	r.inFlight.Done()

	r.mu.Lock()
	r.inFlightCount--
	r.mu.Unlock()
}

// InFlight returns the number of operations between Begin and End.
func (r *Runner) InFlight() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlightCount
}

// Draining reports whether intake has been stopped.
func (r *Runner) Draining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draining
}

// Drain stops intake and waits for in-flight work, bounded by ctx and
// the configured drain timeout. The goroutines keep running so drained
// work can still be processed; call Shutdown or Kill to stop them.
// A second Drain returns immediately.
func (r *Runner) Drain(ctx context.Context) error {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return nil
	}
	r.draining = true
	r.mu.Unlock()

	if r.cfg.OnDrainStart != nil {
		r.cfg.OnDrainStart()
	}

	drained := make(chan struct{})
	go func() {
		r.inFlight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-time.After(r.cfg.DrainTimeout):
		return errors.New(errors.CodeTimeout, "drain timeout").
			WithContext("in_flight", r.InFlight())
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.CodeTimeout, "drain interrupted")
	}
}

// Shutdown drains, stops the goroutines, and closes registered
// components. Goroutine stop and closers always run, even when the
// drain gives up.
func (r *Runner) Shutdown(ctx context.Context) error {
	drainErr := r.Drain(ctx)

	if r.cfg.OnShutdown != nil {
		r.cfg.OnShutdown()
	}

	stopErr := r.stop()
	if drainErr != nil {
		return drainErr
	}
	return stopErr
}

// Kill stops everything immediately, skipping the drain.
func (r *Runner) Kill() error {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()
	return r.stop()
}

// stop cancels the context, waits for goroutines, and runs closers.
// Safe to call more than once; later calls return the first result.
func (r *Runner) stop() error {
	r.stopOnce.Do(func() {
		r.cancel()
		r.wg.Wait()

		r.mu.Lock()
		closers := r.closers
		r.mu.Unlock()

		merr := &errors.MultiError{}
		for _, c := range closers {
			if err := c.Close(); err != nil {
				merr.Add(err)
			}
		}
		r.stopErr = merr.Combined()
		close(r.done)
	})
	return r.stopErr
}

// Wait blocks until teardown has completed.
func (r *Runner) Wait() {
	<-r.done
}

// Context returns the runner's root context.
func (r *Runner) Context() context.Context {
	return r.ctx
}

// RunWithSignalHandling runs fn until it returns or SIGINT/SIGTERM
// arrives, then cancels its context and waits for cleanup.
func RunWithSignalHandling(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() {
		errChan <- fn(ctx)
	}()

	select {
	case err := <-errChan:
		return err
	case <-sigChan:
		cancel()
		select {
		case err := <-errChan:
			return err
		case <-time.After(30 * time.Second):
			return errors.New(errors.CodeTimeout, "shutdown timeout")
		}
	}
}
