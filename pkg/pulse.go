// Package pkg provides the main entry point for the Pulse library.
//
// Pulse is a client-side event telemetry pipeline: it captures product
// events inside a host application, rate-limits and batches them, and
// streams them to a collector over one persistent connection.
//
// Basic usage:
//
//	// Capture with defaults against a local collector
//	client, err := pulse.Start(ctx, pulse.WithEndpoint("localhost:7070"))
//	defer client.Close(ctx)
//	client.TrackPageView("/pricing", "Pricing")
//
//	// Full control
//	cfg := config.Default()
//	cfg.SampleRate = 0.5
//	client, err := pulse.New(pulse.WithConfig(cfg))
//	err = client.Start(ctx)
package pkg

import (
	"context"

	"github.com/pulsekit/pulse/pkg/config"
	"github.com/pulsekit/pulse/pkg/fingerprint"
	"github.com/pulsekit/pulse/pkg/interfaces"
	"github.com/pulsekit/pulse/pkg/storage"
	"github.com/pulsekit/pulse/pkg/tracker"
)

// Client is a Pulse pipeline bound to one host application.
type Client struct {
	*tracker.Tracker
	cfg *config.Config
}

// Option configures the client.
type Option func(*clientConfig)

type clientConfig struct {
	cfg         *config.Config
	trackerOpts []tracker.Option
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg *config.Config) Option {
	return func(c *clientConfig) { c.cfg = cfg }
}

// WithEndpoint sets the collector address, host:port.
func WithEndpoint(addr string) Option {
	return func(c *clientConfig) { c.cfg.Endpoint = addr }
}

// WithSampleRate sets the admission sampling rate in [0,1].
func WithSampleRate(r float64) Option {
	return func(c *clientConfig) { c.cfg.SampleRate = r }
}

// WithStrategy sets the throttle strategy: drop, queue, or sample.
func WithStrategy(s string) Option {
	return func(c *clientConfig) { c.cfg.Throttle.Strategy = s }
}

// WithStorage selects the state backend and its directory.
func WithStorage(backend, dir string) Option {
	return func(c *clientConfig) {
		c.cfg.Storage.Backend = backend
		c.cfg.Storage.Dir = dir
	}
}

// WithRedis stores state in redis at addr.
func WithRedis(addr string) Option {
	return func(c *clientConfig) {
		c.cfg.Storage.Backend = "redis"
		c.cfg.Storage.Redis.Addr = addr
	}
}

// WithInclude restricts capture to the listed event types.
func WithInclude(types ...string) Option {
	return func(c *clientConfig) { c.cfg.Filters.Include = types }
}

// WithExclude drops the listed event types at capture.
func WithExclude(types ...string) Option {
	return func(c *clientConfig) { c.cfg.Filters.Exclude = types }
}

// WithDenylist strips the named payload fields before admission.
func WithDenylist(fields ...string) Option {
	return func(c *clientConfig) { c.cfg.Privacy.Denylist = fields }
}

// WithTransport sets the transport.
func WithTransport(t tracker.Transport) Option {
	return func(c *clientConfig) {
		c.trackerOpts = append(c.trackerOpts, tracker.WithTransport(t))
	}
}

// WithStore sets the state store.
func WithStore(s storage.Store) Option {
	return func(c *clientConfig) {
		c.trackerOpts = append(c.trackerOpts, tracker.WithStore(s))
	}
}

// WithAlerter sets the alerter.
func WithAlerter(a interfaces.Alerter) Option {
	return func(c *clientConfig) {
		c.trackerOpts = append(c.trackerOpts, tracker.WithAlerter(a))
	}
}

// WithSignalProvider sets the fingerprint signal provider.
func WithSignalProvider(p fingerprint.Provider) Option {
	return func(c *clientConfig) {
		c.trackerOpts = append(c.trackerOpts, tracker.WithSignalProvider(p))
	}
}

// WithDoNotTrackProbe sets the runtime DNT probe.
func WithDoNotTrackProbe(probe func() bool) Option {
	return func(c *clientConfig) {
		c.trackerOpts = append(c.trackerOpts, tracker.WithDoNotTrackProbe(probe))
	}
}

// New creates a Pulse client. The pipeline does not run until Start.
func New(opts ...Option) (*Client, error) {
	cc := &clientConfig{cfg: config.Default()}
	for _, opt := range opts {
		opt(cc)
	}

	t, err := tracker.New(cc.cfg, cc.trackerOpts...)
	if err != nil {
		return nil, err
	}
	return &Client{Tracker: t, cfg: cc.cfg}, nil
}

// Start creates a client and starts its pipeline in one call.
func Start(ctx context.Context, opts ...Option) (*Client, error) {
	c, err := New(opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Tracker.Start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Config returns the effective configuration.
func (c *Client) Config() *config.Config { return c.cfg }

// Version information
const (
	Version   = "0.1.0"
	GitCommit = "dev"
)
