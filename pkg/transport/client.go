package transport

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pulsekit/pulse/pkg/event"

	perrors "github.com/pulsekit/pulse/pkg/errors"
)

// Status is the connection state exposed to health checks.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// maxBackoff bounds the reconnect delay however many attempts fail.
const maxBackoff = 30 * time.Second

// Config controls the client connection and send behavior.
type Config struct {
	Endpoint        string        `yaml:"endpoint"`
	Compression     string        `yaml:"compression"`
	MaxPayloadBytes int           `yaml:"max_payload_bytes"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	// BackoffBase is doubled per reconnect attempt.
	BackoffBase          time.Duration `yaml:"backoff_base"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	AckTimeout           time.Duration `yaml:"ack_timeout"`
}

// DefaultConfig returns the standard transport settings.
func DefaultConfig() Config {
	return Config{
		Endpoint:             "localhost:4817",
		Compression:          "gzip",
		MaxPayloadBytes:      1 << 20,
		DialTimeout:          5 * time.Second,
		BackoffBase:          time.Second,
		MaxReconnectAttempts: 5,
		AckTimeout:           5 * time.Second,
	}
}

// Stats is a snapshot of transport counters.
type Stats struct {
	Status        Status        `json:"status"`
	Sends         int64         `json:"sends"`
	Acks          int64         `json:"acks"`
	Failures      int64         `json:"failures"`
	Reconnects    int64         `json:"reconnects"`
	BytesOut      int64         `json:"bytes_out"`
	AvgAckLatency time.Duration `json:"avg_ack_latency"`
}

// Client holds one persistent connection to the collector. Sends are
// synchronous round trips: write an envelope frame, wait for the ack.
// On connection loss the client reconnects in the background with
// exponential backoff, giving up after the configured attempt count
// until the next explicit Connect.
type Client struct {
	cfg Config

	mu       sync.Mutex
	conn     net.Conn
	status   Status
	attempts int
	closed   bool

	sends      int64
	acks       int64
	failures   int64
	reconnects int64
	bytesOut   int64
	avgLatency time.Duration

	ioMu sync.Mutex
	kick chan struct{}

	// OnConnect fires after a connection is established.
	OnConnect func()
	// OnDisconnect fires when the connection is lost, with the cause.
	OnDisconnect func(error)
	// OnAck fires per acknowledged send with the round-trip latency.
	OnAck func(time.Duration)

	dial func(ctx context.Context, endpoint string) (net.Conn, error)
	now  func() time.Time
}

// NewClient creates a client for the given collector endpoint.
func NewClient(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = def.MaxPayloadBytes
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}

	c := &Client{
		cfg:    cfg,
		status: StatusDisconnected,
		kick:   make(chan struct{}, 1),
		now:    time.Now,
	}
	c.dial = func(ctx context.Context, endpoint string) (net.Conn, error) {
		d := net.Dialer{Timeout: cfg.DialTimeout}
		return d.DialContext(ctx, "tcp", endpoint)
	}
	return c
}

// Connect establishes the collector connection. A successful open
// resets the reconnect attempt counter.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.status == StatusConnected {
		c.mu.Unlock()
		return nil
	}
	c.status = StatusConnecting
	c.closed = false
	c.mu.Unlock()

	conn, err := c.dial(ctx, c.cfg.Endpoint)
	if err != nil {
		c.mu.Lock()
		c.status = StatusDisconnected
		c.mu.Unlock()
		return perrors.Wrap(err, perrors.CodeConnClosed, "dial collector").
			WithContext("endpoint", c.cfg.Endpoint)
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.status = StatusConnected
	c.attempts = 0
	c.mu.Unlock()

	if c.OnConnect != nil {
		c.OnConnect()
	}
	return nil
}

// Send delivers events as one envelope and waits for the collector
// acknowledgment. Payloads over the size limit are rejected locally.
// Send never retries; requeueing on failure is the queue's job.
func (c *Client) Send(ctx context.Context, events []event.Event) error {
	env, err := NewEnvelope(events, c.now())
	if err != nil {
		return perrors.Wrap(err, perrors.CodeEncodeFailed, "build envelope")
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return perrors.Wrap(err, perrors.CodeEncodeFailed, "encode envelope")
	}
	if len(raw) > c.cfg.MaxPayloadBytes {
		c.mu.Lock()
		c.failures++
		c.mu.Unlock()
		return perrors.PayloadTooLarge(len(raw), c.cfg.MaxPayloadBytes)
	}

	c.mu.Lock()
	conn := c.conn
	connected := c.status == StatusConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		c.mu.Lock()
		c.failures++
		c.mu.Unlock()
		return perrors.New(perrors.CodeConnClosed, "transport is not connected")
	}

	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	start := c.now()
	conn.SetDeadline(start.Add(c.cfg.AckTimeout))
	defer conn.SetDeadline(time.Time{})

	out := &countingWriter{w: conn}
	if err := WriteFrame(out, FrameEnvelope, raw, c.cfg.Compression == "gzip"); err != nil {
		return c.sendFailed(err, "write envelope")
	}

	kind, payload, err := ReadFrame(conn)
	if err != nil {
		return c.sendFailed(err, "read collector response")
	}
	if kind != FrameResponse {
		return c.sendFailed(io.ErrUnexpectedEOF, "unexpected frame kind")
	}
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return c.sendFailed(err, "decode collector response")
	}

	c.mu.Lock()
	c.sends++
	c.bytesOut += out.n
	c.mu.Unlock()

	switch resp.Type {
	case ResponseAck:
		rtt := c.now().Sub(start)
		c.mu.Lock()
		c.acks++
		if c.acks == 1 {
			c.avgLatency = rtt
		} else {
			c.avgLatency = (c.avgLatency*7 + rtt) / 8
		}
		c.mu.Unlock()
		if c.OnAck != nil {
			c.OnAck(rtt)
		}
		return nil
	case ResponseError:
		c.mu.Lock()
		c.failures++
		c.mu.Unlock()
		return perrors.New(perrors.CodeSendFailed, "collector rejected envelope").
			WithContext("message", resp.Message)
	default:
		return c.sendFailed(io.ErrUnexpectedEOF, "unknown response type "+resp.Type)
	}
}

// sendFailed records an I/O failure, drops the connection, and wakes
// the reconnect loop.
func (c *Client) sendFailed(err error, op string) error {
	c.mu.Lock()
	c.failures++
	c.mu.Unlock()
	c.dropConn(err)
	return perrors.Wrap(err, perrors.CodeSendFailed, op)
}

// dropConn closes the connection and signals the reconnect loop.
func (c *Client) dropConn(cause error) {
	c.mu.Lock()
	already := c.status == StatusDisconnected
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.status = StatusDisconnected
	closed := c.closed
	c.mu.Unlock()

	if already {
		return
	}
	if c.OnDisconnect != nil {
		c.OnDisconnect(cause)
	}
	if !closed {
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
}

// Run reconnects with exponential backoff whenever the connection drops,
// until ctx is canceled.
func (c *Client) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.kick:
		}
		c.reconnect(ctx)
	}
}

func (c *Client) reconnect(ctx context.Context) {
	for {
		c.mu.Lock()
		if c.closed || c.status == StatusConnected {
			c.mu.Unlock()
			return
		}
		attempt := c.attempts
		c.mu.Unlock()

		if attempt >= c.cfg.MaxReconnectAttempts {
			return
		}
		if attempt > 20 {
			attempt = 20
		}
		delay := c.cfg.BackoffBase << attempt
		if delay > maxBackoff {
			delay = maxBackoff
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if err := c.Connect(ctx); err != nil {
			c.mu.Lock()
			c.attempts++
			c.mu.Unlock()
			continue
		}
		c.mu.Lock()
		c.reconnects++
		c.mu.Unlock()
		return
	}
}

// Close tears the connection down and disables automatic reconnection
// until the next explicit Connect.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	wasConnected := c.status == StatusConnected
	c.status = StatusDisconnected
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	if wasConnected && c.OnDisconnect != nil {
		c.OnDisconnect(nil)
	}
	return err
}

// Status returns the current connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Stats returns a snapshot of transport counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Status:        c.status,
		Sends:         c.sends,
		Acks:          c.acks,
		Failures:      c.failures,
		Reconnects:    c.reconnects,
		BytesOut:      c.bytesOut,
		AvgAckLatency: c.avgLatency,
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
