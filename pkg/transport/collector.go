package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pulsekit/pulse/pkg/event"
)

// Collector is a development collector endpoint speaking the framed
// envelope protocol. It decodes incoming envelopes, hands the events to
// OnEvents, and replies with an ack carrying its processing latency.
type Collector struct {
	mu        sync.Mutex
	listener  net.Listener
	conns     map[net.Conn]struct{}
	closed    bool
	envelopes int64
	received  int64

	// OnEvents receives every decoded batch.
	OnEvents func([]event.Event)
	// OnError observes per-connection protocol errors.
	OnError func(error)
}

// NewCollector creates an idle collector. Call Listen then Serve.
func NewCollector() *Collector {
	return &Collector{conns: make(map[net.Conn]struct{})}
}

// Listen binds the collector to addr ("host:port", ":0" for ephemeral)
// and returns the bound address.
func (c *Collector) Listen(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.listener = ln
	c.closed = false
	c.mu.Unlock()
	return ln.Addr().String(), nil
}

// Serve accepts connections until ctx is canceled or Close is called.
func (c *Collector) Serve(ctx context.Context) error {
	c.mu.Lock()
	ln := c.listener
	c.mu.Unlock()
	if ln == nil {
		return errors.New("collector is not listening")
	}

	go func() {
		<-ctx.Done()
		c.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed || ctx.Err() != nil {
				return nil
			}
			return err
		}

		c.mu.Lock()
		c.conns[conn] = struct{}{}
		c.mu.Unlock()
		go c.handleConn(conn)
	}
}

func (c *Collector) handleConn(conn net.Conn) {
	defer func() {
		conn.Close()
		c.mu.Lock()
		delete(c.conns, conn)
		c.mu.Unlock()
	}()

	for {
		kind, payload, err := c.readAndDecode(conn)
		if err != nil {
			return
		}
		if kind != FrameEnvelope {
			c.reply(conn, Response{Type: ResponseError, Message: "unexpected frame kind"})
			continue
		}

		start := time.Now()
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			c.protocolError(conn, "malformed envelope: "+err.Error())
			continue
		}
		events, err := env.Events()
		if err != nil {
			c.protocolError(conn, err.Error())
			continue
		}

		c.mu.Lock()
		c.envelopes++
		c.received += int64(len(events))
		handler := c.OnEvents
		c.mu.Unlock()
		if handler != nil {
			handler(events)
		}

		latency := float64(time.Since(start).Microseconds()) / 1000.0
		if err := c.reply(conn, Response{Type: ResponseAck, Latency: latency}); err != nil {
			return
		}
	}
}

func (c *Collector) readAndDecode(conn net.Conn) (byte, []byte, error) {
	kind, payload, err := ReadFrame(conn)
	if err != nil {
		// A clean client disconnect is not a protocol error.
		if c.OnError != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
			c.OnError(err)
		}
		return 0, nil, err
	}
	return kind, payload, nil
}

func (c *Collector) protocolError(conn net.Conn, message string) {
	if c.OnError != nil {
		c.OnError(errors.New(message))
	}
	c.reply(conn, Response{Type: ResponseError, Message: message})
}

func (c *Collector) reply(conn net.Conn, resp Response) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return WriteFrame(conn, FrameResponse, raw, false)
}

// Close stops accepting and drops every open connection.
func (c *Collector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ln := c.listener
	conns := make([]net.Conn, 0, len(c.conns))
	for conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, conn := range conns {
		conn.Close()
	}
	return err
}

// Addr returns the bound listen address, or empty before Listen.
func (c *Collector) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Received returns the total number of events decoded so far.
func (c *Collector) Received() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.received
}

// Envelopes returns the total number of envelopes processed so far.
func (c *Collector) Envelopes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.envelopes
}
