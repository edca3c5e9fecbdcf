// Package transport maintains the streaming connection to the collector.
//
// The wire format is framed binary messages: a 6-byte header (1 byte
// frame kind, 1 byte flags, 4 bytes big-endian payload length) followed
// by a JSON payload. Client frames carry an Envelope, collector frames
// carry a Response.
package transport

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/pulsekit/pulse/pkg/event"
)

// Frame kinds. Changing these breaks client/collector compatibility.
const (
	// FrameEnvelope carries an event or batch envelope, client to collector.
	FrameEnvelope byte = 0x01
	// FrameResponse carries an ack or error, collector to client.
	FrameResponse byte = 0x02
)

// Frame flag bits.
const (
	// FlagGzip marks a gzip-compressed payload.
	FlagGzip byte = 1 << 0
)

// frameHeaderLength is the fixed header size: kind + flags + length.
const frameHeaderLength = 6

// maxFrameLength bounds a single frame payload on the read side.
const maxFrameLength = 16 * 1024 * 1024

// Envelope kinds.
const (
	EnvelopeEvent = "event"
	EnvelopeBatch = "batch"
)

// Response kinds.
const (
	ResponseAck   = "ack"
	ResponseError = "error"
)

// Envelope is the client message: a single event or an event batch.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope wraps events in an envelope: one event travels as
// EnvelopeEvent with the bare object, more travel as EnvelopeBatch
// with an array.
func NewEnvelope(events []event.Event, now time.Time) (Envelope, error) {
	env := Envelope{Timestamp: now.UTC()}
	switch len(events) {
	case 0:
		return env, fmt.Errorf("envelope needs at least one event")
	case 1:
		raw, err := json.Marshal(events[0])
		if err != nil {
			return env, err
		}
		env.Type = EnvelopeEvent
		env.Data = raw
	default:
		raw, err := json.Marshal(events)
		if err != nil {
			return env, err
		}
		env.Type = EnvelopeBatch
		env.Data = raw
	}
	return env, nil
}

// Events decodes the envelope data back into events.
func (e Envelope) Events() ([]event.Event, error) {
	switch e.Type {
	case EnvelopeEvent:
		var ev event.Event
		if err := json.Unmarshal(e.Data, &ev); err != nil {
			return nil, fmt.Errorf("decode event envelope: %w", err)
		}
		return []event.Event{ev}, nil
	case EnvelopeBatch:
		var evs []event.Event
		if err := json.Unmarshal(e.Data, &evs); err != nil {
			return nil, fmt.Errorf("decode batch envelope: %w", err)
		}
		return evs, nil
	default:
		return nil, fmt.Errorf("unknown envelope type %q", e.Type)
	}
}

// Response is the collector reply to one envelope. Latency is the
// collector-side processing time in milliseconds.
type Response struct {
	Type    string  `json:"type"`
	Latency float64 `json:"latency,omitempty"`
	Message string  `json:"message,omitempty"`
}

// WriteFrame writes one framed message to w. The payload is compressed
// when compress is set and compression actually shrinks it.
func WriteFrame(w io.Writer, kind byte, payload []byte, compress bool) error {
	flags := byte(0)
	if compress {
		if packed, ok := gzipBytes(payload); ok {
			payload = packed
			flags |= FlagGzip
		}
	}

	var header [frameHeaderLength]byte
	header[0] = kind
	header[1] = flags
	binary.BigEndian.PutUint32(header[2:6], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one framed message from r, decompressing when flagged.
func ReadFrame(r io.Reader) (kind byte, payload []byte, err error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, fmt.Errorf("read frame header: %w", err)
	}
	kind = header[0]
	flags := header[1]
	length := binary.BigEndian.Uint32(header[2:6])
	if length > maxFrameLength {
		return 0, nil, fmt.Errorf("frame length %d exceeds maximum %d", length, maxFrameLength)
	}

	payload = make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, fmt.Errorf("read frame payload: %w", err)
		}
	}
	if flags&FlagGzip != 0 {
		payload, err = gunzipBytes(payload)
		if err != nil {
			return 0, nil, err
		}
	}
	return kind, payload, nil
}

// gzipBytes compresses data, reporting false when the result would not
// be smaller than the input.
func gzipBytes(data []byte) ([]byte, bool) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, false
	}
	if err := zw.Close(); err != nil {
		return nil, false
	}
	if buf.Len() >= len(data) {
		return nil, false
	}
	return buf.Bytes(), true
}

func gunzipBytes(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, maxFrameLength+1))
	if err != nil {
		return nil, fmt.Errorf("gzip decompress: %w", err)
	}
	if len(out) > maxFrameLength {
		return nil, fmt.Errorf("decompressed frame exceeds maximum %d", maxFrameLength)
	}
	return out, nil
}
