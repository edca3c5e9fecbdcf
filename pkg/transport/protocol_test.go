package transport

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
	"time"

	"github.com/pulsekit/pulse/pkg/event"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"ack"}`)

	var buf bytes.Buffer
	if err := WriteFrame(&buf, FrameResponse, payload, false); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}

	kind, got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if kind != FrameResponse {
		t.Errorf("kind = %#x, want %#x", kind, FrameResponse)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %q, want %q", got, payload)
	}
}

func TestFrameCompressionRoundTrip(t *testing.T) {
	// Repetitive payload compresses well and must round trip intact.
	payload := []byte(strings.Repeat(`{"element":"button.book-now"},`, 200))

	var buf bytes.Buffer
	if err := WriteFrame(&buf, FrameEnvelope, payload, true); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}

	if buf.Len() >= len(payload)+frameHeaderLength {
		t.Errorf("frame size %d not smaller than raw payload %d", buf.Len(), len(payload))
	}
	if flags := buf.Bytes()[1]; flags&FlagGzip == 0 {
		t.Error("gzip flag not set on compressed frame")
	}

	_, got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("compressed frame did not round trip")
	}
}

func TestFrameSkipsUselessCompression(t *testing.T) {
	// Tiny payloads grow under gzip; the writer must send them raw.
	payload := []byte(`{"a":1}`)

	var buf bytes.Buffer
	if err := WriteFrame(&buf, FrameEnvelope, payload, true); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}
	if flags := buf.Bytes()[1]; flags&FlagGzip != 0 {
		t.Error("gzip flag set on incompressible payload")
	}

	_, got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %q, want %q", got, payload)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var header [frameHeaderLength]byte
	header[0] = FrameEnvelope
	binary.BigEndian.PutUint32(header[2:6], maxFrameLength+1)

	if _, _, err := ReadFrame(bytes.NewReader(header[:])); err == nil {
		t.Fatal("ReadFrame() accepted an oversized frame length")
	}
}

func TestEnvelopeSingleEvent(t *testing.T) {
	ev := event.New(event.TypeError, &event.ErrorPayload{Message: "boom"})

	env, err := NewEnvelope([]event.Event{ev}, time.Now())
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	if env.Type != EnvelopeEvent {
		t.Errorf("Type = %q, want %q", env.Type, EnvelopeEvent)
	}

	decoded, err := env.Events()
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(decoded) != 1 || decoded[0].ID != ev.ID {
		t.Errorf("decoded = %v, want the original event", decoded)
	}
}

func TestEnvelopeBatch(t *testing.T) {
	events := []event.Event{
		event.New(event.TypeClick, &event.ClickPayload{Element: "button"}),
		event.New(event.TypePageView, &event.PageViewPayload{Path: "/services"}),
		event.New(event.TypeSearch, &event.SearchPayload{Query: "massage"}),
	}

	env, err := NewEnvelope(events, time.Now())
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	if env.Type != EnvelopeBatch {
		t.Errorf("Type = %q, want %q", env.Type, EnvelopeBatch)
	}

	decoded, err := env.Events()
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(decoded) != 3 {
		t.Fatalf("decoded %d events, want 3", len(decoded))
	}
	for i := range events {
		if decoded[i].ID != events[i].ID || decoded[i].Type != events[i].Type {
			t.Errorf("decoded[%d] = %s/%s, want %s/%s",
				i, decoded[i].ID, decoded[i].Type, events[i].ID, events[i].Type)
		}
	}
}

func TestEnvelopeEmpty(t *testing.T) {
	if _, err := NewEnvelope(nil, time.Now()); err == nil {
		t.Error("NewEnvelope(nil) should fail")
	}
}

func TestEnvelopeUnknownType(t *testing.T) {
	env := Envelope{Type: "bogus", Data: []byte(`{}`)}
	if _, err := env.Events(); err == nil {
		t.Error("Events() accepted an unknown envelope type")
	}
}
