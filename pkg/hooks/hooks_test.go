package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/pulsekit/pulse/pkg/event"
)

func TestBeforeCaptureChain(t *testing.T) {
	m := NewManager()
	m.RegisterBeforeCapture(AnnotateHook(func(e *event.Event) {
		e.UserID = "user-1"
	}))
	m.RegisterBeforeCapture(AnnotateHook(func(e *event.Event) {
		e.Context.Language = "en-GB"
	}))

	e := event.New(event.TypeClick, &event.ClickPayload{Element: "button"})
	out, err := m.RunBeforeCapture(context.Background(), &e)
	if err != nil {
		t.Fatalf("RunBeforeCapture: %v", err)
	}
	if out.UserID != "user-1" || out.Context.Language != "en-GB" {
		t.Errorf("hooks did not apply in order: %+v", out)
	}
}

func TestBeforeCaptureVeto(t *testing.T) {
	m := NewManager()
	m.RegisterBeforeCapture(ExcludeTypesHook(event.TypeClick))

	ran := false
	m.RegisterBeforeCapture(func(ctx context.Context, e *event.Event) (*event.Event, error) {
		ran = true
		return e, nil
	})

	click := event.New(event.TypeClick, nil)
	out, err := m.RunBeforeCapture(context.Background(), &click)
	if err != nil {
		t.Fatalf("RunBeforeCapture: %v", err)
	}
	if out != nil {
		t.Error("vetoed event still returned")
	}
	if ran {
		t.Error("later hook ran after veto")
	}

	view := event.New(event.TypePageView, nil)
	kept, err := m.RunBeforeCapture(context.Background(), &view)
	if err != nil || kept == nil {
		t.Fatalf("non-excluded type vetoed: %v, %v", kept, err)
	}
}

func TestBeforeCaptureError(t *testing.T) {
	m := NewManager()
	boom := errors.New("boom")
	m.RegisterBeforeCapture(func(ctx context.Context, e *event.Event) (*event.Event, error) {
		return nil, boom
	})

	ev := event.New(event.TypeClick, nil)
	out, err := m.RunBeforeCapture(context.Background(), &ev)
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	if out != nil {
		t.Error("event returned alongside error")
	}
}

func TestAfterDeliverStopsOnError(t *testing.T) {
	m := NewManager()
	boom := errors.New("boom")
	var calls int
	m.RegisterAfterDeliver(func(ctx context.Context, delivered []event.Event) error {
		calls++
		return boom
	})
	m.RegisterAfterDeliver(func(ctx context.Context, delivered []event.Event) error {
		calls++
		return nil
	})

	err := m.RunAfterDeliver(context.Background(), []event.Event{event.New(event.TypeClick, nil)})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDropHooks(t *testing.T) {
	m := NewManager()
	var got []string
	m.RegisterDrop(func(ctx context.Context, e event.Event, reason string) {
		got = append(got, reason)
	})

	m.RunDrop(context.Background(), event.New(event.TypeClick, nil), "throttled")
	m.RunDrop(context.Background(), event.New(event.TypeClick, nil), "stale")

	if len(got) != 2 || got[0] != "throttled" || got[1] != "stale" {
		t.Errorf("drop reasons = %v", got)
	}
}

func TestErrorHookMayReplaceAndSuppress(t *testing.T) {
	m := NewManager()
	replaced := errors.New("replaced")
	m.RegisterError(func(ctx context.Context, err error, phase string) error {
		return replaced
	})

	if err := m.RunError(context.Background(), errors.New("orig"), "send"); !errors.Is(err, replaced) {
		t.Errorf("err = %v, want replaced", err)
	}

	m.Clear()
	m.RegisterError(func(ctx context.Context, err error, phase string) error {
		return nil
	})
	if err := m.RunError(context.Background(), errors.New("orig"), "send"); err != nil {
		t.Errorf("suppressed error still returned: %v", err)
	}
}

func TestClear(t *testing.T) {
	m := NewManager()
	m.RegisterBeforeCapture(ExcludeTypesHook(event.TypeClick))
	m.Clear()

	ev := event.New(event.TypeClick, nil)
	out, err := m.RunBeforeCapture(context.Background(), &ev)
	if err != nil || out == nil {
		t.Errorf("cleared manager still vetoing: %v, %v", out, err)
	}
}
