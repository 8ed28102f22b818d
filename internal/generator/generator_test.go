package generator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"windowwatch/internal/events"
	"windowwatch/internal/storage"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Submit(ctx context.Context, sourceType string, payload map[string]any) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events.Event{ID: int64(len(r.events) + 1), SourceType: sourceType, Payload: payload})
	return int64(len(r.events)), nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestBurst(t *testing.T) {
	rec := &recorder{}
	g := New(rec, WithBurstDelay(0))

	n, err := g.Burst(context.Background(), "login", 15, "")
	if err != nil || n != 15 {
		t.Fatalf("burst: %d %v", n, err)
	}
	for _, evt := range rec.events {
		if evt.SourceType != "login" || evt.Payload["status"] != "failed" || evt.Payload["user_agent"] != "BurstTest" {
			t.Fatalf("unexpected burst event %+v", evt)
		}
	}

	if _, err := g.Burst(context.Background(), "kyc", 3, "approved"); err != nil {
		t.Fatalf("kyc burst: %v", err)
	}
	if got := rec.events[len(rec.events)-1].Payload["kyc_status"]; got != "approved" {
		t.Fatalf("explicit status ignored: %v", got)
	}

	for _, tc := range []struct {
		source string
		count  int
	}{
		{"login", 0},
		{"login", MaxBurst + 1},
		{"user", 5},
		{"unknown", 5},
	} {
		if _, err := g.Burst(context.Background(), tc.source, tc.count, ""); !errors.Is(err, ErrBadBurst) {
			t.Fatalf("%s x%d: expected ErrBadBurst, got %v", tc.source, tc.count, err)
		}
	}
	if st := g.Status(); st.Generated != 18 || st.Running {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestStartStop(t *testing.T) {
	rec := &recorder{}
	g := New(rec, WithStreams([]Stream{{
		SourceType:  "tick",
		MinInterval: time.Millisecond,
		MaxInterval: 2 * time.Millisecond,
		Payload:     func() map[string]any { return map[string]any{"n": 1} },
	}}))

	if err := g.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := g.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Cancelling the caller's context does not stop the streams.
	cancel()
	if err := g.Start(context.Background()); !errors.Is(err, ErrRunning) {
		t.Fatalf("expected ErrRunning, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for rec.count() < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("generator produced only %d events", rec.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
	st := g.Status()
	if !st.Running || st.StartedAt == nil || len(st.Streams) != 1 || st.Streams[0] != "tick" {
		t.Fatalf("unexpected status %+v", st)
	}

	if err := g.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	stopped := rec.count()
	time.Sleep(20 * time.Millisecond)
	if rec.count() != stopped {
		t.Fatalf("events generated after stop: %d then %d", stopped, rec.count())
	}
	if g.Status().Running {
		t.Fatalf("status should report stopped")
	}
}

func TestBurstThroughEventService(t *testing.T) {
	store := storage.NewMemory()
	g := New(events.NewService(store), WithBurstDelay(0))
	if _, err := g.Burst(context.Background(), "transaction", 4, "failed"); err != nil {
		t.Fatalf("burst: %v", err)
	}
	list, err := store.ListEvents(context.Background(), "transaction", 10, 0)
	if err != nil || len(list) != 4 {
		t.Fatalf("expected 4 stored events, got %d %v", len(list), err)
	}
	if list[0].Payload["status"] != "failed" || list[0].Payload["currency"] != "USD" {
		t.Fatalf("unexpected payload %+v", list[0].Payload)
	}
}

func TestDefaultStreamsProduceValidEvents(t *testing.T) {
	for _, s := range DefaultStreams() {
		if s.MinInterval <= 0 || s.MaxInterval < s.MinInterval {
			t.Fatalf("%s: bad interval %s..%s", s.SourceType, s.MinInterval, s.MaxInterval)
		}
		if _, err := events.NormalizePayload(s.Payload()); err != nil {
			t.Fatalf("%s payload rejected: %v", s.SourceType, err)
		}
	}
}
