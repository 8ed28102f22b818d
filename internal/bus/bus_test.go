package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"windowwatch/internal/alerts"
	"windowwatch/internal/rules"
)

func sampleTransition() alerts.Transition {
	at := time.Date(2024, 3, 1, 12, 0, 9, 0, time.UTC)
	return alerts.Transition{
		Entry: alerts.LedgerEntry{MetricID: "m-1", Seq: 3, Action: alerts.ActionTriggered, EventCount: 10, Threshold: 10, Timestamp: at},
		State: alerts.AnomalyState{MetricID: "m-1", Severity: rules.SeverityCritical, Status: alerts.StatusActive, DetectedAt: &at},
	}
}

func TestTransitionMessages(t *testing.T) {
	msgs, err := transitionMessages([]alerts.Transition{sampleTransition()})
	if err != nil {
		t.Fatalf("build messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	msg := msgs[0]
	if string(msg.Key) != "m-1" {
		t.Fatalf("messages must be keyed by metric id, got %q", msg.Key)
	}
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["action"] != "TRIGGERED" || headers["severity"] != "critical" || headers["seq"] != "3" {
		t.Fatalf("unexpected headers %v", headers)
	}
	var decoded alerts.Transition
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode value: %v", err)
	}
	if decoded.Entry.EventCount != 10 || decoded.State.Status != alerts.StatusActive {
		t.Fatalf("unexpected payload %+v", decoded)
	}
}

type sink struct {
	calls int
	err   error
}

func (s *sink) PublishTransitions(ctx context.Context, ts []alerts.Transition) error {
	s.calls++
	return s.err
}

func TestFanout(t *testing.T) {
	failing := &sink{err: errors.New("broker down")}
	ok := &sink{}
	err := Fanout{failing, ok}.PublishTransitions(context.Background(), []alerts.Transition{sampleTransition()})
	if err == nil || failing.calls != 1 || ok.calls != 1 {
		t.Fatalf("every sink should be called and errors joined: err=%v calls=%d/%d", err, failing.calls, ok.calls)
	}
}

func TestNewKafkaNotifierValidates(t *testing.T) {
	if _, err := NewKafkaNotifier(nil, "alerts", KafkaOptions{}); err == nil {
		t.Fatalf("expected broker error")
	}
	if _, err := NewKafkaNotifier([]string{"localhost:9092"}, "", KafkaOptions{}); err == nil {
		t.Fatalf("expected topic error")
	}
	n, err := NewKafkaNotifier([]string{"localhost:9092"}, "alerts", KafkaOptions{})
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := n.PublishTransitions(context.Background(), []alerts.Transition{sampleTransition()}); !errors.Is(err, ErrNotifierClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}
