package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"windowwatch/internal/alerts"
	"windowwatch/internal/events"
	"windowwatch/internal/logger"
	"windowwatch/internal/metrics"
)

const (
	SubjectEventIngested   = "events.ingested"
	SubjectAlertTransition = "alerts.transition"
	SubjectMetricWildcard  = "metric.*"
)

type Publisher struct {
	Conn *nats.Conn
	log  zerolog.Logger
}

func NewPublisher(url string) (*Publisher, error) {
	conn, err := nats.Connect(url, nats.Name("windowwatch"), nats.MaxReconnects(-1), nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, err
	}
	return &Publisher{Conn: conn, log: logger.WithComponent("bus")}, nil
}

func (p *Publisher) Close() {
	if p.Conn != nil {
		p.Conn.Drain()
		p.Conn.Close()
	}
}

func (p *Publisher) Publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.Conn.Publish(subject, data)
}

// NotifyIngested publishes a wake-up for the evaluator. NATS publishes are buffered
// by the client, so this never waits on the engine.
func (p *Publisher) NotifyIngested(evt events.Event) {
	err := p.Publish(SubjectEventIngested, Message{EventID: evt.ID, SourceType: evt.SourceType})
	if err != nil {
		metrics.NotificationsPublished.WithLabelValues("nats", "failed").Inc()
		p.log.Warn().Err(err).Int64("event_id", evt.ID).Msg("wake-up publish failed")
	}
}

// PublishTransitions sends one message per committed transition.
func (p *Publisher) PublishTransitions(ctx context.Context, transitions []alerts.Transition) error {
	for _, t := range transitions {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.Publish(SubjectAlertTransition, t); err != nil {
			metrics.NotificationsPublished.WithLabelValues("nats", "failed").Inc()
			return err
		}
		metrics.NotificationsPublished.WithLabelValues("nats", "ok").Inc()
	}
	return nil
}

type Subscriber struct {
	Conn *nats.Conn
}

// Message is the envelope of registry and ingestion notifications.
type Message struct {
	MetricID   string `json:"metric_id,omitempty"`
	EventID    int64  `json:"event_id,omitempty"`
	SourceType string `json:"source_type,omitempty"`
}

func NewSubscriber(url string) (*Subscriber, error) {
	conn, err := nats.Connect(url, nats.Name("windowwatch-engine"), nats.MaxReconnects(-1), nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, err
	}
	return &Subscriber{Conn: conn}, nil
}

func (s *Subscriber) Close() {
	if s.Conn != nil {
		s.Conn.Drain()
		s.Conn.Close()
	}
}

func (s *Subscriber) Subscribe(subject string, handler func(string, Message)) (*nats.Subscription, error) {
	return s.Conn.Subscribe(subject, func(msg *nats.Msg) {
		var m Message
		_ = json.Unmarshal(msg.Data, &m)
		handler(msg.Subject, m)
	})
}
