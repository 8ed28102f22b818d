package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"windowwatch/internal/alerts"
	"windowwatch/internal/logger"
	"windowwatch/internal/metrics"
)

var ErrNotifierClosed = errors.New("kafka notifier is closed")

type KafkaOptions struct {
	WriteTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	Compression  string
}

// KafkaNotifier writes committed transitions to a topic keyed by metric id, so all
// transitions of one metric land on one partition in order.
type KafkaNotifier struct {
	writer *kafka.Writer
	opts   KafkaOptions
	closed atomic.Bool
	log    zerolog.Logger
}

func NewKafkaNotifier(brokers []string, topic string, opts KafkaOptions) (*KafkaNotifier, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 100 * time.Millisecond
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: opts.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
		Compression:  getCompression(opts.Compression),
		BatchTimeout: 10 * time.Millisecond,
	}
	return &KafkaNotifier{writer: writer, opts: opts, log: logger.WithComponent("kafka_notifier")}, nil
}

func getCompression(name string) compress.Compression {
	switch name {
	case "gzip":
		return compress.Gzip
	case "snappy":
		return compress.Snappy
	case "lz4":
		return compress.Lz4
	case "zstd":
		return compress.Zstd
	default:
		return compress.None
	}
}

func (k *KafkaNotifier) PublishTransitions(ctx context.Context, transitions []alerts.Transition) error {
	if k.closed.Load() {
		return ErrNotifierClosed
	}
	if len(transitions) == 0 {
		return nil
	}
	messages, err := transitionMessages(transitions)
	if err != nil {
		return err
	}
	if err := k.writeWithRetry(ctx, messages); err != nil {
		metrics.NotificationsPublished.WithLabelValues("kafka", "failed").Add(float64(len(messages)))
		return err
	}
	metrics.NotificationsPublished.WithLabelValues("kafka", "ok").Add(float64(len(messages)))
	return nil
}

func (k *KafkaNotifier) writeWithRetry(ctx context.Context, messages []kafka.Message) error {
	var lastErr error
	backoff := k.opts.RetryBackoff
	for attempt := 0; attempt <= k.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			k.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("retrying transition publish")
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err := k.writer.WriteMessages(ctx, messages...)
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", k.opts.MaxRetries+1, lastErr)
}

func transitionMessages(transitions []alerts.Transition) ([]kafka.Message, error) {
	messages := make([]kafka.Message, 0, len(transitions))
	for _, t := range transitions {
		data, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("serialize transition: %w", err)
		}
		messages = append(messages, kafka.Message{
			Key:   []byte(t.Entry.MetricID),
			Value: data,
			Headers: []kafka.Header{
				{Key: "action", Value: []byte(t.Entry.Action)},
				{Key: "severity", Value: []byte(t.State.Severity)},
				{Key: "seq", Value: []byte(strconv.FormatInt(t.Entry.Seq, 10))},
			},
			Time: t.Entry.Timestamp,
		})
	}
	return messages, nil
}

func (k *KafkaNotifier) Close() error {
	if k.closed.Swap(true) {
		return nil
	}
	return k.writer.Close()
}
