package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"windowwatch/internal/events"
	"windowwatch/internal/logger"
	"windowwatch/internal/metrics"
)

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// eventMessage is the wire format of the events topic. ID is optional; a
// producer-assigned id makes redelivery idempotent.
type eventMessage struct {
	ID         int64          `json:"id,omitempty"`
	SourceType string         `json:"source_type"`
	Payload    map[string]any `json:"payload"`
}

type KafkaConsumer struct {
	reader       MessageReader
	topic        string
	submit       Submitter
	maxRetries   int
	retryBackoff time.Duration
	log          zerolog.Logger
}

func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
}

func NewKafkaConsumer(reader MessageReader, topic string, submit Submitter, maxRetries int) *KafkaConsumer {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &KafkaConsumer{
		reader:       reader,
		topic:        topic,
		submit:       submit,
		maxRetries:   maxRetries,
		retryBackoff: 200 * time.Millisecond,
		log:          logger.WithComponent("kafka_consumer").With().Str("topic", topic).Logger(),
	}
}

// Run consumes until ctx is cancelled. Offsets are committed only after the
// event is stored or judged unprocessable.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	c.log.Info().Msg("kafka consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info().Msg("kafka consumer stopped")
				return nil
			}
			c.log.Error().Err(err).Msg("fetch message failed")
			if err := sleepCtx(ctx, c.retryBackoff); err != nil {
				return nil
			}
			continue
		}
		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Not committed; the group redelivers it after restart.
			return fmt.Errorf("handle message at offset %d: %w", msg.Offset, err)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error().Err(err).Int64("offset", msg.Offset).Msg("commit offset failed")
		}
	}
}

func (c *KafkaConsumer) handle(ctx context.Context, msg kafka.Message) error {
	var in eventMessage
	if err := json.Unmarshal(msg.Value, &in); err != nil {
		metrics.KafkaMessagesConsumed.WithLabelValues(c.topic, "poison").Inc()
		c.log.Warn().Err(err).Int64("offset", msg.Offset).Msg("dropping undecodable message")
		return nil
	}
	backoff := c.retryBackoff
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
		}
		id, err := c.submit.SubmitWithID(ctx, in.ID, in.SourceType, in.Payload)
		switch {
		case err == nil:
			metrics.KafkaMessagesConsumed.WithLabelValues(c.topic, "accepted").Inc()
			c.log.Debug().Int64("event_id", id).Int64("offset", msg.Offset).Msg("event ingested")
			return nil
		case errors.Is(err, events.ErrDuplicateEvent):
			metrics.KafkaMessagesConsumed.WithLabelValues(c.topic, "duplicate").Inc()
			return nil
		case errors.Is(err, events.ErrInvalidEvent), errors.Is(err, events.ErrStaleEventID):
			metrics.KafkaMessagesConsumed.WithLabelValues(c.topic, "rejected").Inc()
			c.log.Warn().Err(err).Int64("offset", msg.Offset).Msg("dropping rejected event")
			return nil
		}
		lastErr = err
		c.log.Warn().Err(err).Int("attempt", attempt+1).Msg("submit failed")
	}
	metrics.KafkaMessagesConsumed.WithLabelValues(c.topic, "failed").Inc()
	return lastErr
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
