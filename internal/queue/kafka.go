package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/denis201520182022/Bot-HH-tg/internal/domain"
	"github.com/segmentio/kafka-go"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	Timeout time.Duration
	Logger  *log.Logger

	// MaxAttempts bounds handler calls per message before it is dropped.
	MaxAttempts  int
	RetryBackoff time.Duration
}

// KafkaQueue publishes events keyed by negotiation id so updates for one
// negotiation stay ordered within a partition.
type KafkaQueue struct {
	writer  *kafka.Writer
	brokers []string
	topic   string
	groupID string
	timeout time.Duration
	logger  *log.Logger

	maxAttempts  int
	retryBackoff time.Duration
}

func NewKafkaQueue(config KafkaConfig) (*KafkaQueue, error) {
	if len(config.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if config.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	if config.GroupID == "" {
		config.GroupID = "hh-notifiers"
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = time.Second
	}
	return &KafkaQueue{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(config.Brokers...),
			Topic:        config.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
		},
		brokers: config.Brokers,
		topic:   config.Topic,
		groupID: config.GroupID,
		timeout: config.Timeout,
		logger:  config.Logger,

		maxAttempts:  config.MaxAttempts,
		retryBackoff: config.RetryBackoff,
	}, nil
}

func (q *KafkaQueue) Publish(ctx context.Context, event domain.QualifiedCandidateEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	err = q.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(event.NegotiationID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(event.EventID)},
			{Key: "notification_id", Value: []byte(strconv.FormatInt(event.NotificationID, 10))},
		},
		Time: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("publish to kafka topic %s: %w", q.topic, err)
	}
	return nil
}

func (q *KafkaQueue) Consume(
	ctx context.Context,
	handler func(context.Context, domain.QualifiedCandidateEvent) error,
) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  q.brokers,
		Topic:    q.topic,
		GroupID:  q.groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	for {
		message, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("fetch kafka message: %w", err)
		}

		if err := q.handle(ctx, message, handler); err != nil {
			return err
		}
		if err := reader.CommitMessages(ctx, message); err != nil {
			return fmt.Errorf("commit kafka message: %w", err)
		}
	}
}

// handle runs handler for one message, retrying failures with a linear
// backoff. A message that is malformed or keeps failing is logged as dropped
// and left for the caller to commit. Only context cancellation is returned.
func (q *KafkaQueue) handle(
	ctx context.Context,
	message kafka.Message,
	handler func(context.Context, domain.QualifiedCandidateEvent) error,
) error {
	var event domain.QualifiedCandidateEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		q.logf("dropping malformed kafka event partition=%d offset=%d err=%v", message.Partition, message.Offset, err)
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= q.maxAttempts; attempt++ {
		lastErr = handler(ctx, event)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		q.logf("kafka event handler failed notification_id=%d attempt=%d err=%v", event.NotificationID, attempt, lastErr)
		if attempt == q.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * q.retryBackoff):
		}
	}
	q.logf("dropping kafka event notification_id=%d event_id=%s partition=%d offset=%d after %d attempts err=%v",
		event.NotificationID, event.EventID, message.Partition, message.Offset, q.maxAttempts, lastErr)
	return nil
}

func (q *KafkaQueue) Close() error {
	return q.writer.Close()
}

func (q *KafkaQueue) logf(format string, args ...any) {
	if q.logger == nil {
		return
	}
	q.logger.Printf(format, args...)
}
