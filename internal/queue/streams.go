package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/denis201520182022/Bot-HH-tg/internal/domain"
	"github.com/redis/go-redis/v9"
)

type StreamsConfig struct {
	Client      *redis.Client
	Stream      string
	DLQStream   string
	Group       string
	Consumer    string
	MaxAttempts int
	// MaxLen caps the stream length (approximate trimming). Zero keeps everything.
	MaxLen int64
}

// StreamsQueue publishes and consumes events through Redis Streams. Each
// consumer first drains entries it read but never acknowledged, so a crash
// between handling and XACK redelivers instead of losing the event.
type StreamsQueue struct {
	client      *redis.Client
	stream      string
	dlqStream   string
	group       string
	consumer    string
	maxAttempts int
	maxLen      int64
}

func NewStreamsQueue(ctx context.Context, cfg StreamsConfig) (*StreamsQueue, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Stream == "" {
		cfg.Stream = "hh_qualified_candidates"
	}
	if cfg.DLQStream == "" {
		cfg.DLQStream = cfg.Stream + "_dlq"
	}
	if cfg.Group == "" {
		cfg.Group = "hh_notifiers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "notifier-1"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	if err := cfg.Client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &StreamsQueue{
		client:      cfg.Client,
		stream:      cfg.Stream,
		dlqStream:   cfg.DLQStream,
		group:       cfg.Group,
		consumer:    cfg.Consumer,
		maxAttempts: cfg.MaxAttempts,
		maxLen:      cfg.MaxLen,
	}, nil
}

func (q *StreamsQueue) Publish(ctx context.Context, event domain.QualifiedCandidateEvent) error {
	if err := q.add(ctx, event, 0); err != nil {
		return fmt.Errorf("publish to stream %s: %w", q.stream, err)
	}
	return nil
}

func (q *StreamsQueue) add(ctx context.Context, event domain.QualifiedCandidateEvent, attempt int) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{
			"event_id":        event.EventID,
			"notification_id": event.NotificationID,
			"payload":         string(payload),
			"attempt":         attempt,
		},
	}
	if q.maxLen > 0 {
		args.MaxLen = q.maxLen
		args.Approx = true
	}
	return q.client.XAdd(ctx, args).Err()
}

func (q *StreamsQueue) Consume(
	ctx context.Context,
	handler func(context.Context, domain.QualifiedCandidateEvent) error,
) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}

	// "0" replays this consumer's unacknowledged entries; ">" asks for new ones.
	cursor := "0"
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		block := 5 * time.Second
		if cursor == "0" {
			block = -1
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, cursor},
			Count:    10,
			Block:    block,
		}).Result()
		switch {
		case errors.Is(err, redis.Nil):
			cursor = ">"
			continue
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			return fmt.Errorf("read stream %s: %w", q.stream, err)
		}

		delivered := 0
		for _, stream := range streams {
			for _, item := range stream.Messages {
				delivered++
				q.deliver(ctx, item, handler)
			}
		}
		if cursor == "0" && delivered == 0 {
			cursor = ">"
		}
	}
}

// deliver runs handler for one entry and always acknowledges it: failures
// are re-added with a higher attempt count or parked in the DLQ.
func (q *StreamsQueue) deliver(
	ctx context.Context,
	item redis.XMessage,
	handler func(context.Context, domain.QualifiedCandidateEvent) error,
) {
	defer func() {
		_ = q.client.XAck(ctx, q.stream, q.group, item.ID).Err()
	}()

	event, attempt, err := decodeEntry(item)
	if err != nil {
		q.park(ctx, item, err.Error())
		return
	}
	handleErr := handler(ctx, event)
	if handleErr == nil {
		return
	}

	attempt++
	if attempt >= q.maxAttempts {
		q.park(ctx, item, handleErr.Error())
		return
	}
	if err := q.add(ctx, event, attempt); err != nil {
		q.park(ctx, item, fmt.Sprintf("requeue failed: %v", err))
	}
}

func (q *StreamsQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", q.group, err)
	}
	return nil
}

func (q *StreamsQueue) park(ctx context.Context, item redis.XMessage, reason string) {
	values := make(map[string]any, len(item.Values)+3)
	for key, value := range item.Values {
		values[key] = value
	}
	values["source_id"] = item.ID
	values["error"] = reason
	values["parked_at"] = time.Now().UTC().Format(time.RFC3339)
	_ = q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.dlqStream, Values: values}).Err()
}

func decodeEntry(item redis.XMessage) (domain.QualifiedCandidateEvent, int, error) {
	var event domain.QualifiedCandidateEvent
	payload, ok := item.Values["payload"].(string)
	if !ok {
		return event, 0, errors.New("entry without payload")
	}
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return event, 0, fmt.Errorf("invalid payload: %w", err)
	}
	attempt := 0
	if raw, ok := item.Values["attempt"].(string); ok {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return event, 0, fmt.Errorf("invalid attempt %q: %w", raw, err)
		}
		attempt = parsed
	}
	return event, attempt, nil
}
