package queue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/denis201520182022/Bot-HH-tg/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestDecodeEntry(t *testing.T) {
	payload, err := json.Marshal(domain.QualifiedCandidateEvent{NotificationID: 9, NegotiationID: "n-9", EventID: "evt-9"})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}

	event, attempt, err := decodeEntry(redis.XMessage{ID: "1-0", Values: map[string]any{
		"payload": string(payload),
		"attempt": "2",
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.NotificationID != 9 || event.NegotiationID != "n-9" || event.EventID != "evt-9" {
		t.Fatalf("unexpected event: %+v", event)
	}
	if attempt != 2 {
		t.Fatalf("expected attempt 2, got %d", attempt)
	}

	if _, attempt, err := decodeEntry(redis.XMessage{Values: map[string]any{"payload": string(payload)}}); err != nil || attempt != 0 {
		t.Fatalf("expected attempt 0 when absent, got %d err=%v", attempt, err)
	}
}

func TestDecodeEntryRejectsBrokenEntries(t *testing.T) {
	cases := []struct {
		name   string
		values map[string]any
	}{
		{name: "missing payload", values: map[string]any{"attempt": "0"}},
		{name: "invalid json", values: map[string]any{"payload": "{"}},
		{name: "invalid attempt", values: map[string]any{"payload": "{}", "attempt": "x"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := decodeEntry(redis.XMessage{ID: "1-0", Values: tc.values}); err == nil {
				t.Fatalf("expected error for %v", tc.values)
			}
		})
	}
}

func TestStreamsQueueParksFailingEventInDLQ(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not configured")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream := "hh-worker-test:" + uuid.NewString()
	q, err := NewStreamsQueue(ctx, StreamsConfig{Client: client, Stream: stream, MaxAttempts: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer client.Del(context.Background(), stream, stream+"_dlq")

	if err := q.Publish(ctx, domain.QualifiedCandidateEvent{NotificationID: 11, EventID: "evt-11"}); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}

	consumeCtx, stopConsumer := context.WithCancel(ctx)
	defer stopConsumer()
	calls := make(chan struct{}, 8)
	go func() {
		_ = q.Consume(consumeCtx, func(context.Context, domain.QualifiedCandidateEvent) error {
			calls <- struct{}{}
			return errors.New("telegram unavailable")
		})
	}()

	var parked []redis.XMessage
	for len(parked) == 0 {
		select {
		case <-ctx.Done():
			t.Fatalf("timed out waiting for the DLQ entry")
		case <-time.After(50 * time.Millisecond):
		}
		parked, err = client.XRange(ctx, stream+"_dlq", "-", "+").Result()
		if err != nil {
			t.Fatalf("read dlq: %v", err)
		}
	}

	if len(calls) != 2 {
		t.Fatalf("expected 2 handler calls before parking, got %d", len(calls))
	}
	entry := parked[0]
	if entry.Values["error"] != "telegram unavailable" || entry.Values["source_id"] == "" {
		t.Fatalf("unexpected dlq entry: %+v", entry.Values)
	}
	event, attempt, err := decodeEntry(entry)
	if err != nil || event.NotificationID != 11 || attempt != 1 {
		t.Fatalf("expected parked event 11 at attempt 1, got %+v attempt=%d err=%v", event, attempt, err)
	}
	for {
		pending, err := client.XPending(ctx, stream, "hh_notifiers").Result()
		if err != nil {
			t.Fatalf("read pending: %v", err)
		}
		if pending.Count == 0 {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("expected every entry acknowledged, got %d pending", pending.Count)
		case <-time.After(50 * time.Millisecond):
		}
	}
}
