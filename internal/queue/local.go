package queue

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/denis201520182022/Bot-HH-tg/internal/domain"
)

// LocalQueue is the in-process pipeline used when no broker is configured.
type LocalQueue struct {
	ch          chan localMessage
	maxAttempts int
	logger      *log.Logger

	dlqMu sync.Mutex
	dlq   []domain.QualifiedCandidateEvent
}

type localMessage struct {
	event   domain.QualifiedCandidateEvent
	attempt int
}

func NewLocalQueue(bufferSize, maxAttempts int, logger *log.Logger) *LocalQueue {
	if bufferSize <= 0 {
		bufferSize = 512
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &LocalQueue{
		ch:          make(chan localMessage, bufferSize),
		maxAttempts: maxAttempts,
		logger:      logger,
		dlq:         make([]domain.QualifiedCandidateEvent, 0),
	}
}

func (q *LocalQueue) Publish(ctx context.Context, event domain.QualifiedCandidateEvent) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- localMessage{event: event}:
		return nil
	}
}

func (q *LocalQueue) Consume(
	ctx context.Context,
	handler func(context.Context, domain.QualifiedCandidateEvent) error,
) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message := <-q.ch:
			err := handler(ctx, message.event)
			if err == nil {
				continue
			}

			message.attempt++
			if message.attempt >= q.maxAttempts {
				q.dlqMu.Lock()
				q.dlq = append(q.dlq, message.event)
				q.dlqMu.Unlock()
				if q.logger != nil {
					q.logger.Printf("local queue moved event to DLQ notification_id=%d err=%v", message.event.NotificationID, err)
				}
				continue
			}

			delay := time.Duration(message.attempt) * 500 * time.Millisecond
			go func(retry localMessage) {
				timer := time.NewTimer(delay)
				defer timer.Stop()
				select {
				case <-ctx.Done():
					return
				case <-timer.C:
					q.ch <- retry
				}
			}(message)
		}
	}
}

func (q *LocalQueue) DLQSize() int {
	q.dlqMu.Lock()
	defer q.dlqMu.Unlock()
	return len(q.dlq)
}

// LogHandler prints consumed events; it stands in for the notifier in local mode.
func LogHandler(logger *log.Logger) func(context.Context, domain.QualifiedCandidateEvent) error {
	return func(_ context.Context, event domain.QualifiedCandidateEvent) error {
		if logger != nil {
			logger.Printf(
				"qualified candidate notification_id=%d negotiation_id=%s vacancy=%q state=%s",
				event.NotificationID,
				event.NegotiationID,
				event.VacancyTitle,
				event.DialogueState,
			)
		}
		return nil
	}
}
