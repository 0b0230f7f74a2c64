package worker

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/denis201520182022/Bot-HH-tg/internal/domain"
	"github.com/denis201520182022/Bot-HH-tg/internal/queue"
	"github.com/denis201520182022/Bot-HH-tg/internal/repository"
	"github.com/google/uuid"
)

// eventNamespace derives stable event ids so consumers can drop re-deliveries.
var eventNamespace = uuid.MustParse("6f1c3a52-8a4e-4d38-9d59-2f7a3cf0b1e4")

type RelayConfig struct {
	BatchSize int
	Now       func() time.Time
}

// Relay publishes pending qualification notifications and records the outcome
// on each outbox row.
type Relay struct {
	store     repository.Store
	publisher queue.Publisher
	logger    *log.Logger
	batchSize int
	now       func() time.Time
}

func NewRelay(store repository.Store, publisher queue.Publisher, logger *log.Logger, config RelayConfig) *Relay {
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		logger:    logger,
		batchSize: config.BatchSize,
		now:       func() time.Time { return config.Now().UTC() },
	}
}

type outboxItem struct {
	notification domain.Notification
	event        domain.QualifiedCandidateEvent
	buildErr     error
}

// Run drains one batch and returns how many notifications were sent.
func (r *Relay) Run(ctx context.Context) (int, error) {
	var items []outboxItem
	err := r.store.InTx(ctx, func(tx repository.Tx) error {
		notifications, err := tx.ListPendingNotifications(ctx, r.batchSize)
		if err != nil {
			return err
		}
		items = make([]outboxItem, 0, len(notifications))
		for _, notification := range notifications {
			event, buildErr := buildEvent(ctx, tx, notification)
			items = append(items, outboxItem{notification: notification, event: event, buildErr: buildErr})
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("load pending notifications: %w", err)
	}

	sent := 0
	for _, item := range items {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		status := domain.NotificationSent
		message := ""
		publishErr := item.buildErr
		if publishErr == nil {
			publishErr = r.publisher.Publish(ctx, item.event)
		}
		if publishErr != nil {
			status = domain.NotificationError
			message = publishErr.Error()
			logf(r.logger, "notification publish failed notification_id=%d err=%v", item.notification.ID, publishErr)
		}

		err := r.store.InTx(ctx, func(tx repository.Tx) error {
			return tx.MarkNotification(ctx, item.notification.ID, status, message, r.now())
		})
		if err != nil {
			return sent, fmt.Errorf("mark notification %d: %w", item.notification.ID, err)
		}
		if status == domain.NotificationSent {
			sent++
		}
	}
	if sent > 0 {
		logf(r.logger, "qualified candidates published count=%d", sent)
	}
	return sent, nil
}

func buildEvent(ctx context.Context, tx repository.Tx, notification domain.Notification) (domain.QualifiedCandidateEvent, error) {
	dialogue, err := tx.GetDialogue(ctx, notification.DialogueID)
	if err != nil {
		return domain.QualifiedCandidateEvent{}, fmt.Errorf("load dialogue %d: %w", notification.DialogueID, err)
	}
	candidate, err := tx.GetCandidate(ctx, notification.CandidateID)
	if err != nil {
		return domain.QualifiedCandidateEvent{}, fmt.Errorf("load candidate %d: %w", notification.CandidateID, err)
	}
	vacancy, err := tx.GetVacancy(ctx, notification.VacancyID)
	if err != nil {
		return domain.QualifiedCandidateEvent{}, fmt.Errorf("load vacancy %d: %w", notification.VacancyID, err)
	}
	recruiterName := ""
	if recruiter, err := tx.GetRecruiter(ctx, dialogue.RecruiterID); err == nil {
		recruiterName = recruiter.Name
	}

	return domain.QualifiedCandidateEvent{
		EventID:        uuid.NewSHA1(eventNamespace, []byte("notification:"+strconv.FormatInt(notification.ID, 10))).String(),
		NotificationID: notification.ID,
		NegotiationID:  dialogue.NegotiationID,
		RecruiterName:  recruiterName,
		VacancyTitle:   vacancy.Title,
		VacancyCity:    vacancy.City,
		CandidateName:  candidate.FullName,
		CandidatePhone: candidate.Phone,
		CandidateAge:   candidate.Age,
		Citizenship:    candidate.Citizenship,
		CandidateCity:  candidate.City,
		Readiness:      candidate.Readiness,
		DialogueState:  dialogue.State,
		QualifiedAt:    notification.CreatedAt,
		ResumeID:       candidate.ResumeID,
	}, nil
}
