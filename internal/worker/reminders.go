package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/denis201520182022/Bot-HH-tg/internal/domain"
	"github.com/denis201520182022/Bot-HH-tg/internal/lock"
	"github.com/denis201520182022/Bot-HH-tg/internal/repository"
)

// Nudges sent at reminder levels 0, 1 and 2. Level 3 times the dialogue out silently.
var nudgeTexts = [...]string{
	"Возвращаюсь к вам по поводу нашего диалога. У вас будет возможность продолжить?",
	"Подскажите, актуален ли для вас наш диалог?",
	"Здравствуйте! Если вам все еще интересно, пожалуйста, дайте знать.",
}

type ReminderConfig struct {
	// Thresholds are measured from the dialogue's last update, which every
	// nudge refreshes.
	First  time.Duration
	Second time.Duration
	Third  time.Duration
	Final  time.Duration
	Now    func() time.Time
}

// Reminders escalates in-progress dialogues the candidate went silent on.
type Reminders struct {
	store      repository.Store
	gateway    Gateway
	locker     lock.Locker
	logger     *log.Logger
	thresholds [domain.MaxReminderLevel]time.Duration
	now        func() time.Time
}

func NewReminders(
	store repository.Store,
	gateway Gateway,
	locker lock.Locker,
	logger *log.Logger,
	config ReminderConfig,
) *Reminders {
	if config.First <= 0 {
		config.First = 30 * time.Minute
	}
	if config.Second <= 0 {
		config.Second = 2 * time.Hour
	}
	if config.Third <= 0 {
		config.Third = 24 * time.Hour
	}
	if config.Final <= 0 {
		config.Final = 48 * time.Hour
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	return &Reminders{
		store:      store,
		gateway:    gateway,
		locker:     locker,
		logger:     logger,
		thresholds: [domain.MaxReminderLevel]time.Duration{config.First, config.Second, config.Third, config.Final},
		now:        func() time.Time { return config.Now().UTC() },
	}
}

func (r *Reminders) Run(ctx context.Context, recruiter domain.Recruiter) error {
	var candidates []*domain.Dialogue
	err := r.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		candidates, err = tx.ListReminderCandidates(ctx, recruiter.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("list reminder candidates: %w", err)
	}

	sent := 0
	for _, dialogue := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		nudged, err := r.escalate(ctx, recruiter, dialogue)
		if err != nil {
			logf(r.logger, "reminder failed negotiation_id=%s err=%v", dialogue.NegotiationID, err)
			if IsAuthFailure(err) {
				return err
			}
			continue
		}
		if nudged {
			sent++
		}
	}
	if sent > 0 {
		logf(r.logger, "reminders sent recruiter_id=%d count=%d", recruiter.ID, sent)
	}
	return nil
}

// escalate moves the dialogue one reminder level up when its threshold has
// elapsed and reports whether a nudge was sent.
func (r *Reminders) escalate(ctx context.Context, recruiter domain.Recruiter, dialogue *domain.Dialogue) (bool, error) {
	level := dialogue.ReminderLevel
	if len(dialogue.Pending) > 0 || level < 0 || level >= domain.MaxReminderLevel {
		return false, nil
	}
	if r.now().Sub(dialogue.LastUpdated) < r.thresholds[level] {
		return false, nil
	}

	release, ok, err := r.locker.TryLock(ctx, dialogueLockKey(dialogue.NegotiationID))
	if err != nil {
		return false, fmt.Errorf("lock dialogue: %w", err)
	}
	if !ok {
		return false, nil
	}
	defer release()

	if level == domain.MaxReminderLevel-1 {
		return false, r.store.InTx(ctx, func(tx repository.Tx) error {
			current, err := r.unchanged(ctx, tx, dialogue)
			if err != nil || current == nil {
				return err
			}
			current.ReminderLevel = domain.MaxReminderLevel
			current.Status = domain.DialogueStatusTimedOut
			logf(r.logger, "dialogue timed out negotiation_id=%s", current.NegotiationID)
			return tx.SaveDialogue(ctx, current)
		})
	}

	text := nudgeTexts[level]
	if err := r.gateway.SendMessage(ctx, recruiter, dialogue.NegotiationID, text); err != nil {
		return false, fmt.Errorf("send reminder: %w", err)
	}

	err = r.store.InTx(ctx, func(tx repository.Tx) error {
		current, err := tx.GetDialogueForUpdate(ctx, dialogue.ID)
		if err != nil {
			return err
		}
		now := r.now()
		current.History = append(current.History, domain.Turn{Role: domain.RoleAssistant, Content: text})
		current.LastUpdated = now
		if current.Status == domain.DialogueStatusInProgress && current.ReminderLevel == level && len(current.Pending) == 0 {
			current.ReminderLevel = level + 1
		} else {
			// The candidate answered while the nudge was on its way.
			logf(r.logger, "dialogue changed during reminder, level kept negotiation_id=%s", current.NegotiationID)
		}
		return tx.SaveDialogue(ctx, current)
	})
	if err != nil {
		return true, fmt.Errorf("record reminder: %w", err)
	}
	return true, nil
}

// unchanged reloads the dialogue for update and returns nil when it no longer
// matches the state the reminder decision was based on.
func (r *Reminders) unchanged(ctx context.Context, tx repository.Tx, seen *domain.Dialogue) (*domain.Dialogue, error) {
	current, err := tx.GetDialogueForUpdate(ctx, seen.ID)
	if err != nil {
		return nil, err
	}
	if current.Status != domain.DialogueStatusInProgress ||
		current.ReminderLevel != seen.ReminderLevel ||
		len(current.Pending) > 0 ||
		!current.LastUpdated.Equal(seen.LastUpdated) {
		return nil, nil
	}
	return current, nil
}
