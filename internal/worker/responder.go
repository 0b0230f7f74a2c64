package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/denis201520182022/Bot-HH-tg/internal/domain"
	"github.com/denis201520182022/Bot-HH-tg/internal/flow"
	"github.com/denis201520182022/Bot-HH-tg/internal/lock"
	"github.com/denis201520182022/Bot-HH-tg/internal/policy"
	"github.com/denis201520182022/Bot-HH-tg/internal/repository"
	"github.com/denis201520182022/Bot-HH-tg/internal/service"
	"golang.org/x/sync/errgroup"
)

type ResponderConfig struct {
	Folders        Folders
	DebounceWindow time.Duration
	TypingDelayMin time.Duration
	TypingDelayMax time.Duration
	// Parallelism bounds how many dialogues of one recruiter are answered at once.
	Parallelism int
	Now         func() time.Time
}

// Responder answers dialogues whose pending buffer has been quiet for the
// debounce window.
type Responder struct {
	store          repository.Store
	gateway        Gateway
	model          ReplyModel
	locker         lock.Locker
	logger         *log.Logger
	folders        Folders
	debounceWindow time.Duration
	typingMin      time.Duration
	typingMax      time.Duration
	parallelism    int
	now            func() time.Time
}

func NewResponder(
	store repository.Store,
	gateway Gateway,
	model ReplyModel,
	locker lock.Locker,
	logger *log.Logger,
	config ResponderConfig,
) *Responder {
	if config.DebounceWindow <= 0 {
		config.DebounceWindow = 15 * time.Second
	}
	if config.TypingDelayMax < config.TypingDelayMin {
		config.TypingDelayMax = config.TypingDelayMin
	}
	if config.Parallelism <= 0 {
		config.Parallelism = 8
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	return &Responder{
		store:          store,
		gateway:        gateway,
		model:          model,
		locker:         locker,
		logger:         logger,
		folders:        config.Folders.withDefaults(),
		debounceWindow: config.DebounceWindow,
		typingMin:      config.TypingDelayMin,
		typingMax:      config.TypingDelayMax,
		parallelism:    config.Parallelism,
		now:            func() time.Time { return config.Now().UTC() },
	}
}

// transition is what a decision does to the dialogue besides recording the reply.
type transition struct {
	status  domain.DialogueStatus
	folder  string
	qualify bool
}

// Run answers every ready dialogue of the recruiter. Failures are logged per
// dialogue and never stop the siblings.
func (r *Responder) Run(ctx context.Context, recruiter domain.Recruiter) error {
	var ready []*domain.Dialogue
	err := r.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		ready, err = tx.ListReadyDialogues(ctx, recruiter.ID, r.now().Add(-r.debounceWindow))
		return err
	})
	if err != nil {
		return fmt.Errorf("list ready dialogues: %w", err)
	}
	if len(ready) == 0 {
		return nil
	}

	var group errgroup.Group
	group.SetLimit(r.parallelism)
	for _, dialogue := range ready {
		group.Go(func() (err error) {
			defer func() {
				if recovered := recover(); recovered != nil {
					logf(r.logger, "panic while answering negotiation_id=%s: %v", dialogue.NegotiationID, recovered)
				}
			}()
			if processErr := r.Process(ctx, recruiter, dialogue.ID); processErr != nil {
				logf(r.logger, "dialogue failed negotiation_id=%s err=%v", dialogue.NegotiationID, processErr)
				if IsAuthFailure(processErr) {
					return processErr
				}
			}
			return nil
		})
	}
	return group.Wait()
}

// Process answers one dialogue. Network side effects (folder move, reply)
// happen between two short transactions; nothing is written when one fails.
func (r *Responder) Process(ctx context.Context, recruiter domain.Recruiter, dialogueID int64) error {
	var (
		dialogue *domain.Dialogue
		vacancy  domain.Vacancy
	)
	err := r.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		dialogue, err = tx.GetDialogue(ctx, dialogueID)
		if err != nil {
			return err
		}
		vacancy, err = tx.GetVacancy(ctx, dialogue.VacancyID)
		return err
	})
	if err != nil {
		return fmt.Errorf("load dialogue %d: %w", dialogueID, err)
	}

	release, ok, err := r.locker.TryLock(ctx, dialogueLockKey(dialogue.NegotiationID))
	if err != nil {
		return fmt.Errorf("lock dialogue: %w", err)
	}
	if !ok {
		logf(r.logger, "dialogue busy, skipping negotiation_id=%s", dialogue.NegotiationID)
		return nil
	}
	defer release()

	// Re-read under the lock: another worker may have answered meanwhile.
	err = r.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		dialogue, err = tx.GetDialogue(ctx, dialogueID)
		return err
	})
	if err != nil {
		return fmt.Errorf("reload dialogue %d: %w", dialogueID, err)
	}
	if len(dialogue.Pending) == 0 || !dialogue.Selectable() {
		return nil
	}
	if dialogue.LastUpdated.After(r.now().Add(-r.debounceWindow)) {
		// A message arrived after selection; answer everything together later.
		return nil
	}

	processed := append([]domain.PendingMessage(nil), dialogue.Pending...)
	userTurns := make([]domain.Turn, 0, len(processed))
	maskedBodies := make([]string, 0, len(processed))
	update := domain.CandidateUpdate{}
	for _, message := range processed {
		pii := policy.ExtractAndMask(message.Text)
		collectPII(&update, pii)
		maskedBodies = append(maskedBodies, pii.Masked)
		userTurns = append(userTurns, domain.Turn{
			Role:      domain.RoleUser,
			Content:   pii.Masked,
			MessageID: message.ID,
		})
	}

	decision, err := r.model.ProposeReply(ctx, service.TurnInput{
		VacancyTitle:      vacancy.Title,
		VacancyCity:       vacancy.City,
		PostQualification: dialogue.Status == domain.DialogueStatusQualified,
		History:           dialogue.History,
		Message:           strings.Join(maskedBodies, "\n"),
	})
	if err != nil {
		return fmt.Errorf("propose reply: %w", err)
	}

	next := planTransition(dialogue.Status, decision.Outcome, r.folders)
	if next.folder != "" {
		if err := r.gateway.MoveToFolder(ctx, recruiter, dialogue.NegotiationID, next.folder); err != nil {
			return err
		}
	}

	if err := sleepContext(ctx, r.typingDelay()); err != nil {
		return err
	}
	if err := r.gateway.SendMessage(ctx, recruiter, dialogue.NegotiationID, decision.Reply); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}

	applyExtraction := dialogue.Status != domain.DialogueStatusQualified
	err = r.store.InTx(ctx, func(tx repository.Tx) error {
		current, err := tx.GetDialogueForUpdate(ctx, dialogueID)
		if err != nil {
			return err
		}

		reply := domain.Turn{Role: domain.RoleAssistant, Content: decision.Reply}
		if applyExtraction {
			update.Extraction = decision.Extracted
			reply.Extracted = decision.Extracted
		}
		if err := current.ResolvePending(processed, userTurns, reply, r.now()); err != nil {
			return err
		}

		if update.FullName != "" || update.Phone != "" || !update.Extraction.Empty() {
			if _, err := tx.EnrichCandidate(ctx, current.CandidateID, update); err != nil {
				return err
			}
		}

		current.Status = next.status
		current.State = string(decision.Label)
		if next.qualify {
			if err := r.recordQualification(ctx, tx, current); err != nil {
				return err
			}
		}
		return tx.SaveDialogue(ctx, current)
	})
	if err != nil {
		return fmt.Errorf("save answered dialogue: %w", err)
	}

	logf(r.logger, "dialogue answered negotiation_id=%s state=%s status=%s messages=%d",
		dialogue.NegotiationID, decision.Label, next.status, len(processed))
	return nil
}

func (r *Responder) recordQualification(ctx context.Context, tx repository.Tx, dialogue *domain.Dialogue) error {
	now := r.now()
	if err := tx.IncrementStats(ctx, dialogue.VacancyID, repository.StatsDay(now), domain.StatsDelta{Qualified: 1}); err != nil {
		return err
	}
	pending, err := tx.HasPendingNotification(ctx, dialogue.CandidateID)
	if err != nil {
		return err
	}
	if pending {
		return nil
	}
	_, err = tx.EnqueueNotification(ctx, domain.Notification{
		CandidateID: dialogue.CandidateID,
		DialogueID:  dialogue.ID,
		VacancyID:   dialogue.VacancyID,
		Status:      domain.NotificationPending,
		CreatedAt:   now,
	})
	if err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
		return err
	}
	return nil
}

// planTransition maps a decision outcome onto the dialogue status machine.
func planTransition(status domain.DialogueStatus, outcome flow.Outcome, folders Folders) transition {
	switch outcome {
	case flow.OutcomeQualified:
		if status != domain.DialogueStatusQualified {
			return transition{status: domain.DialogueStatusQualified, folder: folders.Interview, qualify: true}
		}
	case flow.OutcomeFailed:
		return transition{status: domain.DialogueStatusRejected, folder: folders.Discard}
	}
	if status == domain.DialogueStatusNew {
		return transition{status: domain.DialogueStatusInProgress}
	}
	return transition{status: status}
}

func (r *Responder) typingDelay() time.Duration {
	spread := r.typingMax - r.typingMin
	if spread <= 0 {
		return r.typingMin
	}
	return r.typingMin + rand.N(spread)
}
