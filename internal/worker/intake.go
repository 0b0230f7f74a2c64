package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/denis201520182022/Bot-HH-tg/internal/alert"
	"github.com/denis201520182022/Bot-HH-tg/internal/domain"
	"github.com/denis201520182022/Bot-HH-tg/internal/hh"
	"github.com/denis201520182022/Bot-HH-tg/internal/policy"
	"github.com/denis201520182022/Bot-HH-tg/internal/repository"
	"golang.org/x/sync/errgroup"
)

// PlaceholderMessage seeds a dialogue whose candidate applied without writing anything.
const PlaceholderMessage = "Здравствуйте! Я откликнулся на вашу вакансию."

var errAlreadyAdmitted = errors.New("negotiation already has a dialogue")

type IntakeConfig struct {
	Folders           Folders
	LowLimitThreshold int
	Now               func() time.Time
}

// Intake discovers new negotiations and new candidate messages for one recruiter.
type Intake struct {
	store    repository.Store
	gateway  Gateway
	alerts   alert.Notifier
	logger   *log.Logger
	folders  Folders
	lowLimit int
	now      func() time.Time
}

func NewIntake(
	store repository.Store,
	gateway Gateway,
	alerts alert.Notifier,
	logger *log.Logger,
	config IntakeConfig,
) *Intake {
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Intake{
		store:    store,
		gateway:  gateway,
		alerts:   alerts,
		logger:   logger,
		folders:  config.Folders.withDefaults(),
		lowLimit: config.LowLimitThreshold,
		now:      func() time.Time { return config.Now().UTC() },
	}
}

// Run refreshes the recruiter's vacancies and then sweeps the unclassified
// folder and the folders with ongoing dialogues concurrently.
func (i *Intake) Run(ctx context.Context, recruiter domain.Recruiter) error {
	vacancies, err := i.syncVacancies(ctx, recruiter)
	if err != nil {
		return err
	}
	if len(vacancies) == 0 {
		logf(i.logger, "no active vacancies recruiter_id=%d", recruiter.ID)
		return nil
	}

	inFlight := newAdmissions()
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return i.sweepNew(groupCtx, recruiter, vacancies, inFlight)
	})
	group.Go(func() error {
		return i.sweepUpdates(groupCtx, recruiter, vacancies, inFlight)
	})
	return group.Wait()
}

// admissions holds negotiations the new sweep has moved to the consider folder
// without a committed dialogue. The update sweep skips them for the rest of the
// run instead of recovering them.
type admissions struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newAdmissions() *admissions {
	return &admissions{ids: make(map[string]struct{})}
}

func (a *admissions) begin(negotiationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ids[negotiationID] = struct{}{}
}

func (a *admissions) done(negotiationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.ids, negotiationID)
}

func (a *admissions) inFlight(negotiationID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.ids[negotiationID]
	return ok
}

func (i *Intake) syncVacancies(ctx context.Context, recruiter domain.Recruiter) (map[string]domain.Vacancy, error) {
	employerID := recruiter.EmployerID
	if employerID == "" {
		me, err := i.gateway.Me(ctx, recruiter)
		if err != nil {
			return nil, fmt.Errorf("resolve employer: %w", err)
		}
		if me.Employer == nil || me.Employer.ID == "" {
			return nil, fmt.Errorf("recruiter %d is not attached to an employer", recruiter.ID)
		}
		employerID = me.Employer.ID
		err = i.store.InTx(ctx, func(tx repository.Tx) error {
			return tx.SetRecruiterEmployer(ctx, recruiter.ID, employerID)
		})
		if err != nil {
			return nil, fmt.Errorf("save employer: %w", err)
		}
	}

	remote, err := i.gateway.ActiveVacancies(ctx, recruiter, employerID)
	if err != nil {
		return nil, fmt.Errorf("list active vacancies: %w", err)
	}

	vacancies := make(map[string]domain.Vacancy, len(remote))
	err = i.store.InTx(ctx, func(tx repository.Tx) error {
		for _, item := range remote {
			vacancy, upsertErr := tx.UpsertVacancy(ctx, domain.Vacancy{
				ExternalID: item.ID,
				Title:      item.Name,
				City:       item.Area.Name,
			})
			if upsertErr != nil {
				return upsertErr
			}
			vacancies[item.ID] = vacancy
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("upsert vacancies: %w", err)
	}
	return vacancies, nil
}

func (i *Intake) sweepNew(
	ctx context.Context,
	recruiter domain.Recruiter,
	vacancies map[string]domain.Vacancy,
	inFlight *admissions,
) error {
	negotiations, err := i.gateway.ListFolder(ctx, recruiter, i.folders.Unclassified, vacancyIDs(vacancies))
	if err != nil {
		return fmt.Errorf("list new negotiations: %w", err)
	}

	admitted := 0
	for _, negotiation := range negotiations {
		err := i.admit(ctx, recruiter, vacancies, negotiation, inFlight)
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, errAlreadyAdmitted):
		case errors.Is(err, domain.ErrQuotaExhausted):
			logf(i.logger, "response quota exhausted, deferring new negotiations recruiter_id=%d", recruiter.ID)
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case IsAuthFailure(err):
			return err
		default:
			logf(i.logger, "admit negotiation failed negotiation_id=%s err=%v", negotiation.ID, err)
		}
	}
	if admitted > 0 {
		logf(i.logger, "new dialogues started recruiter_id=%d count=%d", recruiter.ID, admitted)
	}
	return nil
}

// admit turns an unclassified negotiation into a dialogue. The folder move
// happens before the transaction; when the transaction then fails the move is
// undone on a best-effort basis. An undone negotiation stays in inFlight.
func (i *Intake) admit(
	ctx context.Context,
	recruiter domain.Recruiter,
	vacancies map[string]domain.Vacancy,
	negotiation hh.Negotiation,
	inFlight *admissions,
) error {
	var settings domain.AppSettings
	err := i.store.InTx(ctx, func(tx repository.Tx) error {
		if _, err := tx.GetDialogueByNegotiation(ctx, negotiation.ID); err == nil {
			return errAlreadyAdmitted
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		var err error
		settings, err = tx.GetSettings(ctx)
		return err
	})
	if err != nil {
		return err
	}
	if !settings.QuotaAvailable() {
		return domain.ErrQuotaExhausted
	}

	messages, err := i.gateway.ListMessages(ctx, recruiter, negotiation.MessagesURL)
	if err != nil {
		return fmt.Errorf("fetch thread: %w", err)
	}
	now := i.now()
	pending := applicantMessages(messages)
	if len(pending) == 0 {
		pending = []domain.PendingMessage{{
			ID:        "response:" + negotiation.ID,
			Text:      PlaceholderMessage,
			CreatedAt: now,
		}}
	}

	inFlight.begin(negotiation.ID)
	if err := i.gateway.MoveToFolder(ctx, recruiter, negotiation.ID, i.folders.Consider); err != nil {
		return err
	}

	lowLimitReached := false
	remaining := 0
	err = i.store.InTx(ctx, func(tx repository.Tx) error {
		if _, err := tx.GetDialogueByNegotiation(ctx, negotiation.ID); err == nil {
			return errAlreadyAdmitted
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		settings, err := tx.GetSettingsForUpdate(ctx)
		if err != nil {
			return err
		}
		if !settings.QuotaAvailable() {
			return domain.ErrQuotaExhausted
		}

		vacancy, err := ensureVacancy(ctx, tx, vacancies, negotiation.VacancyID)
		if err != nil {
			return err
		}
		candidate, err := tx.GetOrCreateCandidate(ctx, resumeKey(negotiation), negotiation.Resume.FullName())
		if err != nil {
			return err
		}

		dialogue := &domain.Dialogue{
			NegotiationID: negotiation.ID,
			RecruiterID:   recruiter.ID,
			CandidateID:   candidate.ID,
			VacancyID:     vacancy.ID,
			Status:        domain.DialogueStatusNew,
			Pending:       pending,
			LastUpdated:   now,
			CreatedAt:     now,
		}
		if err := tx.CreateDialogue(ctx, dialogue); err != nil {
			if errors.Is(err, domain.ErrAlreadyExists) {
				return errAlreadyAdmitted
			}
			return err
		}

		settings.LimitUsed++
		remaining = settings.Remaining()
		if i.lowLimit > 0 {
			if remaining < i.lowLimit && !settings.LowLimitNotified {
				settings.LowLimitNotified = true
				lowLimitReached = true
			} else if remaining >= i.lowLimit && settings.LowLimitNotified {
				settings.LowLimitNotified = false
			}
		}
		if err := tx.SaveSettings(ctx, settings); err != nil {
			return err
		}
		return tx.IncrementStats(ctx, vacancy.ID, repository.StatsDay(now), domain.StatsDelta{
			Responses:      1,
			StartedDialogs: 1,
		})
	})
	if errors.Is(err, errAlreadyAdmitted) {
		inFlight.done(negotiation.ID)
		return err
	}
	if err != nil {
		i.undoMove(ctx, recruiter, negotiation.ID)
		return err
	}
	inFlight.done(negotiation.ID)

	logf(i.logger, "dialogue created negotiation_id=%s vacancy_id=%s pending=%d", negotiation.ID, negotiation.VacancyID, len(pending))
	if lowLimitReached {
		i.alert(ctx, alert.Alert{
			Level:   alert.LevelWarning,
			Title:   "Response quota is running low",
			Message: fmt.Sprintf("%d responses left.", remaining),
		})
	}
	return nil
}

func (i *Intake) undoMove(ctx context.Context, recruiter domain.Recruiter, negotiationID string) {
	if err := i.gateway.MoveToFolder(ctx, recruiter, negotiationID, i.folders.Unclassified); err != nil {
		logf(i.logger, "failed moving negotiation back negotiation_id=%s err=%v", negotiationID, err)
	}
}

func (i *Intake) sweepUpdates(
	ctx context.Context,
	recruiter domain.Recruiter,
	vacancies map[string]domain.Vacancy,
	inFlight *admissions,
) error {
	ids := vacancyIDs(vacancies)
	updated := 0
	for _, folder := range []string{i.folders.Consider, i.folders.Interview} {
		negotiations, err := i.gateway.ListFolder(ctx, recruiter, folder, ids)
		if err != nil {
			return fmt.Errorf("list %s negotiations: %w", folder, err)
		}
		for _, negotiation := range negotiations {
			if !negotiation.HasUpdates || inFlight.inFlight(negotiation.ID) {
				continue
			}
			added, err := i.collect(ctx, recruiter, vacancies, negotiation)
			switch {
			case err == nil:
				if added > 0 {
					updated++
				}
			case ctx.Err() != nil:
				return ctx.Err()
			case IsAuthFailure(err):
				return err
			default:
				logf(i.logger, "collect updates failed negotiation_id=%s err=%v", negotiation.ID, err)
			}
		}
	}
	if updated > 0 {
		logf(i.logger, "dialogues with new messages recruiter_id=%d count=%d", recruiter.ID, updated)
	}
	return nil
}

// collect appends unseen candidate messages to the dialogue's pending buffer,
// or recovers a dialogue the store does not know about.
func (i *Intake) collect(
	ctx context.Context,
	recruiter domain.Recruiter,
	vacancies map[string]domain.Vacancy,
	negotiation hh.Negotiation,
) (int, error) {
	messages, err := i.gateway.ListMessages(ctx, recruiter, negotiation.MessagesURL)
	if err != nil {
		return 0, fmt.Errorf("fetch thread: %w", err)
	}
	now := i.now()

	added := 0
	err = i.store.InTx(ctx, func(tx repository.Tx) error {
		existing, err := tx.GetDialogueByNegotiation(ctx, negotiation.ID)
		if errors.Is(err, domain.ErrNotFound) {
			added, err = i.recover(ctx, tx, recruiter, vacancies, negotiation, messages, now)
			return err
		}
		if err != nil {
			return err
		}

		dialogue, err := tx.GetDialogueForUpdate(ctx, existing.ID)
		if err != nil {
			return err
		}
		if !dialogue.Selectable() {
			return nil
		}
		added = dialogue.AppendPending(applicantMessages(messages), now)
		if added == 0 {
			return nil
		}
		return tx.SaveDialogue(ctx, dialogue)
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

// recover rebuilds a dialogue from its thread: everything up to the last
// recruiter message becomes history, the trailing candidate messages become
// pending. A thread without unanswered candidate messages is left alone.
func (i *Intake) recover(
	ctx context.Context,
	tx repository.Tx,
	recruiter domain.Recruiter,
	vacancies map[string]domain.Vacancy,
	negotiation hh.Negotiation,
	messages []hh.Message,
	now time.Time,
) (int, error) {
	split := len(messages)
	for split > 0 && messages[split-1].FromApplicant() {
		split--
	}
	pending := applicantMessages(messages[split:])
	if len(pending) == 0 {
		logf(i.logger, "skipping recovery without unanswered messages negotiation_id=%s", negotiation.ID)
		return 0, nil
	}

	update := domain.CandidateUpdate{}
	history := make([]domain.Turn, 0, split)
	for _, message := range messages[:split] {
		role := domain.RoleAssistant
		content := message.Text
		if message.FromApplicant() {
			role = domain.RoleUser
			pii := policy.ExtractAndMask(message.Text)
			content = pii.Masked
			collectPII(&update, pii)
		}
		history = append(history, domain.Turn{Role: role, Content: content, MessageID: message.ID})
	}

	vacancy, err := ensureVacancy(ctx, tx, vacancies, negotiation.VacancyID)
	if err != nil {
		return 0, err
	}
	candidate, err := tx.GetOrCreateCandidate(ctx, resumeKey(negotiation), negotiation.Resume.FullName())
	if err != nil {
		return 0, err
	}
	if update.FullName != "" || update.Phone != "" {
		if _, err := tx.EnrichCandidate(ctx, candidate.ID, update); err != nil {
			return 0, err
		}
	}

	status := domain.DialogueStatusNew
	if split > 0 {
		status = domain.DialogueStatusInProgress
	}
	dialogue := &domain.Dialogue{
		NegotiationID: negotiation.ID,
		RecruiterID:   recruiter.ID,
		CandidateID:   candidate.ID,
		VacancyID:     vacancy.ID,
		Status:        status,
		Pending:       pending,
		History:       history,
		LastUpdated:   now,
		CreatedAt:     now,
	}
	if err := tx.CreateDialogue(ctx, dialogue); err != nil {
		return 0, err
	}
	logf(i.logger, "dialogue recovered from thread negotiation_id=%s history=%d pending=%d", negotiation.ID, len(history), len(pending))
	return len(pending), nil
}

func (i *Intake) alert(ctx context.Context, message alert.Alert) {
	if i.alerts == nil {
		return
	}
	if err := i.alerts.Notify(ctx, message); err != nil {
		logf(i.logger, "failed sending alert title=%q err=%v", message.Title, err)
	}
}

// ensureVacancy returns the synced vacancy or lazily creates a bare row for an
// id the active list did not contain.
func ensureVacancy(
	ctx context.Context,
	tx repository.Tx,
	vacancies map[string]domain.Vacancy,
	externalID string,
) (domain.Vacancy, error) {
	if vacancy, ok := vacancies[externalID]; ok && vacancy.ID != 0 {
		return vacancy, nil
	}
	vacancy, err := tx.GetVacancyByExternalID(ctx, externalID)
	if err == nil {
		return vacancy, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Vacancy{}, err
	}
	return tx.UpsertVacancy(ctx, domain.Vacancy{ExternalID: externalID})
}

func applicantMessages(messages []hh.Message) []domain.PendingMessage {
	pending := make([]domain.PendingMessage, 0, len(messages))
	for _, message := range messages {
		if !message.FromApplicant() || strings.TrimSpace(message.Text) == "" {
			continue
		}
		pending = append(pending, domain.PendingMessage{
			ID:        message.ID,
			Text:      message.Text,
			CreatedAt: message.CreatedAt.Time,
		})
	}
	return pending
}

func collectPII(update *domain.CandidateUpdate, pii policy.PII) {
	if update.FullName == "" {
		update.FullName = pii.FullName
	}
	if update.Phone == "" {
		update.Phone = pii.Phone
	}
}

func resumeKey(negotiation hh.Negotiation) string {
	if negotiation.Resume.ID != "" {
		return negotiation.Resume.ID
	}
	return "negotiation:" + negotiation.ID
}

func vacancyIDs(vacancies map[string]domain.Vacancy) []string {
	ids := make([]string, 0, len(vacancies))
	for id := range vacancies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
