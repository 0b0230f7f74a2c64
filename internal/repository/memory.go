package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/denis201520182022/Bot-HH-tg/internal/domain"
)

// DefaultSettings mirrors the column defaults of app_settings.
var DefaultSettings = domain.AppSettings{
	LimitTotal:      50,
	CostPerResponse: 100,
}

// MemoryStore keeps everything in process memory for local development and
// tests. Units of work are serialised and rolled back from a snapshot.
type MemoryStore struct {
	mu    sync.Mutex
	state *memoryState
}

type statsKey struct {
	vacancyID int64
	day       time.Time
}

type memoryState struct {
	nextID        int64
	recruiters    map[int64]domain.Recruiter
	vacancies     map[int64]domain.Vacancy
	candidates    map[int64]domain.Candidate
	dialogues     map[int64]*domain.Dialogue
	settings      domain.AppSettings
	stats         map[statsKey]domain.DailyStat
	notifications map[int64]domain.Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memoryState{
			recruiters:    make(map[int64]domain.Recruiter),
			vacancies:     make(map[int64]domain.Vacancy),
			candidates:    make(map[int64]domain.Candidate),
			dialogues:     make(map[int64]*domain.Dialogue),
			settings:      DefaultSettings,
			stats:         make(map[statsKey]domain.DailyStat),
			notifications: make(map[int64]domain.Notification),
		},
	}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := s.state.clone()
	if err := fn(&memoryTx{state: s.state}); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

func (s *MemoryStore) Close() {}

func (m *memoryState) clone() *memoryState {
	clone := &memoryState{
		nextID:        m.nextID,
		recruiters:    make(map[int64]domain.Recruiter, len(m.recruiters)),
		vacancies:     make(map[int64]domain.Vacancy, len(m.vacancies)),
		candidates:    make(map[int64]domain.Candidate, len(m.candidates)),
		dialogues:     make(map[int64]*domain.Dialogue, len(m.dialogues)),
		settings:      m.settings,
		stats:         make(map[statsKey]domain.DailyStat, len(m.stats)),
		notifications: make(map[int64]domain.Notification, len(m.notifications)),
	}
	for id, recruiter := range m.recruiters {
		clone.recruiters[id] = recruiter
	}
	for id, vacancy := range m.vacancies {
		clone.vacancies[id] = vacancy
	}
	for id, candidate := range m.candidates {
		clone.candidates[id] = candidate
	}
	for id, dialogue := range m.dialogues {
		clone.dialogues[id] = domain.CloneDialogue(dialogue)
	}
	for key, stat := range m.stats {
		clone.stats[key] = stat
	}
	for id, notification := range m.notifications {
		clone.notifications[id] = notification
	}
	return clone
}

type memoryTx struct {
	state *memoryState
}

func (t *memoryTx) newID() int64 {
	t.state.nextID++
	return t.state.nextID
}

func (t *memoryTx) ListRecruiters(_ context.Context) ([]domain.Recruiter, error) {
	recruiters := make([]domain.Recruiter, 0, len(t.state.recruiters))
	for _, recruiter := range t.state.recruiters {
		recruiters = append(recruiters, recruiter)
	}
	sort.Slice(recruiters, func(i, j int) bool {
		return recruiters[i].ID < recruiters[j].ID
	})
	return recruiters, nil
}

func (t *memoryTx) GetRecruiter(_ context.Context, recruiterID int64) (domain.Recruiter, error) {
	recruiter, ok := t.state.recruiters[recruiterID]
	if !ok {
		return domain.Recruiter{}, domain.ErrNotFound
	}
	return recruiter, nil
}

func (t *memoryTx) UpsertRecruiter(_ context.Context, recruiter domain.Recruiter) (domain.Recruiter, error) {
	for id, existing := range t.state.recruiters {
		if existing.ExternalID != recruiter.ExternalID {
			continue
		}
		recruiter.ID = id
		if recruiter.EmployerID == "" {
			recruiter.EmployerID = existing.EmployerID
		}
		t.state.recruiters[id] = recruiter
		return recruiter, nil
	}
	recruiter.ID = t.newID()
	t.state.recruiters[recruiter.ID] = recruiter
	return recruiter, nil
}

func (t *memoryTx) UpdateRecruiterTokens(_ context.Context, recruiterID int64, tokens domain.Tokens) error {
	recruiter, ok := t.state.recruiters[recruiterID]
	if !ok {
		return domain.ErrNotFound
	}
	recruiter.AccessToken = tokens.AccessToken
	recruiter.RefreshToken = tokens.RefreshToken
	recruiter.TokenExpiresAt = tokens.ExpiresAt
	t.state.recruiters[recruiterID] = recruiter
	return nil
}

func (t *memoryTx) SetRecruiterEmployer(_ context.Context, recruiterID int64, employerID string) error {
	recruiter, ok := t.state.recruiters[recruiterID]
	if !ok {
		return domain.ErrNotFound
	}
	recruiter.EmployerID = employerID
	t.state.recruiters[recruiterID] = recruiter
	return nil
}

func (t *memoryTx) UpsertVacancy(_ context.Context, vacancy domain.Vacancy) (domain.Vacancy, error) {
	for id, existing := range t.state.vacancies {
		if existing.ExternalID != vacancy.ExternalID {
			continue
		}
		vacancy.ID = id
		t.state.vacancies[id] = vacancy
		return vacancy, nil
	}
	vacancy.ID = t.newID()
	t.state.vacancies[vacancy.ID] = vacancy
	return vacancy, nil
}

func (t *memoryTx) GetVacancy(_ context.Context, vacancyID int64) (domain.Vacancy, error) {
	vacancy, ok := t.state.vacancies[vacancyID]
	if !ok {
		return domain.Vacancy{}, domain.ErrNotFound
	}
	return vacancy, nil
}

func (t *memoryTx) GetVacancyByExternalID(_ context.Context, externalID string) (domain.Vacancy, error) {
	for _, vacancy := range t.state.vacancies {
		if vacancy.ExternalID == externalID {
			return vacancy, nil
		}
	}
	return domain.Vacancy{}, domain.ErrNotFound
}

func (t *memoryTx) GetOrCreateCandidate(_ context.Context, resumeID, fullName string) (domain.Candidate, error) {
	for _, candidate := range t.state.candidates {
		if candidate.ResumeID == resumeID {
			return candidate, nil
		}
	}
	candidate := domain.Candidate{
		ID:        t.newID(),
		ResumeID:  resumeID,
		FullName:  fullName,
		CreatedAt: time.Now().UTC(),
	}
	t.state.candidates[candidate.ID] = candidate
	return candidate, nil
}

func (t *memoryTx) GetCandidate(_ context.Context, candidateID int64) (domain.Candidate, error) {
	candidate, ok := t.state.candidates[candidateID]
	if !ok {
		return domain.Candidate{}, domain.ErrNotFound
	}
	return candidate, nil
}

func (t *memoryTx) EnrichCandidate(
	_ context.Context,
	candidateID int64,
	update domain.CandidateUpdate,
) (domain.Candidate, error) {
	candidate, ok := t.state.candidates[candidateID]
	if !ok {
		return domain.Candidate{}, domain.ErrNotFound
	}
	if candidate.Enrich(update) {
		t.state.candidates[candidateID] = candidate
	}
	return candidate, nil
}

func (t *memoryTx) GetDialogue(_ context.Context, dialogueID int64) (*domain.Dialogue, error) {
	dialogue, ok := t.state.dialogues[dialogueID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return domain.CloneDialogue(dialogue), nil
}

func (t *memoryTx) GetDialogueByNegotiation(_ context.Context, negotiationID string) (*domain.Dialogue, error) {
	for _, dialogue := range t.state.dialogues {
		if dialogue.NegotiationID == negotiationID {
			return domain.CloneDialogue(dialogue), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (t *memoryTx) GetDialogueForUpdate(ctx context.Context, dialogueID int64) (*domain.Dialogue, error) {
	return t.GetDialogue(ctx, dialogueID)
}

func (t *memoryTx) CreateDialogue(_ context.Context, dialogue *domain.Dialogue) error {
	for _, existing := range t.state.dialogues {
		if existing.NegotiationID == dialogue.NegotiationID {
			return fmt.Errorf("negotiation %s: %w", dialogue.NegotiationID, domain.ErrAlreadyExists)
		}
	}
	dialogue.ID = t.newID()
	if dialogue.CreatedAt.IsZero() {
		dialogue.CreatedAt = time.Now().UTC()
	}
	t.state.dialogues[dialogue.ID] = domain.CloneDialogue(dialogue)
	return nil
}

func (t *memoryTx) SaveDialogue(_ context.Context, dialogue *domain.Dialogue) error {
	if _, ok := t.state.dialogues[dialogue.ID]; !ok {
		return domain.ErrNotFound
	}
	t.state.dialogues[dialogue.ID] = domain.CloneDialogue(dialogue)
	return nil
}

func (t *memoryTx) ListReadyDialogues(
	_ context.Context,
	recruiterID int64,
	cutoff time.Time,
) ([]*domain.Dialogue, error) {
	return t.selectDialogues(func(dialogue *domain.Dialogue) bool {
		return dialogue.RecruiterID == recruiterID &&
			dialogue.Selectable() &&
			len(dialogue.Pending) > 0 &&
			!dialogue.LastUpdated.After(cutoff)
	}), nil
}

func (t *memoryTx) ListReminderCandidates(_ context.Context, recruiterID int64) ([]*domain.Dialogue, error) {
	return t.selectDialogues(func(dialogue *domain.Dialogue) bool {
		return dialogue.RecruiterID == recruiterID &&
			dialogue.Status == domain.DialogueStatusInProgress &&
			dialogue.ReminderLevel < domain.MaxReminderLevel
	}), nil
}

func (t *memoryTx) selectDialogues(match func(*domain.Dialogue) bool) []*domain.Dialogue {
	selected := make([]*domain.Dialogue, 0)
	for _, dialogue := range t.state.dialogues {
		if match(dialogue) {
			selected = append(selected, domain.CloneDialogue(dialogue))
		}
	}
	sort.Slice(selected, func(i, j int) bool {
		if selected[i].LastUpdated.Equal(selected[j].LastUpdated) {
			return selected[i].ID < selected[j].ID
		}
		return selected[i].LastUpdated.Before(selected[j].LastUpdated)
	})
	return selected
}

func (t *memoryTx) CountDialoguesByStatus(_ context.Context) (map[domain.DialogueStatus]int, error) {
	counts := make(map[domain.DialogueStatus]int)
	for _, dialogue := range t.state.dialogues {
		counts[dialogue.Status]++
	}
	return counts, nil
}

func (t *memoryTx) GetSettings(_ context.Context) (domain.AppSettings, error) {
	return t.state.settings, nil
}

func (t *memoryTx) GetSettingsForUpdate(ctx context.Context) (domain.AppSettings, error) {
	return t.GetSettings(ctx)
}

func (t *memoryTx) SaveSettings(_ context.Context, settings domain.AppSettings) error {
	t.state.settings = settings
	return nil
}

func (t *memoryTx) IncrementStats(
	_ context.Context,
	vacancyID int64,
	day time.Time,
	delta domain.StatsDelta,
) error {
	key := statsKey{vacancyID: vacancyID, day: StatsDay(day)}
	stat := t.state.stats[key]
	stat.VacancyID = vacancyID
	stat.Day = key.day
	stat.Responses += delta.Responses
	stat.StartedDialogs += delta.StartedDialogs
	stat.Qualified += delta.Qualified
	t.state.stats[key] = stat
	return nil
}

func (t *memoryTx) ListDailyStats(_ context.Context, day time.Time) ([]domain.DailyStat, error) {
	day = StatsDay(day)
	stats := make([]domain.DailyStat, 0)
	for key, stat := range t.state.stats {
		if key.day.Equal(day) {
			stats = append(stats, stat)
		}
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].VacancyID < stats[j].VacancyID
	})
	return stats, nil
}

func (t *memoryTx) HasPendingNotification(_ context.Context, candidateID int64) (bool, error) {
	for _, notification := range t.state.notifications {
		if notification.CandidateID == candidateID && notification.Status == domain.NotificationPending {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) EnqueueNotification(
	_ context.Context,
	notification domain.Notification,
) (domain.Notification, error) {
	notification.ID = t.newID()
	if notification.Status == "" {
		notification.Status = domain.NotificationPending
	}
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = time.Now().UTC()
	}
	t.state.notifications[notification.ID] = notification
	return notification, nil
}

func (t *memoryTx) ListPendingNotifications(_ context.Context, limit int) ([]domain.Notification, error) {
	pending := make([]domain.Notification, 0)
	for _, notification := range t.state.notifications {
		if notification.Status == domain.NotificationPending {
			pending = append(pending, notification)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].ID < pending[j].ID
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (t *memoryTx) MarkNotification(
	_ context.Context,
	notificationID int64,
	status domain.NotificationStatus,
	message string,
	processedAt time.Time,
) error {
	notification, ok := t.state.notifications[notificationID]
	if !ok {
		return domain.ErrNotFound
	}
	notification.Status = status
	notification.Error = message
	notification.ProcessedAt = &processedAt
	t.state.notifications[notificationID] = notification
	return nil
}
