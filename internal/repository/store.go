package repository

import (
	"context"
	"time"

	"github.com/denis201520182022/Bot-HH-tg/internal/domain"
)

// Store runs units of work against the dialogue database.
type Store interface {
	// InTx commits when fn returns nil and rolls everything back otherwise.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Close()
}

// Tx is the set of operations available inside one unit of work.
type Tx interface {
	ListRecruiters(ctx context.Context) ([]domain.Recruiter, error)
	GetRecruiter(ctx context.Context, recruiterID int64) (domain.Recruiter, error)
	UpsertRecruiter(ctx context.Context, recruiter domain.Recruiter) (domain.Recruiter, error)
	UpdateRecruiterTokens(ctx context.Context, recruiterID int64, tokens domain.Tokens) error
	SetRecruiterEmployer(ctx context.Context, recruiterID int64, employerID string) error

	UpsertVacancy(ctx context.Context, vacancy domain.Vacancy) (domain.Vacancy, error)
	GetVacancy(ctx context.Context, vacancyID int64) (domain.Vacancy, error)
	GetVacancyByExternalID(ctx context.Context, externalID string) (domain.Vacancy, error)

	GetOrCreateCandidate(ctx context.Context, resumeID, fullName string) (domain.Candidate, error)
	GetCandidate(ctx context.Context, candidateID int64) (domain.Candidate, error)
	EnrichCandidate(ctx context.Context, candidateID int64, update domain.CandidateUpdate) (domain.Candidate, error)

	GetDialogue(ctx context.Context, dialogueID int64) (*domain.Dialogue, error)
	GetDialogueByNegotiation(ctx context.Context, negotiationID string) (*domain.Dialogue, error)
	GetDialogueForUpdate(ctx context.Context, dialogueID int64) (*domain.Dialogue, error)
	CreateDialogue(ctx context.Context, dialogue *domain.Dialogue) error
	SaveDialogue(ctx context.Context, dialogue *domain.Dialogue) error
	// ListReadyDialogues returns selectable dialogues of the recruiter with a
	// non-empty pending buffer untouched since cutoff.
	ListReadyDialogues(ctx context.Context, recruiterID int64, cutoff time.Time) ([]*domain.Dialogue, error)
	ListReminderCandidates(ctx context.Context, recruiterID int64) ([]*domain.Dialogue, error)
	CountDialoguesByStatus(ctx context.Context) (map[domain.DialogueStatus]int, error)

	GetSettings(ctx context.Context) (domain.AppSettings, error)
	GetSettingsForUpdate(ctx context.Context) (domain.AppSettings, error)
	SaveSettings(ctx context.Context, settings domain.AppSettings) error

	IncrementStats(ctx context.Context, vacancyID int64, day time.Time, delta domain.StatsDelta) error
	ListDailyStats(ctx context.Context, day time.Time) ([]domain.DailyStat, error)

	HasPendingNotification(ctx context.Context, candidateID int64) (bool, error)
	EnqueueNotification(ctx context.Context, notification domain.Notification) (domain.Notification, error)
	ListPendingNotifications(ctx context.Context, limit int) ([]domain.Notification, error)
	MarkNotification(ctx context.Context, notificationID int64, status domain.NotificationStatus, message string, processedAt time.Time) error
}

// StatsDay truncates t to the UTC calendar day statistics are grouped by.
func StatsDay(t time.Time) time.Time {
	year, month, day := t.UTC().Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
