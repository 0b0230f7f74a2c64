package repository

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/denis201520182022/Bot-HH-tg/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&postgresTx{tx: tx})
	})
}

type postgresTx struct {
	tx pgx.Tx
}

const recruiterColumns = `id, recruiter_id, name, employer_id, access_token, refresh_token, token_expires_at`

func scanRecruiter(row pgx.Row) (domain.Recruiter, error) {
	var recruiter domain.Recruiter
	err := row.Scan(
		&recruiter.ID,
		&recruiter.ExternalID,
		&recruiter.Name,
		&recruiter.EmployerID,
		&recruiter.AccessToken,
		&recruiter.RefreshToken,
		&recruiter.TokenExpiresAt,
	)
	return recruiter, err
}

func (t *postgresTx) ListRecruiters(ctx context.Context) ([]domain.Recruiter, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+recruiterColumns+` FROM tracked_recruiters ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query recruiters: %w", err)
	}
	defer rows.Close()

	recruiters := make([]domain.Recruiter, 0)
	for rows.Next() {
		recruiter, err := scanRecruiter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recruiter: %w", err)
		}
		recruiters = append(recruiters, recruiter)
	}
	return recruiters, rows.Err()
}

func (t *postgresTx) GetRecruiter(ctx context.Context, recruiterID int64) (domain.Recruiter, error) {
	recruiter, err := scanRecruiter(t.tx.QueryRow(ctx,
		`SELECT `+recruiterColumns+` FROM tracked_recruiters WHERE id = $1`, recruiterID))
	if err != nil {
		return domain.Recruiter{}, notFound(err, "query recruiter")
	}
	return recruiter, nil
}

func (t *postgresTx) UpsertRecruiter(ctx context.Context, recruiter domain.Recruiter) (domain.Recruiter, error) {
	stored, err := scanRecruiter(t.tx.QueryRow(ctx, `
		INSERT INTO tracked_recruiters (recruiter_id, name, employer_id, access_token, refresh_token, token_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (recruiter_id) DO UPDATE
		SET name = EXCLUDED.name,
			employer_id = COALESCE(NULLIF(EXCLUDED.employer_id, ''), tracked_recruiters.employer_id),
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_expires_at = EXCLUDED.token_expires_at
		RETURNING `+recruiterColumns,
		recruiter.ExternalID,
		recruiter.Name,
		recruiter.EmployerID,
		recruiter.AccessToken,
		recruiter.RefreshToken,
		recruiter.TokenExpiresAt,
	))
	if err != nil {
		return domain.Recruiter{}, fmt.Errorf("upsert recruiter: %w", err)
	}
	return stored, nil
}

func (t *postgresTx) UpdateRecruiterTokens(ctx context.Context, recruiterID int64, tokens domain.Tokens) error {
	command, err := t.tx.Exec(ctx, `
		UPDATE tracked_recruiters
		SET access_token = $2,
			refresh_token = $3,
			token_expires_at = $4
		WHERE id = $1
	`, recruiterID, tokens.AccessToken, tokens.RefreshToken, tokens.ExpiresAt)
	if err != nil {
		return fmt.Errorf("update recruiter tokens: %w", err)
	}
	if command.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (t *postgresTx) SetRecruiterEmployer(ctx context.Context, recruiterID int64, employerID string) error {
	command, err := t.tx.Exec(ctx,
		`UPDATE tracked_recruiters SET employer_id = $2 WHERE id = $1`, recruiterID, employerID)
	if err != nil {
		return fmt.Errorf("update recruiter employer: %w", err)
	}
	if command.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const vacancyColumns = `id, hh_vacancy_id, title, city`

func scanVacancy(row pgx.Row) (domain.Vacancy, error) {
	var vacancy domain.Vacancy
	err := row.Scan(&vacancy.ID, &vacancy.ExternalID, &vacancy.Title, &vacancy.City)
	return vacancy, err
}

func (t *postgresTx) UpsertVacancy(ctx context.Context, vacancy domain.Vacancy) (domain.Vacancy, error) {
	stored, err := scanVacancy(t.tx.QueryRow(ctx, `
		INSERT INTO vacancies (hh_vacancy_id, title, city)
		VALUES ($1, $2, $3)
		ON CONFLICT (hh_vacancy_id) DO UPDATE
		SET title = EXCLUDED.title,
			city = EXCLUDED.city
		RETURNING `+vacancyColumns,
		vacancy.ExternalID, vacancy.Title, vacancy.City,
	))
	if err != nil {
		return domain.Vacancy{}, fmt.Errorf("upsert vacancy: %w", err)
	}
	return stored, nil
}

func (t *postgresTx) GetVacancy(ctx context.Context, vacancyID int64) (domain.Vacancy, error) {
	vacancy, err := scanVacancy(t.tx.QueryRow(ctx,
		`SELECT `+vacancyColumns+` FROM vacancies WHERE id = $1`, vacancyID))
	if err != nil {
		return domain.Vacancy{}, notFound(err, "query vacancy")
	}
	return vacancy, nil
}

func (t *postgresTx) GetVacancyByExternalID(ctx context.Context, externalID string) (domain.Vacancy, error) {
	vacancy, err := scanVacancy(t.tx.QueryRow(ctx,
		`SELECT `+vacancyColumns+` FROM vacancies WHERE hh_vacancy_id = $1`, externalID))
	if err != nil {
		return domain.Vacancy{}, notFound(err, "query vacancy")
	}
	return vacancy, nil
}

const candidateColumns = `id, hh_resume_id, full_name, age, citizenship, city, readiness_to_start, phone_number, created_at`

func scanCandidate(row pgx.Row) (domain.Candidate, error) {
	var candidate domain.Candidate
	err := row.Scan(
		&candidate.ID,
		&candidate.ResumeID,
		&candidate.FullName,
		&candidate.Age,
		&candidate.Citizenship,
		&candidate.City,
		&candidate.Readiness,
		&candidate.Phone,
		&candidate.CreatedAt,
	)
	return candidate, err
}

func (t *postgresTx) GetOrCreateCandidate(ctx context.Context, resumeID, fullName string) (domain.Candidate, error) {
	candidate, err := scanCandidate(t.tx.QueryRow(ctx, `
		INSERT INTO candidates (hh_resume_id, full_name)
		VALUES ($1, $2)
		ON CONFLICT (hh_resume_id) DO UPDATE
		SET hh_resume_id = EXCLUDED.hh_resume_id
		RETURNING `+candidateColumns,
		resumeID, fullName,
	))
	if err != nil {
		return domain.Candidate{}, fmt.Errorf("get or create candidate: %w", err)
	}
	return candidate, nil
}

func (t *postgresTx) GetCandidate(ctx context.Context, candidateID int64) (domain.Candidate, error) {
	candidate, err := scanCandidate(t.tx.QueryRow(ctx,
		`SELECT `+candidateColumns+` FROM candidates WHERE id = $1`, candidateID))
	if err != nil {
		return domain.Candidate{}, notFound(err, "query candidate")
	}
	return candidate, nil
}

func (t *postgresTx) EnrichCandidate(
	ctx context.Context,
	candidateID int64,
	update domain.CandidateUpdate,
) (domain.Candidate, error) {
	candidate, err := scanCandidate(t.tx.QueryRow(ctx,
		`SELECT `+candidateColumns+` FROM candidates WHERE id = $1 FOR UPDATE`, candidateID))
	if err != nil {
		return domain.Candidate{}, notFound(err, "lock candidate")
	}
	if !candidate.Enrich(update) {
		return candidate, nil
	}

	_, err = t.tx.Exec(ctx, `
		UPDATE candidates
		SET full_name = $2,
			age = $3,
			citizenship = $4,
			city = $5,
			readiness_to_start = $6,
			phone_number = $7
		WHERE id = $1
	`,
		candidate.ID,
		candidate.FullName,
		candidate.Age,
		candidate.Citizenship,
		candidate.City,
		candidate.Readiness,
		candidate.Phone,
	)
	if err != nil {
		return domain.Candidate{}, fmt.Errorf("update candidate: %w", err)
	}
	return candidate, nil
}

const dialogueColumns = `id, hh_response_id, recruiter_id, candidate_id, vacancy_id, status, dialogue_state,
	reminder_level, pending_messages, history, last_updated, created_at`

func scanDialogue(row pgx.Row) (*domain.Dialogue, error) {
	var (
		dialogue domain.Dialogue
		status   string
		pending  []byte
		history  []byte
	)
	err := row.Scan(
		&dialogue.ID,
		&dialogue.NegotiationID,
		&dialogue.RecruiterID,
		&dialogue.CandidateID,
		&dialogue.VacancyID,
		&status,
		&dialogue.State,
		&dialogue.ReminderLevel,
		&pending,
		&history,
		&dialogue.LastUpdated,
		&dialogue.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	dialogue.Status = domain.DialogueStatus(status)
	if err := json.Unmarshal(pending, &dialogue.Pending); err != nil {
		return nil, fmt.Errorf("decode pending messages: %w", err)
	}
	if err := json.Unmarshal(history, &dialogue.History); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return &dialogue, nil
}

func (t *postgresTx) queryDialogues(ctx context.Context, query string, args ...any) ([]*domain.Dialogue, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query dialogues: %w", err)
	}
	defer rows.Close()

	dialogues := make([]*domain.Dialogue, 0)
	for rows.Next() {
		dialogue, err := scanDialogue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dialogue: %w", err)
		}
		dialogues = append(dialogues, dialogue)
	}
	return dialogues, rows.Err()
}

func (t *postgresTx) GetDialogue(ctx context.Context, dialogueID int64) (*domain.Dialogue, error) {
	dialogue, err := scanDialogue(t.tx.QueryRow(ctx,
		`SELECT `+dialogueColumns+` FROM dialogues WHERE id = $1`, dialogueID))
	if err != nil {
		return nil, notFound(err, "query dialogue")
	}
	return dialogue, nil
}

func (t *postgresTx) GetDialogueByNegotiation(ctx context.Context, negotiationID string) (*domain.Dialogue, error) {
	dialogue, err := scanDialogue(t.tx.QueryRow(ctx,
		`SELECT `+dialogueColumns+` FROM dialogues WHERE hh_response_id = $1`, negotiationID))
	if err != nil {
		return nil, notFound(err, "query dialogue")
	}
	return dialogue, nil
}

func (t *postgresTx) GetDialogueForUpdate(ctx context.Context, dialogueID int64) (*domain.Dialogue, error) {
	dialogue, err := scanDialogue(t.tx.QueryRow(ctx,
		`SELECT `+dialogueColumns+` FROM dialogues WHERE id = $1 FOR UPDATE`, dialogueID))
	if err != nil {
		return nil, notFound(err, "lock dialogue")
	}
	return dialogue, nil
}

func (t *postgresTx) CreateDialogue(ctx context.Context, dialogue *domain.Dialogue) error {
	pending, history, err := encodeDialogueBuffers(dialogue)
	if err != nil {
		return err
	}
	if dialogue.CreatedAt.IsZero() {
		dialogue.CreatedAt = time.Now().UTC()
	}

	err = t.tx.QueryRow(ctx, `
		INSERT INTO dialogues (
			hh_response_id,
			recruiter_id,
			candidate_id,
			vacancy_id,
			status,
			dialogue_state,
			reminder_level,
			pending_messages,
			history,
			last_updated,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING id
	`,
		dialogue.NegotiationID,
		dialogue.RecruiterID,
		dialogue.CandidateID,
		dialogue.VacancyID,
		string(dialogue.Status),
		dialogue.State,
		dialogue.ReminderLevel,
		pending,
		history,
		dialogue.LastUpdated,
		dialogue.CreatedAt,
	).Scan(&dialogue.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("negotiation %s: %w", dialogue.NegotiationID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("insert dialogue: %w", err)
	}
	return nil
}

func (t *postgresTx) SaveDialogue(ctx context.Context, dialogue *domain.Dialogue) error {
	pending, history, err := encodeDialogueBuffers(dialogue)
	if err != nil {
		return err
	}

	command, err := t.tx.Exec(ctx, `
		UPDATE dialogues
		SET status = $2,
			dialogue_state = $3,
			reminder_level = $4,
			pending_messages = $5,
			history = $6,
			last_updated = $7
		WHERE id = $1
	`,
		dialogue.ID,
		string(dialogue.Status),
		dialogue.State,
		dialogue.ReminderLevel,
		pending,
		history,
		dialogue.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("update dialogue: %w", err)
	}
	if command.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (t *postgresTx) ListReadyDialogues(
	ctx context.Context,
	recruiterID int64,
	cutoff time.Time,
) ([]*domain.Dialogue, error) {
	return t.queryDialogues(ctx, `
		SELECT `+dialogueColumns+`
		FROM dialogues
		WHERE recruiter_id = $1
			AND jsonb_array_length(pending_messages) > 0
			AND last_updated <= $2
			AND status NOT IN ('rejected', 'timed_out')
			AND reminder_level < $3
		ORDER BY last_updated, id
	`, recruiterID, cutoff, domain.MaxReminderLevel)
}

func (t *postgresTx) ListReminderCandidates(ctx context.Context, recruiterID int64) ([]*domain.Dialogue, error) {
	return t.queryDialogues(ctx, `
		SELECT `+dialogueColumns+`
		FROM dialogues
		WHERE recruiter_id = $1
			AND status = 'in_progress'
			AND reminder_level < $2
		ORDER BY last_updated, id
	`, recruiterID, domain.MaxReminderLevel)
}

func (t *postgresTx) CountDialoguesByStatus(ctx context.Context) (map[domain.DialogueStatus]int, error) {
	rows, err := t.tx.Query(ctx, `SELECT status, count(*) FROM dialogues GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count dialogues: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.DialogueStatus]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan dialogue count: %w", err)
		}
		counts[domain.DialogueStatus(status)] = count
	}
	return counts, rows.Err()
}

func (t *postgresTx) GetSettings(ctx context.Context) (domain.AppSettings, error) {
	return t.querySettings(ctx, `SELECT limit_total, limit_used, cost_per_response, low_limit_notified
		FROM app_settings WHERE id = 1`)
}

func (t *postgresTx) GetSettingsForUpdate(ctx context.Context) (domain.AppSettings, error) {
	return t.querySettings(ctx, `SELECT limit_total, limit_used, cost_per_response, low_limit_notified
		FROM app_settings WHERE id = 1 FOR UPDATE`)
}

func (t *postgresTx) querySettings(ctx context.Context, query string) (domain.AppSettings, error) {
	var settings domain.AppSettings
	err := t.tx.QueryRow(ctx, query).Scan(
		&settings.LimitTotal,
		&settings.LimitUsed,
		&settings.CostPerResponse,
		&settings.LowLimitNotified,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DefaultSettings, nil
		}
		return domain.AppSettings{}, fmt.Errorf("query settings: %w", err)
	}
	return settings, nil
}

func (t *postgresTx) SaveSettings(ctx context.Context, settings domain.AppSettings) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO app_settings (id, limit_total, limit_used, cost_per_response, low_limit_notified)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET limit_total = EXCLUDED.limit_total,
			limit_used = EXCLUDED.limit_used,
			cost_per_response = EXCLUDED.cost_per_response,
			low_limit_notified = EXCLUDED.low_limit_notified
	`, settings.LimitTotal, settings.LimitUsed, settings.CostPerResponse, settings.LowLimitNotified)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func (t *postgresTx) IncrementStats(
	ctx context.Context,
	vacancyID int64,
	day time.Time,
	delta domain.StatsDelta,
) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO statistics (vacancy_id, date, responses_count, started_dialogs_count, qualified_count)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (vacancy_id, date) DO UPDATE
		SET responses_count = statistics.responses_count + EXCLUDED.responses_count,
			started_dialogs_count = statistics.started_dialogs_count + EXCLUDED.started_dialogs_count,
			qualified_count = statistics.qualified_count + EXCLUDED.qualified_count
	`, vacancyID, StatsDay(day), delta.Responses, delta.StartedDialogs, delta.Qualified)
	if err != nil {
		return fmt.Errorf("increment statistics: %w", err)
	}
	return nil
}

func (t *postgresTx) ListDailyStats(ctx context.Context, day time.Time) ([]domain.DailyStat, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT vacancy_id, date, responses_count, started_dialogs_count, qualified_count
		FROM statistics
		WHERE date = $1
		ORDER BY vacancy_id
	`, StatsDay(day))
	if err != nil {
		return nil, fmt.Errorf("query statistics: %w", err)
	}
	defer rows.Close()

	stats := make([]domain.DailyStat, 0)
	for rows.Next() {
		var stat domain.DailyStat
		if err := rows.Scan(&stat.VacancyID, &stat.Day, &stat.Responses, &stat.StartedDialogs, &stat.Qualified); err != nil {
			return nil, fmt.Errorf("scan statistic: %w", err)
		}
		stats = append(stats, stat)
	}
	return stats, rows.Err()
}

func (t *postgresTx) HasPendingNotification(ctx context.Context, candidateID int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM notification_queue WHERE candidate_id = $1 AND status = 'pending'
		)
	`, candidateID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query pending notification: %w", err)
	}
	return exists, nil
}

const notificationColumns = `id, candidate_id, dialogue_id, vacancy_id, status, error_message, created_at, processed_at`

func scanNotification(row pgx.Row) (domain.Notification, error) {
	var (
		notification domain.Notification
		status       string
	)
	err := row.Scan(
		&notification.ID,
		&notification.CandidateID,
		&notification.DialogueID,
		&notification.VacancyID,
		&status,
		&notification.Error,
		&notification.CreatedAt,
		&notification.ProcessedAt,
	)
	notification.Status = domain.NotificationStatus(status)
	return notification, err
}

func (t *postgresTx) EnqueueNotification(
	ctx context.Context,
	notification domain.Notification,
) (domain.Notification, error) {
	if notification.Status == "" {
		notification.Status = domain.NotificationPending
	}
	stored, err := scanNotification(t.tx.QueryRow(ctx, `
		INSERT INTO notification_queue (candidate_id, dialogue_id, vacancy_id, status)
		VALUES ($1, $2, $3, $4)
		RETURNING `+notificationColumns,
		notification.CandidateID,
		notification.DialogueID,
		notification.VacancyID,
		string(notification.Status),
	))
	if err != nil {
		return domain.Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	return stored, nil
}

func (t *postgresTx) ListPendingNotifications(ctx context.Context, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.tx.Query(ctx, `
		SELECT `+notificationColumns+`
		FROM notification_queue
		WHERE status = 'pending'
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	notifications := make([]domain.Notification, 0)
	for rows.Next() {
		notification, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, notification)
	}
	return notifications, rows.Err()
}

func (t *postgresTx) MarkNotification(
	ctx context.Context,
	notificationID int64,
	status domain.NotificationStatus,
	message string,
	processedAt time.Time,
) error {
	command, err := t.tx.Exec(ctx, `
		UPDATE notification_queue
		SET status = $2,
			error_message = $3,
			processed_at = $4
		WHERE id = $1
	`, notificationID, string(status), message, processedAt)
	if err != nil {
		return fmt.Errorf("update notification: %w", err)
	}
	if command.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func encodeDialogueBuffers(dialogue *domain.Dialogue) ([]byte, []byte, error) {
	pendingMessages := dialogue.Pending
	if pendingMessages == nil {
		pendingMessages = []domain.PendingMessage{}
	}
	turns := dialogue.History
	if turns == nil {
		turns = []domain.Turn{}
	}
	pending, err := json.Marshal(pendingMessages)
	if err != nil {
		return nil, nil, fmt.Errorf("encode pending messages: %w", err)
	}
	history, err := json.Marshal(turns)
	if err != nil {
		return nil, nil, fmt.Errorf("encode history: %w", err)
	}
	return pending, history, nil
}

func notFound(err error, action string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	return fmt.Errorf("%s: %w", action, err)
}
