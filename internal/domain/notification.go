package domain

import "time"

type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationError   NotificationStatus = "error"
)

// Notification is an outbox row for a candidate who reached a qualifying outcome.
type Notification struct {
	ID          int64
	CandidateID int64
	DialogueID  int64
	VacancyID   int64
	Status      NotificationStatus
	Error       string
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// QualifiedCandidateEvent is the payload published for a pending notification.
type QualifiedCandidateEvent struct {
	EventID        string    `json:"event_id"`
	NotificationID int64     `json:"notification_id"`
	NegotiationID  string    `json:"negotiation_id"`
	RecruiterName  string    `json:"recruiter_name,omitempty"`
	VacancyTitle   string    `json:"vacancy_title"`
	VacancyCity    string    `json:"vacancy_city,omitempty"`
	CandidateName  string    `json:"candidate_name,omitempty"`
	CandidatePhone string    `json:"candidate_phone,omitempty"`
	CandidateAge   int       `json:"candidate_age,omitempty"`
	Citizenship    string    `json:"citizenship,omitempty"`
	CandidateCity  string    `json:"candidate_city,omitempty"`
	Readiness      string    `json:"readiness_to_start,omitempty"`
	DialogueState  string    `json:"dialogue_state"`
	QualifiedAt    time.Time `json:"qualified_at"`
	ResumeID       string    `json:"resume_id"`
}

// AppSettings is the single global settings row.
type AppSettings struct {
	LimitTotal       int
	LimitUsed        int
	CostPerResponse  float64
	LowLimitNotified bool
}

func (s AppSettings) Remaining() int {
	remaining := s.LimitTotal - s.LimitUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (s AppSettings) QuotaAvailable() bool {
	return s.LimitUsed < s.LimitTotal
}

// StatsDelta increments the per-vacancy daily counters.
type StatsDelta struct {
	Responses      int
	StartedDialogs int
	Qualified      int
}

type DailyStat struct {
	VacancyID      int64
	Day            time.Time
	Responses      int
	StartedDialogs int
	Qualified      int
}
