package hh

import (
	"fmt"
	"strings"
	"time"
)

// ParticipantApplicant marks messages written by the candidate.
const ParticipantApplicant = "applicant"

// Negotiation is one response (application) listed in a folder. VacancyID is
// the vacancy the listing request was made for.
type Negotiation struct {
	ID          string `json:"id"`
	HasUpdates  bool   `json:"has_updates"`
	MessagesURL string `json:"messages_url"`
	Resume      Resume `json:"resume"`
	VacancyID   string `json:"-"`
}

type Resume struct {
	ID         string `json:"id"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	MiddleName string `json:"middle_name"`
}

// FullName joins the resume name parts as "Surname Name Patronymic".
func (r Resume) FullName() string {
	return strings.Join(strings.Fields(r.LastName+" "+r.FirstName+" "+r.MiddleName), " ")
}

type Message struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt Timestamp `json:"created_at"`
	Author    struct {
		ParticipantType string `json:"participant_type"`
	} `json:"author"`
}

func (m Message) FromApplicant() bool {
	return m.Author.ParticipantType == ParticipantApplicant
}

type Vacancy struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Area struct {
		Name string `json:"name"`
	} `json:"area"`
}

// Me is the subset of GET /me the worker needs.
type Me struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Employer  *struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"employer"`
	Manager *struct {
		ID string `json:"id"`
	} `json:"manager"`
}

type page[T any] struct {
	Items   []T `json:"items"`
	Page    int `json:"page"`
	Pages   int `json:"pages"`
	PerPage int `json:"per_page"`
}

// Timestamp accepts hh.ru times such as 2024-05-01T10:00:00+0300 as well as RFC 3339.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	"2006-01-02T15:04:05-0700",
	time.RFC3339Nano,
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	if raw == "" || raw == "null" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		parsed, err := time.Parse(layout, raw)
		if err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("parse hh timestamp %q", raw)
}
