package domain

import (
	"errors"
	"testing"
	"time"
)

func TestAppendPendingSkipsKnownMessageIDs(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	dialogue := &Dialogue{
		ReminderLevel: 2,
		Pending:       []PendingMessage{{ID: "m2", Text: "second"}},
		History:       []Turn{{Role: RoleUser, Content: "first", MessageID: "m1"}},
	}

	added := dialogue.AppendPending([]PendingMessage{
		{ID: "m1", Text: "first"},
		{ID: "m2", Text: "second"},
		{ID: "m3", Text: "third"},
		{ID: "m3", Text: "third again"},
	}, now)

	if added != 1 {
		t.Fatalf("expected one new message, got %d", added)
	}
	if len(dialogue.Pending) != 2 || dialogue.Pending[1].ID != "m3" {
		t.Fatalf("unexpected pending buffer: %+v", dialogue.Pending)
	}
	if dialogue.ReminderLevel != 0 {
		t.Fatalf("expected reminder level reset, got %d", dialogue.ReminderLevel)
	}
	if !dialogue.LastUpdated.Equal(now) {
		t.Fatalf("expected last_updated refreshed, got %s", dialogue.LastUpdated)
	}
}

func TestAppendPendingWithoutNewMessagesKeepsTimers(t *testing.T) {
	before := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	dialogue := &Dialogue{
		ReminderLevel: 1,
		LastUpdated:   before,
		History:       []Turn{{Role: RoleUser, MessageID: "m1"}},
	}

	if added := dialogue.AppendPending([]PendingMessage{{ID: "m1"}}, before.Add(time.Hour)); added != 0 {
		t.Fatalf("expected nothing appended, got %d", added)
	}
	if dialogue.ReminderLevel != 1 || !dialogue.LastUpdated.Equal(before) {
		t.Fatalf("expected timers untouched, got level=%d last_updated=%s", dialogue.ReminderLevel, dialogue.LastUpdated)
	}
}

func TestResolvePendingKeepsLateMessages(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	dialogue := &Dialogue{
		Pending: []PendingMessage{{ID: "a"}, {ID: "b"}, {ID: "c"}},
	}

	processed := []PendingMessage{{ID: "a"}, {ID: "b"}}
	err := dialogue.ResolvePending(
		processed,
		[]Turn{{Role: RoleUser, Content: "a\nb", MessageID: "b"}},
		Turn{Role: RoleAssistant, Content: "reply"},
		now,
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dialogue.Pending) != 1 || dialogue.Pending[0].ID != "c" {
		t.Fatalf("expected only late message to stay pending, got %+v", dialogue.Pending)
	}
	if len(dialogue.History) != 2 || dialogue.History[1].Role != RoleAssistant {
		t.Fatalf("unexpected history: %+v", dialogue.History)
	}
	if !dialogue.LastUpdated.Equal(now) {
		t.Fatalf("expected last_updated refreshed")
	}
}

func TestResolvePendingConflictWhenAlreadyAnswered(t *testing.T) {
	dialogue := &Dialogue{Pending: []PendingMessage{{ID: "z"}}}

	err := dialogue.ResolvePending([]PendingMessage{{ID: "a"}}, nil, Turn{Role: RoleAssistant}, time.Now())
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if len(dialogue.History) != 0 || len(dialogue.Pending) != 1 {
		t.Fatalf("expected dialogue untouched on conflict")
	}
}

func TestSelectableExcludesTerminalDialogues(t *testing.T) {
	cases := []struct {
		dialogue Dialogue
		want     bool
	}{
		{Dialogue{Status: DialogueStatusInProgress}, true},
		{Dialogue{Status: DialogueStatusQualified}, true},
		{Dialogue{Status: DialogueStatusRejected}, false},
		{Dialogue{Status: DialogueStatusTimedOut}, false},
		{Dialogue{Status: DialogueStatusInProgress, ReminderLevel: MaxReminderLevel}, false},
	}
	for _, tc := range cases {
		if got := tc.dialogue.Selectable(); got != tc.want {
			t.Fatalf("status=%s level=%d: expected %v, got %v", tc.dialogue.Status, tc.dialogue.ReminderLevel, tc.want, got)
		}
	}
}

func TestCandidateEnrichmentOnlyFillsEmptyFields(t *testing.T) {
	age := 30
	city := "Казань"
	fullName := "Иванов Иван Иванович"
	candidate := &Candidate{City: "Москва", FullName: "Иванов Иван"}

	changed := candidate.ApplyExtraction(&Extraction{Age: &age, City: &city, FullName: &fullName})
	if !changed {
		t.Fatalf("expected candidate to change")
	}
	if candidate.Age != 30 {
		t.Fatalf("expected age filled, got %d", candidate.Age)
	}
	if candidate.City != "Москва" {
		t.Fatalf("expected known city kept, got %q", candidate.City)
	}
	if candidate.FullName != fullName {
		t.Fatalf("expected full name upgraded, got %q", candidate.FullName)
	}

	if candidate.UpgradeFullName("Иван") {
		t.Fatalf("expected shorter name to be ignored")
	}
}

func TestCandidateFullNameNotReplacedBySameLengthName(t *testing.T) {
	candidate := &Candidate{FullName: "Петров Иван"}

	if candidate.Enrich(CandidateUpdate{FullName: "Нижний Новгород"}) {
		t.Fatalf("expected unrelated name of the same length to be ignored")
	}
	if candidate.FullName != "Петров Иван" {
		t.Fatalf("expected full name kept, got %q", candidate.FullName)
	}
	if candidate.UpgradeFullName("Петрова Ивана") {
		t.Fatalf("expected longer spelling with the same part count to be ignored")
	}
	if candidate.UpgradeFullName("Сидоров Пётр Петрович") {
		t.Fatalf("expected a different three-part name to be ignored")
	}
	if !candidate.UpgradeFullName("Петров Иван Сергеевич") {
		t.Fatalf("expected patronymic to extend the stored name")
	}
	if candidate.FullName != "Петров Иван Сергеевич" {
		t.Fatalf("expected extended name, got %q", candidate.FullName)
	}
}
