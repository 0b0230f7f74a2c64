package worker

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/denis201520182022/Bot-HH-tg/internal/domain"
	"github.com/denis201520182022/Bot-HH-tg/internal/flow"
	"github.com/denis201520182022/Bot-HH-tg/internal/policy"
	"github.com/denis201520182022/Bot-HH-tg/internal/service"
)

func TestResponderWaitsForDebounceWindow(t *testing.T) {
	h := newHarness(t)
	h.startDialogue("n-1", "Здравствуйте")

	h.clock.Advance(testDebounce - time.Second)
	h.runResponder()
	if h.gateway.sentCount() != 0 {
		t.Fatalf("expected no reply inside the debounce window")
	}

	h.clock.Advance(2 * time.Second)
	h.runResponder()
	if h.gateway.sentCount() != 1 {
		t.Fatalf("expected one reply after the debounce window, got %d", h.gateway.sentCount())
	}

	dialogue := h.dialogue("n-1")
	if len(dialogue.Pending) != 0 {
		t.Fatalf("expected pending cleared, got %+v", dialogue.Pending)
	}
	if dialogue.Status != domain.DialogueStatusInProgress || dialogue.State != "awaiting_age" {
		t.Fatalf("expected in_progress/awaiting_age, got %s/%s", dialogue.Status, dialogue.State)
	}
	if len(dialogue.History) != 2 || dialogue.History[1].Content != "Сколько вам лет?" {
		t.Fatalf("unexpected history: %+v", dialogue.History)
	}
	if !dialogue.LastUpdated.Equal(h.clock.Now()) {
		t.Fatalf("expected last_updated refreshed on reply")
	}
	assertDisjoint(t, dialogue)
}

func TestResponderCombinesMessagesThatArriveBeforeAnswering(t *testing.T) {
	h := newHarness(t)
	h.startDialogue("n-1", "Message A")

	h.clock.Advance(12 * time.Second)
	h.gateway.appendMessage("n-1", applicantMessage("n-1-m2", "Message B", h.clock.Now()))
	h.runIntake()

	h.clock.Advance(3 * time.Second)
	h.runResponder()
	if h.gateway.sentCount() != 0 {
		t.Fatalf("expected B to restart the debounce window")
	}

	h.clock.Advance(7 * time.Second)
	h.runResponder()

	calls := h.model.calls()
	if len(calls) != 1 || h.gateway.sentCount() != 1 {
		t.Fatalf("expected exactly one combined reply, got %d model calls and %d sends", len(calls), h.gateway.sentCount())
	}
	if calls[0].Message != "Message A\nMessage B" {
		t.Fatalf("expected both messages joined, got %q", calls[0].Message)
	}
	dialogue := h.dialogue("n-1")
	if len(dialogue.History) != 3 || len(dialogue.Pending) != 0 {
		t.Fatalf("expected two user turns and one reply, got history=%d pending=%d", len(dialogue.History), len(dialogue.Pending))
	}
}

func TestResponderMasksPIIAndEnrichesCandidate(t *testing.T) {
	h := newHarness(t)
	h.startDialogue("n-1", "Иванов Иван Иванович, 89991234567")
	age := 27
	h.model.next = func(service.TurnInput) service.Decision {
		decision := decisionFor("awaiting_city", "Спасибо! В каком городе удобно пройти собеседование?")
		decision.Extracted = &domain.Extraction{Age: &age}
		return decision
	}

	h.clock.Advance(testDebounce)
	h.runResponder()

	input := h.model.calls()[0]
	expected := policy.MaskedFullName + ", " + policy.MaskedPhone
	if input.Message != expected {
		t.Fatalf("expected masked model input %q, got %q", expected, input.Message)
	}
	if input.VacancyTitle != "Курьер" || input.VacancyCity != "Москва" {
		t.Fatalf("expected vacancy in prompt input, got %+v", input)
	}

	dialogue := h.dialogue("n-1")
	if strings.Contains(dialogue.History[0].Content, "8999") {
		t.Fatalf("expected history to be masked, got %q", dialogue.History[0].Content)
	}
	candidate := h.candidate(dialogue.CandidateID)
	if candidate.FullName != "Иванов Иван Иванович" || candidate.Phone != "79991234567" || candidate.Age != 27 {
		t.Fatalf("unexpected candidate: %+v", candidate)
	}
}

func TestResponderQualifiesOnlyOnce(t *testing.T) {
	h := newHarness(t)
	h.startDialogue("n-1", "Готов выйти завтра")
	h.model.next = func(input service.TurnInput) service.Decision {
		decision := decisionFor("forwarded_to_researcher", "Передаю вашу анкету коллегам.")
		if input.PostQualification {
			city := "Самара"
			decision.Extracted = &domain.Extraction{City: &city}
		}
		return decision
	}

	h.clock.Advance(testDebounce)
	h.runResponder()

	dialogue := h.dialogue("n-1")
	if dialogue.Status != domain.DialogueStatusQualified {
		t.Fatalf("expected qualified, got %s", dialogue.Status)
	}
	if folder := h.gateway.folderOf("n-1"); folder != "interview" {
		t.Fatalf("expected negotiation in interview folder, got %q", folder)
	}
	if notifications := h.pendingNotifications(); len(notifications) != 1 || notifications[0].DialogueID != dialogue.ID {
		t.Fatalf("expected one notification, got %+v", notifications)
	}
	if stats := h.todayStats(); stats.Qualified != 1 {
		t.Fatalf("expected one qualified stat, got %+v", stats)
	}

	// The candidate keeps chatting and the model claims qualification again.
	h.gateway.appendMessage("n-1", applicantMessage("n-1-m2", "А я живу в Самаре", h.clock.Now()))
	h.runIntake()
	h.clock.Advance(testDebounce)
	h.runResponder()

	calls := h.model.calls()
	if len(calls) != 2 || !calls[1].PostQualification {
		t.Fatalf("expected a post-qualification call, got %+v", calls)
	}
	if notifications := h.pendingNotifications(); len(notifications) != 1 {
		t.Fatalf("expected no second notification, got %d", len(notifications))
	}
	if stats := h.todayStats(); stats.Qualified != 1 {
		t.Fatalf("expected qualified stat unchanged, got %+v", stats)
	}
	interviewMoves := 0
	for _, move := range h.gateway.moves {
		if move.folder == "interview" {
			interviewMoves++
		}
	}
	if interviewMoves != 1 {
		t.Fatalf("expected a single move to interview, got %d", interviewMoves)
	}
	candidate := h.candidate(dialogue.CandidateID)
	if candidate.City != "" {
		t.Fatalf("expected post-qualification extraction ignored, got city %q", candidate.City)
	}
}

func TestResponderRejectsCandidate(t *testing.T) {
	h := newHarness(t)
	h.startDialogue("n-1", "Мне 16 лет")
	h.model.next = func(service.TurnInput) service.Decision {
		return decisionFor("qualification_failed", "К сожалению, мы не можем продолжить.")
	}

	h.clock.Advance(testDebounce)
	h.runResponder()

	dialogue := h.dialogue("n-1")
	if dialogue.Status != domain.DialogueStatusRejected || dialogue.State != "qualification_failed" {
		t.Fatalf("expected rejected/qualification_failed, got %s/%s", dialogue.Status, dialogue.State)
	}
	if folder := h.gateway.folderOf("n-1"); folder != "discard" {
		t.Fatalf("expected negotiation in discard folder, got %q", folder)
	}
	if notifications := h.pendingNotifications(); len(notifications) != 0 {
		t.Fatalf("expected no notification, got %d", len(notifications))
	}
}

func TestResponderLeavesDialogueUntouchedWhenMoveFails(t *testing.T) {
	h := newHarness(t)
	before := h.startDialogue("n-1", "Мне 16 лет")
	h.gateway.moveErr["discard"] = errors.New("hh unavailable")
	h.model.next = func(service.TurnInput) service.Decision {
		return decisionFor("qualification_failed", "К сожалению, мы не можем продолжить.")
	}

	h.clock.Advance(testDebounce)
	h.runResponder()

	after := h.dialogue("n-1")
	if after.Status != before.Status || after.State != before.State {
		t.Fatalf("expected status unchanged, got %s/%s", after.Status, after.State)
	}
	if len(after.Pending) != 1 || len(after.History) != 0 {
		t.Fatalf("expected pending kept and no history, got pending=%d history=%d", len(after.Pending), len(after.History))
	}
	if h.gateway.sentCount() != 0 {
		t.Fatalf("expected no reply sent")
	}
}

func TestResponderKeepsDialogueWhenSendFails(t *testing.T) {
	h := newHarness(t)
	h.startDialogue("n-1", "Привет")
	h.gateway.sendErr = errors.New("timeout")

	h.clock.Advance(testDebounce)
	h.runResponder()

	dialogue := h.dialogue("n-1")
	if dialogue.Status != domain.DialogueStatusNew || len(dialogue.Pending) != 1 {
		t.Fatalf("expected dialogue unanswered, got %+v", dialogue)
	}
}

func TestResponderFallbackDecisionStillAdvances(t *testing.T) {
	h := newHarness(t)
	h.startDialogue("n-1", "Привет")
	h.model.next = func(service.TurnInput) service.Decision {
		return service.Decision{
			Reply:    service.FallbackReply,
			Label:    flow.ErrorState,
			Outcome:  flow.OutcomeError,
			Fallback: true,
		}
	}

	h.clock.Advance(testDebounce)
	h.runResponder()

	dialogue := h.dialogue("n-1")
	if dialogue.Status != domain.DialogueStatusInProgress || dialogue.State != string(flow.ErrorState) {
		t.Fatalf("expected in_progress/error_state, got %s/%s", dialogue.Status, dialogue.State)
	}
	if len(dialogue.Pending) != 0 {
		t.Fatalf("expected pending cleared after fallback reply")
	}
}

func TestResponderSkipsLockedDialogue(t *testing.T) {
	h := newHarness(t)
	h.startDialogue("n-1", "Привет")
	release, ok, err := h.locker.TryLock(h.ctx, dialogueLockKey("n-1"))
	if err != nil || !ok {
		t.Fatalf("expected to take the lock, got ok=%v err=%v", ok, err)
	}

	h.clock.Advance(testDebounce)
	h.runResponder()
	if h.gateway.sentCount() != 0 {
		t.Fatalf("expected locked dialogue to be skipped")
	}

	release()
	h.runResponder()
	if h.gateway.sentCount() != 1 {
		t.Fatalf("expected reply once the lock is released")
	}
}

func TestPlanTransition(t *testing.T) {
	folders := Folders{}.withDefaults()
	cases := []struct {
		name     string
		status   domain.DialogueStatus
		outcome  flow.Outcome
		expected transition
	}{
		{"new continues", domain.DialogueStatusNew, flow.OutcomeContinue, transition{status: domain.DialogueStatusInProgress}},
		{"in progress continues", domain.DialogueStatusInProgress, flow.OutcomeContinue, transition{status: domain.DialogueStatusInProgress}},
		{"qualifies", domain.DialogueStatusInProgress, flow.OutcomeQualified, transition{status: domain.DialogueStatusQualified, folder: "interview", qualify: true}},
		{"already qualified", domain.DialogueStatusQualified, flow.OutcomeQualified, transition{status: domain.DialogueStatusQualified}},
		{"fails", domain.DialogueStatusNew, flow.OutcomeFailed, transition{status: domain.DialogueStatusRejected, folder: "discard"}},
		{"error on new", domain.DialogueStatusNew, flow.OutcomeError, transition{status: domain.DialogueStatusInProgress}},
		{"post qualification", domain.DialogueStatusQualified, flow.OutcomePostQualification, transition{status: domain.DialogueStatusQualified}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := planTransition(tc.status, tc.outcome, folders); got != tc.expected {
				t.Fatalf("expected %+v, got %+v", tc.expected, got)
			}
		})
	}
}
