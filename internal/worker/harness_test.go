package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/denis201520182022/Bot-HH-tg/internal/alert"
	"github.com/denis201520182022/Bot-HH-tg/internal/domain"
	"github.com/denis201520182022/Bot-HH-tg/internal/flow"
	"github.com/denis201520182022/Bot-HH-tg/internal/hh"
	"github.com/denis201520182022/Bot-HH-tg/internal/lock"
	"github.com/denis201520182022/Bot-HH-tg/internal/repository"
	"github.com/denis201520182022/Bot-HH-tg/internal/service"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sentMessage struct {
	negotiationID string
	text          string
}

type folderMove struct {
	negotiationID string
	folder        string
}

// fakeGateway keeps hh.ru folders and threads in memory. Moves relocate the
// negotiation between folders the way the real API does.
type fakeGateway struct {
	mu        sync.Mutex
	employer  string
	vacancies []hh.Vacancy
	folders   map[string][]hh.Negotiation
	threads   map[string][]hh.Message
	sent      []sentMessage
	moves     []folderMove
	moveErr   map[string]error
	sendErr   error
	listErr   error
}

func newFakeGateway() *fakeGateway {
	vacancy := hh.Vacancy{ID: "v-1", Name: "Курьер"}
	vacancy.Area.Name = "Москва"
	return &fakeGateway{
		employer:  "emp-1",
		vacancies: []hh.Vacancy{vacancy},
		folders:   make(map[string][]hh.Negotiation),
		threads:   make(map[string][]hh.Message),
		moveErr:   make(map[string]error),
	}
}

func (g *fakeGateway) Me(context.Context, domain.Recruiter) (hh.Me, error) {
	me := hh.Me{ID: "manager-1"}
	me.Employer = &struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}{ID: g.employer}
	return me, nil
}

func (g *fakeGateway) ActiveVacancies(context.Context, domain.Recruiter, string) ([]hh.Vacancy, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]hh.Vacancy(nil), g.vacancies...), nil
}

func (g *fakeGateway) ListFolder(_ context.Context, _ domain.Recruiter, folder string, vacancyIDs []string) ([]hh.Negotiation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listErr != nil {
		return nil, g.listErr
	}
	wanted := make(map[string]bool, len(vacancyIDs))
	for _, id := range vacancyIDs {
		wanted[id] = true
	}
	result := make([]hh.Negotiation, 0)
	for _, negotiation := range g.folders[folder] {
		if wanted[negotiation.VacancyID] {
			result = append(result, negotiation)
		}
	}
	return result, nil
}

func (g *fakeGateway) ListMessages(_ context.Context, _ domain.Recruiter, threadURL string) ([]hh.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]hh.Message(nil), g.threads[threadURL]...), nil
}

func (g *fakeGateway) SendMessage(_ context.Context, _ domain.Recruiter, negotiationID, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sendErr != nil {
		return g.sendErr
	}
	g.sent = append(g.sent, sentMessage{negotiationID: negotiationID, text: text})
	return nil
}

func (g *fakeGateway) MoveToFolder(_ context.Context, _ domain.Recruiter, negotiationID, folder string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.moveErr[folder]; err != nil {
		return err
	}
	g.moves = append(g.moves, folderMove{negotiationID: negotiationID, folder: folder})
	for name, negotiations := range g.folders {
		for index, negotiation := range negotiations {
			if negotiation.ID != negotiationID {
				continue
			}
			g.folders[name] = append(negotiations[:index:index], negotiations[index+1:]...)
			negotiation.HasUpdates = false
			g.folders[folder] = append(g.folders[folder], negotiation)
			return nil
		}
	}
	return nil
}

// addNegotiation puts a negotiation with its thread into folder.
func (g *fakeGateway) addNegotiation(folder, id string, hasUpdates bool, messages ...hh.Message) {
	g.mu.Lock()
	defer g.mu.Unlock()
	negotiation := hh.Negotiation{
		ID:          id,
		HasUpdates:  hasUpdates,
		MessagesURL: "/negotiations/" + id + "/messages",
		Resume:      hh.Resume{ID: "resume-" + id, FirstName: "Иван", LastName: "Петров"},
		VacancyID:   "v-1",
	}
	g.folders[folder] = append(g.folders[folder], negotiation)
	g.threads[negotiation.MessagesURL] = messages
}

func (g *fakeGateway) appendMessage(negotiationID string, message hh.Message) {
	g.mu.Lock()
	defer g.mu.Unlock()
	url := "/negotiations/" + negotiationID + "/messages"
	g.threads[url] = append(g.threads[url], message)
	for name, negotiations := range g.folders {
		for index := range negotiations {
			if negotiations[index].ID == negotiationID {
				g.folders[name][index].HasUpdates = true
			}
		}
	}
}

func (g *fakeGateway) folderOf(negotiationID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	for name, negotiations := range g.folders {
		for _, negotiation := range negotiations {
			if negotiation.ID == negotiationID {
				return name
			}
		}
	}
	return ""
}

func (g *fakeGateway) sentCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}

func applicantMessage(id, text string, at time.Time) hh.Message {
	message := hh.Message{ID: id, Text: text, CreatedAt: hh.Timestamp{Time: at}}
	message.Author.ParticipantType = hh.ParticipantApplicant
	return message
}

func employerMessage(id, text string, at time.Time) hh.Message {
	message := hh.Message{ID: id, Text: text, CreatedAt: hh.Timestamp{Time: at}}
	message.Author.ParticipantType = "employer"
	return message
}

// fakeModel answers with the decision returned by next and records every input.
type fakeModel struct {
	mu     sync.Mutex
	inputs []service.TurnInput
	next   func(input service.TurnInput) service.Decision
}

func (m *fakeModel) ProposeReply(_ context.Context, input service.TurnInput) (service.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, input)
	if m.next == nil {
		return decisionFor("awaiting_age", "Сколько вам лет?"), nil
	}
	return m.next(input), nil
}

func (m *fakeModel) calls() []service.TurnInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]service.TurnInput(nil), m.inputs...)
}

func decisionFor(rawLabel, reply string) service.Decision {
	label, outcome := flow.Default().Classify(rawLabel)
	return service.Decision{Reply: reply, Label: label, Outcome: outcome}
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (n *recordingNotifier) Notify(_ context.Context, message alert.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, message)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

type harness struct {
	t         *testing.T
	ctx       context.Context
	clock     *testClock
	store     *repository.MemoryStore
	gateway   *fakeGateway
	model     *fakeModel
	locker    *lock.LocalLocker
	alerts    *recordingNotifier
	recruiter domain.Recruiter
	intake    *Intake
	responder *Responder
	reminders *Reminders
}

const testDebounce = 10 * time.Second

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		ctx:     context.Background(),
		clock:   newTestClock(),
		store:   repository.NewMemoryStore(),
		gateway: newFakeGateway(),
		model:   &fakeModel{},
		locker:  lock.NewLocalLocker(),
		alerts:  &recordingNotifier{},
	}

	err := h.store.InTx(h.ctx, func(tx repository.Tx) error {
		var err error
		h.recruiter, err = tx.UpsertRecruiter(h.ctx, domain.Recruiter{ExternalID: "manager-1", Name: "Анна"})
		return err
	})
	if err != nil {
		t.Fatalf("seed recruiter: %v", err)
	}

	h.intake = NewIntake(h.store, h.gateway, h.alerts, nil, IntakeConfig{
		LowLimitThreshold: 2,
		Now:               h.clock.Now,
	})
	h.responder = NewResponder(h.store, h.gateway, h.model, h.locker, nil, ResponderConfig{
		DebounceWindow: testDebounce,
		Now:            h.clock.Now,
	})
	h.reminders = NewReminders(h.store, h.gateway, h.locker, nil, ReminderConfig{Now: h.clock.Now})
	return h
}

func (h *harness) runIntake() {
	h.t.Helper()
	if err := h.intake.Run(h.ctx, h.recruiter); err != nil {
		h.t.Fatalf("intake run: %v", err)
	}
}

func (h *harness) runResponder() {
	h.t.Helper()
	if err := h.responder.Run(h.ctx, h.recruiter); err != nil {
		h.t.Fatalf("responder run: %v", err)
	}
}

func (h *harness) runReminders() {
	h.t.Helper()
	if err := h.reminders.Run(h.ctx, h.recruiter); err != nil {
		h.t.Fatalf("reminders run: %v", err)
	}
}

func (h *harness) dialogue(negotiationID string) *domain.Dialogue {
	h.t.Helper()
	var dialogue *domain.Dialogue
	err := h.store.InTx(h.ctx, func(tx repository.Tx) error {
		var err error
		dialogue, err = tx.GetDialogueByNegotiation(h.ctx, negotiationID)
		return err
	})
	if err != nil {
		h.t.Fatalf("load dialogue %s: %v", negotiationID, err)
	}
	return dialogue
}

func (h *harness) hasDialogue(negotiationID string) bool {
	h.t.Helper()
	err := h.store.InTx(h.ctx, func(tx repository.Tx) error {
		_, err := tx.GetDialogueByNegotiation(h.ctx, negotiationID)
		return err
	})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		h.t.Fatalf("load dialogue %s: %v", negotiationID, err)
	}
	return err == nil
}

func (h *harness) saveDialogue(dialogue *domain.Dialogue) {
	h.t.Helper()
	err := h.store.InTx(h.ctx, func(tx repository.Tx) error {
		return tx.SaveDialogue(h.ctx, dialogue)
	})
	if err != nil {
		h.t.Fatalf("save dialogue: %v", err)
	}
}

func (h *harness) settings() domain.AppSettings {
	h.t.Helper()
	var settings domain.AppSettings
	err := h.store.InTx(h.ctx, func(tx repository.Tx) error {
		var err error
		settings, err = tx.GetSettings(h.ctx)
		return err
	})
	if err != nil {
		h.t.Fatalf("load settings: %v", err)
	}
	return settings
}

func (h *harness) setLimit(total int) {
	h.t.Helper()
	err := h.store.InTx(h.ctx, func(tx repository.Tx) error {
		settings, err := tx.GetSettingsForUpdate(h.ctx)
		if err != nil {
			return err
		}
		settings.LimitTotal = total
		return tx.SaveSettings(h.ctx, settings)
	})
	if err != nil {
		h.t.Fatalf("set limit: %v", err)
	}
}

func (h *harness) candidate(candidateID int64) domain.Candidate {
	h.t.Helper()
	var candidate domain.Candidate
	err := h.store.InTx(h.ctx, func(tx repository.Tx) error {
		var err error
		candidate, err = tx.GetCandidate(h.ctx, candidateID)
		return err
	})
	if err != nil {
		h.t.Fatalf("load candidate: %v", err)
	}
	return candidate
}

func (h *harness) pendingNotifications() []domain.Notification {
	h.t.Helper()
	var notifications []domain.Notification
	err := h.store.InTx(h.ctx, func(tx repository.Tx) error {
		var err error
		notifications, err = tx.ListPendingNotifications(h.ctx, 0)
		return err
	})
	if err != nil {
		h.t.Fatalf("list notifications: %v", err)
	}
	return notifications
}

func (h *harness) todayStats() domain.DailyStat {
	h.t.Helper()
	var stats []domain.DailyStat
	err := h.store.InTx(h.ctx, func(tx repository.Tx) error {
		var err error
		stats, err = tx.ListDailyStats(h.ctx, h.clock.Now())
		return err
	})
	if err != nil {
		h.t.Fatalf("list stats: %v", err)
	}
	if len(stats) == 0 {
		return domain.DailyStat{}
	}
	return stats[0]
}

// startDialogue admits one negotiation whose candidate wrote text.
func (h *harness) startDialogue(negotiationID, text string) *domain.Dialogue {
	h.t.Helper()
	h.gateway.addNegotiation("response", negotiationID, true,
		applicantMessage(negotiationID+"-m1", text, h.clock.Now()))
	h.runIntake()
	return h.dialogue(negotiationID)
}
