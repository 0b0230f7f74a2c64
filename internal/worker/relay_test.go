package worker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/denis201520182022/Bot-HH-tg/internal/domain"
	"github.com/denis201520182022/Bot-HH-tg/internal/repository"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.QualifiedCandidateEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event domain.QualifiedCandidateEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func enqueueNotification(h *harness, dialogue *domain.Dialogue) {
	h.t.Helper()
	err := h.store.InTx(h.ctx, func(tx repository.Tx) error {
		_, err := tx.EnqueueNotification(h.ctx, domain.Notification{
			CandidateID: dialogue.CandidateID,
			DialogueID:  dialogue.ID,
			VacancyID:   dialogue.VacancyID,
			CreatedAt:   h.clock.Now(),
		})
		return err
	})
	if err != nil {
		h.t.Fatalf("enqueue notification: %v", err)
	}
}

func TestRelayPublishesStableEventIDs(t *testing.T) {
	h := newHarness(t)
	dialogue := h.startDialogue("n-1", "Привет")
	enqueueNotification(h, dialogue)

	publisher := &recordingPublisher{}
	relay := NewRelay(h.store, publisher, nil, RelayConfig{Now: h.clock.Now})
	sent, err := relay.Run(h.ctx)
	if err != nil {
		t.Fatalf("relay run: %v", err)
	}
	if sent != 1 || len(publisher.events) != 1 {
		t.Fatalf("expected one event sent, got sent=%d events=%d", sent, len(publisher.events))
	}
	event := publisher.events[0]
	if event.CandidateName != "Петров Иван" || event.ResumeID != "resume-n-1" || event.VacancyCity != "Москва" {
		t.Fatalf("unexpected event payload: %+v", event)
	}

	rebuilt := relayEventID(t, h, event.NotificationID)
	if rebuilt != event.EventID {
		t.Fatalf("expected deterministic event id %s, got %s", event.EventID, rebuilt)
	}

	sent, err = relay.Run(h.ctx)
	if err != nil || sent != 0 {
		t.Fatalf("expected nothing left to relay, got sent=%d err=%v", sent, err)
	}
}

func relayEventID(t *testing.T, h *harness, notificationID int64) string {
	t.Helper()
	dialogue := h.dialogue("n-1")
	var eventID string
	err := h.store.InTx(h.ctx, func(tx repository.Tx) error {
		event, err := buildEvent(h.ctx, tx, domain.Notification{
			ID:          notificationID,
			CandidateID: dialogue.CandidateID,
			DialogueID:  dialogue.ID,
			VacancyID:   dialogue.VacancyID,
		})
		eventID = event.EventID
		return err
	})
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	return eventID
}

func TestRelayMarksPublishFailures(t *testing.T) {
	h := newHarness(t)
	dialogue := h.startDialogue("n-1", "Привет")
	enqueueNotification(h, dialogue)

	relay := NewRelay(h.store, &recordingPublisher{err: errors.New("broker down")}, nil, RelayConfig{})
	sent, err := relay.Run(h.ctx)
	if err != nil {
		t.Fatalf("relay run: %v", err)
	}
	if sent != 0 {
		t.Fatalf("expected nothing sent, got %d", sent)
	}
	if pending := h.pendingNotifications(); len(pending) != 0 {
		t.Fatalf("expected failed notification to leave the pending state, got %d", len(pending))
	}
}
