package domain

import "time"

type DialogueStatus string

const (
	DialogueStatusNew        DialogueStatus = "new"
	DialogueStatusInProgress DialogueStatus = "in_progress"
	DialogueStatusQualified  DialogueStatus = "qualified"
	DialogueStatusRejected   DialogueStatus = "rejected"
	DialogueStatusTimedOut   DialogueStatus = "timed_out"
)

// Terminal statuses are never selected again by any stage.
func (s DialogueStatus) Terminal() bool {
	return s == DialogueStatusRejected || s == DialogueStatusTimedOut
}

// MaxReminderLevel marks a dialogue that timed out waiting for the candidate.
const MaxReminderLevel = 4

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PendingMessage is a candidate message fragment waiting for the debounce window.
type PendingMessage struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Turn is one masked entry of the dialogue transcript.
type Turn struct {
	Role      Role        `json:"role"`
	Content   string      `json:"content"`
	MessageID string      `json:"message_id,omitempty"`
	Extracted *Extraction `json:"extracted_data,omitempty"`
}

// Dialogue is the qualification conversation bound to one hh.ru negotiation.
type Dialogue struct {
	ID            int64
	NegotiationID string
	RecruiterID   int64
	CandidateID   int64
	VacancyID     int64
	Status        DialogueStatus
	State         string
	ReminderLevel int
	Pending       []PendingMessage
	History       []Turn
	LastUpdated   time.Time
	CreatedAt     time.Time
}

// KnownMessageIDs returns every external message id already recorded in
// history or the pending buffer.
func (d *Dialogue) KnownMessageIDs() map[string]struct{} {
	known := make(map[string]struct{}, len(d.Pending)+len(d.History))
	for _, message := range d.Pending {
		if message.ID != "" {
			known[message.ID] = struct{}{}
		}
	}
	for _, turn := range d.History {
		if turn.MessageID != "" {
			known[turn.MessageID] = struct{}{}
		}
	}
	return known
}

// AppendPending buffers messages whose id is not known yet. Any appended message
// cancels the reminder escalation and restarts the debounce window.
func (d *Dialogue) AppendPending(messages []PendingMessage, now time.Time) int {
	known := d.KnownMessageIDs()
	added := 0
	for _, message := range messages {
		if message.ID != "" {
			if _, exists := known[message.ID]; exists {
				continue
			}
			known[message.ID] = struct{}{}
		}
		d.Pending = append(d.Pending, message)
		added++
	}
	if added > 0 {
		d.ReminderLevel = 0
		d.LastUpdated = now
	}
	return added
}

// ResolvePending moves the answered messages out of the pending buffer and
// appends the masked user turns plus the assistant reply to history. Messages
// that arrived after processed was read stay pending. It returns
// ErrConflict when none of processed is pending anymore.
func (d *Dialogue) ResolvePending(processed []PendingMessage, userTurns []Turn, reply Turn, now time.Time) error {
	answered := make(map[string]struct{}, len(processed))
	for _, message := range processed {
		answered[message.ID] = struct{}{}
	}

	remaining := make([]PendingMessage, 0, len(d.Pending))
	matched := 0
	for _, message := range d.Pending {
		if _, ok := answered[message.ID]; ok {
			matched++
			continue
		}
		remaining = append(remaining, message)
	}
	if matched == 0 && len(processed) > 0 {
		return ErrConflict
	}

	d.Pending = remaining
	d.History = append(d.History, userTurns...)
	d.History = append(d.History, reply)
	d.LastUpdated = now
	return nil
}

// Selectable reports whether the dialogue may still be picked by a stage.
func (d *Dialogue) Selectable() bool {
	return !d.Status.Terminal() && d.ReminderLevel < MaxReminderLevel
}

func CloneDialogue(d *Dialogue) *Dialogue {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Pending = append([]PendingMessage(nil), d.Pending...)
	clone.History = make([]Turn, len(d.History))
	for i, turn := range d.History {
		clone.History[i] = turn
		if turn.Extracted != nil {
			extracted := *turn.Extracted
			clone.History[i].Extracted = &extracted
		}
	}
	return &clone
}
