package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/denis201520182022/Bot-HH-tg/internal/domain"
	"github.com/denis201520182022/Bot-HH-tg/internal/hh"
	"github.com/denis201520182022/Bot-HH-tg/internal/service"
)

// Gateway is the subset of the hh.ru negotiation gateway the stages call.
type Gateway interface {
	Me(ctx context.Context, recruiter domain.Recruiter) (hh.Me, error)
	ActiveVacancies(ctx context.Context, recruiter domain.Recruiter, employerID string) ([]hh.Vacancy, error)
	ListFolder(ctx context.Context, recruiter domain.Recruiter, folder string, vacancyIDs []string) ([]hh.Negotiation, error)
	ListMessages(ctx context.Context, recruiter domain.Recruiter, threadURL string) ([]hh.Message, error)
	SendMessage(ctx context.Context, recruiter domain.Recruiter, negotiationID, text string) error
	MoveToFolder(ctx context.Context, recruiter domain.Recruiter, negotiationID, folder string) error
}

// ReplyModel proposes the next message of a dialogue.
type ReplyModel interface {
	ProposeReply(ctx context.Context, input service.TurnInput) (service.Decision, error)
}

// Folders names the hh.ru negotiation folders a dialogue moves through.
type Folders struct {
	Unclassified string
	Consider     string
	Interview    string
	Discard      string
}

func (f Folders) withDefaults() Folders {
	if f.Unclassified == "" {
		f.Unclassified = "response"
	}
	if f.Consider == "" {
		f.Consider = "consider"
	}
	if f.Interview == "" {
		f.Interview = "interview"
	}
	if f.Discard == "" {
		f.Discard = "discard"
	}
	return f
}

// IsAuthFailure reports errors that make the rest of a recruiter's pipeline
// pointless for this cycle.
func IsAuthFailure(err error) bool {
	return errors.Is(err, domain.ErrAuthentication) || hh.IsAuthFailure(err)
}

func dialogueLockKey(negotiationID string) string {
	return "dialogue:" + negotiationID
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
