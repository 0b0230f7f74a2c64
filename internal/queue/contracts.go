package queue

import (
	"context"

	"github.com/denis201520182022/Bot-HH-tg/internal/domain"
)

// Publisher delivers qualified-candidate events to the notification pipeline.
type Publisher interface {
	Publish(ctx context.Context, event domain.QualifiedCandidateEvent) error
}

// Consumer reads published events back, for downstream notifiers and the watch command.
type Consumer interface {
	Consume(ctx context.Context, handler func(context.Context, domain.QualifiedCandidateEvent) error) error
}
