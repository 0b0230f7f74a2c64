package alert

import (
	"context"
	"fmt"
	"log"
	"strings"
)

type Level string

const (
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Alert is an operator-facing message about something the worker cannot fix on its own.
type Alert struct {
	Level   Level
	Title   string
	Message string
}

func (a Alert) Text() string {
	prefix := "⚠️"
	if a.Level == LevelCritical {
		prefix = "🚨"
	}
	text := fmt.Sprintf("%s %s", prefix, strings.TrimSpace(a.Title))
	if message := strings.TrimSpace(a.Message); message != "" {
		text += "\n" + message
	}
	return text
}

type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the worker log.
type LogNotifier struct {
	logger *log.Logger
}

func NewLogNotifier(logger *log.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, alert Alert) error {
	if n.logger == nil {
		return nil
	}
	n.logger.Printf("alert level=%s title=%q message=%q", alert.Level, alert.Title, alert.Message)
	return nil
}

// Multi fans an alert out to every notifier and returns the first error.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, alert Alert) error {
	var firstErr error
	for _, notifier := range m {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, alert); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
