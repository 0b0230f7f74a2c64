package service

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"strings"
	"text/template"

	"github.com/denis201520182022/Bot-HH-tg/internal/ai"
	"github.com/denis201520182022/Bot-HH-tg/internal/domain"
	"github.com/denis201520182022/Bot-HH-tg/internal/flow"
	"github.com/denis201520182022/Bot-HH-tg/internal/policy"
)

// FallbackReply is sent to the candidate when no model answer is available.
const FallbackReply = "К сожалению, у меня возникла техническая проблема. Пожалуйста, напишите чуть позже."

//go:embed prompts/dialogue.tmpl
var dialogueTemplate string

var promptTemplate = template.Must(template.New("dialogue").Parse(dialogueTemplate))

// ScriptSource provides the base qualification script.
type ScriptSource interface {
	QualificationScript(ctx context.Context) string
}

type DialogueModelDependencies struct {
	Client    ai.ChatCompleter
	Profile   ai.ModelProfile
	Catalogue *flow.Catalogue
	Script    ScriptSource
	Logger    *log.Logger
}

// DialogueModel turns the masked transcript plus the latest candidate turn
// into a Decision.
type DialogueModel struct {
	client    ai.ChatCompleter
	profile   ai.ModelProfile
	catalogue *flow.Catalogue
	script    ScriptSource
	logger    *log.Logger
}

// TurnInput is everything the model sees for one reply.
type TurnInput struct {
	VacancyTitle      string
	VacancyCity       string
	PostQualification bool
	History           []domain.Turn
	Message           string
}

func NewDialogueModel(deps DialogueModelDependencies) *DialogueModel {
	if deps.Catalogue == nil {
		deps.Catalogue = flow.Default()
	}
	return &DialogueModel{
		client:    deps.Client,
		profile:   deps.Profile,
		catalogue: deps.Catalogue,
		script:    deps.Script,
		logger:    deps.Logger,
	}
}

// ProposeReply never fails because of the model: provider errors and
// malformed answers produce the fallback decision. Only a cancelled ctx is
// returned as an error.
func (m *DialogueModel) ProposeReply(ctx context.Context, input TurnInput) (Decision, error) {
	systemPrompt, err := m.renderSystemPrompt(ctx, input)
	if err != nil {
		m.logf("render dialogue prompt failed, using fallback: %v", err)
		return m.fallbackDecision(), nil
	}

	messages := make([]ai.ChatMessage, 0, len(input.History)+2)
	messages = append(messages, ai.ChatMessage{Role: ai.RoleSystem, Content: systemPrompt})
	for _, turn := range input.History {
		role := ai.RoleUser
		if turn.Role == domain.RoleAssistant {
			role = ai.RoleAssistant
		}
		messages = append(messages, ai.ChatMessage{Role: role, Content: turn.Content})
	}
	messages = append(messages, ai.ChatMessage{Role: ai.RoleUser, Content: input.Message})

	if m.client == nil || !m.client.Available() {
		m.logf("dialogue model unavailable, using fallback: %v", ai.ErrUnavailable)
		return m.fallbackDecision(), nil
	}

	var lastErr error
	for _, model := range m.profile.Models() {
		result, callErr := m.client.Complete(ctx, ai.ChatRequest{
			Model:           model,
			Messages:        messages,
			Temperature:     m.profile.Temperature,
			MaxOutputTokens: m.profile.MaxOutputTokens,
			JSONMode:        true,
		})
		if callErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Decision{}, ctxErr
			}
			lastErr = fmt.Errorf("model %s: %w", model, callErr)
			m.logf("dialogue model call failed model=%s: %v", model, callErr)
			continue
		}

		decision, parseErr := parseDecision(result.Text, m.catalogue)
		if parseErr != nil {
			lastErr = fmt.Errorf("model %s: %w", model, parseErr)
			m.logf("dialogue model answer rejected model=%s: %v", model, parseErr)
			continue
		}
		decision.ModelID = firstNonEmpty(result.ModelID, model)
		return decision, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no dialogue model configured")
	}
	m.logf("dialogue model exhausted, using fallback: %v", lastErr)
	return m.fallbackDecision(), nil
}

func (m *DialogueModel) renderSystemPrompt(ctx context.Context, input TurnInput) (string, error) {
	script := ""
	if m.script != nil {
		script = m.script.QualificationScript(ctx)
	}

	postLabel, _ := m.catalogue.FirstWithOutcome(flow.OutcomePostQualification)
	var buffer bytes.Buffer
	err := promptTemplate.Execute(&buffer, map[string]any{
		"Script":                 strings.TrimSpace(script),
		"VacancyTitle":           firstNonEmpty(input.VacancyTitle, "без названия"),
		"VacancyCity":            strings.TrimSpace(input.VacancyCity),
		"PostQualification":      input.PostQualification,
		"PostQualificationLabel": string(postLabel),
		"MaskedFullName":         policy.MaskedFullName,
		"MaskedPhone":            policy.MaskedPhone,
		"Labels":                 m.catalogue.Selectable(),
	})
	if err != nil {
		return "", fmt.Errorf("execute dialogue template: %w", err)
	}
	return strings.TrimSpace(buffer.String()), nil
}

func (m *DialogueModel) fallbackDecision() Decision {
	return Decision{
		Reply:    FallbackReply,
		Label:    flow.ErrorState,
		Outcome:  flow.OutcomeError,
		Fallback: true,
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func (m *DialogueModel) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}
