package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/denis201520182022/Bot-HH-tg/internal/domain"
	"github.com/denis201520182022/Bot-HH-tg/internal/flow"
)

// Decision is the validated model answer for one candidate turn.
type Decision struct {
	Reply     string
	Label     flow.Label
	Outcome   flow.Outcome
	Extracted *domain.Extraction
	ModelID   string
	// Fallback is set when the model could not be used and Reply is the
	// technical-problem message.
	Fallback bool
}

type rawDecision struct {
	ResponseText string         `json:"response_text"`
	NewState     string         `json:"new_state"`
	Extracted    *rawExtraction `json:"extracted_data"`
}

type rawExtraction struct {
	Age         json.RawMessage `json:"age"`
	Citizenship *string         `json:"citizenship"`
	FullName    *string         `json:"full_name"`
	City        *string         `json:"city"`
	Readiness   *string         `json:"readiness_to_start"`
}

func parseDecision(text string, catalogue *flow.Catalogue) (Decision, error) {
	rawJSON, err := extractJSON(text)
	if err != nil {
		return Decision{}, err
	}

	var raw rawDecision
	if err := json.Unmarshal(rawJSON, &raw); err != nil {
		return Decision{}, fmt.Errorf("decode model decision: %w", err)
	}

	reply := strings.TrimSpace(raw.ResponseText)
	if reply == "" {
		return Decision{}, errors.New("model decision without response_text")
	}

	label, outcome := catalogue.Classify(raw.NewState)
	if outcome == flow.OutcomeError {
		// The model may not claim a technical failure on its own.
		label, outcome = flow.Unrecognized, flow.OutcomeContinue
	}

	return Decision{
		Reply:     reply,
		Label:     label,
		Outcome:   outcome,
		Extracted: raw.Extracted.toExtraction(),
	}, nil
}

func (r *rawExtraction) toExtraction() *domain.Extraction {
	if r == nil {
		return nil
	}
	extraction := &domain.Extraction{
		Age:         parseAge(r.Age),
		Citizenship: cleanString(r.Citizenship),
		FullName:    cleanString(r.FullName),
		City:        cleanString(r.City),
		Readiness:   cleanString(r.Readiness),
	}
	if extraction.Empty() {
		return nil
	}
	return extraction
}

// parseAge accepts 25, 25.0, "25" and "25 лет".
func parseAge(value json.RawMessage) *int {
	trimmed := strings.TrimSpace(string(value))
	if trimmed == "" || trimmed == "null" {
		return nil
	}

	var number float64
	if err := json.Unmarshal(value, &number); err == nil {
		return validAge(int(number))
	}

	var text string
	if err := json.Unmarshal(value, &text); err != nil {
		return nil
	}
	digits := strings.FieldsFunc(text, func(r rune) bool { return r < '0' || r > '9' })
	if len(digits) == 0 {
		return nil
	}
	parsed, err := strconv.Atoi(digits[0])
	if err != nil {
		return nil
	}
	return validAge(parsed)
}

func validAge(age int) *int {
	if age <= 0 || age > 120 {
		return nil
	}
	return &age
}

func cleanString(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	switch strings.ToLower(trimmed) {
	case "", "null", "none", "нет данных":
		return nil
	}
	return &trimmed
}

func extractJSON(text string) ([]byte, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, errors.New("empty model output")
	}

	if strings.HasPrefix(trimmed, "```") {
		trimmed = stripCodeFence(trimmed)
	}

	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
		return []byte(trimmed), nil
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		candidate := trimmed[start : end+1]
		if err := json.Unmarshal([]byte(candidate), &decoded); err == nil {
			return []byte(candidate), nil
		}
	}

	return nil, errors.New("model output is not valid JSON")
}

func stripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimPrefix(trimmed, "json")
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}
