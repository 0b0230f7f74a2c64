package ai

import "strings"

// ModelProfile is the model pair and sampling settings used for one kind of call.
type ModelProfile struct {
	PrimaryModel    string
	FallbackModel   string
	Temperature     float64
	MaxOutputTokens int
}

// Models lists the primary model followed by a distinct fallback, if any.
func (p ModelProfile) Models() []string {
	models := make([]string, 0, 2)
	if primary := strings.TrimSpace(p.PrimaryModel); primary != "" {
		models = append(models, primary)
	}
	fallback := strings.TrimSpace(p.FallbackModel)
	if fallback != "" && fallback != strings.TrimSpace(p.PrimaryModel) {
		models = append(models, fallback)
	}
	return models
}

// DialogueProfile fills defaults for the candidate dialogue call.
func DialogueProfile(primary, fallback string, temperature float64) ModelProfile {
	if strings.TrimSpace(primary) == "" {
		primary = "gpt-4o-mini"
	}
	if temperature < 0 {
		temperature = 0
	}
	return ModelProfile{
		PrimaryModel:    primary,
		FallbackModel:   fallback,
		Temperature:     temperature,
		MaxOutputTokens: 1200,
	}
}
