package flow

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultCatalogue []byte

// Label is a qualification-flow state returned by the model.
type Label string

const (
	// Unrecognized collects every label missing from the catalogue.
	Unrecognized Label = "unrecognized"
	// ErrorState flags a dialogue whose last model call failed.
	ErrorState Label = "error_state"
)

type Outcome string

const (
	OutcomeContinue          Outcome = "continue"
	OutcomeQualified         Outcome = "qualified"
	OutcomeFailed            Outcome = "failed"
	OutcomePostQualification Outcome = "post_qualification"
	OutcomeError             Outcome = "error"
)

type LabelSpec struct {
	Name        Label   `yaml:"name"`
	Description string  `yaml:"description"`
	Outcome     Outcome `yaml:"outcome"`
}

// Catalogue is the closed set of labels the orchestration engine understands.
type Catalogue struct {
	labels []LabelSpec
	index  map[Label]LabelSpec
}

type catalogueFile struct {
	Labels []LabelSpec `yaml:"labels"`
}

// Load reads a catalogue from path, or the built-in one when path is empty.
func Load(path string) (*Catalogue, error) {
	if strings.TrimSpace(path) == "" {
		return Parse(defaultCatalogue)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flow catalogue %s: %w", path, err)
	}
	return Parse(content)
}

// Default returns the built-in catalogue.
func Default() *Catalogue {
	catalogue, err := Parse(defaultCatalogue)
	if err != nil {
		panic(fmt.Sprintf("built-in flow catalogue is invalid: %v", err))
	}
	return catalogue
}

func Parse(content []byte) (*Catalogue, error) {
	var file catalogueFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("decode flow catalogue: %w", err)
	}
	if len(file.Labels) == 0 {
		return nil, errors.New("flow catalogue has no labels")
	}

	catalogue := &Catalogue{
		labels: make([]LabelSpec, 0, len(file.Labels)),
		index:  make(map[Label]LabelSpec, len(file.Labels)),
	}
	seen := make(map[Outcome]bool)
	for _, entry := range file.Labels {
		entry.Name = Normalize(string(entry.Name))
		if entry.Name == "" {
			return nil, errors.New("flow catalogue contains a label without name")
		}
		if entry.Name == Unrecognized {
			return nil, fmt.Errorf("label %q is reserved", Unrecognized)
		}
		switch entry.Outcome {
		case OutcomeContinue, OutcomeQualified, OutcomeFailed, OutcomePostQualification, OutcomeError:
		default:
			return nil, fmt.Errorf("label %s has unknown outcome %q", entry.Name, entry.Outcome)
		}
		if _, exists := catalogue.index[entry.Name]; exists {
			return nil, fmt.Errorf("label %s is declared twice", entry.Name)
		}
		seen[entry.Outcome] = true
		catalogue.labels = append(catalogue.labels, entry)
		catalogue.index[entry.Name] = entry
	}
	if !seen[OutcomeQualified] || !seen[OutcomeFailed] {
		return nil, errors.New("flow catalogue needs at least one qualified and one failed label")
	}
	if _, ok := catalogue.index[ErrorState]; !ok {
		entry := LabelSpec{Name: ErrorState, Description: "technical failure", Outcome: OutcomeError}
		catalogue.labels = append(catalogue.labels, entry)
		catalogue.index[ErrorState] = entry
	}
	return catalogue, nil
}

// Classify maps a raw model label to a known label and its outcome.
func (c *Catalogue) Classify(raw string) (Label, Outcome) {
	label := Normalize(raw)
	entry, ok := c.index[label]
	if !ok {
		return Unrecognized, OutcomeContinue
	}
	return entry.Name, entry.Outcome
}

// Selectable lists the labels the model is allowed to choose, in file order.
func (c *Catalogue) Selectable() []LabelSpec {
	result := make([]LabelSpec, 0, len(c.labels))
	for _, entry := range c.labels {
		if entry.Outcome == OutcomeError {
			continue
		}
		result = append(result, entry)
	}
	return result
}

func Normalize(raw string) Label {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(raw)))
	return Label(strings.Join(fields, "_"))
}

// FirstWithOutcome returns the first declared label carrying outcome.
func (c *Catalogue) FirstWithOutcome(outcome Outcome) (Label, bool) {
	for _, entry := range c.labels {
		if entry.Outcome == outcome {
			return entry.Name, true
		}
	}
	return "", false
}
