package flow

import "testing"

func TestDefaultCatalogueClassifiesKnownLabels(t *testing.T) {
	catalogue := Default()

	cases := map[string]Outcome{
		"forwarded_to_researcher": OutcomeQualified,
		"interview_scheduled_spb": OutcomeQualified,
		"qualification_failed":    OutcomeFailed,
		"awaiting_age":            OutcomeContinue,
		"post_qualification_chat": OutcomePostQualification,
		"error_state":             OutcomeError,
	}
	for raw, expected := range cases {
		label, outcome := catalogue.Classify(raw)
		if outcome != expected {
			t.Fatalf("expected outcome %s for %s, got %s", expected, raw, outcome)
		}
		if string(label) != raw {
			t.Fatalf("expected label %s, got %s", raw, label)
		}
	}
}

func TestClassifyNormalizesSpacesAndCase(t *testing.T) {
	label, outcome := Default().Classify("  Clarifying Citizenship ")
	if label != "clarifying_citizenship" {
		t.Fatalf("expected clarifying_citizenship, got %s", label)
	}
	if outcome != OutcomeContinue {
		t.Fatalf("expected continue outcome, got %s", outcome)
	}
}

func TestClassifyUnknownLabelFallsIntoUnrecognized(t *testing.T) {
	label, outcome := Default().Classify("something_new")
	if label != Unrecognized {
		t.Fatalf("expected unrecognized, got %s", label)
	}
	if outcome != OutcomeContinue {
		t.Fatalf("expected continue outcome, got %s", outcome)
	}
}

func TestParseRejectsCatalogueWithoutTerminalOutcomes(t *testing.T) {
	_, err := Parse([]byte("labels:\n  - name: a\n    outcome: continue\n"))
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestSelectableHidesErrorLabels(t *testing.T) {
	for _, entry := range Default().Selectable() {
		if entry.Name == ErrorState {
			t.Fatalf("error_state must not be offered to the model")
		}
	}
}
