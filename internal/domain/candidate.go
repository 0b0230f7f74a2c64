package domain

import (
	"strings"
	"time"
)

type Candidate struct {
	ID          int64
	ResumeID    string
	FullName    string
	Age         int
	Citizenship string
	City        string
	Readiness   string
	Phone       string
	CreatedAt   time.Time
}

// Extraction carries attributes the model pulled out of the latest candidate turn.
// Nil fields mean "not mentioned".
type Extraction struct {
	Age         *int    `json:"age,omitempty"`
	Citizenship *string `json:"citizenship,omitempty"`
	FullName    *string `json:"full_name,omitempty"`
	City        *string `json:"city,omitempty"`
	Readiness   *string `json:"readiness_to_start,omitempty"`
}

func (e *Extraction) Empty() bool {
	if e == nil {
		return true
	}
	return e.Age == nil && e.Citizenship == nil && e.FullName == nil && e.City == nil && e.Readiness == nil
}

// ApplyExtraction fills empty candidate attributes from non-nil extracted
// values and reports whether anything changed. Known attributes are kept.
func (c *Candidate) ApplyExtraction(e *Extraction) bool {
	if e == nil {
		return false
	}
	changed := false
	if e.Age != nil && *e.Age > 0 && c.Age == 0 {
		c.Age = *e.Age
		changed = true
	}
	changed = setString(&c.Citizenship, e.Citizenship) || changed
	changed = setString(&c.City, e.City) || changed
	changed = setString(&c.Readiness, e.Readiness) || changed
	if e.FullName != nil {
		changed = c.UpgradeFullName(*e.FullName) || changed
	}
	return changed
}

// UpgradeFullName stores name when none is known yet or when it extends the
// stored one: more parts, every stored part kept. A different name of the same
// length or a shorter one never overwrites.
func (c *Candidate) UpgradeFullName(name string) bool {
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		return false
	}
	if c.FullName == "" {
		c.FullName = name
		return true
	}
	current := strings.Fields(c.FullName)
	next := strings.Fields(name)
	if len(next) <= len(current) || !containsAllParts(next, current) {
		return false
	}
	c.FullName = name
	return true
}

func containsAllParts(name, parts []string) bool {
	for _, part := range parts {
		found := false
		for _, candidate := range name {
			if strings.EqualFold(candidate, part) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// SetPhoneIfEmpty stores phone only when the candidate has none.
func (c *Candidate) SetPhoneIfEmpty(phone string) bool {
	phone = strings.TrimSpace(phone)
	if phone == "" || c.Phone != "" {
		return false
	}
	c.Phone = phone
	return true
}

func setString(target *string, value *string) bool {
	if value == nil {
		return false
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" || *target != "" {
		return false
	}
	*target = trimmed
	return true
}

// CandidateUpdate gathers everything learned about a candidate in one response unit.
type CandidateUpdate struct {
	FullName   string
	Phone      string
	Extraction *Extraction
}

// Enrich applies the update following the fill-only-empty rule and reports
// whether the candidate changed.
func (c *Candidate) Enrich(update CandidateUpdate) bool {
	changed := false
	if update.FullName != "" {
		changed = c.UpgradeFullName(update.FullName) || changed
	}
	if update.Phone != "" {
		changed = c.SetPhoneIfEmpty(update.Phone) || changed
	}
	changed = c.ApplyExtraction(update.Extraction) || changed
	return changed
}
