package domain

import "time"

// Recruiter is a tracked hh.ru manager account together with its OAuth credentials.
type Recruiter struct {
	ID             int64
	ExternalID     string
	Name           string
	EmployerID     string
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt *time.Time
}

// TokenValid reports whether the stored access token can be used at now without a refresh.
func (r Recruiter) TokenValid(now time.Time) bool {
	if r.AccessToken == "" || r.TokenExpiresAt == nil {
		return false
	}
	return r.TokenExpiresAt.After(now)
}

type Vacancy struct {
	ID         int64
	ExternalID string
	Title      string
	City       string
}

// Tokens is the credential triple persisted together on the recruiter row.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

func (r Recruiter) Tokens() Tokens {
	return Tokens{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ExpiresAt:    r.TokenExpiresAt,
	}
}
