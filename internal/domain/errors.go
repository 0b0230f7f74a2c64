package domain

import "errors"

var (
	ErrNotFound       = errors.New("resource not found")
	ErrAlreadyExists  = errors.New("resource already exists")
	ErrAuthentication = errors.New("recruiter authentication failed")
	ErrQuotaExhausted = errors.New("response quota exhausted")
	ErrConflict       = errors.New("dialogue changed concurrently")
)
