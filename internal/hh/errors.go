package hh

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// APIError is a non-2xx answer from hh.ru.
type APIError struct {
	Operation   string
	StatusCode  int
	Code        string
	Description string
	Body        string
}

func (e *APIError) Error() string {
	detail := e.Description
	if detail == "" {
		detail = e.Body
	}
	return fmt.Sprintf("hh %s status %d: %s", e.Operation, e.StatusCode, detail)
}

// AuthFailure reports whether the answer means the bearer token was rejected.
func (e *APIError) AuthFailure() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// TokenNotExpired reports the refresh answer hh.ru gives while the current
// access token is still alive.
func (e *APIError) TokenNotExpired() bool {
	return strings.Contains(strings.ToLower(e.Description), "token not expired")
}

func IsAuthFailure(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.AuthFailure()
}

func IsTokenNotExpired(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.TokenNotExpired()
}

type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Description      string `json:"description"`
	Errors           []struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"errors"`
}

func (b errorBody) code() string {
	if b.Error != "" {
		return b.Error
	}
	if len(b.Errors) > 0 {
		return b.Errors[0].Type
	}
	return ""
}

func (b errorBody) description() string {
	if b.ErrorDescription != "" {
		return b.ErrorDescription
	}
	if b.Description != "" {
		return b.Description
	}
	if len(b.Errors) > 0 {
		return b.Errors[0].Value
	}
	return ""
}
