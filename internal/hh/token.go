package hh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

type TokenClientConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	UserAgent    string
	Timeout      time.Duration
	HTTPClient   *http.Client
	Gate         *Gate
}

// TokenClient exchanges refresh tokens at the hh.ru OAuth endpoint.
type TokenClient struct {
	tokenURL     string
	clientID     string
	clientSecret string
	userAgent    string
	timeout      time.Duration
	httpClient   *http.Client
	gate         *Gate
}

// TokenResponse is a successful refresh answer. RefreshToken may be empty.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

func NewTokenClient(config TokenClientConfig) *TokenClient {
	if strings.TrimSpace(config.TokenURL) == "" {
		config.TokenURL = "https://api.hh.ru/token"
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	if config.Gate == nil {
		config.Gate = NewGate(5, 0)
	}
	return &TokenClient{
		tokenURL:     config.TokenURL,
		clientID:     strings.TrimSpace(config.ClientID),
		clientSecret: strings.TrimSpace(config.ClientSecret),
		userAgent:    config.UserAgent,
		timeout:      config.Timeout,
		httpClient:   config.HTTPClient,
		gate:         config.Gate,
	}
}

// Refresh trades refreshToken for a new access token. Provider rejections come
// back as *APIError carrying error_description.
func (c *TokenClient) Refresh(ctx context.Context, refreshToken string) (TokenResponse, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return TokenResponse{}, errors.New("refresh token is empty")
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	if c.clientID != "" {
		form.Set("client_id", c.clientID)
		form.Set("client_secret", c.clientSecret)
	}

	var result TokenResponse
	err := c.gate.Do(ctx, func(ctx context.Context) error {
		timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		request, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return fmt.Errorf("create token request: %w", err)
		}
		request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		request.Header.Set("Accept", "application/json")
		if c.userAgent != "" {
			request.Header.Set("HH-User-Agent", c.userAgent)
		}

		response, err := c.httpClient.Do(request)
		if err != nil {
			return fmt.Errorf("hh token transport error: %w", err)
		}
		defer response.Body.Close()

		body, err := io.ReadAll(response.Body)
		if err != nil {
			return fmt.Errorf("read token body: %w", err)
		}
		if response.StatusCode < 200 || response.StatusCode > 299 {
			return newAPIError("refresh token", response.StatusCode, body)
		}
		if err := json.Unmarshal(body, &result); err != nil {
			return fmt.Errorf("decode token response: %w", err)
		}
		if result.AccessToken == "" {
			return errors.New("token response without access_token")
		}
		return nil
	})
	if err != nil {
		return TokenResponse{}, err
	}
	return result, nil
}

const maxErrorBody = 700

// truncateBody cuts value to at most limit bytes without splitting a rune.
func truncateBody(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}

func newAPIError(operation string, statusCode int, body []byte) *APIError {
	message := truncateBody(strings.TrimSpace(string(body)), maxErrorBody)
	apiErr := &APIError{
		Operation:  operation,
		StatusCode: statusCode,
		Body:       message,
	}
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		apiErr.Code = parsed.code()
		apiErr.Description = parsed.description()
	}
	return apiErr
}
