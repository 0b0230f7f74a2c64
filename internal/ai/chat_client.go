package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

var ErrUnavailable = errors.New("chat client unavailable")

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type TokenUsage struct {
	InputTokens  int `json:"prompt_tokens"`
	OutputTokens int `json:"completion_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type ChatRequest struct {
	Model           string
	Messages        []ChatMessage
	Temperature     float64
	MaxOutputTokens int
	// JSONMode asks the provider for a single JSON object answer.
	JSONMode bool
}

type ChatResult struct {
	Text    string
	ModelID string
	Usage   TokenUsage
}

type ChatCompleter interface {
	Complete(ctx context.Context, request ChatRequest) (ChatResult, error)
	Available() bool
}

// StatusError is a non-2xx answer from the provider.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("chat completion status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the same request may succeed later.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

type ChatClientConfig struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
	// AppName is sent as X-Title, which OpenRouter shows in its dashboard.
	AppName string
}

// ChatClient talks to any OpenAI-compatible /chat/completions endpoint.
type ChatClient struct {
	apiKey     string
	endpoint   string
	timeout    time.Duration
	maxRetries int
	httpClient *http.Client
	appName    string
}

func NewChatClient(config ChatClientConfig) *ChatClient {
	baseURL := strings.TrimSuffix(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	return &ChatClient{
		apiKey:     strings.TrimSpace(config.APIKey),
		endpoint:   baseURL + "/chat/completions",
		timeout:    config.Timeout,
		maxRetries: max(config.MaxRetries, 0),
		httpClient: config.HTTPClient,
		appName:    strings.TrimSpace(config.AppName),
	}
}

func (c *ChatClient) Available() bool {
	return c.apiKey != ""
}

type responseFormat struct {
	Type string `json:"type"`
}

type completionPayload struct {
	Model          string          `json:"model"`
	Messages       []ChatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage TokenUsage `json:"usage"`
}

// Complete sends one completion request, retrying rate limits, server errors
// and timeouts up to MaxRetries times with a growing pause.
func (c *ChatClient) Complete(ctx context.Context, request ChatRequest) (ChatResult, error) {
	if !c.Available() {
		return ChatResult{}, ErrUnavailable
	}
	if strings.TrimSpace(request.Model) == "" {
		return ChatResult{}, errors.New("model is required")
	}
	if len(request.Messages) == 0 {
		return ChatResult{}, errors.New("messages are required")
	}

	payload := completionPayload{
		Model:       request.Model,
		Messages:    request.Messages,
		Temperature: request.Temperature,
		MaxTokens:   request.MaxOutputTokens,
	}
	if request.JSONMode {
		payload.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return ChatResult{}, fmt.Errorf("marshal chat payload: %w", err)
	}

	for attempt := 0; ; attempt++ {
		result, err := c.post(ctx, encoded)
		if err == nil {
			if result.ModelID == "" {
				result.ModelID = request.Model
			}
			return result, nil
		}
		if attempt >= c.maxRetries || !retryable(err) {
			return ChatResult{}, err
		}

		pause := time.Duration(1<<attempt) * 400 * time.Millisecond
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ChatResult{}, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *ChatClient) post(ctx context.Context, payload []byte) (ChatResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpRequest, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return ChatResult{}, fmt.Errorf("create chat request: %w", err)
	}
	httpRequest.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Accept", "application/json")
	if c.appName != "" {
		httpRequest.Header.Set("X-Title", c.appName)
	}

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return ChatResult{}, fmt.Errorf("chat completion request: %w", err)
	}
	defer httpResponse.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResponse.Body, 4<<20))
	if err != nil {
		return ChatResult{}, fmt.Errorf("read chat completion body: %w", err)
	}
	if httpResponse.StatusCode/100 != 2 {
		return ChatResult{}, &StatusError{StatusCode: httpResponse.StatusCode, Body: truncate(string(body), 700)}
	}

	var decoded completionResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return ChatResult{}, fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return ChatResult{}, errors.New("chat completion response without choices")
	}
	text := contentText(decoded.Choices[0].Message.Content)
	if text == "" {
		return ChatResult{}, errors.New("chat completion response without text output")
	}
	return ChatResult{
		Text:    text,
		ModelID: strings.TrimSpace(decoded.Model),
		Usage:   decoded.Usage,
	}, nil
}

// contentText accepts both the plain string form and the list-of-parts form
// some gateways return.
func contentText(raw json.RawMessage) string {
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return strings.TrimSpace(plain)
	}
	var parts []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	texts := make([]string, 0, len(parts))
	for _, part := range parts {
		if text := strings.TrimSpace(part.Text); text != "" {
			texts = append(texts, text)
		}
	}
	return strings.Join(texts, "\n")
}

func retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(value string, limit int) string {
	value = strings.TrimSpace(value)
	if len(value) <= limit {
		return value
	}
	for limit > 0 && !utf8.RuneStart(value[limit]) {
		limit--
	}
	return value[:limit]
}
