package hh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/denis201520182022/Bot-HH-tg/internal/domain"
	"golang.org/x/sync/errgroup"
)

// TokenProvider hands out bearer tokens per recruiter. Invalidate marks token
// as rejected so the next ValidToken call refreshes it.
type TokenProvider interface {
	ValidToken(ctx context.Context, recruiterID int64) (string, error)
	Invalidate(ctx context.Context, recruiterID int64, token string) error
}

type ClientConfig struct {
	BaseURL    string
	UserAgent  string
	Timeout    time.Duration
	PerPage    int
	HTTPClient *http.Client
	Gate       *Gate
	Tokens     TokenProvider
	Logger     *log.Logger
}

// Client is the negotiation gateway over the hh.ru employer API.
type Client struct {
	baseURL    string
	userAgent  string
	timeout    time.Duration
	perPage    int
	httpClient *http.Client
	gate       *Gate
	tokens     TokenProvider
	logger     *log.Logger
}

// retryPolicy describes how a gateway call reacts to a rejected bearer token.
type retryPolicy struct {
	refreshOnAuthFailure bool
	authRetries          int
}

var refreshOnce = retryPolicy{refreshOnAuthFailure: true, authRetries: 1}

func NewClient(config ClientConfig) *Client {
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = "https://api.hh.ru"
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.PerPage <= 0 {
		config.PerPage = 50
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	if config.Gate == nil {
		config.Gate = NewGate(5, 0)
	}
	return &Client{
		baseURL:    strings.TrimSuffix(config.BaseURL, "/"),
		userAgent:  config.UserAgent,
		timeout:    config.Timeout,
		perPage:    config.PerPage,
		httpClient: config.HTTPClient,
		gate:       config.Gate,
		tokens:     config.Tokens,
		logger:     config.Logger,
	}
}

func (c *Client) Me(ctx context.Context, recruiter domain.Recruiter) (Me, error) {
	var me Me
	err := c.execute(ctx, recruiter.ID, refreshOnce, func(ctx context.Context, token string) error {
		return c.doJSON(ctx, token, "get me", http.MethodGet, c.baseURL+"/me", nil, &me)
	})
	if err != nil {
		return Me{}, err
	}
	return me, nil
}

// ActiveVacancies pages through the employer's published vacancies managed by the recruiter.
func (c *Client) ActiveVacancies(ctx context.Context, recruiter domain.Recruiter, employerID string) ([]Vacancy, error) {
	if strings.TrimSpace(employerID) == "" {
		return nil, errors.New("employer id is required")
	}
	endpoint := c.baseURL + "/employers/" + url.PathEscape(employerID) + "/vacancies/active"
	query := url.Values{}
	if recruiter.ExternalID != "" {
		query.Set("manager_id", recruiter.ExternalID)
	}
	return collectPages[Vacancy](ctx, c, recruiter.ID, "list vacancies", endpoint, query)
}

// ListFolder lists the folder once per vacancy in parallel and tags every
// negotiation with the vacancy it was requested for. Results keep vacancy order.
func (c *Client) ListFolder(
	ctx context.Context,
	recruiter domain.Recruiter,
	folder string,
	vacancyIDs []string,
) ([]Negotiation, error) {
	results := make([][]Negotiation, len(vacancyIDs))
	endpoint := c.baseURL + "/negotiations/" + url.PathEscape(folder)

	group, groupCtx := errgroup.WithContext(ctx)
	for index, vacancyID := range vacancyIDs {
		group.Go(func() error {
			query := url.Values{}
			query.Set("vacancy_id", vacancyID)
			negotiations, err := collectPages[Negotiation](groupCtx, c, recruiter.ID, "list "+folder, endpoint, query)
			if err != nil {
				return fmt.Errorf("list folder %s vacancy %s: %w", folder, vacancyID, err)
			}
			for i := range negotiations {
				negotiations[i].VacancyID = vacancyID
			}
			results[index] = negotiations
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	merged := make([]Negotiation, 0)
	for _, negotiations := range results {
		merged = append(merged, negotiations...)
	}
	return merged, nil
}

// ListMessages fetches the whole thread and returns it oldest first.
func (c *Client) ListMessages(ctx context.Context, recruiter domain.Recruiter, threadURL string) ([]Message, error) {
	if strings.TrimSpace(threadURL) == "" {
		return nil, errors.New("thread url is required")
	}
	endpoint := threadURL
	if strings.HasPrefix(endpoint, "/") {
		endpoint = c.baseURL + endpoint
	}
	messages, err := collectPages[Message](ctx, c, recruiter.ID, "list messages", endpoint, url.Values{})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt.Time)
	})
	return messages, nil
}

func (c *Client) SendMessage(ctx context.Context, recruiter domain.Recruiter, negotiationID, text string) error {
	endpoint := c.baseURL + "/negotiations/" + url.PathEscape(negotiationID) + "/messages"
	form := url.Values{}
	form.Set("message", text)

	err := c.execute(ctx, recruiter.ID, refreshOnce, func(ctx context.Context, token string) error {
		return c.doForm(ctx, token, "send message", http.MethodPost, endpoint, form)
	})
	if err != nil {
		c.logf("send message failed negotiation_id=%s err=%v", negotiationID, err)
		return err
	}
	return nil
}

func (c *Client) MoveToFolder(ctx context.Context, recruiter domain.Recruiter, negotiationID, folder string) error {
	endpoint := c.baseURL + "/negotiations/" + url.PathEscape(folder) + "/" + url.PathEscape(negotiationID)
	err := c.execute(ctx, recruiter.ID, refreshOnce, func(ctx context.Context, token string) error {
		return c.doForm(ctx, token, "move to "+folder, http.MethodPut, endpoint, nil)
	})
	if err != nil {
		return fmt.Errorf("move negotiation %s to %s: %w", negotiationID, folder, err)
	}
	return nil
}

func collectPages[T any](
	ctx context.Context,
	c *Client,
	recruiterID int64,
	operation string,
	endpoint string,
	query url.Values,
) ([]T, error) {
	items := make([]T, 0)
	for pageIndex := 0; ; pageIndex++ {
		pageQuery := url.Values{}
		for key, values := range query {
			pageQuery[key] = values
		}
		pageQuery.Set("page", strconv.Itoa(pageIndex))
		pageQuery.Set("per_page", strconv.Itoa(c.perPage))
		pageURL, err := withQuery(endpoint, pageQuery)
		if err != nil {
			return nil, err
		}

		var current page[T]
		err = c.execute(ctx, recruiterID, refreshOnce, func(ctx context.Context, token string) error {
			current = page[T]{}
			return c.doJSON(ctx, token, operation, http.MethodGet, pageURL, nil, &current)
		})
		if err != nil {
			return nil, err
		}
		if len(current.Items) == 0 {
			break
		}
		items = append(items, current.Items...)
		if pageIndex >= current.Pages-1 {
			break
		}
	}
	return items, nil
}

// execute runs call with a fresh token through the gate and applies policy
// when hh.ru rejects the token.
func (c *Client) execute(
	ctx context.Context,
	recruiterID int64,
	policy retryPolicy,
	call func(ctx context.Context, token string) error,
) error {
	if c.tokens == nil {
		return errors.New("hh client has no token provider")
	}
	for attempt := 0; ; attempt++ {
		token, err := c.tokens.ValidToken(ctx, recruiterID)
		if err != nil {
			return err
		}

		err = c.gate.Do(ctx, func(ctx context.Context) error {
			return call(ctx, token)
		})
		if err == nil {
			return nil
		}
		if !policy.refreshOnAuthFailure || attempt >= policy.authRetries || !IsAuthFailure(err) {
			return err
		}

		c.logf("hh rejected token, refreshing recruiter_id=%d err=%v", recruiterID, err)
		if invalidateErr := c.tokens.Invalidate(ctx, recruiterID, token); invalidateErr != nil {
			return fmt.Errorf("invalidate token: %w", invalidateErr)
		}
	}
}

func (c *Client) doJSON(
	ctx context.Context,
	token string,
	operation string,
	method string,
	endpoint string,
	body io.Reader,
	out any,
) error {
	payload, err := c.do(ctx, token, operation, method, endpoint, body, "")
	if err != nil {
		return err
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode hh %s response: %w", operation, err)
	}
	return nil
}

func (c *Client) doForm(ctx context.Context, token, operation, method, endpoint string, form url.Values) error {
	var body io.Reader
	contentType := ""
	if form != nil {
		body = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}
	_, err := c.do(ctx, token, operation, method, endpoint, body, contentType)
	return err
}

func (c *Client) do(
	ctx context.Context,
	token string,
	operation string,
	method string,
	endpoint string,
	body io.Reader,
	contentType string,
) ([]byte, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(timeoutCtx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create hh %s request: %w", operation, err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("Accept", "application/json")
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	if c.userAgent != "" {
		request.Header.Set("HH-User-Agent", c.userAgent)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("hh %s timeout: %w", operation, err)
		}
		return nil, fmt.Errorf("hh %s transport error: %w", operation, err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("read hh %s body: %w", operation, err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, newAPIError(operation, response.StatusCode, payload)
	}
	return payload, nil
}

func withQuery(endpoint string, query url.Values) (string, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse hh url %q: %w", endpoint, err)
	}
	merged := parsed.Query()
	for key, values := range query {
		merged[key] = values
	}
	parsed.RawQuery = merged.Encode()
	return parsed.String(), nil
}

func (c *Client) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
