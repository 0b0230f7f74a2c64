package hh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/denis201520182022/Bot-HH-tg/internal/domain"
)

type fakeTokens struct {
	mu          sync.Mutex
	current     string
	next        string
	invalidated []string
}

func (f *fakeTokens) ValidToken(_ context.Context, _ int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, nil
}

func (f *fakeTokens) Invalidate(_ context.Context, _ int64, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, token)
	if f.current == token {
		f.current = f.next
	}
	return nil
}

func newTestClient(serverURL string, tokens TokenProvider) *Client {
	return NewClient(ClientConfig{
		BaseURL:   serverURL,
		UserAgent: "hh-worker-test/1.0",
		Timeout:   2 * time.Second,
		PerPage:   2,
		Gate:      NewGate(2, 0),
		Tokens:    tokens,
	})
}

var testRecruiter = domain.Recruiter{ID: 1, ExternalID: "manager-1"}

func TestClientRetriesOnceAfterAuthFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("HH-User-Agent") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"errors":[{"type":"oauth","value":"token_expired"}]}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	tokens := &fakeTokens{current: "stale", next: "fresh"}
	client := newTestClient(server.URL, tokens)

	if err := client.MoveToFolder(context.Background(), testRecruiter, "n1", "consider"); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected two calls, got %d", calls)
	}
	if len(tokens.invalidated) != 1 || tokens.invalidated[0] != "stale" {
		t.Fatalf("expected stale token invalidated once, got %v", tokens.invalidated)
	}
}

func TestClientPropagatesSecondAuthFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"errors":[{"type":"oauth","value":"bad_authorization"}]}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, &fakeTokens{current: "a", next: "b"})
	err := client.SendMessage(context.Background(), testRecruiter, "n1", "Здравствуйте")

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected APIError 401, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", calls)
	}
}

func TestClientDoesNotRetryServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(server.URL, &fakeTokens{current: "a"})
	if err := client.MoveToFolder(context.Background(), testRecruiter, "n1", "discard"); err == nil {
		t.Fatalf("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected no retry, got %d calls", calls)
	}
}

func TestListMessagesPaginatesAndSorts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/negotiations/n1/messages" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("page") {
		case "0":
			_, _ = w.Write([]byte(`{"page":0,"pages":2,"items":[
				{"id":"m3","text":"third","created_at":"2024-05-01T10:03:00+0300","author":{"participant_type":"applicant"}},
				{"id":"m1","text":"first","created_at":"2024-05-01T10:01:00+0300","author":{"participant_type":"applicant"}}
			]}`))
		case "1":
			_, _ = w.Write([]byte(`{"page":1,"pages":2,"items":[
				{"id":"m2","text":"second","created_at":"2024-05-01T10:02:00+0300","author":{"participant_type":"employer"}}
			]}`))
		default:
			t.Errorf("unexpected page %q", r.URL.Query().Get("page"))
			_, _ = w.Write([]byte(`{"items":[]}`))
		}
	}))
	defer server.Close()

	client := newTestClient(server.URL, &fakeTokens{current: "a"})
	messages, err := client.ListMessages(context.Background(), testRecruiter, server.URL+"/negotiations/n1/messages")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := make([]string, 0, len(messages))
	for _, message := range messages {
		got = append(got, message.ID)
	}
	if strings.Join(got, ",") != "m1,m2,m3" {
		t.Fatalf("expected messages sorted by time, got %v", got)
	}
	if messages[1].FromApplicant() {
		t.Fatalf("expected employer message not to be applicant-authored")
	}
}

func TestListFolderTagsVacancy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/negotiations/response" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		vacancyID := r.URL.Query().Get("vacancy_id")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"page":  0,
			"pages": 1,
			"items": []map[string]any{
				{"id": "n-" + vacancyID, "has_updates": true, "resume": map[string]any{"id": "res-" + vacancyID}},
			},
		})
	}))
	defer server.Close()

	client := newTestClient(server.URL, &fakeTokens{current: "a"})
	negotiations, err := client.ListFolder(context.Background(), testRecruiter, "response", []string{"v1", "v2", "v3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(negotiations) != 3 {
		t.Fatalf("expected three negotiations, got %d", len(negotiations))
	}
	for i, negotiation := range negotiations {
		want := fmt.Sprintf("v%d", i+1)
		if negotiation.VacancyID != want || negotiation.ID != "n-"+want {
			t.Fatalf("expected negotiation tagged with %s, got %+v", want, negotiation)
		}
	}
}

func TestTokenClientReturnsErrorDescription(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "refresh" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_request"}`))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"token not expired"}`))
	}))
	defer server.Close()

	client := NewTokenClient(TokenClientConfig{TokenURL: server.URL, Timeout: time.Second})
	_, err := client.Refresh(context.Background(), "refresh")
	if !IsTokenNotExpired(err) {
		t.Fatalf("expected token not expired error, got %v", err)
	}
}

func TestTokenClientRefreshSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new","refresh_token":"rotated","expires_in":1209600,"token_type":"bearer"}`))
	}))
	defer server.Close()

	client := NewTokenClient(TokenClientConfig{TokenURL: server.URL})
	response, err := client.Refresh(context.Background(), "refresh")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if response.AccessToken != "new" || response.RefreshToken != "rotated" || response.ExpiresIn != 1209600 {
		t.Fatalf("unexpected token response: %+v", response)
	}
}

func TestTokenClientErrorBodyKeepsRunesWhole(t *testing.T) {
	body := "x" + strings.Repeat("ж", 400)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	client := NewTokenClient(TokenClientConfig{TokenURL: server.URL, Timeout: time.Second})
	_, err := client.Refresh(context.Background(), "refresh")

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected api error, got %v", err)
	}
	if len(apiErr.Body) > maxErrorBody || len(apiErr.Body) < maxErrorBody-1 {
		t.Fatalf("expected body cut near %d bytes, got %d", maxErrorBody, len(apiErr.Body))
	}
	if !utf8.ValidString(apiErr.Body) {
		t.Fatalf("expected valid utf-8 body, got %q", apiErr.Body)
	}
}

func TestGateBoundsConcurrency(t *testing.T) {
	gate := NewGate(2, 0)
	var (
		active  int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = gate.Do(context.Background(), func(context.Context) error {
				current := atomic.AddInt32(&active, 1)
				for {
					seen := atomic.LoadInt32(&maxSeen)
					if current <= seen || atomic.CompareAndSwapInt32(&maxSeen, seen, current) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if maxSeen > 2 {
		t.Fatalf("expected at most two concurrent calls, got %d", maxSeen)
	}
}
