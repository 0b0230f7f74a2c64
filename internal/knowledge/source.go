package knowledge

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

//go:embed fallback_script.txt
var fallbackScript string

// FallbackScript is served when no script source is configured or reachable.
func FallbackScript() string {
	return strings.TrimSpace(fallbackScript)
}

type Config struct {
	Path       string
	URL        string
	TTL        time.Duration
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *log.Logger
	Now        func() time.Time
}

// Source supplies the qualification script text from a file or an HTTP
// document, cached for the configured TTL.
type Source struct {
	path       string
	url        string
	timeout    time.Duration
	httpClient *http.Client
	logger     *log.Logger
	now        func() time.Time
	cache      *scriptCache
	loads      singleflight.Group
}

func NewSource(config Config) *Source {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Source{
		path:       strings.TrimSpace(config.Path),
		url:        strings.TrimSpace(config.URL),
		timeout:    config.Timeout,
		httpClient: config.HTTPClient,
		logger:     config.Logger,
		now:        config.Now,
		cache:      newScriptCache(config.TTL),
	}
}

// QualificationScript never fails: a stale cached script or the built-in
// fallback is returned when loading is not possible.
func (s *Source) QualificationScript(ctx context.Context) string {
	now := s.now().UTC()
	cached := s.cache.get()
	if cached.fresh(now) {
		return cached.Text
	}
	if s.path == "" && s.url == "" {
		return FallbackScript()
	}

	value, err, _ := s.loads.Do("script", func() (any, error) {
		text, loadErr := s.load(ctx)
		if loadErr != nil {
			return "", loadErr
		}
		stored := s.cache.set(text, s.now().UTC())
		if stored.Version != cached.Version {
			s.logf("qualification script loaded version=%s bytes=%d", stored.Version, len(stored.Text))
		}
		return stored.Text, nil
	})
	if err == nil {
		return value.(string)
	}

	if cached.Text != "" {
		s.logf("qualification script reload failed, serving cached version=%s: %v", cached.Version, err)
		return cached.Text
	}
	s.logf("qualification script unavailable, serving fallback: %v", err)
	return FallbackScript()
}

func (s *Source) load(ctx context.Context) (string, error) {
	var (
		text string
		err  error
	)
	if s.url != "" {
		text, err = s.fetch(ctx)
	} else {
		var content []byte
		content, err = os.ReadFile(s.path)
		if err != nil {
			err = fmt.Errorf("read qualification script %s: %w", s.path, err)
		}
		text = string(content)
	}
	if err != nil {
		return "", err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("qualification script is empty")
	}
	return text, nil
}

func (s *Source) fetch(ctx context.Context) (string, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(timeoutCtx, http.MethodGet, s.url, nil)
	if err != nil {
		return "", fmt.Errorf("create qualification script request: %w", err)
	}
	request.Header.Set("Accept", "text/plain")

	response, err := s.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("fetch qualification script: %w", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read qualification script body: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return "", fmt.Errorf("fetch qualification script: status %d", response.StatusCode)
	}
	return string(body), nil
}

func (s *Source) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
