package credentials

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/denis201520182022/Bot-HH-tg/internal/alert"
	"github.com/denis201520182022/Bot-HH-tg/internal/domain"
	"github.com/denis201520182022/Bot-HH-tg/internal/hh"
	"github.com/denis201520182022/Bot-HH-tg/internal/repository"
)

// Refresher exchanges a refresh token at the provider.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (hh.TokenResponse, error)
}

type Config struct {
	SafetyMargin    time.Duration
	NotExpiredRetry time.Duration
	Now             func() time.Time
}

// Manager keeps recruiter bearer tokens valid. Tokens live on the recruiter
// row; refreshes for one recruiter never overlap.
type Manager struct {
	store           repository.Store
	refresher       Refresher
	alerts          alert.Notifier
	logger          *log.Logger
	safetyMargin    time.Duration
	notExpiredRetry time.Duration
	now             func() time.Time

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func NewManager(
	store repository.Store,
	refresher Refresher,
	alerts alert.Notifier,
	logger *log.Logger,
	config Config,
) *Manager {
	if config.SafetyMargin <= 0 {
		config.SafetyMargin = 5 * time.Minute
	}
	if config.NotExpiredRetry <= 0 {
		config.NotExpiredRetry = time.Minute
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Manager{
		store:           store,
		refresher:       refresher,
		alerts:          alerts,
		logger:          logger,
		safetyMargin:    config.SafetyMargin,
		notExpiredRetry: config.NotExpiredRetry,
		now:             config.Now,
		locks:           make(map[int64]*sync.Mutex),
	}
}

// ValidToken returns the stored token while it is not expired and refreshes it otherwise.
func (m *Manager) ValidToken(ctx context.Context, recruiterID int64) (string, error) {
	lock := m.recruiterLock(recruiterID)
	lock.Lock()
	defer lock.Unlock()

	recruiter, err := m.loadRecruiter(ctx, recruiterID)
	if err != nil {
		return "", err
	}
	now := m.now()
	if recruiter.TokenValid(now) {
		return recruiter.AccessToken, nil
	}
	refreshed, err := m.refresh(ctx, recruiter, now)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// Invalidate expires token if it is still the stored one, so the next
// ValidToken call refreshes. A token already replaced by a concurrent refresh is left alone.
func (m *Manager) Invalidate(ctx context.Context, recruiterID int64, token string) error {
	lock := m.recruiterLock(recruiterID)
	lock.Lock()
	defer lock.Unlock()

	return m.store.InTx(ctx, func(tx repository.Tx) error {
		recruiter, err := tx.GetRecruiter(ctx, recruiterID)
		if err != nil {
			return fmt.Errorf("load recruiter %d: %w", recruiterID, err)
		}
		if recruiter.AccessToken != token {
			return nil
		}
		tokens := recruiter.Tokens()
		tokens.ExpiresAt = nil
		return tx.UpdateRecruiterTokens(ctx, recruiterID, tokens)
	})
}

// Refresh forces a refresh regardless of the stored expiry.
func (m *Manager) Refresh(ctx context.Context, recruiterID int64) (domain.Recruiter, error) {
	lock := m.recruiterLock(recruiterID)
	lock.Lock()
	defer lock.Unlock()

	recruiter, err := m.loadRecruiter(ctx, recruiterID)
	if err != nil {
		return domain.Recruiter{}, err
	}
	return m.refresh(ctx, recruiter, m.now())
}

func (m *Manager) refresh(ctx context.Context, recruiter domain.Recruiter, now time.Time) (domain.Recruiter, error) {
	if recruiter.RefreshToken == "" {
		return domain.Recruiter{}, fmt.Errorf("recruiter %d has no refresh token: %w", recruiter.ID, domain.ErrAuthentication)
	}

	response, err := m.refresher.Refresh(ctx, recruiter.RefreshToken)
	if err != nil {
		return m.handleRefreshFailure(ctx, recruiter, now, err)
	}

	lifetime := time.Duration(response.ExpiresIn)*time.Second - m.safetyMargin
	if lifetime <= 0 {
		lifetime = time.Duration(response.ExpiresIn) * time.Second / 2
	}
	expiresAt := now.Add(lifetime)
	tokens := domain.Tokens{
		AccessToken:  response.AccessToken,
		RefreshToken: recruiter.RefreshToken,
		ExpiresAt:    &expiresAt,
	}
	if response.RefreshToken != "" {
		tokens.RefreshToken = response.RefreshToken
	}
	if err := m.saveTokens(ctx, recruiter.ID, tokens); err != nil {
		return domain.Recruiter{}, err
	}

	m.logf("access token refreshed recruiter_id=%d expires_at=%s", recruiter.ID, expiresAt.UTC().Format(time.RFC3339))
	recruiter.AccessToken = tokens.AccessToken
	recruiter.RefreshToken = tokens.RefreshToken
	recruiter.TokenExpiresAt = tokens.ExpiresAt
	return recruiter, nil
}

func (m *Manager) handleRefreshFailure(
	ctx context.Context,
	recruiter domain.Recruiter,
	now time.Time,
	refreshErr error,
) (domain.Recruiter, error) {
	if hh.IsTokenNotExpired(refreshErr) {
		if recruiter.AccessToken == "" {
			return domain.Recruiter{}, fmt.Errorf("recruiter %d: provider reports live token but none is stored: %w", recruiter.ID, domain.ErrAuthentication)
		}
		retryAt := now.Add(m.notExpiredRetry)
		tokens := recruiter.Tokens()
		tokens.ExpiresAt = &retryAt
		if err := m.saveTokens(ctx, recruiter.ID, tokens); err != nil {
			return domain.Recruiter{}, err
		}
		m.logf("token not expired yet, keeping stored token recruiter_id=%d retry_at=%s", recruiter.ID, retryAt.UTC().Format(time.RFC3339))
		recruiter.TokenExpiresAt = &retryAt
		return recruiter, nil
	}

	// Transient failures (network, 5xx, 429) keep the stored tokens for the next cycle.
	if !permanentRefreshFailure(refreshErr) {
		return domain.Recruiter{}, fmt.Errorf("refresh token for recruiter %d: %w", recruiter.ID, refreshErr)
	}

	if err := m.saveTokens(ctx, recruiter.ID, domain.Tokens{}); err != nil {
		m.logf("failed clearing tokens recruiter_id=%d err=%v", recruiter.ID, err)
	}
	m.logf("token refresh rejected, tokens cleared recruiter_id=%d err=%v", recruiter.ID, refreshErr)
	if m.alerts != nil {
		alertErr := m.alerts.Notify(ctx, alert.Alert{
			Level:   alert.LevelCritical,
			Title:   "hh.ru token refresh failed",
			Message: fmt.Sprintf("Recruiter %s (%s) needs to authorize again: %v", recruiter.Name, recruiter.ExternalID, refreshErr),
		})
		if alertErr != nil {
			m.logf("failed sending alert recruiter_id=%d err=%v", recruiter.ID, alertErr)
		}
	}
	return domain.Recruiter{}, fmt.Errorf("refresh token for recruiter %d: %w: %v", recruiter.ID, domain.ErrAuthentication, refreshErr)
}

// permanentRefreshFailure separates provider rejections from transport
// trouble that the next cycle may not see again.
func permanentRefreshFailure(err error) bool {
	var apiErr *hh.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests
}

func (m *Manager) loadRecruiter(ctx context.Context, recruiterID int64) (domain.Recruiter, error) {
	var recruiter domain.Recruiter
	err := m.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		recruiter, err = tx.GetRecruiter(ctx, recruiterID)
		return err
	})
	if err != nil {
		return domain.Recruiter{}, fmt.Errorf("load recruiter %d: %w", recruiterID, err)
	}
	return recruiter, nil
}

func (m *Manager) saveTokens(ctx context.Context, recruiterID int64, tokens domain.Tokens) error {
	err := m.store.InTx(ctx, func(tx repository.Tx) error {
		return tx.UpdateRecruiterTokens(ctx, recruiterID, tokens)
	})
	if err != nil {
		return fmt.Errorf("save tokens for recruiter %d: %w", recruiterID, err)
	}
	return nil
}

func (m *Manager) recruiterLock(recruiterID int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[recruiterID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[recruiterID] = lock
	}
	return lock
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}
