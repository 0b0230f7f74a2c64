package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/denis201520182022/Bot-HH-tg/internal/domain"
	"github.com/denis201520182022/Bot-HH-tg/internal/repository"
)

type quotaView struct {
	LimitTotal       int     `json:"limit_total"`
	LimitUsed        int     `json:"limit_used"`
	Remaining        int     `json:"remaining"`
	CostPerResponse  float64 `json:"cost_per_response"`
	Spent            float64 `json:"spent"`
	LowLimitNotified bool    `json:"low_limit_notified"`
}

type recruiterView struct {
	ID         int64  `json:"id"`
	ExternalID string `json:"external_id"`
	Name       string `json:"name,omitempty"`
	EmployerID string `json:"employer_id,omitempty"`
	TokenValid bool   `json:"token_valid"`
	NeedsAuth  bool   `json:"needs_auth"`
}

type statView struct {
	VacancyID      int64  `json:"vacancy_id"`
	VacancyTitle   string `json:"vacancy_title"`
	Responses      int    `json:"responses"`
	StartedDialogs int    `json:"started_dialogs"`
	Qualified      int    `json:"qualified"`
}

// Status returns quota usage, dialogue counts per status and recruiter token health.
func (api *API) Status(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	ctx := r.Context()
	now := api.now()

	var (
		settings   domain.AppSettings
		counts     map[domain.DialogueStatus]int
		recruiters []domain.Recruiter
	)
	err := api.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		if settings, err = tx.GetSettings(ctx); err != nil {
			return err
		}
		if counts, err = tx.CountDialoguesByStatus(ctx); err != nil {
			return err
		}
		recruiters, err = tx.ListRecruiters(ctx)
		return err
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load status")
		return
	}

	dialogues := make(map[string]int, len(counts))
	for status, count := range counts {
		dialogues[string(status)] = count
	}
	views := make([]recruiterView, 0, len(recruiters))
	for _, recruiter := range recruiters {
		views = append(views, recruiterView{
			ID:         recruiter.ID,
			ExternalID: recruiter.ExternalID,
			Name:       recruiter.Name,
			EmployerID: recruiter.EmployerID,
			TokenValid: recruiter.TokenValid(now),
			NeedsAuth:  recruiter.RefreshToken == "",
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"quota": quotaView{
			LimitTotal:       settings.LimitTotal,
			LimitUsed:        settings.LimitUsed,
			Remaining:        settings.Remaining(),
			CostPerResponse:  settings.CostPerResponse,
			Spent:            float64(settings.LimitUsed) * settings.CostPerResponse,
			LowLimitNotified: settings.LowLimitNotified,
		},
		"dialogues":  dialogues,
		"recruiters": views,
		"checked_at": now.UTC(),
	})
}

// Stats returns the per-vacancy counters of one UTC day (?day=YYYY-MM-DD, default today).
func (api *API) Stats(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	ctx := r.Context()

	day := api.now()
	if raw := strings.TrimSpace(r.URL.Query().Get("day")); raw != "" {
		parsed, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "day must be YYYY-MM-DD")
			return
		}
		day = parsed
	}
	day = repository.StatsDay(day)

	var views []statView
	err := api.store.InTx(ctx, func(tx repository.Tx) error {
		stats, err := tx.ListDailyStats(ctx, day)
		if err != nil {
			return err
		}
		views = make([]statView, 0, len(stats))
		for _, stat := range stats {
			view := statView{
				VacancyID:      stat.VacancyID,
				Responses:      stat.Responses,
				StartedDialogs: stat.StartedDialogs,
				Qualified:      stat.Qualified,
			}
			if vacancy, err := tx.GetVacancy(ctx, stat.VacancyID); err == nil {
				view.VacancyTitle = vacancy.Title
			}
			views = append(views, view)
		}
		return nil
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load stats")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"day":       day.Format(time.DateOnly),
		"vacancies": views,
	})
}
