package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/denis201520182022/Bot-HH-tg/internal/http/middleware"
	"github.com/denis201520182022/Bot-HH-tg/internal/repository"
)

// API serves read-only views over the dialogue store.
type API struct {
	store repository.Store
	now   func() time.Time
}

func NewAPI(store repository.Store) *API {
	return &API{
		store: store,
		now:   time.Now,
	}
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

func requireGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet {
		return true
	}
	writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	return false
}
