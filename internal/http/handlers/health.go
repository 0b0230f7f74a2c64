package handlers

import (
	"net/http"

	"github.com/denis201520182022/Bot-HH-tg/internal/repository"
)

// Health reports ok when the store answers a trivial read.
func (api *API) Health(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	err := api.store.InTx(r.Context(), func(tx repository.Tx) error {
		_, err := tx.GetSettings(r.Context())
		return err
	})
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "store": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
