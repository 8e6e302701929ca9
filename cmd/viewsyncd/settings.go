package main

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"golang.org/x/text/language"

	"github.com/goforj/viewcache/prefs"
	"github.com/goforj/viewcache/record"
)

// settingsHandler serves the persisted account settings.
type settingsHandler struct {
	prefs  *prefs.Store
	logger *slog.Logger
}

type settingsResponse struct {
	prefs.Settings
	Sample string `json:"sample"`
}

func (h *settingsHandler) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/settings", h.get)
	mux.HandleFunc("PUT /api/settings", h.put)
}

func (h *settingsHandler) get(w http.ResponseWriter, r *http.Request) {
	s, _, err := h.prefs.LoadSettings(r.Context())
	if err != nil {
		h.logger.Warn("settings unavailable", "error", err)
	}
	writeSettings(w, s)
}

func (h *settingsHandler) put(w http.ResponseWriter, r *http.Request) {
	var s prefs.Settings
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if s.Locale != "" {
		if _, err := language.Parse(s.Locale); err != nil {
			writeError(w, http.StatusBadRequest, "invalid locale")
			return
		}
	}
	if _, err := record.FormatMoney(0, s.Currency, language.Und); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	saved, err := h.prefs.SaveSettings(r.Context(), s)
	if err != nil {
		h.logger.Error("save settings failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeSettings(w, saved)
}

// writeSettings attaches a formatted sample amount so clients can preview
// the currency and locale pair.
func writeSettings(w http.ResponseWriter, s prefs.Settings) {
	lang := language.Make(s.Locale)
	sample, err := record.FormatMoney(1234.5, s.Currency, lang)
	if err != nil {
		sample = ""
	}
	writeJSON(w, http.StatusOK, settingsResponse{Settings: s, Sample: sample})
}
