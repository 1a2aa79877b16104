package api

import (
	"encoding/json"
	"net/http"

	"github.com/vendo-server/vendo-server-pro/internal/models"
)

// HandleGetRates returns the main controller rate table
func (s *RESTServer) HandleGetRates(w http.ResponseWriter, r *http.Request) {
	rates, err := s.store.GetMainRates(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"rates": rates,
	})
}

// HandleUpdateRates replaces the main controller rate table. The new table
// applies to credits after the write; already-admitted sessions are never
// retroactively adjusted.
func (s *RESTServer) HandleUpdateRates(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rates models.RateTable `json:"rates" validate:"required"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	for _, entry := range req.Rates {
		if entry.Amount <= 0 || entry.Minutes <= 0 {
			s.respondError(w, http.StatusBadRequest, "rate entries need a positive amount and minutes")
			return
		}
	}

	if err := s.store.ReplaceMainRates(r.Context(), req.Rates); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	rates, err := s.store.GetMainRates(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"rates": rates,
	})
}

// HandleGetBandwidthDefaults returns the global bandwidth defaults
func (s *RESTServer) HandleGetBandwidthDefaults(w http.ResponseWriter, r *http.Request) {
	defaults, err := s.store.GetBandwidthDefaults(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, defaults)
}

// HandleUpdateBandwidthDefaults updates the global bandwidth defaults.
// Defaults apply to future credits; existing sessions keep their limits.
func (s *RESTServer) HandleUpdateBandwidthDefaults(w http.ResponseWriter, r *http.Request) {
	var req models.BandwidthDefaults

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.DownloadLimit < 0 || req.UploadLimit < 0 {
		s.respondError(w, http.StatusBadRequest, "limits must not be negative")
		return
	}

	if err := s.store.SaveBandwidthDefaults(r.Context(), &req); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, req)
}
