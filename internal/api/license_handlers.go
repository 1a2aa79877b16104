package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/vendo-server/vendo-server-pro/internal/models"
	"github.com/vendo-server/vendo-server-pro/internal/storage"
)

// HandleGetLicense returns the license and trial state
func (s *RESTServer) HandleGetLicense(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.gate.State())
}

// HandleActivateLicense activates the controller with a license key
func (s *RESTServer) HandleActivateLicense(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key" validate:"required"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.gate.Activate(r.Context(), req.Key); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, s.gate.State())
}

// HandleListEvents lists audit log entries
func (s *RESTServer) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit == 0 {
		limit = 50
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	var filters storage.EventLogFilters

	if macStr := r.URL.Query().Get("mac"); macStr != "" {
		mac, err := models.ParseMAC(macStr)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid mac address")
			return
		}
		filters.MAC = &mac
	}

	if deviceStr := r.URL.Query().Get("device_id"); deviceStr != "" {
		id, err := uuid.Parse(deviceStr)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid device id")
			return
		}
		filters.DeviceID = &id
	}

	if typeStr := r.URL.Query().Get("type"); typeStr != "" {
		eventType := models.EventType(typeStr)
		filters.Type = &eventType
	}

	if levelStr := r.URL.Query().Get("level"); levelStr != "" {
		level := models.EventLevel(levelStr)
		filters.Level = &level
	}

	if startStr := r.URL.Query().Get("start"); startStr != "" {
		start, err := time.Parse(time.RFC3339, startStr)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid start time")
			return
		}
		filters.StartTime = &start
	}

	if endStr := r.URL.Query().Get("end"); endStr != "" {
		end, err := time.Parse(time.RFC3339, endStr)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid end time")
			return
		}
		filters.EndTime = &end
	}

	events, total, err := s.store.ListEventLogs(r.Context(), filters, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
	})
}
