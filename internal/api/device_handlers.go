package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/vendo-server/vendo-server-pro/internal/models"
)

// deviceIDParam parses the {id} URL parameter
func deviceIDParam(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "id"))
}

// HandleListDevices lists all sub-vendo devices with their online flag
func (s *RESTServer) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.registry.List()
	offlineAfter := s.registry.OfflineAfter()

	type deviceView struct {
		*models.SubVendoDevice
		Online bool `json:"online"`
	}

	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, deviceView{d, d.IsOnline(offlineAfter)})
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"devices": views,
		"total":   len(views),
	})
}

// HandleGetDevice gets one sub-vendo device
func (s *RESTServer) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, err := deviceIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	device, err := s.registry.Get(id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, device)
}

// HandleAcceptDevice accepts a pending device, assigning its name and VLAN
func (s *RESTServer) HandleAcceptDevice(w http.ResponseWriter, r *http.Request) {
	id, err := deviceIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	var req struct {
		Name   string `json:"name" validate:"required,min=1,max=100"`
		VLANID int    `json:"vlanId" validate:"min=0,max=4094"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	device, err := s.registry.Accept(r.Context(), id, req.Name, req.VLANID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, device)
}

// HandleRejectDevice rejects a pending device
func (s *RESTServer) HandleRejectDevice(w http.ResponseWriter, r *http.Request) {
	id, err := deviceIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	device, err := s.registry.Reject(r.Context(), id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, device)
}

// HandleRemoveDevice removes a device from the registry
func (s *RESTServer) HandleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	id, err := deviceIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	if err := s.registry.Remove(r.Context(), id); err != nil {
		s.respondDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleUpdateDeviceRates replaces a device's rate table. The controller
// copy always takes effect; an unreachable node is reported so the admin
// can retry the push.
func (s *RESTServer) HandleUpdateDeviceRates(w http.ResponseWriter, r *http.Request) {
	id, err := deviceIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid device id")
		return
	}

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

	device, err := s.registry.UpdateRates(r.Context(), id, req.Rates)
	if err != nil && device == nil {
		s.respondDomainError(w, err)
		return
	}

	resp := map[string]interface{}{"device": device}
	if err != nil {
		resp["warning"] = err.Error()
	}

	s.respondJSON(w, http.StatusOK, resp)
}
