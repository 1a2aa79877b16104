package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vendo-server/vendo-server-pro/internal/engine"
	"github.com/vendo-server/vendo-server-pro/internal/models"
)

// macParam parses the {mac} URL parameter
func macParam(r *http.Request) (models.MAC, error) {
	return models.ParseMAC(chi.URLParam(r, "mac"))
}

// sessionView is the dashboard's session shape. The dashboard reads pause
// state as a flag next to the state enum.
type sessionView struct {
	*models.ClientSession
	IsPaused bool `json:"isPaused"`
}

func newSessionView(session *models.ClientSession) sessionView {
	return sessionView{ClientSession: session, IsPaused: session.IsPaused()}
}

// HandleListSessions lists all client sessions
func (s *RESTServer) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.engine.Sessions()

	views := make([]sessionView, 0, len(sessions))
	for _, session := range sessions {
		views = append(views, newSessionView(session))
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": views,
		"total":    len(views),
	})
}

// HandleGetSession gets one client session
func (s *RESTServer) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	mac, err := macParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid mac address")
		return
	}

	session, err := s.engine.Session(mac)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, newSessionView(session))
}

// HandleCredit credits a client session from a payment event. Hardware
// drivers normally credit through the pulse bridge; this endpoint serves
// voucher redemption and manual admin credits.
func (s *RESTServer) HandleCredit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MAC    string `json:"mac" validate:"required"`
		IP     string `json:"ip"`
		Amount int64  `json:"amount"`
		Source string `json:"source" validate:"required"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	mac, err := models.ParseMAC(req.MAC)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid mac address")
		return
	}

	source, err := models.ParsePaymentSource(req.Source)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	session, err := s.engine.Credit(r.Context(), models.PaymentEvent{
		Source:    source,
		MAC:       mac,
		IP:        req.IP,
		Amount:    req.Amount,
		Timestamp: time.Now(),
	})
	if err != nil {
		s.respondDomainError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, newSessionView(session))
}

// HandleEditSession applies an admin edit to a session
func (s *RESTServer) HandleEditSession(w http.ResponseWriter, r *http.Request) {
	mac, err := macParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid mac address")
		return
	}

	var req struct {
		CustomName    *string `json:"customName"`
		ExtraMinutes  *int    `json:"extraMinutes"`
		DownloadLimit *int    `json:"downloadLimit"`
		UploadLimit   *int    `json:"uploadLimit"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	edit := engine.SessionEdit{
		CustomName:    req.CustomName,
		DownloadLimit: req.DownloadLimit,
		UploadLimit:   req.UploadLimit,
	}
	if req.ExtraMinutes != nil {
		seconds := int64(*req.ExtraMinutes) * 60
		edit.ExtraSeconds = &seconds
	}

	session, err := s.engine.Edit(r.Context(), mac, edit)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, newSessionView(session))
}

// HandleDeleteSession removes a session entirely
func (s *RESTServer) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	mac, err := macParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid mac address")
		return
	}

	if err := s.engine.Delete(r.Context(), mac); err != nil {
		s.respondDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandlePauseSession freezes a session's countdown
func (s *RESTServer) HandlePauseSession(w http.ResponseWriter, r *http.Request) {
	mac, err := macParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid mac address")
		return
	}

	session, err := s.engine.Pause(r.Context(), mac)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, newSessionView(session))
}

// HandleResumeSession resumes a paused session
func (s *RESTServer) HandleResumeSession(w http.ResponseWriter, r *http.Request) {
	mac, err := macParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid mac address")
		return
	}

	session, err := s.engine.Resume(r.Context(), mac)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, newSessionView(session))
}

// HandleDisconnectSession cuts a client's access, keeping its balance
func (s *RESTServer) HandleDisconnectSession(w http.ResponseWriter, r *http.Request) {
	mac, err := macParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid mac address")
		return
	}

	session, err := s.engine.Disconnect(r.Context(), mac)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, newSessionView(session))
}
