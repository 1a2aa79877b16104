package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendo-server/vendo-server-pro/internal/engine"
	"github.com/vendo-server/vendo-server-pro/internal/license"
	"github.com/vendo-server/vendo-server-pro/internal/models"
	"github.com/vendo-server/vendo-server-pro/internal/registry"
	"github.com/vendo-server/vendo-server-pro/internal/storage"
)

func TestRespondDomainError(t *testing.T) {
	s := &RESTServer{}

	cases := []struct {
		err    error
		status int
	}{
		{engine.ErrSessionNotFound, http.StatusNotFound},
		{engine.ErrVoucherNotFound, http.StatusNotFound},
		{registry.ErrUnknownDevice, http.StatusNotFound},
		{storage.ErrNotFound, http.StatusNotFound},
		{engine.ErrInvalidMAC, http.StatusBadRequest},
		{engine.ErrInvalidAmount, http.StatusBadRequest},
		{models.ErrNoMatchingRate, http.StatusBadRequest},
		{engine.ErrVoucherUsed, http.StatusConflict},
		{registry.ErrInvalidTransition, http.StatusConflict},
		{storage.ErrDuplicateKey, http.StatusConflict},
		{license.ErrRevoked, http.StatusForbidden},
		{license.ErrTrialExpired, http.StatusForbidden},
		{registry.ErrDeviceNotAccepted, http.StatusForbidden},
		{registry.ErrDeviceUnreachable, http.StatusBadGateway},
		{assert.AnError, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		w := httptest.NewRecorder()
		s.respondDomainError(w, tc.err)
		assert.Equal(t, tc.status, w.Code, tc.err.Error())
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	}
}

func TestSessionViewJSON(t *testing.T) {
	mac, err := models.ParseMAC("aa:bb:cc:00:11:22")
	require.NoError(t, err)

	session := &models.ClientSession{
		MAC:              mac,
		State:            models.SessionPaused,
		RemainingSeconds: 120,
	}

	data, err := json.Marshal(newSessionView(session))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, true, decoded["isPaused"])
	assert.Equal(t, "PAUSED", decoded["state"])

	session.State = models.SessionActive
	data, err = json.Marshal(newSessionView(session))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, false, decoded["isPaused"])
}

func TestMACParam(t *testing.T) {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("mac", "aa-bb-cc-00-11-22")

	r := httptest.NewRequest(http.MethodGet, "/sessions/aa-bb-cc-00-11-22", nil)
	r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))

	mac, err := macParam(r)
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:00:11:22", mac.String())

	bad := chi.NewRouteContext()
	bad.URLParams.Add("mac", "nonsense")
	r = httptest.NewRequest(http.MethodGet, "/sessions/nonsense", nil)
	r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, bad))

	_, err = macParam(r)
	assert.Error(t, err)
}
