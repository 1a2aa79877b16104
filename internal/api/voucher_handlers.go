package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/vendo-server/vendo-server-pro/internal/models"
	"github.com/vendo-server/vendo-server-pro/pkg/crypto"
)

const voucherCodeLength = 8

// HandleListVouchers lists vouchers
func (s *RESTServer) HandleListVouchers(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit == 0 {
		limit = 50
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	includeUsed := r.URL.Query().Get("include_used") == "true"

	vouchers, total, err := s.store.ListVouchers(r.Context(), includeUsed, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"vouchers": vouchers,
		"total":    total,
	})
}

// HandleCreateVouchers generates a batch of voucher codes for one amount
func (s *RESTServer) HandleCreateVouchers(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount int64 `json:"amount" validate:"required,min=1"`
		Count  int   `json:"count" validate:"min=1,max=500"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Count == 0 {
		req.Count = 1
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	vouchers := make([]*models.Voucher, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		code, err := crypto.GenerateVoucherCode(voucherCodeLength)
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, "failed to generate code")
			return
		}

		voucher := &models.Voucher{
			Code:   code,
			Amount: req.Amount,
		}

		if err := s.store.CreateVoucher(r.Context(), voucher); err != nil {
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}

		vouchers = append(vouchers, voucher)
	}

	s.respondJSON(w, http.StatusCreated, map[string]interface{}{
		"vouchers": vouchers,
	})
}

// HandleDeleteVoucher deletes an unredeemed voucher
func (s *RESTServer) HandleDeleteVoucher(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid voucher id")
		return
	}

	if err := s.store.DeleteVoucher(r.Context(), id); err != nil {
		s.respondDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
