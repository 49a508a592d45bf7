package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/iron-cage/budget-gate/internal/domain"
)

// BudgetProtocol — движок с точки зрения HTTP-слоя.
type BudgetProtocol interface {
	Handshake(ctx context.Context, req *domain.HandshakeRequest) (*domain.HandshakeResponse, error)
	Report(ctx context.Context, req *domain.UsageReport) (*domain.UsageReportResponse, error)
	Refresh(ctx context.Context, req *domain.RefreshRequest) (*domain.RefreshResponse, error)
}

type BudgetHandler struct {
	engine BudgetProtocol
	logger *zap.Logger
}

func NewBudgetHandler(engine BudgetProtocol, logger *zap.Logger) *BudgetHandler {
	return &BudgetHandler{engine: engine, logger: logger.Named("http")}
}

// Routes Маршруты протокола для Chi
func (h *BudgetHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/handshake", h.Handshake)
	r.Post("/report", h.Report)
	r.Post("/refresh", h.Refresh)
	return r
}

func (h *BudgetHandler) Handshake(w http.ResponseWriter, r *http.Request) {
	var req domain.HandshakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	resp, err := h.engine.Handshake(r.Context(), &req)
	if err != nil {
		h.writeProtocolError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *BudgetHandler) Report(w http.ResponseWriter, r *http.Request) {
	var req domain.UsageReport
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	resp, err := h.engine.Report(r.Context(), &req)
	if err != nil {
		h.writeProtocolError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *BudgetHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req domain.RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	resp, err := h.engine.Refresh(r.Context(), &req)
	if err != nil {
		h.writeProtocolError(w, r, err)
		return
	}

	// Отказ по бюджету приходит сюда как status=denied с кодом 200
	writeJSON(w, http.StatusOK, resp)
}

// writeProtocolError — единая карта доменных исходов в HTTP-коды.
// Наружу уходят только фиксированные фразы: внутренние детали и
// криптографические подробности остаются в логах.
func (h *BudgetHandler) writeProtocolError(w http.ResponseWriter, r *http.Request, err error) {
	var vErr *domain.ValidationError
	if errors.As(err, &vErr) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "validation failed",
			"field": vErr.Field,
			"detail": vErr.Reason,
		})
		return
	}

	var denied *domain.BudgetDeniedError
	if errors.As(err, &denied) {
		body := map[string]any{"error": "budget exhausted"}
		if denied.Status != nil {
			body["budget_status"] = denied.Status
		}
		writeJSON(w, http.StatusForbidden, body)
		return
	}

	var overrun *domain.OverrunError
	if errors.As(err, &overrun) {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":     "lease budget overrun",
			"accepted":  overrun.Accepted,
			"attempted": overrun.Attempted,
		})
		return
	}

	switch {
	// Неизвестный агент неотличим от невалидного токена — против перебора
	case errors.Is(err, domain.ErrInvalidToken), errors.Is(err, domain.ErrUnknownAgent):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, domain.ErrAgentRevoked):
		writeError(w, http.StatusForbidden, "agent revoked")
	case errors.Is(err, domain.ErrLeaseExpired):
		writeError(w, http.StatusForbidden, "lease expired")
	case errors.Is(err, domain.ErrKeyDisabled), errors.Is(err, domain.ErrProviderMismatch):
		writeError(w, http.StatusForbidden, "credential not usable")
	case errors.Is(err, domain.ErrKeyNotFound):
		writeError(w, http.StatusNotFound, "no credential for provider")
	case errors.Is(err, domain.ErrLeaseNotFound):
		writeError(w, http.StatusNotFound, "lease not found")
	default:
		h.logger.Error("protocol operation failed",
			zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
