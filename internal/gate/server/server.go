package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/iron-cage/budget-gate/internal/engine"
	"github.com/iron-cage/budget-gate/internal/gate/handler"
)

// Readiness — зависимости, которые health-check опрашивает перед тем,
// как объявить процесс живым для балансировщика.
type Readiness interface {
	Ping(ctx context.Context) error
}

type GateServer struct {
	router *chi.Mux
	logger *zap.Logger

	budgetHandler *handler.BudgetHandler
	readiness     Readiness
}

// NewGateServer собирает HTTP-поверхность протокола.
func NewGateServer(logger *zap.Logger, budgetH *handler.BudgetHandler, readiness Readiness) *GateServer {
	s := &GateServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("gate-api"),
		budgetHandler: budgetH,
		readiness:     readiness,
	}
	s.routes()
	return s
}

func (s *GateServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(engine.TracingMiddleware)

	// --- 2. Протокол бюджетного контроля ---
	// Аутентификация живет внутри операций (IC-токен в теле запроса),
	// отдельного auth-периметра у шлюза нет.
	r.Mount("/budget", s.budgetHandler.Routes())

	// --- 3. Healthcheck для мониторинга ---
	r.Get("/health", s.health)
}

func (s *GateServer) health(w http.ResponseWriter, r *http.Request) {
	if s.readiness != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.readiness.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *GateServer) Handler() http.Handler {
	return s.router
}
