package engine

/*
Файл ledger.go — защитная обертка вокруг атомарных операций леджера.

Сама атомарность живет в SQL (условный UPDATE + строчная блокировка),
обертка отвечает за поведение под нагрузкой и при сбоях:
  - Rate Limiter на входе;
  - Circuit Breaker: когда хранилище лежит, отвечаем быстро, не копим
    подвисшие коннекты;
  - Ретраи транзиентных ошибок (deadlock/serialization/lock) с
    экспоненциальной задержкой и потолком. Конкуренция не должна
    превращаться ни в недовыдачу, ни в перевыдачу бюджета — только
    в повтор той же атомарной операции.
*/

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/iron-cage/budget-gate/internal/domain"
)

// BudgetStore — требования обертки к хранилищу леджера.
type BudgetStore interface {
	CheckAndReserve(ctx context.Context, agentID, requested int64) (int64, error)
	ReleaseReservation(ctx context.Context, agentID, amount int64) error
	GetBudget(ctx context.Context, agentID int64) (*domain.AgentBudget, error)
	RecordSpending(ctx context.Context, agentID, cost int64) error
	AddAllocation(ctx context.Context, agentID, additional int64) error
	HasSufficient(ctx context.Context, agentID, amount int64) (bool, error)
}

// TransientClassifier решает, стоит ли повторять ошибку хранилища.
// Реализация живет рядом с драйвером (postgres.IsTransient).
type TransientClassifier func(error) bool

type LedgerGuardConfig struct {
	Attempts  uint
	BaseDelay time.Duration
	MaxDelay  time.Duration

	RateLimit float64
	RateBurst int

	CBMaxRequests uint32
	CBInterval    time.Duration
	CBTimeout     time.Duration
}

type LedgerGuard struct {
	store       BudgetStore
	isTransient TransientClassifier
	cb          *gobreaker.CircuitBreaker
	limiter     *rate.Limiter
	metrics     *Metrics
	logger      *zap.Logger

	attempts  uint
	baseDelay time.Duration
	maxDelay  time.Duration
}

func NewLedgerGuard(store BudgetStore, isTransient TransientClassifier, cfg LedgerGuardConfig, metrics *Metrics, logger *zap.Logger) *LedgerGuard {
	g := &LedgerGuard{
		store:       store,
		isTransient: isTransient,
		metrics:     metrics,
		logger:      logger.Named("ledger"),
		attempts:    cfg.Attempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
	}
	if g.attempts == 0 {
		g.attempts = 24
	}
	if g.baseDelay <= 0 {
		g.baseDelay = 5 * time.Millisecond
	}
	if g.maxDelay <= 0 {
		g.maxDelay = 500 * time.Millisecond
	}

	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "budget-ledger",
		MaxRequests: cfg.CBMaxRequests,
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("ledger breaker state changed",
				zap.String("from", from.String()), zap.String("to", to.String()))
			g.metrics.BreakerState.Set(float64(to))
		},
	})

	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	g.limiter = rate.NewLimiter(limit, burst)

	return g
}

// Reserve — check_and_reserve с полным защитным контуром.
// granted == 0 — легитимный исход (нет агента или нет остатка), не ошибка.
func (g *LedgerGuard) Reserve(ctx context.Context, agentID, requested int64) (int64, error) {
	// 1. Rate Limiter
	if err := g.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("ledger: rate limit: %w", err)
	}

	var granted int64

	// 2. Circuit Breaker вокруг ретраев
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, g.withRetry(ctx, func() error {
			var err error
			granted, err = g.store.CheckAndReserve(ctx, agentID, requested)
			return err
		})
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			g.logger.Warn("reserve rejected by breaker", zap.Int64("agent_id", agentID))
		}
		// Ретраи исчерпаны либо предохранитель открыт — терминальный сбой
		return 0, errors.Join(domain.ErrInternal, err)
	}

	return granted, nil
}

// Release — компенсация резерва; те же ретраи, тот же предохранитель.
// Потерять компенсацию значит молча сжечь бюджет агента.
func (g *LedgerGuard) Release(ctx context.Context, agentID, amount int64) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, g.withRetry(ctx, func() error {
			return g.store.ReleaseReservation(ctx, agentID, amount)
		})
	})
	if err != nil {
		return errors.Join(domain.ErrInternal, err)
	}
	return nil
}

// Status — текущее состояние бюджета (nil если агента нет).
func (g *LedgerGuard) Status(ctx context.Context, agentID int64) (*domain.AgentBudget, error) {
	b, err := g.store.GetBudget(ctx, agentID)
	if err != nil {
		return nil, errors.Join(domain.ErrInternal, err)
	}
	return b, nil
}

func (g *LedgerGuard) withRetry(ctx context.Context, op func() error) error {
	attempt := uint(0)

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(g.attempts),
		retry.RetryIf(func(err error) bool {
			return g.isTransient(err)
		}),
		// Экспоненциальный бэкофф с потолком: base * 2^n, но не выше max
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			g.metrics.ReserveRetries.Inc()
			attempt = n
			delay := g.baseDelay << n
			if delay <= 0 || delay > g.maxDelay {
				delay = g.maxDelay
			}
			return delay
		}),
	)

	err := r.Do(op)
	if err != nil && attempt > 0 {
		g.logger.Warn("ledger operation failed after retries",
			zap.Uint("attempts", attempt+1), zap.Error(err))
	}
	return err
}
