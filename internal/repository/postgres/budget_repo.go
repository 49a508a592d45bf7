package postgres

/*
Файл budget_repo.go — леджер бюджетов агентов (таблица agent_budgets,
одна строка на агента). Инвариант строки:

	total_allocated = total_spent + budget_remaining, budget_remaining >= 0

Все мутации — одиночные условные UPDATE: никакого read-then-write через
два запроса, иначе возвращается TOCTOU-гонка, ради устранения которой
этот леджер и существует.
*/

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/iron-cage/budget-gate/internal/domain"
)

// InitializeBudget создает строку бюджета: весь allocated в остатке.
func (s *Store) InitializeBudget(ctx context.Context, agentID, totalAllocated int64) error {
	if totalAllocated < 0 {
		return fmt.Errorf("postgres: negative initial allocation")
	}
	query := `
		INSERT INTO agent_budgets (agent_id, total_allocated, total_spent, budget_remaining, created_at, updated_at)
		VALUES ($1, $2, 0, $2, NOW(), NOW())`

	if _, err := s.pool.Exec(ctx, query, agentID, totalAllocated); err != nil {
		return fmt.Errorf("postgres: failed to initialize budget: %w", err)
	}
	return nil
}

// GetBudget возвращает текущее состояние бюджета, nil если агента нет.
func (s *Store) GetBudget(ctx context.Context, agentID int64) (*domain.AgentBudget, error) {
	query := `
		SELECT agent_id, total_allocated, total_spent, budget_remaining, created_at, updated_at
		FROM agent_budgets WHERE agent_id = $1`

	b := &domain.AgentBudget{}
	err := s.pool.QueryRow(ctx, query, agentID).Scan(
		&b.AgentID, &b.TotalAllocated, &b.TotalSpent, &b.BudgetRemaining, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: failed to read budget: %w", err)
	}
	return b, nil
}

// CheckAndReserve — центральный атомарный примитив протокола.
//
// За один оператор: CTE берет строчную блокировку (FOR UPDATE) и
// запоминает total_spent ДО, UPDATE двигает счетчики на
// granted = LEAST(requested, budget_remaining) только при
// budget_remaining > 0, а RETURNING восстанавливает granted как разницу
// total_spent ПОСЛЕ и ДО — в той же транзакции, без второго чтения.
//
// Конкурентные вызовы по одному агенту сериализуются на блокировке
// строки: одна и та же единица бюджета не может быть выдана дважды.
// Отсутствие агента и нулевой остаток неразличимы здесь и дают granted=0
// — это не ошибка, а легитимный исход, который вызывающий превращает
// в отказ 403-класса.
func (s *Store) CheckAndReserve(ctx context.Context, agentID, requested int64) (int64, error) {
	if requested <= 0 {
		return 0, nil
	}

	query := `
		WITH prior AS (
			SELECT agent_id, total_spent
			FROM agent_budgets
			WHERE agent_id = $1
			FOR UPDATE
		)
		UPDATE agent_budgets b
		SET total_spent      = b.total_spent + LEAST($2::bigint, b.budget_remaining),
		    budget_remaining = b.budget_remaining - LEAST($2::bigint, b.budget_remaining),
		    updated_at       = NOW()
		FROM prior
		WHERE b.agent_id = prior.agent_id AND b.budget_remaining > 0
		RETURNING b.total_spent - prior.total_spent`

	var granted int64
	err := s.pool.QueryRow(ctx, query, agentID, requested).Scan(&granted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Нет строки или остаток уже нулевой
			return 0, nil
		}
		return 0, fmt.Errorf("postgres: reserve failed: %w", err)
	}
	return granted, nil
}

// ReleaseReservation — компенсация: возвращает зарезервированную сумму
// в остаток, если операция сорвалась ПОСЛЕ резервирования (ключ не
// найден, lease не создался). Без нее прерванный handshake молча
// терял бы бюджет.
func (s *Store) ReleaseReservation(ctx context.Context, agentID, amount int64) error {
	if amount <= 0 {
		return nil
	}
	query := `
		UPDATE agent_budgets
		SET total_spent      = total_spent - $2,
		    budget_remaining = budget_remaining + $2,
		    updated_at       = NOW()
		WHERE agent_id = $1 AND total_spent >= $2`

	result, err := s.pool.Exec(ctx, query, agentID, amount)
	if err != nil {
		return fmt.Errorf("postgres: release failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("postgres: release found no matching reservation")
	}
	return nil
}

// RecordSpending списывает cost напрямую (вне механизма lease).
// Условие budget_remaining >= cost держит инвариант: уйти в минус нельзя.
func (s *Store) RecordSpending(ctx context.Context, agentID, cost int64) error {
	if cost < 0 {
		return fmt.Errorf("postgres: negative cost")
	}
	query := `
		UPDATE agent_budgets
		SET total_spent      = total_spent + $2,
		    budget_remaining = budget_remaining - $2,
		    updated_at       = NOW()
		WHERE agent_id = $1 AND budget_remaining >= $2`

	result, err := s.pool.Exec(ctx, query, agentID, cost)
	if err != nil {
		return fmt.Errorf("postgres: failed to record spending: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrBudgetExhausted
	}
	return nil
}

// AddAllocation увеличивает и allocated, и остаток (аппрув запроса
// на добавку бюджета административным контуром).
func (s *Store) AddAllocation(ctx context.Context, agentID, additional int64) error {
	if additional <= 0 {
		return fmt.Errorf("postgres: non-positive allocation increase")
	}
	query := `
		UPDATE agent_budgets
		SET total_allocated  = total_allocated + $2,
		    budget_remaining = budget_remaining + $2,
		    updated_at       = NOW()
		WHERE agent_id = $1`

	result, err := s.pool.Exec(ctx, query, agentID, additional)
	if err != nil {
		return fmt.Errorf("postgres: failed to add allocation: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("postgres: agent %d has no budget row", agentID)
	}
	return nil
}

// HasSufficient — быстрая проверка остатка без резервирования.
func (s *Store) HasSufficient(ctx context.Context, agentID, amount int64) (bool, error) {
	query := `SELECT budget_remaining >= $2 FROM agent_budgets WHERE agent_id = $1`

	var ok bool
	err := s.pool.QueryRow(ctx, query, agentID, amount).Scan(&ok)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("postgres: sufficiency check failed: %w", err)
	}
	return ok, nil
}
