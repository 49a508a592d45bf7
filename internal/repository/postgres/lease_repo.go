package postgres

/*
Файл lease_repo.go — таблица budget_leases (append-mostly, строка на грант).
Жизненный цикл управляется условными UPDATE по статусу — тот же прием,
что и в леджере: решение принимается внутри одного оператора.
*/

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/iron-cage/budget-gate/internal/domain"
)

// CreateLease создает запись гранта.
func (s *Store) CreateLease(ctx context.Context, lease *domain.BudgetLease) error {
	query := `
		INSERT INTO budget_leases (lease_id, agent_id, budget_id, budget_granted, budget_spent, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, NOW(), NOW())`

	_, err := s.pool.Exec(ctx, query,
		lease.LeaseID, lease.AgentID, lease.BudgetID, lease.BudgetGranted, lease.Status, lease.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to create lease: %w", err)
	}
	return nil
}

// GetLease возвращает lease по id, nil если нет.
func (s *Store) GetLease(ctx context.Context, leaseID string) (*domain.BudgetLease, error) {
	query := `
		SELECT lease_id, agent_id, budget_id, budget_granted, budget_spent, status, expires_at, created_at, updated_at
		FROM budget_leases WHERE lease_id = $1`

	l := &domain.BudgetLease{}
	err := s.pool.QueryRow(ctx, query, leaseID).Scan(
		&l.LeaseID, &l.AgentID, &l.BudgetID, &l.BudgetGranted, &l.BudgetSpent,
		&l.Status, &l.ExpiresAt, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: failed to read lease: %w", err)
	}
	return l, nil
}

// RecordLeaseUsage атомарно списывает cost с lease, но не выше потолка
// budget_granted (LEAST). Возвращает фактически принятую сумму и остаток
// гранта; accepted < cost означает перерасход — решает вызывающий.
// Списание проходит только по активному и не истекшему lease: срок
// проверяется в том же UPDATE, что и статус, так что lease, истекший
// между чтением и списанием, спенд уже не примет.
func (s *Store) RecordLeaseUsage(ctx context.Context, leaseID string, cost int64) (accepted, remaining int64, err error) {
	if cost < 0 {
		return 0, 0, fmt.Errorf("postgres: negative cost")
	}

	query := `
		WITH prior AS (
			SELECT lease_id, budget_spent
			FROM budget_leases
			WHERE lease_id = $1
			FOR UPDATE
		)
		UPDATE budget_leases l
		SET budget_spent = LEAST(l.budget_spent + $2::bigint, l.budget_granted),
		    updated_at   = NOW()
		FROM prior
		WHERE l.lease_id = prior.lease_id
		  AND l.status = $3
		  AND (l.expires_at IS NULL OR l.expires_at > NOW())
		RETURNING l.budget_spent - prior.budget_spent, l.budget_granted - l.budget_spent`

	err = s.pool.QueryRow(ctx, query, leaseID, cost, domain.LeaseActive).Scan(&accepted, &remaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Нет такого lease, он не активен либо истек
			return 0, 0, domain.ErrLeaseNotFound
		}
		return 0, 0, fmt.Errorf("postgres: failed to record lease usage: %w", err)
	}
	return accepted, remaining, nil
}

// SupersedeLease терминирует lease при refresh. Условие status=ACTIVE
// защищает от двойного supersede (повторный refresh по тому же lease).
func (s *Store) SupersedeLease(ctx context.Context, leaseID string) error {
	query := `
		UPDATE budget_leases
		SET status = $2, updated_at = NOW()
		WHERE lease_id = $1 AND status = $3`

	result, err := s.pool.Exec(ctx, query, leaseID, domain.LeaseSuperseded, domain.LeaseActive)
	if err != nil {
		return fmt.Errorf("postgres: failed to supersede lease: %w", err)
	}
	if result.RowsAffected() == 0 {
		// Либо id неверный, либо lease уже терминален
		return domain.ErrLeaseNotFound
	}
	return nil
}

// LeasesByAgent — исторические lease агента (старые остаются читаемыми).
func (s *Store) LeasesByAgent(ctx context.Context, agentID int64, limit int) ([]*domain.BudgetLease, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT lease_id, agent_id, budget_id, budget_granted, budget_spent, status, expires_at, created_at, updated_at
		FROM budget_leases
		WHERE agent_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query leases: %w", err)
	}
	defer rows.Close()

	// Пустой слайс, чтобы в JSON был [] вместо null
	leases := make([]*domain.BudgetLease, 0)
	for rows.Next() {
		l := &domain.BudgetLease{}
		if err := rows.Scan(
			&l.LeaseID, &l.AgentID, &l.BudgetID, &l.BudgetGranted, &l.BudgetSpent,
			&l.Status, &l.ExpiresAt, &l.CreatedAt, &l.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan lease: %w", err)
		}
		leases = append(leases, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return leases, nil
}
