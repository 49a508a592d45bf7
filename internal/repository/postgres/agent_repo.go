package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetAgentOwner — владелец агента ("" если агент не зарегистрирован).
// Вызывающий отвечает обезличенно, чтобы не допустить enumeration.
func (s *Store) GetAgentOwner(ctx context.Context, agentID int64) (string, error) {
	var owner string
	err := s.pool.QueryRow(ctx,
		`SELECT owner_user_id FROM agents WHERE id = $1`, agentID,
	).Scan(&owner)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("postgres: failed to read agent owner: %w", err)
	}
	return owner, nil
}

// DebitOwnerBank списывает грант с агрегата владельца (таблица owner_banks)
// — в рамках той же логической операции, что и выдача lease.
// Условный UPDATE: в минус банк не уходит.
func (s *Store) DebitOwnerBank(ctx context.Context, ownerUserID string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	query := `
		UPDATE owner_banks
		SET remaining_microdollars = remaining_microdollars - $2,
		    updated_at             = NOW()
		WHERE owner_user_id = $1 AND remaining_microdollars >= $2`

	result, err := s.pool.Exec(ctx, query, ownerUserID, amount)
	if err != nil {
		return fmt.Errorf("postgres: failed to debit owner bank: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("postgres: owner bank missing or insufficient")
	}
	return nil
}

// CreditOwnerBank — компенсация DebitOwnerBank при срыве операции.
func (s *Store) CreditOwnerBank(ctx context.Context, ownerUserID string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	query := `
		UPDATE owner_banks
		SET remaining_microdollars = remaining_microdollars + $2,
		    updated_at             = NOW()
		WHERE owner_user_id = $1`

	result, err := s.pool.Exec(ctx, query, ownerUserID, amount)
	if err != nil {
		return fmt.Errorf("postgres: failed to credit owner bank: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("postgres: owner bank not found")
	}
	return nil
}
