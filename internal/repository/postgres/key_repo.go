package postgres

/*
Файл key_repo.go — хранилище Vault: провайдерские API-ключи в зашифрованном
виде (таблица provider_keys) и карта привязок ключей к проектам
(key_project_assignments). Ciphertext наружу из этого слоя выходит только
в сам Vault-сервис; метаданные для админки берутся без него.
*/

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/iron-cage/budget-gate/internal/domain"
)

// CreateProviderKey сохраняет уже зашифрованный ключ, возвращает id.
func (s *Store) CreateProviderKey(ctx context.Context, k *domain.EncryptedCredential) (string, error) {
	id := k.ID
	if id == "" {
		id = uuid.New().String()
	}
	query := `
		INSERT INTO provider_keys (id, provider, ciphertext, nonce, base_url, description, is_enabled, owner_user_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`

	_, err := s.pool.Exec(ctx, query,
		id, k.Provider, k.Ciphertext, k.Nonce, k.BaseURL, k.Description, k.IsEnabled, k.OwnerUserID,
	)
	if err != nil {
		return "", fmt.Errorf("postgres: failed to create provider key: %w", err)
	}
	return id, nil
}

// GetProviderKey — ключ по id, nil если нет.
func (s *Store) GetProviderKey(ctx context.Context, id string) (*domain.EncryptedCredential, error) {
	query := `
		SELECT id, provider, ciphertext, nonce, base_url, description, is_enabled, owner_user_id, created_at, last_used_at
		FROM provider_keys WHERE id = $1`

	return s.scanProviderKey(s.pool.QueryRow(ctx, query, id))
}

// FirstEnabledKeyByProvider — first-available выбор, когда handshake не
// указал конкретный ключ: самый старый включенный ключ провайдера.
func (s *Store) FirstEnabledKeyByProvider(ctx context.Context, provider domain.Provider) (*domain.EncryptedCredential, error) {
	query := `
		SELECT id, provider, ciphertext, nonce, base_url, description, is_enabled, owner_user_id, created_at, last_used_at
		FROM provider_keys
		WHERE provider = $1 AND is_enabled
		ORDER BY created_at
		LIMIT 1`

	return s.scanProviderKey(s.pool.QueryRow(ctx, query, provider))
}

// KeyIDsByProvider — все id ключей провайдера (для админских списков).
func (s *Store) KeyIDsByProvider(ctx context.Context, provider domain.Provider) ([]string, error) {
	query := `SELECT id FROM provider_keys WHERE provider = $1 ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, provider)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query provider keys: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan key id error: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return ids, nil
}

func (s *Store) SetKeyEnabled(ctx context.Context, id string, enabled bool) error {
	return s.updateKeyField(ctx, `UPDATE provider_keys SET is_enabled = $2 WHERE id = $1`, id, enabled)
}

func (s *Store) UpdateKeyBaseURL(ctx context.Context, id, baseURL string) error {
	return s.updateKeyField(ctx, `UPDATE provider_keys SET base_url = $2 WHERE id = $1`, id, baseURL)
}

func (s *Store) UpdateKeyDescription(ctx context.Context, id, description string) error {
	return s.updateKeyField(ctx, `UPDATE provider_keys SET description = $2 WHERE id = $1`, id, description)
}

func (s *Store) DeleteProviderKey(ctx context.Context, id string) error {
	result, err := s.pool.Exec(ctx, `DELETE FROM provider_keys WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to delete provider key: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrKeyNotFound
	}
	return nil
}

// TouchKeyLastUsed отмечает успешную расшифровку ключа в handshake.
func (s *Store) TouchKeyLastUsed(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE provider_keys SET last_used_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to touch last_used_at: %w", err)
	}
	return nil
}

// --- Привязки ключей к проектам ---

// AssignKeyToProject привязывает проект к ключу; повторная привязка
// перезаписывает существующую (у проекта ровно один ключ).
func (s *Store) AssignKeyToProject(ctx context.Context, keyID, projectID string) error {
	query := `
		INSERT INTO key_project_assignments (project_id, key_id, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (project_id) DO UPDATE SET key_id = EXCLUDED.key_id, created_at = NOW()`

	if _, err := s.pool.Exec(ctx, query, projectID, keyID); err != nil {
		return fmt.Errorf("postgres: failed to assign key to project: %w", err)
	}
	return nil
}

func (s *Store) UnassignProject(ctx context.Context, projectID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM key_project_assignments WHERE project_id = $1`, projectID)
	if err != nil {
		return fmt.Errorf("postgres: failed to unassign project: %w", err)
	}
	return nil
}

// GetAssignmentForProject — id ключа, назначенного проекту ("" если нет).
func (s *Store) GetAssignmentForProject(ctx context.Context, projectID string) (string, error) {
	var keyID string
	err := s.pool.QueryRow(ctx,
		`SELECT key_id FROM key_project_assignments WHERE project_id = $1`, projectID,
	).Scan(&keyID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("postgres: failed to read assignment: %w", err)
	}
	return keyID, nil
}

// GetProjectsForKey — все проекты, привязанные к ключу.
func (s *Store) GetProjectsForKey(ctx context.Context, keyID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT project_id FROM key_project_assignments WHERE key_id = $1 ORDER BY created_at`, keyID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query assignments: %w", err)
	}
	defer rows.Close()

	projects := make([]string, 0)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("postgres: scan project id error: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return projects, nil
}

// --- внутренние хелперы ---

func (s *Store) scanProviderKey(row pgx.Row) (*domain.EncryptedCredential, error) {
	k := &domain.EncryptedCredential{}
	err := row.Scan(
		&k.ID, &k.Provider, &k.Ciphertext, &k.Nonce, &k.BaseURL,
		&k.Description, &k.IsEnabled, &k.OwnerUserID, &k.CreatedAt, &k.LastUsedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: failed to read provider key: %w", err)
	}
	return k, nil
}

func (s *Store) updateKeyField(ctx context.Context, query, id string, value any) error {
	result, err := s.pool.Exec(ctx, query, id, value)
	if err != nil {
		return fmt.Errorf("postgres: failed to update provider key: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrKeyNotFound
	}
	return nil
}
