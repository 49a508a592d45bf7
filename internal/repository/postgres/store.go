package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store — единая точка доступа к PostgreSQL. Хранилище — единственный
// источник правды о бюджетах: никакого кэширования состояния между
// запросами в процессе нет.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore создает пул соединений и проверяет параметры подключения.
func NewStore(ctx context.Context, url string, maxConns, minConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("postgres: invalid connection config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to create pool: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping проверяет доступность базы при старте.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

// Коды Postgres, при которых операцию имеет смысл повторить:
// serialization_failure, deadlock_detected, lock_not_available.
var transientPgCodes = map[string]struct{}{
	"40001": {},
	"40P01": {},
	"55P03": {},
}

// Фолбэк по подстрокам — для оберток, которые теряют *pgconn.PgError.
var transientMarkers = []string{
	"deadlock",
	"lock not available",
	"could not serialize",
	"connection reset",
	"unexpected eof",
}

// IsTransient классифицирует ошибку хранилища как временную (конкуренция
// за блокировки, обрыв соединения). Такие ошибки ретраятся снаружи;
// все остальные — терминальные.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		_, ok := transientPgCodes[pgErr.Code]
		return ok
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
