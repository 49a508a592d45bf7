package engine

import (
	"context"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iron-cage/budget-gate/internal/infra"
)

// RevocationManager — kill-switch уровня агента. Отзыв прилетает из
// административного контура через Redis: полное множество в Set
// (для warmup) и дельты через Pub/Sub. Проверка в hot path — чтение
// из RAM под RLock, без похода в сеть.
type RevocationManager struct {
	mu      sync.RWMutex
	revoked map[int64]struct{}
	rdb     *redis.Client
	logger  *zap.Logger
}

func NewRevocationManager(rdb *redis.Client, logger *zap.Logger) *RevocationManager {
	return &RevocationManager{
		revoked: make(map[int64]struct{}),
		rdb:     rdb,
		logger:  logger.Named("revocation"),
	}
}

// Init загружает текущее множество отозванных агентов при старте.
func (m *RevocationManager) Init(ctx context.Context) error {
	ids, err := m.rdb.SMembers(ctx, infra.RedisKeyRevokedAgents).Result()
	if err != nil {
		return err
	}

	next := make(map[int64]struct{}, len(ids))
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			m.logger.Warn("skipping malformed revoked id", zap.String("raw", raw))
			continue
		}
		next[id] = struct{}{}
	}

	m.mu.Lock()
	m.revoked = next
	m.mu.Unlock()
	return nil
}

// StartListener слушает сигналы отзыва до отмены контекста.
func (m *RevocationManager) StartListener(ctx context.Context) {
	listenSignalsResilient(ctx, m.rdb, m.logger, infra.RedisChanRevocation,
		func() error { return m.Init(ctx) },
		func(rawID string, revoked bool) {
			id, err := strconv.ParseInt(rawID, 10, 64)
			if err != nil {
				m.logger.Error("invalid agent id in revocation signal", zap.String("raw", rawID))
				return
			}

			m.mu.Lock()
			if revoked {
				m.revoked[id] = struct{}{}
			} else {
				delete(m.revoked, id)
			}
			m.mu.Unlock()

			m.logger.Info("revocation state changed",
				zap.Int64("agent_id", id), zap.Bool("revoked", revoked))
		},
	)
}

func (m *RevocationManager) IsRevoked(agentID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, revoked := m.revoked[agentID]
	return revoked
}
