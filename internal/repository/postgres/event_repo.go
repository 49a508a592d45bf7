package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/iron-cage/budget-gate/internal/audit"
)

// WriteEventBatch — пакетная вставка протокольного трейла (одним INSERT).
// Вызывается воркером audit.Trail, не hot path'ом.
func (s *Store) WriteEventBatch(ctx context.Context, events []audit.ProtocolEvent) error {
	if len(events) == 0 {
		return nil
	}

	const numFields = 11
	var sb strings.Builder
	vals := make([]interface{}, 0, len(events)*numFields)

	for i, e := range events {
		p := i * numFields
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9, p+10, p+11)

		vals = append(vals,
			e.ID, e.TraceID, e.AgentID, e.Operation, e.LeaseID,
			e.Provider, e.Status, e.Amount, e.Error, e.DurationMs, e.Timestamp,
		)
	}

	query := fmt.Sprintf(
		"INSERT INTO protocol_events (id, trace_id, agent_id, operation, lease_id, provider, status, amount, error, duration_ms, timestamp) VALUES %s",
		sb.String(),
	)

	if _, err := s.pool.Exec(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: failed to write event batch: %w", err)
	}
	return nil
}
