package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"

	"quiz-session-service/internal/domain"
)

// EventAppender writes the durable outbound event feed. Appends are
// at-least-once; the (session_id, sequence) primary key makes retried
// appends a no-op, so consumers see each event exactly once per key.
type EventAppender struct {
	pool *pgxpool.Pool
}

func NewEventAppender(pool *pgxpool.Pool) *EventAppender {
	return &EventAppender{pool: pool}
}

func (a *EventAppender) Append(ctx context.Context, ev domain.DomainEvent) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = a.pool.Exec(ctx, `
		INSERT INTO session_events (session_id, sequence, kind, payload, emitted_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, sequence) DO NOTHING`,
		ev.SessionID, ev.Seq, string(ev.Kind), payload, ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}
