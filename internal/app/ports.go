package app

import (
	"context"

	"quiz-session-service/internal/domain"
)

// SessionRegistry is the fleet-wide coordination substrate: exclusive
// leases per session plus the durable, versioned session record an
// owner persists after every mutation. A node taking over an expired
// lease resumes from the last stored record, keyed by version, so no
// transition is replayed twice.
type SessionRegistry interface {
	// Acquire grants the lease to exactly one caller per session;
	// concurrent callers get ErrOwnershipConflict until the lease
	// expires or is released.
	Acquire(ctx context.Context, sessionID, owner string) (domain.Lease, error)
	// Renew extends a held lease; ErrLeaseExpired means ownership is
	// gone and the session is eligible for takeover elsewhere.
	Renew(ctx context.Context, lease domain.Lease) (domain.Lease, error)
	Release(ctx context.Context, lease domain.Lease) error

	// SaveRecord stores the record iff the stored version still equals
	// prevVersion (-1 means the record must not exist yet). A mismatch
	// returns ErrOwnershipConflict: another node won the session.
	SaveRecord(ctx context.Context, rec domain.SessionRecord, prevVersion int64) error
	LoadRecord(ctx context.Context, sessionID string) (domain.SessionRecord, error)
	DeleteRecord(ctx context.Context, sessionID string) error
}

// QuizRepository loads quiz content (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// EventSink is the durable outbound feed consumed by analytics.
// Append is at-least-once; consumers dedupe on (sessionID, sequence).
type EventSink interface {
	Append(ctx context.Context, ev domain.DomainEvent) error
}

// EventRelay carries session events across nodes so every node can fan
// out to its locally attached connections regardless of which node
// owns the session.
type EventRelay interface {
	Publish(ctx context.Context, ev domain.DomainEvent) error
	// Subscribe invokes handler for every relayed event until the
	// returned cancel func is called.
	Subscribe(ctx context.Context, handler func(domain.DomainEvent)) (func(), error)
}

// ConnectionIndex mirrors live connection registrations into the shared
// store so broadcaster lookups resolve fleet-wide, not just in the
// memory of the owning node.
type ConnectionIndex interface {
	Add(ctx context.Context, sessionID, participantID, connID string) error
	Remove(ctx context.Context, sessionID, connID string) error
	Heartbeat(ctx context.Context, connID string) error
	Connections(ctx context.Context, sessionID string) ([]string, error)
}
