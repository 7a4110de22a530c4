package memory

import (
	"context"
	"sync"

	"quiz-session-service/internal/domain"
)

// EventLog is an append-only in-memory event feed, used as the sink
// for single-node runs and as the assertion point in tests.
type EventLog struct {
	mu     sync.Mutex
	events []domain.DomainEvent
}

func NewEventLog() *EventLog {
	return &EventLog{}
}

func (l *EventLog) Append(_ context.Context, ev domain.DomainEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

// Events returns a copy of everything appended so far.
func (l *EventLog) Events() []domain.DomainEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.DomainEvent(nil), l.events...)
}

// SessionEvents filters the log by session, preserving append order.
func (l *EventLog) SessionEvents(sessionID string) []domain.DomainEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.DomainEvent, 0, len(l.events))
	for _, ev := range l.events {
		if ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	return out
}
