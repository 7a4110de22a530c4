package app

import (
	"context"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"quiz-session-service/internal/domain"
)

// Publisher drains domain events into the durable feed without ever
// blocking session progression: Publish enqueues and returns, appends
// retry with bounded exponential backoff, and exhausting the retry
// budget logs an operational alert and moves on. The feed contract is
// at-least-once; consumers dedupe on (sessionID, sequence).
type Publisher struct {
	sink       EventSink
	queue      chan domain.DomainEvent
	maxRetries uint64
	interval   time.Duration
}

func NewPublisher(sink EventSink, queueSize int, maxRetries uint64, interval time.Duration) *Publisher {
	if queueSize <= 0 {
		queueSize = 256
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Publisher{
		sink:       sink,
		queue:      make(chan domain.DomainEvent, queueSize),
		maxRetries: maxRetries,
		interval:   interval,
	}
}

// Publish hands an event to the appender. If the queue is saturated
// the event is dropped with an alert; the live session must not stall
// because the analytics sink is behind.
func (p *Publisher) Publish(ev domain.DomainEvent) {
	select {
	case p.queue <- ev:
	default:
		log.Printf("ALERT: event queue full, dropping session %s seq %d (%s)", ev.SessionID, ev.Seq, ev.Kind)
	}
}

// Run appends queued events until ctx is canceled, then drains what is
// already buffered (the grace window for late event delivery).
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-p.queue:
					p.append(context.Background(), ev)
				default:
					return
				}
			}
		case ev := <-p.queue:
			p.append(ctx, ev)
		}
	}
}

func (p *Publisher) append(ctx context.Context, ev domain.DomainEvent) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.interval
	bo.MaxElapsedTime = 0 // bounded by retry count, not wall clock

	op := func() error {
		return p.sink.Append(ctx, ev)
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, p.maxRetries), ctx))
	if err != nil {
		log.Printf("ALERT: event publish budget exhausted for session %s seq %d: %v", ev.SessionID, ev.Seq, err)
	}
}
