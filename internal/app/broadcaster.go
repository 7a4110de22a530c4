package app

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"quiz-session-service/internal/domain"
)

// Channel is one participant-facing push channel. Send must be safe to
// call from the broadcaster's delivery goroutine.
type Channel interface {
	Send(ev domain.DomainEvent) error
}

// Broadcaster tracks live connections per session and fans session
// events out to them. Delivery is at-most-once per connection per
// event, in event sequence order, and a slow or dead connection never
// delays the others: each connection has its own bounded queue and
// delivery goroutine, with drop-oldest on backlog. A connection that
// fails delivery maxFailures times in a row is marked stale and
// removed; the participant resynchronizes on reconnect via the
// catch-up snapshot.
//
// Connections are tracked independently of session ownership. With a
// relay configured, the owning node publishes through it and every
// node (owner included) delivers to its locally attached connections,
// so ownership handoff never drops a connection.
type Broadcaster struct {
	index ConnectionIndex // optional, mirrors registrations fleet-wide
	relay EventRelay      // optional, cross-node delivery

	buffer           int
	maxFailures      int
	heartbeatTimeout time.Duration
	now              func() time.Time

	mu       sync.RWMutex
	conns    map[string]*connection
	sessions map[string]map[string]*connection
}

type connection struct {
	id            string
	sessionID     string
	participantID string
	channel       Channel
	queue         chan domain.DomainEvent
	done          chan struct{}
	lastHeartbeat time.Time
}

type BroadcasterOption func(*Broadcaster)

// WithConnectionIndex mirrors registrations into the shared store.
func WithConnectionIndex(index ConnectionIndex) BroadcasterOption {
	return func(b *Broadcaster) { b.index = index }
}

// WithRelay routes publishes through a cross-node relay.
func WithRelay(relay EventRelay) BroadcasterOption {
	return func(b *Broadcaster) { b.relay = relay }
}

// WithHeartbeatTimeout overrides how long a silent connection survives.
func WithHeartbeatTimeout(d time.Duration) BroadcasterOption {
	return func(b *Broadcaster) { b.heartbeatTimeout = d }
}

// WithClock is test-only for deterministic heartbeat timing.
func WithClock(now func() time.Time) BroadcasterOption {
	return func(b *Broadcaster) { b.now = now }
}

func NewBroadcaster(buffer, maxFailures int, opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		buffer:           buffer,
		maxFailures:      maxFailures,
		heartbeatTimeout: 30 * time.Second,
		now:              time.Now,
		conns:            make(map[string]*connection),
		sessions:         make(map[string]map[string]*connection),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run wires the relay subscription and the heartbeat reaper until ctx
// is canceled. It must be started before Publish when a relay is set.
func (b *Broadcaster) Run(ctx context.Context) error {
	if b.relay != nil {
		cancel, err := b.relay.Subscribe(ctx, b.deliverLocal)
		if err != nil {
			return err
		}
		defer cancel()
	}

	ticker := time.NewTicker(b.heartbeatTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.reapStale(ctx)
		}
	}
}

// Register attaches a channel to a session and returns the connection
// ID the caller uses for heartbeats and deregistration.
func (b *Broadcaster) Register(ctx context.Context, sessionID, participantID string, ch Channel) (string, error) {
	conn := &connection{
		id:            uuid.NewString(),
		sessionID:     sessionID,
		participantID: participantID,
		channel:       ch,
		queue:         make(chan domain.DomainEvent, b.buffer),
		done:          make(chan struct{}),
		lastHeartbeat: b.now(),
	}

	b.mu.Lock()
	b.conns[conn.id] = conn
	if b.sessions[sessionID] == nil {
		b.sessions[sessionID] = make(map[string]*connection)
	}
	b.sessions[sessionID][conn.id] = conn
	b.mu.Unlock()

	if b.index != nil {
		if err := b.index.Add(ctx, sessionID, participantID, conn.id); err != nil {
			log.Printf("connection index add failed for %s: %v", conn.id, err)
		}
	}

	go b.deliverLoop(conn)
	return conn.id, nil
}

// Deregister removes a connection from the fan-out set.
func (b *Broadcaster) Deregister(ctx context.Context, connID string) {
	b.mu.Lock()
	conn, ok := b.conns[connID]
	if ok {
		delete(b.conns, connID)
		if set := b.sessions[conn.sessionID]; set != nil {
			delete(set, connID)
			if len(set) == 0 {
				delete(b.sessions, conn.sessionID)
			}
		}
		close(conn.done)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	if b.index != nil {
		if err := b.index.Remove(ctx, conn.sessionID, connID); err != nil {
			log.Printf("connection index remove failed for %s: %v", connID, err)
		}
	}
}

// Heartbeat marks the connection live.
func (b *Broadcaster) Heartbeat(ctx context.Context, connID string) {
	b.mu.Lock()
	if conn, ok := b.conns[connID]; ok {
		conn.lastHeartbeat = b.now()
	}
	b.mu.Unlock()
	if b.index != nil {
		_ = b.index.Heartbeat(ctx, connID)
	}
}

// ResolveChannels returns the connection IDs registered for a session,
// fleet-wide when a shared index is configured.
func (b *Broadcaster) ResolveChannels(ctx context.Context, sessionID string) ([]string, error) {
	if b.index != nil {
		return b.index.Connections(ctx, sessionID)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.sessions[sessionID]))
	for id := range b.sessions[sessionID] {
		ids = append(ids, id)
	}
	return ids, nil
}

// Publish delivers an event to every connection of its session. With a
// relay configured the event goes through the shared channel so other
// nodes deliver to their connections too; the relay loops back to this
// node's own subscription for local delivery.
func (b *Broadcaster) Publish(ctx context.Context, ev domain.DomainEvent) {
	if b.relay != nil {
		if err := b.relay.Publish(ctx, ev); err != nil {
			log.Printf("relay publish failed for session %s seq %d: %v", ev.SessionID, ev.Seq, err)
			b.deliverLocal(ev)
		}
		return
	}
	b.deliverLocal(ev)
}

func (b *Broadcaster) deliverLocal(ev domain.DomainEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, conn := range b.sessions[ev.SessionID] {
		select {
		case conn.queue <- ev:
		default:
			// Sustained backlog: drop the oldest queued event so the
			// connection keeps seeing fresh state instead of stalling
			// everyone else.
			select {
			case <-conn.queue:
			default:
			}
			select {
			case conn.queue <- ev:
			default:
			}
		}
	}
}

// deliverLoop is the single writer for one connection, which preserves
// per-session ordering end to end.
func (b *Broadcaster) deliverLoop(conn *connection) {
	failures := 0
	for {
		select {
		case <-conn.done:
			return
		case ev := <-conn.queue:
			if err := conn.channel.Send(ev); err != nil {
				failures++
				if failures >= b.maxFailures {
					log.Printf("connection %s stale after %d failed deliveries", conn.id, failures)
					b.Deregister(context.Background(), conn.id)
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (b *Broadcaster) reapStale(ctx context.Context) {
	cutoff := b.now().Add(-b.heartbeatTimeout)
	var stale []string
	b.mu.RLock()
	for id, conn := range b.conns {
		if conn.lastHeartbeat.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	b.mu.RUnlock()
	for _, id := range stale {
		log.Printf("connection %s missed heartbeats, deregistering", id)
		b.Deregister(ctx, id)
	}
}
