package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"quiz-session-service/internal/domain"
)

const relayChannel = "session:events"

// Relay carries session events across the fleet over redis pub/sub.
// The owning node publishes once; every node (the owner included, via
// loopback) delivers to its locally attached connections. Per-session
// ordering holds because each session has a single publisher and redis
// preserves publish order on a channel.
type Relay struct {
	client *redis.Client
}

func NewRelay(client *redis.Client) *Relay {
	return &Relay{client: client}
}

func (r *Relay) Publish(ctx context.Context, ev domain.DomainEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, relayChannel, data).Err(); err != nil {
		return fmt.Errorf("relay publish: %w", err)
	}
	return nil
}

func (r *Relay) Subscribe(ctx context.Context, handler func(domain.DomainEvent)) (func(), error) {
	pubsub := r.client.Subscribe(ctx, relayChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("relay subscribe: %w", err)
	}
	go func() {
		for msg := range pubsub.Channel() {
			var ev domain.DomainEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("relay: dropping malformed event: %v", err)
				continue
			}
			handler(ev)
		}
	}()
	return func() { _ = pubsub.Close() }, nil
}
