package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ConnectionIndex mirrors live connection registrations into redis so
// any node can resolve a session's connections, independent of which
// node owns session state. Liveness keys expire on their own when a
// connection stops heartbeating; Connections prunes dead members as a
// side effect.
type ConnectionIndex struct {
	client       *redis.Client
	heartbeatTTL time.Duration
}

func NewConnectionIndex(client *redis.Client, heartbeatTTL time.Duration) *ConnectionIndex {
	return &ConnectionIndex{client: client, heartbeatTTL: heartbeatTTL}
}

func (c *ConnectionIndex) Add(ctx context.Context, sessionID, participantID, connID string) error {
	pipe := c.client.Pipeline()
	pipe.HSet(ctx, c.connsKey(sessionID), connID, participantID)
	pipe.Set(ctx, c.aliveKey(connID), sessionID, c.heartbeatTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index add: %w", err)
	}
	return nil
}

func (c *ConnectionIndex) Remove(ctx context.Context, sessionID, connID string) error {
	pipe := c.client.Pipeline()
	pipe.HDel(ctx, c.connsKey(sessionID), connID)
	pipe.Del(ctx, c.aliveKey(connID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index remove: %w", err)
	}
	return nil
}

func (c *ConnectionIndex) Heartbeat(ctx context.Context, connID string) error {
	// A zero result means the liveness key already expired; the next
	// Connections call will prune the registration.
	return c.client.PExpire(ctx, c.aliveKey(connID), c.heartbeatTTL).Err()
}

func (c *ConnectionIndex) Connections(ctx context.Context, sessionID string) ([]string, error) {
	members, err := c.client.HKeys(ctx, c.connsKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("index list: %w", err)
	}
	live := make([]string, 0, len(members))
	for _, connID := range members {
		exists, err := c.client.Exists(ctx, c.aliveKey(connID)).Result()
		if err != nil {
			return nil, fmt.Errorf("index liveness: %w", err)
		}
		if exists == 0 {
			_ = c.client.HDel(ctx, c.connsKey(sessionID), connID).Err()
			continue
		}
		live = append(live, connID)
	}
	return live, nil
}

func (c *ConnectionIndex) connsKey(sessionID string) string {
	return "session:conns:" + sessionID
}

func (c *ConnectionIndex) aliveKey(connID string) string {
	return "conn:alive:" + connID
}
