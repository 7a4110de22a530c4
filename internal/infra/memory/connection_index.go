package memory

import (
	"context"
	"sync"
	"time"
)

// ConnectionIndex tracks connection registrations in process memory.
// It mirrors the contract of the redis index for single-node runs.
type ConnectionIndex struct {
	mu       sync.RWMutex
	sessions map[string]map[string]string // sessionID -> connID -> participantID
	beats    map[string]time.Time
	clock    func() time.Time
}

func NewConnectionIndex() *ConnectionIndex {
	return &ConnectionIndex{
		sessions: make(map[string]map[string]string),
		beats:    make(map[string]time.Time),
		clock:    time.Now,
	}
}

func (c *ConnectionIndex) Add(_ context.Context, sessionID, participantID, connID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[sessionID] == nil {
		c.sessions[sessionID] = make(map[string]string)
	}
	c.sessions[sessionID][connID] = participantID
	c.beats[connID] = c.clock()
	return nil
}

func (c *ConnectionIndex) Remove(_ context.Context, sessionID, connID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set := c.sessions[sessionID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(c.sessions, sessionID)
		}
	}
	delete(c.beats, connID)
	return nil
}

func (c *ConnectionIndex) Heartbeat(_ context.Context, connID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beats[connID] = c.clock()
	return nil
}

func (c *ConnectionIndex) Connections(_ context.Context, sessionID string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.sessions[sessionID]))
	for id := range c.sessions[sessionID] {
		ids = append(ids, id)
	}
	return ids, nil
}
