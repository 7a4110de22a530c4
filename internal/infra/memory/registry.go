package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"quiz-session-service/internal/domain"
)

// Registry is an in-process implementation of app.SessionRegistry,
// used for single-node runs and tests. Records are stored as JSON so
// callers never share mutable state with the store, matching the redis
// implementation's semantics.
type Registry struct {
	ttl   time.Duration
	clock func() time.Time

	mu      sync.Mutex
	leases  map[string]domain.Lease
	records map[string][]byte
}

func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{
		ttl:     ttl,
		clock:   time.Now,
		leases:  make(map[string]domain.Lease),
		records: make(map[string][]byte),
	}
}

// NewRegistryWithClock is test-only for deterministic lease expiry.
func NewRegistryWithClock(ttl time.Duration, clock func() time.Time) *Registry {
	r := NewRegistry(ttl)
	r.clock = clock
	return r
}

func (r *Registry) Acquire(_ context.Context, sessionID, owner string) (domain.Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()
	if lease, ok := r.leases[sessionID]; ok && lease.ExpiresAt.After(now) && lease.Owner != owner {
		return domain.Lease{}, domain.ErrOwnershipConflict
	}
	lease := domain.Lease{SessionID: sessionID, Owner: owner, ExpiresAt: now.Add(r.ttl)}
	r.leases[sessionID] = lease
	return lease, nil
}

func (r *Registry) Renew(_ context.Context, lease domain.Lease) (domain.Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()
	current, ok := r.leases[lease.SessionID]
	if !ok || current.Owner != lease.Owner || !current.ExpiresAt.After(now) {
		return domain.Lease{}, domain.ErrLeaseExpired
	}
	current.ExpiresAt = now.Add(r.ttl)
	r.leases[lease.SessionID] = current
	return current, nil
}

func (r *Registry) Release(_ context.Context, lease domain.Lease) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.leases[lease.SessionID]; ok && current.Owner == lease.Owner {
		delete(r.leases, lease.SessionID)
	}
	return nil
}

func (r *Registry) SaveRecord(_ context.Context, rec domain.SessionRecord, prevVersion int64) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.records[rec.Session.ID]
	if !ok {
		if prevVersion != -1 {
			return domain.ErrOwnershipConflict
		}
		r.records[rec.Session.ID] = data
		return nil
	}
	var current domain.SessionRecord
	if err := json.Unmarshal(stored, &current); err != nil {
		return err
	}
	if current.Session.Version != prevVersion {
		return domain.ErrOwnershipConflict
	}
	r.records[rec.Session.ID] = data
	return nil
}

func (r *Registry) LoadRecord(_ context.Context, sessionID string) (domain.SessionRecord, error) {
	r.mu.Lock()
	data, ok := r.records[sessionID]
	r.mu.Unlock()
	if !ok {
		return domain.SessionRecord{}, domain.ErrSessionNotFound
	}
	var rec domain.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.SessionRecord{}, err
	}
	return rec, nil
}

func (r *Registry) DeleteRecord(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, sessionID)
	return nil
}

// ExpireLease is test-only: force the lease into the takeover-eligible
// state as if the owner crashed and stopped renewing.
func (r *Registry) ExpireLease(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lease, ok := r.leases[sessionID]; ok {
		lease.ExpiresAt = r.clock().Add(-time.Second)
		r.leases[sessionID] = lease
	}
}
