package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"quiz-session-service/internal/domain"
)

// Registry implements app.SessionRegistry on the shared redis store.
// Leases are `SET NX PX` keys checked-and-extended through Lua so only
// the holder can renew or release; session records are JSON blobs
// guarded by a version key compared-and-swapped in the same script.
type Registry struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRegistry(client *redis.Client, ttl time.Duration) *Registry {
	return &Registry{client: client, ttl: ttl}
}

var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

var saveRecordScript = redis.NewScript(`
local v = redis.call("get", KEYS[1])
if (not v and tonumber(ARGV[1]) == -1) or (v and tonumber(v) == tonumber(ARGV[1])) then
	redis.call("set", KEYS[1], ARGV[2])
	redis.call("set", KEYS[2], ARGV[3])
	return 1
end
return 0
`)

func (r *Registry) Acquire(ctx context.Context, sessionID, owner string) (domain.Lease, error) {
	ok, err := r.client.SetNX(ctx, r.leaseKey(sessionID), owner, r.ttl).Result()
	if err != nil {
		return domain.Lease{}, fmt.Errorf("acquire lease: %w", err)
	}
	lease := domain.Lease{SessionID: sessionID, Owner: owner, ExpiresAt: time.Now().Add(r.ttl)}
	if ok {
		return lease, nil
	}
	// Re-acquisition by the current holder just extends the lease.
	holder, err := r.client.Get(ctx, r.leaseKey(sessionID)).Result()
	if err == nil && holder == owner {
		if _, err := r.Renew(ctx, lease); err == nil {
			return lease, nil
		}
	}
	return domain.Lease{}, domain.ErrOwnershipConflict
}

func (r *Registry) Renew(ctx context.Context, lease domain.Lease) (domain.Lease, error) {
	res, err := renewScript.Run(ctx, r.client, []string{r.leaseKey(lease.SessionID)}, lease.Owner, r.ttl.Milliseconds()).Int()
	if err != nil {
		return domain.Lease{}, fmt.Errorf("renew lease: %w", err)
	}
	if res == 0 {
		return domain.Lease{}, domain.ErrLeaseExpired
	}
	lease.ExpiresAt = time.Now().Add(r.ttl)
	return lease, nil
}

func (r *Registry) Release(ctx context.Context, lease domain.Lease) error {
	_, err := releaseScript.Run(ctx, r.client, []string{r.leaseKey(lease.SessionID)}, lease.Owner).Result()
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func (r *Registry) SaveRecord(ctx context.Context, rec domain.SessionRecord, prevVersion int64) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	res, err := saveRecordScript.Run(ctx, r.client,
		[]string{r.versionKey(rec.Session.ID), r.recordKey(rec.Session.ID)},
		prevVersion, rec.Session.Version, string(data),
	).Int()
	if err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	if res == 0 {
		return domain.ErrOwnershipConflict
	}
	return nil
}

func (r *Registry) LoadRecord(ctx context.Context, sessionID string) (domain.SessionRecord, error) {
	data, err := r.client.Get(ctx, r.recordKey(sessionID)).Bytes()
	if err == redis.Nil {
		return domain.SessionRecord{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.SessionRecord{}, fmt.Errorf("load record: %w", err)
	}
	var rec domain.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.SessionRecord{}, fmt.Errorf("unmarshal record: %w", err)
	}
	return rec, nil
}

func (r *Registry) DeleteRecord(ctx context.Context, sessionID string) error {
	return r.client.Del(ctx, r.recordKey(sessionID), r.versionKey(sessionID)).Err()
}

func (r *Registry) leaseKey(sessionID string) string {
	return "session:lease:" + sessionID
}

func (r *Registry) recordKey(sessionID string) string {
	return "session:record:" + sessionID
}

func (r *Registry) versionKey(sessionID string) string {
	return "session:version:" + sessionID
}
