// Package lock implements advisory per-element locks with a TTL. Locks are
// hints for UIs; the apply engine never consults them, and an ignored lock
// simply means Last-Writer-Wins decides.
package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"collab.evalgo.org/cache"
	"collab.evalgo.org/common"
	"collab.evalgo.org/model"
)

// DefaultTTL is the lock lifetime from acquisition or renewal.
const DefaultTTL = 30 * time.Second

// Result is the outcome of an acquire attempt. On failure, Holder carries
// the current owner so the client can display it.
type Result struct {
	OK     bool
	Holder *model.LockRecord
}

// Manager stores lock records in the per-diagram locks hash.
type Manager struct {
	client *redis.Client

	// TTL is the lock lifetime, overridable in tests.
	TTL time.Duration
}

// New creates a lock manager with the default TTL.
func New(client *redis.Client) *Manager {
	return &Manager{client: client, TTL: DefaultTTL}
}

// Acquire takes the lock on an element. It succeeds when the element is
// unlocked, the existing lock has expired, or the requester already holds
// it (re-entrant, refreshing the TTL). On conflict it returns the holder.
func (m *Manager) Acquire(ctx context.Context, diagramID, entityID, userID, userName string) (*Result, error) {
	existing, err := m.get(ctx, diagramID, entityID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if existing != nil && !existing.Expired(now) && existing.UserID != userID {
		return &Result{OK: false, Holder: existing}, nil
	}

	rec := model.LockRecord{
		UserID:    userID,
		UserName:  userName,
		LockedAt:  now,
		ExpiresAt: now.Add(m.TTL),
	}
	if err := m.put(ctx, diagramID, entityID, &rec); err != nil {
		return nil, err
	}
	return &Result{OK: true, Holder: &rec}, nil
}

// Release drops the lock. It succeeds only when the recorded holder matches
// the requester.
func (m *Manager) Release(ctx context.Context, diagramID, entityID, userID string) (bool, error) {
	existing, err := m.get(ctx, diagramID, entityID)
	if err != nil {
		return false, err
	}
	if existing == nil || existing.UserID != userID {
		return false, nil
	}
	if err := m.client.HDel(ctx, cache.LocksKey(diagramID), entityID).Err(); err != nil {
		return false, fmt.Errorf("failed to release lock: %w", err)
	}
	return true, nil
}

// Renew extends the holder's lock by the TTL. Clients call this as a
// heartbeat while editing.
func (m *Manager) Renew(ctx context.Context, diagramID, entityID, userID string) (bool, error) {
	existing, err := m.get(ctx, diagramID, entityID)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()
	if existing == nil || existing.Expired(now) || existing.UserID != userID {
		return false, nil
	}
	existing.ExpiresAt = now.Add(m.TTL)
	if err := m.put(ctx, diagramID, entityID, existing); err != nil {
		return false, err
	}
	return true, nil
}

// All returns the non-expired locks for a diagram, keyed by entity id.
// Expired records are lazily reaped while reading.
func (m *Manager) All(ctx context.Context, diagramID string) (map[string]model.LockRecord, error) {
	fields, err := m.client.HGetAll(ctx, cache.LocksKey(diagramID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read locks: %w", err)
	}

	now := time.Now().UTC()
	locks := make(map[string]model.LockRecord, len(fields))
	var expired []string
	for entityID, raw := range fields {
		var rec model.LockRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			expired = append(expired, entityID)
			continue
		}
		if rec.Expired(now) {
			expired = append(expired, entityID)
			continue
		}
		locks[entityID] = rec
	}
	if len(expired) > 0 {
		if err := m.client.HDel(ctx, cache.LocksKey(diagramID), expired...).Err(); err != nil {
			common.Logger.WithError(err).WithField("diagram", diagramID).Warn("Failed to reap expired locks")
		}
	}
	return locks, nil
}

// ReleaseAllByUser drops every lock a user holds on a diagram and returns
// the released entity ids. Called on session disconnect.
func (m *Manager) ReleaseAllByUser(ctx context.Context, diagramID, userID string) ([]string, error) {
	fields, err := m.client.HGetAll(ctx, cache.LocksKey(diagramID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read locks: %w", err)
	}

	var released []string
	for entityID, raw := range fields {
		var rec model.LockRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil || rec.UserID != userID {
			continue
		}
		if err := m.client.HDel(ctx, cache.LocksKey(diagramID), entityID).Err(); err != nil {
			return released, fmt.Errorf("failed to release lock on %s: %w", entityID, err)
		}
		released = append(released, entityID)
	}
	return released, nil
}

// ClearAll wipes the locks hash for a diagram. Used on diagram deletion.
func (m *Manager) ClearAll(ctx context.Context, diagramID string) error {
	if err := m.client.Del(ctx, cache.LocksKey(diagramID)).Err(); err != nil {
		return fmt.Errorf("failed to clear locks: %w", err)
	}
	return nil
}

func (m *Manager) get(ctx context.Context, diagramID, entityID string) (*model.LockRecord, error) {
	raw, err := m.client.HGet(ctx, cache.LocksKey(diagramID), entityID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock: %w", err)
	}
	var rec model.LockRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode lock record: %w", err)
	}
	return &rec, nil
}

func (m *Manager) put(ctx context.Context, diagramID, entityID string, rec *model.LockRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode lock record: %w", err)
	}
	if err := m.client.HSet(ctx, cache.LocksKey(diagramID), entityID, data).Err(); err != nil {
		return fmt.Errorf("failed to store lock record: %w", err)
	}
	return nil
}
