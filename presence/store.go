// Package presence tracks which sessions are connected to a diagram and
// where their cursors are. Records are keyed by clientId, so one user in
// two tabs is two independent presences.
package presence

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

const (
	// DefaultSessionStale is how long a session may go without activity
	// before reads drop it.
	DefaultSessionStale = 30 * time.Second

	// DefaultCursorFresh is the window within which a cursor is reported.
	DefaultCursorFresh = 15 * time.Second

	// DefaultCursorTTL is the hash-level TTL refreshed on every cursor write.
	DefaultCursorTTL = 10 * time.Second
)

// Store manages session and cursor records in the cache store.
type Store struct {
	client *redis.Client

	// Staleness windows, overridable in tests.
	SessionStale time.Duration
	CursorFresh  time.Duration
	CursorTTL    time.Duration
}

// New creates a presence store with the default staleness windows.
func New(client *redis.Client) *Store {
	return &Store{
		client:       client,
		SessionStale: DefaultSessionStale,
		CursorFresh:  DefaultCursorFresh,
		CursorTTL:    DefaultCursorTTL,
	}
}

// Join upserts the session record for a client and returns the current
// session list for the diagram.
func (s *Store) Join(ctx context.Context, diagramID, clientID, userID, userName, userPicture string) ([]model.SessionRecord, error) {
	now := time.Now().UTC()
	rec := model.SessionRecord{
		UserID:      userID,
		ClientID:    clientID,
		UserName:    userName,
		UserPicture: userPicture,
		JoinedAt:    now,
		LastActive:  now,
	}

	// A rejoin (e.g. re-authenticate) keeps the original join time.
	if raw, err := s.client.HGet(ctx, cache.OnlineKey(diagramID), clientID).Result(); err == nil {
		var prev model.SessionRecord
		if json.Unmarshal([]byte(raw), &prev) == nil && !prev.JoinedAt.IsZero() {
			rec.JoinedAt = prev.JoinedAt
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session record: %w", err)
	}
	if err := s.client.HSet(ctx, cache.OnlineKey(diagramID), clientID, data).Err(); err != nil {
		return nil, fmt.Errorf("failed to store session record: %w", err)
	}
	return s.Sessions(ctx, diagramID)
}

// Leave removes a client's session and cursor and returns the remaining
// sessions. The cursor delete is explicit so a closed tab does not leave an
// orphaned cursor behind until the hash TTL fires.
func (s *Store) Leave(ctx context.Context, diagramID, clientID string) ([]model.SessionRecord, error) {
	if err := s.client.HDel(ctx, cache.OnlineKey(diagramID), clientID).Err(); err != nil {
		return nil, fmt.Errorf("failed to remove session record: %w", err)
	}
	if err := s.client.HDel(ctx, cache.CursorsKey(diagramID), clientID).Err(); err != nil {
		common.Logger.WithError(err).WithField("diagram", diagramID).Warn("Failed to remove cursor on leave")
	}
	return s.Sessions(ctx, diagramID)
}

// Sessions returns the live sessions for a diagram. Sessions whose
// lastActive is older than the staleness window are dropped while reading.
func (s *Store) Sessions(ctx context.Context, diagramID string) ([]model.SessionRecord, error) {
	fields, err := s.client.HGetAll(ctx, cache.OnlineKey(diagramID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions: %w", err)
	}

	now := time.Now().UTC()
	sessions := make([]model.SessionRecord, 0, len(fields))
	var stale []string
	for clientID, raw := range fields {
		var rec model.SessionRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			stale = append(stale, clientID)
			continue
		}
		if now.Sub(rec.LastActive) > s.SessionStale {
			stale = append(stale, clientID)
			continue
		}
		sessions = append(sessions, rec)
	}
	if len(stale) > 0 {
		if err := s.client.HDel(ctx, cache.OnlineKey(diagramID), stale...).Err(); err != nil {
			common.Logger.WithError(err).WithField("diagram", diagramID).Warn("Failed to reap stale sessions")
		}
	}
	return sessions, nil
}

// UpdateCursor upserts a client's cursor, refreshes the cursor hash TTL and
// bumps the session's lastActive.
func (s *Store) UpdateCursor(ctx context.Context, diagramID, userID, clientID string, x, y float64, viewport *model.Viewport) error {
	now := time.Now().UTC()
	rec := model.CursorRecord{
		UserID:      userID,
		X:           x,
		Y:           y,
		Viewport:    viewport,
		LastUpdated: now,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode cursor record: %w", err)
	}

	key := cache.CursorsKey(diagramID)
	if err := s.client.HSet(ctx, key, clientID, data).Err(); err != nil {
		return fmt.Errorf("failed to store cursor: %w", err)
	}
	if err := s.client.Expire(ctx, key, s.CursorTTL).Err(); err != nil {
		common.Logger.WithError(err).WithField("diagram", diagramID).Warn("Failed to refresh cursor TTL")
	}

	s.touchSession(ctx, diagramID, clientID, now)
	return nil
}

// Cursors returns the cursors updated within the freshness window, keyed by
// clientId.
func (s *Store) Cursors(ctx context.Context, diagramID string) (map[string]model.CursorRecord, error) {
	fields, err := s.client.HGetAll(ctx, cache.CursorsKey(diagramID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read cursors: %w", err)
	}

	now := time.Now().UTC()
	cursors := make(map[string]model.CursorRecord, len(fields))
	for clientID, raw := range fields {
		var rec model.CursorRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		if now.Sub(rec.LastUpdated) < s.CursorFresh {
			cursors[clientID] = rec
		}
	}
	return cursors, nil
}

// ClearUser removes every session and cursor belonging to a user, across
// all of their tabs. Called when a member is removed from a diagram.
func (s *Store) ClearUser(ctx context.Context, diagramID, userID string) error {
	fields, err := s.client.HGetAll(ctx, cache.OnlineKey(diagramID)).Result()
	if err != nil {
		return fmt.Errorf("failed to read sessions: %w", err)
	}
	for clientID, raw := range fields {
		var rec model.SessionRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil || rec.UserID != userID {
			continue
		}
		if err := s.client.HDel(ctx, cache.OnlineKey(diagramID), clientID).Err(); err != nil {
			return fmt.Errorf("failed to remove session record: %w", err)
		}
		if err := s.client.HDel(ctx, cache.CursorsKey(diagramID), clientID).Err(); err != nil {
			common.Logger.WithError(err).WithField("diagram", diagramID).Warn("Failed to remove cursor")
		}
	}
	return nil
}

// ClearAll wipes every presence key for a diagram. Used on diagram deletion.
func (s *Store) ClearAll(ctx context.Context, diagramID string) error {
	return cache.ClearProject(ctx, s.client, diagramID)
}

// touchSession bumps lastActive on the client's session record.
func (s *Store) touchSession(ctx context.Context, diagramID, clientID string, now time.Time) {
	raw, err := s.client.HGet(ctx, cache.OnlineKey(diagramID), clientID).Result()
	if err != nil {
		return
	}
	var rec model.SessionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return
	}
	rec.LastActive = now
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := s.client.HSet(ctx, cache.OnlineKey(diagramID), clientID, data).Err(); err != nil {
		common.Logger.WithError(err).WithField("diagram", diagramID).Warn("Failed to touch session")
	}
}
