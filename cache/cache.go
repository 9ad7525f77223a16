// Package cache wraps the Redis-protocol hot store used for diagram state,
// presence, cursors and locks. The key layout is stable because operational
// tooling inspects these keys directly:
//
//	project:{id}:state    hash: entities, relationships, screens, flows, version, lastUpdatedAt
//	project:{id}:online   hash: clientId -> session record (JSON)
//	project:{id}:cursors  hash: clientId -> cursor record (JSON), hash TTL 10s
//	project:{id}:locks    hash: entityId -> lock record (JSON)
//
// Works against Redis, Valkey and DragonflyDB.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key builders for the per-project key layout.

func StateKey(diagramID string) string   { return "project:" + diagramID + ":state" }
func OnlineKey(diagramID string) string  { return "project:" + diagramID + ":online" }
func CursorsKey(diagramID string) string { return "project:" + diagramID + ":cursors" }
func LocksKey(diagramID string) string   { return "project:" + diagramID + ":locks" }

// ProjectPattern matches every key belonging to a diagram.
func ProjectPattern(diagramID string) string { return "project:" + diagramID + ":*" }

// NewClient connects to the cache store and verifies the connection.
// The URL uses the redis scheme, e.g. "redis://:password@localhost:6379/0".
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cache store URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to cache store: %w", err)
	}

	return client, nil
}

// ClearProject deletes every key under project:{id}:* using a cursor-based
// scan. Called when a diagram is deleted.
func ClearProject(ctx context.Context, client *redis.Client, diagramID string) error {
	var cursor uint64
	for {
		keys, next, err := client.Scan(ctx, cursor, ProjectPattern(diagramID), 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan project keys: %w", err)
		}
		if len(keys) > 0 {
			if err := client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete project keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
