package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collab.evalgo.org/model"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client), mr
}

func TestJoinAndSessions(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sessions, err := store.Join(ctx, "d1", "c1", "u1", "Ada", "")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "u1", sessions[0].UserID)
	assert.Equal(t, "c1", sessions[0].ClientID)

	// Two tabs of the same user are two presences.
	sessions, err = store.Join(ctx, "d1", "c2", "u1", "Ada", "")
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestRejoinKeepsJoinedAt(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first, err := store.Join(ctx, "d1", "c1", "u1", "Ada", "")
	require.NoError(t, err)
	joinedAt := first[0].JoinedAt

	time.Sleep(10 * time.Millisecond)

	// Re-authentication refreshes identity but not the join time.
	again, err := store.Join(ctx, "d1", "c1", "u1", "Ada Lovelace", "pic.png")
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, joinedAt.Unix(), again[0].JoinedAt.Unix())
	assert.Equal(t, "Ada Lovelace", again[0].UserName)
}

func TestLeaveRemovesSessionAndCursor(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	_, err := store.Join(ctx, "d1", "c1", "u1", "Ada", "")
	require.NoError(t, err)
	_, err = store.Join(ctx, "d1", "c2", "u2", "Bob", "")
	require.NoError(t, err)
	require.NoError(t, store.UpdateCursor(ctx, "d1", "u1", "c1", 5, 5, nil))

	remaining, err := store.Leave(ctx, "d1", "c1")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "u2", remaining[0].UserID)

	// The leaving client's cursor goes away immediately, not via TTL.
	assert.Equal(t, "", mr.HGet("project:d1:cursors", "c1"))
}

func TestSessionsReapStale(t *testing.T) {
	store, _ := newTestStore(t)
	store.SessionStale = 50 * time.Millisecond
	ctx := context.Background()

	_, err := store.Join(ctx, "d1", "c1", "u1", "Ada", "")
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	sessions, err := store.Sessions(ctx, "d1")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestCursorsFreshnessWindow(t *testing.T) {
	store, _ := newTestStore(t)
	store.CursorFresh = 50 * time.Millisecond
	ctx := context.Background()

	_, err := store.Join(ctx, "d1", "c1", "u1", "Ada", "")
	require.NoError(t, err)
	require.NoError(t, store.UpdateCursor(ctx, "d1", "u1", "c1", 10, 20, &model.Viewport{Zoom: 1.5}))

	cursors, err := store.Cursors(ctx, "d1")
	require.NoError(t, err)
	require.Contains(t, cursors, "c1")
	assert.Equal(t, 10.0, cursors["c1"].X)
	assert.Equal(t, 1.5, cursors["c1"].Viewport.Zoom)

	time.Sleep(60 * time.Millisecond)

	cursors, err = store.Cursors(ctx, "d1")
	require.NoError(t, err)
	assert.Empty(t, cursors)
}

func TestUpdateCursorBumpsLastActive(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first, err := store.Join(ctx, "d1", "c1", "u1", "Ada", "")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, store.UpdateCursor(ctx, "d1", "u1", "c1", 1, 1, nil))

	sessions, err := store.Sessions(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].LastActive.After(first[0].LastActive))
}

func TestClearUserRemovesAllTabs(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Join(ctx, "d1", "c1", "u1", "Ada", "")
	require.NoError(t, err)
	_, err = store.Join(ctx, "d1", "c2", "u1", "Ada", "")
	require.NoError(t, err)
	_, err = store.Join(ctx, "d1", "c3", "u2", "Bob", "")
	require.NoError(t, err)

	require.NoError(t, store.ClearUser(ctx, "d1", "u1"))

	sessions, err := store.Sessions(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "u2", sessions[0].UserID)
}

func TestClearAllWipesProjectKeys(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	_, err := store.Join(ctx, "d1", "c1", "u1", "Ada", "")
	require.NoError(t, err)
	require.NoError(t, store.UpdateCursor(ctx, "d1", "u1", "c1", 1, 1, nil))

	require.NoError(t, store.ClearAll(ctx, "d1"))

	assert.False(t, mr.Exists("project:d1:online"))
	assert.False(t, mr.Exists("project:d1:cursors"))
}
