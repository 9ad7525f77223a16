package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collab.evalgo.org/clock"
	"collab.evalgo.org/docstore"
	"collab.evalgo.org/history"
	"collab.evalgo.org/lock"
	"collab.evalgo.org/model"
	"collab.evalgo.org/persist"
	"collab.evalgo.org/pipeline"
	"collab.evalgo.org/presence"
	"collab.evalgo.org/state"
)

type rig struct {
	server *httptest.Server
	store  docstore.Store
}

func newRig(t *testing.T) *rig {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store, err := docstore.NewBoltStore(filepath.Join(t.TempDir(), "collab.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	writer := persist.NewWriter(store)
	writer.Debounce = 20 * time.Millisecond
	hist := history.NewLog(store)

	var gw *Gateway
	pipe := pipeline.New(clock.New(), state.New(client), store, writer, hist,
		broadcasterFunc(func(d, ex, ev string, data interface{}) { gw.Broadcast(d, ex, ev, data) }))
	t.Cleanup(pipe.Drain)

	gw = New(pipe, presence.New(client), lock.New(client), hist, nil)

	e := echo.New()
	e.GET("/ws", gw.Handle)
	server := httptest.NewServer(e)
	t.Cleanup(server.Close)

	return &rig{server: server, store: store}
}

type broadcasterFunc func(diagramID, excludeClientID, event string, data interface{})

func (f broadcasterFunc) Broadcast(d, ex, ev string, data interface{}) { f(d, ex, ev, data) }

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, r *rig) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(r.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) send(event string, data interface{}) {
	c.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(c.t, err)
	msg, err := json.Marshal(Envelope{Event: event, Data: raw})
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, msg))
}

// expect reads frames until one with the wanted event arrives, decoding its
// data into out. Other events (presence chatter) are skipped.
func (c *client) expect(event string, out interface{}) {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		_, raw, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "waiting for %s", event)

		var env Envelope
		require.NoError(c.t, json.Unmarshal(raw, &env))
		if env.Event != event {
			continue
		}
		if out != nil {
			require.NoError(c.t, json.Unmarshal(env.Data, out))
		}
		return
	}
}

func (c *client) authenticate(userID, userName string) string {
	c.t.Helper()
	c.send(EventAuthenticate, AuthenticateData{UserID: userID, UserName: userName})
	var ack AuthenticatedData
	c.expect(EventAuthenticated, &ack)
	require.True(c.t, ack.Success)
	return ack.ClientID
}

func (c *client) join(diagramID string) StateSyncData {
	c.t.Helper()
	c.send(EventJoinProject, JoinProjectData{DiagramID: diagramID})
	var sync StateSyncData
	c.expect(EventStateSync, &sync)
	return sync
}

func TestJoinEmptyDiagram(t *testing.T) {
	r := newRig(t)
	c := dial(t, r)

	c.authenticate("u1", "Ada")
	sync := c.join("d1")

	require.NotNil(t, sync.State)
	assert.Equal(t, int64(0), sync.State.Version)
	assert.Empty(t, sync.State.Entities)
	assert.Len(t, sync.OnlineUsers, 1)
	assert.Empty(t, sync.Locks)
	assert.Empty(t, sync.History)
	assert.Empty(t, sync.Warning)
}

func TestSecondJoinerSeesFirst(t *testing.T) {
	r := newRig(t)

	c1 := dial(t, r)
	c1.authenticate("u1", "Ada")
	c1.join("d1")

	c2 := dial(t, r)
	c2.authenticate("u2", "Bob")
	sync := c2.join("d1")
	assert.Len(t, sync.OnlineUsers, 2)

	// The first client is told about the newcomer.
	var joined UserJoinedData
	c1.expect(EventUserJoined, &joined)
	assert.Equal(t, "u2", joined.UserID)
	assert.Len(t, joined.OnlineUsers, 2)
}

func TestOperationFanOut(t *testing.T) {
	r := newRig(t)

	c1 := dial(t, r)
	c1.authenticate("u1", "Ada")
	c1.join("d1")

	c2 := dial(t, r)
	c2.authenticate("u2", "Bob")
	c2.join("d1")
	c1.expect(EventUserJoined, nil)

	entity, _ := json.Marshal(model.Entity{ID: "e1", Name: "users"})
	c1.send(EventOperation, model.Operation{
		ID:           "op1",
		Type:         model.OpEntityCreate,
		LamportClock: 1,
		Payload:      entity,
	})

	// Receiver gets the op with the server apply timestamp; the sender
	// gets nothing (it already applied optimistically).
	var op model.Operation
	c2.expect(EventOperation, &op)
	assert.Equal(t, "op1", op.ID)
	assert.Equal(t, "u1", op.UserID)
	assert.NotZero(t, op.AppliedAt)

	// A late joiner sees the applied state.
	c3 := dial(t, r)
	c3.authenticate("u3", "Eve")
	sync := c3.join("d1")
	require.Len(t, sync.State.Entities, 1)
	assert.Equal(t, int64(1), sync.State.Version)
}

func TestUnauthenticatedOperationIsAnonymous(t *testing.T) {
	r := newRig(t)

	c1 := dial(t, r)
	c1.join("d1") // no authenticate first

	c2 := dial(t, r)
	c2.authenticate("u2", "Bob")
	c2.join("d1")
	c1.expect(EventUserJoined, nil)

	entity, _ := json.Marshal(model.Entity{ID: "e1", Name: "users"})
	c1.send(EventOperation, model.Operation{ID: "op1", Type: model.OpEntityCreate, LamportClock: 1, Payload: entity})

	var op model.Operation
	c2.expect(EventOperation, &op)
	assert.Equal(t, "anonymous", op.UserID)
}

func TestInvalidOperationIsRejected(t *testing.T) {
	r := newRig(t)

	c := dial(t, r)
	c.authenticate("u1", "Ada")
	c.join("d1")

	c.send(EventOperation, model.Operation{ID: "op1", Type: "BOGUS"})

	var rejected OpRejectedData
	c.expect(EventOpRejected, &rejected)
	assert.Equal(t, "op1", rejected.OperationID)
	assert.Contains(t, rejected.Reason, "unknown operation type")
}

func TestCursorFanOut(t *testing.T) {
	r := newRig(t)

	c1 := dial(t, r)
	clientID1 := c1.authenticate("u1", "Ada")
	c1.join("d1")

	c2 := dial(t, r)
	c2.authenticate("u2", "Bob")
	c2.join("d1")
	c1.expect(EventUserJoined, nil)

	c1.send(EventCursorMove, CursorMoveData{X: 100, Y: 200})

	var cursor CursorUpdateData
	c2.expect(EventCursorUpdate, &cursor)
	assert.Equal(t, clientID1, cursor.ClientID)
	assert.Equal(t, "u1", cursor.UserID)
	assert.Equal(t, 100.0, cursor.X)
}

func TestLockProtocol(t *testing.T) {
	r := newRig(t)

	c1 := dial(t, r)
	c1.authenticate("u1", "Ada")
	c1.join("d1")

	c2 := dial(t, r)
	c2.authenticate("u2", "Bob")
	c2.join("d1")
	c1.expect(EventUserJoined, nil)

	// First requester wins and everyone hears about it.
	c1.send(EventRequestLock, LockRequestData{EntityID: "e1"})
	var result LockResultData
	c1.expect(EventLockResult, &result)
	assert.True(t, result.Success)
	var acquired LockChangeData
	c2.expect(EventLockAcquired, &acquired)
	assert.Equal(t, "e1", acquired.EntityID)
	assert.Equal(t, "u1", acquired.UserID)

	// Second requester is told who holds it, privately.
	c2.send(EventRequestLock, LockRequestData{EntityID: "e1"})
	c2.expect(EventLockResult, &result)
	assert.False(t, result.Success)
	require.NotNil(t, result.Holder)
	assert.Equal(t, "u1", result.Holder.UserID)

	// Release fans out.
	c1.send(EventReleaseLock, LockRequestData{EntityID: "e1"})
	var released LockChangeData
	c2.expect(EventLockReleased, &released)
	assert.Equal(t, "e1", released.EntityID)
}

func TestDisconnectCleansUp(t *testing.T) {
	r := newRig(t)

	c1 := dial(t, r)
	c1.authenticate("u1", "Ada")
	c1.join("d1")
	c1.send(EventRequestLock, LockRequestData{EntityID: "e1"})
	c1.expect(EventLockResult, nil)

	c2 := dial(t, r)
	c2.authenticate("u2", "Bob")
	c2.join("d1")
	c1.expect(EventUserJoined, nil)

	c1.conn.Close()

	// The departing user's lock is released and the room hears user_left.
	var released LockChangeData
	c2.expect(EventLockReleased, &released)
	assert.Equal(t, "e1", released.EntityID)

	var left UserLeftData
	c2.expect(EventUserLeft, &left)
	assert.Equal(t, "u1", left.UserID)
	assert.Len(t, left.OnlineUsers, 1)
}

// A whole-diagram import close to real-world size must fit under the
// connection read limit and come out the other side applied.
func TestLargeImportSurvivesReadLimit(t *testing.T) {
	r := newRig(t)

	c1 := dial(t, r)
	c1.authenticate("u1", "Ada")
	c1.join("d1")

	c2 := dial(t, r)
	c2.authenticate("u2", "Bob")
	c2.join("d1")
	c1.expect(EventUserJoined, nil)

	// ~10 MiB of entities, well inside the 16 MiB limit.
	comment := strings.Repeat("x", 2048)
	entities := make([]model.Entity, 5000)
	for i := range entities {
		entities[i] = model.Entity{
			ID:      fmt.Sprintf("e%d", i),
			Name:    fmt.Sprintf("table_%d", i),
			Comment: comment,
		}
	}
	payload, err := json.Marshal(map[string]interface{}{
		"overwrite": true,
		"entities":  entities,
	})
	require.NoError(t, err)
	require.Greater(t, len(payload), 10<<20)

	c1.send(EventOperation, model.Operation{
		ID:           "op1",
		Type:         model.OpERDImport,
		LamportClock: 1,
		Payload:      payload,
	})

	var op model.Operation
	c2.expect(EventOperation, &op)
	assert.Equal(t, "op1", op.ID)

	c3 := dial(t, r)
	c3.authenticate("u3", "Eve")
	sync := c3.join("d1")
	assert.Len(t, sync.State.Entities, 5000)
}

func TestBroadcastReachesManySessions(t *testing.T) {
	r := newRig(t)

	sender := dial(t, r)
	sender.authenticate("u0", "Ada")
	sender.join("d1")

	receivers := make([]*client, 50)
	for i := range receivers {
		c := dial(t, r)
		c.authenticate(fmt.Sprintf("u%d", i+1), fmt.Sprintf("User %d", i+1))
		c.join("d1")
		receivers[i] = c
	}

	entity, _ := json.Marshal(model.Entity{ID: "e1", Name: "users"})
	sender.send(EventOperation, model.Operation{
		ID:           "op1",
		Type:         model.OpEntityCreate,
		LamportClock: 1,
		Payload:      entity,
	})

	// Every joined session except the sender receives the operation,
	// regardless of room size.
	for _, c := range receivers {
		var op model.Operation
		c.expect(EventOperation, &op)
		assert.Equal(t, "op1", op.ID)
	}
}

func TestStateSyncIncludesHistoryAndLocks(t *testing.T) {
	r := newRig(t)

	c1 := dial(t, r)
	c1.authenticate("u1", "Ada")
	c1.join("d1")

	entity, _ := json.Marshal(model.Entity{ID: "e1", Name: "users"})
	c1.send(EventOperation, model.Operation{ID: "op1", Type: model.OpEntityCreate, LamportClock: 1, Payload: entity})
	c1.send(EventRequestLock, LockRequestData{EntityID: "e1"})
	c1.expect(EventLockResult, nil)

	// Give the pipeline time to apply and record history.
	require.Eventually(t, func() bool {
		entries, err := r.store.RecentHistory(context.Background(), "d1", 0)
		return err == nil && len(entries) == 1
	}, 2*time.Second, 10*time.Millisecond)

	c2 := dial(t, r)
	c2.authenticate("u2", "Bob")
	sync := c2.join("d1")

	require.Len(t, sync.History, 1)
	assert.Equal(t, model.OpEntityCreate, sync.History[0].OperationType)
	require.Contains(t, sync.Locks, "e1")
	assert.Equal(t, "u1", sync.Locks["e1"].UserID)
}
