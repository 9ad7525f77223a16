// Package gateway terminates WebSocket connections and translates between
// the wire protocol and the collaboration core. It owns the room registry
// used for fan-out; the pipeline calls back into it through the Broadcaster
// interface.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"collab.evalgo.org/common"
	"collab.evalgo.org/history"
	"collab.evalgo.org/lock"
	"collab.evalgo.org/model"
	"collab.evalgo.org/pipeline"
	"collab.evalgo.org/presence"
)

// readLimit accepts whole-diagram import payloads. The protocol promises at
// least 10 MiB; 16 MiB leaves headroom for envelope overhead.
const readLimit = 16 << 20

// Gateway is the WebSocket hub. Sessions register into per-diagram rooms;
// everything the core broadcasts flows through the room registry.
type Gateway struct {
	pipeline *pipeline.Pipeline
	presence *presence.Store
	locks    *lock.Manager
	history  *history.Log

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]map[*Session]struct{}
}

// New creates a gateway. checkOrigin decides which Origin headers may
// upgrade; a nil checkOrigin accepts everything (development mode).
func New(p *pipeline.Pipeline, pres *presence.Store, locks *lock.Manager, hist *history.Log, checkOrigin func(r *http.Request) bool) *Gateway {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Gateway{
		pipeline: p,
		presence: pres,
		locks:    locks,
		history:  hist,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		rooms: make(map[string]map[*Session]struct{}),
	}
}

// Stats reports room and session counts for the health endpoint.
func (g *Gateway) Stats() (rooms, sessions int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, room := range g.rooms {
		sessions += len(room)
	}
	return len(g.rooms), sessions
}

// Broadcast implements pipeline.Broadcaster.
func (g *Gateway) Broadcast(diagramID, excludeClientID, event string, data interface{}) {
	g.mu.RLock()
	room := g.rooms[diagramID]
	targets := make([]*Session, 0, len(room))
	for s := range room {
		if s.ClientID != excludeClientID {
			targets = append(targets, s)
		}
	}
	g.mu.RUnlock()

	for _, s := range targets {
		s.Send(event, data)
	}
}

// Handle is the echo handler for the /ws endpoint. It upgrades the
// connection and runs the session's read loop until the client goes away.
func (g *Gateway) Handle(c echo.Context) error {
	conn, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	session := newSession(uuid.NewString(), conn)
	go session.writePump()

	common.Logger.WithField("client", session.ClientID).Info("Session connected")
	g.readLoop(session)
	g.disconnect(session)
	return nil
}

func (g *Gateway) readLoop(s *Session) {
	s.conn.SetReadLimit(readLimit)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				common.Logger.WithError(err).WithField("client", s.ClientID).Warn("Session read failed")
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.Send(EventOpRejected, OpRejectedData{Reason: "malformed message"})
			continue
		}
		g.dispatch(s, &env)
	}
}

func (g *Gateway) dispatch(s *Session, env *Envelope) {
	ctx := context.Background()
	switch env.Event {
	case EventAuthenticate:
		g.handleAuthenticate(ctx, s, env.Data)
	case EventJoinProject:
		g.handleJoin(ctx, s, env.Data)
	case EventOperation:
		g.handleOperation(s, env.Data)
	case EventCursorMove:
		g.handleCursorMove(ctx, s, env.Data)
	case EventRequestLock:
		g.handleRequestLock(ctx, s, env.Data)
	case EventReleaseLock:
		g.handleReleaseLock(ctx, s, env.Data)
	default:
		s.Send(EventOpRejected, OpRejectedData{Reason: "unknown event: " + env.Event})
	}
}

func (g *Gateway) handleAuthenticate(ctx context.Context, s *Session, raw json.RawMessage) {
	var data AuthenticateData
	if err := json.Unmarshal(raw, &data); err != nil || data.UserID == "" {
		s.Send(EventAuthenticated, AuthenticatedData{Success: false, ClientID: s.ClientID})
		return
	}
	s.setIdentity(data.UserID, data.UserName, data.UserPicture)

	// Re-authentication while joined refreshes the presence record under
	// the same clientId and announces the new identity.
	if diagramID := s.DiagramID(); diagramID != "" {
		sessions, err := g.presence.Join(ctx, diagramID, s.ClientID, data.UserID, data.UserName, data.UserPicture)
		if err != nil {
			common.Logger.WithError(err).WithField("diagram", diagramID).Warn("Failed to refresh presence")
		} else {
			g.Broadcast(diagramID, s.ClientID, EventUserJoined, UserJoinedData{
				UserID:      data.UserID,
				ClientID:    s.ClientID,
				UserName:    data.UserName,
				UserPicture: data.UserPicture,
				OnlineUsers: sessions,
			})
		}
	}

	s.Send(EventAuthenticated, AuthenticatedData{Success: true, ClientID: s.ClientID})
}

func (g *Gateway) handleJoin(ctx context.Context, s *Session, raw json.RawMessage) {
	var data JoinProjectData
	if err := json.Unmarshal(raw, &data); err != nil || data.DiagramID == "" {
		s.Send(EventOpRejected, OpRejectedData{Reason: "join_project requires a diagramId"})
		return
	}

	if prev := s.DiagramID(); prev != "" && prev != data.DiagramID {
		g.leaveRoom(ctx, s, prev)
	}

	userID, userName, userPicture := s.Identity()
	diagramID := data.DiagramID

	g.mu.Lock()
	room, ok := g.rooms[diagramID]
	if !ok {
		room = make(map[*Session]struct{})
		g.rooms[diagramID] = room
	}
	room[s] = struct{}{}
	g.mu.Unlock()
	s.setDiagramID(diagramID)

	sessions, err := g.presence.Join(ctx, diagramID, s.ClientID, userID, userName, userPicture)
	if err != nil {
		common.Logger.WithError(err).WithField("diagram", diagramID).Warn("Failed to record presence")
	}

	syncData := StateSyncData{
		OnlineUsers: sessions,
		Cursors:     map[string]model.CursorRecord{},
		Locks:       map[string]model.LockRecord{},
		History:     []model.HistoryEntry{},
	}

	snap, err := g.pipeline.LoadSnapshot(ctx, diagramID)
	if err != nil {
		common.Logger.WithError(err).WithField("diagram", diagramID).Error("Failed to load snapshot for join")
		snap = model.EmptySnapshot()
		syncData.Warning = "failed to load saved state; starting from an empty diagram"
	}
	syncData.State = snap

	if cursors, err := g.presence.Cursors(ctx, diagramID); err == nil {
		syncData.Cursors = cursors
	}
	if locks, err := g.locks.All(ctx, diagramID); err == nil {
		syncData.Locks = locks
	}
	if model.IsDurableID(diagramID) {
		if entries, err := g.history.Recent(ctx, diagramID, 0); err == nil {
			syncData.History = entries
		}
	}

	s.Send(EventStateSync, syncData)
	g.Broadcast(diagramID, s.ClientID, EventUserJoined, UserJoinedData{
		UserID:      userID,
		ClientID:    s.ClientID,
		UserName:    userName,
		UserPicture: userPicture,
		OnlineUsers: sessions,
	})

	common.Logger.WithFields(logrus.Fields{
		"diagram": diagramID,
		"client":  s.ClientID,
		"user":    userID,
	}).Info("Session joined diagram")
}

func (g *Gateway) handleOperation(s *Session, raw json.RawMessage) {
	diagramID := s.DiagramID()
	if diagramID == "" {
		s.Send(EventOpRejected, OpRejectedData{Reason: "no diagram joined"})
		return
	}

	var op model.Operation
	if err := json.Unmarshal(raw, &op); err != nil {
		s.Send(EventOpRejected, OpRejectedData{Reason: "malformed operation"})
		return
	}

	userID, userName, _ := s.Identity()
	op.UserID = userID
	if op.UserName == "" {
		op.UserName = userName
	}

	reject := func(reason string) {
		s.Send(EventOpRejected, OpRejectedData{OperationID: op.ID, Reason: reason})
	}
	if err := g.pipeline.Submit(diagramID, &op, s.ClientID, reject); err != nil {
		reject(err.Error())
	}
}

func (g *Gateway) handleCursorMove(ctx context.Context, s *Session, raw json.RawMessage) {
	diagramID := s.DiagramID()
	if diagramID == "" {
		return
	}

	var data CursorMoveData
	if err := json.Unmarshal(raw, &data); err != nil {
		return
	}

	userID, userName, userPicture := s.Identity()
	if err := g.presence.UpdateCursor(ctx, diagramID, userID, s.ClientID, data.X, data.Y, data.Viewport); err != nil {
		common.Logger.WithError(err).WithField("diagram", diagramID).Warn("Failed to store cursor")
		return
	}

	g.Broadcast(diagramID, s.ClientID, EventCursorUpdate, CursorUpdateData{
		ClientID:    s.ClientID,
		UserID:      userID,
		UserName:    userName,
		UserPicture: userPicture,
		X:           data.X,
		Y:           data.Y,
		Viewport:    data.Viewport,
	})
}

func (g *Gateway) handleRequestLock(ctx context.Context, s *Session, raw json.RawMessage) {
	diagramID := s.DiagramID()
	if diagramID == "" {
		return
	}

	var data LockRequestData
	if err := json.Unmarshal(raw, &data); err != nil || data.EntityID == "" {
		s.Send(EventLockResult, LockResultData{Success: false, EntityID: data.EntityID})
		return
	}

	userID, userName, _ := s.Identity()
	result, err := g.locks.Acquire(ctx, diagramID, data.EntityID, userID, userName)
	if err != nil {
		common.Logger.WithError(err).WithField("diagram", diagramID).Warn("Failed to acquire lock")
		s.Send(EventLockResult, LockResultData{Success: false, EntityID: data.EntityID})
		return
	}

	if !result.OK {
		s.Send(EventLockResult, LockResultData{Success: false, EntityID: data.EntityID, Holder: result.Holder})
		return
	}

	s.Send(EventLockResult, LockResultData{Success: true, EntityID: data.EntityID, Holder: result.Holder})
	g.Broadcast(diagramID, "", EventLockAcquired, LockChangeData{
		EntityID: data.EntityID,
		UserID:   userID,
		UserName: userName,
	})
}

func (g *Gateway) handleReleaseLock(ctx context.Context, s *Session, raw json.RawMessage) {
	diagramID := s.DiagramID()
	if diagramID == "" {
		return
	}

	var data LockRequestData
	if err := json.Unmarshal(raw, &data); err != nil || data.EntityID == "" {
		return
	}

	userID, userName, _ := s.Identity()
	released, err := g.locks.Release(ctx, diagramID, data.EntityID, userID)
	if err != nil {
		common.Logger.WithError(err).WithField("diagram", diagramID).Warn("Failed to release lock")
		return
	}
	if released {
		g.Broadcast(diagramID, "", EventLockReleased, LockChangeData{
			EntityID: data.EntityID,
			UserID:   userID,
			UserName: userName,
		})
	}
}

// disconnect tears the session down. Cleanup runs as a barrier on the
// diagram's pipeline queue, so any operation the session submitted before
// closing is applied before its state is flushed and its presence removed.
func (g *Gateway) disconnect(s *Session) {
	s.close()

	diagramID := s.DiagramID()
	if diagramID == "" {
		common.Logger.WithField("client", s.ClientID).Info("Session disconnected")
		return
	}
	g.leaveRoom(context.Background(), s, diagramID)
	common.Logger.WithFields(logrus.Fields{
		"client":  s.ClientID,
		"diagram": diagramID,
	}).Info("Session disconnected")
}

// leaveRoom removes the session from a room and schedules its cleanup
// behind the diagram's operation queue.
func (g *Gateway) leaveRoom(_ context.Context, s *Session, diagramID string) {
	g.mu.Lock()
	if room, ok := g.rooms[diagramID]; ok {
		delete(room, s)
		if len(room) == 0 {
			delete(g.rooms, diagramID)
		}
	}
	g.mu.Unlock()
	s.setDiagramID("")

	userID, userName, _ := s.Identity()
	clientID := s.ClientID

	err := g.pipeline.Barrier(diagramID, func(ctx context.Context) {
		g.pipeline.FlushDiagram(ctx, diagramID)

		sessions, err := g.presence.Leave(ctx, diagramID, clientID)
		if err != nil {
			common.Logger.WithError(err).WithField("diagram", diagramID).Warn("Failed to remove presence")
		}

		released, err := g.locks.ReleaseAllByUser(ctx, diagramID, userID)
		if err != nil {
			common.Logger.WithError(err).WithField("diagram", diagramID).Warn("Failed to release locks")
		}
		for _, entityID := range released {
			g.Broadcast(diagramID, "", EventLockReleased, LockChangeData{
				EntityID: entityID,
				UserID:   userID,
				UserName: userName,
			})
		}

		g.Broadcast(diagramID, clientID, EventUserLeft, UserLeftData{
			UserID:      userID,
			ClientID:    clientID,
			OnlineUsers: sessions,
		})
	})
	if err != nil {
		common.Logger.WithError(err).WithField("diagram", diagramID).Warn("Failed to schedule disconnect cleanup")
	}
}
