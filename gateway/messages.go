package gateway

import (
	"encoding/json"

	"collab.evalgo.org/model"
)

// Envelope is the wire frame for every message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound events.
const (
	EventAuthenticate = "authenticate"
	EventJoinProject  = "join_project"
	EventOperation    = "operation"
	EventCursorMove   = "cursor_move"
	EventRequestLock  = "request_lock"
	EventReleaseLock  = "release_lock"
)

// Outbound events.
const (
	EventAuthenticated = "authenticated"
	EventStateSync     = "state_sync"
	EventUserJoined    = "user_joined"
	EventUserLeft      = "user_left"
	EventCursorUpdate  = "cursor_update"
	EventLockAcquired  = "lock_acquired"
	EventLockReleased  = "lock_released"
	EventLockResult    = "lock_result"
	EventOpRejected    = "op_rejected"
)

// AuthenticateData carries the client's asserted identity. Verification
// happens upstream before the socket is established.
type AuthenticateData struct {
	UserID      string `json:"userId"`
	UserName    string `json:"userName"`
	UserPicture string `json:"userPicture,omitempty"`
}

// AuthenticatedData acknowledges an authenticate message.
type AuthenticatedData struct {
	Success  bool   `json:"success"`
	ClientID string `json:"clientId"`
}

// JoinProjectData selects the diagram a session works on.
type JoinProjectData struct {
	DiagramID string `json:"diagramId"`
}

// StateSyncData is the full sync sent to a session on join. Warning is set
// when the durable read failed and the snapshot fell back to empty.
type StateSyncData struct {
	State       *model.Snapshot               `json:"state"`
	OnlineUsers []model.SessionRecord         `json:"onlineUsers"`
	Cursors     map[string]model.CursorRecord `json:"cursors"`
	Locks       map[string]model.LockRecord   `json:"locks"`
	History     []model.HistoryEntry          `json:"history"`
	Warning     string                        `json:"warning,omitempty"`
}

// UserJoinedData announces a new session to the room.
type UserJoinedData struct {
	UserID      string                `json:"userId"`
	ClientID    string                `json:"clientId"`
	UserName    string                `json:"userName,omitempty"`
	UserPicture string                `json:"userPicture,omitempty"`
	OnlineUsers []model.SessionRecord `json:"onlineUsers"`
}

// UserLeftData announces a departed session to the room.
type UserLeftData struct {
	UserID      string                `json:"userId"`
	ClientID    string                `json:"clientId"`
	OnlineUsers []model.SessionRecord `json:"onlineUsers"`
}

// CursorMoveData is a client's cursor report.
type CursorMoveData struct {
	X        float64         `json:"x"`
	Y        float64         `json:"y"`
	Viewport *model.Viewport `json:"viewport,omitempty"`
}

// CursorUpdateData is the fan-out of a cursor report.
type CursorUpdateData struct {
	ClientID    string          `json:"clientId"`
	UserID      string          `json:"userId"`
	UserName    string          `json:"userName,omitempty"`
	UserPicture string          `json:"userPicture,omitempty"`
	X           float64         `json:"x"`
	Y           float64         `json:"y"`
	Viewport    *model.Viewport `json:"viewport,omitempty"`
}

// LockRequestData identifies the element a lock message refers to.
type LockRequestData struct {
	EntityID string `json:"entityId"`
}

// LockResultData is the caller-only reply to request_lock.
type LockResultData struct {
	Success  bool              `json:"success"`
	EntityID string            `json:"entityId"`
	Holder   *model.LockRecord `json:"holder,omitempty"`
}

// LockChangeData is the room fan-out for lock_acquired and lock_released.
type LockChangeData struct {
	EntityID string `json:"entityId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

// OpRejectedData tells the sender its operation was dropped.
type OpRejectedData struct {
	OperationID string `json:"operationId,omitempty"`
	Reason      string `json:"reason"`
}

// encode marshals an envelope, panicking only on programmer error (all
// payload types marshal cleanly).
func encode(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}
