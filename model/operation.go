package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// OperationType identifies the kind of edit an operation carries.
type OperationType string

const (
	OpEntityCreate         OperationType = "ENTITY_CREATE"
	OpEntityUpdate         OperationType = "ENTITY_UPDATE"
	OpEntityMove           OperationType = "ENTITY_MOVE"
	OpEntityDelete         OperationType = "ENTITY_DELETE"
	OpAttributeAdd         OperationType = "ATTRIBUTE_ADD"
	OpAttributeUpdate      OperationType = "ATTRIBUTE_UPDATE"
	OpAttributeDelete      OperationType = "ATTRIBUTE_DELETE"
	OpAttributeFieldUpdate OperationType = "ATTRIBUTE_FIELD_UPDATE"
	OpRelationshipCreate   OperationType = "RELATIONSHIP_CREATE"
	OpRelationshipUpdate   OperationType = "RELATIONSHIP_UPDATE"
	OpRelationshipDelete   OperationType = "RELATIONSHIP_DELETE"
	OpERDImport            OperationType = "ERD_IMPORT"
	OpScreenCreate         OperationType = "SCREEN_CREATE"
	OpScreenUpdate         OperationType = "SCREEN_UPDATE"
	OpScreenMove           OperationType = "SCREEN_MOVE"
	OpScreenDelete         OperationType = "SCREEN_DELETE"
	OpFlowCreate           OperationType = "FLOW_CREATE"
	OpFlowUpdate           OperationType = "FLOW_UPDATE"
	OpFlowDelete           OperationType = "FLOW_DELETE"
	OpScreenImport         OperationType = "SCREEN_IMPORT"
)

// Operation is an in-flight edit produced by a client. Payload stays raw on
// the wire; the apply engine decodes it per operation type.
type Operation struct {
	ID            string          `json:"id"`
	Type          OperationType   `json:"type"`
	TargetID      string          `json:"targetId,omitempty"`
	LamportClock  int64           `json:"lamportClock"`
	WallClock     int64           `json:"wallClock"` // sender wall time, ms
	UserID        string          `json:"userId"`
	UserName      string          `json:"userName,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	PreviousState json.RawMessage `json:"previousState,omitempty"` // client undo hint, opaque to the server
	AppliedAt     int64           `json:"appliedAt,omitempty"`     // set by the pipeline on fan-out, ms
}

var knownOperationTypes = map[OperationType]struct{}{
	OpEntityCreate: {}, OpEntityUpdate: {}, OpEntityMove: {}, OpEntityDelete: {},
	OpAttributeAdd: {}, OpAttributeUpdate: {}, OpAttributeDelete: {}, OpAttributeFieldUpdate: {},
	OpRelationshipCreate: {}, OpRelationshipUpdate: {}, OpRelationshipDelete: {},
	OpERDImport: {},
	OpScreenCreate: {}, OpScreenUpdate: {}, OpScreenMove: {}, OpScreenDelete: {},
	OpFlowCreate: {}, OpFlowUpdate: {}, OpFlowDelete: {},
	OpScreenImport: {},
}

// operations that address a specific element and therefore need a target id
var targetRequired = map[OperationType]struct{}{
	OpEntityUpdate: {}, OpEntityMove: {}, OpEntityDelete: {},
	OpAttributeAdd: {}, OpAttributeUpdate: {}, OpAttributeDelete: {}, OpAttributeFieldUpdate: {},
	OpRelationshipUpdate: {}, OpRelationshipDelete: {},
	OpScreenUpdate: {}, OpScreenMove: {}, OpScreenDelete: {},
	OpFlowUpdate: {}, OpFlowDelete: {},
}

// Validate checks the structural requirements of an operation before it is
// admitted to the pipeline. Payload shape errors surface later during apply.
func (o *Operation) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("operation id is required")
	}
	if _, ok := knownOperationTypes[o.Type]; !ok {
		return fmt.Errorf("unknown operation type: %q", o.Type)
	}
	if _, ok := targetRequired[o.Type]; ok && o.TargetID == "" {
		return fmt.Errorf("operation %s requires a targetId", o.Type)
	}
	return nil
}

// IsCritical reports whether the operation must be flushed to durable
// storage immediately instead of going through the debounce window.
// Deletes and whole-diagram imports qualify.
func (o *Operation) IsCritical() bool {
	if o.Type == OpERDImport || o.Type == OpScreenImport {
		return true
	}
	return strings.Contains(string(o.Type), "DELETE")
}

// ShouldApply is the Last-Writer-Wins comparison: an incoming operation
// beats an existing one when its Lamport clock is greater, with the wall
// clock breaking ties. The server pipeline applies operations in arrival
// order and does not consult this on the main path; it is exposed for
// clients and replay tooling.
func ShouldApply(existing, incoming *Operation) bool {
	if existing == nil {
		return true
	}
	if incoming.LamportClock != existing.LamportClock {
		return incoming.LamportClock > existing.LamportClock
	}
	return incoming.WallClock > existing.WallClock
}

// TargetType classifies what a history entry refers to.
type TargetType string

const (
	TargetEntity       TargetType = "ENTITY"
	TargetRelationship TargetType = "RELATIONSHIP"
	TargetProject      TargetType = "PROJECT"
	TargetScreen       TargetType = "SCREEN"
	TargetFlow         TargetType = "FLOW"
)

// TargetTypeOf maps an operation type to the element class it touches.
func TargetTypeOf(t OperationType) TargetType {
	switch {
	case strings.HasPrefix(string(t), "RELATIONSHIP"):
		return TargetRelationship
	case strings.HasPrefix(string(t), "SCREEN") && t != OpScreenImport:
		return TargetScreen
	case strings.HasPrefix(string(t), "FLOW"):
		return TargetFlow
	case t == OpERDImport || t == OpScreenImport:
		return TargetProject
	default:
		return TargetEntity
	}
}

// HistoryEntry is one audit record of an applied operation.
type HistoryEntry struct {
	ID            string          `json:"id"`
	DiagramID     string          `json:"diagramId"`
	UserID        string          `json:"userId"`
	UserName      string          `json:"userName,omitempty"`
	UserPicture   string          `json:"userPicture,omitempty"`
	OperationType OperationType   `json:"operationType"`
	TargetType    TargetType      `json:"targetType"`
	TargetID      string          `json:"targetId,omitempty"`
	TargetName    string          `json:"targetName,omitempty"`
	LamportClock  int64           `json:"lamportClock"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	PreviousState json.RawMessage `json:"previousState,omitempty"`
	Details       string          `json:"details,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// SessionRecord is one live connection of a user on a diagram. A user with
// several tabs has several records, keyed by clientId.
type SessionRecord struct {
	UserID      string    `json:"userId"`
	ClientID    string    `json:"clientId"`
	UserName    string    `json:"userName,omitempty"`
	UserPicture string    `json:"userPicture,omitempty"`
	JoinedAt    time.Time `json:"joinedAt"`
	LastActive  time.Time `json:"lastActive"`
}

// CursorRecord is one client's last reported cursor position.
type CursorRecord struct {
	UserID      string    `json:"userId"`
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	Viewport    *Viewport `json:"viewport,omitempty"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// LockRecord is an advisory per-element lock. The apply engine never
// consults it; it exists so UIs can suppress conflicting edits.
type LockRecord struct {
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName,omitempty"`
	LockedAt  time.Time `json:"lockedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the lock is past its TTL at the given instant.
func (l *LockRecord) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}
