// Package model defines the shared data model of the collaboration service:
// diagram snapshots, the elements they contain, in-flight operations and the
// Last-Writer-Wins comparison used to order concurrent edits.
package model

import (
	"strings"
	"time"
)

// Position is a 2D canvas coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Viewport describes a client's visible canvas region.
type Viewport struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

// Attribute is a column-level element of an entity.
type Attribute struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	IsPK       bool   `json:"isPK"`
	IsFK       bool   `json:"isFK"`
	IsNullable *bool  `json:"isNullable,omitempty"`
	DefaultVal string `json:"defaultVal,omitempty"`
	Comment    string `json:"comment,omitempty"`
	Length     *int   `json:"length,omitempty"`
}

// Entity is a table-level element of an ERD diagram. IDs are client-generated
// opaque strings, unique within a diagram.
type Entity struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Position   Position    `json:"position"`
	Attributes []Attribute `json:"attributes"`
	IsLocked   bool        `json:"isLocked,omitempty"`
	Comment    string      `json:"comment,omitempty"`
}

// Relationship connects two entities. Source and Target reference entity ids.
type Relationship struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
	Type         string `json:"type"` // "1:1", "1:N", "N:M"
}

// Screen is a node of the linked screen-design diagram.
type Screen struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Position Position `json:"position"`
	Comment  string   `json:"comment,omitempty"`
}

// Flow connects two screens. Source and Target reference screen ids.
type Flow struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
	Type         string `json:"type,omitempty"`
}

// Snapshot is the authoritative state of one diagram at a version. Element
// order is insertion order and externally observable.
type Snapshot struct {
	Version       int64          `json:"version"`
	Entities      []Entity       `json:"entities"`
	Relationships []Relationship `json:"relationships"`
	Screens       []Screen       `json:"screens"`
	Flows         []Flow         `json:"flows"`
	SavedAt       time.Time      `json:"savedAt,omitempty"`
}

// EmptySnapshot returns a fresh snapshot at version 0.
func EmptySnapshot() *Snapshot {
	return &Snapshot{
		Entities:      []Entity{},
		Relationships: []Relationship{},
		Screens:       []Screen{},
		Flows:         []Flow{},
	}
}

// Clone returns a deep copy of the snapshot. The apply engine mutates the
// copy so the previous snapshot stays valid for concurrent readers.
func (s *Snapshot) Clone() *Snapshot {
	c := &Snapshot{
		Version: s.Version,
		SavedAt: s.SavedAt,
	}
	c.Entities = make([]Entity, len(s.Entities))
	for i, e := range s.Entities {
		c.Entities[i] = e
		c.Entities[i].Attributes = append([]Attribute(nil), e.Attributes...)
	}
	c.Relationships = append([]Relationship{}, s.Relationships...)
	c.Screens = append([]Screen{}, s.Screens...)
	c.Flows = append([]Flow{}, s.Flows...)
	return c
}

// Entity returns the entity with the given id, or nil.
func (s *Snapshot) Entity(id string) *Entity {
	for i := range s.Entities {
		if s.Entities[i].ID == id {
			return &s.Entities[i]
		}
	}
	return nil
}

// Screen returns the screen with the given id, or nil.
func (s *Snapshot) Screen(id string) *Screen {
	for i := range s.Screens {
		if s.Screens[i].ID == id {
			return &s.Screens[i]
		}
	}
	return nil
}

// HasEntity reports whether an entity with the given id exists.
func (s *Snapshot) HasEntity(id string) bool { return s.Entity(id) != nil }

// HasScreen reports whether a screen with the given id exists.
func (s *Snapshot) HasScreen(id string) bool { return s.Screen(id) != nil }

// Transient diagram id prefixes. Diagrams with these ids live only in the
// hot cache and are never read from or written to durable storage; clients
// use them to prototype before saving.
const (
	TransientPrefixLocal   = "local_"
	TransientPrefixProject = "proj_"
)

// IsDurableID reports whether a diagram id refers to a persisted document.
func IsDurableID(id string) bool {
	if id == "" {
		return false
	}
	return !strings.HasPrefix(id, TransientPrefixLocal) && !strings.HasPrefix(id, TransientPrefixProject)
}
