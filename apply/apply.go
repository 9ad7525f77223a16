// Package apply implements the deterministic snapshot transition function.
// Apply never mutates its input and performs no I/O; the pipeline worker is
// responsible for ordering, storage and fan-out.
package apply

import (
	"encoding/json"
	"fmt"
	"strings"

	"collab.evalgo.org/model"
)

// importPayload is the payload of ERD_IMPORT and SCREEN_IMPORT operations.
type importPayload struct {
	Overwrite     bool                 `json:"overwrite"`
	Entities      []model.Entity       `json:"entities"`
	Relationships []model.Relationship `json:"relationships"`
	Screens       []model.Screen       `json:"screens"`
	Flows         []model.Flow         `json:"flows"`
}

// attributeListPayload carries the full replacement attribute list used by
// the coarse attribute operations.
type attributeListPayload struct {
	Attributes []model.Attribute `json:"attributes"`
}

// attributeFieldPayload addresses a single attribute and carries a partial
// update for it.
type attributeFieldPayload struct {
	AttrID  string          `json:"attrId"`
	Updates json.RawMessage `json:"updates"`
}

// Apply computes the successor snapshot for one operation. The version is
// incremented unconditionally, even when the operation itself is a no-op, so
// every processed operation is observable as a version step. Unknown targets
// are no-ops rather than errors: with concurrent editors an operation may
// legitimately race a delete that already removed its target.
func Apply(snap *model.Snapshot, op *model.Operation) (*model.Snapshot, error) {
	next := snap.Clone()

	var err error
	switch op.Type {
	case model.OpEntityCreate:
		err = entityCreate(next, op)
	case model.OpEntityUpdate, model.OpEntityMove:
		err = entityMerge(next, op)
	case model.OpEntityDelete:
		entityDelete(next, op.TargetID)
	case model.OpAttributeAdd, model.OpAttributeUpdate, model.OpAttributeDelete:
		err = attributesReplace(next, op)
	case model.OpAttributeFieldUpdate:
		err = attributeFieldUpdate(next, op)
	case model.OpRelationshipCreate:
		err = relationshipCreate(next, op)
	case model.OpRelationshipUpdate:
		err = relationshipMerge(next, op)
	case model.OpRelationshipDelete:
		removeRelationship(next, op.TargetID)
	case model.OpERDImport:
		err = erdImport(next, op)
	case model.OpScreenCreate:
		err = screenCreate(next, op)
	case model.OpScreenUpdate, model.OpScreenMove:
		err = screenMerge(next, op)
	case model.OpScreenDelete:
		screenDelete(next, op.TargetID)
	case model.OpFlowCreate:
		err = flowCreate(next, op)
	case model.OpFlowUpdate:
		err = flowMerge(next, op)
	case model.OpFlowDelete:
		removeFlow(next, op.TargetID)
	case model.OpScreenImport:
		err = screenImport(next, op)
	default:
		err = fmt.Errorf("unknown operation type: %q", op.Type)
	}
	if err != nil {
		return nil, err
	}

	next.Version++
	enforceIntegrity(next)
	return next, nil
}

func entityCreate(snap *model.Snapshot, op *model.Operation) error {
	var entity model.Entity
	if err := json.Unmarshal(op.Payload, &entity); err != nil {
		return fmt.Errorf("failed to decode entity payload: %w", err)
	}
	if snap.HasEntity(entity.ID) {
		return nil
	}
	if entity.Attributes == nil {
		entity.Attributes = []model.Attribute{}
	}
	snap.Entities = append(snap.Entities, entity)
	return nil
}

// entityMerge applies a partial entity update. Unmarshalling into the
// existing struct overwrites exactly the fields present in the payload.
func entityMerge(snap *model.Snapshot, op *model.Operation) error {
	entity := snap.Entity(op.TargetID)
	if entity == nil {
		return nil
	}
	id := entity.ID
	if err := json.Unmarshal(op.Payload, entity); err != nil {
		return fmt.Errorf("failed to decode entity update: %w", err)
	}
	entity.ID = id
	return nil
}

func entityDelete(snap *model.Snapshot, targetID string) {
	kept := snap.Entities[:0]
	for _, e := range snap.Entities {
		if e.ID != targetID {
			kept = append(kept, e)
		}
	}
	snap.Entities = kept

	relationships := snap.Relationships[:0]
	for _, r := range snap.Relationships {
		if r.Source != targetID && r.Target != targetID {
			relationships = append(relationships, r)
		}
	}
	snap.Relationships = relationships
}

func attributesReplace(snap *model.Snapshot, op *model.Operation) error {
	entity := snap.Entity(op.TargetID)
	if entity == nil {
		return nil
	}
	var payload attributeListPayload
	if err := json.Unmarshal(op.Payload, &payload); err != nil {
		return fmt.Errorf("failed to decode attribute payload: %w", err)
	}
	if payload.Attributes == nil {
		payload.Attributes = []model.Attribute{}
	}
	entity.Attributes = payload.Attributes
	return nil
}

func attributeFieldUpdate(snap *model.Snapshot, op *model.Operation) error {
	entity := snap.Entity(op.TargetID)
	if entity == nil {
		return nil
	}
	var payload attributeFieldPayload
	if err := json.Unmarshal(op.Payload, &payload); err != nil {
		return fmt.Errorf("failed to decode attribute field payload: %w", err)
	}
	for i := range entity.Attributes {
		if entity.Attributes[i].ID != payload.AttrID {
			continue
		}
		id := entity.Attributes[i].ID
		if err := json.Unmarshal(payload.Updates, &entity.Attributes[i]); err != nil {
			return fmt.Errorf("failed to decode attribute updates: %w", err)
		}
		entity.Attributes[i].ID = id
		return nil
	}
	return nil
}

func relationshipCreate(snap *model.Snapshot, op *model.Operation) error {
	var rel model.Relationship
	if err := json.Unmarshal(op.Payload, &rel); err != nil {
		return fmt.Errorf("failed to decode relationship payload: %w", err)
	}
	for _, existing := range snap.Relationships {
		if existing.ID == rel.ID {
			return nil
		}
	}
	snap.Relationships = append(snap.Relationships, rel)
	return nil
}

func relationshipMerge(snap *model.Snapshot, op *model.Operation) error {
	for i := range snap.Relationships {
		if snap.Relationships[i].ID != op.TargetID {
			continue
		}
		id := snap.Relationships[i].ID
		if err := json.Unmarshal(op.Payload, &snap.Relationships[i]); err != nil {
			return fmt.Errorf("failed to decode relationship update: %w", err)
		}
		snap.Relationships[i].ID = id
		return nil
	}
	return nil
}

func removeRelationship(snap *model.Snapshot, targetID string) {
	kept := snap.Relationships[:0]
	for _, r := range snap.Relationships {
		if r.ID != targetID {
			kept = append(kept, r)
		}
	}
	snap.Relationships = kept
}

// erdImport either replaces the ERD wholesale or merges into it. Merge adds
// entities whose name is not already taken (case-insensitive) and
// relationships whose id is new.
func erdImport(snap *model.Snapshot, op *model.Operation) error {
	var payload importPayload
	if err := json.Unmarshal(op.Payload, &payload); err != nil {
		return fmt.Errorf("failed to decode import payload: %w", err)
	}
	if payload.Entities == nil {
		payload.Entities = []model.Entity{}
	}
	if payload.Relationships == nil {
		payload.Relationships = []model.Relationship{}
	}

	if payload.Overwrite {
		snap.Entities = payload.Entities
		snap.Relationships = payload.Relationships
		return nil
	}

	names := make(map[string]struct{}, len(snap.Entities))
	for _, e := range snap.Entities {
		names[strings.ToLower(e.Name)] = struct{}{}
	}
	for _, e := range payload.Entities {
		if _, taken := names[strings.ToLower(e.Name)]; taken {
			continue
		}
		names[strings.ToLower(e.Name)] = struct{}{}
		snap.Entities = append(snap.Entities, e)
	}

	ids := make(map[string]struct{}, len(snap.Relationships))
	for _, r := range snap.Relationships {
		ids[r.ID] = struct{}{}
	}
	for _, r := range payload.Relationships {
		if _, taken := ids[r.ID]; taken {
			continue
		}
		ids[r.ID] = struct{}{}
		snap.Relationships = append(snap.Relationships, r)
	}
	return nil
}

func screenCreate(snap *model.Snapshot, op *model.Operation) error {
	var screen model.Screen
	if err := json.Unmarshal(op.Payload, &screen); err != nil {
		return fmt.Errorf("failed to decode screen payload: %w", err)
	}
	if snap.HasScreen(screen.ID) {
		return nil
	}
	snap.Screens = append(snap.Screens, screen)
	return nil
}

func screenMerge(snap *model.Snapshot, op *model.Operation) error {
	screen := snap.Screen(op.TargetID)
	if screen == nil {
		return nil
	}
	id := screen.ID
	if err := json.Unmarshal(op.Payload, screen); err != nil {
		return fmt.Errorf("failed to decode screen update: %w", err)
	}
	screen.ID = id
	return nil
}

func screenDelete(snap *model.Snapshot, targetID string) {
	kept := snap.Screens[:0]
	for _, s := range snap.Screens {
		if s.ID != targetID {
			kept = append(kept, s)
		}
	}
	snap.Screens = kept

	flows := snap.Flows[:0]
	for _, f := range snap.Flows {
		if f.Source != targetID && f.Target != targetID {
			flows = append(flows, f)
		}
	}
	snap.Flows = flows
}

func flowCreate(snap *model.Snapshot, op *model.Operation) error {
	var flow model.Flow
	if err := json.Unmarshal(op.Payload, &flow); err != nil {
		return fmt.Errorf("failed to decode flow payload: %w", err)
	}
	for _, existing := range snap.Flows {
		if existing.ID == flow.ID {
			return nil
		}
	}
	snap.Flows = append(snap.Flows, flow)
	return nil
}

func flowMerge(snap *model.Snapshot, op *model.Operation) error {
	for i := range snap.Flows {
		if snap.Flows[i].ID != op.TargetID {
			continue
		}
		id := snap.Flows[i].ID
		if err := json.Unmarshal(op.Payload, &snap.Flows[i]); err != nil {
			return fmt.Errorf("failed to decode flow update: %w", err)
		}
		snap.Flows[i].ID = id
		return nil
	}
	return nil
}

func removeFlow(snap *model.Snapshot, targetID string) {
	kept := snap.Flows[:0]
	for _, f := range snap.Flows {
		if f.ID != targetID {
			kept = append(kept, f)
		}
	}
	snap.Flows = kept
}

func screenImport(snap *model.Snapshot, op *model.Operation) error {
	var payload importPayload
	if err := json.Unmarshal(op.Payload, &payload); err != nil {
		return fmt.Errorf("failed to decode import payload: %w", err)
	}
	if payload.Screens == nil {
		payload.Screens = []model.Screen{}
	}
	if payload.Flows == nil {
		payload.Flows = []model.Flow{}
	}

	if payload.Overwrite {
		snap.Screens = payload.Screens
		snap.Flows = payload.Flows
		return nil
	}

	names := make(map[string]struct{}, len(snap.Screens))
	for _, s := range snap.Screens {
		names[strings.ToLower(s.Name)] = struct{}{}
	}
	for _, s := range payload.Screens {
		if _, taken := names[strings.ToLower(s.Name)]; taken {
			continue
		}
		names[strings.ToLower(s.Name)] = struct{}{}
		snap.Screens = append(snap.Screens, s)
	}

	ids := make(map[string]struct{}, len(snap.Flows))
	for _, f := range snap.Flows {
		ids[f.ID] = struct{}{}
	}
	for _, f := range payload.Flows {
		if _, taken := ids[f.ID]; taken {
			continue
		}
		ids[f.ID] = struct{}{}
		snap.Flows = append(snap.Flows, f)
	}
	return nil
}

// enforceIntegrity filters relationships and flows whose endpoints no longer
// exist. It runs after every operation, so a relationship created against a
// concurrently deleted entity cannot survive.
func enforceIntegrity(snap *model.Snapshot) {
	entityIDs := make(map[string]struct{}, len(snap.Entities))
	for _, e := range snap.Entities {
		entityIDs[e.ID] = struct{}{}
	}
	relationships := snap.Relationships[:0]
	for _, r := range snap.Relationships {
		if _, ok := entityIDs[r.Source]; !ok {
			continue
		}
		if _, ok := entityIDs[r.Target]; !ok {
			continue
		}
		relationships = append(relationships, r)
	}
	snap.Relationships = relationships

	screenIDs := make(map[string]struct{}, len(snap.Screens))
	for _, s := range snap.Screens {
		screenIDs[s.ID] = struct{}{}
	}
	flows := snap.Flows[:0]
	for _, f := range snap.Flows {
		if _, ok := screenIDs[f.Source]; !ok {
			continue
		}
		if _, ok := screenIDs[f.Target]; !ok {
			continue
		}
		flows = append(flows, f)
	}
	snap.Flows = flows
}
