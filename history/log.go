// Package history records applied operations as an audit trail. Appends are
// best-effort: a history failure never blocks or fails the operation that
// produced it.
package history

import (
	"context"
	"time"

	"github.com/google/uuid"

	"collab.evalgo.org/common"
	"collab.evalgo.org/docstore"
	"collab.evalgo.org/model"
)

// Log writes history entries to durable storage.
type Log struct {
	store docstore.Store
}

// NewLog creates a history log on top of a document store.
func NewLog(store docstore.Store) *Log {
	return &Log{store: store}
}

// Record appends an entry for an applied operation. Transient diagrams keep
// no history. Failures are logged and swallowed.
func (l *Log) Record(ctx context.Context, diagramID string, op *model.Operation, targetName string) {
	if !model.IsDurableID(diagramID) {
		return
	}

	entry := model.HistoryEntry{
		ID:            uuid.NewString(),
		DiagramID:     diagramID,
		UserID:        op.UserID,
		UserName:      op.UserName,
		OperationType: op.Type,
		TargetType:    model.TargetTypeOf(op.Type),
		TargetID:      op.TargetID,
		TargetName:    targetName,
		LamportClock:  op.LamportClock,
		Payload:       op.Payload,
		PreviousState: op.PreviousState,
		Timestamp:     time.Now().UTC(),
	}

	if err := l.store.AppendHistory(ctx, diagramID, entry); err != nil {
		common.Logger.WithError(err).WithField("diagram", diagramID).Warn("Failed to append history entry")
	}
}

// Recent returns up to limit entries, newest first.
func (l *Log) Recent(ctx context.Context, diagramID string, limit int) ([]model.HistoryEntry, error) {
	if limit <= 0 || limit > docstore.HistoryCap {
		limit = docstore.HistoryCap
	}
	return l.store.RecentHistory(ctx, diagramID, limit)
}
