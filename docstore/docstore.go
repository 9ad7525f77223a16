// Package docstore is the durable storage layer for diagrams and their edit
// history. Two backends implement the same interface: CouchDB for
// deployments and an embedded bbolt file for single-node and test setups.
package docstore

import (
	"context"

	"collab.evalgo.org/model"
)

// HistoryCap is the maximum number of history entries retained per diagram.
// Older entries are discarded on append.
const HistoryCap = 100

// Store defines the durable document operations the pipeline depends on.
type Store interface {
	// LoadDiagram returns the stored snapshot, or (nil, nil) when the
	// diagram does not exist. Absence is not an error: a brand-new diagram
	// starts from the empty snapshot.
	LoadDiagram(ctx context.Context, diagramID string) (*model.Snapshot, error)

	// SaveDiagram overwrites the stored snapshot and advances updatedAt.
	SaveDiagram(ctx context.Context, diagramID string, snap *model.Snapshot) error

	// DeleteDiagram removes the diagram and its history. Deleting a missing
	// diagram is a no-op.
	DeleteDiagram(ctx context.Context, diagramID string) error

	// AppendHistory records one applied operation, keeping at most
	// HistoryCap entries, newest first.
	AppendHistory(ctx context.Context, diagramID string, entry model.HistoryEntry) error

	// RecentHistory returns up to limit entries, newest first.
	RecentHistory(ctx context.Context, diagramID string, limit int) ([]model.HistoryEntry, error)

	// Close releases the backing connection or file handle.
	Close() error
}

// prependCapped inserts entry at the front and trims the list to HistoryCap.
func prependCapped(entries []model.HistoryEntry, entry model.HistoryEntry) []model.HistoryEntry {
	entries = append([]model.HistoryEntry{entry}, entries...)
	if len(entries) > HistoryCap {
		entries = entries[:HistoryCap]
	}
	return entries
}
