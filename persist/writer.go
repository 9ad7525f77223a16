// Package persist schedules durable saves of diagram snapshots. Rapid edit
// bursts collapse into one write per debounce window; critical operations
// bypass the window entirely.
package persist

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"collab.evalgo.org/common"
	"collab.evalgo.org/docstore"
	"collab.evalgo.org/model"
)

// DefaultDebounce is the window during which successive saves of the same
// diagram are coalesced.
const DefaultDebounce = 1500 * time.Millisecond

// pending is the latest snapshot waiting for a timer to fire.
type pending struct {
	timer *time.Timer
	snap  *model.Snapshot
}

// Writer debounces snapshot saves per diagram. A later Debounce or Flush for
// the same diagram supersedes the pending snapshot, so only the newest state
// is ever written.
type Writer struct {
	store docstore.Store

	// Debounce is the coalescing window, overridable in tests.
	Debounce time.Duration

	mu      sync.Mutex
	pending map[string]*pending
}

// NewWriter creates a writer with the default debounce window.
func NewWriter(store docstore.Store) *Writer {
	return &Writer{
		store:    store,
		Debounce: DefaultDebounce,
		pending:  make(map[string]*pending),
	}
}

// Schedule arms (or re-arms) the debounce timer with the given snapshot.
// Transient diagrams are never written to durable storage.
func (w *Writer) Schedule(diagramID string, snap *model.Snapshot) {
	if !model.IsDurableID(diagramID) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if p, ok := w.pending[diagramID]; ok {
		p.snap = snap
		p.timer.Reset(w.Debounce)
		return
	}

	p := &pending{snap: snap}
	p.timer = time.AfterFunc(w.Debounce, func() { w.fire(diagramID) })
	w.pending[diagramID] = p
}

// Flush writes the snapshot immediately, cancelling any pending timer for
// the diagram. Used for deletes and imports, where losing the debounce
// window's worth of work would be visible to users.
func (w *Writer) Flush(ctx context.Context, diagramID string, snap *model.Snapshot) {
	if !model.IsDurableID(diagramID) {
		return
	}

	w.mu.Lock()
	if p, ok := w.pending[diagramID]; ok {
		p.timer.Stop()
		delete(w.pending, diagramID)
	}
	w.mu.Unlock()

	w.save(ctx, diagramID, snap)
}

// FlushAll writes every pending snapshot immediately. Called on shutdown.
func (w *Writer) FlushAll(ctx context.Context) {
	w.mu.Lock()
	snaps := make(map[string]*model.Snapshot, len(w.pending))
	for diagramID, p := range w.pending {
		p.timer.Stop()
		snaps[diagramID] = p.snap
	}
	w.pending = make(map[string]*pending)
	w.mu.Unlock()

	for diagramID, snap := range snaps {
		w.save(ctx, diagramID, snap)
	}
}

// Cancel drops any pending save for a diagram without writing. Used when
// the diagram itself is being deleted.
func (w *Writer) Cancel(diagramID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.pending[diagramID]; ok {
		p.timer.Stop()
		delete(w.pending, diagramID)
	}
}

// fire runs on the timer goroutine when the debounce window elapses.
func (w *Writer) fire(diagramID string) {
	w.mu.Lock()
	p, ok := w.pending[diagramID]
	if !ok {
		w.mu.Unlock()
		return
	}
	snap := p.snap
	delete(w.pending, diagramID)
	w.mu.Unlock()

	w.save(context.Background(), diagramID, snap)
}

// save writes the snapshot. A failed save is logged and dropped; the hot
// state remains authoritative and the next save retries implicitly.
func (w *Writer) save(ctx context.Context, diagramID string, snap *model.Snapshot) {
	if err := w.store.SaveDiagram(ctx, diagramID, snap); err != nil {
		common.Logger.WithError(err).WithFields(logrus.Fields{
			"diagram": diagramID,
			"version": snap.Version,
		}).Error("Failed to persist diagram snapshot")
		return
	}
	common.Logger.WithFields(logrus.Fields{
		"diagram": diagramID,
		"version": snap.Version,
	}).Debug("Persisted diagram snapshot")
}
