// Package pipeline implements the per-diagram serial executor. Every
// operation on a diagram flows through one worker goroutine: clock merge,
// snapshot read, apply, snapshot write, fan-out, persistence scheduling and
// history append, in that order. Workers for different diagrams run
// independently.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"collab.evalgo.org/apply"
	"collab.evalgo.org/clock"
	"collab.evalgo.org/common"
	"collab.evalgo.org/docstore"
	"collab.evalgo.org/history"
	"collab.evalgo.org/model"
	"collab.evalgo.org/persist"
	"collab.evalgo.org/state"
)

const (
	// queueDepth bounds the per-diagram operation queue. Ops past the
	// bound are rejected, not dropped silently.
	queueDepth = 1024

	// idleTimeout is how long a worker lingers with an empty queue before
	// shutting down. The next submission spawns a fresh one.
	idleTimeout = 60 * time.Second
)

// ErrQueueFull is returned by Submit when a diagram's queue is at capacity.
var ErrQueueFull = errors.New("pipeline: operation queue full")

// Broadcaster fans an event out to the sessions of a diagram. The gateway
// implements it; tests substitute a recorder.
type Broadcaster interface {
	// Broadcast sends {event, data} to every session joined to the
	// diagram except the one identified by excludeClientID. An empty
	// excludeClientID sends to everyone.
	Broadcast(diagramID, excludeClientID, event string, data interface{})
}

// task is one unit of work on a diagram's queue: either an operation or a
// barrier function that runs in queue order.
type task struct {
	op     *model.Operation
	sender string
	reject func(reason string)
	fn     func(ctx context.Context)
}

type worker struct {
	tasks chan task
}

// Pipeline routes operations to per-diagram workers.
type Pipeline struct {
	clock       *clock.Service
	state       *state.Store
	store       docstore.Store
	writer      *persist.Writer
	history     *history.Log
	broadcaster Broadcaster

	mu      sync.Mutex
	workers map[string]*worker
	wg      sync.WaitGroup
}

// New wires the pipeline to its collaborators.
func New(clk *clock.Service, st *state.Store, store docstore.Store, writer *persist.Writer, log *history.Log, b Broadcaster) *Pipeline {
	return &Pipeline{
		clock:       clk,
		state:       st,
		store:       store,
		writer:      writer,
		history:     log,
		broadcaster: b,
		workers:     make(map[string]*worker),
	}
}

// Submit validates and enqueues an operation. The reject callback is invoked
// (possibly from the worker goroutine) when the operation fails validation
// during apply. Submit itself returns an error for structural validation
// failures and queue overflow; the caller surfaces those to the sender.
func (p *Pipeline) Submit(diagramID string, op *model.Operation, senderClientID string, reject func(reason string)) error {
	if err := op.Validate(); err != nil {
		return err
	}
	return p.enqueue(diagramID, task{op: op, sender: senderClientID, reject: reject})
}

// Barrier runs fn on the diagram's worker after every previously enqueued
// task. Disconnect cleanup rides the same queue, so a session's final flush
// cannot overtake an operation the session submitted just before closing.
func (p *Pipeline) Barrier(diagramID string, fn func(ctx context.Context)) error {
	return p.enqueue(diagramID, task{fn: fn})
}

func (p *Pipeline) enqueue(diagramID string, t task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[diagramID]
	if !ok {
		w = &worker{tasks: make(chan task, queueDepth)}
		p.workers[diagramID] = w
		p.wg.Add(1)
		go p.run(diagramID, w)
	}

	select {
	case w.tasks <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// Drain waits for all workers to finish their queues. Called on shutdown
// after the gateway stops accepting operations.
func (p *Pipeline) Drain() {
	p.mu.Lock()
	for _, w := range p.workers {
		close(w.tasks)
	}
	p.workers = make(map[string]*worker)
	p.mu.Unlock()
	p.wg.Wait()
}

// run is the worker loop for one diagram. It exits when the queue stays
// empty past the idle timeout or when the channel is closed by Drain.
func (p *Pipeline) run(diagramID string, w *worker) {
	defer p.wg.Done()

	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

	for {
		select {
		case t, ok := <-w.tasks:
			if !ok {
				return
			}
			p.execute(diagramID, t)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(idleTimeout)
		case <-idle.C:
			p.mu.Lock()
			if len(w.tasks) > 0 {
				p.mu.Unlock()
				idle.Reset(idleTimeout)
				continue
			}
			if p.workers[diagramID] == w {
				delete(p.workers, diagramID)
			}
			p.mu.Unlock()
			return
		}
	}
}

// execute runs one task with panic isolation. A panicking operation poisons
// only its own diagram: the clock is reset and the worker keeps serving the
// queue, so other diagrams are unaffected.
func (p *Pipeline) execute(diagramID string, t task) {
	defer func() {
		if r := recover(); r != nil {
			p.clock.Reset(diagramID)
			common.Logger.WithFields(logrus.Fields{
				"diagram": diagramID,
				"panic":   r,
			}).Error("Pipeline worker recovered from panic")
			if t.reject != nil {
				t.reject("internal error")
			}
		}
	}()

	ctx := context.Background()
	if t.fn != nil {
		t.fn(ctx)
		return
	}
	p.process(ctx, diagramID, t)
}

// process is the canonical per-operation sequence.
func (p *Pipeline) process(ctx context.Context, diagramID string, t task) {
	op := t.op

	p.clock.Merge(diagramID, op.LamportClock)

	snap, err := p.LoadSnapshot(ctx, diagramID)
	if err != nil {
		common.Logger.WithError(err).WithField("diagram", diagramID).Error("Failed to load snapshot, starting empty")
		snap = model.EmptySnapshot()
	}

	next, err := apply.Apply(snap, op)
	if err != nil {
		common.Logger.WithError(err).WithFields(logrus.Fields{
			"diagram":   diagramID,
			"operation": op.Type,
		}).Warn("Rejected invalid operation")
		if t.reject != nil {
			t.reject(err.Error())
		}
		return
	}

	if err := p.state.Put(ctx, diagramID, next); err != nil {
		common.Logger.WithError(err).WithField("diagram", diagramID).Error("Failed to write hot snapshot")
	}

	out := *op
	out.AppliedAt = time.Now().UnixMilli()
	p.broadcaster.Broadcast(diagramID, t.sender, "operation", &out)

	if op.IsCritical() {
		p.writer.Flush(ctx, diagramID, next)
	} else {
		p.writer.Schedule(diagramID, next)
	}

	p.history.Record(ctx, diagramID, op, targetName(next, op))
}

// LoadSnapshot returns the current snapshot for a diagram: hot state when
// present, otherwise the durable snapshot (seeding the hot state), otherwise
// the empty snapshot. The join path shares this with the worker.
func (p *Pipeline) LoadSnapshot(ctx context.Context, diagramID string) (*model.Snapshot, error) {
	snap, err := p.state.Get(ctx, diagramID)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, state.ErrMiss) {
		return nil, err
	}

	snap = model.EmptySnapshot()
	if model.IsDurableID(diagramID) {
		stored, err := p.store.LoadDiagram(ctx, diagramID)
		if err != nil {
			return nil, err
		}
		if stored != nil {
			snap = stored
		}
	}

	if err := p.state.InitFromDurable(ctx, diagramID, snap); err != nil {
		common.Logger.WithError(err).WithField("diagram", diagramID).Warn("Failed to seed hot snapshot")
	}
	// Re-read so a concurrent init by the worker wins over our local copy.
	if hot, err := p.state.Get(ctx, diagramID); err == nil {
		return hot, nil
	}
	return snap, nil
}

// FlushDiagram forces an immediate durable save of the current hot state.
// Used by disconnect cleanup.
func (p *Pipeline) FlushDiagram(ctx context.Context, diagramID string) {
	snap, err := p.state.Get(ctx, diagramID)
	if err != nil {
		if !errors.Is(err, state.ErrMiss) {
			common.Logger.WithError(err).WithField("diagram", diagramID).Warn("Failed to read snapshot for flush")
		}
		return
	}
	p.writer.Flush(ctx, diagramID, snap)
}

// DropDiagram removes every trace of a diagram: pending saves, hot keys,
// the durable document and its history.
func (p *Pipeline) DropDiagram(ctx context.Context, diagramID string) error {
	p.writer.Cancel(diagramID)
	if err := p.state.Drop(ctx, diagramID); err != nil {
		common.Logger.WithError(err).WithField("diagram", diagramID).Warn("Failed to drop hot state")
	}
	if !model.IsDurableID(diagramID) {
		return nil
	}
	return p.store.DeleteDiagram(ctx, diagramID)
}

// targetName resolves a human-readable name for the history entry from the
// applied snapshot, falling back to the payload for deletes.
func targetName(snap *model.Snapshot, op *model.Operation) string {
	if op.TargetID != "" {
		if e := snap.Entity(op.TargetID); e != nil {
			return e.Name
		}
		if s := snap.Screen(op.TargetID); s != nil {
			return s.Name
		}
	}
	var named struct {
		Name string `json:"name"`
	}
	if len(op.Payload) > 0 && json.Unmarshal(op.Payload, &named) == nil {
		return named.Name
	}
	return ""
}
