// SPDX-License-Identifier: MIT

// Package queue implements the size/time-bounded in-memory event buffer with
// an offline persisted backlog. The queue decides when a flush happens; what
// happens to the flushed batch is the delivery callback's business.
package queue

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/toolary/telemetry/internal/event"
	"github.com/toolary/telemetry/internal/log"
	"github.com/toolary/telemetry/internal/metrics"
	"github.com/toolary/telemetry/internal/ports"
	"github.com/toolary/telemetry/internal/storage"
)

// State is the queue's externally visible state.
type State string

const (
	StateEmpty        State = "empty"
	StateAccumulating State = "accumulating" // a flush timer is pending
	StateFull         State = "full"         // size threshold reached
	StateOffline      State = "offline"      // events divert to the backlog
)

// Config bounds the queue.
type Config struct {
	MaxBatchSize int
	MaxWait      time.Duration
}

// Deps are the queue's injected capabilities.
type Deps struct {
	Clock ports.Clock
	Store ports.Storage // backs the offline backlog; nil disables persistence
	// Deliver receives each drained, chronologically sorted batch. The sync
	// flag is true on the unload path, where delivery must not start
	// asynchronous work.
	Deliver func(batch event.Batch, sync bool)
	// Replay re-submits one backlog event through the normal track path so it
	// is fully re-enriched rather than raw-resent.
	Replay func(ev event.Event)
}

// Queue is the event buffer. All methods are safe for concurrent use; the
// flush timer fires on its own goroutine.
type Queue struct {
	mu     sync.Mutex
	cfg    Config
	deps   Deps
	logger zerolog.Logger

	pending     []event.Event
	backlog     []event.Event
	timer       *time.Timer
	offline     bool
	storeBroken bool
	inflight    sync.WaitGroup
}

// New creates a queue and recovers any backlog persisted by a previous
// session. Recovered events are replayed on the first online transition.
func New(cfg Config, deps Deps) *Queue {
	q := &Queue{
		cfg:    cfg,
		deps:   deps,
		logger: log.WithComponent("queue"),
	}
	q.loadBacklog()
	return q
}

// Enqueue accepts one event. While offline every event goes to the persisted
// backlog. Online, a force flag or reaching the batch-size threshold flushes
// immediately; otherwise a single coalescing timer is armed.
func (q *Queue) Enqueue(ev event.Event, force bool) {
	q.mu.Lock()

	if q.offline {
		q.backlog = append(q.backlog, ev)
		q.persistBacklogLocked()
		metrics.SetBacklogDepth(len(q.backlog))
		q.mu.Unlock()
		return
	}

	q.pending = append(q.pending, ev)
	metrics.IncEnqueued(string(ev.Kind))

	if force || len(q.pending) >= q.cfg.MaxBatchSize {
		batch := q.drainLocked()
		q.mu.Unlock()
		q.deliver(batch, false)
		return
	}

	if q.timer == nil {
		q.timer = time.AfterFunc(q.cfg.MaxWait, q.Flush)
	}
	q.mu.Unlock()
}

// Flush drains the queue and hands the sorted batch to the delivery callback.
func (q *Queue) Flush() {
	q.mu.Lock()
	batch := q.drainLocked()
	q.mu.Unlock()
	q.deliver(batch, false)
}

// FlushSync performs the same drain as Flush but flags the delivery as
// synchronous. This is the unload-path variant: asynchronous continuations
// started during page teardown are not guaranteed to run.
func (q *Queue) FlushSync() {
	q.mu.Lock()
	batch := q.drainLocked()
	q.mu.Unlock()
	q.deliver(batch, true)
}

// drainLocked empties the pending queue and always clears a pending timer so
// no second flush fires against an already-emptied queue.
func (q *Queue) drainLocked() event.Batch {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	if len(q.pending) == 0 {
		return event.Batch{}
	}
	events := q.pending
	q.pending = nil
	batch := event.NewBatch(events, q.deps.Clock.Now())
	batch.Sort()
	return batch
}

// deliver hands a drained batch to the delivery callback. Asynchronous
// deliveries run on their own goroutine so a slow or retrying transport never
// blocks the goroutine that triggered the flush; the synchronous unload path
// stays inline because page teardown won't wait for background work.
func (q *Queue) deliver(batch event.Batch, sync bool) {
	if batch.Len() == 0 {
		return
	}
	if sync {
		q.send(batch, true)
		return
	}
	q.inflight.Add(1)
	go func() {
		defer q.inflight.Done()
		q.send(batch, false)
	}()
}

func (q *Queue) send(batch event.Batch, sync bool) {
	start := q.deps.Clock.Now()
	q.deps.Deliver(batch, sync)
	metrics.ObserveFlush(q.deps.Clock.Now().Sub(start).Seconds())
}

// SetOnline switches the online/offline flag. Going offline merely diverts
// subsequent events; coming back online replays the whole backlog through the
// normal enqueue path (full re-enrichment, not a raw resend) and clears the
// persisted copy.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	if !online {
		q.offline = true
		q.mu.Unlock()
		return
	}
	wasOffline := q.offline || len(q.backlog) > 0
	q.offline = false
	replay := q.backlog
	q.backlog = nil
	q.clearBacklogLocked()
	metrics.SetBacklogDepth(0)
	q.mu.Unlock()

	if !wasOffline || len(replay) == 0 {
		return
	}
	q.logger.Debug().Int("events", len(replay)).Str("event", "queue.backlog_replay").Msg("replaying offline backlog")
	for _, ev := range replay {
		if q.deps.Replay != nil {
			q.deps.Replay(ev)
		}
	}
}

// State reports the queue's current state.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch {
	case q.offline:
		return StateOffline
	case len(q.pending) >= q.cfg.MaxBatchSize:
		return StateFull
	case q.timer != nil:
		return StateAccumulating
	default:
		return StateEmpty
	}
}

// Depth returns the number of pending in-memory events.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// BacklogDepth returns the number of events in the offline backlog.
func (q *Queue) BacklogDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

// Close stops a pending flush timer without flushing and waits for in-flight
// asynchronous deliveries to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.mu.Unlock()
	q.inflight.Wait()
}

func (q *Queue) loadBacklog() {
	if q.deps.Store == nil {
		return
	}
	raw, ok, err := q.deps.Store.Get(storage.KeyBacklog)
	if err != nil || !ok || len(raw) == 0 {
		return
	}
	var events []event.Event
	if err := json.Unmarshal(raw, &events); err != nil {
		q.logger.Debug().Err(err).Str("event", "queue.backlog_corrupt").Msg("discarding unreadable backlog")
		_ = q.deps.Store.Delete(storage.KeyBacklog)
		return
	}
	q.backlog = events
	metrics.SetBacklogDepth(len(q.backlog))
}

// persistBacklogLocked mirrors the in-memory backlog to durable storage. A
// storage failure flips the queue to memory-only for the rest of the session.
func (q *Queue) persistBacklogLocked() {
	if q.deps.Store == nil || q.storeBroken {
		return
	}
	raw, err := json.Marshal(q.backlog)
	if err == nil {
		err = q.deps.Store.Set(storage.KeyBacklog, raw)
	}
	if err != nil {
		q.storeBroken = true
		q.logger.Debug().Err(err).Str("event", "queue.backlog_persist_failed").Msg("continuing memory-only")
	}
}

func (q *Queue) clearBacklogLocked() {
	if q.deps.Store == nil || q.storeBroken {
		return
	}
	if err := q.deps.Store.Delete(storage.KeyBacklog); err != nil {
		q.logger.Debug().Err(err).Str("event", "queue.backlog_clear_failed").Msg("backlog not cleared")
	}
}
