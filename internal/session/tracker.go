// SPDX-License-Identifier: MIT

// Package session owns session identity and the visibility/unload state
// machine: ACTIVE(visible) ⇄ ACTIVE(hidden) → ENDED. It emits session-start,
// tab-hidden, tab-visible and session-end summaries into the same
// queue/delivery path every other event takes.
package session

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/toolary/telemetry/internal/event"
	"github.com/toolary/telemetry/internal/log"
	"github.com/toolary/telemetry/internal/metrics"
	"github.com/toolary/telemetry/internal/ports"
	"github.com/toolary/telemetry/internal/storage"
)

// MinReportableSession is the floor below which a session end is not
// reported. Bounces and residual bot probes would otherwise pollute the
// duration metrics. A session of exactly this length reports.
const MinReportableSession = 5 * time.Second

// Record is the per-tab session bookkeeping. It is owned exclusively by the
// Tracker and never shared by reference outward.
type Record struct {
	ID            string
	StartedAt     time.Time
	LastActivity  time.Time
	PageViews     int
	Events        int
	Tools         map[string]struct{}
	LastVisibleAt time.Time
	LastHiddenAt  time.Time // zero while visible
	HiddenTotal   time.Duration
	HiddenCount   int
}

// History is the durable cross-session visit record.
type History struct {
	Visits    int   `json:"visits"`
	LastVisit int64 `json:"last_visit"` // epoch milliseconds
}

// Deps are the tracker's injected capabilities.
type Deps struct {
	Clock ports.Clock
	Store ports.Storage
	// SessionID supplies the stable per-tab session id (minted by the
	// enricher so both components agree on it).
	SessionID func() string
	// Emit feeds a session event into the normal track path. The sync flag
	// is set on the unload path, where the queue must drain synchronously.
	Emit func(kind event.Kind, props map[string]any, sync bool)
}

// Tracker is the session state machine.
type Tracker struct {
	deps   Deps
	logger zerolog.Logger

	rec     *Record
	hidden  bool
	ended   bool
	started bool
}

// New creates an idle tracker; nothing happens until Start.
func New(deps Deps) *Tracker {
	return &Tracker{
		deps:   deps,
		logger: log.WithComponent("session"),
	}
}

// Start records the first interaction in this tab: it creates the session
// record, updates the durable visit history, and emits session_start.
// Repeated calls are no-ops.
func (t *Tracker) Start() {
	if t.started {
		return
	}
	t.started = true

	now := t.deps.Clock.Now()
	t.rec = &Record{
		ID:            t.deps.SessionID(),
		StartedAt:     now,
		LastActivity:  now,
		Tools:         make(map[string]struct{}),
		LastVisibleAt: now,
	}

	hist := t.bumpHistory(now)
	t.deps.Emit(event.KindSessionStart, map[string]any{
		"visit_number": hist.Visits,
		"returning":    hist.Visits > 1,
	}, false)
}

// bumpHistory read-modify-writes the visit history within one synchronous
// turn. A concurrent tab can race the write; accepted limitation.
func (t *Tracker) bumpHistory(now time.Time) History {
	var hist History
	if raw, ok, err := t.deps.Store.Get(storage.KeyVisitHistory); err == nil && ok {
		if err := json.Unmarshal(raw, &hist); err != nil {
			hist = History{}
		}
	}
	hist.Visits++
	hist.LastVisit = now.UnixMilli()
	if raw, err := json.Marshal(hist); err == nil {
		if err := t.deps.Store.Set(storage.KeyVisitHistory, raw); err != nil {
			t.logger.Debug().Err(err).Str("event", "session.history_persist_failed").Msg("visit history not persisted")
		}
	}
	return hist
}

// NoteActivity folds one tracked event into the session counters.
func (t *Tracker) NoteActivity(kind event.Kind, toolID string) {
	if t.rec == nil || t.ended {
		return
	}
	t.rec.Events++
	t.rec.LastActivity = t.deps.Clock.Now()
	if kind == event.KindPageView {
		t.rec.PageViews++
	}
	if toolID != "" {
		t.rec.Tools[toolID] = struct{}{}
	}
}

// Hidden transitions visible → hidden, emitting tab_hidden with the elapsed
// visible duration.
func (t *Tracker) Hidden() {
	if t.rec == nil || t.ended || t.hidden {
		return
	}
	now := t.deps.Clock.Now()
	visible := now.Sub(t.rec.LastVisibleAt)
	t.rec.LastHiddenAt = now
	t.rec.HiddenCount++
	t.hidden = true

	t.deps.Emit(event.KindTabHidden, map[string]any{
		"visible_ms": visible.Milliseconds(),
	}, false)
}

// Visible transitions hidden → visible, emitting tab_visible with the elapsed
// hidden duration and folding it into the cumulative hidden total.
func (t *Tracker) Visible() {
	if t.rec == nil || t.ended || !t.hidden {
		return
	}
	now := t.deps.Clock.Now()
	hiddenFor := now.Sub(t.rec.LastHiddenAt)
	t.rec.HiddenTotal += hiddenFor
	t.rec.LastHiddenAt = time.Time{}
	t.rec.LastVisibleAt = now
	t.hidden = false

	t.deps.Emit(event.KindTabVisible, map[string]any{
		"hidden_ms": hiddenFor.Milliseconds(),
	}, false)
}

// End terminates the session on unload or final hide and emits the
// session-end summary through the guaranteed channel via a forced synchronous
// flush. Sessions shorter than MinReportableSession are not reported.
func (t *Tracker) End() {
	if t.rec == nil || t.ended {
		return
	}
	t.ended = true

	now := t.deps.Clock.Now()
	duration := now.Sub(t.rec.StartedAt)
	if duration < MinReportableSession {
		metrics.IncSessionEnded("under_floor")
		t.logger.Debug().Dur("duration", duration).Str("event", "session.under_floor").Msg("session not reported")
		return
	}

	hiddenTotal := t.rec.HiddenTotal
	if t.hidden && !t.rec.LastHiddenAt.IsZero() {
		// Still-open hidden interval counts against active time too.
		hiddenTotal += now.Sub(t.rec.LastHiddenAt)
	}
	active := duration - hiddenTotal

	tools := make([]string, 0, len(t.rec.Tools))
	for id := range t.rec.Tools {
		tools = append(tools, id)
	}
	sort.Strings(tools)

	metrics.IncSessionEnded("reported")
	t.deps.Emit(event.KindSessionEnd, map[string]any{
		"duration_ms":      duration.Milliseconds(),
		"active_ms":        active.Milliseconds(),
		"page_views":       t.rec.PageViews,
		"events":           t.rec.Events,
		"tool_count":       len(tools),
		"tools":            tools,
		"tab_hidden_count": t.rec.HiddenCount,
	}, true)
}

// Snapshot returns a copy of the current record for diagnostics; the tracker
// retains exclusive ownership of the live record.
func (t *Tracker) Snapshot() Record {
	if t.rec == nil {
		return Record{}
	}
	out := *t.rec
	out.Tools = make(map[string]struct{}, len(t.rec.Tools))
	for k := range t.rec.Tools {
		out.Tools[k] = struct{}{}
	}
	return out
}

// Ended reports whether the session has been terminalized.
func (t *Tracker) Ended() bool { return t.ended }
