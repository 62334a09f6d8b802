// SPDX-License-Identifier: MIT

// Package telemetry is the tracking facade: the single entry point UI code
// calls. It composes the bot detector, enricher, queue, delivery adapter and
// session tracker behind one explicit Pipeline object; there are no hidden
// package-level singletons. Track never panics into, blocks, or otherwise
// alters the behavior of the caller.
package telemetry

import (
	"context"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/toolary/telemetry/internal/botdetect"
	"github.com/toolary/telemetry/internal/config"
	"github.com/toolary/telemetry/internal/delivery"
	"github.com/toolary/telemetry/internal/event"
	"github.com/toolary/telemetry/internal/log"
	"github.com/toolary/telemetry/internal/metrics"
	"github.com/toolary/telemetry/internal/normalize"
	"github.com/toolary/telemetry/internal/ports"
	"github.com/toolary/telemetry/internal/privacy"
	"github.com/toolary/telemetry/internal/queue"
	"github.com/toolary/telemetry/internal/session"
	"github.com/toolary/telemetry/internal/storage"
)

// Deps are the pipeline's capability ports. Zero values get safe defaults:
// system clock, in-memory storage, inert runtime and transports.
type Deps struct {
	Clock   ports.Clock
	Store   ports.Storage
	Runtime ports.Runtime
	SDK     ports.SDKHandle
	Beacon  ports.Beacon
	HTTP    ports.HTTPDoer
}

// Pipeline is the composed tracking facade.
type Pipeline struct {
	cfg     config.Config
	deps    Deps
	logger  zerolog.Logger
	verdict botdetect.Verdict

	enricher *normalize.Enricher
	adapter  *delivery.Adapter
	queue    *queue.Queue
	tracker  *session.Tracker

	// stateMu guards the page state below; it is written on the embedder's
	// goroutine and read by delivery running off the queue's flush timer.
	stateMu   sync.Mutex
	hidden    bool
	unloading bool

	sample func() float64
}

// New builds a pipeline from configuration and capability ports. The bot
// verdict is computed once here and gates every subsequent Track call.
func New(cfg config.Config, deps Deps) *Pipeline {
	if deps.Clock == nil {
		deps.Clock = ports.SystemClock{}
	}
	if deps.Store == nil {
		deps.Store = storage.NewMemory()
	}
	if deps.Runtime == nil {
		deps.Runtime = ports.NopRuntime{}
	}
	if deps.SDK == nil {
		deps.SDK = ports.NopSDK{}
	}
	if deps.Beacon == nil {
		deps.Beacon = ports.NopBeacon{}
	}
	if deps.HTTP == nil {
		deps.HTTP = &http.Client{Timeout: 10 * time.Second}
	}

	level := cfg.LogLevel
	if cfg.Debug {
		level = "debug"
	}
	log.Configure(log.Config{Level: level})

	p := &Pipeline{
		cfg:    cfg,
		deps:   deps,
		logger: log.WithComponent("facade"),
		sample: rand.Float64,
	}

	loc := deps.Runtime.Location()
	p.verdict = botdetect.Classify(
		deps.Runtime.UserAgent(),
		deps.Runtime.Referrer(),
		loc.Host+loc.Path,
		botdetect.Capabilities{
			HasStorage:    deps.Runtime.HasStorage(),
			HasHistoryAPI: deps.Runtime.HasHistoryAPI(),
		},
	)
	if p.verdict.Bot {
		p.logger.Debug().Str("reason", p.verdict.Reason).Float64("confidence", p.verdict.Confidence).
			Str("event", "facade.bot_detected").Msg("tracking disabled for this tab")
	}

	suppressor := privacy.Suppressor{
		Disabled:   cfg.Disabled,
		RespectDNT: cfg.Privacy.RespectDNT,
		Verdict:    p.verdict,
	}

	p.enricher = normalize.NewEnricher(deps.Runtime, deps.Store, deps.Clock)
	p.adapter = delivery.New(cfg.Delivery, cfg.Retry, cfg.Privacy.Sanitize, suppressor, delivery.Deps{
		SDK:     deps.SDK,
		Beacon:  deps.Beacon,
		HTTP:    deps.HTTP,
		Runtime: deps.Runtime,
	})
	p.queue = queue.New(queue.Config{
		MaxBatchSize: cfg.Batch.MaxSize,
		MaxWait:      cfg.Batch.MaxWait,
	}, queue.Deps{
		Clock:   deps.Clock,
		Store:   deps.Store,
		Deliver: p.deliverBatch,
		Replay:  p.replay,
	})
	p.tracker = session.New(session.Deps{
		Clock:     deps.Clock,
		Store:     deps.Store,
		SessionID: p.enricher.SessionID,
		Emit:      p.emitSession,
	})
	return p
}

// Track records one event. It is the only entry point used by callers and
// never propagates failures back to them.
func (p *Pipeline) Track(name string, props map[string]any) {
	defer p.absorb("track")

	if reason := p.suppressed(); reason != "" {
		metrics.IncSuppressed(reason)
		return
	}
	if p.cfg.SampleRate < 1 && p.sample() >= p.cfg.SampleRate {
		metrics.IncSuppressed("sampled")
		return
	}

	kind := event.Kind(name)
	if !event.KnownKind(kind) {
		metrics.IncSuppressed("invalid")
		p.logger.Debug().Str("name", name).Str("event", "facade.unknown_kind").Msg("event discarded")
		return
	}

	p.tracker.Start()

	ev := event.Event{Kind: kind, Name: name, Props: props}
	p.enricher.Enrich(&ev)

	toolID := ""
	if v, ok := props["tool_id"].(string); ok {
		toolID = v
	}
	p.tracker.NoteActivity(kind, toolID)
	if kind == event.KindToolUse {
		p.enricher.RecordToolUse()
	}

	p.queue.Enqueue(ev, event.Critical(kind))
}

// TrackPageView is a convenience wrapper that canonicalizes the path first.
func (p *Pipeline) TrackPageView(path string) {
	pageID := normalize.PageID(path)
	props := map[string]any{"page": pageID}
	if toolID := normalize.ToolID(pageID); toolID != "" {
		props["tool_id"] = toolID
	}
	p.Track(string(event.KindPageView), props)
}

// TrackToolUse records one tool interaction.
func (p *Pipeline) TrackToolUse(toolID, action string) {
	p.Track(string(event.KindToolUse), map[string]any{
		"tool_id": toolID,
		"action":  action,
	})
}

// TrackToolError records a tool failure with a bounded error message.
func (p *Pipeline) TrackToolError(toolID, message string) {
	p.Track(string(event.KindToolError), map[string]any{
		"tool_id": toolID,
		"error":   normalize.Truncate(message, 200),
	})
}

// Flush drains the queue for call sites that control an imminent navigation.
func (p *Pipeline) Flush() {
	defer p.absorb("flush")
	p.queue.Flush()
}

// FlushSync drains the queue synchronously; intended for teardown paths.
func (p *Pipeline) FlushSync() {
	defer p.absorb("flush_sync")
	p.queue.FlushSync()
}

// PageHidden handles the visibility → hidden notification.
func (p *Pipeline) PageHidden() {
	defer p.absorb("page_hidden")
	p.stateMu.Lock()
	p.hidden = true
	p.stateMu.Unlock()
	p.tracker.Hidden()
}

// PageVisible handles the visibility → visible notification.
func (p *Pipeline) PageVisible() {
	defer p.absorb("page_visible")
	p.stateMu.Lock()
	p.hidden = false
	p.stateMu.Unlock()
	p.tracker.Visible()
}

// Online handles the browser's online notification, replaying the backlog.
func (p *Pipeline) Online() {
	defer p.absorb("online")
	p.queue.SetOnline(true)
}

// Offline diverts all subsequent events to the persisted backlog.
func (p *Pipeline) Offline() {
	defer p.absorb("offline")
	p.queue.SetOnline(false)
}

// Unload handles before-unload: it ends the session, drains the queue
// synchronously, and grants a previously failed critical batch its one extra
// synchronous attempt.
func (p *Pipeline) Unload() {
	defer p.absorb("unload")
	p.stateMu.Lock()
	p.unloading = true
	p.stateMu.Unlock()
	p.tracker.End()
	p.queue.FlushSync()
	p.adapter.RetryFailedCritical()
}

// Close releases the pipeline's timers. It does not flush; callers that want
// a final drain use Unload or FlushSync first.
func (p *Pipeline) Close() {
	p.queue.Close()
}

// Session returns a copy of the current session record for diagnostics.
func (p *Pipeline) Session() session.Record {
	return p.tracker.Snapshot()
}

// BotVerdict returns the cached page-load classification.
func (p *Pipeline) BotVerdict() botdetect.Verdict {
	return p.verdict
}

func (p *Pipeline) suppressed() string {
	s := privacy.Suppressor{
		Disabled:   p.cfg.Disabled,
		RespectDNT: p.cfg.Privacy.RespectDNT,
		Verdict:    p.verdict,
	}
	return s.Check(p.deps.Runtime)
}

// emitSession is the tracker's path into the queue. Session events are
// enriched like any other; the sync flag forces the synchronous teardown
// drain.
func (p *Pipeline) emitSession(kind event.Kind, props map[string]any, sync bool) {
	ev := event.Event{Kind: kind, Name: string(kind), Props: props}
	p.enricher.Enrich(&ev)
	p.tracker.NoteActivity(kind, "")

	if sync {
		p.queue.Enqueue(ev, false)
		p.queue.FlushSync()
		return
	}
	p.queue.Enqueue(ev, event.Critical(kind))
}

// replay re-submits one backlog event after an offline period. The event is
// re-enriched (additively, so its original capture time survives) rather
// than raw-resent.
func (p *Pipeline) replay(ev event.Event) {
	defer p.absorb("replay")
	p.enricher.Enrich(&ev)
	p.queue.Enqueue(ev, event.Critical(ev.Kind))
}

func (p *Pipeline) deliverBatch(batch event.Batch, sync bool) {
	defer p.absorb("deliver")
	p.stateMu.Lock()
	page := delivery.PageState{
		Hidden:    p.hidden,
		Unloading: p.unloading || sync,
	}
	p.stateMu.Unlock()
	p.adapter.SendBatch(context.Background(), batch, page)
}

// absorb keeps internal failures away from callers: logged in debug mode,
// otherwise silently swallowed.
func (p *Pipeline) absorb(op string) {
	if r := recover(); r != nil {
		p.logger.Debug().Interface("panic", r).Str("op", op).Str("event", "facade.recovered").Msg("internal failure absorbed")
	}
}
