// SPDX-License-Identifier: MIT

package normalize

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/toolary/telemetry/internal/event"
	"github.com/toolary/telemetry/internal/log"
	"github.com/toolary/telemetry/internal/ports"
	"github.com/toolary/telemetry/internal/storage"
)

// MobileBreakpoint is the viewport width below which the session counts as
// mobile. Matches the site's CSS breakpoint.
const MobileBreakpoint = 768

// Referrer classifications.
const (
	ReferrerDirect   = "direct"
	ReferrerInternal = "internal"
)

var utmParams = []string{"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content"}

// Enricher fills missing base metadata on raw events from the ambient
// runtime. Enrichment is additive only: a field the caller already set is
// never overwritten.
type Enricher struct {
	runtime ports.Runtime
	store   ports.Storage
	clock   ports.Clock
	logger  zerolog.Logger

	sessionID string // cached after first mint/lookup
}

// NewEnricher creates an enricher over the given capability ports.
func NewEnricher(runtime ports.Runtime, store ports.Storage, clock ports.Clock) *Enricher {
	return &Enricher{
		runtime: runtime,
		store:   store,
		clock:   clock,
		logger:  log.WithComponent("normalize"),
	}
}

// SessionID returns the stable session id for this tab, minting and
// persisting one on first use. Storage failures degrade to an unpersisted id
// for the rest of the session.
func (e *Enricher) SessionID() string {
	if e.sessionID != "" {
		return e.sessionID
	}
	if raw, ok, err := e.store.Get(storage.KeySessionID); err == nil && ok && len(raw) > 0 {
		e.sessionID = string(raw)
		return e.sessionID
	}
	e.sessionID = uuid.NewString()
	if err := e.store.Set(storage.KeySessionID, []byte(e.sessionID)); err != nil {
		e.logger.Debug().Err(err).Str("event", "enrich.session_persist_failed").Msg("continuing with unpersisted session id")
	}
	return e.sessionID
}

// Enrich fills the event's missing base metadata in place.
func (e *Enricher) Enrich(ev *event.Event) {
	loc := e.runtime.Location()

	if ev.Meta.CapturedAt == 0 {
		ev.Meta.CapturedAt = e.clock.Now().UnixMilli()
	}
	if ev.Meta.SessionID == "" {
		ev.Meta.SessionID = e.SessionID()
	}
	if ev.Meta.Locale == "" {
		if l := Locale(loc.Path); l != "" {
			ev.Meta.Locale = l
		} else {
			ev.Meta.Locale = "en"
		}
	}
	if ev.Meta.Viewport == (event.Viewport{}) {
		w, h := e.runtime.Viewport()
		if w > 0 || h > 0 {
			ev.Meta.Viewport = event.Viewport{Width: w, Height: h}
			ev.Meta.Mobile = w < MobileBreakpoint
		}
	}
	if ev.Meta.Tenure == "" {
		ev.Meta.Tenure = event.TenureFor(e.toolUseCount())
	}
	if _, ok := ev.Meta.Ext["referrer"]; !ok {
		ev.SetExt("referrer", e.classifyReferrer(loc.Host))
	}
	e.attachUTM(ev, loc.Query)
}

// classifyReferrer buckets the document referrer: empty is direct, same-origin
// is internal, anything else is reported as the external hostname.
func (e *Enricher) classifyReferrer(host string) string {
	ref := strings.TrimSpace(e.runtime.Referrer())
	if ref == "" {
		return ReferrerDirect
	}
	u, err := url.Parse(ref)
	if err != nil || u.Host == "" {
		return ReferrerDirect
	}
	if strings.EqualFold(u.Host, host) {
		return ReferrerInternal
	}
	return u.Hostname()
}

func (e *Enricher) attachUTM(ev *event.Event, query url.Values) {
	for _, p := range utmParams {
		if v := query.Get(p); v != "" {
			if _, ok := ev.Meta.Ext[p]; !ok {
				ev.SetExt(p, v)
			}
		}
	}
}

// toolUseCount reads the durable prior-tool-use counter.
func (e *Enricher) toolUseCount() int {
	raw, ok, err := e.store.Get(storage.KeyToolUses)
	if err != nil || !ok {
		return 0
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0
	}
	return n
}

// RecordToolUse increments the durable tool-use counter that feeds tenure
// classification. Failures are absorbed; tenure then just stays conservative.
func (e *Enricher) RecordToolUse() {
	n := e.toolUseCount() + 1
	if err := e.store.Set(storage.KeyToolUses, []byte(strconv.Itoa(n))); err != nil {
		e.logger.Debug().Err(err).Str("event", "enrich.tool_count_persist_failed").Msg("tool-use counter not persisted")
	}
}
