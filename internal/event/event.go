// SPDX-License-Identifier: MIT

// Package event defines the analytics event model shared by the whole
// pipeline: the closed set of event kinds, the per-event base metadata, and
// the chronologically sorted batch handed to transports.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies one variant of the closed event union. Adding a kind means
// extending this list plus the switches in Critical and KnownKind; unknown
// kinds are rejected at the facade boundary.
type Kind string

const (
	KindToolUse        Kind = "tool_use"
	KindToolError      Kind = "tool_error"
	KindCopy           Kind = "copy"
	KindDownload       Kind = "download"
	KindFavoriteChange Kind = "favorite_change"
	KindSessionStart   Kind = "session_start"
	KindTabHidden      Kind = "tab_hidden"
	KindTabVisible     Kind = "tab_visible"
	KindSessionEnd     Kind = "session_end"
	KindSocialClick    Kind = "social_click"
	KindConversion     Kind = "conversion"
	KindEngagement     Kind = "engagement"
	KindPageView       Kind = "page_view"
)

var allKinds = map[Kind]struct{}{
	KindToolUse: {}, KindToolError: {}, KindCopy: {}, KindDownload: {},
	KindFavoriteChange: {}, KindSessionStart: {}, KindTabHidden: {},
	KindTabVisible: {}, KindSessionEnd: {}, KindSocialClick: {},
	KindConversion: {}, KindEngagement: {}, KindPageView: {},
}

// KnownKind reports whether k is part of the closed union.
func KnownKind(k Kind) bool {
	_, ok := allKinds[k]
	return ok
}

// Critical reports whether events of this kind must be delivered through the
// guaranteed channel as soon as they are enqueued. Critical events cannot be
// recovered once the page is gone.
func Critical(k Kind) bool {
	switch k {
	case KindSessionEnd, KindConversion:
		return true
	default:
		return false
	}
}

// Tenure classifies how established the user is, derived from the locally
// stored count of prior tool-usage records.
type Tenure string

const (
	TenureFirstTime Tenure = "first_time" // no prior tool use
	TenureReturning Tenure = "returning"  // fewer than 10 prior uses
	TenurePower     Tenure = "power"      // 10 or more prior uses
)

// TenureFor maps a prior tool-use count to a tenure level.
func TenureFor(priorUses int) Tenure {
	switch {
	case priorUses <= 0:
		return TenureFirstTime
	case priorUses < 10:
		return TenureReturning
	default:
		return TenurePower
	}
}

// Viewport describes the visible page area at capture time.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Base is the metadata shared by every event variant. Enrichment is additive
// only: a field already set on the event is never overwritten.
type Base struct {
	SessionID  string         `json:"session_id,omitempty"`
	Locale     string         `json:"locale,omitempty"`
	Tenure     Tenure         `json:"tenure,omitempty"`
	Viewport   Viewport       `json:"viewport,omitempty"`
	Mobile     bool           `json:"mobile,omitempty"`
	CapturedAt int64          `json:"captured_at"` // epoch milliseconds
	Ext        map[string]any `json:"ext,omitempty"`
}

// Event is one tracked occurrence. Name carries the caller-facing event name
// (which may be more specific than the kind); Props the kind-specific fields.
type Event struct {
	Kind  Kind           `json:"kind"`
	Name  string         `json:"name"`
	Props map[string]any `json:"props,omitempty"`
	Meta  Base           `json:"meta"`
}

// SetExt records an extension field on the event's base metadata, allocating
// the map on first use.
func (e *Event) SetExt(key string, value any) {
	if e.Meta.Ext == nil {
		e.Meta.Ext = make(map[string]any)
	}
	e.Meta.Ext[key] = value
}

// Flat returns the event's properties merged with its base metadata as the
// flat map shape the SDK channel expects.
func (e *Event) Flat() map[string]any {
	out := make(map[string]any, len(e.Props)+8)
	for k, v := range e.Props {
		out[k] = v
	}
	out["$kind"] = string(e.Kind)
	if e.Meta.SessionID != "" {
		out["session_id"] = e.Meta.SessionID
	}
	if e.Meta.Locale != "" {
		out["locale"] = e.Meta.Locale
	}
	if e.Meta.Tenure != "" {
		out["tenure"] = string(e.Meta.Tenure)
	}
	if e.Meta.Viewport != (Viewport{}) {
		out["viewport_width"] = e.Meta.Viewport.Width
		out["viewport_height"] = e.Meta.Viewport.Height
		out["mobile"] = e.Meta.Mobile
	}
	out["captured_at"] = e.Meta.CapturedAt
	for k, v := range e.Meta.Ext {
		out[k] = v
	}
	return out
}

// DeliveryResult reports the outcome of one batch send.
type DeliveryResult struct {
	OK       bool
	Channel  string
	Err      error
	Attempts int
}

// NewBatch wraps events into a batch stamped with a fresh id.
func NewBatch(events []Event, createdAt time.Time) Batch {
	return Batch{
		ID:        uuid.NewString(),
		CreatedAt: createdAt,
		Events:    events,
	}
}
