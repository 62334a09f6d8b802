// SPDX-License-Identifier: MIT

// Package ports declares the capability interfaces the pipeline depends on.
// In a browser embedding they are backed by the real runtime (localStorage,
// the analytics SDK handle, sendBeacon, fetch-with-keepalive); in tests and
// non-browser environments the Nop implementations keep every component
// constructible without ambient globals.
package ports

import (
	"net/http"
	"net/url"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Storage is a small durable key-value surface scoped to the embedding
// environment (localStorage in a browser). Values survive page loads but not
// necessarily forever; callers must tolerate missing keys.
type Storage interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// SDKHandle is the already-initialized third-party analytics client. Capture
// accepts an event name and a flat property map; the receiver does not
// guarantee ordering across rapid calls.
type SDKHandle interface {
	Ready() bool
	Capture(name string, props map[string]any) error
}

// Beacon is the guaranteed out-of-band channel: a fire-and-forget submission
// that the host environment completes even while the page unloads. The
// boolean reports whether the payload was accepted for transmission, not
// whether it arrived.
type Beacon interface {
	Send(endpoint string, payload []byte) bool
}

// HTTPDoer issues keepalive-flagged requests while the page is still alive.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Location is a snapshot of the current document location.
type Location struct {
	Host  string
	Path  string
	Query url.Values
}

// Runtime exposes the ambient page environment the pipeline reads from:
// location, referrer, viewport, agent identity and privacy signals.
type Runtime interface {
	Location() Location
	Referrer() string
	UserAgent() string
	Viewport() (width, height int)
	DoNotTrack() bool
	// Capability probes used as secondary bot signals.
	HasStorage() bool
	HasHistoryAPI() bool
}

// NopSDK is an SDKHandle that is never ready.
type NopSDK struct{}

func (NopSDK) Ready() bool                          { return false }
func (NopSDK) Capture(string, map[string]any) error { return nil }

// NopBeacon rejects every payload.
type NopBeacon struct{}

func (NopBeacon) Send(string, []byte) bool { return false }

// NopRuntime reports an empty environment with full capabilities, suitable
// for tests and non-browser embeddings.
type NopRuntime struct{}

func (NopRuntime) Location() Location {
	return Location{Host: "", Path: "/", Query: url.Values{}}
}
func (NopRuntime) Referrer() string     { return "" }
func (NopRuntime) UserAgent() string    { return "" }
func (NopRuntime) Viewport() (int, int) { return 0, 0 }
func (NopRuntime) DoNotTrack() bool     { return false }
func (NopRuntime) HasStorage() bool     { return true }
func (NopRuntime) HasHistoryAPI() bool  { return true }
