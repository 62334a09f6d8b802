// SPDX-License-Identifier: MIT

package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolary/telemetry/internal/botdetect"
	"github.com/toolary/telemetry/internal/config"
	"github.com/toolary/telemetry/internal/event"
	"github.com/toolary/telemetry/internal/ports"
	"github.com/toolary/telemetry/internal/privacy"
)

type fakeSDK struct {
	ready    bool
	fail     bool
	mu       sync.Mutex
	captured []string
}

func (s *fakeSDK) Ready() bool { return s.ready }

func (s *fakeSDK) Capture(name string, props map[string]any) error {
	if s.fail {
		return errors.New("sdk unavailable")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captured = append(s.captured, name)
	return nil
}

type fakeBeacon struct {
	accept   bool
	payloads [][]byte
}

func (b *fakeBeacon) Send(endpoint string, payload []byte) bool {
	b.payloads = append(b.payloads, payload)
	return b.accept
}

// fakeDoer serves a scripted sequence of status codes, then repeats the last.
type fakeDoer struct {
	statuses []int
	calls    int
}

func (d *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	i := d.calls
	if i >= len(d.statuses) {
		i = len(d.statuses) - 1
	}
	d.calls++
	return &http.Response{
		StatusCode: d.statuses[i],
		Body:       io.NopCloser(strings.NewReader("")),
	}, nil
}

func testCfg() (config.Delivery, config.Retry) {
	return config.Delivery{
			Endpoint:    "http://collector.invalid/v1/batch",
			Keepalive:   true,
			EventPacing: time.Millisecond,
		}, config.Retry{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			Multiplier:      2.0,
		}
}

func batchOf(events ...event.Event) event.Batch {
	return event.NewBatch(events, time.UnixMilli(1_700_000_000_000))
}

func TestSendBatchPrefersSDK(t *testing.T) {
	cfg, retry := testCfg()
	sdk := &fakeSDK{ready: true}
	beacon := &fakeBeacon{accept: true}
	a := New(cfg, retry, false, privacy.Suppressor{}, Deps{SDK: sdk, Beacon: beacon, Runtime: ports.NopRuntime{}})

	res := a.SendBatch(context.Background(), batchOf(
		event.Event{Kind: event.KindPageView, Name: "page_view", Meta: event.Base{CapturedAt: 1}},
		event.Event{Kind: event.KindToolUse, Name: "tool_use", Meta: event.Base{CapturedAt: 2}},
	), PageState{})

	require.True(t, res.OK)
	assert.Equal(t, ChannelSDK, res.Channel)
	assert.Equal(t, []string{"page_view", "tool_use"}, sdk.captured)
	assert.Empty(t, beacon.payloads, "beacon must not be touched on sdk success")
}

func TestSendBatchFallsBackToBeacon(t *testing.T) {
	cfg, retry := testCfg()
	sdk := &fakeSDK{ready: true, fail: true}
	beacon := &fakeBeacon{accept: true}
	a := New(cfg, retry, false, privacy.Suppressor{}, Deps{SDK: sdk, Beacon: beacon, Runtime: ports.NopRuntime{}})

	res := a.SendBatch(context.Background(), batchOf(
		event.Event{Kind: event.KindToolUse, Name: "tool_use", Meta: event.Base{CapturedAt: 1}},
	), PageState{})

	require.True(t, res.OK)
	assert.Equal(t, ChannelBeacon, res.Channel)
	assert.Equal(t, 2, res.Attempts)
	require.Len(t, beacon.payloads, 1)

	var sent event.Batch
	require.NoError(t, json.Unmarshal(beacon.payloads[0], &sent))
	assert.Equal(t, 1, sent.Len())
}

func TestSendBatchSkipsUnreadySDK(t *testing.T) {
	cfg, retry := testCfg()
	sdk := &fakeSDK{ready: false}
	beacon := &fakeBeacon{accept: true}
	a := New(cfg, retry, false, privacy.Suppressor{}, Deps{SDK: sdk, Beacon: beacon, Runtime: ports.NopRuntime{}})

	res := a.SendBatch(context.Background(), batchOf(
		event.Event{Kind: event.KindCopy, Name: "copy", Meta: event.Base{CapturedAt: 1}},
	), PageState{})

	require.True(t, res.OK)
	assert.Equal(t, ChannelBeacon, res.Channel)
	assert.Empty(t, sdk.captured)
}

func TestSendBatchPreferBeaconConfig(t *testing.T) {
	cfg, retry := testCfg()
	cfg.PreferBeacon = true
	sdk := &fakeSDK{ready: true}
	beacon := &fakeBeacon{accept: true}
	a := New(cfg, retry, false, privacy.Suppressor{}, Deps{SDK: sdk, Beacon: beacon, Runtime: ports.NopRuntime{}})

	res := a.SendBatch(context.Background(), batchOf(
		event.Event{Kind: event.KindToolUse, Name: "tool_use", Meta: event.Base{CapturedAt: 1}},
	), PageState{})

	require.True(t, res.OK)
	assert.Equal(t, ChannelBeacon, res.Channel)
	assert.Empty(t, sdk.captured)
}

func TestCriticalBatchOnHiddenPageGoesBeaconFirst(t *testing.T) {
	cfg, retry := testCfg()
	sdk := &fakeSDK{ready: true}
	beacon := &fakeBeacon{accept: true}
	a := New(cfg, retry, false, privacy.Suppressor{}, Deps{SDK: sdk, Beacon: beacon, Runtime: ports.NopRuntime{}})

	res := a.SendBatch(context.Background(), batchOf(
		event.Event{Kind: event.KindSessionEnd, Name: "session_end", Meta: event.Base{CapturedAt: 1}},
	), PageState{Hidden: true})

	require.True(t, res.OK)
	assert.Equal(t, ChannelBeacon, res.Channel)
	assert.Empty(t, sdk.captured, "a critical batch on a hidden page must not risk the sdk channel")
}

func TestKeepaliveRetriesUntilSuccess(t *testing.T) {
	cfg, retry := testCfg()
	beacon := &fakeBeacon{accept: false}
	doer := &fakeDoer{statuses: []int{502, 502, 202}}
	a := New(cfg, retry, false, privacy.Suppressor{}, Deps{Beacon: beacon, HTTP: doer, Runtime: ports.NopRuntime{}})

	res := a.SendBatch(context.Background(), batchOf(
		event.Event{Kind: event.KindToolUse, Name: "tool_use", Meta: event.Base{CapturedAt: 1}},
	), PageState{})

	require.True(t, res.OK)
	assert.Equal(t, ChannelKeepalive, res.Channel)
	assert.Equal(t, 3, doer.calls)
}

func TestKeepaliveGivesUpAfterMaxAttempts(t *testing.T) {
	cfg, retry := testCfg()
	beacon := &fakeBeacon{accept: false}
	doer := &fakeDoer{statuses: []int{500}}
	a := New(cfg, retry, false, privacy.Suppressor{}, Deps{Beacon: beacon, HTTP: doer, Runtime: ports.NopRuntime{}})

	res := a.SendBatch(context.Background(), batchOf(
		event.Event{Kind: event.KindDownload, Name: "download", Meta: event.Base{CapturedAt: 1}},
	), PageState{})

	require.False(t, res.OK)
	assert.Equal(t, ChannelKeepalive, res.Channel)
	assert.Error(t, res.Err)
	assert.Equal(t, retry.MaxAttempts, doer.calls)
}

func TestUnloadingSkipsKeepalive(t *testing.T) {
	cfg, retry := testCfg()
	beacon := &fakeBeacon{accept: false}
	doer := &fakeDoer{statuses: []int{202}}
	a := New(cfg, retry, false, privacy.Suppressor{}, Deps{Beacon: beacon, HTTP: doer, Runtime: ports.NopRuntime{}})

	res := a.SendBatch(context.Background(), batchOf(
		event.Event{Kind: event.KindCopy, Name: "copy", Meta: event.Base{CapturedAt: 1}},
	), PageState{Unloading: true})

	require.False(t, res.OK)
	assert.Equal(t, 0, doer.calls, "keepalive must not run during unload")
}

func TestCriticalFailureKeptForUnloadRetry(t *testing.T) {
	cfg, retry := testCfg()
	cfg.Keepalive = false
	beacon := &fakeBeacon{accept: false}
	a := New(cfg, retry, false, privacy.Suppressor{}, Deps{Beacon: beacon, Runtime: ports.NopRuntime{}})

	res := a.SendBatch(context.Background(), batchOf(
		event.Event{Kind: event.KindSessionEnd, Name: "session_end", Meta: event.Base{CapturedAt: 1}},
	), PageState{})
	require.False(t, res.OK)

	// The unload path grants exactly one more beacon attempt.
	beacon.accept = true
	retryRes := a.RetryFailedCritical()
	require.True(t, retryRes.OK)
	assert.Equal(t, ChannelBeacon, retryRes.Channel)
	assert.Len(t, beacon.payloads, 2)

	// A second retry has nothing left to send.
	again := a.RetryFailedCritical()
	assert.True(t, again.OK)
	assert.Equal(t, ChannelNone, again.Channel)
	assert.Len(t, beacon.payloads, 2)
}

func TestSuppressionBlocksAllChannels(t *testing.T) {
	cfg, retry := testCfg()
	sdk := &fakeSDK{ready: true}
	beacon := &fakeBeacon{accept: true}
	sup := privacy.Suppressor{Verdict: botdetect.Verdict{Bot: true, Reason: "crawler"}}
	a := New(cfg, retry, false, sup, Deps{SDK: sdk, Beacon: beacon, Runtime: ports.NopRuntime{}})

	res := a.SendBatch(context.Background(), batchOf(
		event.Event{Kind: event.KindPageView, Name: "page_view", Meta: event.Base{CapturedAt: 1}},
	), PageState{})

	require.False(t, res.OK)
	assert.Equal(t, ChannelNone, res.Channel)
	assert.Empty(t, sdk.captured)
	assert.Empty(t, beacon.payloads)
}

func TestSanitizationAppliedBeforeTransport(t *testing.T) {
	cfg, retry := testCfg()
	beacon := &fakeBeacon{accept: true}
	a := New(cfg, retry, true, privacy.Suppressor{}, Deps{Beacon: beacon, Runtime: ports.NopRuntime{}})

	res := a.SendBatch(context.Background(), batchOf(event.Event{
		Kind:  event.KindToolError,
		Name:  "tool_error",
		Props: map[string]any{"message": "failed for alice@example.com from 10.0.0.1"},
		Meta:  event.Base{CapturedAt: 1},
	}), PageState{})

	require.True(t, res.OK)
	require.Len(t, beacon.payloads, 1)
	payload := string(beacon.payloads[0])
	assert.NotContains(t, payload, "alice@example.com")
	assert.NotContains(t, payload, "10.0.0.1")
	assert.Contains(t, payload, privacy.MarkerEmail)
	assert.Contains(t, payload, privacy.MarkerIP)
}

func TestEmptyBatchIsNoop(t *testing.T) {
	cfg, retry := testCfg()
	beacon := &fakeBeacon{accept: true}
	a := New(cfg, retry, true, privacy.Suppressor{}, Deps{Beacon: beacon, Runtime: ports.NopRuntime{}})

	res := a.SendBatch(context.Background(), batchOf(), PageState{})
	assert.True(t, res.OK)
	assert.Equal(t, ChannelNone, res.Channel)
	assert.Empty(t, beacon.payloads)
}
