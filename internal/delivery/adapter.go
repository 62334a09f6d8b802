// SPDX-License-Identifier: MIT

// Package delivery sends sorted batches through a prioritized chain of
// transport channels: the analytics SDK, the guaranteed out-of-band beacon,
// and a keepalive network request. Privacy short-circuits and PII
// sanitization run before any channel is attempted.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/toolary/telemetry/internal/config"
	"github.com/toolary/telemetry/internal/event"
	"github.com/toolary/telemetry/internal/log"
	"github.com/toolary/telemetry/internal/metrics"
	"github.com/toolary/telemetry/internal/ports"
	"github.com/toolary/telemetry/internal/privacy"
)

// Channel names reported in DeliveryResult and metrics.
const (
	ChannelSDK       = "sdk"
	ChannelBeacon    = "beacon"
	ChannelKeepalive = "keepalive"
	ChannelNone      = "none"
)

// PageState is the tab lifecycle snapshot at send time. Unloading implies the
// send must complete without asynchronous work.
type PageState struct {
	Hidden    bool
	Unloading bool
}

// Deps are the adapter's injected transports.
type Deps struct {
	SDK     ports.SDKHandle
	Beacon  ports.Beacon
	HTTP    ports.HTTPDoer
	Runtime ports.Runtime
}

// Adapter implements the channel priority chain.
type Adapter struct {
	cfg        config.Delivery
	retry      config.Retry
	sanitize   bool
	suppressor privacy.Suppressor
	deps       Deps
	pacer      *rate.Limiter
	logger     zerolog.Logger

	mu             sync.Mutex
	failedCritical *event.Batch // retried exactly once from the unload path
}

// New creates an adapter.
func New(cfg config.Delivery, retry config.Retry, sanitize bool, suppressor privacy.Suppressor, deps Deps) *Adapter {
	pacing := cfg.EventPacing
	if pacing <= 0 {
		pacing = 1
	}
	return &Adapter{
		cfg:        cfg,
		retry:      retry,
		sanitize:   sanitize,
		suppressor: suppressor,
		deps:       deps,
		pacer:      rate.NewLimiter(rate.Every(pacing), 1),
		logger:     log.WithComponent("delivery"),
	}
}

// SendBatch pushes one sorted batch through the channel chain, stopping at
// the first success. Suppression rejects the call before any channel is
// touched.
func (a *Adapter) SendBatch(ctx context.Context, batch event.Batch, page PageState) event.DeliveryResult {
	if batch.Len() == 0 {
		return event.DeliveryResult{OK: true, Channel: ChannelNone}
	}
	if reason := a.suppressor.Check(a.deps.Runtime); reason != "" {
		metrics.IncSuppressed(reason)
		a.logger.Debug().Str("reason", reason).Str("event", "delivery.suppressed").Msg("batch suppressed")
		return event.DeliveryResult{OK: false, Channel: ChannelNone}
	}
	if a.sanitize {
		sanitizeBatch(&batch)
	}

	result := a.trySend(ctx, batch, page)
	if result.OK {
		return result
	}

	if batch.Critical() {
		// Kept for the one extra synchronous attempt the unload path makes.
		a.mu.Lock()
		a.failedCritical = &batch
		a.mu.Unlock()
	} else {
		metrics.IncBatchDropped()
		a.logger.Debug().Str("batch", batch.ID).Int("events", batch.Len()).
			Str("event", "delivery.dropped").Msg("non-critical batch dropped after all channels failed")
	}
	return result
}

func (a *Adapter) trySend(ctx context.Context, batch event.Batch, page PageState) event.DeliveryResult {
	attempts := 0

	// Primary channel: the already-initialized SDK client, unless the batch
	// must survive page teardown.
	critical := batch.Critical()
	beaconFirst := a.cfg.PreferBeacon || (critical && (page.Hidden || page.Unloading))
	if !beaconFirst && a.deps.SDK != nil && a.deps.SDK.Ready() {
		attempts++
		err := a.sendSDK(ctx, batch, page)
		if err == nil {
			metrics.IncBatchSent(ChannelSDK, "success")
			return event.DeliveryResult{OK: true, Channel: ChannelSDK, Attempts: attempts}
		}
		metrics.IncBatchSent(ChannelSDK, "failure")
		a.logger.Debug().Err(err).Str("event", "delivery.sdk_failed").Msg("sdk channel failed")
	}

	// Guaranteed out-of-band channel. Best-effort-complete: acceptance counts
	// as success and is never retried.
	if a.deps.Beacon != nil {
		attempts++
		if a.deps.Beacon.Send(a.cfg.Endpoint, encodeBatch(batch)) {
			metrics.IncBatchSent(ChannelBeacon, "success")
			return event.DeliveryResult{OK: true, Channel: ChannelBeacon, Attempts: attempts}
		}
		metrics.IncBatchSent(ChannelBeacon, "failure")
	}

	// Keepalive fallback, only while the page is still alive.
	if a.cfg.Keepalive && a.deps.HTTP != nil && !page.Unloading {
		n, err := a.sendKeepalive(ctx, batch)
		attempts += n
		if err == nil {
			metrics.IncBatchSent(ChannelKeepalive, "success")
			return event.DeliveryResult{OK: true, Channel: ChannelKeepalive, Attempts: attempts}
		}
		metrics.IncBatchSent(ChannelKeepalive, "failure")
		a.logger.Debug().Err(err).Str("event", "delivery.keepalive_failed").Msg("keepalive channel failed")
		return event.DeliveryResult{OK: false, Channel: ChannelKeepalive, Err: err, Attempts: attempts}
	}

	return event.DeliveryResult{OK: false, Channel: ChannelNone, Attempts: attempts}
}

// sendSDK iterates the batch per event with fixed pacing so the receiver
// observes the batch's relative order. Pacing is skipped while unloading.
func (a *Adapter) sendSDK(ctx context.Context, batch event.Batch, page PageState) error {
	for i := range batch.Events {
		if i > 0 && !page.Unloading {
			if err := a.pacer.Wait(ctx); err != nil {
				return err
			}
		}
		ev := &batch.Events[i]
		if err := a.deps.SDK.Capture(ev.Name, ev.Flat()); err != nil {
			return fmt.Errorf("capture %s: %w", ev.Name, err)
		}
	}
	return nil
}

// sendKeepalive posts the batch with bounded exponential-backoff retries per
// the configured policy. Returns the attempt count alongside the final error.
func (a *Adapter) sendKeepalive(ctx context.Context, batch event.Batch) (int, error) {
	payload := encodeBatch(batch)
	attempts := 0

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.retry.InitialInterval
	bo.Multiplier = a.retry.Multiplier

	op := func() (struct{}, error) {
		attempts++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint, bytes.NewReader(payload))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Telemetry-Keepalive", "1")
		resp, err := a.deps.HTTP.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 300 {
			return struct{}{}, fmt.Errorf("endpoint returned %d", resp.StatusCode)
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(a.retry.MaxAttempts)))
	return attempts, err
}

// RetryFailedCritical performs the single extra synchronous attempt the
// unload handler grants a failed critical batch, through the guaranteed
// channel only. There is never a background retry loop behind it.
func (a *Adapter) RetryFailedCritical() event.DeliveryResult {
	a.mu.Lock()
	batch := a.failedCritical
	a.failedCritical = nil
	a.mu.Unlock()

	if batch == nil || a.deps.Beacon == nil {
		return event.DeliveryResult{OK: true, Channel: ChannelNone}
	}
	if a.deps.Beacon.Send(a.cfg.Endpoint, encodeBatch(*batch)) {
		metrics.IncBatchSent(ChannelBeacon, "success")
		return event.DeliveryResult{OK: true, Channel: ChannelBeacon, Attempts: 1}
	}
	metrics.IncBatchSent(ChannelBeacon, "failure")
	return event.DeliveryResult{OK: false, Channel: ChannelBeacon, Attempts: 1}
}

func sanitizeBatch(batch *event.Batch) {
	for i := range batch.Events {
		ev := &batch.Events[i]
		ev.Name = privacy.SanitizeString(ev.Name)
		ev.Props = privacy.SanitizeMap(ev.Props)
		ev.Meta.Ext = privacy.SanitizeMap(ev.Meta.Ext)
	}
}

func encodeBatch(batch event.Batch) []byte {
	payload, err := json.Marshal(batch)
	if err != nil {
		// Events are built from JSON-safe values; an encode failure here
		// would be a programming error upstream.
		return nil
	}
	return payload
}
