// SPDX-License-Identifier: MIT

package telemetry

import (
	"bytes"
	"net/http"
	"time"
)

// HTTPBeacon is a ports.Beacon for embeddings without a native sendBeacon:
// a short-deadline POST whose acceptance (not delivery) is reported, matching
// beacon semantics as closely as a plain socket can.
type HTTPBeacon struct {
	Client  *http.Client
	BaseURL string // prepended to relative endpoints
}

// Send submits one serialized batch payload. It never blocks longer than the
// client timeout and never retries.
func (b *HTTPBeacon) Send(endpoint string, payload []byte) bool {
	client := b.Client
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	url := endpoint
	if b.BaseURL != "" && len(endpoint) > 0 && endpoint[0] == '/' {
		url = b.BaseURL + endpoint
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < 300
}
