// SPDX-License-Identifier: MIT

package event

import (
	"sort"
	"time"
)

// Batch is an ordered group of events handed to one transport attempt.
// Invariant: Events is sorted ascending by capture timestamp before any
// transport sees it; arrival order is not a reliable proxy for occurrence
// order once retries or backlog replay are involved.
type Batch struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Events    []Event   `json:"events"`
}

// Sort orders the batch ascending by capture timestamp. The sort is stable so
// events captured in the same millisecond keep their enqueue order.
func (b *Batch) Sort() {
	sort.SliceStable(b.Events, func(i, j int) bool {
		return b.Events[i].Meta.CapturedAt < b.Events[j].Meta.CapturedAt
	})
}

// Critical reports whether any event in the batch is critical.
func (b Batch) Critical() bool {
	for i := range b.Events {
		if Critical(b.Events[i].Kind) {
			return true
		}
	}
	return false
}

// Len returns the number of events in the batch.
func (b Batch) Len() int { return len(b.Events) }
