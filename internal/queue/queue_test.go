// SPDX-License-Identifier: MIT

package queue

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/toolary/telemetry/internal/event"
	"github.com/toolary/telemetry/internal/storage"
	"github.com/toolary/telemetry/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// capture collects delivered batches and replayed events.
type capture struct {
	mu       sync.Mutex
	batches  []event.Batch
	syncs    []bool
	replayed []event.Event
}

func (c *capture) deliver(b event.Batch, sync bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, b)
	c.syncs = append(c.syncs, sync)
}

func (c *capture) replay(ev event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replayed = append(c.replayed, ev)
}

func (c *capture) batchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func (c *capture) batch(i int) event.Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batches[i]
}

func (c *capture) sync(i int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncs[i]
}

func (c *capture) replayCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.replayed)
}

func newTestQueue(cfg Config, store *storage.Memory) (*Queue, *capture) {
	sink := &capture{}
	if store == nil {
		store = storage.NewMemory()
	}
	q := New(cfg, Deps{
		Clock:   testutil.NewFakeClock(time.UnixMilli(1_700_000_000_000)),
		Store:   store,
		Deliver: sink.deliver,
		Replay:  sink.replay,
	})
	return q, sink
}

func ev(name string, capturedAt int64) event.Event {
	return event.Event{Kind: event.KindToolUse, Name: name, Meta: event.Base{CapturedAt: capturedAt}}
}

func TestTimerFlushSortsAscending(t *testing.T) {
	q, sink := newTestQueue(Config{MaxBatchSize: 10, MaxWait: 30 * time.Millisecond}, nil)
	defer q.Close()

	q.Enqueue(ev("late", 300), false)
	q.Enqueue(ev("early", 100), false)
	q.Enqueue(ev("mid", 200), false)

	assert.Equal(t, StateAccumulating, q.State())

	require.Eventually(t, func() bool { return sink.batchCount() == 1 }, time.Second, 5*time.Millisecond)

	batch := sink.batch(0)
	require.Equal(t, 3, batch.Len())
	assert.Equal(t, "early", batch.Events[0].Name)
	assert.Equal(t, "mid", batch.Events[1].Name)
	assert.Equal(t, "late", batch.Events[2].Name)
	assert.False(t, sink.sync(0))
	assert.Equal(t, 0, q.Depth())
	assert.Equal(t, StateEmpty, q.State())
}

func TestSizeThresholdFlushesImmediately(t *testing.T) {
	q, sink := newTestQueue(Config{MaxBatchSize: 3, MaxWait: time.Hour}, nil)
	defer q.Close()

	q.Enqueue(ev("a", 1), false)
	q.Enqueue(ev("b", 2), false)
	assert.Equal(t, 0, sink.batchCount())

	q.Enqueue(ev("c", 3), false)

	// The drain happens inside Enqueue; only the transport hand-off is
	// asynchronous.
	assert.Equal(t, 0, q.Depth())
	require.Eventually(t, func() bool { return sink.batchCount() == 1 }, time.Second, 5*time.Millisecond)
	batch := sink.batch(0)
	assert.Equal(t, 3, batch.Len())
}

func TestForceFlushOnCriticalEvent(t *testing.T) {
	q, sink := newTestQueue(Config{MaxBatchSize: 10, MaxWait: time.Hour}, nil)
	defer q.Close()

	q.Enqueue(event.Event{Kind: event.KindSessionEnd, Name: "session_end", Meta: event.Base{CapturedAt: 1}}, true)

	assert.Equal(t, 0, q.Depth())
	require.Eventually(t, func() bool { return sink.batchCount() == 1 }, time.Second, 5*time.Millisecond)
	batch := sink.batch(0)
	assert.Equal(t, 1, batch.Len())
}

func TestFlushSyncFlagsDelivery(t *testing.T) {
	q, sink := newTestQueue(Config{MaxBatchSize: 10, MaxWait: time.Hour}, nil)
	defer q.Close()

	q.Enqueue(ev("a", 2), false)
	q.Enqueue(ev("b", 1), false)
	q.FlushSync()

	require.Equal(t, 1, sink.batchCount())
	assert.True(t, sink.sync(0))
	assert.Equal(t, "b", sink.batch(0).Events[0].Name)
}

func TestFlushOfEmptyQueueDeliversNothing(t *testing.T) {
	q, sink := newTestQueue(Config{MaxBatchSize: 10, MaxWait: time.Hour}, nil)
	defer q.Close()

	q.Flush()
	q.FlushSync()
	assert.Equal(t, 0, sink.batchCount())
}

func TestPendingTimerClearedByOtherFlush(t *testing.T) {
	q, sink := newTestQueue(Config{MaxBatchSize: 10, MaxWait: 40 * time.Millisecond}, nil)
	defer q.Close()

	q.Enqueue(ev("a", 1), false)
	q.Flush()
	require.Eventually(t, func() bool { return sink.batchCount() == 1 }, time.Second, 5*time.Millisecond)

	// The armed timer must not fire a second, empty flush.
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, sink.batchCount())
}

func TestOfflineDivertsToBacklog(t *testing.T) {
	store := storage.NewMemory()
	q, sink := newTestQueue(Config{MaxBatchSize: 2, MaxWait: 10 * time.Millisecond}, store)
	defer q.Close()

	q.SetOnline(false)
	assert.Equal(t, StateOffline, q.State())

	// Neither force nor the size threshold reaches a transport while offline.
	q.Enqueue(ev("a", 1), true)
	q.Enqueue(ev("b", 2), false)
	q.Enqueue(ev("c", 3), false)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, sink.batchCount())
	assert.Equal(t, 3, q.BacklogDepth())
	assert.Equal(t, 0, q.Depth())

	// Backlog is persisted.
	raw, ok, err := store.Get(storage.KeyBacklog)
	require.NoError(t, err)
	require.True(t, ok)
	var persisted []event.Event
	require.NoError(t, json.Unmarshal(raw, &persisted))
	assert.Len(t, persisted, 3)
}

func TestOnlineReplaysAndClearsBacklog(t *testing.T) {
	store := storage.NewMemory()
	q, sink := newTestQueue(Config{MaxBatchSize: 10, MaxWait: time.Hour}, store)
	defer q.Close()

	q.SetOnline(false)
	q.Enqueue(ev("a", 1), false)
	q.Enqueue(ev("b", 2), false)

	q.SetOnline(true)

	assert.Equal(t, 2, sink.replayCount())
	assert.Equal(t, 0, q.BacklogDepth())

	_, ok, err := store.Get(storage.KeyBacklog)
	require.NoError(t, err)
	assert.False(t, ok, "persisted backlog must be cleared")
}

func TestBacklogRecoveredFromPreviousSession(t *testing.T) {
	store := storage.NewMemory()
	leftovers := []event.Event{ev("old-1", 10), ev("old-2", 20)}
	raw, err := json.Marshal(leftovers)
	require.NoError(t, err)
	require.NoError(t, store.Set(storage.KeyBacklog, raw))

	q, sink := newTestQueue(Config{MaxBatchSize: 10, MaxWait: time.Hour}, store)
	defer q.Close()

	assert.Equal(t, 2, q.BacklogDepth())

	q.SetOnline(true)
	assert.Equal(t, 2, sink.replayCount())
	assert.Equal(t, 0, q.BacklogDepth())
}

func TestSlowDeliveryDoesNotBlockEnqueue(t *testing.T) {
	release := make(chan struct{})
	var delivered sync.WaitGroup
	delivered.Add(1)
	q := New(Config{MaxBatchSize: 1, MaxWait: time.Hour}, Deps{
		Clock: testutil.NewFakeClock(time.UnixMilli(0)),
		Store: storage.NewMemory(),
		Deliver: func(event.Batch, bool) {
			defer delivered.Done()
			<-release
		},
	})
	defer q.Close()

	done := make(chan struct{})
	go func() {
		// Threshold of one makes this enqueue trigger a drain; a stalled
		// transport must not hold the caller hostage.
		q.Enqueue(ev("a", 1), false)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a slow delivery")
	}
	close(release)
	delivered.Wait()
}

// brokenStore fails every write, simulating a full or forbidden storage.
type brokenStore struct{}

func (brokenStore) Get(string) ([]byte, bool, error) { return nil, false, nil }
func (brokenStore) Set(string, []byte) error         { return errors.New("quota exceeded") }
func (brokenStore) Delete(string) error              { return errors.New("quota exceeded") }

func TestStorageFailureContinuesInMemory(t *testing.T) {
	sink := &capture{}
	q := New(Config{MaxBatchSize: 10, MaxWait: time.Hour}, Deps{
		Clock:   testutil.NewFakeClock(time.UnixMilli(0)),
		Store:   brokenStore{},
		Deliver: sink.deliver,
		Replay:  sink.replay,
	})
	defer q.Close()

	q.SetOnline(false)
	q.Enqueue(ev("a", 1), false)
	q.Enqueue(ev("b", 2), false)
	assert.Equal(t, 2, q.BacklogDepth())

	q.SetOnline(true)
	assert.Equal(t, 2, sink.replayCount())
}
