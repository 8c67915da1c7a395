package events

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	var got atomic.Value
	var wg sync.WaitGroup
	wg.Add(1)
	bus.Subscribe(KindTaskProgress, func(ev Event) {
		got.Store(ev)
		wg.Done()
	})

	bus.Publish(Event{Kind: KindTaskProgress, TaskID: "t1"})

	waitOrFail(t, &wg)
	ev := got.Load().(Event)
	assert.Equal(t, "t1", ev.TaskID)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	var calls atomic.Int32
	sub := bus.Subscribe(KindTaskCompleted, func(Event) { calls.Add(1) })
	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent

	bus.Publish(Event{Kind: KindTaskCompleted})
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, int32(0), calls.Load())
}

func TestDispatchIsolatesSubscriberPanics(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	bus.Subscribe(KindErrorOccurred, func(Event) {
		panic("boom")
	})
	bus.Subscribe(KindErrorOccurred, func(Event) {
		wg.Done()
	})

	bus.Publish(Event{Kind: KindErrorOccurred})
	waitOrFail(t, &wg)
}

func TestPublishNeverBlocksOnFullQueue(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Kind: KindBandwidthUpdate})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "Publish blocked under a full queue")
	}
}

func TestKindStringCoversAllValues(t *testing.T) {
	kinds := []Kind{
		KindTaskProgress, KindTaskStatusChanged, KindTaskCompleted, KindTaskFailed,
		KindErrorOccurred, KindBandwidthUpdate, KindDownloadStarted, KindDownloadPaused,
		KindDownloadResumed, KindDownloadCanceled,
	}
	for _, k := range kinds {
		assert.NotEqual(t, "UNKNOWN", k.String())
	}
	assert.Equal(t, "UNKNOWN", Kind(999).String())
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event delivery")
	}
}
