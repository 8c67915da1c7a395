package task

import (
	"container/heap"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jandresen/hlsdl/internal/config"
)

func newTestManager() *Manager {
	cfg := &config.Config{}
	return &Manager{
		cfg:   cfg,
		tasks: make(map[string]*Task),
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
}

func TestStatusStringCoversEveryValue(t *testing.T) {
	cases := map[Status]string{
		StatusPending:   "PENDING",
		StatusRunning:   "RUNNING",
		StatusPaused:    "PAUSED",
		StatusCompleted: "COMPLETED",
		StatusFailed:    "FAILED",
		StatusCanceled:  "CANCELED",
	}
	for status, want := range cases {
		assert.Equal(t, want, status.String())
	}
}

func TestStatusTerminalOnlyForFinalStates(t *testing.T) {
	assert.False(t, StatusPending.terminal())
	assert.False(t, StatusRunning.terminal())
	assert.False(t, StatusPaused.terminal())
	assert.True(t, StatusCompleted.terminal())
	assert.True(t, StatusFailed.terminal())
	assert.True(t, StatusCanceled.terminal())
}

func TestAddRejectsMissingFields(t *testing.T) {
	m := newTestManager()
	_, err := m.Add(Spec{Name: "ep1"})
	assert.Error(t, err)
}

func TestAddEnqueuesPendingTask(t *testing.T) {
	m := newTestManager()
	tk, err := m.Add(Spec{SourceURL: "https://cdn.example/p.m3u8", OutputPath: "/tmp/out.mp4"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, tk.Status())

	got, ok := m.Get(tk.ID)
	require.True(t, ok)
	assert.Same(t, tk, got)
	assert.Equal(t, 1, m.pq.Len())
}

func TestListByStatusFiltersCorrectly(t *testing.T) {
	m := newTestManager()
	a, err := m.Add(Spec{SourceURL: "https://cdn.example/a.m3u8", OutputPath: "/tmp/a.mp4"})
	require.NoError(t, err)
	b, err := m.Add(Spec{SourceURL: "https://cdn.example/b.m3u8", OutputPath: "/tmp/b.mp4"})
	require.NoError(t, err)
	b.setStatus(StatusCompleted)

	pending := m.ListByStatus(StatusPending)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)

	completed := m.ListByStatus(StatusCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, b.ID, completed[0].ID)
}

func TestPauseRequiresRunningStatus(t *testing.T) {
	m := newTestManager()
	tk, err := m.Add(Spec{SourceURL: "https://cdn.example/a.m3u8", OutputPath: "/tmp/a.mp4"})
	require.NoError(t, err)

	assert.Error(t, m.Pause(tk.ID))

	tk.setStatus(StatusRunning)
	require.NoError(t, m.Pause(tk.ID))
	assert.Equal(t, StatusPaused, tk.Status())
}

func TestResumeRequiresPausedStatus(t *testing.T) {
	m := newTestManager()
	tk, err := m.Add(Spec{SourceURL: "https://cdn.example/a.m3u8", OutputPath: "/tmp/a.mp4"})
	require.NoError(t, err)
	assert.Error(t, m.Resume(tk.ID))

	tk.setStatus(StatusPaused)
	require.NoError(t, m.Resume(tk.ID))
	assert.Equal(t, StatusRunning, tk.Status())
}

func TestCancelIsNoOpOnTerminalTask(t *testing.T) {
	m := newTestManager()
	tk, err := m.Add(Spec{SourceURL: "https://cdn.example/a.m3u8", OutputPath: "/tmp/a.mp4"})
	require.NoError(t, err)
	tk.setStatus(StatusCompleted)

	assert.NoError(t, m.Cancel(tk.ID))
}

func TestRemoveRejectsRunningTask(t *testing.T) {
	m := newTestManager()
	tk, err := m.Add(Spec{SourceURL: "https://cdn.example/a.m3u8", OutputPath: "/tmp/a.mp4"})
	require.NoError(t, err)
	tk.setStatus(StatusRunning)

	assert.Error(t, m.Remove(tk.ID, false))
}

func TestRemoveDeletesTerminalTaskRecord(t *testing.T) {
	m := newTestManager()
	tk, err := m.Add(Spec{SourceURL: "https://cdn.example/a.m3u8", OutputPath: "/tmp/a.mp4"})
	require.NoError(t, err)
	tk.setStatus(StatusCompleted)

	require.NoError(t, m.Remove(tk.ID, false))
	_, ok := m.Get(tk.ID)
	assert.False(t, ok)
}

func TestSetBandwidthLimitCreatesLimiterWhenMissing(t *testing.T) {
	m := newTestManager()
	tk, err := m.Add(Spec{SourceURL: "https://cdn.example/a.m3u8", OutputPath: "/tmp/a.mp4"})
	require.NoError(t, err)

	require.NoError(t, m.SetBandwidthLimit(tk.ID, 1024))
	assert.NotNil(t, tk.limiter)
}

func TestPriorityQueueOrdersByPriorityThenEnqueueTime(t *testing.T) {
	pq := priorityQueue{}
	heap.Init(&pq)

	now := time.Now()
	heap.Push(&pq, &pqItem{taskID: "low", priority: PriorityLow, enqueuedAt: now})
	heap.Push(&pq, &pqItem{taskID: "high", priority: PriorityHigh, enqueuedAt: now.Add(time.Second)})
	heap.Push(&pq, &pqItem{taskID: "normal-early", priority: PriorityNormal, enqueuedAt: now})
	heap.Push(&pq, &pqItem{taskID: "normal-late", priority: PriorityNormal, enqueuedAt: now.Add(time.Millisecond)})

	var order []string
	for pq.Len() > 0 {
		order = append(order, heap.Pop(&pq).(*pqItem).taskID)
	}
	assert.Equal(t, []string{"high", "normal-early", "normal-late", "low"}, order)
}
