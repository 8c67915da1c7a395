// Package task implements the Task Manager (§4.— Task Manager): task
// identity, lifecycle state, and the priority-queue admission scheduler
// that wires the Playlist Analyzer, Segment Pipeline, Recovery Store and
// Merge Stage together for one task's run.
//
// Task identifiers are github.com/google/uuid values, the identifier
// library jmylchreest-tvarr uses for its own job/task records.
package task

import (
	"container/heap"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jandresen/hlsdl/internal/bandwidth"
	"github.com/jandresen/hlsdl/internal/breaker"
	"github.com/jandresen/hlsdl/internal/config"
	"github.com/jandresen/hlsdl/internal/decrypt"
	"github.com/jandresen/hlsdl/internal/engineerror"
	"github.com/jandresen/hlsdl/internal/events"
	"github.com/jandresen/hlsdl/internal/hosttimeout"
	"github.com/jandresen/hlsdl/internal/integrity"
	"github.com/jandresen/hlsdl/internal/membuf"
	"github.com/jandresen/hlsdl/internal/merge"
	"github.com/jandresen/hlsdl/internal/pipeline"
	"github.com/jandresen/hlsdl/internal/playlist"
	"github.com/jandresen/hlsdl/internal/pool"
	"github.com/jandresen/hlsdl/internal/recovery"
	"github.com/jandresen/hlsdl/internal/retry"
	"github.com/jandresen/hlsdl/internal/util"
)

// Priority is the task admission priority (§3 Task.priority).
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// Status is the task lifecycle state (§3 Task.status).
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusPaused
	StatusCompleted
	StatusFailed
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusRunning:
		return "RUNNING"
	case StatusPaused:
		return "PAUSED"
	case StatusCompleted:
		return "COMPLETED"
	case StatusFailed:
		return "FAILED"
	case StatusCanceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Spec describes a new task to admit (§6 add operation input).
type Spec struct {
	Name       string
	SourceURL  string
	OutputPath string
	Priority   Priority
}

// Task is a unit of download work (§3 Task).
type Task struct {
	ID         string
	Name       string
	SourceURL  string
	OutputPath string
	Priority   Priority
	EnqueuedAt time.Time
	TempDir    string

	mu         sync.Mutex
	status     Status
	progress   pipeline.Progress
	failReason string

	cancel  context.CancelFunc
	gate    *pipeline.Gate
	limiter *bandwidth.Limiter
}

// Status returns the task's current lifecycle state.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Progress returns the task's current progress snapshot.
func (t *Task) Progress() pipeline.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// FailReason returns the reason the task failed, if it did.
func (t *Task) FailReason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failReason
}

func (t *Task) setStatus(s Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

func (t *Task) setFailReason(reason string) {
	t.mu.Lock()
	t.status = StatusFailed
	t.failReason = reason
	t.mu.Unlock()
}

// pqItem is one entry of the admission priority queue, ordered by
// (-priority, enqueue_time) per §4.— Task Manager admission.
type pqItem struct {
	taskID     string
	priority   Priority
	enqueuedAt time.Time
	index      int
}

type priorityQueue []*pqItem

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].priority != pq[j].priority {
		return pq[i].priority > pq[j].priority // higher priority first
	}
	return pq[i].enqueuedAt.Before(pq[j].enqueuedAt)
}
func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index, pq[j].index = i, j
}
func (pq *priorityQueue) Push(x any) {
	item := x.(*pqItem)
	item.index = len(*pq)
	*pq = append(*pq, item)
}
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return item
}

// Deps bundles the process-wide shared facades the manager wires into
// every admitted task's pipeline run.
type Deps struct {
	Pool      *pool.Pool
	Timeouts  *hosttimeout.Controller
	Breaker   *breaker.Registry
	Retry     *retry.Policy
	Membuf    *membuf.Manager
	Recovery  *recovery.Store
	Keys      *decrypt.KeyFetcher
	Bus       *events.Bus
	Merger    *merge.Merger
	Analyzer  *playlist.Analyzer
}

// Manager is the Task Manager (§4.— Task Manager): admission scheduling,
// the task registry, and lifecycle operations.
type Manager struct {
	cfg  *config.Config
	deps Deps

	mu     sync.Mutex // re-entrant in spirit: every public op takes it once, releases before blocking work
	tasks  map[string]*Task
	pq     priorityQueue
	active int

	wake chan struct{}
	stop chan struct{}
}

// NewManager creates a Manager and starts its background admission
// scheduler (§5 "a background scheduler admits tasks").
func NewManager(cfg *config.Config, deps Deps) *Manager {
	m := &Manager{
		cfg:   cfg,
		deps:  deps,
		tasks: make(map[string]*Task),
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
	go m.schedulerLoop()
	return m
}

// Close stops the admission scheduler. In-flight tasks are not canceled.
func (m *Manager) Close() {
	close(m.stop)
}

func (m *Manager) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// schedulerLoop is the background admitter: a non-blocking put/get_nowait
// priority queue drained while active_count < max_concurrent_tasks (§4.—,
// §5).
func (m *Manager) schedulerLoop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-m.wake:
			m.admitReady()
		case <-ticker.C:
			m.admitReady()
		}
	}
}

func (m *Manager) admitReady() {
	for {
		m.mu.Lock()
		maxActive := m.cfg.Download.MaxConcurrentTasks
		if maxActive <= 0 {
			maxActive = 3
		}
		if m.active >= maxActive || m.pq.Len() == 0 {
			m.mu.Unlock()
			return
		}
		item := heap.Pop(&m.pq).(*pqItem)
		t, ok := m.tasks[item.taskID]
		if !ok || t.Status() != StatusPending {
			m.mu.Unlock()
			continue
		}
		m.active++
		m.mu.Unlock()

		go m.runTask(t)
	}
}

// Add creates and enqueues a new task (§4.— add).
func (m *Manager) Add(spec Spec) (*Task, error) {
	if spec.SourceURL == "" || spec.OutputPath == "" {
		return nil, engineerror.New(engineerror.ClassConfiguration, "", nil, "source URL and output path are required")
	}
	id := uuid.NewString()
	t := &Task{
		ID:         id,
		Name:       spec.Name,
		SourceURL:  spec.SourceURL,
		OutputPath: spec.OutputPath,
		Priority:   spec.Priority,
		EnqueuedAt: time.Now(),
		status:     StatusPending,
		gate:       pipeline.NewGate(),
	}
	if m.cfg.Download.BandwidthLimitBytes > 0 {
		t.limiter = bandwidth.NewLimiter(m.cfg.Download.BandwidthLimitBytes)
	}

	m.mu.Lock()
	m.tasks[id] = t
	heap.Push(&m.pq, &pqItem{taskID: id, priority: spec.Priority, enqueuedAt: t.EnqueuedAt})
	m.mu.Unlock()

	m.publish(events.KindTaskStatusChanged, id, StatusPending)
	m.notify()
	return t, nil
}

// Get returns the task by id.
func (m *Manager) Get(id string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok
}

// List returns every known task.
func (m *Manager) List() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	return out
}

// ListByStatus returns every task currently in the given status.
func (m *Manager) ListByStatus(s Status) []*Task {
	var out []*Task
	for _, t := range m.List() {
		if t.Status() == s {
			out = append(out, t)
		}
	}
	return out
}

// Start forces immediate admission of a PENDING task, bypassing its
// queue position (§4.— start).
func (m *Manager) Start(id string) error {
	t, ok := m.Get(id)
	if !ok {
		return engineerror.New(engineerror.ClassConfiguration, "", nil, "unknown task")
	}
	if t.Status() != StatusPending {
		return engineerror.New(engineerror.ClassConfiguration, "", nil, "task is not PENDING")
	}

	m.mu.Lock()
	for i, item := range m.pq {
		if item.taskID == id {
			heap.Remove(&m.pq, i)
			break
		}
	}
	m.active++
	m.mu.Unlock()

	go m.runTask(t)
	return nil
}

// Pause engages the task's pause latch (§4.— pause, §5 suspension points).
func (m *Manager) Pause(id string) error {
	t, ok := m.Get(id)
	if !ok {
		return engineerror.New(engineerror.ClassConfiguration, "", nil, "unknown task")
	}
	if t.Status() != StatusRunning {
		return engineerror.New(engineerror.ClassConfiguration, "", nil, "task is not RUNNING")
	}
	t.gate.Pause()
	t.setStatus(StatusPaused)
	m.publish(events.KindDownloadPaused, id, nil)
	return nil
}

// Resume clears a task's pause latch without re-admission (§4.— "resuming
// a PAUSED task clears pause without re-admission").
func (m *Manager) Resume(id string) error {
	t, ok := m.Get(id)
	if !ok {
		return engineerror.New(engineerror.ClassConfiguration, "", nil, "unknown task")
	}
	if t.Status() != StatusPaused {
		return engineerror.New(engineerror.ClassConfiguration, "", nil, "task is not PAUSED")
	}
	t.setStatus(StatusRunning)
	t.gate.Resume()
	m.publish(events.KindDownloadResumed, id, nil)
	return nil
}

// Cancel requests cancellation of a task; workers observe it at the next
// suspension point (§4.— cancel, §5).
func (m *Manager) Cancel(id string) error {
	t, ok := m.Get(id)
	if !ok {
		return engineerror.New(engineerror.ClassConfiguration, "", nil, "unknown task")
	}
	if t.Status().terminal() {
		return nil
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.gate.Resume() // release any pause latch so the cancellation is observed promptly
	return nil
}

// Remove deletes a terminal task's record, optionally deleting its
// output file (§4.— remove). Running tasks must be canceled first.
func (m *Manager) Remove(id string, deleteOutput bool) error {
	t, ok := m.Get(id)
	if !ok {
		return engineerror.New(engineerror.ClassConfiguration, "", nil, "unknown task")
	}
	if t.Status() == StatusRunning || t.Status() == StatusPaused {
		return engineerror.New(engineerror.ClassConfiguration, "", nil, "cancel the task before removing it")
	}

	m.mu.Lock()
	delete(m.tasks, id)
	m.mu.Unlock()

	if m.deps.Recovery != nil {
		_ = m.deps.Recovery.Cleanup(id)
	}
	if t.TempDir != "" {
		_ = os.RemoveAll(t.TempDir)
	}
	if deleteOutput {
		_ = os.Remove(t.OutputPath)
	}
	return nil
}

// SetBandwidthLimit adjusts a task's throughput cap at runtime.
func (m *Manager) SetBandwidthLimit(id string, bytesPerSecond int64) error {
	t, ok := m.Get(id)
	if !ok {
		return engineerror.New(engineerror.ClassConfiguration, "", nil, "unknown task")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.limiter == nil {
		t.limiter = bandwidth.NewLimiter(bytesPerSecond)
	} else {
		t.limiter.SetLimit(bytesPerSecond)
	}
	return nil
}

// Subscribe registers cb for events of the given kind (§4.— subscribe).
func (m *Manager) Subscribe(kind events.Kind, cb events.Callback) *events.Subscription {
	return m.deps.Bus.Subscribe(kind, cb)
}

func (m *Manager) publish(kind events.Kind, taskID string, payload any) {
	if m.deps.Bus == nil {
		return
	}
	m.deps.Bus.Publish(events.Event{Kind: kind, TaskID: taskID, Payload: payload, Source: "task_manager"})
}

// runTask drives one task from admission through COMPLETED/FAILED/
// CANCELED, per the control flow of §2.
func (m *Manager) runTask(t *Task) {
	defer func() {
		m.mu.Lock()
		m.active--
		m.mu.Unlock()
		m.notify()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
	defer cancel()

	t.setStatus(StatusRunning)
	m.publish(events.KindDownloadStarted, t.ID, nil)
	m.publish(events.KindTaskStatusChanged, t.ID, StatusRunning)

	if err := m.runTaskBody(ctx, t); err != nil {
		if engineerror.ClassOf(err) == engineerror.ClassCanceled || ctx.Err() != nil {
			t.setStatus(StatusCanceled)
			m.publish(events.KindDownloadCanceled, t.ID, nil)
			m.publish(events.KindTaskStatusChanged, t.ID, StatusCanceled)
			return
		}
		t.setFailReason(err.Error())
		m.publish(events.KindTaskFailed, t.ID, err.Error())
		m.publish(events.KindTaskStatusChanged, t.ID, StatusFailed)
		util.Errorf("task %s failed: %v", t.ID, err)
		return
	}

	t.setStatus(StatusCompleted)
	m.publish(events.KindTaskCompleted, t.ID, t.OutputPath)
	m.publish(events.KindTaskStatusChanged, t.ID, StatusCompleted)

	if !m.cfg.Advanced.KeepTempFiles && t.TempDir != "" {
		_ = os.RemoveAll(t.TempDir)
	}
}

func (m *Manager) runTaskBody(ctx context.Context, t *Task) error {
	tempRoot := filepath.Dir(t.OutputPath)
	tempDir := filepath.Join(tempRoot, fmt.Sprintf(".hlsdl-%s", t.ID))
	if err := os.MkdirAll(tempDir, 0o750); err != nil { // #nosec G301
		return engineerror.New(engineerror.ClassConfiguration, "", err, "create task temp directory")
	}
	t.TempDir = tempDir

	result, err := m.deps.Analyzer.Analyze(ctx, t.SourceURL)
	if err != nil {
		return engineerror.New(engineerror.ClassConfiguration, "", err, "analyze playlist")
	}
	media := result.Media
	if media == nil {
		if result.Master == nil || len(result.Master.Variants) == 0 {
			return engineerror.New(engineerror.ClassConfiguration, "", nil, "master playlist has no variants")
		}
		best := result.Master.Variants[0]
		for _, v := range result.Master.Variants {
			if v.Bandwidth > best.Bandwidth {
				best = v
			}
		}
		variantResult, err := m.deps.Analyzer.Analyze(ctx, best.URL)
		if err != nil {
			return engineerror.New(engineerror.ClassConfiguration, "", err, "analyze selected variant")
		}
		if variantResult.Media == nil {
			return engineerror.New(engineerror.ClassConfiguration, "", nil, "selected variant is not a media playlist")
		}
		media = variantResult.Media
	}

	if m.deps.Recovery != nil {
		if _, err := m.deps.Recovery.Load(t.ID); err != nil {
			m.deps.Recovery.Create(t.ID, t.Name, t.SourceURL, t.OutputPath, len(media.Segments))
		}
	}

	specs := make([]pipeline.SegmentSpec, len(media.Segments))
	for i, url := range media.Segments {
		specs[i] = pipeline.SegmentSpec{Index: i, URL: url}
	}

	t.mu.Lock()
	limiter := t.limiter
	t.mu.Unlock()

	pipe := pipeline.New(pipeline.Deps{
		Pool:      m.deps.Pool,
		Timeouts:  m.deps.Timeouts,
		Breaker:   m.deps.Breaker,
		Retry:     m.deps.Retry,
		Membuf:    m.deps.Membuf,
		Recovery:  m.deps.Recovery,
		Keys:      m.deps.Keys,
		Bus:       m.deps.Bus,
		Bandwidth: limiter,
		Integrity: integrity.LevelChecksum,
	}, pipeline.Params{
		TaskID:     t.ID,
		Segments:   specs,
		TempDir:    tempDir,
		KeyURL:     media.KeyURL,
		ExplicitIV: media.IVHex,
		Workers:    m.cfg.Download.MaxWorkersPerTask,
		UserAgent:  m.cfg.Network.UserAgent,
	}, t.gate)

	go m.pollProgress(ctx, t, pipe)

	result2, runErr := pipe.Run(ctx)
	if runErr != nil && ctx.Err() != nil {
		return engineerror.New(engineerror.ClassCanceled, "", ctx.Err(), "canceled")
	}

	t.mu.Lock()
	t.progress = pipe.Snapshot()
	t.mu.Unlock()

	// §4.H failure semantics: a task with completed < total never
	// transitions to COMPLETED.
	if len(result2.SegmentFiles) < len(specs) {
		return engineerror.New(engineerror.ClassIntegrity, "", nil,
			fmt.Sprintf("incomplete download: %d/%d segments completed, missing indices %v",
				len(result2.SegmentFiles), len(specs), result2.Failed))
	}

	ordered := make([]string, 0, len(result2.SegmentFiles))
	for i := 0; i < len(specs); i++ {
		path, ok := result2.SegmentFiles[i]
		if !ok {
			return engineerror.New(engineerror.ClassIntegrity, "", nil, fmt.Sprintf("missing segment %d before merge", i))
		}
		ordered = append(ordered, path)
	}

	if err := m.deps.Merger.Merge(ctx, ordered, t.OutputPath); err != nil {
		return err
	}

	fi, err := os.Stat(t.OutputPath)
	if err != nil {
		return engineerror.New(engineerror.ClassIntegrity, "", err, "stat merged output")
	}
	verify := integrity.VerifyFile(t.OutputPath, fi.Size(), "", integrity.LevelBasic)
	if !verify.OK {
		return engineerror.New(engineerror.ClassIntegrity, "", nil, "final output failed verification: "+verify.Reason)
	}

	if m.deps.Recovery != nil {
		_ = m.deps.Recovery.Complete(t.ID)
	}
	return nil
}

// pollProgress periodically copies the pipeline's live snapshot into the
// task record until ctx is done.
func (m *Manager) pollProgress(ctx context.Context, t *Task, pipe *pipeline.Pipeline) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			t.progress = pipe.Snapshot()
			t.mu.Unlock()
		}
	}
}
