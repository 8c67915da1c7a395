// Package engine is the download engine's public facade: it constructs
// every component of §4 wired together per §2's control flow and
// exposes the Task Manager's operations as the single entry point
// external callers (a CLI, a GUI, a scheduler — all out of scope per
// §1) are expected to use.
package engine

import (
	"net/http"

	"github.com/jandresen/hlsdl/internal/breaker"
	"github.com/jandresen/hlsdl/internal/config"
	"github.com/jandresen/hlsdl/internal/decrypt"
	"github.com/jandresen/hlsdl/internal/events"
	"github.com/jandresen/hlsdl/internal/hoststate"
	"github.com/jandresen/hlsdl/internal/hosttimeout"
	"github.com/jandresen/hlsdl/internal/membuf"
	"github.com/jandresen/hlsdl/internal/merge"
	"github.com/jandresen/hlsdl/internal/playlist"
	"github.com/jandresen/hlsdl/internal/pool"
	"github.com/jandresen/hlsdl/internal/recovery"
	"github.com/jandresen/hlsdl/internal/retry"
	"github.com/jandresen/hlsdl/internal/task"
	"github.com/jandresen/hlsdl/internal/util"
)

// Engine is the assembled download engine: every §4 component
// constructed and handed to a task.Manager.
type Engine struct {
	manager *task.Manager
	bus     *events.Bus
}

// Options configures engine construction beyond §6's Config surface.
type Options struct {
	// RecoveryDir is where per-task recovery records are persisted
	// (§4.G). Defaults to "./.hlsdl-recovery" if empty.
	RecoveryDir string
}

// New assembles an Engine from cfg, constructing and wiring every
// component named in §2's control flow.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.RecoveryDir == "" {
		opts.RecoveryDir = "./.hlsdl-recovery"
	}

	util.InitLogger()

	bus := events.NewBus(512)

	connPool := pool.New(cfg.Network)
	hostStore := hoststate.NewStore()
	timeouts := hosttimeout.New(hosttimeout.DefaultConfig(), hostStore)
	breakerReg := breaker.NewRegistry(breaker.DefaultConfig())
	retryPolicy := retry.New(retry.DefaultConfig())
	bufMgr := membuf.New(membuf.FromPerformance(cfg.Performance))

	recoveryStore, err := recovery.New(opts.RecoveryDir)
	if err != nil {
		return nil, err
	}

	analyzerClient := &http.Client{}
	analyzer := playlist.New(playlist.Config{
		UserAgent:      cfg.Network.UserAgent,
		VerifySSL:      cfg.Network.VerifySSL,
		Proxy:          cfg.Network.Proxy,
		RequestTimeout: cfg.Download.RequestTimeout,
	}, analyzerClient)

	keyFetcher := decrypt.NewKeyFetcher(analyzerClient, map[string]string{"User-Agent": cfg.Network.UserAgent})

	merger := merge.New(merge.Config{
		FFmpegPath:    cfg.Advanced.FFmpegPath,
		KeepTempFiles: cfg.Advanced.KeepTempFiles,
	})

	manager := task.NewManager(cfg, task.Deps{
		Pool:     connPool,
		Timeouts: timeouts,
		Breaker:  breakerReg,
		Retry:    retryPolicy,
		Membuf:   bufMgr,
		Recovery: recoveryStore,
		Keys:     keyFetcher,
		Bus:      bus,
		Merger:   merger,
		Analyzer: analyzer,
	})

	return &Engine{manager: manager, bus: bus}, nil
}

// AddTask submits a new download task (§4.— add).
func (e *Engine) AddTask(spec task.Spec) (*task.Task, error) {
	return e.manager.Add(spec)
}

// GetTask looks up a task by id (§4.— get).
func (e *Engine) GetTask(id string) (*task.Task, bool) {
	return e.manager.Get(id)
}

// ListTasks returns every known task (§4.— list).
func (e *Engine) ListTasks() []*task.Task {
	return e.manager.List()
}

// ListTasksByStatus returns tasks currently in the given status (§4.—
// list-by-status).
func (e *Engine) ListTasksByStatus(status task.Status) []*task.Task {
	return e.manager.ListByStatus(status)
}

// StartTask forces immediate admission of a pending task (§4.— start).
func (e *Engine) StartTask(id string) error {
	return e.manager.Start(id)
}

// PauseTask engages a running task's pause latch (§4.— pause).
func (e *Engine) PauseTask(id string) error {
	return e.manager.Pause(id)
}

// ResumeTask clears a paused task's latch (§4.— resume).
func (e *Engine) ResumeTask(id string) error {
	return e.manager.Resume(id)
}

// CancelTask requests cooperative cancellation (§4.— cancel).
func (e *Engine) CancelTask(id string) error {
	return e.manager.Cancel(id)
}

// RemoveTask deletes a terminal task's record, optionally deleting its
// output file (§4.— remove).
func (e *Engine) RemoveTask(id string, deleteOutput bool) error {
	return e.manager.Remove(id, deleteOutput)
}

// SetBandwidthLimit adjusts a task's throughput cap (§4.— set-bandwidth-limit).
func (e *Engine) SetBandwidthLimit(id string, bytesPerSecond int64) error {
	return e.manager.SetBandwidthLimit(id, bytesPerSecond)
}

// Subscribe registers cb for events of the given kind (§4.— subscribe),
// returning a handle whose Unsubscribe removes the registration (§9).
func (e *Engine) Subscribe(kind events.Kind, cb events.Callback) *events.Subscription {
	return e.manager.Subscribe(kind, cb)
}

// Close stops the task admission scheduler and the event bus; the
// recovery store's loops, the memory-pressure loop and the pool's idle
// monitor are not stopped. In-flight tasks are
// not canceled; call CancelTask for each first if a clean shutdown is
// required.
func (e *Engine) Close() {
	e.manager.Close()
	e.bus.Close()
}
