// Package membuf implements the Memory/Buffer Manager (§4.F): streaming
// buffers whose size adapts to live memory pressure and per-context
// throughput history. Pressure is sampled with
// github.com/shirou/gopsutil/v3/mem, the library jmylchreest-tvarr uses
// for its own resource/health sampling (internal/daemon/stats.go).
package membuf

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/jandresen/hlsdl/internal/config"
	"github.com/jandresen/hlsdl/internal/util"
)

// Config holds §4.F's tunables, with defaults via DefaultConfig.
type Config struct {
	Min, Default, Max int
	CheckInterval     time.Duration
	GCThresholdBytes  int64
	// pressureFn is overridable in tests; defaults to gopsutil's live
	// system sample.
	pressureFn func() (float64, error)
}

// DefaultConfig returns §4.F's documented defaults.
func DefaultConfig() Config {
	return Config{
		Min:              8 * 1024,
		Default:          64 * 1024,
		Max:              1024 * 1024,
		CheckInterval:    5 * time.Second,
		GCThresholdBytes: 100 * 1024 * 1024,
	}
}

// FromPerformance builds a Config from the engine's typed configuration
// surface (§6 performance.*).
func FromPerformance(p config.PerformanceConfig) Config {
	c := DefaultConfig()
	if p.BufferSizeMin > 0 {
		c.Min = p.BufferSizeMin
	}
	if p.BufferSizeMax > 0 {
		c.Max = p.BufferSizeMax
	}
	if p.BufferSizeDefault > 0 {
		c.Default = p.BufferSizeDefault
	}
	if p.GCThresholdMB > 0 {
		c.GCThresholdBytes = int64(p.GCThresholdMB) * 1024 * 1024
	}
	return c
}

func livePressure() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

type contextState struct {
	mu         sync.Mutex
	bufSize    int
	throughput []float64 // bytes/sec samples, window 10
}

// Manager is the shared buffer-sizing authority for all download
// contexts (one per in-flight segment fetch).
type Manager struct {
	cfg      Config
	mu       sync.Mutex
	contexts map[string]*contextState
	lastGC   int64
}

// New creates a Manager and starts its pressure-check cadence (§4.F).
func New(cfg Config) *Manager {
	if cfg.pressureFn == nil {
		cfg.pressureFn = livePressure
	}
	m := &Manager{cfg: cfg, contexts: make(map[string]*contextState)}
	go m.pressureLoop()
	return m
}

func (m *Manager) pressureLoop() {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for range ticker.C {
		m.checkPressure()
	}
}

// checkPressure implements §4.F's reduction actions: halving all active
// buffers (never below Min) under high memory pressure.
func (m *Manager) checkPressure() {
	pct, err := m.cfg.pressureFn()
	if err != nil {
		return
	}
	if pct < 70 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for ctx, cs := range m.contexts {
		cs.mu.Lock()
		if cs.bufSize > m.cfg.Min {
			cs.bufSize /= 2
			if cs.bufSize < m.cfg.Min {
				cs.bufSize = m.cfg.Min
			}
			util.Debugf("membuf: pressure %.0f%%, halved buffer for %s to %d bytes", pct, ctx, cs.bufSize)
		}
		cs.mu.Unlock()
	}
}

// Create allocates (registers) a buffer-sizing context, returning its
// initial suggested size.
func (m *Manager) Create(ctx string) int {
	size := m.GetOptimalBufferSize(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.contexts[ctx]
	if !ok {
		cs = &contextState{bufSize: size}
		m.contexts[ctx] = cs
	}
	return cs.bufSize
}

// Release frees a context's tracked state.
func (m *Manager) Release(ctx string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.contexts, ctx)
}

// GetOptimalBufferSize returns the suggested buffer size for ctx given
// current pressure and recent throughput (§4.F policy).
func (m *Manager) GetOptimalBufferSize(ctx string) int {
	pct, err := m.cfg.pressureFn()
	var size int
	switch {
	case err != nil:
		size = m.cfg.Default
	case pct < 50:
		size = m.cfg.Max
	case pct < 70:
		size = m.cfg.Default
	default:
		size = m.cfg.Min
	}

	m.mu.Lock()
	cs, ok := m.contexts[ctx]
	m.mu.Unlock()
	if !ok {
		return size
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if n := len(cs.throughput); n > 0 {
		var sum float64
		for _, v := range cs.throughput {
			sum += v
		}
		avg := sum / float64(n)
		switch {
		case avg > 10*1024*1024:
			size *= 2
		case avg < 1024*1024:
			size /= 2
		}
	}
	if size > m.cfg.Max {
		size = m.cfg.Max
	}
	if size < m.cfg.Min {
		size = m.cfg.Min
	}
	cs.bufSize = size
	return size
}

// RecordPerformance appends a throughput sample (bytes over seconds) for
// ctx, keeping a rolling window of 10 (§4.F).
func (m *Manager) RecordPerformance(ctx string, bytes int64, seconds float64) {
	if seconds <= 0 {
		return
	}
	m.mu.Lock()
	cs, ok := m.contexts[ctx]
	if !ok {
		cs = &contextState{bufSize: m.cfg.Default}
		m.contexts[ctx] = cs
	}
	m.mu.Unlock()

	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.throughput = append(cs.throughput, float64(bytes)/seconds)
	if len(cs.throughput) > 10 {
		cs.throughput = cs.throughput[len(cs.throughput)-10:]
	}
}

// ShouldUseMmap reports whether an output of the given size should be
// memory-mapped (§4.F: outputs >= 50MiB when free memory > 3.3x file size).
func (m *Manager) ShouldUseMmap(fileSize int64) bool {
	const threshold = 50 * 1024 * 1024
	if fileSize < threshold {
		return false
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return false
	}
	return float64(vm.Available) > 3.3*float64(fileSize)
}
