package membuf

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jandresen/hlsdl/internal/config"
)

func testConfig(pressure func() (float64, error)) Config {
	cfg := DefaultConfig()
	cfg.Min = 1024
	cfg.Default = 8192
	cfg.Max = 65536
	cfg.pressureFn = pressure
	return cfg
}

func TestGetOptimalBufferSizePicksMaxUnderLowPressure(t *testing.T) {
	cfg := testConfig(func() (float64, error) { return 30, nil })
	m := &Manager{cfg: cfg, contexts: make(map[string]*contextState)}
	assert.Equal(t, cfg.Max, m.GetOptimalBufferSize("ctx"))
}

func TestGetOptimalBufferSizePicksMinUnderHighPressure(t *testing.T) {
	cfg := testConfig(func() (float64, error) { return 90, nil })
	m := &Manager{cfg: cfg, contexts: make(map[string]*contextState)}
	assert.Equal(t, cfg.Min, m.GetOptimalBufferSize("ctx"))
}

func TestRecordPerformanceScalesUpForHighThroughput(t *testing.T) {
	cfg := testConfig(func() (float64, error) { return 50, nil }) // mid pressure -> Default baseline
	m := &Manager{cfg: cfg, contexts: make(map[string]*contextState)}
	m.Create("ctx")
	m.RecordPerformance("ctx", 20*1024*1024, 1) // 20 MiB/s, above the 10 MiB/s doubling threshold

	size := m.GetOptimalBufferSize("ctx")
	assert.Equal(t, cfg.Default*2, size)
}

func TestRecordPerformanceScalesDownForLowThroughput(t *testing.T) {
	cfg := testConfig(func() (float64, error) { return 50, nil })
	m := &Manager{cfg: cfg, contexts: make(map[string]*contextState)}
	m.Create("ctx")
	m.RecordPerformance("ctx", 100*1024, 1) // 100 KiB/s, below the 1 MiB/s halving threshold

	size := m.GetOptimalBufferSize("ctx")
	assert.Equal(t, cfg.Default/2, size)
}

func TestCheckPressureHalvesActiveBuffersAboveThreshold(t *testing.T) {
	cfg := testConfig(func() (float64, error) { return 85, nil })
	m := &Manager{cfg: cfg, contexts: make(map[string]*contextState)}
	cs := &contextState{bufSize: 16384}
	m.contexts["ctx"] = cs

	m.checkPressure()
	assert.Equal(t, 8192, cs.bufSize)
}

func TestCheckPressureNeverGoesBelowMin(t *testing.T) {
	cfg := testConfig(func() (float64, error) { return 85, nil })
	m := &Manager{cfg: cfg, contexts: make(map[string]*contextState)}
	cs := &contextState{bufSize: cfg.Min + 10}
	m.contexts["ctx"] = cs

	m.checkPressure()
	assert.Equal(t, cfg.Min, cs.bufSize)
}

func TestCreateAndReleaseManageContextLifecycle(t *testing.T) {
	cfg := testConfig(func() (float64, error) { return 50, nil })
	m := &Manager{cfg: cfg, contexts: make(map[string]*contextState)}

	size := m.Create("ctx")
	assert.Equal(t, cfg.Default, size)

	m.Release("ctx")
	_, ok := m.contexts["ctx"]
	assert.False(t, ok)
}

func TestRecordPerformanceKeepsRollingWindowOfTen(t *testing.T) {
	cfg := testConfig(func() (float64, error) { return 50, nil })
	m := &Manager{cfg: cfg, contexts: make(map[string]*contextState)}
	for i := 0; i < 15; i++ {
		m.RecordPerformance("ctx", 1024, 1)
	}
	assert.Len(t, m.contexts["ctx"].throughput, 10)
}

func TestFromPerformanceOverlaysNonZeroFields(t *testing.T) {
	p := FromPerformance(config.PerformanceConfig{BufferSizeMin: 2048})
	assert.Equal(t, 2048, p.Min)
	assert.Equal(t, DefaultConfig().Max, p.Max)
}

func TestShouldUseMmapRequiresSizeThreshold(t *testing.T) {
	m := &Manager{cfg: DefaultConfig(), contexts: make(map[string]*contextState)}
	assert.False(t, m.ShouldUseMmap(10*1024*1024))
}
