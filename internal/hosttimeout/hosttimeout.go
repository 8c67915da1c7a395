// Package hosttimeout implements the Adaptive Timeout Controller (§4.C):
// per-host learned connect/read timeouts derived from response-time
// history in internal/hoststate.
package hosttimeout

import (
	"sync"
	"time"

	"github.com/jandresen/hlsdl/internal/hoststate"
)

// Config holds the tunables of §4.C, all with the spec's documented
// defaults.
type Config struct {
	BaseConnect         time.Duration
	BaseRead            time.Duration
	Multiplier          float64
	StabilityThreshold  float64
	Min                 time.Duration
	Max                 time.Duration
	MinSamples          int
	QualityEMARate      float64
}

// DefaultConfig returns §4.C's documented defaults.
func DefaultConfig() Config {
	return Config{
		BaseConnect:        30 * time.Second,
		BaseRead:           60 * time.Second,
		Multiplier:         1.5,
		StabilityThreshold: 0.8,
		Min:                5 * time.Second,
		Max:                300 * time.Second,
		MinSamples:         3,
		QualityEMARate:     0.1,
	}
}

// Controller computes per-host timeouts and tracks the global
// network-quality EMA that feeds the penalty terms of §4.C and §4.E.
type Controller struct {
	cfg     Config
	store   *hoststate.Store
	mu      sync.Mutex
	quality float64 // EMA of network_quality, starts optimistic
	primed  bool
}

// New creates a Controller backed by the given shared host-metrics store.
func New(cfg Config, store *hoststate.Store) *Controller {
	return &Controller{cfg: cfg, store: store, quality: 1.0}
}

// Record appends an observation and refreshes the global quality EMA.
func (c *Controller) Record(host string, latency time.Duration, success bool, kind hoststate.ErrorKind) {
	c.store.Record(host, latency, success, kind)
	c.refreshQuality()
}

// refreshQuality recomputes the smoothed aggregate network_quality
// (§4.C): 70% global success rate, 30% inverse of normalized stddev.
func (c *Controller) refreshQuality() {
	all := c.store.All()
	if len(all) == 0 {
		return
	}
	var totalSucc, total int64
	var stabilitySum float64
	for _, m := range all {
		totalSucc += m.Success
		total += m.Total
		stability := 1.0 - m.StdDevNormalized()
		if stability < 0 {
			stability = 0
		}
		stabilitySum += stability
	}
	successRate := 1.0
	if total > 0 {
		successRate = float64(totalSucc) / float64(total)
	}
	stabilityAvg := stabilitySum / float64(len(all))
	sample := 0.7*successRate + 0.3*stabilityAvg

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.primed {
		c.quality = sample
		c.primed = true
		return
	}
	c.quality = c.cfg.QualityEMARate*sample + (1-c.cfg.QualityEMARate)*c.quality
}

// NetworkQuality returns the current smoothed global network_quality in
// [0,1], used by internal/retry's network-aware adjustments too.
func (c *Controller) NetworkQuality() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quality
}

// HostMetrics exposes the shared per-host snapshot, letting other
// components (internal/retry) feed §4.E's network-aware adjustments
// without holding their own reference to the store.
func (c *Controller) HostMetrics(host string) hoststate.Metrics {
	return c.store.Get(host)
}

// GlobalAvgResponse averages the mean response time across every
// currently tracked host, feeding §4.E's server_load proxy.
func (c *Controller) GlobalAvgResponse() time.Duration {
	all := c.store.All()
	if len(all) == 0 {
		return 0
	}
	var sum time.Duration
	n := 0
	for _, m := range all {
		for _, rt := range m.ResponseTimes {
			sum += rt
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / time.Duration(n)
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

// GetTimeouts returns (connect, read) timeouts for host per §4.C.
func (c *Controller) GetTimeouts(host string) (connect, read time.Duration) {
	m := c.store.Get(host)
	if len(m.ResponseTimes) < c.cfg.MinSamples {
		connect, read = c.cfg.BaseConnect, c.cfg.BaseRead
	} else {
		p95 := m.P95()
		read = time.Duration(float64(p95) * c.cfg.Multiplier)

		successRate := m.SuccessRate()
		if successRate < c.cfg.StabilityThreshold {
			read = time.Duration(float64(read) * (2 - successRate))
		}

		quality := c.NetworkQuality()
		read = time.Duration(float64(read) * (2 - quality))

		read = clampDuration(read, c.cfg.Min, c.cfg.Max)
	}

	connect = clampDuration(time.Duration(float64(read)*0.5), c.cfg.Min, c.cfg.BaseConnect)
	return connect, read
}
