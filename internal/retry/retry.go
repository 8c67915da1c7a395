// Package retry implements the Adaptive Retry Policy (§4.E): per-host,
// per-error-class retry and backoff decisions, grounded on the
// RetryConfig/backoff shape of noisefs's pkg/resilience/network_resilience.go
// and extended with the error-class multipliers and network-aware
// adjustments §4.E specifies.
package retry

import (
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/jandresen/hlsdl/internal/engineerror"
	"github.com/jandresen/hlsdl/internal/hoststate"
)

// Strategy selects the backoff shape (§4.E).
type Strategy int

const (
	StrategyExponential Strategy = iota
	StrategyLinear
	StrategyFibonacci
	StrategyJittered
	StrategyAdaptive
)

// Config holds the tunables of §4.E, with documented defaults via
// DefaultConfig.
type Config struct {
	Strategy        Strategy
	Base            time.Duration
	Multiplier      float64
	MaxAttempts     int
	MaxDelay        time.Duration
	JitterFactor    float64
	RateLimitFloor  time.Duration
	ServerErrorCap  int // SERVER_ERROR retryable only for attempt <= this
	ErrorMultipliers map[engineerror.Class]float64
	nonRetryablePhrases []string
}

// DefaultConfig returns §4.E's documented defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:       StrategyAdaptive,
		Base:           1 * time.Second,
		Multiplier:     2.0,
		MaxAttempts:    5,
		MaxDelay:       300 * time.Second,
		JitterFactor:   0.1,
		RateLimitFloor: 30 * time.Second,
		ServerErrorCap: 3,
		ErrorMultipliers: map[engineerror.Class]float64{
			engineerror.ClassNetworkTimeout: 2.0,
			engineerror.ClassConnection:     1.5,
			engineerror.ClassHTTP:           1.0,
			engineerror.ClassServer:         3.0,
			engineerror.ClassRateLimited:    5.0,
			engineerror.ClassTemporary:      1.2,
			engineerror.ClassUnknown:        1.0,
		},
		nonRetryablePhrases: []string{
			"authentication", "authorization", "forbidden", "not found",
			"bad request", "invalid", "malformed",
		},
	}
}

// NetworkSignals supplies the cross-cutting quantities §4.E's network-aware
// adjustments read: global network quality, global average response time
// (used to derive server_load), and the originating host's metrics.
type NetworkSignals struct {
	NetworkQuality       float64
	GlobalAvgResponse    time.Duration
	Host                 hoststate.Metrics
	ObservedLatency      time.Duration // latency of the attempt just made, 0 if none
}

// Policy is the per-host, per-error-class retry decision maker.
type Policy struct {
	cfg   Config
	mu    sync.Mutex
	rng   *rand.Rand
}

// New creates a Policy.
func New(cfg Config) *Policy {
	return &Policy{cfg: cfg, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// ShouldRetry reports whether another attempt is permitted after attempt
// (1-based, the attempt that just failed) for the given error class,
// honoring the text-match
// non-retryable fallback (§4.E, §9 open question — retained only as a
// last-resort compatibility path; the primary dispatch is on class).
func (p *Policy) ShouldRetry(attempt int, class engineerror.Class, errText string) bool {
	if class.Terminal() {
		return false
	}
	if attempt > p.cfg.MaxAttempts {
		return false
	}
	lower := strings.ToLower(errText)
	for _, phrase := range p.cfg.nonRetryablePhrases {
		if strings.Contains(lower, phrase) {
			return false
		}
	}
	if class == engineerror.ClassServer && attempt > p.cfg.ServerErrorCap {
		return false
	}
	// ClassRateLimited is always retryable within MaxAttempts, already
	// enforced by the attempt check above.
	return true
}

func fibonacci(n int) int64 {
	if n <= 0 {
		return 0
	}
	a, b := int64(0), int64(1)
	for i := 0; i < n; i++ {
		a, b = b, a+b
	}
	return a
}

func (p *Policy) randFloat64() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.Float64()
}

// baseDelay computes the strategy-specific component of the delay before
// any network-aware adjustment, for attempt (1-based).
func (p *Policy) baseDelay(attempt int, class engineerror.Class) time.Duration {
	base := float64(p.cfg.Base)
	n := float64(attempt)

	switch p.cfg.Strategy {
	case StrategyLinear:
		return time.Duration(base * n)
	case StrategyFibonacci:
		return time.Duration(base * float64(fibonacci(attempt)))
	case StrategyJittered:
		jitter := 0.5 + p.randFloat64() // U[0.5,1.5]
		return time.Duration(base * math.Pow(p.cfg.Multiplier, n-1) * jitter)
	case StrategyAdaptive:
		mult := p.cfg.ErrorMultipliers[class]
		if mult == 0 {
			mult = 1.0
		}
		return time.Duration(base * math.Pow(p.cfg.Multiplier, n-1) * mult)
	case StrategyExponential:
		fallthrough
	default:
		return time.Duration(base * math.Pow(p.cfg.Multiplier, n-1))
	}
}

// GetRetryDelay computes the delay to wait after failed attempt (1-based) for class,
// applying the network-aware adjustments and clamps of §4.E.
func (p *Policy) GetRetryDelay(attempt int, class engineerror.Class, sig NetworkSignals) time.Duration {
	d := float64(p.baseDelay(attempt, class))

	if sig.NetworkQuality > 0 && sig.NetworkQuality < 0.8 {
		d *= 2 - sig.NetworkQuality
	}

	serverLoad := 5.0
	if sig.GlobalAvgResponse > 0 {
		secs := sig.GlobalAvgResponse.Seconds()
		if secs < 1 {
			secs = 1
		}
		serverLoad = 5.0 / secs
	}
	if serverLoad < 0.8 {
		d *= 2 - serverLoad
	}

	hostSuccessRate := sig.Host.SuccessRate()
	if hostSuccessRate < 0.5 {
		d *= 2 - hostSuccessRate
	}

	if sig.Host.ConsecutiveFailures > 3 {
		d *= 1 + 0.5*(float64(sig.Host.ConsecutiveFailures)-3)
	}

	if sig.ObservedLatency > 0 && len(sig.Host.ResponseTimes) > 0 {
		var sum time.Duration
		for _, rt := range sig.Host.ResponseTimes {
			sum += rt
		}
		avg := sum / time.Duration(len(sig.Host.ResponseTimes))
		if avg > 0 && sig.ObservedLatency > 2*avg {
			d *= 1.5
		}
	}

	dominantMatchesReason := (sig.Host.DominantError == hoststate.ErrorKindOther && class == engineerror.ClassRateLimited) ||
		(class == engineerror.ClassServer && sig.Host.DominantError != hoststate.ErrorKindNone)
	if (class == engineerror.ClassRateLimited || class == engineerror.ClassServer) && dominantMatchesReason {
		d *= 2.0
	}

	if class == engineerror.ClassRateLimited {
		if time.Duration(d) < p.cfg.RateLimitFloor {
			d = float64(p.cfg.RateLimitFloor)
		}
	}

	if time.Duration(d) > p.cfg.MaxDelay {
		d = float64(p.cfg.MaxDelay)
	}

	jitter := 1 + (p.randFloat64()*2-1)*p.cfg.JitterFactor
	d *= jitter

	if time.Duration(d) > p.cfg.MaxDelay {
		d = float64(p.cfg.MaxDelay)
	}

	return time.Duration(d)
}
