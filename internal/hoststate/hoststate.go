// Package hoststate holds the process-wide, host-keyed HostMetrics store
// (§3 HostMetrics) shared by the adaptive timeout controller, the adaptive
// retry policy, and diagnostics. It is backed by github.com/hashicorp/go-memdb,
// the in-memory-database idiom used for shared keyed state in the
// retrieval pack's sonroyaalmerol-m3u-stream-merger-proxy (database/memdb.go),
// generalized here from a single int-keyed table to a host-authority-keyed
// one holding the richer HostMetrics record.
//
// go-memdb gives every read a consistent snapshot (txn(false)) without a
// bespoke per-host RWMutex sharding scheme, while writes are serialized
// by go-memdb's single write transaction, across all hosts (§5's
// "reads may use a snapshot" shared-resource policy).
package hoststate

import (
	"math"
	"sort"
	"time"

	"github.com/hashicorp/go-memdb"
)

const tableMetrics = "host_metrics"

const windowSize = 100

// ErrorKind classifies the last-recorded failure for a host sample,
// feeding §4.E's dominant-error-class bookkeeping.
type ErrorKind int

const (
	ErrorKindNone ErrorKind = iota
	ErrorKindTimeout
	ErrorKindConnection
	ErrorKindOther
)

// Metrics is the per-host rolling-window record described in §3.
type Metrics struct {
	Host                string
	ResponseTimes       []time.Duration // rolling window, oldest first, len <= windowSize
	Total               int64
	Success             int64
	Fail                int64
	Timeout             int64
	ConnectionFailures  int64
	ConsecutiveFailures int64
	DominantError       ErrorKind
	LastSuccess         time.Time
}

// SuccessRate returns successes/total, or 1.0 with no observations yet
// (§3 invariant).
func (m Metrics) SuccessRate() float64 {
	if m.Total == 0 {
		return 1.0
	}
	return float64(m.Success) / float64(m.Total)
}

// P95 returns the 95th percentile of the rolling response-time window, or
// zero if empty.
func (m Metrics) P95() time.Duration {
	n := len(m.ResponseTimes)
	if n == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), m.ResponseTimes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(math.Ceil(0.95*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// StdDevNormalized returns the coefficient of variation (stddev/mean) of
// the response-time window, used by the global network-quality EMA's
// stability term (§4.C).
func (m Metrics) StdDevNormalized() float64 {
	n := len(m.ResponseTimes)
	if n < 2 {
		return 0
	}
	var sum float64
	for _, d := range m.ResponseTimes {
		sum += float64(d)
	}
	mean := sum / float64(n)
	if mean == 0 {
		return 0
	}
	var sq float64
	for _, d := range m.ResponseTimes {
		diff := float64(d) - mean
		sq += diff * diff
	}
	stddev := math.Sqrt(sq / float64(n))
	return stddev / mean
}

// record is the memdb-stored copy; Metrics is handed out by value so
// callers can't mutate shared state without going through Store methods.
type record struct {
	Host string
	M    Metrics
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableMetrics: {
				Name: tableMetrics,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Host"},
					},
				},
			},
		},
	}
}

// Store is the shared HostMetrics table. The zero value is not usable;
// use NewStore.
type Store struct {
	db *memdb.MemDB
}

// NewStore creates an empty host-metrics store.
func NewStore() *Store {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		// The schema above is static and known-valid; a failure here
		// indicates a programming error, not a runtime condition.
		panic("hoststate: invalid schema: " + err.Error())
	}
	return &Store{db: db}
}

// Get returns a snapshot of host's metrics, or the zero value (success
// rate 1.0) if the host has never been observed.
func (s *Store) Get(host string) Metrics {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tableMetrics, "id", host)
	if err != nil || raw == nil {
		return Metrics{Host: host}
	}
	return raw.(*record).M
}

// Record appends an observation for host (§4.C record) and returns the
// updated snapshot.
func (s *Store) Record(host string, latency time.Duration, success bool, kind ErrorKind) Metrics {
	txn := s.db.Txn(true)
	defer txn.Commit()

	var m Metrics
	if raw, err := txn.First(tableMetrics, "id", host); err == nil && raw != nil {
		m = raw.(*record).M
	} else {
		m = Metrics{Host: host}
	}

	m.ResponseTimes = append(m.ResponseTimes, latency)
	if len(m.ResponseTimes) > windowSize {
		m.ResponseTimes = m.ResponseTimes[len(m.ResponseTimes)-windowSize:]
	}

	m.Total++
	if success {
		m.Success++
		m.ConsecutiveFailures = 0
		m.LastSuccess = time.Now()
	} else {
		m.Fail++
		m.ConsecutiveFailures++
		switch kind {
		case ErrorKindTimeout:
			m.Timeout++
			m.DominantError = ErrorKindTimeout
		case ErrorKindConnection:
			m.ConnectionFailures++
			m.DominantError = ErrorKindConnection
		default:
			m.DominantError = ErrorKindOther
		}
	}

	_ = txn.Insert(tableMetrics, &record{Host: host, M: m})
	return m
}

// All returns a snapshot of every host currently tracked, used by the
// global network-quality aggregate (§4.C) and diagnostics.
func (s *Store) All() []Metrics {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableMetrics, "id")
	if err != nil {
		return nil
	}
	var out []Metrics
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*record).M)
	}
	return out
}
