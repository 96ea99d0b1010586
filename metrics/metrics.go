// Package metrics defines the observability sink injected into the proxy
// core. Backends are out of scope; the core only emits counters and
// histograms through this interface.
package metrics

import "sync"

// Sink receives counters and histograms from the proxy core. Implementations
// must be safe for concurrent use.
type Sink interface {
	IncCounter(name string, tags map[string]string)
	ObserveHistogram(name string, value float64, tags map[string]string)
}

// Counter names emitted by the core.
const (
	SessionsCreated      = "sessions_created"
	SessionsEvicted      = "sessions_evicted"
	SessionsDegraded     = "sessions_store_degraded"
	HeartbeatChecks      = "heartbeat_checks"
	DeadSessionsDetected = "dead_sessions_detected"
	InterceptorOutcomes  = "interceptor_outcomes"
	ReplayGaps           = "replay_gaps"
)

type nopSink struct{}

func (nopSink) IncCounter(string, map[string]string)                {}
func (nopSink) ObserveHistogram(string, float64, map[string]string) {}

// Nop returns a sink that discards everything.
func Nop() Sink { return nopSink{} }

// Recorder is an in-memory sink for tests.
type Recorder struct {
	mu         sync.Mutex
	counters   map[string]int
	histograms map[string][]float64
}

// NewRecorder returns an empty recording sink.
func NewRecorder() *Recorder {
	return &Recorder{
		counters:   make(map[string]int),
		histograms: make(map[string][]float64),
	}
}

func (r *Recorder) IncCounter(name string, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[key(name, tags)]++
}

func (r *Recorder) ObserveHistogram(name string, value float64, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(name, tags)
	r.histograms[k] = append(r.histograms[k], value)
}

// Count returns the current value of a counter, including its tag suffix if
// the counter was emitted with tags.
func (r *Recorder) Count(name string, tags map[string]string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[key(name, tags)]
}

func key(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	k := name
	// Stable enough for tests: the core emits at most one tag per counter.
	for _, tag := range []string{"kind", "tier", "reason"} {
		if v, ok := tags[tag]; ok {
			k += "|" + tag + "=" + v
		}
	}
	return k
}

var _ Sink = (*Recorder)(nil)
