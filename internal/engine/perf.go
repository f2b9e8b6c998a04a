package engine

import (
	"sync"
	"time"

	"github.com/rickgao/marketsim/internal/tsstore"
)

// PerfStats records per-phase timing as a dense millisecond series,
// exposed through the market/showperf and market/resetperf control
// operations.
type PerfStats struct {
	mu     sync.Mutex
	phases map[string]*tsstore.TS[float64]
}

// NewPerfStats constructs an empty phase-timing table.
func NewPerfStats() *PerfStats {
	return &PerfStats{phases: make(map[string]*tsstore.TS[float64])}
}

// Record appends one sample for phase.
func (p *PerfStats) Record(phase string, d time.Duration) {
	p.mu.Lock()
	ts, ok := p.phases[phase]
	if !ok {
		ts = tsstore.New[float64](tsstore.MarkAbsent)
		p.phases[phase] = ts
	}
	p.mu.Unlock()
	ts.Append(float64(d.Microseconds()) / 1000)
}

// Observe times fn and records its duration under phase.
func (p *PerfStats) Observe(phase string, fn func()) {
	start := time.Now()
	fn()
	p.Record(phase, time.Since(start))
}

// Snapshot returns every recorded sample for every phase, in
// chronological order, as plain milliseconds.
func (p *PerfStats) Snapshot() map[string][]float64 {
	p.mu.Lock()
	tsMap := make(map[string]*tsstore.TS[float64], len(p.phases))
	for name, ts := range p.phases {
		tsMap[name] = ts
	}
	p.mu.Unlock()

	out := make(map[string][]float64, len(tsMap))
	for name, ts := range tsMap {
		cur, ok := ts.Cursor()
		if !ok {
			out[name] = nil
			continue
		}
		vals := make([]float64, 0, ts.Len())
		for tp := ts.FirstTP(); tp <= cur; tp++ {
			v, present, err := ts.At(tp)
			if err == nil && present {
				vals = append(vals, v)
			}
		}
		out[name] = vals
	}
	return out
}

// Reset clears every phase's recorded samples without removing the
// phase names themselves.
func (p *PerfStats) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ts := range p.phases {
		ts.Clear()
	}
}
