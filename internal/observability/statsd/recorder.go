package statsd

import (
	"sync"
	"time"
)

// Recorded is one metric captured by a Recorder.
type Recorded struct {
	Kind  string
	Name  string
	Value float64
	Tags  map[string]string
}

// Recorder is an in-memory Sink used by tests and the admin CLI dry runs.
type Recorder struct {
	mu      sync.Mutex
	metrics []Recorded
}

var _ Sink = (*Recorder)(nil)

func (r *Recorder) add(m Recorded) {
	r.mu.Lock()
	r.metrics = append(r.metrics, m)
	r.mu.Unlock()
}

// Count implements Sink.
func (r *Recorder) Count(name string, value int64, tags map[string]string) {
	r.add(Recorded{Kind: "c", Name: name, Value: float64(value), Tags: cleanTags(tags)})
}

// Gauge implements Sink.
func (r *Recorder) Gauge(name string, value float64, tags map[string]string) {
	r.add(Recorded{Kind: "g", Name: name, Value: value, Tags: cleanTags(tags)})
}

// Timing implements Sink.
func (r *Recorder) Timing(name string, value time.Duration, tags map[string]string) {
	r.add(Recorded{Kind: "ms", Name: name, Value: float64(value) / float64(time.Millisecond), Tags: cleanTags(tags)})
}

// Snapshot returns a copy of everything recorded so far.
func (r *Recorder) Snapshot() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Recorded, len(r.metrics))
	copy(out, r.metrics)
	return out
}

// Find returns recorded metrics named name whose tags include every pair in match.
func (r *Recorder) Find(name string, match map[string]string) []Recorded {
	var out []Recorded
	for _, m := range r.Snapshot() {
		if m.Name != name {
			continue
		}
		ok := true
		for k, v := range match {
			if m.Tags[k] != v {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, m)
		}
	}
	return out
}
