package result

import (
	"sync"

	"github.com/cheggaaa/mb/v3"
)

// Recorder is the single source of truth for the current run's results.
//
// It is single-writer (the orchestrator); readers get immutable snapshots.
// Within a run an entry is never removed and the order of first appearance
// never changes: recording an already-known test replaces that entry's
// fields in place, which is how a probe moves from running to its terminal
// status.
type Recorder struct {
	mu      sync.Mutex
	entries []TestResult
	subs    []*mb.MB[[]TestResult]
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record upserts the entry for test and notifies subscribers synchronously,
// so an append is observable before the recording probe resumes.
func (r *Recorder) Record(test string, status Status, message string, durationMs int64, details map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := TestResult{
		Test:       test,
		Status:     status,
		Message:    message,
		DurationMs: durationMs,
		Details:    details,
	}
	var replaced bool
	for i := range r.entries {
		if r.entries[i].Test == test {
			r.entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		r.entries = append(r.entries, entry)
	}
	r.notify()
}

// Snapshot returns a copy of the current ordered result set. Mutating the
// returned slice or its details maps does not affect the recorder.
func (r *Recorder) Snapshot() []TestResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Recorder) snapshotLocked() []TestResult {
	snap := make([]TestResult, len(r.entries))
	for i, e := range r.entries {
		snap[i] = e.copy()
	}
	return snap
}

// Len returns the number of recorded entries.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Reset clears the log. Called exactly once at the start of a full run.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = r.entries[:0]
	r.notify()
}

// Subscribe returns a queue that receives a full snapshot after every
// change. The caller owns the queue and must Close it when done.
func (r *Recorder) Subscribe() *mb.MB[[]TestResult] {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := mb.New[[]TestResult](0)
	r.subs = append(r.subs, q)
	return q
}

// Unsubscribe closes the queue and stops delivering snapshots to it.
func (r *Recorder) Unsubscribe(q *mb.MB[[]TestResult]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, sub := range r.subs {
		if sub == q {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			break
		}
	}
	_ = q.Close()
}

func (r *Recorder) notify() {
	if len(r.subs) == 0 {
		return
	}
	snap := r.snapshotLocked()
	for _, q := range r.subs {
		_ = q.TryAdd(snap)
	}
}
