package pipeline

import (
	"sort"
	"sync"
	"time"
)

// State is the lifecycle position of a singleton key.
type State string

const (
	StateIdle      State = "idle"
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Run is the last known run of one singleton key.
type Run struct {
	SingletonKey string    `json:"singletonKey"`
	Stage        string    `json:"stage"`
	Param        string    `json:"param,omitempty"`
	JobID        string    `json:"jobId,omitempty"`
	State        State     `json:"state"`
	Attempt      int       `json:"attempt"`
	Halted       bool      `json:"halted,omitempty"`
	Processed    int       `json:"processed"`
	Skipped      int       `json:"skipped"`
	Error        string    `json:"error,omitempty"`
	QueuedAt     time.Time `json:"queuedAt,omitzero"`
	StartedAt    time.Time `json:"startedAt,omitzero"`
	FinishedAt   time.Time `json:"finishedAt,omitzero"`
}

// Tracker keeps the last run per singleton key in memory for status reporting.
type Tracker struct {
	mu   sync.RWMutex
	runs map[string]Run
	now  func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{runs: make(map[string]Run), now: time.Now}
}

// Queued records a published job. A worker may already have picked the same
// job up, in which case the later state is kept.
func (t *Tracker) Queued(job Job) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if run, ok := t.runs[job.SingletonKey]; ok && run.JobID != "" && run.JobID == job.ID {
		return
	}
	t.runs[job.SingletonKey] = Run{
		SingletonKey: job.SingletonKey,
		Stage:        job.Stage,
		Param:        job.Param,
		JobID:        job.ID,
		State:        StateQueued,
		QueuedAt:     t.now(),
	}
}

// Started records an attempt beginning.
func (t *Tracker) Started(job Job) {
	t.mu.Lock()
	defer t.mu.Unlock()

	run := t.runs[job.SingletonKey]
	if run.JobID != job.ID {
		run = Run{QueuedAt: run.QueuedAt}
	}
	run.SingletonKey = job.SingletonKey
	run.Stage = job.Stage
	run.Param = job.Param
	run.JobID = job.ID
	run.State = StateRunning
	run.Attempt = job.Attempt
	run.StartedAt = t.now()
	t.runs[job.SingletonKey] = run
}

// Finished records the final result of a job.
func (t *Tracker) Finished(c Completion) {
	t.mu.Lock()
	defer t.mu.Unlock()

	run := t.runs[c.Job.SingletonKey]
	run.SingletonKey = c.Job.SingletonKey
	run.Stage = c.Job.Stage
	run.Param = c.Job.Param
	run.JobID = c.Job.ID
	run.Attempt = c.Job.Attempt
	run.Processed = c.Outcome.Processed
	run.Skipped = c.Outcome.Skipped
	run.Halted = c.Outcome.Halt
	run.FinishedAt = t.now()
	run.State = StateSucceeded
	run.Error = ""
	if c.Err != nil {
		run.State = StateFailed
		run.Error = c.Err.Error()
	}
	t.runs[c.Job.SingletonKey] = run
}

// Get returns the last run of a singleton key. Unknown keys are idle.
func (t *Tracker) Get(singletonKey string) Run {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if run, ok := t.runs[singletonKey]; ok {
		return run
	}
	return Run{SingletonKey: singletonKey, State: StateIdle}
}

// Snapshot returns every known run sorted by singleton key.
func (t *Tracker) Snapshot() []Run {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Run, 0, len(t.runs))
	for _, run := range t.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SingletonKey < out[j].SingletonKey })
	return out
}
