package pipeline

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"nald_import/platform/apperr"
	"nald_import/platform/logger"
)

type recordingNotifier struct {
	mu     sync.Mutex
	infos  []string
	errors []error
}

func (n *recordingNotifier) Info(_ context.Context, message string, _ ...any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.infos = append(n.infos, message)
}

func (n *recordingNotifier) Error(_ context.Context, _ string, err error, _ ...any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, err)
}

type paramRecorder struct {
	mu     sync.Mutex
	params []string
}

func (r *paramRecorder) add(p string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.params = append(r.params, p)
}

func (r *paramRecorder) sorted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := slices.Clone(r.params)
	slices.Sort(out)
	return out
}

func newTestOrchestrator(t *testing.T, notifier *recordingNotifier, stages ...Stage) (*Orchestrator, *MemoryQueue) {
	t.Helper()
	graph, err := NewGraph(stages...)
	if err != nil {
		t.Fatalf("unexpected graph error: %v", err)
	}
	q := NewMemoryQueue(logger.Discard())
	t.Cleanup(q.Close)

	o := NewOrchestrator(graph, q, notifier, Settings{FanOutConcurrency: 2}, logger.Discard())
	if err := o.Register(); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	return o, q
}

func TestOrchestratorFanOutFailureIsolation(t *testing.T) {
	children := &paramRecorder{}
	grandchildren := &paramRecorder{}
	notifier := &recordingNotifier{}

	o, q := newTestOrchestrator(t, notifier,
		Stage{
			Name: "licences",
			Next: []string{"licence"},
			Handler: func(context.Context, Job) (Outcome, error) {
				return Outcome{FanOut: []string{"a", "b", "c"}, Processed: 3}, nil
			},
		},
		Stage{
			Name:   "licence",
			FanOut: true,
			Next:   []string{"charge-versions"},
			Handler: func(_ context.Context, job Job) (Outcome, error) {
				children.add(job.Param)
				if job.Param == "b" {
					return Outcome{}, errors.New("licence b is broken")
				}
				return Outcome{Processed: 1}, nil
			},
		},
		Stage{
			Name:   "charge-versions",
			FanOut: true,
			Handler: func(_ context.Context, job Job) (Outcome, error) {
				grandchildren.add(job.Param)
				return Outcome{Processed: 1}, nil
			},
		},
	)

	if _, err := o.Trigger(context.Background(), "licences", ""); err != nil {
		t.Fatalf("unexpected trigger error: %v", err)
	}
	q.Wait()

	if got := children.sorted(); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Fatalf("expected every sibling to run, got %v", got)
	}
	if got := grandchildren.sorted(); !slices.Equal(got, []string{"a", "c"}) {
		t.Fatalf("expected downstream of successful siblings only, got %v", got)
	}

	if run := o.Tracker().Get("licence.b"); run.State != StateFailed {
		t.Fatalf("expected licence.b failed, got %s", run.State)
	}
	for _, key := range []string{"licence.a", "licence.c", "charge-versions.a", "charge-versions.c"} {
		if run := o.Tracker().Get(key); run.State != StateSucceeded {
			t.Fatalf("expected %s succeeded, got %s", key, run.State)
		}
	}
	if run := o.Tracker().Get("charge-versions.b"); run.State != StateIdle {
		t.Fatalf("expected charge-versions.b never queued, got %s", run.State)
	}

	if len(notifier.errors) != 1 {
		t.Fatalf("expected one failure notification, got %d", len(notifier.errors))
	}
	if !apperr.Is(notifier.errors[0], apperr.KindStageFailure) {
		t.Fatalf("expected stage failure kind, got %v", notifier.errors[0])
	}
}

func TestOrchestratorHaltStopsCascade(t *testing.T) {
	var downstreamRan bool
	var mu sync.Mutex

	o, q := newTestOrchestrator(t, &recordingNotifier{},
		Stage{
			Name: "snapshot",
			Next: []string{"parties"},
			Handler: func(context.Context, Job) (Outcome, error) {
				return Outcome{Halt: true}, nil
			},
		},
		Stage{
			Name: "parties",
			Handler: func(context.Context, Job) (Outcome, error) {
				mu.Lock()
				downstreamRan = true
				mu.Unlock()
				return Outcome{}, nil
			},
		},
	)

	if err := o.TriggerRoots(context.Background()); err != nil {
		t.Fatalf("unexpected trigger error: %v", err)
	}
	q.Wait()

	mu.Lock()
	defer mu.Unlock()
	if downstreamRan {
		t.Fatal("expected halted stage not to trigger downstream")
	}
	if run := o.Tracker().Get("snapshot"); run.State != StateSucceeded || !run.Halted {
		t.Fatalf("expected snapshot succeeded and halted, got %+v", run)
	}
}

func TestOrchestratorInheritsParentParam(t *testing.T) {
	got := &paramRecorder{}
	o, q := newTestOrchestrator(t, &recordingNotifier{},
		Stage{
			Name:   "licence",
			FanOut: true,
			Next:   []string{"charge-versions"},
			Handler: func(context.Context, Job) (Outcome, error) {
				return Outcome{Processed: 1}, nil
			},
		},
		Stage{
			Name:   "charge-versions",
			FanOut: true,
			Handler: func(_ context.Context, job Job) (Outcome, error) {
				got.add(job.Param)
				return Outcome{}, nil
			},
		},
	)

	if _, err := o.Trigger(context.Background(), "licence", "01/123"); err != nil {
		t.Fatalf("unexpected trigger error: %v", err)
	}
	q.Wait()

	if params := got.sorted(); !slices.Equal(params, []string{"01/123"}) {
		t.Fatalf("expected child to inherit the parent param, got %v", params)
	}
}

func TestOrchestratorEmptyFanOutEnqueuesNothing(t *testing.T) {
	got := &paramRecorder{}
	o, q := newTestOrchestrator(t, &recordingNotifier{},
		Stage{
			Name: "parties",
			Next: []string{"party"},
			Handler: func(context.Context, Job) (Outcome, error) {
				return Outcome{FanOut: []string{}}, nil
			},
		},
		Stage{
			Name:   "party",
			FanOut: true,
			Handler: func(_ context.Context, job Job) (Outcome, error) {
				got.add(job.Param)
				return Outcome{}, nil
			},
		},
	)

	if _, err := o.Trigger(context.Background(), "parties", ""); err != nil {
		t.Fatalf("unexpected trigger error: %v", err)
	}
	q.Wait()

	if params := got.sorted(); len(params) != 0 {
		t.Fatalf("expected no fan-out children, got %v", params)
	}
}

func TestOrchestratorTriggerValidation(t *testing.T) {
	o, _ := newTestOrchestrator(t, &recordingNotifier{},
		Stage{Name: "licence", FanOut: true, Handler: noop},
	)

	if _, err := o.Trigger(context.Background(), "missing", ""); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := o.Trigger(context.Background(), "licence", ""); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error for missing fan-out param, got %v", err)
	}
}

func TestOrchestratorTriggerReportsDuplicate(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 1)
	o, q := newTestOrchestrator(t, &recordingNotifier{},
		Stage{Name: "snapshot", Handler: blockingHandler(started, release)},
	)

	if _, err := o.Trigger(context.Background(), "snapshot", ""); err != nil {
		t.Fatalf("unexpected trigger error: %v", err)
	}
	<-started
	if _, err := o.Trigger(context.Background(), "snapshot", ""); !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob, got %v", err)
	}
	if run := o.Tracker().Get("snapshot"); run.State != StateRunning {
		t.Fatalf("expected the running job to stay tracked, got %s", run.State)
	}

	close(release)
	q.Wait()
}

func TestOrchestratorFailureHooksSeeFailedJobsOnly(t *testing.T) {
	failed := &paramRecorder{}
	o, q := newTestOrchestrator(t, &recordingNotifier{},
		Stage{
			Name: "licences",
			Next: []string{"licence"},
			Handler: func(context.Context, Job) (Outcome, error) {
				return Outcome{FanOut: []string{"a", "b"}, Processed: 2}, nil
			},
		},
		Stage{
			Name:   "licence",
			FanOut: true,
			Handler: func(_ context.Context, job Job) (Outcome, error) {
				if job.Param == "b" {
					return Outcome{}, errors.New("licence b is broken")
				}
				return Outcome{Processed: 1}, nil
			},
		},
	)
	o.OnFailure(func(_ context.Context, c Completion) {
		if c.Succeeded() {
			t.Errorf("failure hook called for succeeded job %s", c.Job.SingletonKey)
		}
		failed.add(c.Job.SingletonKey)
	})

	if _, err := o.Trigger(context.Background(), "licences", ""); err != nil {
		t.Fatalf("unexpected trigger error: %v", err)
	}
	q.Wait()

	if got := failed.sorted(); !slices.Equal(got, []string{"licence.b"}) {
		t.Fatalf("expected one failure hook call for licence.b, got %v", got)
	}
}
