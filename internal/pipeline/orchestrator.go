package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nald_import/internal/notify"
	"nald_import/platform/apperr"
	"nald_import/platform/config"
	"nald_import/platform/logger"

	"golang.org/x/time/rate"
)

// Settings are the defaults applied to stages that do not set their own.
type Settings struct {
	ExpireIn          time.Duration
	MaxRetry          int
	FanOutConcurrency int
	// PublishRate caps fan-out publishes per second; zero disables the limit.
	PublishRate float64
}

// SettingsFrom reads orchestrator defaults from the import configuration.
func SettingsFrom(cfg config.ImportConfig) Settings {
	return Settings{
		ExpireIn:          cfg.GetStageExpireIn(),
		MaxRetry:          cfg.GetStageMaxRetry(),
		FanOutConcurrency: cfg.GetFanOutConcurrency(),
		PublishRate:       cfg.GetFanOutPublishRate(),
	}
}

// RunRecorder persists finished runs, e.g. to an audit table.
type RunRecorder interface {
	RecordRun(ctx context.Context, c Completion) error
}

// Orchestrator wires the stage graph onto a queue: it subscribes every stage
// and registers the completion hooks that enqueue downstream stages.
type Orchestrator struct {
	graph    *Graph
	queue    Queue
	tracker  *Tracker
	notifier notify.Notifier
	limiter  *rate.Limiter
	recorder RunRecorder
	failures []CompletionHook
	settings Settings
	log      *logger.Logger
	metrics  *metrics
}

func NewOrchestrator(graph *Graph, queue Queue, notifier notify.Notifier, settings Settings, log *logger.Logger) *Orchestrator {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	limit := rate.Inf
	burst := 1
	if settings.PublishRate > 0 {
		limit = rate.Limit(settings.PublishRate)
		burst = max(1, int(settings.PublishRate))
	}
	return &Orchestrator{
		graph:    graph,
		queue:    queue,
		tracker:  NewTracker(),
		notifier: notifier,
		limiter:  rate.NewLimiter(limit, burst),
		settings: settings,
		log:      log,
		metrics:  getMetrics(),
	}
}

// Graph returns the stage table.
func (o *Orchestrator) Graph() *Graph { return o.graph }

// SetRunRecorder installs a recorder called after every completed job.
func (o *Orchestrator) SetRunRecorder(r RunRecorder) { o.recorder = r }

// OnFailure installs a hook called when a job fails for good or a downstream
// job cannot be published. Install hooks before anything is published.
func (o *Orchestrator) OnFailure(hook CompletionHook) {
	o.failures = append(o.failures, hook)
}

// Tracker returns the in-memory run state.
func (o *Orchestrator) Tracker() *Tracker { return o.tracker }

// Register subscribes every stage handler and installs the completion hooks.
// Call it once, before anything is published.
func (o *Orchestrator) Register() error {
	for _, name := range o.graph.Order() {
		stage, _ := o.graph.Stage(name)
		if err := o.queue.Subscribe(stage.Name, o.concurrency(stage), o.wrap(stage)); err != nil {
			return fmt.Errorf("subscribe %s: %w", stage.Name, err)
		}
		o.queue.OnComplete(stage.Name, o.onComplete(stage))
	}
	return nil
}

// Trigger publishes one stage job. Fan-out stages require a parameter; plain
// stages ignore it. A held singleton key yields ErrDuplicateJob.
func (o *Orchestrator) Trigger(ctx context.Context, stageName, param string) (Job, error) {
	stage, ok := o.graph.Stage(stageName)
	if !ok {
		return Job{}, apperr.NotFound(fmt.Sprintf("stage %s not found", stageName))
	}
	if stage.FanOut && param == "" {
		return Job{}, apperr.Validation(fmt.Sprintf("stage %s fans out and needs a parameter", stageName))
	}
	if !stage.FanOut {
		param = ""
	}
	return o.publish(ctx, stage, param)
}

// TriggerRoots publishes every root stage, e.g. from the cron scheduler.
func (o *Orchestrator) TriggerRoots(ctx context.Context) error {
	var errs []error
	for _, stage := range o.graph.Roots() {
		if _, err := o.publish(ctx, stage, ""); err != nil && !errors.Is(err, ErrDuplicateJob) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DeleteQueue drops pending jobs of a stage.
func (o *Orchestrator) DeleteQueue(ctx context.Context, stageName string) error {
	if _, ok := o.graph.Stage(stageName); !ok {
		return apperr.NotFound(fmt.Sprintf("stage %s not found", stageName))
	}
	return o.queue.DeleteQueue(ctx, stageName)
}

func (o *Orchestrator) publish(ctx context.Context, stage Stage, param string) (Job, error) {
	job := Job{Stage: stage.Name, Param: param, SingletonKey: SingletonKey(stage.Name, param)}
	id, err := o.queue.Publish(ctx, job, o.PublishOptionsFor(stage, param))
	if err != nil {
		if errors.Is(err, ErrDuplicateJob) {
			o.metrics.duplicateTotal.WithLabelValues(stage.Name).Inc()
		}
		return job, err
	}
	job.ID = id
	o.tracker.Queued(job)
	o.metrics.publishedTotal.WithLabelValues(stage.Name).Inc()
	return job, nil
}

// PublishOptionsFor resolves the publish options of one stage instance,
// falling back to the orchestrator defaults.
func (o *Orchestrator) PublishOptionsFor(stage Stage, param string) PublishOptions {
	opts := PublishOptions{
		SingletonKey: SingletonKey(stage.Name, param),
		ExpireIn:     stage.ExpireIn,
		MaxRetry:     stage.MaxRetry,
	}
	if opts.ExpireIn <= 0 {
		opts.ExpireIn = o.settings.ExpireIn
	}
	if opts.MaxRetry <= 0 {
		opts.MaxRetry = o.settings.MaxRetry
	}
	return opts
}

func (o *Orchestrator) concurrency(stage Stage) int {
	switch {
	case stage.Concurrency > 0:
		return stage.Concurrency
	case stage.FanOut && o.settings.FanOutConcurrency > 0:
		return o.settings.FanOutConcurrency
	default:
		return 1
	}
}

func (o *Orchestrator) wrap(stage Stage) Handler {
	return func(ctx context.Context, job Job) (Outcome, error) {
		o.tracker.Started(job)
		o.metrics.running.WithLabelValues(stage.Name).Inc()
		defer o.metrics.running.WithLabelValues(stage.Name).Dec()

		outcome, err := stage.Handler(ctx, job)
		if err != nil {
			return outcome, apperr.StageFailure(stage.Name, err)
		}
		return outcome, nil
	}
}

// onComplete interprets the graph for one stage: failures are reported and
// stop there; successes enqueue every downstream stage unless halted.
func (o *Orchestrator) onComplete(stage Stage) CompletionHook {
	return func(ctx context.Context, c Completion) {
		o.tracker.Finished(c)
		o.metrics.observeCompletion(c)
		log := o.log.WithContext(ctx).WithStage(stage.Name, c.Job.SingletonKey)
		if o.recorder != nil {
			if err := o.recorder.RecordRun(ctx, c); err != nil {
				log.Warn("failed to record stage run", "error", err)
			}
		}

		if c.Err != nil {
			log.StageFailed(stage.Name, c.Job.SingletonKey, c.Err)
			o.notifier.Error(ctx, "import stage failed", c.Err,
				"stage", stage.Name, "singleton_key", c.Job.SingletonKey, "attempts", c.Job.Attempt)
			o.failed(ctx, c)
			return
		}

		log.StageCompleted(stage.Name, c.Job.SingletonKey, c.Elapsed, c.Outcome.Processed, c.Outcome.Skipped)
		if c.Outcome.Skipped > 0 {
			o.notifier.Info(ctx, "import stage skipped entities",
				"stage", stage.Name, "singleton_key", c.Job.SingletonKey, "skipped", c.Outcome.Skipped)
		}
		if c.Outcome.Halt {
			log.Info("stage halted, downstream stages not enqueued")
			return
		}

		for _, next := range o.graph.Downstream(stage.Name) {
			o.enqueueDownstream(ctx, next, c)
		}
	}
}

func (o *Orchestrator) enqueueDownstream(ctx context.Context, next Stage, c Completion) {
	if !next.FanOut {
		o.publishChild(ctx, next, "")
		return
	}

	params := c.Outcome.FanOut
	if params == nil {
		params = []string{c.Job.Param}
	}
	for _, param := range params {
		if param == "" {
			continue
		}
		if err := o.limiter.Wait(ctx); err != nil {
			o.log.Warn("fan-out interrupted", "stage", next.Name, "error", err)
			return
		}
		o.publishChild(ctx, next, param)
	}
}

func (o *Orchestrator) publishChild(ctx context.Context, stage Stage, param string) {
	_, err := o.publish(ctx, stage, param)
	switch {
	case err == nil:
	case errors.Is(err, ErrDuplicateJob):
		o.log.Debug("downstream job already queued", "stage", stage.Name, "singleton_key", SingletonKey(stage.Name, param))
	default:
		o.log.Error("failed to enqueue downstream job", "stage", stage.Name, "param", param, "error", err)
		o.notifier.Error(ctx, "failed to enqueue import stage", err, "stage", stage.Name, "param", param)
		job := Job{Stage: stage.Name, Param: param, SingletonKey: SingletonKey(stage.Name, param)}
		o.failed(ctx, Completion{Job: job, Err: err})
	}
}

func (o *Orchestrator) failed(ctx context.Context, c Completion) {
	for _, hook := range o.failures {
		hook(ctx, c)
	}
}
