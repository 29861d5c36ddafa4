package scheduler

import (
	"context"
	"fmt"
	"time"

	"nald_import/internal/pipeline"
	"nald_import/platform/config"
	"nald_import/platform/logger"

	"github.com/hibiken/asynq"
)

// Cron publishes scheduled root stages through asynq's periodic scheduler.
// The scheduled task carries the same payload and unique lock as a manual
// trigger, so a scheduled run never overlaps a running one.
type Cron struct {
	scheduler *asynq.Scheduler
	queue     *Queue
	log       *logger.Logger
}

func NewCron(cfg config.SchedulerConfig, queue *Queue, log *logger.Logger) (*Cron, error) {
	loc := time.UTC
	if tz := cfg.GetSchedulerTimezone(); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("load scheduler timezone %q: %w", tz, err)
		}
		loc = l
	}

	c := &Cron{queue: queue, log: log}
	c.scheduler = asynq.NewScheduler(queue.opt, &asynq.SchedulerOpts{
		Location: loc,
		PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
			if err != nil {
				c.log.Warn("scheduled stage not enqueued", "error", err)
				return
			}
			c.log.Info("scheduled stage enqueued", "stage", info.Type, "task_id", info.ID)
		},
	})
	return c, nil
}

// RegisterRoots registers every root stage of the graph that carries a
// schedule. fallback is used for roots without their own schedule.
func (c *Cron) RegisterRoots(graph *pipeline.Graph, fallback string, opts func(pipeline.Stage, string) pipeline.PublishOptions) (int, error) {
	registered := 0
	for _, stage := range graph.Roots() {
		spec := stage.Schedule
		if spec == "" {
			spec = fallback
		}
		if spec == "" {
			continue
		}
		job := pipeline.Job{Stage: stage.Name, SingletonKey: pipeline.SingletonKey(stage.Name, "")}
		task, err := NewStageTask(job)
		if err != nil {
			return registered, err
		}
		entryID, err := c.scheduler.Register(spec, task, c.queue.taskOptions(stage.Name, opts(stage, ""))...)
		if err != nil {
			return registered, fmt.Errorf("register %s (%s): %w", stage.Name, spec, err)
		}
		c.log.Info("scheduled root stage", "stage", stage.Name, "cron", spec, "entry_id", entryID)
		registered++
	}
	return registered, nil
}

// Run blocks until ctx is cancelled.
func (c *Cron) Run(ctx context.Context) error {
	if err := c.scheduler.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	c.scheduler.Shutdown()
	return nil
}
