// Package pipeline runs the import as a static graph of stages on top of a
// job queue. Every stage runs as a singleton per key; when a stage completes
// successfully its downstream stages are enqueued, once per fan-out
// parameter where the downstream stage fans out.
package pipeline

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateJob is returned by Queue.Publish when a job with the same
// singleton key is already queued or running. It is not a failure.
var ErrDuplicateJob = errors.New("pipeline: duplicate singleton job")

// ErrUnknownStage is returned when a stage name is not part of the graph or
// has no subscriber on the queue.
var ErrUnknownStage = errors.New("pipeline: unknown stage")

// Job is one unit of work for a stage.
type Job struct {
	ID           string `json:"id,omitempty"`
	Stage        string `json:"stage"`
	SingletonKey string `json:"singletonKey"`
	// Param is the fan-out parameter, e.g. a licence number. Empty for
	// stages that do not fan out.
	Param   string `json:"param,omitempty"`
	Attempt int    `json:"-"`
}

// Outcome is what a stage handler reports back.
type Outcome struct {
	// FanOut lists the parameters of downstream fan-out jobs. A nil FanOut
	// hands the parent's own parameter down; an empty, non-nil FanOut
	// enqueues no fan-out children at all.
	FanOut []string
	// Halt completes the stage successfully without triggering downstream stages.
	Halt      bool
	Processed int
	Skipped   int
}

// Handler runs a stage for one job.
type Handler func(ctx context.Context, job Job) (Outcome, error)

// Completion is passed to completion hooks after the last attempt of a job.
type Completion struct {
	Job     Job
	Outcome Outcome
	Err     error
	Elapsed time.Duration
}

// Succeeded reports whether the job finished without error.
func (c Completion) Succeeded() bool { return c.Err == nil }

// CompletionHook observes the final result of a job.
type CompletionHook func(ctx context.Context, c Completion)

// PublishOptions control admission and retry of a published job.
type PublishOptions struct {
	SingletonKey string
	// ExpireIn bounds both a single run and how long the singleton key stays
	// held, so a crashed worker cannot block the key forever.
	ExpireIn time.Duration
	MaxRetry int
}

// Queue is the job queue contract the orchestrator runs on.
type Queue interface {
	// Publish enqueues job unless another job with the same singleton key is
	// queued or running, in which case ErrDuplicateJob is returned.
	Publish(ctx context.Context, job Job, opts PublishOptions) (string, error)
	// Subscribe registers the handler for a stage with at most concurrency
	// jobs of that stage running at once.
	Subscribe(stage string, concurrency int, h Handler) error
	// OnComplete registers a hook run after every final attempt of a stage's jobs.
	OnComplete(stage string, hook CompletionHook)
	// DeleteQueue drops every pending job of a stage.
	DeleteQueue(ctx context.Context, stage string) error
}
