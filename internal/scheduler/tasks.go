package scheduler

import (
	"encoding/json"
	"fmt"

	"nald_import/internal/pipeline"

	"github.com/hibiken/asynq"
)

// stagePayload is the task body. It holds no per-publish data, so equal jobs
// encode to equal payloads and asynq's unique lock doubles as the singleton lock.
type stagePayload struct {
	Stage        string `json:"stage"`
	SingletonKey string `json:"singletonKey"`
	Param        string `json:"param,omitempty"`
}

func queueName(prefix, stage string) string {
	if prefix == "" {
		return stage
	}
	return prefix + ":" + stage
}

// NewStageTask builds the asynq task for a pipeline job. The task type is the stage name.
func NewStageTask(job pipeline.Job) (*asynq.Task, error) {
	if job.Stage == "" {
		return nil, fmt.Errorf("stage task without stage name")
	}
	data, err := json.Marshal(stagePayload{
		Stage:        job.Stage,
		SingletonKey: job.SingletonKey,
		Param:        job.Param,
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(job.Stage, data), nil
}

// ParseStageTask decodes a task back into a pipeline job.
func ParseStageTask(task *asynq.Task) (pipeline.Job, error) {
	var payload stagePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return pipeline.Job{}, err
	}
	if payload.Stage == "" {
		payload.Stage = task.Type()
	}
	if payload.SingletonKey == "" {
		payload.SingletonKey = pipeline.SingletonKey(payload.Stage, payload.Param)
	}
	return pipeline.Job{
		Stage:        payload.Stage,
		SingletonKey: payload.SingletonKey,
		Param:        payload.Param,
	}, nil
}
