package control

import (
	"nald_import/internal/pipeline"
)

// TriggerRequest is the optional body of a trigger call.
type TriggerRequest struct {
	Param string `json:"param" validate:"omitempty,max=128,printascii"`
}

// TriggerResponse reports the job a trigger published, or the singleton key
// already holding the slot.
type TriggerResponse struct {
	Stage         string `json:"stage"`
	SingletonKey  string `json:"singletonKey"`
	JobID         string `json:"jobId,omitempty"`
	AlreadyQueued bool   `json:"alreadyQueued,omitempty"`
}

// RunsRequest filters the run history.
type RunsRequest struct {
	Stage string `form:"stage" validate:"omitempty,max=64"`
	Limit int    `form:"limit" validate:"omitempty,min=1,max=500"`
}

// StageResponse describes one node of the import graph.
type StageResponse struct {
	Name     string   `json:"name"`
	FanOut   bool     `json:"fanOut"`
	Next     []string `json:"next"`
	Schedule string   `json:"schedule,omitempty"`
}

func stageResponse(s pipeline.Stage) StageResponse {
	next := s.Next
	if next == nil {
		next = []string{}
	}
	return StageResponse{Name: s.Name, FanOut: s.FanOut, Next: next, Schedule: s.Schedule}
}
