// Package control exposes the import pipeline over HTTP: manual triggers,
// queue purges and run status.
package control

import (
	apphttp "nald_import/internal/http"
	"nald_import/platform/validator"
)

// Module wires the pipeline control routes.
type Module struct {
	handler *Handler
}

func NewModule(orch Orchestrator, runs RunLister, val *validator.Validator) *Module {
	return &Module{handler: NewHandler(orch, runs, val)}
}

func (m *Module) Name() string {
	return "control"
}

func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	stages := ctx.V1.Group("/stages")
	stages.GET("", m.handler.ListStages)
	stages.POST("/:stage/trigger", ctx.TriggerRateLimiter.RateLimit(), m.handler.Trigger)
	stages.DELETE("/:stage/queue", m.handler.DeleteQueue)

	ctx.V1.GET("/status", m.handler.Status)
	if m.handler.runs != nil {
		ctx.V1.GET("/runs", m.handler.ListRuns)
	}
}

var _ apphttp.Module = (*Module)(nil)
