package http

import (
	"nald_import/platform/httpkit"

	"github.com/gin-gonic/gin"
)

// Module mounts a group of control routes.
type Module interface {
	Name() string
	RegisterRoutes(ctx *RouterContext)
}

// RouterContext is handed to every module during registration.
type RouterContext struct {
	Engine *gin.Engine
	// V1 is the /api/v1 route group.
	V1 *gin.RouterGroup
	// TriggerRateLimiter guards endpoints that enqueue stage jobs.
	TriggerRateLimiter *httpkit.IPRateLimiter
}
