package router

import (
	"net/http"
	"time"

	apphttp "nald_import/internal/http"
	"nald_import/platform/httpkit"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// New builds the gin engine: shared middleware, health and metrics
// endpoints, then every module's routes under /api/v1.
func New(app *apphttp.App) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpkit.RequestID())
	engine.Use(httpkit.RequestLogger(app.Logger))
	engine.Use(httpkit.SecurityHeaders())

	if app.Config != nil && len(app.Config.GetCORSOrigins()) > 0 {
		engine.Use(cors.New(cors.Config{
			AllowOrigins:     app.Config.GetCORSOrigins(),
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", httpkit.HeaderRequestID},
			ExposeHeaders:    []string{httpkit.HeaderRequestID},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	engine.GET("/api/health", health(app))
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	rc := &apphttp.RouterContext{
		Engine:             engine,
		V1:                 engine.Group("/api/v1"),
		TriggerRateLimiter: httpkit.NewTriggerRateLimiter(app.Logger),
	}
	for _, module := range app.Modules {
		module.RegisterRoutes(rc)
		app.Logger.Debug("registered module routes", "module", module.Name())
	}

	return engine
}

// health pings every named dependency. Failures are logged, not echoed.
func health(app *apphttp.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, code := "ok", http.StatusOK
		checks := make(map[string]string, len(app.Health))
		for name, checker := range app.Health {
			if err := checker.Ping(c.Request.Context()); err != nil {
				app.Logger.WithContext(c.Request.Context()).Warn("health check failed", "dependency", name, "error", err)
				checks[name] = "unavailable"
				status, code = "unavailable", http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}
		c.JSON(code, gin.H{"status": status, "checks": checks})
	}
}
