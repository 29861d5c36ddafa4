// Package http wires the control surface modules onto one gin engine.
package http

import (
	"context"

	"nald_import/platform/config"
	"nald_import/platform/logger"
)

// HealthChecker is a dependency the health endpoint pings.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// App is what the router needs from a command's composition root.
type App struct {
	Config config.HTTPConfig
	Logger *logger.Logger
	// Health names the dependencies /api/health pings, e.g. "postgres" and
	// "redis". A single failing check answers 503.
	Health  map[string]HealthChecker
	Modules []Module
}
