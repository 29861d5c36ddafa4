// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
	GetDatabaseMaxConns() int
	GetStatementTimeout() time.Duration
}

// SchedulerConfig provides settings for the Redis-backed job queue.
type SchedulerConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
	GetAsynqQueuePrefix() string
	GetAsynqConcurrency() int
	GetSchedulerTimezone() string
}

// ImportConfig provides settings for the import pipeline stages.
type ImportConfig interface {
	GetImportSchedule() string
	GetStageExpireIn() time.Duration
	GetStageMaxRetry() int
	GetFanOutConcurrency() int
	GetFanOutPublishRate() float64
	GetNALDRegion() string
	GetRunRetention() time.Duration
	GetFailedRunRetention() time.Duration
}

// HTTPConfig provides settings for the HTTP trigger surface.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetWorkerHTTPAddr() string
	GetCORSOrigins() []string
}

// SMTPConfig provides settings for failure alert emails.
type SMTPConfig interface {
	GetSMTPHost() string
	GetSMTPPort() int
	GetSMTPUsername() string
	GetSMTPPassword() string
	GetAlertFromAddress() string
	GetAlertRecipients() []string
	IsAlertEmailEnabled() bool
}

// MinIOConfig provides settings for the S3-compatible store holding NALD extracts.
type MinIOConfig interface {
	GetMinIOEndpoint() string
	GetMinIOAccessKey() string
	GetMinIOSecretKey() string
	GetMinIOUseSSL() bool
	GetNALDBucket() string
	GetNALDObjectKey() string
	IsMinIOEnabled() bool
}

// =============================================================================
// Main Config Struct
// =============================================================================

// Config holds all application configuration values.
type Config struct {
	Env              string
	HTTPAddr         string
	WorkerHTTPAddr   string
	CORSOrigins      []string
	DatabaseURL      string
	DBMaxConns       int
	StatementTimeout time.Duration
	RedisURL         string
	RedisTLSInsecure bool
	QueuePrefix      string
	Concurrency      int
	Timezone         string
	ImportSchedule   string
	StageExpireIn    time.Duration
	StageMaxRetry    int
	FanOutWorkers    int
	FanOutRate       float64
	NALDRegion       string
	RunRetention     time.Duration
	FailedRetention  time.Duration
	SMTPHost         string
	SMTPPort         int
	SMTPUsername     string
	SMTPPassword     string
	AlertFrom        string
	AlertRecipients  []string
	MinIOEndpoint    string
	MinIOAccessKey   string
	MinIOSecretKey   string
	MinIOUseSSL      bool
	NALDBucket       string
	NALDObjectKey    string
}

// =============================================================================
// Interface Implementations
// =============================================================================

// DatabaseConfig implementation
func (c *Config) GetDatabaseURL() string              { return c.DatabaseURL }
func (c *Config) GetStatementTimeout() time.Duration { return c.StatementTimeout }

// GetDatabaseMaxConns falls back to one connection per queue worker and
// fan-out publisher plus two for the scheduler and control surface.
func (c *Config) GetDatabaseMaxConns() int {
	if c.DBMaxConns > 0 {
		return c.DBMaxConns
	}
	return c.Concurrency + c.FanOutWorkers + 2
}

// SchedulerConfig implementation
func (c *Config) GetRedisURL() string          { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool    { return c.RedisTLSInsecure }
func (c *Config) GetAsynqQueuePrefix() string  { return c.QueuePrefix }
func (c *Config) GetAsynqConcurrency() int     { return c.Concurrency }
func (c *Config) GetSchedulerTimezone() string { return c.Timezone }

// ImportConfig implementation
func (c *Config) GetImportSchedule() string            { return c.ImportSchedule }
func (c *Config) GetStageExpireIn() time.Duration      { return c.StageExpireIn }
func (c *Config) GetStageMaxRetry() int                { return c.StageMaxRetry }
func (c *Config) GetFanOutConcurrency() int            { return c.FanOutWorkers }
func (c *Config) GetFanOutPublishRate() float64        { return c.FanOutRate }
func (c *Config) GetNALDRegion() string                { return c.NALDRegion }
func (c *Config) GetRunRetention() time.Duration       { return c.RunRetention }
func (c *Config) GetFailedRunRetention() time.Duration { return c.FailedRetention }

// HTTPConfig implementation
func (c *Config) GetHTTPAddr() string       { return c.HTTPAddr }
func (c *Config) GetWorkerHTTPAddr() string { return c.WorkerHTTPAddr }
func (c *Config) GetCORSOrigins() []string  { return c.CORSOrigins }

// SMTPConfig implementation
func (c *Config) GetSMTPHost() string          { return c.SMTPHost }
func (c *Config) GetSMTPPort() int             { return c.SMTPPort }
func (c *Config) GetSMTPUsername() string      { return c.SMTPUsername }
func (c *Config) GetSMTPPassword() string      { return c.SMTPPassword }
func (c *Config) GetAlertFromAddress() string  { return c.AlertFrom }
func (c *Config) GetAlertRecipients() []string { return c.AlertRecipients }
func (c *Config) IsAlertEmailEnabled() bool {
	return c.SMTPHost != "" && c.AlertFrom != "" && len(c.AlertRecipients) > 0
}

// MinIOConfig implementation
func (c *Config) GetMinIOEndpoint() string  { return c.MinIOEndpoint }
func (c *Config) GetMinIOAccessKey() string { return c.MinIOAccessKey }
func (c *Config) GetMinIOSecretKey() string { return c.MinIOSecretKey }
func (c *Config) GetMinIOUseSSL() bool      { return c.MinIOUseSSL }
func (c *Config) GetNALDBucket() string     { return c.NALDBucket }
func (c *Config) GetNALDObjectKey() string  { return c.NALDObjectKey }
func (c *Config) IsMinIOEnabled() bool {
	return c.MinIOEndpoint != "" && c.NALDBucket != "" && c.NALDObjectKey != ""
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:              getEnv("APP_ENV", "development"),
		HTTPAddr:         getEnv("HTTP_ADDR", ":8080"),
		WorkerHTTPAddr:   getEnv("WORKER_HTTP_ADDR", ":9090"),
		CORSOrigins:      splitCSV(getEnv("CORS_ORIGINS", "http://localhost:4200")),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		DBMaxConns:       mustInt(getEnv("DB_MAX_CONNS", "0")),
		StatementTimeout: mustDuration(getEnv("DB_STATEMENT_TIMEOUT", "10m")),
		RedisURL:         getEnv("REDIS_URL", ""),
		RedisTLSInsecure: strings.EqualFold(getEnv("REDIS_TLS_INSECURE", "false"), "true"),
		QueuePrefix:      getEnv("ASYNQ_QUEUE_PREFIX", "nald"),
		Concurrency:      mustInt(getEnv("ASYNQ_CONCURRENCY", "10")),
		Timezone:         getEnv("SCHEDULER_TIMEZONE", "Europe/London"),
		ImportSchedule:   getEnv("IMPORT_SCHEDULE", "0 1 * * *"),
		StageExpireIn:    mustDuration(getEnv("STAGE_EXPIRE_IN", "2h")),
		StageMaxRetry:    mustInt(getEnv("STAGE_MAX_RETRY", "3")),
		FanOutWorkers:    mustInt(getEnv("FAN_OUT_CONCURRENCY", "4")),
		FanOutRate:       mustFloat(getEnv("FAN_OUT_PUBLISH_RATE", "200")),
		NALDRegion:       getEnv("NALD_REGION", ""),
		RunRetention:     mustDuration(getEnv("RUN_RETENTION", "168h")),
		FailedRetention:  mustDuration(getEnv("FAILED_RUN_RETENTION", "720h")),
		SMTPHost:         getEnv("SMTP_HOST", ""),
		SMTPPort:         mustInt(getEnv("SMTP_PORT", "587")),
		SMTPUsername:     getEnv("SMTP_USERNAME", ""),
		SMTPPassword:     getEnv("SMTP_PASSWORD", ""),
		AlertFrom:        getEnv("ALERT_FROM_ADDRESS", ""),
		AlertRecipients:  splitCSV(getEnv("ALERT_RECIPIENTS", "")),
		MinIOEndpoint:    getEnv("MINIO_ENDPOINT", ""),
		MinIOAccessKey:   getEnv("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey:   getEnv("MINIO_SECRET_KEY", ""),
		MinIOUseSSL:      strings.EqualFold(getEnv("MINIO_USE_SSL", "false"), "true"),
		NALDBucket:       getEnv("NALD_BUCKET", ""),
		NALDObjectKey:    getEnv("NALD_OBJECT_KEY", "nald_enc.zip"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	if cfg.StageExpireIn <= 0 {
		return nil, fmt.Errorf("STAGE_EXPIRE_IN must be a positive duration")
	}
	if cfg.SMTPHost != "" && cfg.AlertFrom == "" {
		return nil, fmt.Errorf("ALERT_FROM_ADDRESS is required when SMTP_HOST is set")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func mustInt(value string) int {
	result, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return result
}

func mustFloat(value string) float64 {
	result, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0
	}
	return result
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			results = append(results, trimmed)
		}
	}
	return results
}
