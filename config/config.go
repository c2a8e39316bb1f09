package config

import (
	"os"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - auth.go: Principal resolution
//   - database.go: Postgres, Redis and Mongo connections
//   - http.go: HTTP server configuration
//   - queue.go: Queue backend, worker pool and processor configuration
//   - services.go: Service modes, uploads and reaper configuration
type AppConfig struct {
	// IsDev controls development mode behavior (.env loading, text logs).
	// Set DEV=true or APP_ENV=development for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// Principal resolution
	Auth AuthConfig `envPrefix:"AUTH_"`

	// Connections
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	// HTTP server configuration
	HTTP HTTPConfig `envPrefix:"HTTP_"`

	// Services is a comma-delimited list of enabled service modes.
	Services string `env:"SERVICES" envDefault:"http,worker,reaper"`

	Queue     QueueConfig     `envPrefix:"QUEUE_"`
	Worker    WorkerConfig    `envPrefix:"WORKER_"`
	Processor ProcessorConfig `envPrefix:"PROCESSOR_"`
	Uploads   UploadsConfig   `envPrefix:"UPLOADS_"`
	Reaper    ReaperConfig    `envPrefix:"REAPER_"`

	// Metrics configuration
	Metrics MetricsConfig `envPrefix:"METRICS_"`
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.HTTP.Sanitize()
	c.Queue.Sanitize()
	c.Worker.Sanitize(c.Queue)
	c.Processor.Sanitize()
	c.Uploads.Sanitize()
	c.Reaper.Sanitize()
	c.Metrics.Sanitize()
	c.Auth.Sanitize()

	c.detectDevMode()
}

// detectDevMode checks APP_ENV as a fallback for DEV.
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		appEnv := strings.ToLower(os.Getenv("APP_ENV"))
		c.IsDev = appEnv == "development" || appEnv == "dev"
	}
}

// Redacted returns a copy with secrets masked, suitable for logging.
func (c AppConfig) Redacted() AppConfig {
	out := c
	out.Postgres.Password = redact(out.Postgres.Password)
	out.Redis.Password = redact(out.Redis.Password)
	out.Redis.SentinelPassword = redact(out.Redis.SentinelPassword)
	out.Uploads.Mongo.URI = redact(out.Uploads.Mongo.URI)
	out.Auth.JWTSecret = redact(out.Auth.JWTSecret)
	out.Processor.RemoteToken = redact(out.Processor.RemoteToken)
	return out
}

func redact(v string) string {
	if v == "" {
		return ""
	}
	return "***"
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsHTTPServerEnabled returns true if the HTTP server service is enabled.
func (c *AppConfig) IsHTTPServerEnabled() bool {
	return c.serviceEnabled(ServiceModeHTTP)
}

// IsWorkerEnabled returns true if the job worker pool is enabled.
func (c *AppConfig) IsWorkerEnabled() bool {
	return c.serviceEnabled(ServiceModeWorker)
}

// IsReaperEnabled returns true if the reaper service is enabled.
func (c *AppConfig) IsReaperEnabled() bool {
	return c.serviceEnabled(ServiceModeReaper)
}

func (c *AppConfig) serviceEnabled(mode ServiceMode) bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[mode]
}
