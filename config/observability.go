package config

import "strings"

const defaultMetricsPrefix = "jobflow"

// MetricsConfig controls emission of metrics to a StatsD agent.
type MetricsConfig struct {
	Enabled       bool   `env:"ENABLED"     envDefault:"false"`
	StatsdAddress string `env:"STATSD_ADDR" envDefault:"127.0.0.1:8125"`
	Prefix        string `env:"PREFIX"      envDefault:"jobflow"`
}

// Sanitize normalises derived fields and enforces safe defaults.
func (c *MetricsConfig) Sanitize() {
	c.StatsdAddress = strings.TrimSpace(c.StatsdAddress)
	if c.StatsdAddress == "" {
		c.Enabled = false
	}
	if c.Prefix = strings.TrimSpace(c.Prefix); c.Prefix == "" {
		c.Prefix = defaultMetricsPrefix
	}
}

// IsEnabled returns true when metrics emission is active after sanitisation.
func (c *MetricsConfig) IsEnabled() bool {
	return c.Enabled && c.StatsdAddress != ""
}
