// Package scheduler runs the consume loop that feeds queue deliveries to a
// bounded pool of handlers.
package scheduler

import "time"

// Config defines the scheduler configuration.
type Config struct {
	// MaxConcurrent is the maximum number of handlers running at once.
	MaxConcurrent int `yaml:"max_concurrent"`
	// PollWait bounds each blocking receive so Stop is noticed promptly.
	PollWait time.Duration `yaml:"poll_wait"`
	// MaxDeliveries is how many times a message is tried before it is dead-lettered.
	MaxDeliveries int `yaml:"max_deliveries"`
	// RetryDelay is the base delay before a failed message becomes visible again.
	RetryDelay time.Duration `yaml:"retry_delay"`
	// MaxRetryDelay caps the doubling retry delay.
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
	// ShutdownGrace is how long Stop waits for in-flight handlers before
	// cancelling them. Zero waits until they return on their own.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrent: 12,
		PollWait:      time.Second,
		MaxDeliveries: 3,
		RetryDelay:    2 * time.Second,
		MaxRetryDelay: time.Minute,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.MaxConcurrent <= 0 {
		out.MaxConcurrent = d.MaxConcurrent
	}
	if out.PollWait <= 0 {
		out.PollWait = d.PollWait
	}
	if out.MaxDeliveries <= 0 {
		out.MaxDeliveries = d.MaxDeliveries
	}
	if out.RetryDelay < 0 {
		out.RetryDelay = 0
	}
	if out.MaxRetryDelay <= 0 {
		out.MaxRetryDelay = d.MaxRetryDelay
	}
	if out.ShutdownGrace < 0 {
		out.ShutdownGrace = 0
	}
	return &out
}

// RetryDelayFor returns the release delay after the given delivery failed:
// RetryDelay doubled per prior delivery, capped at MaxRetryDelay.
func (c *Config) RetryDelayFor(deliveries int) time.Duration {
	delay := c.RetryDelay
	for i := 1; i < deliveries && delay < c.MaxRetryDelay; i++ {
		delay *= 2
	}
	if delay > c.MaxRetryDelay {
		delay = c.MaxRetryDelay
	}
	return delay
}
