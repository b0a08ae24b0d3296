package runner

import "time"

// Config controls the retry batch loop.
type Config struct {
	BatchSize    int
	PollInterval time.Duration
	// CronSchedule, when non-empty, replaces the poll interval with a cron
	// expression.
	CronSchedule string
}

func DefaultConfig() Config {
	return Config{
		BatchSize:    50,
		PollInterval: 1 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	return c
}
