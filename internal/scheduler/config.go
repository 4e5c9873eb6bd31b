package scheduler

import (
	"strings"
	"time"

	appconfig "github.com/smallbiznis/ledgerguard/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	JobTimeout  time.Duration
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval: time.Minute,
		BatchSize:   50,
		JobTimeout:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}

// ProvideConfig maps application configuration onto scheduler knobs.
// SCHEDULER_ENABLED_JOBS is a comma-separated allow list; empty means
// every job runs.
func ProvideConfig(cfg appconfig.Config) Config {
	out := Config{
		RunInterval: cfg.Scheduler.RunInterval,
		BatchSize:   cfg.Scheduler.BatchSize,
	}
	raw := strings.TrimSpace(cfg.Scheduler.EnabledJobsRaw)
	if raw != "" {
		for _, job := range strings.Split(raw, ",") {
			job = strings.TrimSpace(job)
			if job != "" {
				out.EnabledJobs = append(out.EnabledJobs, job)
			}
		}
	}
	return out.withDefaults()
}
