package pipeline

import (
	"time"

	"github.com/taxway/regtruth/arbiter"
	"github.com/taxway/regtruth/composer"
	"github.com/taxway/regtruth/extractor"
	"github.com/taxway/regtruth/reviewer"
	"github.com/taxway/regtruth/sentinel"
)

// Config aggregates the per-stage configs with the orchestration knobs.
type Config struct {
	Sentinel  sentinel.Config
	Extractor extractor.Config
	Composer  composer.Config
	Reviewer  reviewer.Config
	Arbiter   arbiter.Config

	// ExtractWorkers bounds concurrent extraction. Default: 2.
	ExtractWorkers int
	// ExtractVisibility is the extraction claim timeout; work whose claim
	// expires is redelivered by the queue. Default: 5 minutes.
	ExtractVisibility time.Duration
	// ExtractMaxAttempts discards an evidence record from the queue after
	// that many failed extractions. Default: 5.
	ExtractMaxAttempts int

	// SweepInterval is the cadence of the compose/review/arbitrate/release
	// pass. Default: 1 minute.
	SweepInterval time.Duration
	// AutoRelease publishes a release at the end of each sweep when
	// approved unpublished rules exist. Default: off; releases are then
	// published on demand via PublishRelease.
	AutoRelease bool

	// EvaluateLimit caps how many published rules one evaluation scans.
	// Default: 1000.
	EvaluateLimit int
	// AuditBuffer sizes the async audit channel. Default: 1000.
	AuditBuffer int
}

func (c *Config) defaults() {
	if c.ExtractWorkers <= 0 {
		c.ExtractWorkers = 2
	}
	if c.ExtractVisibility <= 0 {
		c.ExtractVisibility = 5 * time.Minute
	}
	if c.ExtractMaxAttempts <= 0 {
		c.ExtractMaxAttempts = 5
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.EvaluateLimit <= 0 {
		c.EvaluateLimit = 1000
	}
	if c.AuditBuffer <= 0 {
		c.AuditBuffer = 1000
	}
}
