package queue

import (
	"time"

	"github.com/gavelhq/docket/models"
)

// CoalescePolicy controls what Enqueue does when an active job already
// exists for the same (type, scope).
type CoalescePolicy string

// PolicyCoalesce returns the existing job, raised to the higher of the two
// priorities. This is the default; repeated triggers cannot grow the queue.
const PolicyCoalesce = CoalescePolicy("coalesce")

// PolicyReject returns a DuplicateJobError instead.
const PolicyReject = CoalescePolicy("reject")

// Config carries the tuning knobs for a Manager. The zero value is usable;
// New fills in every unset field from the defaults below.
type Config struct {
	// Base delay for the first retry; doubles on each subsequent failed
	// attempt.
	BackoffBase time.Duration

	// Ceiling on the computed backoff delay, before jitter.
	BackoffMax time.Duration

	// What Enqueue does with a duplicate active (type, scope).
	Policy CoalescePolicy

	// How long a job may sit in running before RestartQueue presumes its
	// invocation is dead. Must comfortably exceed the largest time budget
	// any invocation is given.
	StaleAfter time.Duration

	// How long terminal jobs are kept before Cleanup removes them.
	Retention time.Duration

	// Slice of the invocation budget reserved for persisting the final
	// job state after the worker returns (or overruns).
	PersistMargin time.Duration

	// Budget used by ProcessNext when the caller passes none.
	DefaultBudget time.Duration

	// Attempt ceiling for jobs enqueued without one.
	DefaultMaxAttempts uint8

	// Maximum number of jobs GetStatus returns per call.
	ListLimit int
}

const (
	defaultBackoffBase   = 30 * time.Second
	defaultBackoffMax    = 1 * time.Hour
	defaultStaleAfter    = 10 * time.Minute
	defaultRetention     = 30 * 24 * time.Hour
	defaultPersistMargin = 2 * time.Second
	defaultBudget        = 25 * time.Second
	defaultMaxAttempts   = 3
	defaultListLimit     = 100
)

func (c Config) withDefaults() Config {
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaultBackoffMax
	}
	if c.Policy == "" {
		c.Policy = PolicyCoalesce
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaultStaleAfter
	}
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
	if c.PersistMargin <= 0 {
		c.PersistMargin = defaultPersistMargin
	}
	if c.DefaultBudget <= 0 {
		c.DefaultBudget = defaultBudget
	}
	if c.DefaultMaxAttempts == 0 {
		c.DefaultMaxAttempts = defaultMaxAttempts
	}
	if c.ListLimit <= 0 {
		c.ListLimit = defaultListLimit
	}
	return c
}

// defaultPriority is the selection baseline for jobs enqueued without an
// explicit priority. Decisions change most often and carry the most user
// value, so they outrank judges, which outrank courts.
func defaultPriority(t models.JobType) int16 {
	switch t {
	case models.TypeDecisions:
		return 30
	case models.TypeJudges:
		return 20
	default:
		return 10
	}
}
