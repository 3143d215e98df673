package queue

import (
	"context"

	"github.com/gavelhq/docket/models"
)

// A Worker does one slice of work for a sync job. Implementations are
// registered per job type and may be shared between invocations, so they
// must be safe for concurrent use.
type Worker interface {
	// Run processes as much of the job as fits before the context
	// deadline, which already excludes the margin the manager reserves
	// for persisting the result. cancelled reports whether an operator
	// has requested cancellation; workers should check it between pages
	// and stop early with a partial result. Run must not be preempted
	// mid-batch: return Partial with a cursor instead of abandoning work.
	Run(ctx context.Context, job *models.SyncJob, cancelled func() bool) WorkResult
}

// A WorkResult is what a worker accomplished in one slice.
type WorkResult struct {
	Outcome        models.RunOutcome
	ItemsProcessed int

	// Resumption token for a partial slice. Opaque to the queue.
	Cursor string

	// Set when Outcome is OutcomeFailed. Retryable distinguishes
	// transient failures (network, rate limit, timeout) from structural
	// ones that will fail identically on every retry.
	Err       error
	Retryable bool
}

// Completed reports a fully finished job.
func Completed(items int) WorkResult {
	return WorkResult{Outcome: models.OutcomeSucceeded, ItemsProcessed: items}
}

// Partial reports an interrupted slice; cursor is where the next invocation
// should pick up.
func Partial(items int, cursor string) WorkResult {
	return WorkResult{Outcome: models.OutcomePartial, ItemsProcessed: items, Cursor: cursor}
}

// Failed reports a failed slice.
func Failed(err error, retryable bool) WorkResult {
	return WorkResult{Outcome: models.OutcomeFailed, Err: err, Retryable: retryable}
}
