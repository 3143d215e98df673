package queue

import (
	"errors"
	"fmt"

	"github.com/gavelhq/docket/models"
)

// ErrUnknownJobType is returned by Enqueue for a type outside the known
// entity types. The error is structural; the caller sent a bad request.
var ErrUnknownJobType = errors.New("queue: unknown job type")

// ErrInvalidData is returned by Enqueue when the payload is not valid JSON.
var ErrInvalidData = errors.New("queue: job data must be valid JSON")

// ErrNoWorker indicates a job was selected but no worker is registered for
// its type. The job is marked failed without retry, since retrying cannot
// succeed until the process is rebuilt.
var ErrNoWorker = errors.New("queue: no worker registered for job type")

// A DuplicateJobError is returned by Enqueue under the rejecting policy when
// an active job for the same (type, scope) already exists.
type DuplicateJobError struct {
	Type  models.JobType
	Scope string
}

func (e *DuplicateJobError) Error() string {
	if e.Scope == "" {
		return fmt.Sprintf("queue: a %s sync job is already active", e.Type)
	}
	return fmt.Sprintf("queue: a %s sync job for scope %q is already active", e.Type, e.Scope)
}
