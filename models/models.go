// Types shared between the queue, the stores, and the API surface.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Shyp/go-types"
)

// JobType identifies the entity lane a sync job belongs to. At most one job
// per type may be running at any time.
type JobType string

const (
	TypeCourts    = JobType("courts")
	TypeJudges    = JobType("judges")
	TypeDecisions = JobType("decisions")
)

// AllTypes lists every recognized job type, in default-priority order.
var AllTypes = []JobType{TypeCourts, TypeJudges, TypeDecisions}

// KnownType reports whether t is a recognized entity type.
func KnownType(t JobType) bool {
	for _, known := range AllTypes {
		if t == known {
			return true
		}
	}
	return false
}

type JobStatus string

// StatusPending indicates a SyncJob is waiting to be selected. A pending
// job is eligible once its NextEligibleAt has passed.
const StatusPending = JobStatus("pending")

// StatusRunning indicates an invocation is currently working on the job.
const StatusRunning = JobStatus("running")

const StatusSucceeded = JobStatus("succeeded")
const StatusFailed = JobStatus("failed")
const StatusCancelled = JobStatus("cancelled")

// Terminal reports whether a job in this status is finished for good.
// Terminal jobs are retained for audit until an explicit Cleanup.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Scan implements the Scanner interface.
func (s *JobStatus) Scan(src interface{}) error {
	if src == nil {
		return nil
	} else if txt, ok := src.(string); ok {
		*s = JobStatus(txt)
		return nil
	} else if txt, ok := src.([]byte); ok {
		*s = JobStatus(string(txt))
		return nil
	}
	return fmt.Errorf("Unsupported JobStatus: %#v", src)
}

func (s JobStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// Scan implements the Scanner interface.
func (t *JobType) Scan(src interface{}) error {
	if src == nil {
		return nil
	} else if txt, ok := src.(string); ok {
		*t = JobType(txt)
		return nil
	} else if txt, ok := src.([]byte); ok {
		*t = JobType(string(txt))
		return nil
	}
	return fmt.Errorf("Unsupported JobType: %#v", src)
}

func (t JobType) Value() (driver.Value, error) {
	return string(t), nil
}

// A SyncJob is one unit of sync work. State lives entirely in the sync_jobs
// table; the struct is a snapshot, not a live handle.
//
// The empty string is used for "no cursor" and "no error" so the columns can
// be NOT NULL.
type SyncJob struct {
	ID              types.PrefixUUID `json:"id"`
	Type            JobType          `json:"type"`
	Scope           string           `json:"scope"`
	Status          JobStatus        `json:"status"`
	Priority        int16            `json:"priority"`
	Data            json.RawMessage  `json:"data"`
	Attempts        uint8            `json:"attempts"`
	MaxAttempts     uint8            `json:"max_attempts"`
	NextEligibleAt  time.Time        `json:"next_eligible_at"`
	Cursor          string           `json:"cursor,omitempty"`
	CancelRequested bool             `json:"cancel_requested,omitempty"`
	LastError       string           `json:"last_error,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	StartedAt       types.NullTime   `json:"started_at"`
	CompletedAt     types.NullTime   `json:"completed_at"`
}

// RunOutcome describes how one execution slice of a job ended.
type RunOutcome string

const (
	OutcomeSucceeded = RunOutcome("succeeded")
	OutcomePartial   = RunOutcome("partial")
	OutcomeFailed    = RunOutcome("failed")
)

// Scan implements the Scanner interface.
func (o *RunOutcome) Scan(src interface{}) error {
	if src == nil {
		return nil
	} else if txt, ok := src.(string); ok {
		*o = RunOutcome(txt)
		return nil
	} else if txt, ok := src.([]byte); ok {
		*o = RunOutcome(string(txt))
		return nil
	}
	return fmt.Errorf("Unsupported RunOutcome: %#v", src)
}

func (o RunOutcome) Value() (driver.Value, error) {
	return string(o), nil
}

// A SyncRun records one execution slice of a SyncJob: which invocation ran
// it, what it accomplished, and where it left the cursor. Rows are
// append-only and pruned together with their job by Cleanup.
type SyncRun struct {
	ID             int64            `json:"id"`
	JobID          types.PrefixUUID `json:"job_id"`
	Type           JobType          `json:"type"`
	Outcome        RunOutcome       `json:"outcome"`
	ItemsProcessed int              `json:"items_processed"`
	Error          string           `json:"error,omitempty"`
	Cursor         string           `json:"cursor,omitempty"`
	StartedAt      time.Time        `json:"started_at"`
	FinishedAt     time.Time        `json:"finished_at"`
}

// Court is an internal court record, keyed by the provider's identifier so
// re-applying a batch is idempotent.
type Court struct {
	ProviderID   string `json:"provider_id"`
	Name         string `json:"name"`
	Jurisdiction string `json:"jurisdiction"`
	Level        string `json:"level"`
}

type Judge struct {
	ProviderID      string         `json:"provider_id"`
	Name            string         `json:"name"`
	CourtProviderID string         `json:"court_provider_id"`
	Position        string         `json:"position"`
	AppointedAt     types.NullTime `json:"appointed_at"`
}

type Decision struct {
	ProviderID      string         `json:"provider_id"`
	CourtProviderID string         `json:"court_provider_id"`
	JudgeProviderID string         `json:"judge_provider_id"`
	CaseName        string         `json:"case_name"`
	DocketNumber    string         `json:"docket_number"`
	DecidedAt       types.NullTime `json:"decided_at"`
	Summary         string         `json:"summary"`
}
