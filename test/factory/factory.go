// Package factory contains helpers for instantiating tests.
package factory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/Shyp/go-types"
	"github.com/gavelhq/docket/models"
	"github.com/gavelhq/docket/models/sync_jobs"
	"github.com/gavelhq/docket/test"
	uuid "github.com/kevinburke/go.uuid"
)

var EmptyData = json.RawMessage([]byte("{}"))

var JobId types.PrefixUUID

func init() {
	id, _ := types.NewPrefixUUID("sync_6740b44e-13b9-475d-af06-979627e0e0d6")
	JobId = id
}

// SamplePayload is a representative job payload.
type SamplePayload struct {
	Jurisdiction string `json:"jurisdiction"`
	PageSize     int    `json:"page_size"`
}

var SP = &SamplePayload{
	Jurisdiction: "ca9",
	PageSize:     50,
}

var SampleCourt = models.Court{
	ProviderID:   "crt_100",
	Name:         "Ninth Circuit Court of Appeals",
	Jurisdiction: "ca9",
	Level:        "appellate",
}

var SampleJudge = models.Judge{
	ProviderID:      "jdg_200",
	Name:            "A. Example",
	CourtProviderID: "crt_100",
	Position:        "Circuit Judge",
}

var SampleDecision = models.Decision{
	ProviderID:      "dec_300",
	CourtProviderID: "crt_100",
	JudgeProviderID: "jdg_200",
	CaseName:        "Example v. Example",
	DocketNumber:    "21-55555",
	Summary:         "Affirmed.",
}

// RandomId returns a random UUID with the given prefix.
func RandomId(prefix string) types.PrefixUUID {
	id := uuid.NewV4()
	return types.PrefixUUID{
		UUID:   id,
		Prefix: prefix,
	}
}

// EnqueueParams returns valid store params for a new pending job of the
// given type, with a random id and a unique scope.
func EnqueueParams(t models.JobType) sync_jobs.EnqueueParams {
	return sync_jobs.EnqueueParams{
		ID:          RandomId(sync_jobs.Prefix),
		Type:        t,
		Scope:       RandomId("scope_").String(),
		Priority:    10,
		Data:        EmptyData,
		MaxAttempts: 3,
	}
}

// CreateSyncJob enqueues a pending job through the store and returns it.
func CreateSyncJob(t testing.TB, store *sync_jobs.Store, params sync_jobs.EnqueueParams) *models.SyncJob {
	t.Helper()
	job, err := store.Enqueue(context.Background(), params, true)
	test.AssertNotError(t, err, "enqueue job failed")
	return job
}

// CreateRunningSyncJob enqueues a job and acquires it, so it is the one
// running job in its lane.
func CreateRunningSyncJob(t testing.TB, store *sync_jobs.Store, params sync_jobs.EnqueueParams) *models.SyncJob {
	t.Helper()
	CreateSyncJob(t, store, params)
	job, err := store.Acquire(context.Background())
	test.AssertNotError(t, err, "acquire job failed")
	return job
}
