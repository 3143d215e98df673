package sync_runs_test

import (
	"context"
	"testing"
	"time"

	"github.com/gavelhq/docket/models"
	"github.com/gavelhq/docket/models/sync_jobs"
	"github.com/gavelhq/docket/models/sync_runs"
	"github.com/gavelhq/docket/test"
	"github.com/gavelhq/docket/test/factory"
)

func newStores(t *testing.T) (*sync_jobs.Store, *sync_runs.Store) {
	t.Helper()
	conn := test.SetUp(t)
	jobs, err := sync_jobs.New(conn)
	test.AssertNotError(t, err, "preparing job store")
	runs, err := sync_runs.New(conn)
	test.AssertNotError(t, err, "preparing run store")
	return jobs, runs
}

func TestCreateAndListNewestFirst(t *testing.T) {
	jobs, runs := newStores(t)
	defer test.TearDown(t)
	ctx := context.Background()

	job := factory.CreateSyncJob(t, jobs, factory.EnqueueParams(models.TypeDecisions))

	start := time.Now().UTC().Add(-time.Minute)
	first := &models.SyncRun{
		JobID:          job.ID,
		Type:           job.Type,
		Outcome:        models.OutcomePartial,
		ItemsProcessed: 100,
		Cursor:         "page_2",
		StartedAt:      start,
		FinishedAt:     start.Add(25 * time.Second),
	}
	test.AssertNotError(t, runs.Create(ctx, first), "creating first run")
	test.Assert(t, first.ID > 0, "run id should be assigned")

	second := &models.SyncRun{
		JobID:          job.ID,
		Type:           job.Type,
		Outcome:        models.OutcomeSucceeded,
		ItemsProcessed: 40,
		StartedAt:      start.Add(30 * time.Second),
		FinishedAt:     start.Add(42 * time.Second),
	}
	test.AssertNotError(t, runs.Create(ctx, second), "creating second run")

	list, err := runs.ListForJob(ctx, job.ID, 20)
	test.AssertNotError(t, err, "listing runs")
	test.AssertEquals(t, len(list), 2)
	test.AssertEquals(t, list[0].Outcome, models.OutcomeSucceeded)
	test.AssertEquals(t, list[1].Outcome, models.OutcomePartial)
	test.AssertEquals(t, list[1].Cursor, "page_2")
	test.AssertEquals(t, list[1].JobID.String(), job.ID.String())

	list, err = runs.ListForJob(ctx, job.ID, 1)
	test.AssertNotError(t, err, "listing runs with limit")
	test.AssertEquals(t, len(list), 1)
}

func TestCreateFailedRunKeepsError(t *testing.T) {
	jobs, runs := newStores(t)
	defer test.TearDown(t)
	ctx := context.Background()

	job := factory.CreateSyncJob(t, jobs, factory.EnqueueParams(models.TypeCourts))
	run := &models.SyncRun{
		JobID:      job.ID,
		Type:       job.Type,
		Outcome:    models.OutcomeFailed,
		Error:      "provider returned 503",
		StartedAt:  time.Now().UTC(),
		FinishedAt: time.Now().UTC(),
	}
	test.AssertNotError(t, runs.Create(ctx, run), "creating run")

	list, err := runs.ListForJob(ctx, job.ID, 20)
	test.AssertNotError(t, err, "listing runs")
	test.AssertEquals(t, len(list), 1)
	test.AssertEquals(t, list[0].Error, "provider returned 503")
	test.AssertEquals(t, list[0].ItemsProcessed, 0)
}

func TestDeleteOlderThan(t *testing.T) {
	jobs, runs := newStores(t)
	defer test.TearDown(t)
	ctx := context.Background()

	job := factory.CreateSyncJob(t, jobs, factory.EnqueueParams(models.TypeJudges))
	old := &models.SyncRun{
		JobID:      job.ID,
		Type:       job.Type,
		Outcome:    models.OutcomeSucceeded,
		StartedAt:  time.Now().UTC().Add(-48 * time.Hour),
		FinishedAt: time.Now().UTC().Add(-48 * time.Hour),
	}
	test.AssertNotError(t, runs.Create(ctx, old), "creating old run")
	recent := &models.SyncRun{
		JobID:      job.ID,
		Type:       job.Type,
		Outcome:    models.OutcomeSucceeded,
		StartedAt:  time.Now().UTC(),
		FinishedAt: time.Now().UTC(),
	}
	test.AssertNotError(t, runs.Create(ctx, recent), "creating recent run")

	n, err := runs.DeleteOlderThan(ctx, time.Now().UTC().Add(-24*time.Hour))
	test.AssertNotError(t, err, "deleting old runs")
	test.AssertEquals(t, n, int64(1))

	list, err := runs.ListForJob(ctx, job.ID, 20)
	test.AssertNotError(t, err, "listing runs")
	test.AssertEquals(t, len(list), 1)
	test.AssertEquals(t, list[0].ID, recent.ID)
}

func TestDeleteCascadesWithJob(t *testing.T) {
	jobs, runs := newStores(t)
	defer test.TearDown(t)
	ctx := context.Background()

	job := factory.CreateSyncJob(t, jobs, factory.EnqueueParams(models.TypeCourts))
	run := &models.SyncRun{
		JobID:      job.ID,
		Type:       job.Type,
		Outcome:    models.OutcomeSucceeded,
		StartedAt:  time.Now().UTC(),
		FinishedAt: time.Now().UTC(),
	}
	test.AssertNotError(t, runs.Create(ctx, run), "creating run")
	_, err := jobs.CancelByID(ctx, job.ID)
	test.AssertNotError(t, err, "cancelling job")

	n, err := jobs.DeleteTerminal(ctx, time.Now().UTC().Add(time.Minute))
	test.AssertNotError(t, err, "deleting terminal jobs")
	test.AssertEquals(t, n, int64(1))

	list, err := runs.ListForJob(ctx, job.ID, 20)
	test.AssertNotError(t, err, "listing runs")
	test.AssertEquals(t, len(list), 0)
}
