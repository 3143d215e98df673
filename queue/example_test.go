package queue_test

import (
	"context"
	"fmt"

	"github.com/gavelhq/docket/models"
	"github.com/gavelhq/docket/queue"
	"github.com/gavelhq/docket/queue/queuetest"
)

type courtWorker struct{}

func (courtWorker) Run(ctx context.Context, job *models.SyncJob, cancelled func() bool) queue.WorkResult {
	return queue.Completed(12)
}

func Example() {
	m := queue.New(queuetest.NewStore(), queuetest.NewRunStore(), queue.Config{})
	m.RegisterWorker(models.TypeCourts, courtWorker{})

	ctx := context.Background()
	if _, err := m.Enqueue(ctx, queue.EnqueueRequest{Type: models.TypeCourts, Scope: "ca9"}); err != nil {
		fmt.Println(err)
		return
	}
	res, err := m.ProcessNext(ctx, 0)
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Printf("%s (%d items)\n", res.Outcome, res.ItemsProcessed)
	// Output: succeeded (12 items)
}
