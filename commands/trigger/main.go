// Trigger queue work on a schedule.
//
// This binary is for deployments without an external invoker: it fires the
// same time-boxed slices a platform cron would, enqueues the periodic
// refresh jobs, reclaims stale work, and prunes old terminal jobs. Each
// slice still runs under the configured time budget, so killing and
// restarting this process loses nothing.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/gavelhq/docket/config"
	"github.com/gavelhq/docket/models"
	"github.com/gavelhq/docket/models/db"
	"github.com/gavelhq/docket/provider"
	"github.com/gavelhq/docket/queue"
	"github.com/gavelhq/docket/setup"
	"github.com/gavelhq/docket/sync"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

func checkError(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

func queueConfig() queue.Config {
	return queue.Config{
		BackoffBase:   config.GetDurationDefault("SYNC_BACKOFF_BASE", 30*time.Second),
		BackoffMax:    config.GetDurationDefault("SYNC_BACKOFF_MAX", time.Hour),
		Policy:        queue.CoalescePolicy(os.Getenv("SYNC_COALESCE_POLICY")),
		StaleAfter:    config.GetDurationDefault("SYNC_STALE_AFTER", 10*time.Minute),
		Retention:     config.GetDurationDefault("SYNC_RETENTION", 30*24*time.Hour),
		DefaultBudget: config.GetDurationDefault("SYNC_TIME_BUDGET", 25*time.Second),
	}
}

// refresh enqueues a sync job for the given type; repeated firings coalesce
// into the active job, so a slow lane cannot grow the queue.
func refresh(m *queue.Manager, t models.JobType, scope string) func() {
	return func() {
		_, err := m.Enqueue(context.Background(), queue.EnqueueRequest{Type: t, Scope: scope})
		if err != nil {
			log.Printf("Error enqueueing %s refresh: %s", t, err)
		}
	}
}

func main() {
	dbConns, err := config.GetInt("PG_WORKER_POOL_SIZE")
	if err != nil {
		log.Printf("Error getting database pool size: %s. Defaulting to 20", err)
		dbConns = 20
	}

	app, err := setup.DB(db.Default, dbConns)
	checkError(err)

	go app.MeasureActiveQueries(1 * time.Second)
	go app.MeasureQueueDepth(5 * time.Second)

	// We're going to make a lot of requests to the same provider.
	httpConns, err := config.GetInt("HTTP_MAX_IDLE_CONNS")
	if err == nil {
		config.SetMaxIdleConnsPerHost(httpConns)
	} else {
		config.SetMaxIdleConnsPerHost(100)
	}

	metrics.Namespace = "docket.trigger"
	metrics.Start("trigger")

	m := queue.New(app.Jobs, app.Runs, queueConfig())
	providerUrl := config.GetURLOrBail("PROVIDER_URL")
	client := provider.NewClient(os.Getenv("PROVIDER_AUTH_ID"),
		os.Getenv("PROVIDER_AUTH_TOKEN"), providerUrl.String())
	sync.RegisterAll(m, client, app.Records)

	scope := os.Getenv("SYNC_JURISDICTION")

	c := cron.New()
	schedule := func(envVar, defaultSpec string, job func()) {
		spec := os.Getenv(envVar)
		if spec == "" {
			spec = defaultSpec
		}
		if _, err := c.AddFunc(spec, job); err != nil {
			log.Fatalf("Invalid schedule for %s (%q): %s", envVar, spec, err)
		}
	}
	schedule("COURTS_SYNC_SCHEDULE", "@daily", refresh(m, models.TypeCourts, scope))
	schedule("JUDGES_SYNC_SCHEDULE", "@every 6h", refresh(m, models.TypeJudges, scope))
	schedule("DECISIONS_SYNC_SCHEDULE", "@every 15m", refresh(m, models.TypeDecisions, scope))
	schedule("RESTART_SCHEDULE", "@every 1m", func() {
		if _, err := m.RestartQueue(context.Background()); err != nil {
			log.Printf("Error reclaiming stale jobs: %s", err)
		}
	})
	schedule("CLEANUP_SCHEDULE", "@daily", func() {
		if _, err := m.Cleanup(context.Background(), 0); err != nil {
			log.Printf("Error cleaning up old jobs: %s", err)
		}
	})
	c.Start()

	// Reclaim anything a previous deploy left in running.
	if _, err := m.RestartQueue(context.Background()); err != nil {
		log.Printf("Error reclaiming stale jobs: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	pollInterval := config.GetDurationDefault("SYNC_POLL_INTERVAL", time.Second)

	// One slice runner per lane. Lane exclusivity means more would just
	// contend for the same candidates.
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < len(models.AllTypes); i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				default:
				}
				res, err := m.ProcessNext(gctx, 0)
				if err != nil {
					log.Printf("Error processing next job: %s", err)
				}
				if err != nil || res.Outcome == queue.OutcomeIdle {
					select {
					case <-gctx.Done():
						return nil
					case <-time.After(pollInterval):
					}
				}
			}
		})
	}

	sigterm := make(chan os.Signal, 1)
	signal.Notify(sigterm, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigterm
	fmt.Printf("Caught signal %v, shutting down...\n", sig)
	cancel()
	c.Stop()
	if err := g.Wait(); err != nil {
		log.Printf("Error during shutdown: %s", err)
	}
	fmt.Println("All slice runners shut down. Quitting.")
}
