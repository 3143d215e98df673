// Setup helps initialize applications: one database connection, every store
// prepared against it, and the background gauges.
package setup

import (
	"context"
	"database/sql"
	"errors"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/gavelhq/docket/models/db"
	"github.com/gavelhq/docket/models/records"
	"github.com/gavelhq/docket/models/sync_jobs"
	"github.com/gavelhq/docket/models/sync_runs"
)

// An App bundles the database handle and the prepared stores.
type App struct {
	DB      *sql.DB
	Jobs    *sync_jobs.Store
	Runs    *sync_runs.Store
	Records *records.Store

	activeQueriesStmt *sql.Stmt
}

// DB connects with the given connector and prepares queries on all stores.
func DB(connector db.Connector, dbConns int) (*App, error) {
	conn, err := connector.Connect(dbConns)
	if err != nil {
		return nil, errors.New("Could not establish a database connection: " + err.Error())
	}
	if err := conn.Ping(); err != nil {
		return nil, errors.New("Could not establish a database connection: " + err.Error())
	}
	app := &App{DB: conn}
	if app.Jobs, err = sync_jobs.New(conn); err != nil {
		return nil, err
	}
	if app.Runs, err = sync_runs.New(conn); err != nil {
		return nil, err
	}
	if app.Records, err = records.New(conn); err != nil {
		return nil, err
	}
	app.activeQueriesStmt, err = conn.Prepare(`-- setup.GetActiveQueries
SELECT count(*) FROM pg_stat_activity
WHERE state='active'
	`)
	if err != nil {
		return nil, err
	}
	return app, nil
}

func (a *App) GetActiveQueries() (count int64, err error) {
	err = a.activeQueriesStmt.QueryRow().Scan(&count)
	return
}

func (a *App) MeasureActiveQueries(interval time.Duration) {
	for range time.Tick(interval) {
		count, err := a.GetActiveQueries()
		if err == nil {
			go metrics.Measure("active_queries.count", count)
		} else {
			go metrics.Increment("active_queries.error")
		}
	}
}

// MeasureQueueDepth reports the number of jobs in each status on a loop.
func (a *App) MeasureQueueDepth(interval time.Duration) {
	for range time.Tick(interval) {
		counts, err := a.Jobs.CountsByStatus(context.Background())
		if err != nil {
			go metrics.Increment("queue_depth.error")
			continue
		}
		for status, count := range counts {
			go metrics.Measure("queue_depth."+string(status), count)
		}
	}
}
