// Run the docket server.
//
// All of the project defaults are used. There is one authenticated user for
// basic auth, the user is "test" and the password is "hymandocket". You will
// want to copy this binary and add your own authentication scheme.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/gavelhq/docket/config"
	"github.com/gavelhq/docket/models/db"
	"github.com/gavelhq/docket/provider"
	"github.com/gavelhq/docket/queue"
	"github.com/gavelhq/docket/server"
	"github.com/gavelhq/docket/setup"
	"github.com/gavelhq/docket/sync"
	"github.com/gorilla/handlers"
)

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

func configure() (http.Handler, error) {
	dbConns, err := config.GetInt("PG_SERVER_POOL_SIZE")
	if err != nil {
		log.Printf("Error getting database pool size: %s. Defaulting to 10", err)
		dbConns = 10
	}

	app, err := setup.DB(db.Default, dbConns)
	if err != nil {
		return nil, err
	}

	metrics.Namespace = "docket.server"
	metrics.Start("web")

	go app.MeasureActiveQueries(5 * time.Second)
	go app.MeasureQueueDepth(5 * time.Second)

	m := queue.New(app.Jobs, app.Runs, queueConfig())
	providerUrl := config.GetURLOrBail("PROVIDER_URL")
	client := provider.NewClient(os.Getenv("PROVIDER_AUTH_ID"),
		os.Getenv("PROVIDER_AUTH_TOKEN"), providerUrl.String())
	sync.RegisterAll(m, client, app.Records)

	// If you run this in production, change this user.
	server.AddUser("test", "hymandocket")
	return server.Get(server.DefaultAuthorizer, m), nil
}

func main() {
	s, err := configure()
	if err != nil {
		log.Fatal(err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "9090"
	}
	log.Printf("Listening on port %s\n", port)
	log.Fatal(http.ListenAndServe(fmt.Sprintf(":%s", port), handlers.LoggingHandler(os.Stdout, s)))
}
