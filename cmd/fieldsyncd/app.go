package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/agrilink/fieldsync/backend/cmd/fieldsyncd/handlers"
	"github.com/agrilink/fieldsync/backend/internal/config"
	"github.com/agrilink/fieldsync/backend/internal/db"
	"github.com/agrilink/fieldsync/backend/internal/location"
	"github.com/agrilink/fieldsync/backend/internal/logging"
	"github.com/agrilink/fieldsync/backend/internal/metrics"
	"github.com/agrilink/fieldsync/backend/internal/notify"
	"github.com/agrilink/fieldsync/backend/internal/outbox"
	"github.com/agrilink/fieldsync/backend/internal/producer"
	"github.com/agrilink/fieldsync/backend/internal/remote"
	"github.com/agrilink/fieldsync/backend/internal/session"
	syncpkg "github.com/agrilink/fieldsync/backend/internal/sync"
	"github.com/agrilink/fieldsync/backend/internal/sync/deltas"
	"github.com/agrilink/fieldsync/backend/internal/sync/queue"
	"github.com/agrilink/fieldsync/backend/internal/sync/scheduler"
)

// app holds every long-lived component of the daemon.
type app struct {
	cfg       *config.Config
	database  *db.DB
	state     *session.State
	hub       *notify.Hub
	orch      *syncpkg.Orchestrator
	producers *producer.Service
	locations *location.Service
	scheduler *scheduler.Scheduler
	router    http.Handler
	logger    *logging.Logger
}

// newApp opens the database and wires the sync subsystem. The caller owns
// the returned app and must call close.
func newApp(cfg *config.Config) (*app, error) {
	logger := logging.Get().Named("fieldsyncd")

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, err
	}

	// Connectivity starts online; the UI reports changes through
	// /api/connectivity.
	state := session.NewState(true)

	client, err := remote.NewClient(remote.Config{BaseURL: cfg.APIURL, Timeout: cfg.RequestTimeout}, state)
	if err != nil {
		database.Close()
		return nil, err
	}

	hub := notify.NewHub()
	store := queue.NewSQLiteStore(database.DB)
	tracker := deltas.NewSQLiteTracker(database.DB)

	registry, err := syncpkg.NewRegistry()
	if err != nil {
		hub.Close()
		database.Close()
		return nil, err
	}
	orch := syncpkg.NewOrchestrator(store, registry,
		syncpkg.Config{HandleTimeout: cfg.HandleTimeout, Concurrency: cfg.FlushConcurrency},
		syncpkg.WithConnectivity(state),
		syncpkg.WithAccount(state),
		syncpkg.WithQueueListener(hub.OutboxChanged),
	)

	producers := producer.NewService(producer.Config{
		Remote:          client,
		Fetch:           producer.RemoteFetcher(client),
		Cache:           producer.NewSQLiteCache(database.DB),
		Tracker:         tracker,
		Scheduler:       orch,
		Session:         state,
		Notifier:        hub,
		NotifyThreshold: cfg.NotifyThreshold,
	})
	locations := location.NewService(location.Config{
		Remote:          client,
		Fetch:           location.RemoteFetcher(client),
		Cache:           location.NewSQLiteCache(database.DB),
		Tracker:         tracker,
		Scheduler:       orch,
		Session:         state,
		Notifier:        hub,
		NotifyThreshold: cfg.NotifyThreshold,
	})
	if err := errors.Join(registry.Register(producers), registry.Register(locations)); err != nil {
		orch.Close()
		hub.Close()
		database.Close()
		return nil, err
	}

	poller := deltas.NewPoller(remote.NewCountsSource(client), tracker,
		[]string{producer.EntityType, location.EntityType}, deltas.DefaultPollerConfig())

	sched := scheduler.NewScheduler(orch, poller,
		&scheduler.SchedulerConfig{PollInterval: cfg.PollInterval, QueueInterval: cfg.QueueInterval},
		scheduler.WithListener(hub),
		scheduler.WithSession(state),
	)
	state.OnChange(sched.SetOnlineStatus)

	router := outbox.NewRouter(outbox.APIConfig{
		Outbox:  outbox.NewService(orch, hub),
		Flusher: orch,
		Session: state,
		OnLogin: sched.OnLogin,
		Events:  hub,
		Metrics: metrics.Handler(),
		Routes: []func(*mux.Router){
			handlers.NewProducerHandler(producers).Register,
			handlers.NewLocationHandler(locations).Register,
		},
		Logger: logger.Named("api"),
	})

	return &app{
		cfg:       cfg,
		database:  database,
		state:     state,
		hub:       hub,
		orch:      orch,
		producers: producers,
		locations: locations,
		scheduler: sched,
		router:    router,
		logger:    logger,
	}, nil
}

// start launches the background loops.
func (a *app) start(ctx context.Context) {
	a.scheduler.Start(ctx)
}

// close stops the loops, waits for in-flight replays and releases storage.
// Queued operations stay on disk for the next start.
func (a *app) close(ctx context.Context) error {
	a.scheduler.Stop()
	a.orch.Close()
	waitErr := a.orch.Wait(ctx)
	if waitErr != nil {
		a.logger.Warn("Replays still running at shutdown", map[string]interface{}{"error": waitErr.Error()})
	}
	a.hub.Close()
	return errors.Join(waitErr, a.database.Close())
}
