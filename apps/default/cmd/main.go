package main

import (
	"context"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"connectrpc.com/otelconnect"
	aconfig "github.com/alcosi/twinhorn/apps/default/config"
	"github.com/alcosi/twinhorn/apps/default/service/business"
	"github.com/alcosi/twinhorn/apps/default/service/handlers"
	"github.com/alcosi/twinhorn/apps/default/service/queues"
	"github.com/alcosi/twinhorn/apps/default/service/repository"
	"github.com/alcosi/twinhorn/internal/health"
	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/config"
	"github.com/pitabwire/frame/datastore"
	"github.com/pitabwire/frame/datastore/pool"
	"github.com/pitabwire/frame/queue"
	"github.com/pitabwire/util"
)

// runService initializes and starts the notification bridge with all dependencies.
func runService(ctx context.Context) error {
	// Initialize configuration
	cfg, err := config.LoadWithOIDC[aconfig.HornConfig](ctx)
	if err != nil {
		util.Log(ctx).With("err", err).Error("could not process configs")
		return err
	}

	if cfg.Name() == "" {
		cfg.ServiceName = "service_twinhorn"
	}

	if err = cfg.Validate(); err != nil {
		util.Log(ctx).WithError(err).Error("invalid configuration")
		return err
	}

	// Create service
	ctx, svc := frame.NewServiceWithContext(
		ctx,
		frame.WithConfig(&cfg),
		frame.WithDatastore(),
	)
	defer svc.Stop(ctx)
	log := svc.Log(ctx)

	workMan := svc.WorkManager()
	queueMan := svc.QueueManager()

	dbManager := svc.DatastoreManager()
	dbPool := dbManager.GetPool(ctx, datastore.DefaultPoolName)

	// Handle database migration if requested
	if handleDatabaseMigration(ctx, svc, cfg) {
		return nil
	}

	// Repositories
	sessionRepo := repository.NewClientSessionRepository(ctx, dbPool, workMan)
	batchRepo := repository.NewDataBatchRepository(ctx, dbPool, workMan)

	// Core fan-out machinery
	registry := business.NewRegistry()
	notifier := business.NewTwinUpdateNotifier(registry, batchRepo, workMan)

	introspector := business.NewIntrospectionClient(cfg.IntrospectionURL, cfg.IntrospectionTimeout())
	sessions := business.NewSessionBusiness(sessionRepo)

	monitor := business.NewSessionLifecycleMonitor(
		sessionRepo, registry, cfg.SessionScanInterval(), cfg.SessionExpiryGrace())
	monitor.Start(ctx)
	defer monitor.Stop()

	producer := queues.NewInitializeNotificationProducer(&cfg, queueMan)

	// Setup Connect server
	streamPath, streamHandler := setupConnectServer(ctx, &cfg, registry, producer, batchRepo, introspector, sessions)

	// Setup health checks
	healthHandler := setupHealthChecks(&cfg, dbPool)

	// Create multiplexer for HTTP handlers
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.Handle(streamPath, streamHandler)

	serviceOptions := []frame.Option{frame.WithHTTPHandler(mux)}

	initializePublisher := frame.WithRegisterPublisher(
		cfg.QueueInitializeNotifyName,
		cfg.QueueInitializeNotifyURI,
	)
	serviceOptions = append(serviceOptions, initializePublisher)

	// One worker per concurrency slot, all sharing the delivery pipeline state
	consumeWorkers := make([]queue.SubscribeWorker, 0, cfg.ConsumerConcurrency)
	notifyHandler := queues.NewNotificationsQueueHandler(&cfg, notifier)
	for range cfg.ConsumerConcurrency {
		consumeWorkers = append(consumeWorkers, notifyHandler)
	}

	notifySubscriber := frame.WithRegisterSubscriber(
		cfg.QueueTwinsNotifyName,
		cfg.QueueTwinsNotifyURI,
		consumeWorkers...,
	)
	serviceOptions = append(serviceOptions, notifySubscriber)

	// Initialize the service with all options
	svc.Init(ctx, serviceOptions...)

	log.WithField("stream_path", streamPath).Info("starting twin notification bridge")

	// Start the service
	return svc.Run(ctx, "")
}

func main() {
	ctx := context.Background()
	if err := runService(ctx); err != nil {
		util.Log(ctx).WithError(err).Fatal("could not run service")
	}
}

// setupHealthChecks creates the health check handler with database and
// introspection checkers.
func setupHealthChecks(cfg *aconfig.HornConfig, dbPool pool.Pool) *health.Handler {
	handler := health.NewHandler()

	handler.AddChecker(health.NewDatabaseChecker(dbPool, 5*time.Second))
	handler.AddChecker(health.NewIntrospectionChecker(cfg.IntrospectionURL, cfg.IntrospectionTimeout()))

	return handler
}

// handleDatabaseMigration performs database migration if configured to do so.
func handleDatabaseMigration(
	ctx context.Context,
	svc *frame.Service,
	cfg aconfig.HornConfig,
) bool {
	if !cfg.DoDatabaseMigrate() {
		return false
	}

	err := repository.Migrate(ctx, svc, cfg.GetDatabaseMigrationPath())
	if err != nil {
		util.Log(ctx).WithError(err).Fatal("main -- Could not migrate successfully")
	}
	return true
}

// setupConnectServer wires the subscription stream endpoint behind the
// authentication and telemetry interceptors.
func setupConnectServer(
	ctx context.Context,
	cfg *aconfig.HornConfig,
	registry *business.Registry,
	producer handlers.InitialDataRequester,
	batchRepo repository.DataBatchRepository,
	introspector business.TokenIntrospector,
	sessions business.SessionBusiness,
) (string, http.Handler) {
	otelInterceptor, err := otelconnect.NewInterceptor()
	if err != nil {
		util.Log(ctx).WithError(err).Fatal("could not configure open telemetry")
	}

	authInterceptor := handlers.NewAuthInterceptor(introspector, sessions)

	implementation := handlers.NewNotifyServer(cfg, registry, producer, batchRepo)

	return implementation.ConnectHandler(
		connect.WithInterceptors(authInterceptor, otelInterceptor))
}
