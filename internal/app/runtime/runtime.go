package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"loan-sync-worker/internal/app/router"
	"loan-sync-worker/internal/pkg/cleanup"
	"loan-sync-worker/internal/pkg/config"
	"loan-sync-worker/internal/pkg/db/mongo"
	"loan-sync-worker/internal/pkg/db/postgres"
	"loan-sync-worker/internal/pkg/db/redis"
	"loan-sync-worker/internal/pkg/gcs"
	"loan-sync-worker/internal/pkg/kafka"
	"loan-sync-worker/internal/pkg/lock"
	"loan-sync-worker/internal/pkg/log_messages"
	"loan-sync-worker/internal/pkg/logger"
	"loan-sync-worker/internal/pkg/metrics"
	"loan-sync-worker/internal/pkg/models"
	"loan-sync-worker/internal/pkg/otel"
	"loan-sync-worker/internal/pkg/pubsub"
	"loan-sync-worker/internal/pkg/rabbitmq"
	"loan-sync-worker/internal/pkg/store/impl/entities"
	"loan-sync-worker/internal/pkg/store/impl/sync_status"
	storemodels "loan-sync-worker/internal/pkg/store/models"
	"loan-sync-worker/internal/service/bulksync"
	"loan-sync-worker/internal/service/canonicalizer"
	"loan-sync-worker/internal/service/dispatcher"
	"loan-sync-worker/internal/service/normalizer"
)

var (
	loadConfig     = config.LoadFromConfig
	setupOtel      = otel.Setup
	connectMongoDB = mongo.ConnectToMongoDB
	ensureIndexes  = func(ctx context.Context, client *mongo.MongoClient, collections []string) error {
		return client.EnsureIndexes(ctx, collections)
	}
	connectRedisDB = func(ctx context.Context, cfg config.RedisConfig) (*redis.RedisClient, error) {
		return redis.ConnectToRedis(ctx, cfg, nil)
	}
	newPostgresReader = func(cfg config.PostgresConfig) (*postgres.Reader, error) {
		return postgres.NewReader(cfg)
	}
	newDeadLetterProducer = kafka.NewDeadLetterProducer
	newGCSClient          = gcs.NewGCSClient
)

// Consumer is the bus-specific delivery loop. Run blocks until ctx is
// cancelled and in-flight deliveries are settled.
type Consumer interface {
	Run(ctx context.Context) error
	Close() error
}

type amqpConsumer struct {
	consumer *rabbitmq.Consumer
	kinds    []storemodels.EntityKind
	handler  rabbitmq.Handler
}

func (a *amqpConsumer) Run(ctx context.Context) error {
	return a.consumer.Run(ctx, a.kinds, a.handler)
}

// Close is a no-op: Run closes the connection when it returns.
func (a *amqpConsumer) Close() error { return nil }

type pubSubConsumer struct {
	consumer *pubsub.PubSubConsumer
	prefix   string
	kinds    []storemodels.EntityKind
	handler  pubsub.Handler
}

func (p *pubSubConsumer) Run(ctx context.Context) error {
	return p.consumer.Run(ctx, p.prefix, p.kinds, p.handler)
}

func (p *pubSubConsumer) Close() error {
	return p.consumer.Close()
}

// App encapsulates application resources and lifecycle.
type App struct {
	Cfg          *config.AppConfig
	MongoClient  *mongo.MongoClient
	RedisClient  *redis.RedisClient
	Source       *postgres.Reader
	DeadLetters  *kafka.DeadLetterProducer
	GcsClient    gcs.GcsInterface
	Recorder     *metrics.Recorder
	Dispatcher   *dispatcher.Dispatcher
	BulkSync     *bulksync.Driver
	Consumer     Consumer
	HTTPServer   *http.Server
	OtelShutdown func(context.Context) error
}

// New wires every component from configuration. The bus consumer and the
// HTTP server are only created by Run, so a one-shot resync never touches the bus.
// nolint: funlen
func New(ctx context.Context) (*App, error) {
	cfg, err := loadConfig()
	if err != nil {
		logger.CtxError(ctx, log_messages.FailedLoadingConfiguration, err)
		return nil, err
	}
	logger.Init(cfg.Logging.LogLevel)

	app := &App{Cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			app.Shutdown(ctx)
		}
	}()

	app.OtelShutdown, err = setupOtel(ctx, cfg.Otel.ServiceName, cfg.Otel.CollectorURL)
	if err != nil {
		// telemetry is best effort; replication runs without it
		logger.CtxError(ctx, "Failed to set up OpenTelemetry", err)
	}

	app.Recorder, err = metrics.NewRecorder(otel.GetMeter())
	if err != nil {
		logger.CtxError(ctx, "Failed to create metric instruments", err)
		return nil, err
	}

	canon := canonicalizer.New(canonicalizer.WithFallbackHook(app.Recorder.DateFallback))
	norm := normalizer.New(canon,
		normalizer.WithStrictDates(cfg.Replication.InvalidDatePolicy == config.InvalidDatePolicyReject),
		normalizer.WithPassthrough(cfg.Replication.PassthroughUnknownKinds, app.Recorder.Passthrough),
	)

	app.MongoClient, err = connectMongoDB(ctx, cfg.Mongo)
	if err != nil {
		logger.CtxError(ctx, "Failed to connect to MongoDB", err)
		return nil, err
	}
	collections := make([]string, 0, len(storemodels.AllKinds))
	for _, kind := range storemodels.AllKinds {
		collections = append(collections, kind.Collection())
	}
	if err := ensureIndexes(ctx, app.MongoClient, collections); err != nil {
		return nil, err
	}

	repoOpts := []entities.Option{entities.WithStaleWriteGuard(cfg.Replication.StaleWriteGuard)}
	if cfg.Redis.Addr != "" {
		app.RedisClient, err = connectRedisDB(ctx, cfg.Redis)
		if err != nil {
			logger.CtxError(ctx, "Failed to connect to Redis", err)
			return nil, err
		}
		locker := lock.NewRedisLocker(app.RedisClient.Client, cfg.Replication.EntityLockTTL)
		repoOpts = append(repoOpts, entities.WithLocker(locker))
	} else {
		logger.CtxWarn(ctx, "Redis not configured, entity writes are not serialised across replicas")
	}
	entitiesRepo := entities.NewEntitiesRepository(app.MongoClient, repoOpts...)

	dispatchOpts := []dispatcher.Option{
		dispatcher.WithRecorder(app.Recorder),
		dispatcher.WithStoreErrorPolicy(cfg.Replication.OnStoreError),
	}
	if cfg.Kafka.Server != "" {
		app.DeadLetters, err = newDeadLetterProducer(cfg.Kafka)
		if err != nil {
			logger.CtxError(ctx, "Failure in Kafka producer creation", err)
			return nil, err
		}
		dispatchOpts = append(dispatchOpts, dispatcher.WithDeadLetters(app.DeadLetters))
	}
	app.Dispatcher = dispatcher.New(norm, entitiesRepo, dispatchOpts...)

	app.Source, err = newPostgresReader(cfg.Postgres)
	if err != nil {
		logger.CtxError(ctx, "Failed to create Postgres reader", err)
		return nil, err
	}

	bulkOpts := []bulksync.Option{
		bulksync.WithStatusStore(sync_status.NewSyncStatusRepository(app.MongoClient)),
		bulksync.WithRecorder(app.Recorder),
		bulksync.WithTables(cfg.BulkSync.Tables),
		bulksync.WithBatchSize(cfg.BulkSync.BatchSize),
	}
	if cfg.GCS.BucketName != "" {
		app.GcsClient, err = newGCSClient(ctx, cfg.GCS)
		if err != nil {
			logger.CtxError(ctx, "Failed to create GCS client", err)
			return nil, err
		}
		bulkOpts = append(bulkOpts, bulksync.WithReportUploader(app.GcsClient))
	}
	app.BulkSync = bulksync.New(app.Source, entitiesRepo, norm, bulkOpts...)

	ok = true
	return app, nil
}

func (a *App) newConsumer(ctx context.Context) (Consumer, error) {
	kinds := normalizer.Kinds()
	switch a.Cfg.Bus.Driver {
	case config.BusDriverPubSub:
		c, err := pubsub.NewPubSubConsumer(ctx, a.Cfg.PubSub.ProjectID)
		if err != nil {
			return nil, err
		}
		c.MaxOutstanding = a.Cfg.PubSub.MaxOutstanding
		return &pubSubConsumer{
			consumer: c,
			prefix:   a.Cfg.PubSub.SubscriptionPrefix,
			kinds:    kinds,
			handler:  a.Dispatcher.HandleDelivery,
		}, nil
	case config.BusDriverAMQP:
		return &amqpConsumer{
			consumer: rabbitmq.NewConsumer(a.Cfg.AMQP),
			kinds:    kinds,
			handler:  a.Dispatcher.HandleDelivery,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported bus driver %q", a.Cfg.Bus.Driver)
	}
}

// Run starts the bus consumer, the bulk sync schedule and the HTTP server,
// then blocks until SIGINT/SIGTERM or until the consumer gives up.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.Consumer == nil {
		consumer, err := a.newConsumer(ctx)
		if err != nil {
			logger.CtxError(ctx, log_messages.FailureInBusConsumerCreation, err)
			a.Shutdown(ctx)
			return err
		}
		a.Consumer = consumer
	}
	consumer := a.Consumer

	consumerDone := make(chan error, 1)
	go func() {
		consumerDone <- consumer.Run(ctx)
	}()

	scheduleDone := make(chan struct{})
	go func() {
		defer close(scheduleDone)
		a.BulkSync.Schedule(ctx, a.Cfg.BulkSync.EnableInitialSync, a.Cfg.BulkSync.Interval)
	}()

	engine := router.SetupRouter(otel.GetMeter(), a.BulkSync)
	a.HTTPServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Cfg.Server.Port),
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := a.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.CtxError(ctx, log_messages.ServerStartFailure, err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.CtxInfo(ctx, log_messages.ServerShutdown)
		// the consumer drains in-flight deliveries before returning
		runErr = <-consumerDone
	case runErr = <-consumerDone:
		if runErr != nil {
			logger.CtxError(ctx, log_messages.BusErrorConsuming, runErr)
		}
		stop()
	}

	a.waitForBulkSync(ctx, scheduleDone)
	a.Shutdown(ctx)
	logger.CtxInfo(ctx, log_messages.ServerExiting)
	return runErr
}

// waitForBulkSync gives an in-progress bulk run the shutdown timeout to finish.
func (a *App) waitForBulkSync(ctx context.Context, scheduleDone <-chan struct{}) {
	timer := time.NewTimer(a.Cfg.Server.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-scheduleDone:
	case <-timer.C:
		logger.CtxWarn(ctx, "Bulk sync still running at shutdown, abandoning it",
			slog.Duration("waited", a.Cfg.Server.ShutdownTimeout))
	}
}

// Resync runs one bulk sync over tables, or every configured table when
// tables is empty, then releases all resources.
func (a *App) Resync(ctx context.Context, tables []string) (*models.SyncReport, error) {
	defer a.Shutdown(ctx)
	if len(tables) == 0 {
		tables = a.BulkSync.Tables()
	}
	return a.BulkSync.ResyncTables(ctx, bulksync.TriggerCLI, tables)
}

// Shutdown gracefully closes all resources with bounded timeouts.
func (a *App) Shutdown(ctx context.Context) {
	res := cleanup.Resources{
		Server:       a.HTTPServer,
		MongoClient:  a.MongoClient,
		RedisClient:  a.RedisClient,
		GcsClient:    a.GcsClient,
		OtelShutdown: a.OtelShutdown,
	}
	// typed nils must not reach the interface fields
	if a.Consumer != nil {
		res.Consumer = a.Consumer
	}
	if a.DeadLetters != nil {
		res.DeadLetters = a.DeadLetters
	}
	if a.Source != nil {
		res.Source = a.Source
	}
	cleanup.CleanupResources(ctx, res, a.Cfg.Server.ShutdownTimeout)
}
