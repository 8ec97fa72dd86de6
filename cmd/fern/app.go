package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/handlers"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/health"
	"github.com/Ramsey-B/fern/pkg/ingest"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/queue"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/scheduler"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/tracing/exporters"
	"github.com/Ramsey-B/fern/pkg/webhook"
)

// app holds the process-wide components. Each is created by the startup
// dependency that owns it, so a failed attempt is retried from a clean slate.
type app struct {
	cfg    *config.Config
	logger ectologger.Logger
	health *health.Checker

	tracer   *sdktrace.TracerProvider
	db       database.DB
	redis    *redis.Client
	streams  *redis.Streams
	dlq      *redis.DeadLetterQueue
	producer *kafka.Producer

	integrations *repositories.IntegrationRepository
	events       *repositories.EventRepository
	sources      *repositories.SourceRepositoryRepository
	temps        *repositories.OAuthTempRepository
	writer       *ingest.Writer
	enqueuer     *queue.Enqueuer

	processor *queue.Processor
	scheduler *scheduler.Scheduler
	echo      *echo.Echo
	serverErr chan error
}

func newApp(cfg *config.Config, logger ectologger.Logger) *app {
	return &app{
		cfg:       cfg,
		logger:    logger,
		health:    health.NewChecker(cfg.AppVersion),
		serverErr: make(chan error, 1),
	}
}

func (a *app) dependencies() []startup.StartupDependency {
	return []startup.StartupDependency{
		&startup.Dependency{Name: "tracing", StartFunc: a.startTracing, StopFunc: a.stopTracing},
		&startup.Dependency{Name: "postgres", Requires: []string{"tracing"}, StartFunc: a.startPostgres, StopFunc: a.stopPostgres},
		&startup.Dependency{Name: "redis", Requires: []string{"tracing"}, StartFunc: a.startRedis, StopFunc: a.stopRedis},
		&startup.Dependency{Name: "kafka", Requires: []string{"tracing"}, StartFunc: a.startKafka, StopFunc: a.stopKafka},
		&startup.Dependency{Name: "ingest", Requires: []string{"postgres", "redis", "kafka"}, StartFunc: a.startIngest},
		&startup.Dependency{Name: "processor", Requires: []string{"ingest"}, StartFunc: a.startProcessor, StopFunc: a.stopProcessor},
		&startup.Dependency{Name: "scheduler", Requires: []string{"ingest"}, StartFunc: a.startScheduler, StopFunc: a.stopScheduler},
		&startup.Dependency{Name: "http", Requires: []string{"ingest"}, StartFunc: a.startHTTP, StopFunc: a.stopHTTP},
	}
}

func (a *app) startTracing(ctx context.Context) error {
	var exporter sdktrace.SpanExporter = exporters.NewLogExporter(a.logger)
	if a.cfg.OTLPEnabled {
		otlp, err := exporters.NewOTLPExporter(ctx, exporters.OTLPConfig{
			Endpoint: a.cfg.OTLPEndpoint,
			Protocol: a.cfg.OTLPProtocol,
			Insecure: a.cfg.OTLPInsecure,
		})
		if err != nil {
			return err
		}
		exporter = otlp
	}
	a.tracer = tracing.NewProvider(a.cfg.AppName, a.cfg.AppVersion, exporter)
	return nil
}

func (a *app) stopTracing(ctx context.Context) error {
	return tracing.Shutdown(ctx, a.tracer)
}

func (a *app) startPostgres(ctx context.Context) error {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		a.cfg.DatabaseHost, a.cfg.DatabasePort, a.cfg.DatabaseUserName,
		a.cfg.DatabasePassword, a.cfg.DatabaseName, a.cfg.DatabaseSSLMode)

	conn, err := sqlx.ConnectContext(ctx, a.cfg.DatabaseDriver, dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	conn.SetMaxOpenConns(a.cfg.DatabaseMaxOpenConns)
	conn.SetMaxIdleConns(a.cfg.DatabaseMaxIdleConns)
	conn.SetConnMaxLifetime(a.cfg.DatabaseConnMaxLifetime)

	migrations := database.NewMigrationService(a.logger, &database.MigrationConfig{
		MigrationFolderPath: a.cfg.DatabaseMigrationFolderPath,
		Version:             uint(a.cfg.DatabaseMigrationVersion),
		Force:               a.cfg.DatabaseMigrationForce,
		AutoRollback:        a.cfg.DatabaseMigrationAutoRollback,
	})
	if err := migrations.MigratePostgres(a.cfg.DatabaseName, conn.DB); err != nil {
		_ = conn.Close()
		return err
	}

	a.db = database.NewDatabaseInstance(conn, a.logger)
	a.health.Require("postgres", health.PingFunc(a.db.PingContext))
	return nil
}

func (a *app) stopPostgres(_ context.Context) error {
	return a.db.Close()
}

func (a *app) startRedis(_ context.Context) error {
	client, err := redis.NewClient(redis.Config{
		Host:     a.cfg.RedisHost,
		Port:     a.cfg.RedisPort,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	}, a.logger)
	if err != nil {
		return err
	}

	a.redis = client
	a.streams = redis.NewStreams(client)
	a.dlq = redis.NewDeadLetterQueue(client, redis.DefaultDLQStream, a.logger)
	a.health.Require("redis", client)
	return nil
}

func (a *app) stopRedis(_ context.Context) error {
	return a.redis.Close()
}

func (a *app) startKafka(_ context.Context) error {
	if !a.cfg.KafkaEnabled {
		a.logger.Info("kafka disabled, accepted events are not published")
		return nil
	}
	a.producer = kafka.NewProducer(kafka.ParseConfig(a.cfg.KafkaBrokers, a.cfg.KafkaEventTopic), a.logger)
	a.health.Optional("kafka", a.producer)
	return nil
}

func (a *app) stopKafka(_ context.Context) error {
	if a.producer == nil {
		return nil
	}
	return a.producer.Close()
}

func (a *app) startIngest(_ context.Context) error {
	a.integrations = repositories.NewIntegrationRepository(a.db, a.logger)
	a.events = repositories.NewEventRepository(a.db, a.logger)
	a.sources = repositories.NewSourceRepositoryRepository(a.db, a.logger)
	a.temps = repositories.NewOAuthTempRepository(a.db, a.logger)
	effects := repositories.NewEffectRepository(a.db, a.logger)

	var publisher ingest.Publisher
	if a.producer != nil {
		publisher = a.producer
	}
	a.writer = ingest.NewWriter(ingest.DatabaseTx(a.db), a.events, effects, publisher, a.logger)
	a.enqueuer = queue.NewEnqueuer(a.streams, a.cfg.RedisStreamsJobQueue)
	return nil
}

func (a *app) startProcessor(ctx context.Context) error {
	processorConfig := queue.DefaultProcessorConfig()
	processorConfig.Stream = a.cfg.RedisStreamsJobQueue
	processorConfig.ConsumerGroup = a.cfg.RedisStreamsConsumerGroup
	if a.cfg.RedisStreamsConsumerName != "" {
		processorConfig.ConsumerName = a.cfg.RedisStreamsConsumerName
	}
	processorConfig.MaxRetries = a.cfg.QueueMaxRetries
	processorConfig.WorkerCount = a.cfg.QueueWorkers

	syncer := ingest.NewSyncer(a.integrations, a.events, a.writer, a.logger)

	a.processor = queue.NewProcessor(a.streams, a.dlq, processorConfig, a.logger)
	a.processor.Handle(queue.JobTypeProcessEvent, queue.ProcessEventHandler(a.writer, a.integrations))
	a.processor.Handle(queue.JobTypeSyncIntegration, queue.SyncIntegrationHandler(syncer))
	return a.processor.Start(ctx)
}

func (a *app) stopProcessor(ctx context.Context) error {
	return a.processor.Stop(ctx)
}

func (a *app) startScheduler(ctx context.Context) error {
	if !a.cfg.SchedulerEnabled {
		a.logger.Info("scheduler disabled")
		return nil
	}

	schedulerConfig := scheduler.DefaultConfig()
	schedulerConfig.PollInterval = a.cfg.SchedulerPollInterval
	schedulerConfig.MaxAttempts = a.cfg.EventMaxAttempts
	schedulerConfig.StaleAfter = a.cfg.EventStaleAfter

	locker := redis.NewLocker(a.redis, "fern:")
	a.scheduler = scheduler.NewScheduler(a.events, a.temps, a.enqueuer, locker, schedulerConfig, a.logger)
	return a.scheduler.Start(ctx)
}

func (a *app) stopScheduler(ctx context.Context) error {
	if a.scheduler == nil {
		return nil
	}
	return a.scheduler.Stop(ctx)
}

func (a *app) startHTTP(ctx context.Context) error {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(a.logger)

	e.Use(echomw.Recover())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.AllowOrigins,
		AllowMethods: a.cfg.AllowMethods,
	}))
	e.Use(otelecho.Middleware(a.cfg.AppName))
	e.Use(middleware.Context(!a.cfg.AuthEnabled))
	e.Use(middleware.Logger(a.logger))

	a.health.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	dispatcher := webhook.NewDispatcher(
		a.integrations,
		a.sources,
		a.writer,
		a.enqueuer,
		redis.NewHandshakeStore(a.redis, a.cfg.HandshakeTTL),
		webhook.Secrets{
			GitHub:          a.cfg.GitHubWebhookSecret,
			Slack:           a.cfg.SlackSigningSecret,
			SlackWindow:     a.cfg.SlackWindow,
			Stripe:          a.cfg.StripeWebhookSecret,
			StripeTolerance: a.cfg.StripeTolerance,
			Trello:          a.cfg.TrelloAppSecret,
			PublicBaseURL:   a.cfg.PublicBaseURL,
		},
		a.logger,
	)
	handlers.NewWebhookHandler(dispatcher, a.cfg.WebhookMaxBodyBytes).RegisterRoutes(e)

	api := e.Group("/api/v1")
	if a.cfg.AuthEnabled {
		verifier, err := middleware.NewOIDCVerifier(ctx, a.cfg.AuthIssuerURL, a.cfg.AuthClientID)
		if err != nil {
			return err
		}
		api.Use(middleware.Authentication(a.logger, verifier))
	}
	handlers.NewIntegrationHandler(ingest.DatabaseTx(a.db), a.integrations, a.temps, a.enqueuer, a.cfg.OAuthStateTTL, a.logger).RegisterRoutes(api)
	handlers.NewEventHandler(a.events, a.enqueuer, a.logger).RegisterRoutes(api)
	handlers.NewSourceRepositoryHandler(a.sources).RegisterRoutes(api)
	handlers.NewDLQHandler(a.dlq, a.streams, a.cfg.RedisStreamsJobQueue, a.logger).RegisterRoutes(api)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Port),
		ReadTimeout:       time.Duration(a.cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(a.cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(a.cfg.HttpServerIdleTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(a.cfg.ReadHeaderTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
	}

	a.echo = e
	go func() {
		if err := e.StartServer(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.serverErr <- err
		}
	}()
	a.logger.Infof("listening on %s", server.Addr)
	return nil
}

func (a *app) stopHTTP(ctx context.Context) error {
	return a.echo.Shutdown(ctx)
}
