package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"

	"github.com/Ramsey-B/aster/config"
	"github.com/Ramsey-B/aster/internal/repositories/candidate"
	"github.com/Ramsey-B/aster/internal/repositories/entityrecord"
	"github.com/Ramsey-B/aster/internal/repositories/mergepath"
	"github.com/Ramsey-B/aster/internal/repositories/protorecord"
	"github.com/Ramsey-B/aster/pkg/database"
	"github.com/Ramsey-B/aster/pkg/events"
	"github.com/Ramsey-B/aster/pkg/graph"
	"github.com/Ramsey-B/aster/pkg/kafka"
	"github.com/Ramsey-B/aster/pkg/matching"
	"github.com/Ramsey-B/aster/pkg/merging"
	"github.com/Ramsey-B/aster/pkg/middleware"
	"github.com/Ramsey-B/aster/pkg/processor"
	"github.com/Ramsey-B/aster/pkg/profiles"
	"github.com/Ramsey-B/aster/pkg/realizer"
	"github.com/Ramsey-B/aster/pkg/routes/entity"
	"github.com/Ramsey-B/aster/pkg/routes/health"
	"github.com/Ramsey-B/aster/pkg/routes/proto"
	"github.com/Ramsey-B/aster/pkg/startup"
	"github.com/Ramsey-B/aster/pkg/tracing"
	"github.com/Ramsey-B/aster/pkg/tracing/exporters"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	var cfg config.Config
	if err := ectoenv.BindEnv(&cfg); err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	logger, err := newLogger(cfg)
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("Service exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger ectologger.Logger) error {
	if cfg.TracingEnabled {
		shutdown, err := setupTracing(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to set up tracing: %w", err)
		}
		defer shutdown(context.Background())
	}

	dbConn, err := connectDatabase(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer dbConn.Close()

	if err := runMigrations(cfg, logger, dbConn); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	db := database.NewDatabaseInstance(dbConn, logger)

	registry := profiles.NewRegistry()
	for _, p := range []*profiles.Profile{profiles.AddressProfile(), profiles.StrictAddressProfile()} {
		p.ProfileThreshold = cfg.ProfileThreshold
		p.LevenshteinThreshold = cfg.LevenshteinThreshold
		p.CandidateLimit = cfg.CandidateLimit
		if err := registry.Register(p); err != nil {
			return fmt.Errorf("failed to register profile %s: %w", p.EntityKind, err)
		}
	}

	protoRepo := protorecord.NewRepository(db, logger)
	candidateRepo := candidate.NewRepository(db, logger)
	entityRepo := entityrecord.NewRepository(db, logger)
	pathRepo := mergepath.NewRepository(db, logger)

	var graphClient *graph.Client
	var mirror *graph.ResolutionService
	if cfg.GraphEnabled {
		graphClient, err = graph.NewClient(graph.Config{
			Host:     cfg.GraphDBHost,
			Port:     cfg.GraphDBPort,
			Username: cfg.GraphDBUser,
			Password: cfg.GraphDBPassword,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create graph client: %w", err)
		}
		defer graphClient.Close(context.Background())
		mirror = graph.NewResolutionService(graphClient, logger)
	}

	producer := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:      cfg.KafkaBrokers,
		Topic:        cfg.KafkaOutputTopic,
		BatchSize:    cfg.KafkaBatchSize,
		BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
		RequiredAcks: cfg.KafkaRequiredAcks,
		Compression:  cfg.KafkaCompression,
	}, logger)
	defer producer.Close()

	emitter := events.NewEmitter(producer, logger)

	engine := matching.NewEngine(logger, registry, protoRepo, candidateRepo, entityRepo, matching.EngineConfig{
		FetchLimit: cfg.CandidateFetchLimit,
	})

	// realizer and consolidator tolerate a nil mirror, but a typed nil
	// pointer inside the interface would dodge their nil checks
	var realizerMirror realizer.GraphMirror
	var consolidatorMirror merging.GraphMirror
	if mirror != nil {
		realizerMirror = mirror
		consolidatorMirror = mirror
	}

	realizerSvc := realizer.NewRealizer(logger, registry, db, protoRepo, entityRepo, pathRepo, emitter, realizerMirror)
	consolidator := merging.NewConsolidator(logger, db, entityRepo, pathRepo, candidateRepo, emitter, consolidatorMirror)
	proc := processor.NewProcessor(cfg, logger, protoRepo, engine, realizerSvc, emitter)

	if err := registerDependencies(cfg, logger, registry, protoRepo, candidateRepo, entityRepo, pathRepo, engine, realizerSvc, consolidator, proc, emitter); err != nil {
		return fmt.Errorf("failed to register dependencies: %w", err)
	}

	e := newServer(cfg, logger)

	var graphPinger health.GraphPinger
	if graphClient != nil {
		graphPinger = graphClient
	}
	checker := health.NewChecker(dbConn, graphPinger, version)
	checker.RegisterRoutes(e)

	api := e.Group("/api/v1")
	proto.Register(api.Group("/protos"))
	entity.Register(api.Group("/entities"))

	boot := startup.NewStartup(logger, cfg.StartupMaxAttempts)
	boot.AddDependency(&httpServerDependency{e: e, port: cfg.Port, logger: logger})
	if cfg.KafkaConsumerEnabled {
		consumer := kafka.NewConsumer(cfg, logger, proc.ProcessMessage)
		boot.AddDependency(&consumerDependency{consumer: consumer})
	}
	if err := boot.Start(ctx); err != nil {
		return fmt.Errorf("failed to start service dependencies: %w", err)
	}
	checker.SetReady(true)
	logger.WithField("port", cfg.Port).Infof("%s listening on port %d", cfg.AppName, cfg.Port)

	<-ctx.Done()
	checker.SetReady(false)
	logger.Info("Shutdown signal received")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return boot.Stop(stopCtx)
}

func newLogger(cfg config.Config) (ectologger.Logger, error) {
	var zapLogger *zap.Logger
	var err error
	if cfg.PrettyLogs {
		zapLogger, err = zap.NewDevelopment()
	} else {
		zapLogger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return zapadapter.NewZapEctoLogger(zapLogger, nil), nil
}

func setupTracing(ctx context.Context, cfg config.Config) (func(context.Context) error, error) {
	exporterCfg := exporters.DefaultOTLPConfig()
	exporterCfg.Endpoint = cfg.TracingOTLPEndpoint
	exporterCfg.Protocol = cfg.TracingOTLPProtocol

	exporter, err := exporters.NewOTLPExporter(ctx, exporterCfg)
	if err != nil {
		return nil, err
	}

	res, err := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.AppName),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	tracing.SetTracer(tp.Tracer(cfg.AppName))
	return tp.Shutdown, nil
}

func connectDatabase(cfg config.Config) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DatabaseHost, cfg.DatabasePort, cfg.DatabaseUserName, cfg.DatabasePassword, cfg.DatabaseName, cfg.DatabaseSSLMode)

	var dbConn *sqlx.DB
	var err error
	for attempt := 0; attempt <= cfg.DatabaseReconnectRetryCount; attempt++ {
		dbConn, err = sqlx.Connect(cfg.DatabaseDriver, dsn)
		if err == nil {
			break
		}
		time.Sleep(time.Second * time.Duration(attempt+1))
	}
	if err != nil {
		return nil, err
	}

	dbConn.SetMaxOpenConns(cfg.DatabaseMaxOpenConns)
	dbConn.SetMaxIdleConns(cfg.DatabaseMaxIdleConns)
	dbConn.SetConnMaxLifetime(cfg.DatabaseConnMaxLifetime)
	return dbConn, nil
}

func runMigrations(cfg config.Config, logger ectologger.Logger, dbConn *sqlx.DB) error {
	driver, err := migratepg.WithInstance(dbConn.DB, &migratepg.Config{})
	if err != nil {
		return err
	}

	migrationService := database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
		Version:             uint(cfg.DatabaseMigrationVersion),
		Force:               cfg.DatabaseMigrationForce,
		AutoRollback:        cfg.DatabaseMigrationAutoRollback,
	})
	return migrationService.Migrate(cfg.DatabaseName, driver)
}

// registerDependencies wires everything the route handlers pull out of the
// request context via ectoinject.GetContext.
func registerDependencies(
	cfg config.Config,
	logger ectologger.Logger,
	registry *profiles.Registry,
	protoRepo *protorecord.Repository,
	candidateRepo *candidate.Repository,
	entityRepo *entityrecord.Repository,
	pathRepo *mergepath.Repository,
	engine *matching.Engine,
	realizerSvc *realizer.Realizer,
	consolidator *merging.Consolidator,
	proc *processor.Processor,
	emitter *events.Emitter,
) error {
	container, err := ectoinject.NewDIDefaultContainer()
	if err != nil {
		return err
	}

	if err := ectoinject.RegisterInstance[config.Config](container, cfg); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[ectologger.Logger](container, logger); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*profiles.Registry](container, registry); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*protorecord.Repository](container, protoRepo); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*candidate.Repository](container, candidateRepo); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*entityrecord.Repository](container, entityRepo); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*mergepath.Repository](container, pathRepo); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*matching.Engine](container, engine); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*realizer.Realizer](container, realizerSvc); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*merging.Consolidator](container, consolidator); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*processor.Processor](container, proc); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*events.Emitter](container, emitter); err != nil {
		return err
	}
	return nil
}

func newServer(cfg config.Config, logger ectologger.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.WriteTimeout = time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second
	e.Server.ReadTimeout = time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second
	e.Server.IdleTimeout = time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second
	e.Server.ReadHeaderTimeout = time.Duration(cfg.ReadHeaderTimeoutSeconds) * time.Second
	e.Server.MaxHeaderBytes = cfg.MaxHeaderBytes

	if cfg.TracingEnabled {
		e.Use(otelecho.Middleware(cfg.AppName))
	}
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))
	e.HTTPErrorHandler = middleware.Error(logger)

	return e
}

// httpServerDependency runs the echo server under the startup manager
type httpServerDependency struct {
	e      *echo.Echo
	port   int
	logger ectologger.Logger
}

func (d *httpServerDependency) GetName() string     { return "http-server" }
func (d *httpServerDependency) DependsOn() []string { return nil }

func (d *httpServerDependency) Start(ctx context.Context) error {
	go func() {
		if err := d.e.Start(fmt.Sprintf(":%d", d.port)); err != nil && err != http.ErrServerClosed {
			d.logger.WithError(err).Error("HTTP server failed")
			os.Exit(1)
		}
	}()
	return nil
}

func (d *httpServerDependency) Stop(ctx context.Context) error {
	return d.e.Shutdown(ctx)
}

// consumerDependency runs the kafka consumer under the startup manager
type consumerDependency struct {
	consumer *kafka.Consumer
}

func (d *consumerDependency) GetName() string     { return "kafka-consumer" }
func (d *consumerDependency) DependsOn() []string { return nil }

func (d *consumerDependency) Start(ctx context.Context) error {
	return d.consumer.Start(ctx)
}

func (d *consumerDependency) Stop(ctx context.Context) error {
	return d.consumer.Stop()
}
