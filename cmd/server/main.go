package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"iot-platform/monitoring-service/internal/config"
	"iot-platform/monitoring-service/internal/db"
	"iot-platform/monitoring-service/internal/db/migrate"
	"iot-platform/monitoring-service/internal/fanout"
	"iot-platform/monitoring-service/internal/health"
	healthhandler "iot-platform/monitoring-service/internal/health/handler"
	"iot-platform/monitoring-service/internal/identity"
	"iot-platform/monitoring-service/internal/ingest"
	"iot-platform/monitoring-service/internal/logging"
	"iot-platform/monitoring-service/internal/metric/repository"
	"iot-platform/monitoring-service/internal/metric/service"
	"iot-platform/monitoring-service/internal/server"
	"iot-platform/monitoring-service/internal/snapshot"
	"iot-platform/monitoring-service/internal/telemetry/loki"
	telemetry "iot-platform/monitoring-service/internal/telemetry/otel"
	"iot-platform/monitoring-service/internal/transport/mqtt"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat).With().Str("service", cfg.ServiceName).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
	log.Info().Msg("server stopped")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	providers, err := telemetry.NewProviders(ctx, cfg.OTLPEndpoint, cfg.ServiceName, cfg.OTLPInsecure)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	providers.SetGlobal()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	store, err := openStore(ctx, cfg, logging.Component(log, "store"))
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("store close")
		}
	}()

	resolver, err := newResolver(cfg)
	if err != nil {
		return err
	}

	hub := fanout.NewHub(resolver, logging.Component(log, "hub"), fanout.HubOptions{AllowedOrigins: cfg.AllowedOrigins()})
	defer hub.Close()

	dispatcher := fanout.NewDispatcher(logging.Component(log, "fanout"), hub, newSinks(ctx, cfg, providers, log)...)
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := dispatcher.Close(dctx); err != nil {
			log.Warn().Err(err).Msg("fan-out close")
		}
	}()

	queue := ingest.NewQueue(cfg.IngestQueueSize, logging.Component(log, "queue"))
	pipeline := ingest.NewPipeline(queue, store, dispatcher, logging.Component(log, "pipeline"), ingest.Options{
		Workers:      cfg.IngestWorkers,
		DrainTimeout: cfg.DrainTimeout(),
	})
	bridge := mqtt.NewBridge(mqtt.Config{
		BrokerURL:  cfg.MQTTBrokerURL,
		ClientID:   cfg.MQTTClientID,
		Username:   cfg.MQTTUsername,
		Password:   cfg.MQTTPassword,
		Topic:      cfg.MQTTTopic,
		QoS:        byte(cfg.MQTTQoS),
		RetryDelay: cfg.RetryDelay(),
	}, queue, logging.Component(log, "mqtt"))

	checker := health.NewChecker(health.DefaultTimeout)
	checker.Add("store", store.Ping)
	checker.Add("mqtt", bridge.Check)
	healthSrv := healthhandler.NewServer(checker, logging.Component(log, "health"))

	router := server.NewRouter(server.Deps{
		Query:    service.NewQueryService(store, store, cfg.QueryMaxLimit),
		Resolver: resolver,
		Live:     hub,
		Health:   checker,
	}, logging.Component(log, "http"))
	httpSrv := server.NewHTTPServer(cfg.HTTPAddr, router)

	var grpcSrv *grpc.Server
	var grpcLis net.Listener
	if cfg.GRPCAddr != "" {
		grpcLis, err = net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
		}
		grpcSrv = server.NewGRPCServer(healthSrv, logging.Component(log, "grpc"))
	}

	// The pipeline outlives the signal: it stops once the closed queue is drained.
	pipelineCtx, stopPipeline := context.WithCancel(context.WithoutCancel(ctx))
	defer stopPipeline()
	pipelineDone := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(pipelineDone)
		return pipeline.Run(pipelineCtx)
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	if grpcSrv != nil {
		g.Go(func() error {
			log.Info().Str("addr", cfg.GRPCAddr).Msg("grpc server listening")
			if err := grpcSrv.Serve(grpcLis); err != nil {
				return fmt.Errorf("grpc: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		if err := bridge.Start(gctx); err != nil && gctx.Err() == nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		healthSrv.Watch(gctx, healthhandler.DefaultInterval)
		return nil
	})
	if cfg.SnapshotEnabled {
		src := snapshot.NewOpenMeteoSource(snapshot.OpenMeteoConfig{
			BaseURL:   cfg.SnapshotBaseURL,
			City:      cfg.SnapshotCity,
			Latitude:  cfg.SnapshotLatitude,
			Longitude: cfg.SnapshotLongitude,
		}, nil)
		producer := snapshot.NewProducer(src, store, dispatcher, cfg.SnapshotEvery(), logging.Component(log, "snapshot"))
		g.Go(func() error { return producer.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("http shutdown")
		}
		if grpcSrv != nil {
			grpcSrv.GracefulStop()
		}

		bridge.Close()
		queue.Close()
		select {
		case <-pipelineDone:
		case <-time.After(cfg.DrainTimeout()):
			stopPipeline()
		}
		return nil
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (repository.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		if cfg.AutoMigrate {
			if err := migrate.Run(cfg.DatabaseURL, "up"); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
			log.Info().Msg("migrations applied")
		}
		conn, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		log.Info().Str("driver", cfg.StoreDriver).Msg("store ready")
		return repository.NewPostgresStore(conn), nil
	case config.StoreDriverMongo:
		client, err := db.OpenMongo(ctx, cfg.MongoURL)
		if err != nil {
			return nil, fmt.Errorf("mongo: %w", err)
		}
		st, err := repository.NewMongoStore(ctx, client, cfg.MongoDB)
		if err != nil {
			_ = client.Disconnect(context.Background())
			return nil, fmt.Errorf("mongo: %w", err)
		}
		log.Info().Str("driver", cfg.StoreDriver).Str("db", cfg.MongoDB).Msg("store ready")
		return st, nil
	default:
		log.Warn().Msg("using in-memory store; data is lost on restart")
		return repository.NewMemoryStore(), nil
	}
}

func newResolver(cfg *config.Config) (identity.Resolver, error) {
	if cfg.JWTPublicKey != "" {
		r, err := identity.NewJWTResolver(cfg.JWTPublicKey, cfg.JWTIssuer, cfg.JWTAudience)
		if err != nil {
			return nil, fmt.Errorf("jwt: %w", err)
		}
		return r, nil
	}
	return identity.NewRemoteResolver(cfg.AuthServiceURL, cfg.AuthRequestTimeout(), nil), nil
}

// newSinks builds the optional fan-out mirrors. A sink that cannot be created is skipped.
func newSinks(ctx context.Context, cfg *config.Config, providers *telemetry.Providers, log zerolog.Logger) []fanout.Sink {
	var sinks []fanout.Sink
	if cfg.RedisURL != "" {
		p, err := fanout.NewRedisPublisher(ctx, cfg.RedisURL, cfg.RedisChannelPrefix)
		if err != nil {
			log.Warn().Err(err).Str(logging.SINK, "redis").Msg("sink disabled")
		} else {
			sinks = append(sinks, p)
		}
	}
	if brokers := cfg.KafkaBrokersList(); len(brokers) > 0 {
		p, err := fanout.NewKafkaPublisher(brokers, cfg.FanoutKafkaTopic)
		if err != nil {
			log.Warn().Err(err).Str(logging.SINK, "kafka").Msg("sink disabled")
		} else {
			sinks = append(sinks, p)
		}
	}
	if cfg.LokiURL != "" {
		c, err := loki.NewClient(cfg.LokiURL, cfg.ServiceName, nil)
		if err != nil {
			log.Warn().Err(err).Str(logging.SINK, "loki").Msg("sink disabled")
		} else {
			sinks = append(sinks, loki.NewSink(c))
		}
	}
	if cfg.FanoutOTLPLogs {
		if providers.Exporting {
			sinks = append(sinks, telemetry.NewLogSink(providers.LoggerProvider))
		} else {
			log.Warn().Str(logging.SINK, "otlp").Msg("FANOUT_OTLP_LOGS set without an OTLP endpoint; sink disabled")
		}
	}
	for _, s := range sinks {
		log.Info().Str(logging.SINK, s.Name()).Msg("fan-out sink enabled")
	}
	return sinks
}
