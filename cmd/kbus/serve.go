package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/alfredjeanlab/kbus/internal/archive"
	"github.com/alfredjeanlab/kbus/internal/bus"
	"github.com/alfredjeanlab/kbus/internal/config"
	"github.com/alfredjeanlab/kbus/internal/delivery"
	"github.com/alfredjeanlab/kbus/internal/events"
	"github.com/alfredjeanlab/kbus/internal/ingest"
	"github.com/alfredjeanlab/kbus/internal/metrics"
	"github.com/alfredjeanlab/kbus/internal/registry"
	"github.com/alfredjeanlab/kbus/internal/router"
	"github.com/alfredjeanlab/kbus/internal/server"
	"github.com/alfredjeanlab/kbus/internal/store"
	"github.com/alfredjeanlab/kbus/internal/store/memory"
	"github.com/alfredjeanlab/kbus/internal/store/postgres"
)

// keyLockShards sizes the per-delivery-key lock arena.
const keyLockShards = 256

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Start the kbus server",
	GroupID: "system",
	Args:    cobra.NoArgs,
	// Override PersistentPreRunE so we don't build an API client.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		useMemory, _ := cmd.Flags().GetBool("memory")
		verbose, _ := cmd.Flags().GetBool("verbose")

		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := cfg.Validate(useMemory); err != nil {
			return err
		}

		var st store.Store
		if useMemory {
			st = memory.New()
			logger.Warn("using in-memory store; nothing survives a restart")
		} else {
			pg, err := postgres.New(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			st = pg
		}

		a, err := newApp(cmd.Context(), cfg, st, logger)
		if err != nil {
			st.Close()
			return err
		}

		if err := a.listen(cfg); err != nil {
			a.shutdown()
			return err
		}

		logger.Info("kbus server started",
			"grpc_addr", cfg.GRPCAddr,
			"http_addr", cfg.HTTPAddr,
			"workers", cfg.Workers,
		)

		// Wait for SIGINT or SIGTERM.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)

		a.shutdown()
		logger.Info("shutdown complete")
		return nil
	},
}

// app holds every running component of a server process.
type app struct {
	logger *slog.Logger

	store     store.Store
	publisher events.Publisher
	pool      *delivery.Pool
	sweeper   *delivery.Scheduler
	bus       *bus.Bus
	archiver  *archive.Archiver

	ingestCancel context.CancelFunc
	ingestDone   chan struct{}

	handler    http.Handler
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
}

// newApp wires the bus over st and starts its background workers. It does
// not open any listener.
func newApp(ctx context.Context, cfg *config.Config, st store.Store, logger *slog.Logger) (*app, error) {
	if cfg.ArchiveEnabled() {
		if _, err := archive.ParseSchedule(cfg.ArchiveSchedule); err != nil {
			return nil, fmt.Errorf("KBUS_ARCHIVE_SCHEDULE: %w", err)
		}
	}

	a := &app{logger: logger, store: st}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// Outcome notifications go to live stream clients and, when configured,
	// to NATS.
	stream := server.NewOutcomeStream()
	publishers := events.MultiPublisher{stream}
	if cfg.NATSURL != "" {
		pub, err := events.NewNATSPublisher(cfg.NATSURL)
		if err != nil {
			return nil, err
		}
		publishers = append(publishers, pub)
		logger.Info("events enabled", "nats_url", cfg.NATSURL)
	} else {
		logger.Info("events disabled (KBUS_NATS_URL not set)")
	}
	a.publisher = publishers

	locks := delivery.NewKeyLock(keyLockShards)
	dist := delivery.NewDistributor(st, delivery.Options{
		Timeout:   cfg.DeliveryTimeout,
		Publisher: a.publisher,
		Metrics:   m,
		Logger:    logger,
	})
	a.pool = delivery.NewPool(dist, st, locks, cfg.Workers, cfg.QueueSize, m, logger)
	a.pool.Start()

	a.sweeper = delivery.NewScheduler(st, a.pool, delivery.SchedulerOptions{
		Interval:   cfg.RetryInterval,
		Batch:      cfg.RetryBatch,
		Lease:      cfg.RetryLease,
		StaleAfter: cfg.StalePending,
		Metrics:    m,
		Logger:     logger,
	})
	a.sweeper.Start()

	topics := registry.NewTopics(st)
	subs := registry.NewSubscriptions(st)
	a.bus = bus.New(st, router.New(subs, logger), a.pool, locks, m, logger)
	admitter := ingest.NewAdmitter(topics, a.bus, m, logger)

	if cfg.NATSURL != "" {
		sub, err := events.NewNATSSubscriber(cfg.NATSURL)
		if err != nil {
			logger.Error("failed to create ingest subscriber", "err", err)
		} else {
			var ingestCtx context.Context
			ingestCtx, a.ingestCancel = context.WithCancel(context.Background())
			a.ingestDone = make(chan struct{})
			go func() {
				defer close(a.ingestDone)
				if err := admitter.StartSubscriber(ingestCtx, sub); err != nil {
					logger.Error("ingest subscriber error", "err", err)
				}
				sub.Close()
			}()
		}
	}

	if cfg.ArchiveEnabled() {
		dest, err := archive.NewS3Destination(ctx, cfg.ArchiveS3Bucket, cfg.ArchiveS3Region, cfg.ArchiveS3Endpoint)
		if err != nil {
			logger.Error("failed to create S3 archive destination", "err", err)
		} else {
			archiver, err := archive.New(st, dest, archive.Options{
				Schedule: cfg.ArchiveSchedule,
				Prefix:   cfg.ArchiveS3Prefix,
				Metrics:  m,
				Logger:   logger,
			})
			if err != nil {
				logger.Error("failed to create archiver", "err", err)
			} else {
				a.archiver = archiver
				a.archiver.Start()
				logger.Info("archive enabled", "bucket", cfg.ArchiveS3Bucket, "schedule", cfg.ArchiveSchedule)
			}
		}
	}

	srv := server.New(server.Deps{
		Store:         st,
		Topics:        topics,
		Subscriptions: subs,
		Admitter:      admitter,
		Stream:        stream,
		Gatherer:      reg,
		Logger:        logger,
	})
	a.handler = srv.NewHTTPHandler(cfg.AuthToken)
	a.grpcServer, a.health = server.NewGRPCServer(cfg.AuthToken, logger)
	return a, nil
}

// listen starts the gRPC and HTTP servers and marks the bus as serving.
func (a *app) listen(cfg *config.Config) error {
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	go func() {
		a.logger.Info("gRPC server listening", "addr", cfg.GRPCAddr)
		if err := a.grpcServer.Serve(lis); err != nil {
			a.logger.Error("gRPC server error", "err", err)
		}
	}()

	a.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		a.logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server error", "err", err)
		}
	}()

	a.health.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_SERVING)
	return nil
}

// shutdown stops intake first, then drains delivery work, then closes the
// store. Safe to call on a partially started app.
func (a *app) shutdown() {
	if a.health != nil {
		a.health.Shutdown()
	}

	if a.ingestCancel != nil {
		a.ingestCancel()
		<-a.ingestDone
		a.logger.Info("ingest subscriber stopped")
	}

	if a.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("HTTP server shutdown error", "err", err)
		}
		cancel()
		a.logger.Info("HTTP server stopped")
	}
	if a.grpcServer != nil {
		a.grpcServer.GracefulStop()
		a.logger.Info("gRPC server stopped")
	}

	if a.sweeper != nil {
		a.sweeper.Stop()
		a.logger.Info("retry scheduler stopped")
	}
	if a.pool != nil {
		a.pool.Stop()
		a.logger.Info("delivery pool stopped")
	}
	if a.archiver != nil {
		a.archiver.Stop()
		a.logger.Info("archive stopped")
	}

	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Error("error closing publisher", "err", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing store", "err", err)
	}
}

func init() {
	serveCmd.Flags().Bool("memory", false, "use an in-memory store instead of Postgres")
	serveCmd.Flags().BoolP("verbose", "v", false, "log at debug level")
}
