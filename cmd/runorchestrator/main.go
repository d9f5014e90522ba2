// Package main is the entry point for the run orchestrator: the process
// that binds the Task Broker, Streaming Bus, and State Store together and
// runs one Run Coordinator per worker, adapted from the platform's
// cmd/orchestrator composition root.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kandev/runorchestrator/internal/common/config"
	"github.com/kandev/runorchestrator/internal/common/database"
	"github.com/kandev/runorchestrator/internal/common/logger"
	"github.com/kandev/runorchestrator/internal/common/tracing"
	"github.com/kandev/runorchestrator/internal/events/bus"
	"github.com/kandev/runorchestrator/internal/runs"
	"github.com/kandev/runorchestrator/internal/runs/broker"
	"github.com/kandev/runorchestrator/internal/runs/coordinator"
	"github.com/kandev/runorchestrator/internal/runs/producer"
	"github.com/kandev/runorchestrator/internal/runs/statuswriter"
	"github.com/kandev/runorchestrator/internal/runs/store"
	"github.com/kandev/runorchestrator/internal/runs/streaming"
)

// closer is the common shutdown shape of both the NATS and in-memory
// deployments' Streaming Bus and Task Broker.
type closer interface {
	Close() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting run orchestrator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracerProvider, err := tracing.Init(ctx, cfg.OTelEndpoint)
	if err != nil {
		log.Fatal("failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracer shutdown error", zap.Error(err))
		}
	}()

	// An empty NATS URL selects the single-binary dev deployment: in-memory
	// Streaming Bus (with no SQLite sink) and Task Broker, and an in-memory
	// State Store, instead of JetStream and PostgreSQL. Production
	// deployments always set nats.url.
	var (
		runStore  store.Store
		streamBus streaming.Bus
		jobBroker broker.Broker
		closers   []closer
	)

	if cfg.NATS.URL == "" {
		log.Warn("nats.url not set, running single-binary dev deployment (in-memory store/bus/broker)")

		pubsub := bus.NewMemoryEventBus(log)
		memBus, err := streaming.NewMemoryBus(pubsub, "")
		if err != nil {
			log.Fatal("failed to initialize in-memory streaming bus", zap.Error(err))
		}
		streamBus = memBus
		closers = append(closers, memBus)

		memBroker := broker.NewMemoryBroker()
		jobBroker = memBroker
		closers = append(closers, memBroker)

		runStore = store.NewMemoryStore()
	} else {
		db, err := database.NewDB(ctx, cfg.Database)
		if err != nil {
			log.Fatal("failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		log.Info("connected to PostgreSQL")
		runStore = store.NewPostgresStore(db)

		nc, err := nats.Connect(cfg.NATS.URL,
			nats.ReconnectWait(cfg.NATS.ReconnectWait),
			nats.MaxReconnects(cfg.NATS.MaxReconnects),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					log.Warn("NATS disconnected", zap.Error(err))
				}
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				log.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
			}),
		)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer nc.Close()
		log.Info("connected to NATS")

		natsBus, err := streaming.NewNATSBus(nc, streaming.NATSBusConfig{
			LockBucket:      "run_locks",
			HeartbeatBucket: "run_heartbeats",
			LockTTL:         cfg.Orchestrator.LockTTL,
			HeartbeatTTL:    cfg.Orchestrator.HeartbeatTTL,
		})
		if err != nil {
			log.Fatal("failed to initialize streaming bus", zap.Error(err))
		}
		streamBus = natsBus
		closers = append(closers, natsBus)

		natsBroker, err := broker.NewNATSBroker(nc, broker.NATSBrokerConfig{
			Stream:      cfg.NATS.StreamName,
			Subject:     "run.jobs",
			DurableName: cfg.NATS.ConsumerName,
			FetchBatch:  1,
		}, log)
		if err != nil {
			log.Fatal("failed to bind task broker consumer", zap.Error(err))
		}
		jobBroker = natsBroker
		closers = append(closers, natsBroker)
	}
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				log.Warn("shutdown: resource close failed", zap.Error(err))
			}
		}
	}()

	writer := statuswriter.New(runStore, statuswriter.Config{
		Retries:   cfg.StatusWriter.Retries,
		BaseDelay: cfg.StatusWriter.BaseDelay,
	}, log)

	dockerCli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		log.Fatal("failed to initialize docker client", zap.Error(err))
	}
	defer dockerCli.Close()

	producers := func(kind runs.Kind) (producer.Producer, error) {
		switch kind {
		case runs.KindAgent:
			return producer.NewAgentProducer(dockerCli, log), nil
		case runs.KindWorkflow:
			return producer.NewWorkflowProducer(log), nil
		default:
			return nil, fmt.Errorf("main: unknown run kind %q", kind)
		}
	}

	instanceID := uuid.New().String()
	log.Info("worker instance assigned", zap.String("instance_id", instanceID))

	coord := coordinator.New(streamBus, runStore, writer, producers, instanceID, cfg.Orchestrator, log)
	coord.SetTracer(tracerProvider.Tracer("coordinator"))

	// Subscriber-facing WebSocket relay (spec §6's subscriber protocol).
	relay := streaming.NewWSRelay(streamBus, log)
	mux := http.NewServeMux()
	mux.Handle("/v1/runs/stream", relay)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // streaming connections are long-lived
	}
	go func() {
		log.Info("HTTP relay listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP relay stopped unexpectedly", zap.Error(err))
		}
	}()

	deliveries, err := jobBroker.Consume(ctx)
	if err != nil {
		log.Fatal("failed to start consuming job deliveries", zap.Error(err))
	}

	log.Info("run orchestrator ready")
	go dispatchLoop(ctx, log, coord, deliveries)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down run orchestrator")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP relay shutdown error", zap.Error(err))
	}

	log.Info("run orchestrator stopped")
}

// dispatchLoop hands each delivered job to the Run Coordinator, one at a
// time per worker goroutine spawned here, and acks/naks per
// SPEC_FULL.md §7's propagation policy: a ClaimAndDrive error (broker/bus
// setup failure, not an ordinary claim conflict or EP failure) is Nak'd for
// redelivery; everything else is Ack'd because the RC already resolved it
// to a terminal outcome (or an intentional no-op abandonment).
func dispatchLoop(ctx context.Context, log *logger.Logger, coord *coordinator.Coordinator, deliveries <-chan broker.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			go func(d broker.Delivery) {
				if err := coord.ClaimAndDrive(ctx, d.Job); err != nil {
					log.Error("claim and drive failed, requesting redelivery",
						zap.String("run_id", d.Job.RunID), zap.Error(err))
					if nakErr := d.Nak(); nakErr != nil {
						log.Warn("nak failed", zap.String("run_id", d.Job.RunID), zap.Error(nakErr))
					}
					return
				}
				if ackErr := d.Ack(); ackErr != nil {
					log.Warn("ack failed", zap.String("run_id", d.Job.RunID), zap.Error(ackErr))
				}
			}(d)
		}
	}
}
