// Package main runs the flowtrail ingestion worker.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/flowtrail/pkg/cmd"
	"github.com/dukex/flowtrail/pkg/ingestion"
	"github.com/dukex/flowtrail/pkg/log"
	"github.com/dukex/flowtrail/pkg/queue"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
)

func main() {
	flags := append([]cli.Flag{
		&cli.StringFlag{
			Name:    "worker-id",
			Aliases: []string{"id"},
			Usage:   "Custom worker ID (auto-generated if not provided)",
			Value:   "",
			Sources: cli.EnvVars("WORKER_ID"),
		},
		&cli.IntFlag{
			Name:    "concurrency",
			Usage:   "Number of jobs processed in parallel",
			Value:   queue.DefaultConcurrency,
			Sources: cli.EnvVars("WORKER_CONCURRENCY"),
		},
		&cli.FloatFlag{
			Name:    "rate-limit",
			Usage:   "Maximum jobs started per second",
			Value:   queue.DefaultRateLimit,
			Sources: cli.EnvVars("WORKER_RATE_LIMIT"),
		},
		&cli.DurationFlag{
			Name:    "shutdown-timeout",
			Usage:   "How long in-flight jobs may run after a shutdown signal",
			Value:   queue.DefaultShutdownTimeout,
			Sources: cli.EnvVars("WORKER_SHUTDOWN_TIMEOUT"),
		},
		&cli.IntFlag{
			Name:    "upload-concurrency",
			Usage:   "Parallel observation uploads per flow",
			Value:   ingestion.DefaultUploadConcurrency,
			Sources: cli.EnvVars("UPLOAD_CONCURRENCY"),
		},
		&cli.DurationFlag{
			Name:    "commit-timeout",
			Usage:   "Timeout of the metadata transaction",
			Value:   ingestion.DefaultCommitTimeout,
			Sources: cli.EnvVars("COMMIT_TIMEOUT"),
		},
	}, cmd.StorageFlags()...)

	command := &cli.Command{
		Name:                  "flowtrail-worker",
		EnableShellCompletion: true,
		Usage:                 "Start workers that ingest queued flows",
		Flags:                 flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("flowtrail-worker").With("workerId", workerID)

			logger.InfoContext(ctx, "Initializing flowtrail worker")

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// Closed in reverse on exit: redis, event bus, persistence, tracer.
			tracer, shutdownTracer := cmd.NewTracer(ctx, logger, "flowtrail-worker", command.Bool("tracing"))
			defer func() {
				err := shutdownTracer(context.Background())
				if err != nil {
					logger.ErrorContext(ctx, "Failed to flush traces", "error", err)
				}
			}()

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				err := persistence.Close(context.Background())
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), "flowtrail-worker", logger)
			if err != nil {
				return err
			}

			if eventBus != nil {
				defer func() {
					err := eventBus.Close()
					if err != nil {
						logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
					}
				}()
			}

			store, err := cmd.NewBlobStore(ctx, logger, command.String("blob-url"), cmd.S3Config(command))
			if err != nil {
				return err
			}

			redisClient, err := cmd.NewRedisClient(ctx, command.String("redis-url"))
			if err != nil {
				return err
			}

			defer func() {
				err := redisClient.Close()
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close redis client", "error", err)
				}
			}()

			ingestionQueue := queue.New(redisClient, queue.Config{}, logger)

			worker := NewWorkerManager(
				workerID,
				ingestionQueue,
				persistence.FlowRepository(),
				store,
				eventBus,
				tracer,
				WorkerConfig{
					Concurrency:       int(command.Int("concurrency")),
					RateLimit:         command.Float("rate-limit"),
					ShutdownTimeout:   command.Duration("shutdown-timeout"),
					UploadConcurrency: int(command.Int("upload-concurrency")),
					CommitTimeout:     command.Duration("commit-timeout"),
				},
				logger,
			)

			err = worker.Start(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "Worker stopped with error", "error", err)

				return err
			}

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
