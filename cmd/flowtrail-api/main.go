package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/flowtrail/pkg/cache"
	"github.com/dukex/flowtrail/pkg/cmd"
	"github.com/dukex/flowtrail/pkg/ingestion"
	"github.com/dukex/flowtrail/pkg/log"
	"github.com/dukex/flowtrail/pkg/queue"
	"github.com/dukex/flowtrail/pkg/services"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	flags := append([]cli.Flag{
		&cli.IntFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Usage:   "Port to run the API server on",
			Value:   defaultPort,
			Sources: cli.EnvVars("PORT"),
		},
		&cli.IntFlag{
			Name:    "body-limit",
			Usage:   "Maximum request body size in bytes",
			Value:   DefaultBodyLimit,
			Sources: cli.EnvVars("BODY_LIMIT"),
		},
		&cli.IntFlag{
			Name:    "max-attempts",
			Usage:   "Attempts given to each queued flow before it is parked as failed",
			Value:   queue.DefaultMaxAttempts,
			Sources: cli.EnvVars("INGESTION_MAX_ATTEMPTS"),
		},
		&cli.DurationFlag{
			Name:    "cache-ttl",
			Usage:   "How long observation data stays in the read cache",
			Value:   cache.DefaultTTL,
			Sources: cli.EnvVars("CACHE_TTL"),
		},
	}, cmd.StorageFlags()...)

	command := &cli.Command{
		Name:                  "flowtrail-api",
		Usage:                 "Accept recorded flows and serve them back",
		EnableShellCompletion: true,
		Flags:                 flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("flowtrail-api")

			logger.InfoContext(ctx, "Initializing flowtrail API")

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

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

			ingestionQueue := queue.New(redisClient, queue.Config{
				MaxAttempts: int(command.Int("max-attempts")),
			}, logger)
			producer := ingestion.NewProducer(ingestionQueue, log.WithModule("ingestion_producer"))
			observationCache := cache.New(redisClient, store, logger, cache.WithTTL(command.Duration("cache-ttl")))

			monitor, err := startIngestionMonitor(ctx, command, logger)
			if err != nil {
				return err
			}

			api := NewAPI(
				logger,
				persistence,
				store,
				observationCache,
				producer,
				ingestionQueue,
				monitor,
				int(command.Int("body-limit")),
			)

			err = api.Start(ctx, int(command.Int("port")))
			if err != nil {
				logger.ErrorContext(ctx, "flowtrail API stopped with error", "error", err)

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

// startIngestionMonitor consumes the workers' lifecycle events. It returns a
// nil monitor when no event bus is configured. The bus closes with ctx.
func startIngestionMonitor(ctx context.Context, command *cli.Command, logger *slog.Logger) (*services.IngestionMonitor, error) {
	eventBus, err := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), "flowtrail-api", logger)
	if err != nil {
		return nil, err
	}

	if eventBus == nil {
		return nil, nil //nolint:nilnil // monitoring is optional
	}

	monitor := services.NewIngestionMonitor(log.WithModule("ingestion_monitor"))
	if err := monitor.Register(eventBus); err != nil {
		return nil, errors.Join(err, eventBus.Close())
	}

	if err := eventBus.Subscribe(ctx); err != nil {
		return nil, errors.Join(err, eventBus.Close())
	}

	go func() {
		<-ctx.Done()

		if err := eventBus.Close(); err != nil {
			logger.Error("Failed to close event bus", "error", err)
		}
	}()

	return monitor, nil
}
