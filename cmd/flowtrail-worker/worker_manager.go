package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukex/flowtrail/pkg/blob"
	"github.com/dukex/flowtrail/pkg/eventbus"
	"github.com/dukex/flowtrail/pkg/ingestion"
	"github.com/dukex/flowtrail/pkg/log"
	"github.com/dukex/flowtrail/pkg/persistence"
	"github.com/dukex/flowtrail/pkg/queue"
	"go.opentelemetry.io/otel/trace"
)

// WorkerConfig tunes the ingestion worker pool.
type WorkerConfig struct {
	Concurrency       int
	RateLimit         float64
	ShutdownTimeout   time.Duration
	UploadConcurrency int
	CommitTimeout     time.Duration
}

// WorkerManager runs the ingestion processor on a pool of queue consumers.
type WorkerManager struct {
	id       string
	logger   *slog.Logger
	queue    *queue.Queue
	consumer *queue.Consumer
}

func NewWorkerManager(
	id string,
	queueInstance *queue.Queue,
	repository persistence.FlowRepository,
	store blob.Store,
	eventBus eventbus.EventBus,
	tracer trace.Tracer,
	cfg WorkerConfig,
	logger *slog.Logger,
) *WorkerManager {
	logger = logger.With("module", "flowtrail-worker", "worker_id", id)

	var publisher eventbus.EventPublisher
	if eventBus != nil {
		publisher = eventBus
	}

	processor := ingestion.NewProcessor(
		repository,
		store,
		publisher,
		tracer,
		ingestion.Config{
			UploadConcurrency: cfg.UploadConcurrency,
			CommitTimeout:     cfg.CommitTimeout,
			WorkerID:          id,
		},
		log.WithModule("ingestion_processor").With("worker_id", id),
	)

	consumer := queue.NewConsumer(queueInstance, processor.Handle, queue.ConsumerConfig{
		Concurrency:     cfg.Concurrency,
		RateLimit:       cfg.RateLimit,
		ShutdownTimeout: cfg.ShutdownTimeout,
		WorkerID:        id,
		OnFailed:        processor.OnFailed,
	}, logger)

	return &WorkerManager{
		id:       id,
		logger:   logger,
		queue:    queueInstance,
		consumer: consumer,
	}
}

// Start consumes ingestion jobs until ctx is cancelled, then drains the pool.
func (w *WorkerManager) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting worker manager")

	err := w.consumer.Start(ctx)
	if err != nil {
		return err
	}

	counts, err := w.queue.Counts(ctx)
	if err != nil {
		w.logger.WarnContext(ctx, "Failed to read queue counts", "error", err)
	} else {
		w.logger.InfoContext(ctx, "Worker started successfully",
			"waiting", counts.Waiting,
			"delayed", counts.Delayed,
			"failed", counts.Failed,
		)
	}

	<-ctx.Done()
	w.logger.InfoContext(ctx, "Shutting down worker...")

	return w.consumer.Stop(context.WithoutCancel(ctx))
}
