package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dukex/flowtrail/pkg/blob"
	"github.com/dukex/flowtrail/pkg/eventbus"
	"github.com/dukex/flowtrail/pkg/events"
	"github.com/dukex/flowtrail/pkg/log"
	"github.com/dukex/flowtrail/pkg/models"
	"github.com/dukex/flowtrail/pkg/otelhelper"
	"github.com/dukex/flowtrail/pkg/persistence"
	"github.com/dukex/flowtrail/pkg/queue"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultUploadConcurrency = 16
	DefaultCommitTimeout     = 30 * time.Second
)

// Config configures a Processor. Zero values take the defaults.
type Config struct {
	UploadConcurrency int
	CommitTimeout     time.Duration
	WorkerID          string
}

// Processor ingests flow payloads.
type Processor struct {
	repo   persistence.FlowRepository
	store  blob.Store
	bus    eventbus.EventPublisher
	tracer trace.Tracer
	cfg    Config
	logger *slog.Logger
}

// NewProcessor creates a processor. bus may be nil, in which case no lifecycle
// events are published.
func NewProcessor(
	repo persistence.FlowRepository,
	store blob.Store,
	bus eventbus.EventPublisher,
	tracer trace.Tracer,
	cfg Config,
	logger *slog.Logger,
) *Processor {
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = DefaultUploadConcurrency
	}

	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = DefaultCommitTimeout
	}

	if tracer == nil {
		tracer = otelhelper.NoopTracer("flowtrail-ingestion")
	}

	return &Processor{
		repo:   repo,
		store:  store,
		bus:    bus,
		tracer: tracer,
		cfg:    cfg,
		logger: logger,
	}
}

// Process validates the job, uploads every observation payload and then
// commits the flow metadata. Jobs that can never succeed fail with an error
// wrapping queue.ErrPermanent.
func (p *Processor) Process(ctx context.Context, job *IngestionJob) (*models.Flow, error) {
	start := time.Now()
	payload := &job.Payload
	flowName := payload.Flow.Name

	ctx, span := otelhelper.StartSpan(ctx, p.tracer, "ingestion.process",
		attribute.String(otelhelper.FlowNameKey, flowName),
		attribute.Int(otelhelper.StepCountKey, len(payload.Steps)),
		attribute.Int(otelhelper.ObservationCountKey, payload.ObservationCount()),
	)
	defer span.End()

	logger := p.jobLogger(ctx).With("flow_name", flowName)

	err := Validate(job)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, newIngestionError(flowName, StageValidate, queue.Permanent(err))
	}

	flow, uploads := build(job)
	span.SetAttributes(attribute.String(otelhelper.FlowIDKey, flow.ID))

	err = p.upload(ctx, flow.ID, uploads)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, newIngestionError(flowName, StageUpload, err)
	}

	stored, created, err := p.commit(ctx, flow)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, newIngestionError(flowName, StageCommit, err)
	}

	duration := time.Since(start)

	if created {
		logger.InfoContext(ctx, "Flow ingested",
			"flow_id", stored.ID,
			"steps", len(flow.Steps),
			"observations", len(uploads),
			"duration", duration,
		)
	} else {
		logger.InfoContext(ctx, "Flow already ingested", "flow_id", stored.ID)
	}

	p.publish(ctx, stored.ID, events.NewFlowIngested(
		flowName, p.cfg.WorkerID, stored.ID, created, stored.StepCount, len(uploads), duration,
	))

	return stored, nil
}

// Handle is the queue.Handler running Process on queued jobs.
func (p *Processor) Handle(ctx context.Context, job *queue.Job) error {
	var ingestionJob IngestionJob

	err := json.Unmarshal(job.Data, &ingestionJob)
	if err != nil {
		return newIngestionError("", StageDecode, queue.Permanent(fmt.Errorf("failed to decode job %s: %w", job.ID, err)))
	}

	_, err = p.Process(ctx, &ingestionJob)

	return err
}

// OnFailed is the queue.FailedHook announcing parked jobs.
func (p *Processor) OnFailed(ctx context.Context, job *queue.Job, cause error) {
	var ingestionJob IngestionJob

	flowName := ""
	if err := json.Unmarshal(job.Data, &ingestionJob); err == nil {
		flowName = ingestionJob.Payload.Flow.Name
	}

	p.publish(ctx, job.ID, events.NewFlowIngestionFailed(flowName, p.cfg.WorkerID, job.ID, job.Attempts, cause))
}

// pendingUpload is one observation payload waiting to be written to blob storage.
type pendingUpload struct {
	observation *models.Observation
	data        []byte
}

func (p *Processor) upload(ctx context.Context, flowID string, uploads []pendingUpload) error {
	ctx, span := otelhelper.StartSpan(ctx, p.tracer, "ingestion.upload",
		attribute.String(otelhelper.FlowIDKey, flowID),
		attribute.Int(otelhelper.ObservationCountKey, len(uploads)),
	)
	defer span.End()

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.cfg.UploadConcurrency)

	for _, upload := range uploads {
		group.Go(func() error {
			observation := upload.observation
			key := blob.ObservationKey(flowID, observation.StepID, observation.Name, observation.Version)

			location, err := p.store.Put(groupCtx, key, upload.data)
			if err != nil {
				return fmt.Errorf("failed to upload observation %s v%d: %w", observation.Name, observation.Version, err)
			}

			observation.BlobURL = location

			return nil
		})
	}

	err := group.Wait()
	if err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	return nil
}

func (p *Processor) commit(ctx context.Context, flow *models.Flow) (*models.Flow, bool, error) {
	ctx, span := otelhelper.StartSpan(ctx, p.tracer, "ingestion.commit", attribute.String(otelhelper.FlowIDKey, flow.ID))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.CommitTimeout)
	defer cancel()

	stored, created, err := p.repo.Ingest(ctx, flow)
	if err != nil {
		otelhelper.SetError(span, err)

		if errors.Is(err, persistence.ErrInvalidFlow) {
			return nil, false, queue.Permanent(err)
		}

		return nil, false, err
	}

	return stored, created, nil
}

func (p *Processor) publish(ctx context.Context, key string, event eventbus.Event) {
	if p.bus == nil {
		return
	}

	err := p.bus.Publish(ctx, key, event)
	if err != nil {
		p.jobLogger(ctx).ErrorContext(ctx, "Failed to publish flow event", "event_type", event.GetType(), "error", err)
	}
}

func (p *Processor) jobLogger(ctx context.Context) *slog.Logger {
	return log.FromContextOr(ctx, p.logger)
}

// build converts the payload into the persisted model with derived identifiers.
// Steps are ordered by position and observations keep their capture order.
func build(job *IngestionJob) (*models.Flow, []pendingUpload) {
	payload := &job.Payload
	flowID := models.FlowID(payload.Flow.Name, job.IdempotencyKey)

	flow := &models.Flow{
		ID:             flowID,
		Name:           payload.Flow.Name,
		IdempotencyKey: job.IdempotencyKey,
		CreatedAt:      payload.Flow.CreatedAt.UTC(),
		FinishedAt:     utcPtr(payload.Flow.FinishedAt),
		StepCount:      len(payload.Steps),
		Steps:          make([]*models.Step, 0, len(payload.Steps)),
	}

	stepPayloads := make([]models.StepPayload, len(payload.Steps))
	copy(stepPayloads, payload.Steps)
	sort.SliceStable(stepPayloads, func(i, j int) bool {
		return stepPayloads[i].Position < stepPayloads[j].Position
	})

	uploads := make([]pendingUpload, 0, payload.ObservationCount())

	for _, stepPayload := range stepPayloads {
		stepID := models.StepID(flowID, stepPayload.Position)

		step := &models.Step{
			ID:           stepID,
			FlowID:       flowID,
			Name:         stepPayload.Name,
			Version:      stepPayload.Version,
			Position:     stepPayload.Position,
			Status:       stepPayload.Status,
			Reason:       stepPayload.Reason,
			CreatedAt:    stepPayload.CreatedAt.UTC(),
			StartedAt:    utcPtr(stepPayload.StartedAt),
			FinishedAt:   utcPtr(stepPayload.FinishedAt),
			Observations: make([]*models.Observation, 0, len(stepPayload.Observations)),
		}

		for position, observationPayload := range stepPayload.Observations {
			createdAt := observationPayload.CreatedAt
			if createdAt.IsZero() {
				createdAt = stepPayload.CreatedAt
			}

			observation := &models.Observation{
				ID:        models.ObservationID(stepID, observationPayload.Name, observationPayload.Version),
				StepID:    stepID,
				Name:      observationPayload.Name,
				Version:   observationPayload.Version,
				Position:  position,
				Queryable: observationPayload.Queryable,
				CreatedAt: createdAt.UTC(),
			}

			step.Observations = append(step.Observations, observation)
			uploads = append(uploads, pendingUpload{observation: observation, data: observationData(observationPayload.Data)})
		}

		flow.Steps = append(flow.Steps, step)
	}

	return flow, uploads
}

func observationData(data json.RawMessage) []byte {
	if len(data) == 0 {
		return []byte("null")
	}

	return data
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	value := t.UTC()

	return &value
}
