package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowtrail/pkg/models"
	"github.com/dukex/flowtrail/pkg/persistence"
	"github.com/lib/pq"
)

// FlowRepository handles flow-related database operations.
type FlowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewFlowRepository creates a new flow repository.
func NewFlowRepository(db *sql.DB, logger *slog.Logger) *FlowRepository {
	return &FlowRepository{db: db, logger: logger}
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Ingest stores the flow graph in one transaction. Concurrent duplicates are
// resolved by the unique (name, idempotency_key) constraint: the loser's
// insert does nothing and it returns the winner's row.
func (r *FlowRepository) Ingest(ctx context.Context, flow *models.Flow) (*models.Flow, bool, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, false, persistence.NewFlowError("Ingest", flow.ID, fmt.Errorf("failed to begin transaction: %w", err))
	}

	defer func() {
		_ = tx.Rollback()
	}()

	existing, err := r.findByIdempotencyKey(ctx, tx, flow.Name, flow.IdempotencyKey)
	if err != nil {
		return nil, false, persistence.NewFlowError("Ingest", flow.ID, err)
	}

	if existing != nil {
		return existing, false, nil
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO flows (id, name, idempotency_key, created_at, finished_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING
	`, flow.ID, flow.Name, flow.IdempotencyKey, flow.CreatedAt, nullTime(flow.FinishedAt))
	if err != nil {
		return nil, false, persistence.NewFlowError("Ingest", flow.ID, fmt.Errorf("failed to insert flow: %w", err))
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, false, persistence.NewFlowError("Ingest", flow.ID, fmt.Errorf("failed to read insert result: %w", err))
	}

	if inserted == 0 {
		r.logger.InfoContext(ctx, "Concurrent duplicate flow detected", "flow_id", flow.ID, "flow_name", flow.Name)

		existing, err := r.findByIdempotencyKey(ctx, tx, flow.Name, flow.IdempotencyKey)
		if err != nil {
			return nil, false, persistence.NewFlowError("Ingest", flow.ID, err)
		}

		if existing == nil {
			return nil, false, persistence.NewFlowError("Ingest", flow.ID,
				fmt.Errorf("%w: id conflicts with a flow of another submission", persistence.ErrInvalidFlow))
		}

		return existing, false, nil
	}

	err = r.insertSteps(ctx, tx, flow)
	if err != nil {
		return nil, false, persistence.NewFlowError("Ingest", flow.ID, err)
	}

	err = r.insertObservations(ctx, tx, flow)
	if err != nil {
		return nil, false, persistence.NewFlowError("Ingest", flow.ID, err)
	}

	err = tx.Commit()
	if err != nil {
		return nil, false, persistence.NewFlowError("Ingest", flow.ID, fmt.Errorf("failed to commit transaction: %w", err))
	}

	stored := *flow
	stored.Steps = nil
	stored.StepCount = len(flow.Steps)

	return &stored, true, nil
}

func (r *FlowRepository) findByIdempotencyKey(ctx context.Context, tx *sql.Tx, name, key string) (*models.Flow, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT
			f.id
		  , f.name
		  , f.idempotency_key
		  , f.created_at
		  , f.finished_at
		  , (SELECT COUNT(*) FROM steps s WHERE s.flow_id = f.id)
		FROM flows f
		WHERE f.name = $1 AND f.idempotency_key = $2
	`, name, key)

	flow, err := scanFlow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to look up flow by idempotency key: %w", err)
	}

	return flow, nil
}

func (r *FlowRepository) insertSteps(ctx context.Context, tx *sql.Tx, flow *models.Flow) error {
	if len(flow.Steps) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("steps",
		"id", "flow_id", "name", "version", "position", "status", "reason", "created_at", "started_at", "finished_at",
	))
	if err != nil {
		return fmt.Errorf("failed to prepare step copy: %w", err)
	}

	defer func() {
		_ = stmt.Close()
	}()

	for _, step := range flow.Steps {
		_, err := stmt.ExecContext(ctx,
			step.ID, flow.ID, step.Name, step.Version, step.Position, string(step.Status), step.Reason,
			step.CreatedAt, nullTime(step.StartedAt), nullTime(step.FinishedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to copy step %q: %w", step.Name, err)
		}
	}

	if _, err := stmt.ExecContext(ctx); err != nil {
		return fmt.Errorf("failed to insert steps: %w", err)
	}

	return nil
}

func (r *FlowRepository) insertObservations(ctx context.Context, tx *sql.Tx, flow *models.Flow) error {
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("observations",
		"id", "step_id", "name", "version", "position", "blob_url", "queryable", "created_at",
	))
	if err != nil {
		return fmt.Errorf("failed to prepare observation copy: %w", err)
	}

	defer func() {
		_ = stmt.Close()
	}()

	for _, step := range flow.Steps {
		for _, observation := range step.Observations {
			queryable, err := queryableColumn(observation.Queryable)
			if err != nil {
				return fmt.Errorf("failed to encode queryable of %q: %w", observation.Name, err)
			}

			_, err = stmt.ExecContext(ctx,
				observation.ID, step.ID, observation.Name, observation.Version, observation.Position,
				observation.BlobURL, queryable, observation.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to copy observation %q: %w", observation.Name, err)
			}
		}
	}

	if _, err := stmt.ExecContext(ctx); err != nil {
		return fmt.Errorf("failed to insert observations: %w", err)
	}

	return nil
}

// List returns flow headers ordered by creation time, newest first.
func (r *FlowRepository) List(ctx context.Context, opts persistence.ListFlowsOptions) (*persistence.FlowListResult, error) {
	opts = opts.Normalize()

	var total int64

	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM flows").Scan(&total)
	if err != nil {
		return nil, persistence.NewFlowError("List", "", fmt.Errorf("failed to count flows: %w", err))
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT
			f.id
		  , f.name
		  , f.idempotency_key
		  , f.created_at
		  , f.finished_at
		  , (SELECT COUNT(*) FROM steps s WHERE s.flow_id = f.id)
		FROM flows f
		ORDER BY f.created_at DESC, f.id
		LIMIT $1 OFFSET $2
	`, opts.Limit, opts.Offset)
	if err != nil {
		return nil, persistence.NewFlowError("List", "", fmt.Errorf("failed to query flows: %w", err))
	}

	defer func(ctx context.Context, r *FlowRepository) {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}(ctx, r)

	flows := make([]*models.Flow, 0, opts.Limit)

	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, persistence.NewFlowError("List", "", fmt.Errorf("failed to scan flow: %w", err))
		}

		flows = append(flows, flow)
	}

	err = rows.Err()
	if err != nil {
		return nil, persistence.NewFlowError("List", "", fmt.Errorf("error iterating flows: %w", err))
	}

	return &persistence.FlowListResult{Flows: flows, TotalCount: total}, nil
}

// GetByID loads the full flow graph.
func (r *FlowRepository) GetByID(ctx context.Context, id string) (*models.Flow, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT
			f.id
		  , f.name
		  , f.idempotency_key
		  , f.created_at
		  , f.finished_at
		  , (SELECT COUNT(*) FROM steps s WHERE s.flow_id = f.id)
		FROM flows f
		WHERE f.id = $1
	`, id)

	flow, err := scanFlow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewFlowError("GetByID", id, persistence.ErrFlowNotFound)
	}

	if err != nil {
		return nil, persistence.NewFlowError("GetByID", id, fmt.Errorf("failed to scan flow: %w", err))
	}

	steps, err := r.loadSteps(ctx, id)
	if err != nil {
		return nil, persistence.NewFlowError("GetByID", id, err)
	}

	err = r.loadObservations(ctx, id, steps)
	if err != nil {
		return nil, persistence.NewFlowError("GetByID", id, err)
	}

	flow.Steps = steps

	return flow, nil
}

func (r *FlowRepository) loadSteps(ctx context.Context, flowID string) ([]*models.Step, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT
			id
		  , flow_id
		  , name
		  , version
		  , position
		  , status
		  , reason
		  , created_at
		  , started_at
		  , finished_at
		FROM steps
		WHERE flow_id = $1
		ORDER BY position
	`, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	steps := make([]*models.Step, 0)

	for rows.Next() {
		var (
			step       models.Step
			status     string
			startedAt  sql.NullTime
			finishedAt sql.NullTime
		)

		err := rows.Scan(
			&step.ID, &step.FlowID, &step.Name, &step.Version, &step.Position, &status, &step.Reason,
			&step.CreatedAt, &startedAt, &finishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}

		step.Status = models.StepStatus(status)
		step.CreatedAt = step.CreatedAt.UTC()
		step.StartedAt = timePtr(startedAt)
		step.FinishedAt = timePtr(finishedAt)
		step.Observations = make([]*models.Observation, 0)

		steps = append(steps, &step)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}

	return steps, nil
}

func (r *FlowRepository) loadObservations(ctx context.Context, flowID string, steps []*models.Step) error {
	byID := make(map[string]*models.Step, len(steps))
	for _, step := range steps {
		byID[step.ID] = step
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT
			o.id
		  , o.step_id
		  , o.name
		  , o.version
		  , o.position
		  , o.blob_url
		  , o.queryable
		  , o.created_at
		FROM observations o
		JOIN steps s ON s.id = o.step_id
		WHERE s.flow_id = $1
		ORDER BY s.position, o.position
	`, flowID)
	if err != nil {
		return fmt.Errorf("failed to query observations: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		observation, err := scanObservation(rows)
		if err != nil {
			return err
		}

		if step, ok := byID[observation.StepID]; ok {
			step.Observations = append(step.Observations, observation)
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating observations: %w", err)
	}

	return nil
}

// ObservationByID returns an observation that belongs to flowID.
func (r *FlowRepository) ObservationByID(ctx context.Context, flowID, observationID string) (*models.Observation, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT
			o.id
		  , o.step_id
		  , o.name
		  , o.version
		  , o.position
		  , o.blob_url
		  , o.queryable
		  , o.created_at
		FROM observations o
		JOIN steps s ON s.id = o.step_id
		WHERE s.flow_id = $1 AND o.id = $2
	`, flowID, observationID)

	observation, err := scanObservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewFlowError("ObservationByID", flowID, persistence.ErrObservationNotFound)
	}

	if err != nil {
		return nil, persistence.NewFlowError("ObservationByID", flowID, err)
	}

	return observation, nil
}

func scanFlow(row rowScanner) (*models.Flow, error) {
	var (
		flow       models.Flow
		finishedAt sql.NullTime
	)

	err := row.Scan(&flow.ID, &flow.Name, &flow.IdempotencyKey, &flow.CreatedAt, &finishedAt, &flow.StepCount)
	if err != nil {
		return nil, err
	}

	flow.CreatedAt = flow.CreatedAt.UTC()
	flow.FinishedAt = timePtr(finishedAt)

	return &flow, nil
}

func scanObservation(row rowScanner) (*models.Observation, error) {
	var (
		observation models.Observation
		queryable   []byte
	)

	err := row.Scan(
		&observation.ID, &observation.StepID, &observation.Name, &observation.Version, &observation.Position,
		&observation.BlobURL, &queryable, &observation.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan observation: %w", err)
	}

	observation.CreatedAt = observation.CreatedAt.UTC()

	if len(queryable) > 0 {
		err := json.Unmarshal(queryable, &observation.Queryable)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal queryable of observation %s: %w", observation.ID, err)
		}
	}

	return &observation, nil
}

// queryableColumn renders the JSONB value; lib/pq sends strings as text.
func queryableColumn(queryable models.Queryable) (any, error) {
	if queryable == nil {
		return nil, nil
	}

	data, err := json.Marshal(queryable)
	if err != nil {
		return nil, err
	}

	return string(data), nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}

	return *t
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}

	value := t.Time.UTC()

	return &value
}
