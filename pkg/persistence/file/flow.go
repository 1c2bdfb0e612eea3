package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dukex/flowtrail/pkg/models"
	"github.com/dukex/flowtrail/pkg/persistence"
)

// flowRecord is the on-disk shape of a flow. The idempotency key is not part
// of the flow's JSON form, so it is kept alongside it.
type flowRecord struct {
	IdempotencyKey string       `json:"idempotencyKey"`
	Flow           *models.Flow `json:"flow"`
}

// FlowRepository stores each flow graph in its own JSON file. Flow identifiers
// are derived from (name, idempotency key), so a file that already exists for
// the identifier is the earlier submission.
type FlowRepository struct {
	root string
	mu   sync.RWMutex
}

// NewFlowRepository creates a new flow repository.
func NewFlowRepository(root string) *FlowRepository {
	return &FlowRepository{root: root}
}

func (fr *FlowRepository) dir() string {
	return path.Join(fr.root, "flows")
}

func (fr *FlowRepository) filePath(id string) string {
	return filepath.Clean(path.Join(fr.dir(), id+".json"))
}

// Ingest writes flow unless a flow with the same identifier exists.
func (fr *FlowRepository) Ingest(_ context.Context, flow *models.Flow) (*models.Flow, bool, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	existing, err := fr.read(flow.ID)
	if err != nil {
		return nil, false, persistence.NewFlowError("Ingest", flow.ID, err)
	}

	if existing != nil {
		if existing.Flow.Name != flow.Name || existing.IdempotencyKey != flow.IdempotencyKey {
			return nil, false, persistence.NewFlowError("Ingest", flow.ID,
				fmt.Errorf("%w: id conflicts with a flow of another submission", persistence.ErrInvalidFlow))
		}

		return header(existing), false, nil
	}

	err = os.MkdirAll(fr.dir(), 0750)
	if err != nil {
		return nil, false, persistence.NewFlowError("Ingest", flow.ID, fmt.Errorf("failed to create flows directory: %w", err))
	}

	stored := *flow
	stored.StepCount = len(flow.Steps)

	data, err := json.MarshalIndent(flowRecord{IdempotencyKey: flow.IdempotencyKey, Flow: &stored}, "", "  ")
	if err != nil {
		return nil, false, persistence.NewFlowError("Ingest", flow.ID, fmt.Errorf("failed to marshal flow: %w", err))
	}

	tmp := fr.filePath(flow.ID) + ".tmp"

	err = os.WriteFile(tmp, data, 0600)
	if err != nil {
		return nil, false, persistence.NewFlowError("Ingest", flow.ID, fmt.Errorf("failed to write flow: %w", err))
	}

	err = os.Rename(tmp, fr.filePath(flow.ID))
	if err != nil {
		_ = os.Remove(tmp)

		return nil, false, persistence.NewFlowError("Ingest", flow.ID, fmt.Errorf("failed to commit flow: %w", err))
	}

	return header(&flowRecord{IdempotencyKey: flow.IdempotencyKey, Flow: &stored}), true, nil
}

// List returns paginated flow headers, newest first.
func (fr *FlowRepository) List(_ context.Context, opts persistence.ListFlowsOptions) (*persistence.FlowListResult, error) {
	opts = opts.Normalize()

	fr.mu.RLock()
	defer fr.mu.RUnlock()

	jsonFiles, err := fs.Glob(os.DirFS(fr.dir()), "*.json")
	if err != nil {
		return nil, persistence.NewFlowError("List", "", fmt.Errorf("failed to list flow files: %w", err))
	}

	flows := make([]*models.Flow, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		flowID := file[:len(file)-5] // Remove .json extension

		record, err := fr.read(flowID)
		if err != nil {
			return nil, persistence.NewFlowError("List", flowID, err)
		}

		if record != nil {
			flows = append(flows, header(record))
		}
	}

	sort.Slice(flows, func(i, j int) bool {
		if flows[i].CreatedAt.Equal(flows[j].CreatedAt) {
			return flows[i].ID < flows[j].ID
		}

		return flows[i].CreatedAt.After(flows[j].CreatedAt)
	})

	total := int64(len(flows))

	if opts.Offset >= len(flows) {
		return &persistence.FlowListResult{Flows: make([]*models.Flow, 0), TotalCount: total}, nil
	}

	end := min(opts.Offset+opts.Limit, len(flows))

	return &persistence.FlowListResult{Flows: flows[opts.Offset:end], TotalCount: total}, nil
}

// GetByID returns the full flow graph.
func (fr *FlowRepository) GetByID(_ context.Context, id string) (*models.Flow, error) {
	fr.mu.RLock()
	defer fr.mu.RUnlock()

	record, err := fr.read(id)
	if err != nil {
		return nil, persistence.NewFlowError("GetByID", id, err)
	}

	if record == nil {
		return nil, persistence.NewFlowError("GetByID", id, persistence.ErrFlowNotFound)
	}

	return record.Flow, nil
}

// ObservationByID searches the flow's steps for the observation.
func (fr *FlowRepository) ObservationByID(ctx context.Context, flowID, observationID string) (*models.Observation, error) {
	flow, err := fr.GetByID(ctx, flowID)
	if err != nil {
		if persistence.IsFlowNotFound(err) {
			return nil, persistence.NewFlowError("ObservationByID", flowID, persistence.ErrObservationNotFound)
		}

		return nil, err
	}

	for _, step := range flow.Steps {
		for _, observation := range step.Observations {
			if observation.ID == observationID {
				return observation, nil
			}
		}
	}

	return nil, persistence.NewFlowError("ObservationByID", flowID, persistence.ErrObservationNotFound)
}

func (fr *FlowRepository) read(id string) (*flowRecord, error) {
	body, err := os.ReadFile(fr.filePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to fetch flow %s: %w", id, err)
	}

	var record flowRecord

	err = json.Unmarshal(body, &record)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow %s: %w", id, err)
	}

	if record.Flow == nil {
		return nil, fmt.Errorf("flow file %s has no flow", id)
	}

	record.Flow.IdempotencyKey = record.IdempotencyKey

	return &record, nil
}

func header(record *flowRecord) *models.Flow {
	flow := *record.Flow
	flow.IdempotencyKey = record.IdempotencyKey
	flow.StepCount = len(record.Flow.Steps)
	flow.Steps = nil

	return &flow
}
