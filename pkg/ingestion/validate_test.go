package ingestion

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/dukex/flowtrail/pkg/models"
	"github.com/stretchr/testify/assert"
)

func validJob() *IngestionJob {
	now := time.Now().UTC()

	return &IngestionJob{
		IdempotencyKey: "key",
		Payload: models.FlowPayload{
			Flow: models.FlowHeader{Name: "flow", CreatedAt: now},
			Steps: []models.StepPayload{
				{
					Name: "a", Version: 1, Flow: "flow", CreatedAt: now, Position: 0, Status: models.StepStatusRunning,
					Observations: []models.ObservationPayload{
						{Name: "o", Version: 1, Step: "a", Data: json.RawMessage(`1`)},
					},
				},
				{Name: "a", Version: 2, Flow: "flow", CreatedAt: now, Position: 1, Status: models.StepStatusPending},
			},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(job *IngestionJob)
		wantErr error
	}{
		{name: "valid", mutate: func(*IngestionJob) {}},
		{name: "missing key", mutate: func(job *IngestionJob) { job.IdempotencyKey = "" }, wantErr: ErrMissingIdempotencyKey},
		{
			name:    "unknown status",
			mutate:  func(job *IngestionJob) { job.Payload.Steps[1].Status = "done" },
			wantErr: ErrInvalidStepStatus,
		},
		{
			name:    "duplicate position",
			mutate:  func(job *IngestionJob) { job.Payload.Steps[1].Position = 0 },
			wantErr: ErrDuplicateStep,
		},
		{
			name:    "duplicate step version",
			mutate:  func(job *IngestionJob) { job.Payload.Steps[1].Version = 1 },
			wantErr: ErrDuplicateStep,
		},
		{
			name:    "step of another flow",
			mutate:  func(job *IngestionJob) { job.Payload.Steps[0].Flow = "other" },
			wantErr: ErrStepFlowMismatch,
		},
		{
			name: "duplicate observation",
			mutate: func(job *IngestionJob) {
				step := &job.Payload.Steps[0]
				step.Observations = append(step.Observations, step.Observations[0])
			},
			wantErr: ErrDuplicateObservation,
		},
		{
			name:    "observation of another step",
			mutate:  func(job *IngestionJob) { job.Payload.Steps[0].Observations[0].Step = "b" },
			wantErr: ErrObservationStepMismatch,
		},
		{
			name: "oversized observation",
			mutate: func(job *IngestionJob) {
				job.Payload.Steps[0].Observations[0].Data = json.RawMessage(`"` + strings.Repeat("x", models.MaxObservationSize) + `"`)
			},
			wantErr: ErrObservationTooLarge,
		},
		{
			name:   "nested observation name",
			mutate: func(job *IngestionJob) { job.Payload.Steps[0].Observations[0].Name = "http/response" },
		},
		{
			name:    "parent segment in observation name",
			mutate:  func(job *IngestionJob) { job.Payload.Steps[0].Observations[0].Name = "a/../b" },
			wantErr: ErrInvalidObservationName,
		},
		{
			name:    "observation named parent",
			mutate:  func(job *IngestionJob) { job.Payload.Steps[0].Observations[0].Name = ".." },
			wantErr: ErrInvalidObservationName,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := validJob()
			tt.mutate(job)

			err := Validate(job)
			if tt.wantErr == nil {
				assert.NoError(t, err)

				return
			}

			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidate_StructRules(t *testing.T) {
	job := validJob()
	job.Payload.Flow.Name = ""

	assert.ErrorContains(t, Validate(job), "invalid flow payload")

	job = validJob()
	job.Payload.Steps[0].Observations[0].Version = 0

	assert.ErrorContains(t, Validate(job), "invalid flow payload")
}
