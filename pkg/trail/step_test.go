package trail

import (
	"errors"
	"strings"
	"testing"

	"github.com/dukex/flowtrail/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStep(t *testing.T) *Step {
	t.Helper()

	flow, err := NewFlow("pipeline")
	require.NoError(t, err)

	step, err := flow.CreateStep("plan")
	require.NoError(t, err)

	return step
}

func TestCapture_VersionsPerName(t *testing.T) {
	step := newStep(t)

	input, err := step.Capture("input", "a", nil)
	require.NoError(t, err)
	output, err := step.Capture("output", "b", nil)
	require.NoError(t, err)
	again, err := step.Capture("input", "c", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, input.Version())
	assert.Equal(t, 1, output.Version())
	assert.Equal(t, 2, again.Version())
	assert.Equal(t, "plan", again.Step())
	assert.Equal(t, `"c"`, string(again.Data()))

	observations := step.Observations()
	require.Len(t, observations, 3)
	assert.Equal(t, []string{"input", "output", "input"}, []string{
		observations[0].Name(), observations[1].Name(), observations[2].Name(),
	})
}

func TestCapture_SizeExceeded(t *testing.T) {
	step := newStep(t)

	// Two bytes of quotes push the serialized string past the limit.
	oversized := strings.Repeat("x", models.MaxObservationSize-1)

	_, err := step.Capture("big", oversized, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSizeExceeded)

	var sizeErr *SizeExceededError
	require.True(t, errors.As(err, &sizeErr))
	assert.Equal(t, "big", sizeErr.Observation)
	assert.Equal(t, models.MaxObservationSize+1, sizeErr.Size)
	assert.Equal(t, models.MaxObservationSize, sizeErr.Limit)

	assert.Empty(t, step.Observations())

	small, err := step.Capture("big", "ok", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, small.Version())
}

func TestCapture_AtLimitIsAccepted(t *testing.T) {
	step := newStep(t)

	exact := strings.Repeat("x", models.MaxObservationSize-2)

	observation, err := step.Capture("edge", exact, nil)
	require.NoError(t, err)
	assert.Equal(t, models.MaxObservationSize, observation.Size())
}

func TestCapture_Validation(t *testing.T) {
	step := newStep(t)

	_, err := step.Capture("", 1, nil)
	require.ErrorIs(t, err, ErrInvalidName)

	_, err = step.Capture("bad", func() {}, nil)
	require.Error(t, err)

	_, err = step.Capture("typed", []int{1}, models.Queryable{"a": "date"})
	require.Error(t, err)

	observation, err := step.Capture("nullable", []int{1}, models.Queryable{"a": ""})
	require.NoError(t, err)
	assert.Equal(t, 1, observation.Version())
	assert.Len(t, step.Observations(), 1)
}

func TestStepFinish_FirstCallWins(t *testing.T) {
	step := newStep(t)

	require.NoError(t, step.Finish(models.StepStatusFailed, "timeout"))
	finishedAt := step.FinishedAt()
	require.NotNil(t, finishedAt)

	require.NoError(t, step.Finish(models.StepStatusCompleted, "ok"))

	assert.Equal(t, models.StepStatusFailed, step.Status())
	assert.Equal(t, "timeout", step.Reason())
	assert.Equal(t, finishedAt, step.FinishedAt())
}

func TestStepFinish_InvalidStatus(t *testing.T) {
	step := newStep(t)

	err := step.Finish("skipped", "")
	require.ErrorIs(t, err, ErrInvalidStepStatus)
	assert.Nil(t, step.FinishedAt())
	assert.Equal(t, models.StepStatusRunning, step.Status())
}
