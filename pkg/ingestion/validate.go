package ingestion

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dukex/flowtrail/pkg/models"
	"github.com/go-playground/validator/v10"
)

var (
	ErrInvalidStepStatus       = errors.New("invalid step status")
	ErrDuplicateStep           = errors.New("duplicate step")
	ErrDuplicateObservation    = errors.New("duplicate observation")
	ErrObservationTooLarge     = errors.New("observation data exceeds the size limit")
	ErrInvalidQueryableType    = errors.New("invalid queryable type")
	ErrStepFlowMismatch        = errors.New("step belongs to another flow")
	ErrObservationStepMismatch = errors.New("observation belongs to another step")
	ErrInvalidObservationName  = errors.New("invalid observation name")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate rejects jobs the metadata store could never accept. It returns the
// first violation found, checking steps in submission order.
func Validate(job *IngestionJob) error {
	if job.IdempotencyKey == "" {
		return ErrMissingIdempotencyKey
	}

	payload := &job.Payload

	err := validate.Struct(payload)
	if err != nil {
		return fmt.Errorf("invalid flow payload: %w", err)
	}

	positions := make(map[int]struct{}, len(payload.Steps))
	versions := make(map[string]struct{}, len(payload.Steps))

	for _, step := range payload.Steps {
		if !step.Status.IsValid() {
			return fmt.Errorf("%w: %q on step %s v%d", ErrInvalidStepStatus, step.Status, step.Name, step.Version)
		}

		if step.Flow != payload.Flow.Name {
			return fmt.Errorf("%w: step %s v%d names flow %q", ErrStepFlowMismatch, step.Name, step.Version, step.Flow)
		}

		if _, ok := positions[step.Position]; ok {
			return fmt.Errorf("%w: position %d", ErrDuplicateStep, step.Position)
		}

		positions[step.Position] = struct{}{}

		stepVersion := fmt.Sprintf("%s\x00%d", step.Name, step.Version)
		if _, ok := versions[stepVersion]; ok {
			return fmt.Errorf("%w: %s v%d", ErrDuplicateStep, step.Name, step.Version)
		}

		versions[stepVersion] = struct{}{}

		err := validateObservations(step)
		if err != nil {
			return err
		}
	}

	return nil
}

func validateObservations(step models.StepPayload) error {
	seen := make(map[string]struct{}, len(step.Observations))

	for _, observation := range step.Observations {
		if observation.Step != step.Name {
			return fmt.Errorf("%w: observation %s v%d names step %q", ErrObservationStepMismatch, observation.Name, observation.Version, observation.Step)
		}

		if !validObservationName(observation.Name) {
			return fmt.Errorf("%w: %q in step %s v%d", ErrInvalidObservationName, observation.Name, step.Name, step.Version)
		}

		key := fmt.Sprintf("%s\x00%d", observation.Name, observation.Version)
		if _, ok := seen[key]; ok {
			return fmt.Errorf("%w: %s v%d in step %s v%d", ErrDuplicateObservation, observation.Name, observation.Version, step.Name, step.Version)
		}

		seen[key] = struct{}{}

		if len(observation.Data) > models.MaxObservationSize {
			return fmt.Errorf("%w: %s v%d is %d bytes", ErrObservationTooLarge, observation.Name, observation.Version, len(observation.Data))
		}

		for path, declared := range observation.Queryable {
			if declared != "" && !declared.IsValid() {
				return fmt.Errorf("%w: %q for %s", ErrInvalidQueryableType, declared, path)
			}
		}
	}

	return nil
}

// validObservationName reports whether name can be embedded in a blob key.
// Names may contain slashes but no parent directory segment.
func validObservationName(name string) bool {
	for _, segment := range strings.Split(name, "/") {
		if segment == ".." {
			return false
		}
	}

	return true
}
