package ingestion

import (
	"errors"
	"fmt"
)

// ErrIngestionFailed matches every error returned by the processor.
var ErrIngestionFailed = errors.New("flow ingestion failed")

// Ingestion stages reported in IngestionError.
const (
	StageDecode   = "decode"
	StageValidate = "validate"
	StageUpload   = "upload"
	StageCommit   = "commit"
)

// IngestionError reports the stage at which a flow failed to ingest.
type IngestionError struct {
	FlowName string
	Stage    string
	Err      error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingestion of flow %q failed at %s: %v", e.FlowName, e.Stage, e.Err)
}

func (e *IngestionError) Unwrap() error {
	return e.Err
}

func (e *IngestionError) Is(target error) bool {
	return target == ErrIngestionFailed
}

func newIngestionError(flowName, stage string, err error) *IngestionError {
	return &IngestionError{FlowName: flowName, Stage: stage, Err: err}
}
