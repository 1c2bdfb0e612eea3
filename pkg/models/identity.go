package models

import (
	"strconv"

	"github.com/google/uuid"
)

// identityNamespace roots every derived identifier.
var identityNamespace = uuid.MustParse("5a0f8a5e-3f4c-4d52-9a43-6c1f0b7e2d11")

// FlowID derives the identifier of the flow submitted under (name, idempotencyKey).
// Every delivery of the same submission maps to the same identifiers, so
// redelivered jobs write to the same blob keys.
func FlowID(name, idempotencyKey string) string {
	return derive(identityNamespace, name, idempotencyKey)
}

// StepID derives the identifier of the step at position inside flowID.
func StepID(flowID string, position int) string {
	return derive(uuid.MustParse(flowID), "step", strconv.Itoa(position))
}

// ObservationID derives the identifier of an observation inside stepID.
func ObservationID(stepID, name string, version int) string {
	return derive(uuid.MustParse(stepID), "observation", name, strconv.Itoa(version))
}

func derive(namespace uuid.UUID, parts ...string) string {
	data := make([]byte, 0, 64)
	for _, part := range parts {
		data = strconv.AppendInt(data, int64(len(part)), 10)
		data = append(data, ':')
		data = append(data, part...)
	}

	return uuid.NewSHA1(namespace, data).String()
}
