package trail

import (
	"encoding/json"
	"time"

	"github.com/dukex/flowtrail/pkg/models"
)

// Observation is an immutable snapshot captured within a step.
type Observation struct {
	name      string
	version   int
	step      string
	queryable models.Queryable
	data      json.RawMessage
	createdAt time.Time
}

func (o *Observation) Name() string {
	return o.name
}

func (o *Observation) Version() int {
	return o.version
}

func (o *Observation) Step() string {
	return o.step
}

func (o *Observation) CreatedAt() time.Time {
	return o.createdAt
}

// Data returns a copy of the serialized payload.
func (o *Observation) Data() json.RawMessage {
	data := make(json.RawMessage, len(o.data))
	copy(data, o.data)

	return data
}

// Size is the serialized payload size in bytes.
func (o *Observation) Size() int {
	return len(o.data)
}

func (o *Observation) payload() models.ObservationPayload {
	return models.ObservationPayload{
		Name:      o.name,
		Version:   o.version,
		Step:      o.step,
		Queryable: cloneQueryable(o.queryable),
		CreatedAt: o.createdAt,
		Data:      o.Data(),
	}
}
