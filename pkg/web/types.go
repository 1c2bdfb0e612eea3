// Package web provides HTTP request and response types for the flow API.
package web

import (
	"time"

	"github.com/dukex/flowtrail/pkg/models"
)

// IdempotencyKeyHeader carries the producer's idempotency key on POST /flows.
const IdempotencyKeyHeader = "idempotency-key"

// AcceptedResponse is returned once a flow has been queued for ingestion.
type AcceptedResponse struct {
	Message  string `json:"message"`
	FlowName string `json:"flowName"`
}

// FlowSummary is one row of the flow listing.
type FlowSummary struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"createdAt"`
	FinishedAt *time.Time `json:"finishedAt"`
	StepCount  int        `json:"stepCount"`
}

// ListFlowsResponse is the body of GET /flows.
type ListFlowsResponse struct {
	Flows      []FlowSummary     `json:"flows"`
	Pagination models.Pagination `json:"pagination"`
}

func newFlowSummaries(flows []*models.Flow) []FlowSummary {
	summaries := make([]FlowSummary, 0, len(flows))

	for _, flow := range flows {
		summaries = append(summaries, FlowSummary{
			ID:         flow.ID,
			Name:       flow.Name,
			CreatedAt:  flow.CreatedAt,
			FinishedAt: flow.FinishedAt,
			StepCount:  flow.StepCount,
		})
	}

	return summaries
}
