// Package models defines the core domain models for recorded flows, their steps and observations.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// StepStatus represents the lifecycle state of a step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// MaxObservationSize is the largest serialized observation payload accepted, in bytes.
const MaxObservationSize = 10 * 1024 * 1024

// IsValid reports whether s is one of the known step statuses.
func (s StepStatus) IsValid() bool {
	switch s {
	case StepStatusPending, StepStatusRunning, StepStatusCompleted, StepStatusFailed:
		return true
	default:
		return false
	}
}

// ParseStepStatus converts a raw status into a StepStatus.
func ParseStepStatus(raw string) (StepStatus, error) {
	status := StepStatus(raw)
	if !status.IsValid() {
		return "", fmt.Errorf("invalid step status: %q", raw)
	}

	return status, nil
}

// Flow is a persisted flow as read back from the metadata store.
type Flow struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	IdempotencyKey string     `json:"-"`
	CreatedAt      time.Time  `json:"createdAt"`
	FinishedAt     *time.Time `json:"finishedAt"`
	StepCount      int        `json:"stepCount,omitempty"`
	Steps          []*Step    `json:"steps,omitempty"`
}

// Step is a persisted step. Steps are ordered by Position inside their flow.
type Step struct {
	ID           string         `json:"id"`
	FlowID       string         `json:"flowId"`
	Name         string         `json:"name"`
	Version      int            `json:"version"`
	Position     int            `json:"position"`
	Status       StepStatus     `json:"status"`
	Reason       string         `json:"reason"`
	CreatedAt    time.Time      `json:"createdAt"`
	StartedAt    *time.Time     `json:"startedAt"`
	FinishedAt   *time.Time     `json:"finishedAt"`
	Observations []*Observation `json:"observations"`
}

// Observation is a persisted observation. Position is its capture order inside
// the step. Its data lives in blob storage at BlobURL and is only populated on
// the detail-with-data read path.
type Observation struct {
	ID        string          `json:"id"`
	StepID    string          `json:"stepId"`
	Name      string          `json:"name"`
	Version   int             `json:"version"`
	Position  int             `json:"position"`
	BlobURL   string          `json:"blobUrl"`
	Queryable Queryable       `json:"queryable"`
	CreatedAt time.Time       `json:"createdAt"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Pagination describes a page of a listing.
type Pagination struct {
	Total      int `json:"total"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalPages int `json:"totalPages"`
}

// NewPagination computes the pagination block for a listing of total items.
func NewPagination(total, page, limit int) Pagination {
	totalPages := 0
	if limit > 0 {
		totalPages = (total + limit - 1) / limit
	}

	return Pagination{
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: totalPages,
	}
}
