package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/flowtrail/pkg/eventbus"
	"github.com/dukex/flowtrail/pkg/events"
)

// DefaultRecentFailures bounds how many parked jobs the monitor remembers.
const DefaultRecentFailures = 20

// FailureRecord describes one job parked after exhausting its attempts.
type FailureRecord struct {
	JobID    string    `json:"job_id"`
	FlowName string    `json:"flow_name"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	At       time.Time `json:"at"`
}

// IngestionStats is a snapshot of the lifecycle events seen since start.
type IngestionStats struct {
	Ingested       int64           `json:"ingested"`
	Duplicates     int64           `json:"duplicates"`
	Failed         int64           `json:"failed"`
	RecentFailures []FailureRecord `json:"recent_failures"`
}

// IngestionMonitor counts the lifecycle events workers publish.
type IngestionMonitor struct {
	logger *slog.Logger

	mu    sync.Mutex
	stats IngestionStats
}

func NewIngestionMonitor(logger *slog.Logger) *IngestionMonitor {
	return &IngestionMonitor{
		logger: logger,
		stats:  IngestionStats{RecentFailures: []FailureRecord{}},
	}
}

// Register installs the monitor's handlers on bus. It must be called before
// the bus starts consuming.
func (m *IngestionMonitor) Register(bus eventbus.EventSubscriber) error {
	if err := bus.Handle(events.FlowIngestedEvent, m.onIngested); err != nil {
		return fmt.Errorf("failed to register %s handler: %w", events.FlowIngestedEvent, err)
	}

	if err := bus.Handle(events.FlowIngestionFailedEvent, m.onFailed); err != nil {
		return fmt.Errorf("failed to register %s handler: %w", events.FlowIngestionFailedEvent, err)
	}

	return nil
}

// Stats returns a copy of the current counters.
func (m *IngestionMonitor) Stats() IngestionStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.stats
	stats.RecentFailures = append([]FailureRecord{}, m.stats.RecentFailures...)

	return stats
}

func (m *IngestionMonitor) onIngested(_ context.Context, event eventbus.Event) error {
	ingested, ok := event.(*events.FlowIngested)
	if !ok {
		return fmt.Errorf("unexpected event %T", event)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ingested.Created {
		m.stats.Ingested++
	} else {
		m.stats.Duplicates++
	}

	return nil
}

func (m *IngestionMonitor) onFailed(ctx context.Context, event eventbus.Event) error {
	failed, ok := event.(*events.FlowIngestionFailed)
	if !ok {
		return fmt.Errorf("unexpected event %T", event)
	}

	m.logger.ErrorContext(ctx, "Flow ingestion failed",
		"job_id", failed.JobID,
		"flow_name", failed.FlowName,
		"worker_id", failed.WorkerID,
		"attempts", failed.Attempts,
		"error", failed.Error,
	)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.Failed++
	m.stats.RecentFailures = append(m.stats.RecentFailures, FailureRecord{
		JobID:    failed.JobID,
		FlowName: failed.FlowName,
		Attempts: failed.Attempts,
		Error:    failed.Error,
		At:       failed.Timestamp,
	})

	if overflow := len(m.stats.RecentFailures) - DefaultRecentFailures; overflow > 0 {
		m.stats.RecentFailures = append([]FailureRecord{}, m.stats.RecentFailures[overflow:]...)
	}

	return nil
}
