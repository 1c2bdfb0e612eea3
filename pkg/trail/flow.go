// Package trail builds flows in memory: ordered steps, versioned observations and
// the immutable payload submitted once the flow is finished.
//
//	flow, _ := trail.NewFlow("checkout-agent", trail.WithSender(transport.New()))
//	step, _ := flow.CreateStep("plan")
//	_, _ = step.Capture("input", prompt, nil)
//	_ = step.Finish(models.StepStatusCompleted, "")
//	err := flow.Finish(ctx)
package trail

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dukex/flowtrail/pkg/models"
)

// Sender delivers a finished flow payload.
type Sender interface {
	Send(ctx context.Context, payload *models.FlowPayload) error
}

// Option configures a Flow.
type Option func(*Flow)

// WithSender sets the sender invoked by Finish. Without one, Finish only freezes the flow.
func WithSender(sender Sender) Option {
	return func(f *Flow) {
		f.sender = sender
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(f *Flow) {
		f.now = now
	}
}

// Flow is a trail under construction. It is safe for concurrent use.
type Flow struct {
	name      string
	createdAt time.Time
	sender    Sender
	now       func() time.Time

	mu           sync.Mutex
	finishedAt   *time.Time
	steps        []*Step
	stepVersions map[string]int
}

// NewFlow starts a new flow named name.
func NewFlow(name string, opts ...Option) (*Flow, error) {
	if name == "" {
		return nil, fmt.Errorf("flow: %w", ErrInvalidName)
	}

	flow := &Flow{
		name:         name,
		now:          time.Now,
		stepVersions: make(map[string]int),
	}

	for _, opt := range opts {
		opt(flow)
	}

	flow.createdAt = flow.now().UTC()

	return flow, nil
}

func (f *Flow) Name() string {
	return f.name
}

func (f *Flow) CreatedAt() time.Time {
	return f.createdAt
}

// Steps returns the steps in creation order.
func (f *Flow) Steps() []*Step {
	f.mu.Lock()
	defer f.mu.Unlock()

	steps := make([]*Step, len(f.steps))
	copy(steps, f.steps)

	return steps
}

// CreateStep appends a new running step. Its position is the number of steps
// created before it and its version is one more than the last step created
// with the same name.
func (f *Flow) CreateStep(name string) (*Step, error) {
	if name == "" {
		return nil, fmt.Errorf("step: %w", ErrInvalidName)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.finishedAt != nil {
		return nil, ErrFlowFinished
	}

	version := f.stepVersions[name] + 1
	f.stepVersions[name] = version

	now := f.now().UTC()
	step := &Step{
		flow:        f,
		name:        name,
		version:     version,
		position:    len(f.steps),
		createdAt:   now,
		status:      models.StepStatusRunning,
		startedAt:   &now,
		obsVersions: make(map[string]int),
	}

	f.steps = append(f.steps, step)

	return step, nil
}

// Finish freezes the flow and submits its payload through the configured sender.
// It may only be called once: later calls return ErrFlowAlreadyFinished without
// sending anything.
func (f *Flow) Finish(ctx context.Context) error {
	f.mu.Lock()
	if f.finishedAt != nil {
		f.mu.Unlock()

		return ErrFlowAlreadyFinished
	}

	finishedAt := f.now().UTC()
	f.finishedAt = &finishedAt
	payload := f.payloadLocked()
	f.mu.Unlock()

	if f.sender == nil {
		return nil
	}

	err := f.sender.Send(ctx, payload)
	if err != nil {
		return fmt.Errorf("failed to submit flow %q: %w", f.name, err)
	}

	return nil
}

// Payload returns the submission payload of a finished flow, or nil while it is still open.
func (f *Flow) Payload() *models.FlowPayload {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.finishedAt == nil {
		return nil
	}

	return f.payloadLocked()
}

func (f *Flow) payloadLocked() *models.FlowPayload {
	payload := &models.FlowPayload{
		Flow: models.FlowHeader{
			Name:       f.name,
			CreatedAt:  f.createdAt,
			FinishedAt: f.finishedAt,
		},
		Steps: make([]models.StepPayload, 0, len(f.steps)),
	}

	for _, step := range f.steps {
		payload.Steps = append(payload.Steps, step.payload())
	}

	return payload
}
