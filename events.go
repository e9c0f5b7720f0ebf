package stepflow

import (
	"context"
	"log/slog"
	"time"
)

// EventType identifies one lifecycle transition in a run.
type EventType string

const (
	EventStepStart         EventType = "step_start"
	EventStepSuccess       EventType = "step_success"
	EventStepFailure       EventType = "step_failure"
	EventWorkflowDone      EventType = "workflow_done"
	EventWorkflowCancelled EventType = "workflow_cancelled"
	EventPersistSuccess    EventType = "persist_success"
	EventPersistError      EventType = "persist_error"
	EventCompensationStart EventType = "compensation_start"
	EventCompensationError EventType = "compensation_error"
)

// Event describes one lifecycle transition. Events are ephemeral: they
// are handed to observers synchronously and never stored as-is.
type Event struct {
	Type       EventType
	RunID      string
	InstanceID string
	StepKey    string
	Timestamp  time.Time
	Duration   time.Duration
	Attempts   int
	Err        error

	// Entry is the recorded outcome for keyed step_success and
	// step_failure events. Nil otherwise.
	Entry *StepEntry

	// Context carries caller-supplied correlation values stamped on
	// every event of the run.
	Context map[string]any
}

// Observer receives every lifecycle event of a run. Observers are held
// in an explicit ordered list and invoked synchronously in registration
// order; the list does not change during a run. Implementations should
// be fast and non-blocking.
type Observer interface {
	HandleEvent(ctx context.Context, event *Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, event *Event)

func (f ObserverFunc) HandleEvent(ctx context.Context, event *Event) { f(ctx, event) }

// LoggingObserver writes structured logs for every event using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver returns an Observer that logs lifecycle events. If
// logger is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) *LoggingObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) HandleEvent(ctx context.Context, event *Event) {
	attrs := []any{
		slog.String("run_id", event.RunID),
	}
	if event.InstanceID != "" {
		attrs = append(attrs, slog.String("instance_id", event.InstanceID))
	}
	if event.StepKey != "" {
		attrs = append(attrs, slog.String("step", event.StepKey))
	}
	if event.Attempts > 0 {
		attrs = append(attrs, slog.Int("attempts", event.Attempts))
	}
	if event.Duration > 0 {
		attrs = append(attrs, slog.Duration("duration", event.Duration))
	}
	if event.Err != nil {
		attrs = append(attrs, slog.Any("error", event.Err))
	}
	level := slog.LevelDebug
	switch event.Type {
	case EventStepFailure, EventPersistError, EventCompensationError:
		level = slog.LevelError
	case EventWorkflowDone, EventWorkflowCancelled:
		level = slog.LevelInfo
	}
	o.Logger.Log(ctx, level, string(event.Type), attrs...)
}
