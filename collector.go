package stepflow

import (
	"context"
	"sync"
)

// Collector accumulates the minimal state needed to replay a
// partially-completed run. It subscribes to the event stream and records
// every keyed step outcome, in completion order. Pure bookkeeping: no
// I/O, no retries, no decisions.
type Collector struct {
	mu    sync.Mutex
	state *ResumeState
}

// NewCollector returns an empty Collector.
func NewCollector() *Collector {
	return &Collector{state: NewResumeState()}
}

// HandleEvent records keyed step outcomes. All other events are ignored.
func (c *Collector) HandleEvent(ctx context.Context, event *Event) {
	if event.StepKey == "" || event.Entry == nil {
		return
	}
	switch event.Type {
	case EventStepSuccess, EventStepFailure:
		c.mu.Lock()
		c.state.Set(event.StepKey, *event.Entry)
		c.mu.Unlock()
	}
}

// Snapshot returns a defensive copy of the collected state.
func (c *Collector) Snapshot() *ResumeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}
