package stepflow

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"
)

func TestConsoleObserver(t *testing.T) {
	ctx := context.Background()
	color.NoColor = true

	t.Run("run trace is printed step by step", func(t *testing.T) {
		var buf bytes.Buffer
		res := Run(ctx, RunOptions{
			RunID:     "run_console",
			Observers: []Observer{NewConsoleObserver(&buf)},
		}, func(c *Context) (int, error) {
			if _, err := Step(c, "fetch", func(ctx context.Context) (int, error) {
				return 1, nil
			}); err != nil {
				return 0, err
			}
			_, err := Step(c, "charge", func(ctx context.Context) (int, error) {
				return 0, errors.New("card declined")
			})
			return 0, err
		})
		require.False(t, res.IsOK())

		out := buf.String()
		require.Contains(t, out, "▸ fetch")
		require.Contains(t, out, "✓ fetch")
		require.Contains(t, out, "✗ charge: card declined")
		require.Contains(t, out, "✗ run run_console failed")
	})

	t.Run("anonymous steps get a placeholder label", func(t *testing.T) {
		var buf bytes.Buffer
		o := NewConsoleObserver(&buf)
		o.HandleEvent(ctx, &Event{Type: EventStepStart})
		require.Contains(t, buf.String(), "(anonymous)")
	})

	t.Run("rollbacks and checkpoint faults are reported", func(t *testing.T) {
		var buf bytes.Buffer
		o := NewConsoleObserver(&buf)
		o.HandleEvent(ctx, &Event{Type: EventCompensationStart, StepKey: "reserve"})
		o.HandleEvent(ctx, &Event{Type: EventCompensationError, StepKey: "reserve", Err: errors.New("stuck")})
		o.HandleEvent(ctx, &Event{Type: EventPersistError, StepKey: "reserve", Err: errors.New("disk full")})
		o.HandleEvent(ctx, &Event{Type: EventWorkflowCancelled, RunID: "run_x"})

		out := buf.String()
		require.Contains(t, out, "↩ rolling back reserve")
		require.Contains(t, out, "rollback of reserve failed: stuck")
		require.Contains(t, out, "checkpoint failed after reserve: disk full")
		require.Contains(t, out, "◼ run run_x cancelled")
	})

	t.Run("success line includes the duration", func(t *testing.T) {
		var buf bytes.Buffer
		o := NewConsoleObserver(&buf)
		o.HandleEvent(ctx, &Event{Type: EventStepSuccess, StepKey: "quick", Duration: 3 * time.Millisecond})
		line := buf.String()
		require.True(t, strings.HasPrefix(line, "✓ quick ("))
		require.Contains(t, line, "3ms")
	})
}
