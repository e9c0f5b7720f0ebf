package stepflow

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

// ConsoleObserver prints a human-readable trace of run events, intended
// for interactive use while developing a workflow.
type ConsoleObserver struct {
	out io.Writer
}

// NewConsoleObserver returns an observer writing to w. A nil writer
// defaults to stdout.
func NewConsoleObserver(w io.Writer) *ConsoleObserver {
	if w == nil {
		w = os.Stdout
	}
	return &ConsoleObserver{out: w}
}

func (o *ConsoleObserver) HandleEvent(ctx context.Context, event *Event) {
	label := event.StepKey
	if label == "" {
		label = "(anonymous)"
	}
	switch event.Type {
	case EventStepStart:
		fmt.Fprintf(o.out, "%s %s\n", color.BlueString("▸"), label)
	case EventStepSuccess:
		fmt.Fprintf(o.out, "%s %s (%s)\n", color.GreenString("✓"), label, event.Duration)
	case EventStepFailure:
		fmt.Fprintf(o.out, "%s %s: %v\n", color.RedString("✗"), label, event.Err)
	case EventCompensationStart:
		fmt.Fprintf(o.out, "%s rolling back %s\n", color.YellowString("↩"), label)
	case EventCompensationError:
		fmt.Fprintf(o.out, "%s rollback of %s failed: %v\n", color.RedString("↩"), label, event.Err)
	case EventPersistError:
		fmt.Fprintf(o.out, "%s checkpoint failed after %s: %v\n", color.YellowString("!"), label, event.Err)
	case EventWorkflowCancelled:
		fmt.Fprintf(o.out, "%s run %s cancelled\n", color.YellowString("◼"), event.RunID)
	case EventWorkflowDone:
		if event.Err != nil {
			fmt.Fprintf(o.out, "%s run %s failed: %v\n", color.RedString("✗"), event.RunID, event.Err)
		} else {
			fmt.Fprintf(o.out, "%s run %s completed\n", color.GreenString("✓"), event.RunID)
		}
	}
}
