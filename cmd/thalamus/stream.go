package main

import (
	"fmt"
	"os"

	"github.com/kadirpekel/thalamus/pkg/events"
)

// renderOptions controls which parts of the event stream reach the
// terminal.
type renderOptions struct {
	ShowThinking bool
	ShowTools    bool
}

// renderStream prints one turn's event stream and returns the terminal
// error payload, nil when the turn ended ok. Assistant deltas go to
// stdout as they arrive; everything else is decoration on stderr.
func renderStream(ch <-chan events.TurnEvent, opts renderOptions) *events.TurnEndErrorPayload {
	var endErr *events.TurnEndErrorPayload
	streaming := false

	for ev := range ch {
		switch ev.Type {
		case events.AssistantDelta:
			if p, ok := ev.Payload.(events.AssistantDeltaPayload); ok {
				fmt.Print(p.Text)
				streaming = true
			}
		case events.AssistantStreamEnd:
			if streaming {
				fmt.Println()
				streaming = false
			}
		case events.DeltaThinking:
			if opts.ShowThinking {
				if p, ok := ev.Payload.(events.DeltaThinkingPayload); ok {
					fmt.Fprint(os.Stderr, dim(p.Text))
				}
			}
		case events.ToolCall:
			if opts.ShowTools {
				if p, ok := ev.Payload.(events.ToolCallPayload); ok {
					fmt.Fprintln(os.Stderr, dim(fmt.Sprintf("[%s] %s(%s)", p.StageID, p.Name, p.ArgsDigest)))
				}
			}
		case events.ToolResult:
			if opts.ShowTools {
				if p, ok := ev.Payload.(events.ToolResultPayload); ok {
					status := "ok"
					if !p.OK && p.Error != nil {
						status = p.Error.Kind
					}
					fmt.Fprintln(os.Stderr, dim(fmt.Sprintf("[%s] %s -> %s (%dms)", p.StageID, p.Name, status, p.DurationMS)))
				}
			}
		case events.Overflow:
			if p, ok := ev.Payload.(events.OverflowPayload); ok {
				fmt.Fprintln(os.Stderr, dim(fmt.Sprintf("(%d events dropped)", p.Dropped)))
			}
		case events.TurnEndError:
			if p, ok := ev.Payload.(events.TurnEndErrorPayload); ok {
				endErr = &p
			}
		}
	}

	if streaming {
		fmt.Println()
	}
	return endErr
}

func dim(s string) string {
	if fi, err := os.Stderr.Stat(); err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		return s
	}
	return "\033[2m" + s + "\033[0m"
}
