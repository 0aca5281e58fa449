// Package department runs the processing side of each stage: a harness
// subscribes a department module to the broker, feeds staged input to its
// processor, stores the result, and reports the outcome back to the
// control-point manager.
package department

import (
	"context"
)

// Input is what a processor receives for one control point.
type Input struct {
	PipelineID     string
	ControlPointID string
	Stage          string
	Payload        []byte
	Metadata       map[string]any
}

// Issue is one problem a processor found with its input.
type Issue struct {
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// Output is a processor's result. When Issues is non-empty the harness
// escalates instead of reporting completion; the artifact (if any) is
// still staged so reviewers can inspect it.
type Output struct {
	Payload  []byte
	Metadata map[string]any
	Issues   []Issue
}

// Processor transforms one stage's input into its artifact. Process
// observes ctx: a cancelled control point cancels the context.
type Processor interface {
	Process(ctx context.Context, in Input) (Output, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, in Input) (Output, error)

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, in Input) (Output, error) {
	return f(ctx, in)
}
