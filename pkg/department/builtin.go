package department

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowgate/flowgate/pkg/broker"
	"github.com/flowgate/flowgate/pkg/staging"
)

// artifact is the envelope every built-in processor emits. Real
// deployments replace the built-ins with domain processors; these exist
// so the end-to-end loop runs out of the box.
type artifact struct {
	Stage      string         `json:"stage"`
	Department string         `json:"department"`
	PipelineID string         `json:"pipeline_id"`
	InputBytes int            `json:"input_bytes"`
	ProducedAt time.Time      `json:"produced_at"`
	Details    map[string]any `json:"details,omitempty"`
}

func emit(dept string, in Input, details map[string]any) (Output, error) {
	payload, err := json.Marshal(artifact{
		Stage:      in.Stage,
		Department: dept,
		PipelineID: in.PipelineID,
		InputBytes: len(in.Payload),
		ProducedAt: time.Now().UTC(),
		Details:    details,
	})
	if err != nil {
		return Output{}, fmt.Errorf("encoding %s artifact: %w", dept, err)
	}
	return Output{Payload: payload, Metadata: map[string]any{"format": "json"}}, nil
}

// ingestProcessor handles RECEPTION and VALIDATION. Reception accepts raw
// input carried in metadata; validation insists the received payload is
// non-empty.
func ingestProcessor() Processor {
	return ProcessorFunc(func(_ context.Context, in Input) (Output, error) {
		switch in.Stage {
		case "RECEPTION":
			if raw, ok := in.Metadata["input"].(string); ok && len(in.Payload) == 0 {
				in.Payload = []byte(raw)
			}
			return emit("ingest", in, map[string]any{"received": len(in.Payload) > 0})
		case "VALIDATION":
			if len(in.Payload) == 0 {
				return Output{}, fmt.Errorf("validation failed: empty payload for pipeline %s", in.PipelineID)
			}
			return emit("ingest", in, map[string]any{"valid": true})
		default:
			return Output{}, fmt.Errorf("ingest does not handle stage %s", in.Stage)
		}
	})
}

// qualityProcessor scores the input and escalates empty or unparseable
// payloads for human review instead of completing.
func qualityProcessor() Processor {
	return ProcessorFunc(func(_ context.Context, in Input) (Output, error) {
		var issues []Issue
		if len(in.Payload) == 0 {
			issues = append(issues, Issue{Severity: "high", Description: "empty input payload"})
		} else if !json.Valid(in.Payload) {
			issues = append(issues, Issue{Severity: "medium", Description: "payload is not valid JSON"})
		}
		out, err := emit("quality", in, map[string]any{"issues_found": len(issues)})
		if err != nil {
			return Output{}, err
		}
		out.Issues = issues
		return out, nil
	})
}

func passThrough(dept string, details func(in Input) map[string]any) Processor {
	return ProcessorFunc(func(_ context.Context, in Input) (Output, error) {
		return emit(dept, in, details(in))
	})
}

// Builtins returns the default processor per department.
func Builtins() map[string]Processor {
	return map[string]Processor{
		"ingest":  ingestProcessor(),
		"quality": qualityProcessor(),
		"analytics": passThrough("analytics", func(in Input) map[string]any {
			return map[string]any{"context_tokens": len(in.Payload) / 4}
		}),
		"insight": passThrough("insight", func(in Input) map[string]any {
			return map[string]any{"insight": "derived from upstream artifact"}
		}),
		"decision": passThrough("decision", func(in Input) map[string]any {
			return map[string]any{"decision": "proceed"}
		}),
		"recommendation": passThrough("recommendation", func(in Input) map[string]any {
			return map[string]any{"recommendations": 1}
		}),
		"report": passThrough("report", func(in Input) map[string]any {
			return map[string]any{"report": "final summary"}
		}),
	}
}

// StartBuiltins wires one module per department with its default
// processor. Returned modules are already started.
func StartBuiltins(b *broker.Broker, s *staging.Manager) ([]*Module, error) {
	modules := make([]*Module, 0, len(Builtins()))
	for dept, proc := range Builtins() {
		m := NewModule(b, s, dept, proc)
		if err := m.Start(); err != nil {
			for _, started := range modules {
				started.Stop()
			}
			return nil, fmt.Errorf("starting %s department: %w", dept, err)
		}
		modules = append(modules, m)
	}
	return modules, nil
}
