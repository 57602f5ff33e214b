// Package toolloop provides the reusable iteration skeleton behind an
// agent's reasoning loop: call the model, dispatch any tool calls it
// produced, and repeat until a turn with no tool calls appears or the
// iteration cap is reached.
//
// The terminal condition is exactly one thing: the model produced a turn
// with zero tool invocations. Anything the runtime wants to layer on top
// (capping, event emission) hooks in through Config.
package toolloop

import (
	"context"
	"fmt"

	"agentmesh/pkg/llm"
)

// OutcomeKind classifies how a Run call ended.
type OutcomeKind string

const (
	// OutcomeSuccess means a turn with no tool calls was reached; Text holds
	// the model's final reply.
	OutcomeSuccess OutcomeKind = "success"
	// OutcomeCapped means the iteration cap was reached before a
	// tool-call-free turn appeared; Text holds the latest model text anyway,
	// ("return the latest text").
	OutcomeCapped OutcomeKind = "capped"
	// OutcomeError means StepFunc or DispatchFunc returned an error.
	OutcomeError OutcomeKind = "error"
)

// Outcome is the result of running the loop to completion.
type Outcome struct {
	Kind       OutcomeKind
	Text       string
	Iterations int
	Err        error
}

// StepResult is what one model call produces: text plus any tool calls the
// model asked for.
type StepResult struct {
	Text      string
	ToolCalls []llm.ToolCall
}

// StepFunc performs one model call given the iteration number (1-indexed)
// and returns what the model produced.
type StepFunc func(ctx context.Context, iteration int) (StepResult, error)

// DispatchFunc executes the tool calls from one iteration (in order,
// appending their results to the conversation) before the next model call.
type DispatchFunc func(ctx context.Context, iteration int, calls []llm.ToolCall) error

// Config controls one Run invocation.
type Config struct {
	// MaxIterations bounds how many model-call rounds this turn may take
	// before OutcomeCapped is returned (default 8).
	MaxIterations int

	Step     StepFunc
	Dispatch DispatchFunc

	// OnCapped, if set, is invoked when the iteration cap is reached, before
	// OutcomeCapped is returned; the runtime uses this to emit turn_capped.
	OnCapped func(iterations int)
}

// DefaultMaxIterations is the default per-turn iteration cap.
const DefaultMaxIterations = 8

// Run drives the step/dispatch cycle until a tool-call-free turn appears or
// the iteration cap is hit.
func Run(ctx context.Context, cfg Config) Outcome {
	if cfg.Step == nil {
		return Outcome{Kind: OutcomeError, Err: fmt.Errorf("toolloop: Step is required")}
	}
	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	var lastText string
	for iteration := 1; iteration <= maxIterations; iteration++ {
		result, err := cfg.Step(ctx, iteration)
		if err != nil {
			return Outcome{Kind: OutcomeError, Err: err, Iterations: iteration}
		}
		lastText = result.Text

		if len(result.ToolCalls) == 0 {
			return Outcome{Kind: OutcomeSuccess, Text: result.Text, Iterations: iteration}
		}

		if cfg.Dispatch != nil {
			if err := cfg.Dispatch(ctx, iteration, result.ToolCalls); err != nil {
				return Outcome{Kind: OutcomeError, Err: err, Iterations: iteration}
			}
		}
	}

	if cfg.OnCapped != nil {
		cfg.OnCapped(maxIterations)
	}
	return Outcome{Kind: OutcomeCapped, Text: lastText, Iterations: maxIterations}
}
