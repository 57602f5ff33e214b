package toolloop

import (
	"context"
	"errors"
	"testing"

	"agentmesh/pkg/llm"
)

func TestRunSucceedsOnFirstToolFreeTurn(t *testing.T) {
	out := Run(context.Background(), Config{
		Step: func(_ context.Context, iteration int) (StepResult, error) {
			if iteration == 1 {
				return StepResult{ToolCalls: []llm.ToolCall{{Name: "communicate_with_bob"}}}, nil
			}
			return StepResult{Text: "Paris"}, nil
		},
		Dispatch: func(context.Context, int, []llm.ToolCall) error { return nil },
	})
	if out.Kind != OutcomeSuccess {
		t.Fatalf("expected success, got %+v", out)
	}
	if out.Text != "Paris" || out.Iterations != 2 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestRunCapsAtMaxIterations(t *testing.T) {
	calledCapped := false
	out := Run(context.Background(), Config{
		MaxIterations: 3,
		Step: func(_ context.Context, iteration int) (StepResult, error) {
			return StepResult{Text: "still going", ToolCalls: []llm.ToolCall{{Name: "x"}}}, nil
		},
		Dispatch: func(context.Context, int, []llm.ToolCall) error { return nil },
		OnCapped: func(int) { calledCapped = true },
	})
	if out.Kind != OutcomeCapped {
		t.Fatalf("expected capped, got %+v", out)
	}
	if out.Iterations != 3 || !calledCapped {
		t.Fatalf("unexpected outcome: %+v calledCapped=%v", out, calledCapped)
	}
}

func TestRunPropagatesStepError(t *testing.T) {
	wantErr := errors.New("model unavailable")
	out := Run(context.Background(), Config{
		Step: func(context.Context, int) (StepResult, error) { return StepResult{}, wantErr },
	})
	if out.Kind != OutcomeError || !errors.Is(out.Err, wantErr) {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestRunPropagatesDispatchError(t *testing.T) {
	wantErr := errors.New("dispatch failed")
	out := Run(context.Background(), Config{
		Step: func(context.Context, int) (StepResult, error) {
			return StepResult{ToolCalls: []llm.ToolCall{{Name: "x"}}}, nil
		},
		Dispatch: func(context.Context, int, []llm.ToolCall) error { return wantErr },
	})
	if out.Kind != OutcomeError || !errors.Is(out.Err, wantErr) {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}
