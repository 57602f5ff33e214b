package anthropic

import (
	"testing"

	"agentmesh/pkg/llm"
)

func TestEnsureAlternationExtractsSystemAndMerges(t *testing.T) {
	system, out, err := ensureAlternation([]llm.CompletionMessage{
		{Role: llm.RoleSystem, Content: "be helpful"},
		{Role: llm.RoleUser, Content: "hi"},
		{Role: llm.RoleUser, Content: "there"},
		{Role: llm.RoleAssistant, Content: "hello"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if system != "be helpful" {
		t.Fatalf("unexpected system prompt: %q", system)
	}
	if len(out) != 2 || out[0].Content != "hi\n\nthere" {
		t.Fatalf("unexpected merged messages: %+v", out)
	}
	if out[0].Role != llm.RoleUser || out[1].Role != llm.RoleAssistant {
		t.Fatalf("unexpected roles: %+v", out)
	}
}

func TestEnsureAlternationPrependsUserWhenFirstIsAssistant(t *testing.T) {
	_, out, err := ensureAlternation([]llm.CompletionMessage{
		{Role: llm.RoleAssistant, Content: "hello"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 || out[0].Role != llm.RoleUser {
		t.Fatalf("expected a synthetic leading user message, got %+v", out)
	}
}

func TestEnsureAlternationRejectsEmpty(t *testing.T) {
	if _, _, err := ensureAlternation(nil); err == nil {
		t.Fatal("expected error for empty message list")
	}
}

func TestInfoReportsNativeTool(t *testing.T) {
	c := New("key", "claude-sonnet-4-5")
	if !c.Info().SupportsNativeTool {
		t.Fatal("expected anthropic client to support native tool calls")
	}
}
