package openai

import (
	"strings"
	"testing"

	"agentmesh/pkg/llm"
)

func TestFoldMessagesPrefixesRoles(t *testing.T) {
	folded := foldMessages([]llm.CompletionMessage{
		{Role: llm.RoleSystem, Content: "be helpful"},
		{Role: llm.RoleUser, Content: "hi"},
		{Role: llm.RoleAssistant, Content: "hello"},
	})
	if !strings.Contains(folded, "System: be helpful") {
		t.Fatalf("missing system prefix: %q", folded)
	}
	if !strings.Contains(folded, "Assistant: hello") {
		t.Fatalf("missing assistant prefix: %q", folded)
	}
	if !strings.Contains(folded, "hi") {
		t.Fatalf("missing user content: %q", folded)
	}
}

func TestConvertPropertyHandlesNestedObjects(t *testing.T) {
	prop := llm.Property{
		Type: "object",
		Properties: map[string]llm.Property{
			"name": {Type: "string"},
		},
	}
	schema := convertProperty("arg", &prop)
	if schema["type"] != "object" {
		t.Fatalf("unexpected schema: %+v", schema)
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok || props["name"] == nil {
		t.Fatalf("expected nested properties, got %+v", schema)
	}
}

func TestInfoReportsNativeTool(t *testing.T) {
	c := New("key", "gpt-5")
	if !c.Info().SupportsNativeTool {
		t.Fatal("expected openai client to support native tool calls")
	}
}
