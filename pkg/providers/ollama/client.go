// Package ollama adapts a local Ollama server to the llm.Client interface.
//
// Uses the github.com/ollama/ollama/api client with a non-streaming Chat
// call; errors are classified by matching the error message text. Ollama's tool-call
// support varies by model; Info reports SupportsNativeTool so pkg/runtime
// can fall back to pkg/toolparse for models that only echo tool syntax as
// text.
package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"agentmesh/pkg/llm"
	"agentmesh/pkg/llmerrors"
)

// Client wraps the Ollama API client to implement llm.Client.
type Client struct {
	client             *api.Client
	model              string
	supportsNativeTool bool
}

// New creates an Ollama client against hostURL (e.g. "http://localhost:11434")
// for the given model. supportsNativeTool should reflect whether the model
// being served implements function calling (most do not).
func New(hostURL, model string, supportsNativeTool bool) *Client {
	parsed, err := url.Parse(hostURL)
	if err != nil {
		parsed, _ = url.Parse("http://localhost:11434")
	}
	return &Client{
		client:             api.NewClient(parsed, http.DefaultClient),
		model:              model,
		supportsNativeTool: supportsNativeTool,
	}
}

// Info implements llm.Client.
func (c *Client) Info() llm.ModelInfo {
	return llm.ModelInfo{Name: c.model, MaxContextTokens: 32_768, SupportsNativeTool: c.supportsNativeTool}
}

func convertMessages(messages []llm.CompletionMessage) []api.Message {
	out := make([]api.Message, 0, len(messages))
	for i := range messages {
		msg := &messages[i]
		out = append(out, api.Message{Role: string(msg.Role), Content: msg.Content})
	}
	return out
}

func convertProperty(prop *llm.Property) api.ToolProperty {
	out := api.ToolProperty{Type: api.PropertyType{prop.Type}, Description: prop.Description}
	if len(prop.Enum) > 0 {
		enum := make([]any, len(prop.Enum))
		for i, v := range prop.Enum {
			enum[i] = v
		}
		out.Enum = enum
	}
	if prop.Properties != nil {
		nested := make(map[string]api.ToolProperty, len(prop.Properties))
		for name, child := range prop.Properties {
			child := child
			nested[name] = convertProperty(&child)
		}
		out.Items = map[string]any{"type": "object", "properties": nested}
	}
	if prop.Items != nil {
		out.Items = convertProperty(prop.Items)
	}
	return out
}

func convertTools(defs []llm.ToolDefinition) api.Tools {
	tools := make(api.Tools, len(defs))
	for i := range defs {
		tool := &defs[i]
		properties := api.NewToolPropertiesMap()
		for name, prop := range tool.InputSchema.Properties {
			prop := prop
			properties.Set(name, convertProperty(&prop))
		}
		tools[i] = api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters: api.ToolFunctionParameters{
					Type:       "object",
					Properties: properties,
					Required:   tool.InputSchema.Required,
				},
			},
		}
	}
	return tools
}

// Complete implements llm.Client.
func (c *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	if len(in.Messages) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "ollama: message list cannot be empty")
	}

	stream := false
	req := &api.ChatRequest{
		Model:    c.model,
		Messages: convertMessages(in.Messages),
		Stream:   &stream,
		Options: map[string]any{
			"temperature": in.Temperature,
			"num_predict": in.MaxTokens,
		},
	}
	if len(in.Tools) > 0 && c.supportsNativeTool {
		req.Tools = convertTools(in.Tools)
	}

	var response api.ChatResponse
	err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}

	result := llm.CompletionResponse{Content: response.Message.Content}
	if len(response.Message.ToolCalls) > 0 {
		result.ToolCalls = make([]llm.ToolCall, len(response.Message.ToolCalls))
		for i := range response.Message.ToolCalls {
			call := &response.Message.ToolCalls[i]
			id := call.ID
			if id == "" {
				id = fmt.Sprintf("call_%d", i)
			}
			result.ToolCalls[i] = llm.ToolCall{
				ID:         id,
				Name:       call.Function.Name,
				Parameters: call.Function.Arguments.ToMap(),
			}
		}
	}
	return result, nil
}

// Stream implements llm.Client. The runtime only uses Complete.
func (c *Client) Stream(context.Context, llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	return nil, llmerrors.NewError(llmerrors.ErrorTypeUnknown, "ollama: streaming not implemented")
}

func classifyError(err error) error {
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "connection refused"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "ollama: server not reachable")
	case strings.Contains(errStr, "model") && strings.Contains(errStr, "not found"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "ollama: model not found")
	case strings.Contains(errStr, "context canceled"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "ollama: request canceled")
	case strings.Contains(errStr, "timeout"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "ollama: request timeout")
	default:
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, "ollama: unclassified error")
	}
}
