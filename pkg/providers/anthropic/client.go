// Package anthropic adapts Anthropic's Claude models to the llm.Client
// interface.
//
// The SDK is configured with option.WithMaxRetries(0): retries belong to
// pkg/resilience/retry, not the SDK. CompletionMessage is plain role+text
// (tool results and peer turns are rendered as ordinary user text by
// pkg/runtime before reaching a provider), so the conversion here only
// needs to extract the system prompt and enforce alternation.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"agentmesh/pkg/llm"
	"agentmesh/pkg/llmerrors"
)

// Client wraps the Anthropic API client to implement llm.Client.
type Client struct {
	client anthropic.Client
	model  string
}

// New creates an Anthropic client. Retries are handled by the resilience
// middleware chain, not the SDK.
func New(apiKey, model string) *Client {
	return &Client{
		client: anthropic.NewClient(
			option.WithAPIKey(apiKey),
			option.WithMaxRetries(0),
		),
		model: model,
	}
}

// Info implements llm.Client.
func (c *Client) Info() llm.ModelInfo {
	return llm.ModelInfo{Name: c.model, MaxContextTokens: 200_000, SupportsNativeTool: true}
}

// ensureAlternation extracts system messages into a system prompt and merges
// consecutive same-role messages so the remaining sequence strictly
// alternates user/assistant, which the Anthropic API requires.
func ensureAlternation(messages []llm.CompletionMessage) (system string, out []llm.CompletionMessage, err error) {
	if len(messages) == 0 {
		return "", nil, fmt.Errorf("anthropic: message list cannot be empty")
	}

	var systemParts []string
	for i := range messages {
		msg := &messages[i]
		if msg.Role != llm.RoleSystem {
			continue
		}
		systemParts = append(systemParts, msg.Content)
	}
	system = strings.Join(systemParts, "\n\n")

	for i := range messages {
		msg := messages[i]
		if msg.Role == llm.RoleSystem {
			continue
		}
		if len(out) > 0 && out[len(out)-1].Role == msg.Role {
			out[len(out)-1].Content += "\n\n" + msg.Content
			continue
		}
		out = append(out, msg)
	}

	if len(out) == 0 {
		return "", nil, fmt.Errorf("anthropic: no user or assistant content after extracting system messages")
	}
	if out[0].Role != llm.RoleUser {
		out = append([]llm.CompletionMessage{{Role: llm.RoleUser, Content: "(continue)"}}, out...)
	}
	return system, out, nil
}

// Complete implements llm.Client.
func (c *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	system, alternating, err := ensureAlternation(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, err.Error())
	}

	messages := make([]anthropic.MessageParam, 0, len(alternating))
	for _, msg := range alternating {
		messages = append(messages, anthropic.MessageParam{
			Role:    anthropic.MessageParamRole(msg.Role),
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)},
		})
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		Messages:    messages,
		MaxTokens:   int64(in.MaxTokens),
		Temperature: anthropic.Float(float64(in.Temperature)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system, Type: "text"}}
	}
	if len(in.Tools) > 0 {
		params.Tools = make([]anthropic.ToolUnionParam, 0, len(in.Tools))
		for i := range in.Tools {
			tool := &in.Tools[i]
			props := make(map[string]any, len(tool.InputSchema.Properties))
			for name, prop := range tool.InputSchema.Properties {
				propMap := map[string]any{"type": prop.Type}
				if prop.Description != "" {
					propMap["description"] = prop.Description
				}
				if len(prop.Enum) > 0 {
					propMap["enum"] = prop.Enum
				}
				props[name] = propMap
			}
			params.Tools = append(params.Tools, anthropic.ToolUnionParamOfTool(anthropic.ToolInputSchemaParam{
				Type:       "object",
				Properties: props,
				Required:   tool.InputSchema.Required,
			}, tool.Name))
		}
		params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "anthropic: empty response")
	}

	var text string
	var toolCalls []llm.ToolCall
	for i := range resp.Content {
		block := &resp.Content[i]
		switch block.Type {
		case "text":
			text += block.AsText().Text
		case "tool_use":
			tu := block.AsToolUse()
			var params map[string]any
			if err := json.Unmarshal(tu.Input, &params); err != nil {
				return llm.CompletionResponse{}, fmt.Errorf("anthropic: parse tool input: %w", err)
			}
			toolCalls = append(toolCalls, llm.ToolCall{ID: tu.ID, Name: tu.Name, Parameters: params})
		}
	}
	return llm.CompletionResponse{Content: text, ToolCalls: toolCalls}, nil
}

// Stream implements llm.Client. Claude's streaming API is not used by this
// system's runtime; completions are delivered as a single chunk.
func (c *Client) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk, 2)
	go func() {
		defer close(ch)
		resp, err := c.Complete(ctx, in)
		if err != nil {
			ch <- llm.StreamChunk{Error: err}
			return
		}
		ch <- llm.StreamChunk{Content: resp.Content}
		ch <- llm.StreamChunk{Done: true}
	}()
	return ch, nil
}

func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "anthropic: request timeout")
	}
	if errors.Is(err, context.Canceled) {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "anthropic: request canceled")
	}

	// The SDK surfaces HTTP failures as plain errors whose text carries the
	// status; classify on message content.
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "401") || strings.Contains(errStr, "403") || strings.Contains(errStr, "unauthorized"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeAuth, err, "anthropic: authentication failed")
	case strings.Contains(errStr, "429") || strings.Contains(errStr, "rate") || strings.Contains(errStr, "quota"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeRateLimit, err, "anthropic: rate limit exceeded")
	case strings.Contains(errStr, "400") || strings.Contains(errStr, "invalid"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "anthropic: bad request")
	case strings.Contains(errStr, "500") || strings.Contains(errStr, "502") || strings.Contains(errStr, "503") || strings.Contains(errStr, "504"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "anthropic: server error")
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "connection") || strings.Contains(errStr, "eof"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "anthropic: network error")
	default:
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, "anthropic: unclassified error")
	}
}
