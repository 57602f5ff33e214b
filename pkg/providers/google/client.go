// Package google adapts Gemini models to the llm.Client interface.
//
// genai.NewClient needs a context, so client creation is deferred to first
// use. When tools are supplied, FunctionCallingConfigModeAny is forced;
// Gemini can return empty responses otherwise. The full conversation is
// re-rendered from pkg/conversation on every turn, so no provider-side
// response state is kept.
package google

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"agentmesh/pkg/llm"
	"agentmesh/pkg/llmerrors"
)

// Client wraps the Google GenAI client to implement llm.Client.
type Client struct {
	client *genai.Client
	apiKey string
	model  string
}

// New creates a Gemini client for the given model. The underlying SDK client
// is constructed lazily on first Complete call because genai.NewClient
// requires a context.
func New(apiKey, model string) *Client {
	return &Client{apiKey: apiKey, model: model}
}

// Info implements llm.Client.
func (c *Client) Info() llm.ModelInfo {
	return llm.ModelInfo{Name: c.model, MaxContextTokens: 1_000_000, SupportsNativeTool: true}
}

func convertSchema(prop *llm.Property) *genai.Schema {
	schema := &genai.Schema{Description: prop.Description}
	switch prop.Type {
	case "string":
		schema.Type = genai.TypeString
	case "number":
		schema.Type = genai.TypeNumber
	case "integer":
		schema.Type = genai.TypeInteger
	case "boolean":
		schema.Type = genai.TypeBoolean
	case "array":
		schema.Type = genai.TypeArray
		if prop.Items != nil {
			schema.Items = convertSchema(prop.Items)
		}
	case "object":
		schema.Type = genai.TypeObject
		if prop.Properties != nil {
			props := make(map[string]*genai.Schema, len(prop.Properties))
			for name, child := range prop.Properties {
				child := child
				props[name] = convertSchema(&child)
			}
			schema.Properties = props
		}
	default:
		schema.Type = genai.TypeString
	}
	if len(prop.Enum) > 0 {
		schema.Enum = prop.Enum
	}
	return schema
}

func convertTools(defs []llm.ToolDefinition) []*genai.FunctionDeclaration {
	declarations := make([]*genai.FunctionDeclaration, len(defs))
	for i := range defs {
		tool := &defs[i]
		properties := make(map[string]*genai.Schema, len(tool.InputSchema.Properties))
		for name, prop := range tool.InputSchema.Properties {
			prop := prop
			properties[name] = convertSchema(&prop)
		}
		declarations[i] = &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: properties,
				Required:   tool.InputSchema.Required,
			},
		}
	}
	return declarations
}

func convertMessages(messages []llm.CompletionMessage) ([]*genai.Content, string) {
	var system string
	var contents []*genai.Content
	for i := range messages {
		msg := &messages[i]
		if msg.Role == llm.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}
		role := "user"
		if msg.Role == llm.RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: msg.Content}},
		})
	}
	return contents, system
}

// Complete implements llm.Client.
func (c *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	if c.client == nil {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: c.apiKey, Backend: genai.BackendGeminiAPI})
		if err != nil {
			return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "google: failed to create client")
		}
		c.client = client
	}

	contents, system := convertMessages(in.Messages)
	if len(contents) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "google: message list cannot be empty")
	}

	temperature := in.Temperature
	config := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(in.MaxTokens),
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if len(in.Tools) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: convertTools(in.Tools)}}
		config.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAny},
		}
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if result == nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "google: empty response")
	}

	response := llm.CompletionResponse{Content: result.Text()}
	if calls := result.FunctionCalls(); len(calls) > 0 {
		response.ToolCalls = make([]llm.ToolCall, len(calls))
		for i, call := range calls {
			id := call.ID
			if id == "" {
				id = call.Name
			}
			response.ToolCalls[i] = llm.ToolCall{ID: id, Name: call.Name, Parameters: call.Args}
		}
	}
	return response, nil
}

// Stream implements llm.Client. The runtime only uses Complete.
func (c *Client) Stream(context.Context, llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	return nil, llmerrors.NewError(llmerrors.ErrorTypeUnknown, "google: streaming not implemented")
}

func classifyError(err error) error {
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "401") || strings.Contains(errStr, "unauthorized") || strings.Contains(errStr, "api key"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeAuth, err, "google: authentication failed")
	case strings.Contains(errStr, "429") || strings.Contains(errStr, "rate") || strings.Contains(errStr, "quota"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeRateLimit, err, "google: rate limit exceeded")
	case strings.Contains(errStr, "400") || strings.Contains(errStr, "invalid"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "google: bad request")
	case strings.Contains(errStr, "500") || strings.Contains(errStr, "503"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, fmt.Sprintf("google: server error: %v", err))
	default:
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, "google: unclassified error")
	}
}
