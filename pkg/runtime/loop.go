package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentmesh/pkg/conversation"
	"agentmesh/pkg/descriptor"
	"agentmesh/pkg/eventbus"
	"agentmesh/pkg/llm"
	"agentmesh/pkg/toolloop"
	"agentmesh/pkg/toolparse"
)

// peerToolPrefix names the dynamic per-peer capability the model sees: one
// communicate_with_<peer> tool per routing-table entry.
const peerToolPrefix = "communicate_with_"

// converse runs one reasoning turn: append the incoming turn, iterate
// model-call/tool-dispatch rounds until a tool-free response or the
// iteration cap, and return the final text. Serialization per correlation id
// is the inbound server's job; converse itself only guards the conversation
// log.
func (r *Runtime) converse(ctx context.Context, role conversation.Role, peerName, message, correlationID string) (string, error) {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	conv := r.convs.GetOrCreate(correlationID)
	conv.Append(conversation.Turn{At: time.Now(), Role: role, Content: message, PeerName: peerName})

	r.emit(eventbus.KindTurnStarted, correlationID, peerName, nil)
	conv.SetState(conversation.StateRunning)
	defer conv.SetState(conversation.StateIdle)

	// One routing-table snapshot per iteration: the capability set is
	// recomputed each round so a mid-turn connect is visible next round but
	// never tears the current one.
	native := r.client.Info().SupportsNativeTool

	outcome := toolloop.Run(ctx, toolloop.Config{
		MaxIterations: r.maxIterations,
		Step: func(ctx context.Context, _ int) (toolloop.StepResult, error) {
			return r.step(ctx, conv, native)
		},
		Dispatch: func(ctx context.Context, _ int, calls []llm.ToolCall) error {
			r.dispatchCalls(ctx, conv, correlationID, calls)
			return nil
		},
		OnCapped: func(iterations int) {
			r.emit(eventbus.KindTurnCapped, correlationID, "", map[string]any{"iterations": iterations})
		},
	})

	if outcome.Kind == toolloop.OutcomeError {
		r.emit(eventbus.KindError, correlationID, "", map[string]any{"error": outcome.Err.Error()})
		return "", fmt.Errorf("model error: %w", outcome.Err)
	}

	conv.Append(conversation.Turn{At: time.Now(), Role: conversation.RoleAssistant, Content: outcome.Text})
	r.emit(eventbus.KindTurnFinished, correlationID, "", map[string]any{"response": outcome.Text})
	return outcome.Text, nil
}

// step performs one model call: render the conversation, submit, and
// normalize tool calls (native or extracted from tagged text).
func (r *Runtime) step(ctx context.Context, conv *conversation.Conversation, native bool) (toolloop.StepResult, error) {
	snapshot := r.table.Snapshot()
	tools := r.toolDefinitions(snapshot)

	req := llm.NewCompletionRequest(r.renderMessages(conv, snapshot, native))
	if native {
		req.Tools = tools
	}

	r.emit(eventbus.KindModelRequest, conv.CorrelationID, "", map[string]any{
		"model": r.client.Info().Name,
		"tools": len(tools),
	})

	resp, err := r.client.Complete(ctx, req)

	r.stats.mu.Lock()
	r.stats.modelCalls++
	if err != nil {
		r.stats.modelErrors++
	}
	r.stats.mu.Unlock()

	if err != nil {
		return toolloop.StepResult{}, err
	}

	text := resp.Content
	calls := resp.ToolCalls
	if !native {
		var failures int
		calls, text, failures = toolparse.Extract(resp.Content)
		if failures > 0 {
			r.stats.mu.Lock()
			r.stats.toolParseFailures += int64(failures)
			r.stats.mu.Unlock()
			r.recorder.IncToolParseFailure(r.desc.Name)
		}
	}

	r.emit(eventbus.KindModelResponse, conv.CorrelationID, "", map[string]any{
		"tool_calls": len(calls),
	})

	// Tool-bearing rounds record the model's own text as a self turn so the
	// next round sees its prior reasoning; the final assistant turn is
	// appended by converse once the loop quiesces.
	if len(calls) > 0 && text != "" {
		conv.Append(conversation.Turn{At: time.Now(), Role: conversation.RoleSelf, Content: text})
	}

	return toolloop.StepResult{Text: text, ToolCalls: calls}, nil
}

// dispatchCalls executes the tool calls from one round in order, appending a
// tool turn with each result. Errors become tool results the model can react
// to, never loop failures.
func (r *Runtime) dispatchCalls(ctx context.Context, conv *conversation.Conversation, correlationID string, calls []llm.ToolCall) {
	conv.SetState(conversation.StateWaitingOnTool)
	defer conv.SetState(conversation.StateRunning)

	for i := range calls {
		call := &calls[i]
		r.emit(eventbus.KindToolCallStarted, correlationID, "", map[string]any{"tool": call.Name})

		result := r.dispatchOne(ctx, correlationID, call)

		conv.Append(conversation.Turn{
			At:      time.Now(),
			Role:    conversation.RoleTool,
			Content: fmt.Sprintf("[%s] %s", call.Name, result),
		})
		r.emit(eventbus.KindToolCallFinished, correlationID, "", map[string]any{"tool": call.Name})
	}
}

// dispatchOne resolves and executes a single tool call against the current
// routing-table snapshot or the descriptor's external tool endpoints.
func (r *Runtime) dispatchOne(ctx context.Context, correlationID string, call *llm.ToolCall) string {
	if peerName, ok := strings.CutPrefix(call.Name, peerToolPrefix); ok {
		return r.callPeer(ctx, correlationID, peerName, call)
	}

	for i := range r.desc.ToolEndpoints {
		ep := &r.desc.ToolEndpoints[i]
		if ep.Name == call.Name {
			return r.callExternalTool(ctx, ep, call)
		}
	}

	return fmt.Sprintf(`{"error": "unknown_tool: %s"}`, call.Name)
}

func (r *Runtime) callPeer(ctx context.Context, correlationID, peerName string, call *llm.ToolCall) string {
	endpoint, ok := r.table.Lookup(peerName)
	if !ok {
		return `{"error": "unknown_peer"}`
	}

	message, _ := call.Parameters["message"].(string)
	if message == "" {
		return `{"error": "missing message parameter"}`
	}

	r.emit(eventbus.KindPeerMessageSent, correlationID, peerName, map[string]any{"message": message})
	r.stats.mu.Lock()
	r.stats.messagesSent[peerName]++
	r.stats.mu.Unlock()

	reply, err := r.outbound.ReceiveMessage(ctx, peerName, endpoint, r.desc.Name, message, correlationID)
	if err != nil {
		return fmt.Sprintf(`{"error": %q}`, err.Error())
	}
	return reply
}

func (r *Runtime) callExternalTool(ctx context.Context, ep *descriptor.ToolEndpoint, call *llm.ToolCall) string {
	raw, err := r.outbound.Invoke(ctx, ep.URL, ep.Name, call.Parameters)
	if err != nil {
		return fmt.Sprintf(`{"error": %q}`, err.Error())
	}
	var text string
	if json.Unmarshal(raw, &text) == nil {
		return text
	}
	return string(raw)
}

// toolDefinitions recomputes the capability set from a routing-table
// snapshot: one communicate_with_<peer> tool per entry plus the descriptor's
// external tools. Capability metadata is data, never a static registry.
func (r *Runtime) toolDefinitions(snapshot map[string]string) []llm.ToolDefinition {
	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]llm.ToolDefinition, 0, len(names)+len(r.desc.ToolEndpoints))
	for _, name := range names {
		defs = append(defs, llm.ToolDefinition{
			Name:        peerToolPrefix + name,
			Description: fmt.Sprintf("Send a message to the agent named %q and receive its reply.", name),
			InputSchema: llm.InputSchema{
				Type: "object",
				Properties: map[string]llm.Property{
					"message": {Type: "string", Description: "The message to deliver."},
				},
				Required: []string{"message"},
			},
		})
	}
	for i := range r.desc.ToolEndpoints {
		ep := &r.desc.ToolEndpoints[i]
		defs = append(defs, llm.ToolDefinition{
			Name:        ep.Name,
			Description: ep.Description,
			InputSchema: llm.InputSchema{
				Type:       "object",
				Properties: map[string]llm.Property{},
			},
		})
	}
	return defs
}

// renderMessages builds the model request: system preamble (role plus the
// dynamically rendered peer catalogue, plus the tagged-call instructions for
// non-native providers) followed by the conversation tail.
func (r *Runtime) renderMessages(conv *conversation.Conversation, snapshot map[string]string, native bool) []llm.CompletionMessage {
	var sb strings.Builder
	sb.WriteString(r.desc.Role)
	sb.WriteString("\n\nYou are the agent named ")
	sb.WriteString(fmt.Sprintf("%q", r.desc.Name))
	sb.WriteString(".")

	if len(snapshot) > 0 {
		names := make([]string, 0, len(snapshot))
		for name := range snapshot {
			names = append(names, name)
		}
		sort.Strings(names)
		sb.WriteString("\n\nYou can reach these peer agents:\n")
		for _, name := range names {
			fmt.Fprintf(&sb, "- %s%s: send a message to agent %q\n", peerToolPrefix, name, name)
		}
	} else {
		sb.WriteString("\n\nYou currently have no peer agents connected.")
	}

	if !native {
		sb.WriteString("\n\n")
		sb.WriteString(toolparse.Instructions)
	}

	messages := []llm.CompletionMessage{llm.NewSystemMessage(sb.String())}
	for _, turn := range conv.Turns() {
		messages = append(messages, renderTurn(turn))
	}
	return messages
}

// renderTurn maps a conversation turn onto the provider message roles.
// Providers only understand system/user/assistant, so peer and tool turns
// are rendered as labeled user text.
func renderTurn(t conversation.Turn) llm.CompletionMessage {
	switch t.Role {
	case conversation.RoleAssistant, conversation.RoleSelf:
		return llm.CompletionMessage{Role: llm.RoleAssistant, Content: t.Content}
	case conversation.RolePeer:
		return llm.NewUserMessage(fmt.Sprintf("[message from agent %q] %s", t.PeerName, t.Content))
	case conversation.RoleTool:
		return llm.NewUserMessage("[tool result] " + t.Content)
	case conversation.RoleSystem:
		return llm.NewSystemMessage(t.Content)
	default:
		return llm.NewUserMessage(t.Content)
	}
}
