package metrics

import (
	"context"
	"time"

	"agentmesh/pkg/llm"
	"agentmesh/pkg/logx"
	"agentmesh/pkg/utils"
)

// UsageExtractor extracts prompt/completion token counts from a request/response pair.
type UsageExtractor func(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int)

// DefaultUsageExtractor estimates token usage with the tiktoken-based counter
// when a provider doesn't report exact usage.
func DefaultUsageExtractor(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int) {
	var promptText string
	for i := range req.Messages {
		promptText += req.Messages[i].Content + "\n"
	}
	return utils.CountTokensSimple(promptText), utils.CountTokensSimple(resp.Content)
}

// Middleware wraps a model provider client, recording latency, token usage,
// and error classification for every call.
func Middleware(agentID string, recorder Recorder, usageExtractor UsageExtractor, logger *logx.Logger) llm.Middleware {
	if usageExtractor == nil {
		usageExtractor = DefaultUsageExtractor
	}

	return func(next llm.Client) llm.Client {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				start := time.Now()
				model := next.Info().Name

				resp, err := next.Complete(ctx, req)
				duration := time.Since(start)

				var promptTokens, completionTokens int
				errorType := ""
				if err == nil {
					promptTokens, completionTokens = usageExtractor(req, resp)
				} else {
					errorType = classifyError(err)
				}

				recorder.ObserveRequest(agentID, model, promptTokens, completionTokens, err == nil, errorType, duration.Seconds())

				if err != nil {
					logger.Warn("model call to %s failed after %v: %v", model, duration, err)
				}
				return resp, err //nolint:wrapcheck // middleware passes errors through unchanged
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				start := time.Now()
				model := next.Info().Name

				ch, err := next.Stream(ctx, req)
				duration := time.Since(start)

				errorType := ""
				if err != nil {
					errorType = classifyError(err)
				}
				recorder.ObserveRequest(agentID, model, 0, 0, err == nil, errorType, duration.Seconds())
				return ch, err //nolint:wrapcheck // middleware passes errors through unchanged
			},
			next.Info,
		)
	}
}

func classifyError(err error) string {
	switch err.Error() {
	case "circuit breaker is OPEN", "circuit breaker is HALF_OPEN":
		return "circuit_breaker"
	case "context deadline exceeded":
		return "timeout"
	case "context canceled":
		return "canceled"
	default:
		return "unknown"
	}
}
