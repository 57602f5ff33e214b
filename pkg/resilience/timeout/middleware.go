// Package timeout provides per-request timeout middleware for model provider clients.
package timeout

import (
	"context"
	"time"

	"agentmesh/pkg/llm"
)

// Middleware wraps a model provider client so each request gets its own
// timeout context, preventing a stalled provider connection from hanging a
// reasoning turn indefinitely.
func Middleware(duration time.Duration) llm.Middleware {
	return func(next llm.Client) llm.Client {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				timeoutCtx, cancel := context.WithTimeout(ctx, duration)
				defer cancel()
				return next.Complete(timeoutCtx, req)
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				timeoutCtx, cancel := context.WithTimeout(ctx, duration)
				defer cancel()
				return next.Stream(timeoutCtx, req)
			},
			next.Info,
		)
	}
}
