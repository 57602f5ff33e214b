package ratelimit

import (
	"context"

	"agentmesh/pkg/llm"
)

// Middleware wraps a model provider client with token-bucket rate limiting:
// it estimates the tokens a request will consume and acquires capacity before
// the call reaches the provider.
func Middleware(limiters *Map, estimator TokenEstimator) llm.Middleware {
	if estimator == nil {
		estimator = NewDefaultTokenEstimator()
	}

	return func(next llm.Client) llm.Client {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				limiter, err := limiters.Get(next.Info().Name)
				if err != nil {
					return llm.CompletionResponse{}, err
				}

				totalTokens := estimator.EstimatePrompt(req) + req.MaxTokens
				if err := limiter.Acquire(ctx, totalTokens); err != nil {
					return llm.CompletionResponse{}, err //nolint:wrapcheck // middleware passes errors through unchanged
				}
				defer limiter.Release()

				return next.Complete(ctx, req)
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				limiter, err := limiters.Get(next.Info().Name)
				if err != nil {
					return nil, err
				}

				totalTokens := estimator.EstimatePrompt(req) + req.MaxTokens
				if err := limiter.Acquire(ctx, totalTokens); err != nil {
					return nil, err //nolint:wrapcheck // middleware passes errors through unchanged
				}
				defer limiter.Release()

				return next.Stream(ctx, req)
			},
			next.Info,
		)
	}
}
