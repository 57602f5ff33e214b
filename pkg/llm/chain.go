package llm

import "context"

// Middleware wraps a Client with additional behavior. Middlewares are
// composed with Chain to build a single request pipeline in front of a
// concrete provider adapter.
type Middleware func(next Client) Client

// clientFunc adapts three plain functions to the Client interface; resilience
// middlewares build their wrapped client this way instead of defining a named
// type per concern.
type clientFunc struct {
	complete func(context.Context, CompletionRequest) (CompletionResponse, error)
	stream   func(context.Context, CompletionRequest) (<-chan StreamChunk, error)
	info     func() ModelInfo
}

func (f clientFunc) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	return f.complete(ctx, req)
}

func (f clientFunc) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	return f.stream(ctx, req)
}

func (f clientFunc) Info() ModelInfo {
	return f.info()
}

// WrapClient builds a Client from plain function implementations.
func WrapClient(
	complete func(context.Context, CompletionRequest) (CompletionResponse, error),
	stream func(context.Context, CompletionRequest) (<-chan StreamChunk, error),
	info func() ModelInfo,
) Client {
	return clientFunc{complete: complete, stream: stream, info: info}
}

// Chain composes middlewares around a base Client. Middlewares are applied in
// order, with earlier middlewares being outermost:
//
//	Chain(base, mw1, mw2) builds mw1 -> mw2 -> base
//
// mw1 sees the request first and can short-circuit before it reaches mw2 or
// the base client.
func Chain(base Client, middlewares ...Middleware) Client {
	client := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		client = middlewares[i](client)
	}
	return client
}
