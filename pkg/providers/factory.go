// Package providers constructs a fully wired model client for a given
// provider identifier: the concrete SDK adapter wrapped in the resilience
// middleware chain (timeout, retry, circuit breaker, rate limit) and the
// metrics recorder, in that order.
//
// One construction point owns credentials, middleware order, and
// per-provider rate limiting so no caller ever touches a bare SDK client.
package providers

import (
	"fmt"
	"os"
	"strings"
	"time"

	"agentmesh/pkg/llm"
	"agentmesh/pkg/logx"
	"agentmesh/pkg/metrics"
	"agentmesh/pkg/providers/anthropic"
	"agentmesh/pkg/providers/google"
	"agentmesh/pkg/providers/ollama"
	"agentmesh/pkg/providers/openai"
	"agentmesh/pkg/resilience/circuit"
	"agentmesh/pkg/resilience/ratelimit"
	"agentmesh/pkg/resilience/retry"
	"agentmesh/pkg/resilience/timeout"
)

// Provider identifiers accepted in an agent descriptor.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
)

// requestTimeout bounds one model request end to end: the timeout layer is
// outermost, so it covers every retry attempt and backoff delay.
const requestTimeout = 120 * time.Second

// defaultRateLimit is applied per model when the operator hasn't tuned
// anything; generous enough not to throttle a small mesh.
var defaultRateLimit = ratelimit.Config{
	TokensPerMinute: 400_000,
	MaxConcurrency:  8,
}

// ollamaNativeToolModels lists model-name prefixes known to implement
// function calling when served by Ollama. Anything else gets the tagged-text
// fallback convention.
var ollamaNativeToolModels = []string{
	"llama3.1", "llama3.2", "llama3.3",
	"qwen2.5", "qwen3",
	"mistral-nemo", "mistral-small", "mistral-large",
	"command-r",
	"firefunction",
}

// New builds the llm.Client for the given provider/model pair, reading
// credentials from the process environment (they are never serialized
// through descriptors). agentID labels metrics and logs.
func New(provider, model, agentID string, recorder metrics.Recorder, logger *logx.Logger) (llm.Client, error) {
	base, err := newBase(provider, model)
	if err != nil {
		return nil, err
	}

	limiters := ratelimit.NewMap()
	limiters.Set(model, ratelimit.NewTokenBucketLimiter(provider, defaultRateLimit))

	policy := retry.NewPolicy(retry.DefaultConfig, nil)
	breaker := circuit.New(circuit.DefaultConfig)

	return llm.Chain(base,
		timeout.Middleware(requestTimeout),
		retry.Middleware(policy, logger),
		circuit.Middleware(breaker),
		ratelimit.Middleware(limiters, nil),
		metrics.Middleware(agentID, recorder, nil, logger),
	), nil
}

func newBase(provider, model string) (llm.Client, error) {
	switch provider {
	case ProviderAnthropic:
		key := os.Getenv("ANTHROPIC_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("providers: ANTHROPIC_API_KEY not set")
		}
		return anthropic.New(key, model), nil

	case ProviderOpenAI:
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("providers: OPENAI_API_KEY not set")
		}
		return openai.New(key, model), nil

	case ProviderGoogle:
		key := os.Getenv("GOOGLE_API_KEY")
		if key == "" {
			key = os.Getenv("GEMINI_API_KEY")
		}
		if key == "" {
			return nil, fmt.Errorf("providers: GOOGLE_API_KEY not set")
		}
		return google.New(key, model), nil

	case ProviderOllama:
		host := os.Getenv("OLLAMA_HOST")
		if host == "" {
			host = "http://localhost:11434"
		}
		return ollama.New(host, model, OllamaSupportsNativeTools(model)), nil

	default:
		return nil, fmt.Errorf("providers: unknown provider %q", provider)
	}
}

// OllamaSupportsNativeTools reports whether an Ollama-served model is known
// to implement function calling natively.
func OllamaSupportsNativeTools(model string) bool {
	lower := strings.ToLower(model)
	for _, prefix := range ollamaNativeToolModels {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}
