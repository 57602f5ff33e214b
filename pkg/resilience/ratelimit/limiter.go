// Package ratelimit provides token-bucket rate limiting for model provider clients.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agentmesh/pkg/llm"
	"agentmesh/pkg/utils"
)

// bufferFactor accounts for token estimation inaccuracy: the bucket's
// capacity is the configured rate times this factor rather than the raw rate.
const bufferFactor = 0.9

// Limiter is the interface rate limiting implementations satisfy.
type Limiter interface {
	// Acquire blocks until tokens are available or the context is cancelled.
	Acquire(ctx context.Context, tokens int) error
	// Stats returns current limiter statistics.
	Stats() Stats
}

// TokenEstimator estimates how many tokens a request will consume.
type TokenEstimator interface {
	EstimatePrompt(req llm.CompletionRequest) int
}

// Config defines rate limiting for one provider.
type Config struct {
	TokensPerMinute int
	MaxConcurrency  int
}

// DefaultTokenEstimator estimates prompt tokens using the tiktoken-based counter.
type DefaultTokenEstimator struct{}

// NewDefaultTokenEstimator creates a default token estimator.
func NewDefaultTokenEstimator() TokenEstimator { return &DefaultTokenEstimator{} }

// EstimatePrompt sums message content and counts tokens.
func (e *DefaultTokenEstimator) EstimatePrompt(req llm.CompletionRequest) int {
	var promptText string
	for i := range req.Messages {
		promptText += req.Messages[i].Content + "\n"
	}
	return utils.CountTokensSimple(promptText)
}

// Stats reports current limiter state for introspection/metrics.
type Stats struct {
	Provider        string
	AvailableTokens int
	MaxCapacity     int
	ActiveRequests  int
	MaxConcurrency  int
	TokenLimitHits  int64
	ConcurrencyHits int64
}

// TokenBucketLimiter combines a refilling token bucket with a concurrency
// semaphore: a caller needs both available tokens and a free concurrency
// slot before a request proceeds.
//
//nolint:govet // logical field grouping preferred over memory alignment
type TokenBucketLimiter struct {
	mu sync.Mutex

	provider string

	availableTokens int
	tokensPerRefill int
	maxCapacity     int

	activeRequests int
	maxConcurrency int

	tokenLimitHits  int64
	concurrencyHits int64

	stopCh chan struct{}
}

// NewTokenBucketLimiter creates a rate limiter for one provider and starts its refill loop.
func NewTokenBucketLimiter(provider string, cfg Config) *TokenBucketLimiter {
	maxCapacity := int(float64(cfg.TokensPerMinute) * bufferFactor)
	tokensPerRefill := cfg.TokensPerMinute / 10

	l := &TokenBucketLimiter{
		provider:        provider,
		availableTokens: maxCapacity,
		tokensPerRefill: tokensPerRefill,
		maxCapacity:     maxCapacity,
		maxConcurrency:  cfg.MaxConcurrency,
		stopCh:          make(chan struct{}),
	}
	go l.refillLoop()
	return l
}

func (l *TokenBucketLimiter) refillLoop() {
	ticker := time.NewTicker(6 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.mu.Lock()
			l.availableTokens += l.tokensPerRefill
			if l.availableTokens > l.maxCapacity {
				l.availableTokens = l.maxCapacity
			}
			l.mu.Unlock()
		}
	}
}

// Close stops the limiter's background refill goroutine.
func (l *TokenBucketLimiter) Close() { close(l.stopCh) }

// Acquire blocks until tokens and a concurrency slot are both available.
func (l *TokenBucketLimiter) Acquire(ctx context.Context, tokens int) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		l.mu.Lock()
		hasTokens := l.availableTokens >= tokens
		hasSlot := l.activeRequests < l.maxConcurrency
		if hasTokens && hasSlot {
			l.availableTokens -= tokens
			l.activeRequests++
			l.mu.Unlock()
			return nil
		}
		if !hasTokens {
			l.tokenLimitHits++
		}
		if !hasSlot {
			l.concurrencyHits++
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return fmt.Errorf("rate limit acquire cancelled: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Release returns a concurrency slot acquired by Acquire.
func (l *TokenBucketLimiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.activeRequests > 0 {
		l.activeRequests--
	}
}

// Stats returns a snapshot of limiter state.
func (l *TokenBucketLimiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Provider:        l.provider,
		AvailableTokens: l.availableTokens,
		MaxCapacity:     l.maxCapacity,
		ActiveRequests:  l.activeRequests,
		MaxConcurrency:  l.maxConcurrency,
		TokenLimitHits:  l.tokenLimitHits,
		ConcurrencyHits: l.concurrencyHits,
	}
}

// Map holds one limiter per key. Middleware looks limiters up by the wrapped
// client's model name (Info().Name), so that is the key callers Set.
type Map struct {
	mu       sync.RWMutex
	limiters map[string]*TokenBucketLimiter
}

// NewMap creates an empty provider limiter map.
func NewMap() *Map {
	return &Map{limiters: make(map[string]*TokenBucketLimiter)}
}

// Set installs the limiter for a key (a model name; see Map).
func (m *Map) Set(provider string, limiter *TokenBucketLimiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limiters[provider] = limiter
}

// Get returns the limiter for a key, or an error if none is configured.
func (m *Map) Get(provider string) (*TokenBucketLimiter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.limiters[provider]
	if !ok {
		return nil, fmt.Errorf("no rate limiter configured for provider %s", provider)
	}
	return l, nil
}
