// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package llm is the provider-agnostic LLM Gateway. It holds one
// ProviderInstance per configured model (a tagged variant over the
// supported vendors) and adds the concerns that are the Gateway's alone:
// rate limiting, retry with backoff, and fallback across a model chain.
// Every provider adapter translates message.Request/Response to and from
// its native wire format; nothing above this package ever sees a
// provider-specific type.
package llm

import (
	"context"
	"errors"
	"iter"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/sagehq/sage/pkg/message"
)

// Provider identifies the LLM vendor backing a ProviderInstance.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGemini    Provider = "gemini"
	ProviderOllama    Provider = "ollama"
)

// ProviderInstance is the interface every vendor adapter implements. It is
// the tagged-variant member the Gateway dispatches to.
type ProviderInstance interface {
	// Name returns the concrete model identifier (e.g. "claude-sonnet-4-20250514").
	Name() string

	// Provider returns the vendor this instance talks to.
	Provider() Provider

	// Chat performs one non-streaming completion.
	Chat(ctx context.Context, req *message.Request) (*message.Response, error)

	// ChatStream performs one streaming completion, yielding StreamChunk
	// values terminated by a ChunkDone chunk carrying the final Response.
	ChatStream(ctx context.Context, req *message.Request) iter.Seq2[*message.StreamChunk, error]

	// Close releases any resources (connections, file handles) held by
	// this instance.
	Close() error
}

// Config configures a Gateway's retry, rate-limiting, and fallback policy.
type Config struct {
	// MaxRetries bounds retry attempts for rate-limit/transient errors.
	MaxRetries int

	// BaseDelay is the first backoff delay; each retry doubles it up to
	// MaxDelay, with full jitter applied.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// RequestsPerSecond bounds in-flight request issuance; zero disables
	// limiting.
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig returns the Gateway defaults used when Config is the zero
// value.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		BaseDelay:         500 * time.Millisecond,
		MaxDelay:          20 * time.Second,
		RequestsPerSecond: 5,
		Burst:             5,
	}
}

// Gateway is the provider-agnostic entry point the Context Builder and
// Execution Engine consume: chat and chat_stream, each backed by a
// primary ProviderInstance and an optional fallback chain.
type Gateway struct {
	cfg     Config
	chain   []ProviderInstance
	limiter *rate.Limiter
}

// New creates a Gateway over a primary instance and, optionally, a
// fallback chain tried in order when the primary fails with an
// Unavailable, AuthFailed or QuotaExceeded error.
func New(cfg Config, primary ProviderInstance, fallbacks ...ProviderInstance) *Gateway {
	if cfg.MaxRetries == 0 && cfg.BaseDelay == 0 {
		cfg = DefaultConfig()
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst == 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Gateway{
		cfg:     cfg,
		chain:   append([]ProviderInstance{primary}, fallbacks...),
		limiter: limiter,
	}
}

// Chat performs a single completion, retrying rate-limit and timeout
// errors with backoff and falling back to the next member of the chain
// when a member fails with an Unavailable, AuthFailed or QuotaExceeded
// error. Any other error, including a rate-limit or timeout error that
// outlasts the retries, is returned without trying the next member.
func (g *Gateway) Chat(ctx context.Context, req *message.Request) (*message.Response, error) {
	var lastErr error
	for _, inst := range g.chain {
		resp, err := g.chatWithRetry(ctx, inst, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !shouldFallback(err) {
			return nil, err
		}
	}
	return nil, &message.GatewayError{Kind: message.ErrorUnavailable, Detail: "all providers exhausted", Wrapped: lastErr}
}

func (g *Gateway) chatWithRetry(ctx context.Context, inst ProviderInstance, req *message.Request) (*message.Response, error) {
	delay := g.cfg.BaseDelay
	var lastErr error

	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		resp, err := inst.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !isRetryable(err) || attempt == g.cfg.MaxRetries {
			return nil, err
		}

		jittered := time.Duration(rand.Int63n(int64(delay)))
		select {
		case <-time.After(jittered):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= 2
		if delay > g.cfg.MaxDelay {
			delay = g.cfg.MaxDelay
		}
	}
	return nil, lastErr
}

// ChatStream streams a single completion from the primary provider. The
// Gateway does not retry mid-stream: a stream error surfaces immediately
// so the Engine can decide whether to restart the turn.
func (g *Gateway) ChatStream(ctx context.Context, req *message.Request) iter.Seq2[*message.StreamChunk, error] {
	inst := g.chain[0]
	return func(yield func(*message.StreamChunk, error) bool) {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				yield(nil, err)
				return
			}
		}
		for chunk, err := range inst.ChatStream(ctx, req) {
			if !yield(chunk, err) {
				return
			}
			if err != nil {
				return
			}
		}
	}
}

// Close releases every provider instance in the chain.
func (g *Gateway) Close() error {
	var firstErr error
	for _, inst := range g.chain {
		if err := inst.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func isRetryable(err error) bool {
	var gerr *message.GatewayError
	if errors.As(err, &gerr) {
		return gerr.Kind == message.ErrorRateLimited || gerr.Kind == message.ErrorTimeout
	}
	return false
}

func shouldFallback(err error) bool {
	var gerr *message.GatewayError
	if errors.As(err, &gerr) {
		return gerr.Kind == message.ErrorUnavailable || gerr.Kind == message.ErrorAuthFailed || gerr.Kind == message.ErrorQuotaExceeded
	}
	return false
}
