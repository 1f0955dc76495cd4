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

package observability

import (
	"context"
	"sync"
	"time"
)

var (
	globalMetrics GlobalMetrics
	metricsMu     sync.RWMutex
)

// GlobalMetrics is the context- and error-aware metrics sink used by
// request-scoped callers (the dispatcher, the LLM Gateway) that need to
// tag a recording with the outcome of the call it just made. It is
// distinct from the plain-argument recording methods the Prometheus-
// backed Metrics struct in metrics.go exposes directly; metricsAdapter
// bridges the two.
type GlobalMetrics interface {
	RecordAgentCall(ctx context.Context, duration time.Duration, tokens int, err error)
	RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error)
	RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error)

	// HTTP metrics
	RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration, responseSize int)

	// gRPC metrics
	RecordGRPCCall(ctx context.Context, service, method, statusCode string, duration time.Duration, err error)

	// Business KPI metrics
	RecordSession(ctx context.Context, agentName string, duration time.Duration, successful bool)
	RecordConversationTurn(ctx context.Context, agentName string, turnCount int)
}

// metricsAdapter satisfies GlobalMetrics by forwarding to a *Metrics,
// translating the ctx/err-aware call shape that request-scoped callers
// use into the plain Record*/Record*Error pairs Metrics exposes. This is
// what lets a real Manager-owned Metrics instance back GetGlobalMetrics
// instead of the package defaulting to noopGlobalMetrics forever.
type metricsAdapter struct {
	m *Metrics
}

// NewGlobalMetricsAdapter wraps m so it can be installed with
// SetGlobalMetrics. agentName/agentType default to "agent"/"default"
// since the GlobalMetrics call shape doesn't carry them separately.
func NewGlobalMetricsAdapter(m *Metrics) GlobalMetrics {
	return &metricsAdapter{m: m}
}

func (a *metricsAdapter) RecordAgentCall(ctx context.Context, duration time.Duration, tokens int, err error) {
	if a.m == nil {
		return
	}
	a.m.RecordAgentCall("agent", "default", duration)
	if err != nil {
		a.m.RecordAgentError("agent", "default", errorType(err))
	}
	if tokens > 0 {
		a.m.RecordLLMTokens("unknown", "unknown", tokens, 0)
	}
}

func (a *metricsAdapter) RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error) {
	if a.m == nil {
		return
	}
	a.m.RecordToolCall(tool, duration)
	if err != nil {
		a.m.RecordToolError(tool, errorType(err))
	}
}

func (a *metricsAdapter) RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if a.m == nil {
		return
	}
	a.m.RecordLLMCall(model, "unknown", duration)
	a.m.RecordLLMTokens(model, "unknown", inputTokens, outputTokens)
	if err != nil {
		a.m.RecordLLMError(model, "unknown", errorType(err))
	}
}

func (a *metricsAdapter) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration, responseSize int) {
	if a.m == nil {
		return
	}
	a.m.RecordHTTPRequest(method, path, statusCode, duration, 0, int64(responseSize))
}

func (a *metricsAdapter) RecordGRPCCall(ctx context.Context, service, method, statusCode string, duration time.Duration, err error) {
	// No gRPC surface is wired; Metrics carries no gRPC collectors to forward to.
}

func (a *metricsAdapter) RecordSession(ctx context.Context, agentName string, duration time.Duration, successful bool) {
	if a.m == nil {
		return
	}
	a.m.RecordSessionEvent(agentName, "ended")
}

func (a *metricsAdapter) RecordConversationTurn(ctx context.Context, agentName string, turnCount int) {
	// Metrics has no turn-count collector; conversation length is tracked
	// at the session store layer instead.
}

func errorType(err error) string {
	if err == nil {
		return ""
	}
	return "error"
}

func SetGlobalMetrics(m GlobalMetrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

func GetGlobalMetrics() GlobalMetrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	if globalMetrics == nil {
		return noopGlobalMetrics{}
	}
	return globalMetrics
}

// noopGlobalMetrics is GetGlobalMetrics' fallback before SetGlobalMetrics
// is ever called.
type noopGlobalMetrics struct{}

func (noopGlobalMetrics) RecordAgentCall(context.Context, time.Duration, int, error)                  {}
func (noopGlobalMetrics) RecordToolExecution(context.Context, string, time.Duration, error)            {}
func (noopGlobalMetrics) RecordLLMCall(context.Context, string, time.Duration, int, int, error)        {}
func (noopGlobalMetrics) RecordHTTPRequest(context.Context, string, string, int, time.Duration, int)   {}
func (noopGlobalMetrics) RecordGRPCCall(context.Context, string, string, string, time.Duration, error) {}
func (noopGlobalMetrics) RecordSession(context.Context, string, time.Duration, bool)                   {}
func (noopGlobalMetrics) RecordConversationTurn(context.Context, string, int)                           {}

var (
	_ GlobalMetrics = noopGlobalMetrics{}
	_ GlobalMetrics = (*metricsAdapter)(nil)
)
