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

package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagehq/sage/pkg/config"
	"github.com/sagehq/sage/pkg/input"
	"github.com/sagehq/sage/pkg/ratelimit"
	"github.com/sagehq/sage/pkg/tool"
)

// fakeLimiter is a minimal ratelimit.RateLimiter stub: allow/deny is
// fixed per instance, and CheckAndRecord records which identifier it
// was last called with so tests can assert on the scope key.
type fakeLimiter struct {
	allow      bool
	reason     string
	lastScope  ratelimit.Scope
	lastID     string
}

func (f *fakeLimiter) Check(ctx context.Context, scope ratelimit.Scope, id string) (*ratelimit.CheckResult, error) {
	return &ratelimit.CheckResult{Allowed: f.allow, Reason: f.reason}, nil
}

func (f *fakeLimiter) Record(ctx context.Context, scope ratelimit.Scope, id string, tokens, count int64) error {
	return nil
}

func (f *fakeLimiter) CheckAndRecord(ctx context.Context, scope ratelimit.Scope, id string, tokens, count int64) (*ratelimit.CheckResult, error) {
	f.lastScope = scope
	f.lastID = id
	return &ratelimit.CheckResult{Allowed: f.allow, Reason: f.reason}, nil
}

func (f *fakeLimiter) GetUsage(ctx context.Context, scope ratelimit.Scope, id string) ([]ratelimit.Usage, error) {
	return nil, nil
}

func (f *fakeLimiter) Reset(ctx context.Context, scope ratelimit.Scope, id string) error { return nil }

func (f *fakeLimiter) ResetExpired(ctx context.Context, before time.Time) error { return nil }

var _ ratelimit.RateLimiter = (*fakeLimiter)(nil)

func TestDispatch_RateLimiterDenies(t *testing.T) {
	limiter := &fakeLimiter{allow: false, reason: "session quota exceeded"}
	cfg := config.PermissionsConfig{Default: config.PermissionBypass}
	cfg.SetDefaults()
	d := New(cfg, 2*time.Second, input.AutoDeny(), WithRateLimiter(limiter, ratelimit.ScopeSession))
	require.NoError(t, d.Register(&echoTool{name: "echo"}))

	result := d.Dispatch(context.Background(), tool.Call{ID: "1", Name: "echo", Args: map[string]any{"value": "hi"}}, "sess-1", "/tmp")

	assert.True(t, result.IsError)
	assert.Contains(t, result.Error, "session quota exceeded")
	assert.Equal(t, ratelimit.ScopeSession, limiter.lastScope)
	assert.Equal(t, "sess-1", limiter.lastID)
}

func TestDispatch_RateLimiterAllows(t *testing.T) {
	limiter := &fakeLimiter{allow: true}
	cfg := config.PermissionsConfig{Default: config.PermissionBypass}
	cfg.SetDefaults()
	d := New(cfg, 2*time.Second, input.AutoDeny(), WithRateLimiter(limiter, ratelimit.ScopeSession))
	require.NoError(t, d.Register(&echoTool{name: "echo"}))

	result := d.Dispatch(context.Background(), tool.Call{ID: "1", Name: "echo", Args: map[string]any{"value": "hi"}}, "sess-1", "/tmp")

	assert.False(t, result.IsError)
	assert.Contains(t, result.Content, "hi")
}

func TestDispatch_NoRateLimiterSkipsCheck(t *testing.T) {
	cfg := config.PermissionsConfig{Default: config.PermissionBypass}
	cfg.SetDefaults()
	d := New(cfg, 2*time.Second, input.AutoDeny())
	require.NoError(t, d.Register(&echoTool{name: "echo"}))

	result := d.Dispatch(context.Background(), tool.Call{ID: "1", Name: "echo", Args: map[string]any{"value": "hi"}}, "sess-1", "/tmp")

	assert.False(t, result.IsError)
}
