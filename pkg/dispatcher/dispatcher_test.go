package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagehq/sage/pkg/config"
	"github.com/sagehq/sage/pkg/input"
	"github.com/sagehq/sage/pkg/tool"
)

// echoTool is a CallableTool stub used across the dispatcher tests.
type echoTool struct {
	name       string
	approval   bool
	schema     map[string]any
	delay      time.Duration
	fail       bool
}

func (t *echoTool) Name() string              { return t.name }
func (t *echoTool) Description() string       { return "echoes its input" }
func (t *echoTool) IsLongRunning() bool       { return false }
func (t *echoTool) RequiresApproval() bool    { return t.approval }
func (t *echoTool) Schema() map[string]any    { return t.schema }

func (t *echoTool) Call(ctx tool.Context, args map[string]any) (map[string]any, error) {
	if t.fail {
		return nil, assert.AnError
	}
	if t.delay > 0 {
		select {
		case <-time.After(t.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return map[string]any{"echo": args["value"]}, nil
}

func newDispatcher(t *testing.T, cfg config.PermissionsConfig, ch input.Channel) *Dispatcher {
	t.Helper()
	cfg.SetDefaults()
	return New(cfg, 2*time.Second, ch)
}

func TestDispatch_AllowsByDefaultBypass(t *testing.T) {
	d := newDispatcher(t, config.PermissionsConfig{Default: config.PermissionBypass}, input.AutoDeny())
	require.NoError(t, d.Register(&echoTool{name: "echo"}))

	result := d.Dispatch(context.Background(), tool.Call{ID: "1", Name: "echo", Args: map[string]any{"value": "hi"}}, "sess", "/tmp")
	assert.False(t, result.IsError)
	assert.Contains(t, result.Content, "hi")
}

func TestDispatch_DenyRuleShortCircuits(t *testing.T) {
	cfg := config.PermissionsConfig{
		Default: config.PermissionAllow,
		Rules:   []config.PermissionRule{{Tool: "danger", Action: config.PermissionDeny}},
	}
	d := newDispatcher(t, cfg, input.AutoApprove())
	require.NoError(t, d.Register(&echoTool{name: "danger"}))

	result := d.Dispatch(context.Background(), tool.Call{ID: "1", Name: "danger"}, "sess", "/tmp")
	require.True(t, result.IsError)
	assert.Contains(t, result.Error, "permission_denied")
}

func TestDispatch_AskGoesThroughChannel(t *testing.T) {
	d := newDispatcher(t, config.PermissionsConfig{Default: config.PermissionAsk}, input.AutoApprove())
	require.NoError(t, d.Register(&echoTool{name: "echo"}))

	result := d.Dispatch(context.Background(), tool.Call{ID: "1", Name: "echo", Args: map[string]any{"value": "v"}}, "sess", "/tmp")
	assert.False(t, result.IsError)

	d2 := newDispatcher(t, config.PermissionsConfig{Default: config.PermissionAsk}, input.AutoDeny())
	require.NoError(t, d2.Register(&echoTool{name: "echo"}))
	result2 := d2.Dispatch(context.Background(), tool.Call{ID: "2", Name: "echo"}, "sess", "/tmp")
	assert.True(t, result2.IsError)
	assert.Contains(t, result2.Error, "permission_denied")
}

func TestDispatch_RequiresApprovalFlagForcesAsk(t *testing.T) {
	d := newDispatcher(t, config.PermissionsConfig{Default: config.PermissionAllow}, input.AutoDeny())
	require.NoError(t, d.Register(&echoTool{name: "rm", approval: true}))

	result := d.Dispatch(context.Background(), tool.Call{ID: "1", Name: "rm"}, "sess", "/tmp")
	assert.True(t, result.IsError)
}

func TestDispatch_SchemaInvalidShortCircuitsWithoutExecuting(t *testing.T) {
	d := newDispatcher(t, config.PermissionsConfig{Default: config.PermissionAllow}, input.AutoApprove())
	schema := map[string]any{
		"type":     "object",
		"required": []any{"value"},
		"properties": map[string]any{
			"value": map[string]any{"type": "string"},
		},
	}
	require.NoError(t, d.Register(&echoTool{name: "echo", schema: schema}))

	result := d.Dispatch(context.Background(), tool.Call{ID: "1", Name: "echo", Args: map[string]any{}}, "sess", "/tmp")
	require.True(t, result.IsError)
	assert.Contains(t, result.Error, "schema_invalid")
}

func TestDispatch_NotFound(t *testing.T) {
	d := newDispatcher(t, config.PermissionsConfig{}, input.AutoApprove())
	result := d.Dispatch(context.Background(), tool.Call{ID: "1", Name: "missing"}, "sess", "/tmp")
	assert.True(t, result.IsError)
	assert.Contains(t, result.Error, "not_found")
}

func TestDispatch_TimeoutWhenToolHangs(t *testing.T) {
	d := New(config.PermissionsConfig{Default: config.PermissionAllow}, 20*time.Millisecond, input.AutoApprove())
	require.NoError(t, d.Register(&echoTool{name: "slow", delay: time.Second}))

	result := d.Dispatch(context.Background(), tool.Call{ID: "1", Name: "slow"}, "sess", "/tmp")
	require.True(t, result.IsError)
	assert.Contains(t, result.Error, "timeout")
}

func TestDispatch_ExecutorFailure(t *testing.T) {
	d := newDispatcher(t, config.PermissionsConfig{Default: config.PermissionAllow}, input.AutoApprove())
	require.NoError(t, d.Register(&echoTool{name: "broken", fail: true}))

	result := d.Dispatch(context.Background(), tool.Call{ID: "1", Name: "broken"}, "sess", "/tmp")
	require.True(t, result.IsError)
	assert.Contains(t, result.Error, "executor_failed")
}

func TestDispatchBatch_PreservesInputOrder(t *testing.T) {
	cfg := config.PermissionsConfig{Default: config.PermissionAllow, Concurrency: config.ConcurrencyParallel}
	d := newDispatcher(t, cfg, input.AutoApprove())
	require.NoError(t, d.Register(&echoTool{name: "a", delay: 30 * time.Millisecond}))
	require.NoError(t, d.Register(&echoTool{name: "b"}))
	require.NoError(t, d.Register(&echoTool{name: "c"}))

	calls := []tool.Call{
		{ID: "1", Name: "a", Args: map[string]any{"value": "a"}},
		{ID: "2", Name: "b", Args: map[string]any{"value": "b"}},
		{ID: "3", Name: "c", Args: map[string]any{"value": "c"}},
	}
	results := d.DispatchBatch(context.Background(), calls, "sess", "/tmp")
	require.Len(t, results, 3)
	assert.Equal(t, "1", results[0].CallID)
	assert.Equal(t, "2", results[1].CallID)
	assert.Equal(t, "3", results[2].CallID)
}

func TestDispatchBatch_ExclusiveByTypeSerializesSameTool(t *testing.T) {
	cfg := config.PermissionsConfig{Default: config.PermissionAllow, Concurrency: config.ConcurrencyExclusiveByType}
	d := newDispatcher(t, cfg, input.AutoApprove())
	require.NoError(t, d.Register(&echoTool{name: "a"}))

	calls := []tool.Call{{ID: "1", Name: "a"}, {ID: "2", Name: "a"}}
	results := d.DispatchBatch(context.Background(), calls, "sess", "/tmp")
	require.Len(t, results, 2)
	assert.False(t, results[0].IsError)
	assert.False(t, results[1].IsError)
}

func TestDispatch_LifecycleEventsEmitted(t *testing.T) {
	d := newDispatcher(t, config.PermissionsConfig{Default: config.PermissionAllow}, input.AutoApprove())
	require.NoError(t, d.Register(&echoTool{name: "echo"}))

	var kinds []EventKind
	unsub := d.Subscribe(func(ev Event) { kinds = append(kinds, ev.Kind) })
	defer unsub()

	d.Dispatch(context.Background(), tool.Call{ID: "1", Name: "echo"}, "sess", "/tmp")
	require.Len(t, kinds, 2)
	assert.Equal(t, EventStarted, kinds[0])
	assert.Equal(t, EventCompleted, kinds[1])
}
