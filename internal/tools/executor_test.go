package tools

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor_Execute(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(ToolDefinition{Name: "echo"}, HandlerFunc(
		func(_ context.Context, in map[string]any) (any, error) {
			return map[string]any{"got": in["v"]}, nil
		})))

	res := NewExecutor(r, nil).Execute(context.Background(), ToolCall{ID: "c1", Name: "echo", Input: map[string]any{"v": "x"}})

	assert.False(t, res.IsError)
	assert.Equal(t, "c1", res.CallID)
	assert.Equal(t, "echo", res.ToolName)
	assert.JSONEq(t, `{"got":"x"}`, res.Content())
}

func TestExecutor_HandlerErrorBecomesResult(t *testing.T) {
	cause := errors.New("registry unreachable")
	r := NewRegistry()
	require.NoError(t, r.Register(ToolDefinition{Name: "search"}, HandlerFunc(
		func(context.Context, map[string]any) (any, error) { return nil, cause })))

	res := NewExecutor(r, nil).Execute(context.Background(), ToolCall{ID: "c1", Name: "search"})

	require.True(t, res.IsError)
	var ee *ToolExecutionError
	require.ErrorAs(t, res.Err, &ee)
	assert.ErrorIs(t, res.Err, cause)
	assert.Contains(t, res.Content(), "registry unreachable")
}

func TestExecutor_PanicBecomesResult(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(ToolDefinition{Name: "boom"}, HandlerFunc(
		func(context.Context, map[string]any) (any, error) { panic("nil map") })))

	res := NewExecutor(r, nil).Execute(context.Background(), ToolCall{ID: "c1", Name: "boom"})

	require.True(t, res.IsError)
	var ee *ToolExecutionError
	require.ErrorAs(t, res.Err, &ee)
	assert.Contains(t, ee.Error(), "panic: nil map")
	assert.Equal(t, "c1", res.CallID)
}

func TestExecutor_UnknownTool(t *testing.T) {
	res := NewExecutor(NewRegistry(), nil).Execute(context.Background(), ToolCall{ID: "c1", Name: "nope"})

	require.True(t, res.IsError)
	var nf *ToolNotFoundError
	assert.ErrorAs(t, res.Err, &nf)
}

func TestExecutor_ExecuteBatchPreservesOrder(t *testing.T) {
	r := NewRegistry()
	// Earlier calls sleep longer, so completion order is reversed.
	require.NoError(t, r.Register(ToolDefinition{Name: "sleepy"}, HandlerFunc(
		func(_ context.Context, in map[string]any) (any, error) {
			time.Sleep(time.Duration(in["ms"].(int)) * time.Millisecond)
			return in["ms"], nil
		})))

	calls := []ToolCall{
		{ID: "a", Name: "sleepy", Input: map[string]any{"ms": 40}},
		{ID: "b", Name: "sleepy", Input: map[string]any{"ms": 20}},
		{ID: "c", Name: "sleepy", Input: map[string]any{"ms": 1}},
	}
	results := NewExecutor(r, nil).ExecuteBatch(context.Background(), calls)

	require.Len(t, results, 3)
	for i, res := range results {
		assert.Equal(t, calls[i].ID, res.CallID)
		assert.Equal(t, calls[i].Input["ms"], res.Payload)
	}
}

func TestExecutor_ExecuteBatchRespectsConcurrencyCap(t *testing.T) {
	var inFlight, peak atomic.Int32
	r := NewRegistry()
	require.NoError(t, r.Register(ToolDefinition{Name: "work"}, HandlerFunc(
		func(context.Context, map[string]any) (any, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return nil, nil
		})))

	calls := make([]ToolCall, 8)
	for i := range calls {
		calls[i] = ToolCall{Name: "work"}
	}
	NewExecutor(r, nil, WithMaxConcurrency(2)).ExecuteBatch(context.Background(), calls)

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestToolResult_ContentString(t *testing.T) {
	assert.Equal(t, "plain", ToolResult{Payload: "plain"}.Content())
	assert.Equal(t, "null", ToolResult{}.Content())
}
