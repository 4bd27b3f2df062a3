package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionState_Bindings(t *testing.T) {
	t.Parallel()
	state := NewExecutionState("sess-1")
	assert.Equal(t, "sess-1", state.SessionID)

	_, ok := state.Binding("mood")
	assert.False(t, ok)

	state.SetBinding("mood", "curious")
	got, ok := state.Binding("mood")
	require.True(t, ok)
	assert.Equal(t, "curious", got)

	// 后写覆盖
	state.MergeBindings(map[string]any{"mood": "focused", "turn": 2})
	got, _ = state.Binding("mood")
	assert.Equal(t, "focused", got)
	got, _ = state.Binding("turn")
	assert.Equal(t, 2, got)
}

func TestExecutionState_SetBindingOnZeroValue(t *testing.T) {
	t.Parallel()
	var state ExecutionState
	state.SetBinding("k", "v")
	got, ok := state.Binding("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)

	var other ExecutionState
	other.MergeBindings(map[string]any{"k": "v"})
	got, ok = other.Binding("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)
}

func TestExecutionState_CloneIsDeep(t *testing.T) {
	t.Parallel()
	state := NewExecutionState("sess-clone")
	state.SetBinding("profile", map[string]any{"name": "ada"})
	state.Memory["notes"] = []any{"first"}
	state.Visited = append(state.Visited, TraceStep{
		NodeID:    "n1",
		Output:    map[string]any{"text": "hello"},
		Timestamp: time.Now(),
	})

	cp := state.Clone()
	require.NotNil(t, cp)

	// 修改副本不影响原值
	cp.Bindings["profile"].(map[string]any)["name"] = "lovelace"
	cp.Memory["notes"] = "overwritten"
	cp.Visited[0].Output["text"] = "changed"
	cp.Visited = append(cp.Visited, TraceStep{NodeID: "n2"})

	assert.Equal(t, "ada", state.Bindings["profile"].(map[string]any)["name"])
	assert.Equal(t, []any{"first"}, state.Memory["notes"])
	assert.Equal(t, "hello", state.Visited[0].Output["text"])
	assert.Len(t, state.Visited, 1)
}

// Clone 经 JSON 往返，整数绑定归一化为 float64。路由条件的深度比较
// 依赖这一语义。
func TestExecutionState_CloneNormalizesNumbers(t *testing.T) {
	t.Parallel()
	state := NewExecutionState("sess-norm")
	state.SetBinding("count", 3)

	cp := state.Clone()
	assert.Equal(t, float64(3), cp.Bindings["count"])
}

func TestExecutionState_CloneNil(t *testing.T) {
	t.Parallel()
	var state *ExecutionState
	assert.Nil(t, state.Clone())
}

func TestCheckpoint_Clone(t *testing.T) {
	t.Parallel()
	now := time.Now()
	ckpt := &Checkpoint{
		SessionID: "sess-ckpt",
		Version:   7,
		State:     NewExecutionState("sess-ckpt"),
		UpdatedAt: now,
	}
	ckpt.State.SetBinding("k", "v")

	cp := ckpt.Clone()
	require.NotNil(t, cp)
	assert.Equal(t, "sess-ckpt", cp.SessionID)
	assert.Equal(t, 7, cp.Version)
	assert.Equal(t, now, cp.UpdatedAt)

	cp.State.SetBinding("k", "mutated")
	assert.Equal(t, "v", ckpt.State.Bindings["k"])

	var none *Checkpoint
	assert.Nil(t, none.Clone())
}

func TestDeepCopyMap(t *testing.T) {
	t.Parallel()
	assert.Nil(t, deepCopyMap(nil))
	assert.Empty(t, deepCopyMap(map[string]any{}))
	assert.NotNil(t, deepCopyMap(map[string]any{}))

	src := map[string]any{"nested": map[string]any{"k": "v"}}
	dst := deepCopyMap(src)
	dst["nested"].(map[string]any)["k"] = "changed"
	assert.Equal(t, "v", src["nested"].(map[string]any)["k"])
}

func TestNormalizeValue(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nil stays nil", nil, nil},
		{"int becomes float64", 3, float64(3)},
		{"int64 becomes float64", int64(9), float64(9)},
		{"string unchanged", "hello", "hello"},
		{"bool unchanged", true, true},
		{"string slice becomes any slice", []string{"a"}, []any{"a"}},
		{
			"typed map becomes string map",
			map[string]int{"n": 1},
			map[string]any{"n": float64(1)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, normalizeValue(tt.in))
		})
	}
}
