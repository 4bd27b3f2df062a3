package flowgraph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/flowgraph/workflow"
)

var linearDoc = []byte(`{
	"nodes": [
		{"id": "start", "type": "start"},
		{"id": "echo", "type": "passthrough"}
	],
	"edges": [
		{"source": "start", "target": "echo"}
	]
}`)

func TestRun_Passthrough(t *testing.T) {
	result, err := Run(context.Background(), linearDoc, map[string]any{"message": "hello"})
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusCompleted, result.Status)
	assert.Equal(t, "hello", result.Output["message"])
	assert.Len(t, result.Trace, 2)
}

func TestRuntime_RunWithModel(t *testing.T) {
	doc := []byte(`{
		"nodes": [
			{"id": "start", "type": "start"},
			{"id": "answer", "type": "llm", "config": {"prompt": "Say hi to {name}"}}
		],
		"edges": [
			{"source": "start", "target": "answer"}
		]
	}`)

	var seenPrompt string
	rt := New(WithModel(workflow.ModelInvokerFunc(
		func(_ context.Context, req workflow.ModelRequest) (*workflow.ModelResponse, error) {
			seenPrompt = req.Prompt
			return &workflow.ModelResponse{Text: "hi there"}, nil
		})))

	result, err := rt.Run(context.Background(), doc, map[string]any{"name": "Ada"})
	require.NoError(t, err)

	assert.Equal(t, "Say hi to Ada", seenPrompt)
	assert.Equal(t, "hi there", result.Output["output"])
}

func TestRuntime_Validate(t *testing.T) {
	rt := New()

	assert.NoError(t, rt.Validate(linearDoc))

	bad := []byte(`{
		"nodes": [{"id": "start", "type": "quantum_oracle"}],
		"edges": []
	}`)
	err := rt.Validate(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quantum_oracle")
}

func TestRuntime_Stream(t *testing.T) {
	rt := New()
	events, err := rt.Stream(context.Background(), linearDoc, map[string]any{"k": "v"})
	require.NoError(t, err)

	var nodeEvents int
	var terminal *StepEvent
	for ev := range events {
		if ev.Terminal() {
			ev := ev
			terminal = &ev
			continue
		}
		nodeEvents++
	}

	assert.Equal(t, 2, nodeEvents)
	require.NotNil(t, terminal)
	assert.Equal(t, workflow.StepEventCompleted, terminal.Type)
	assert.Equal(t, "v", terminal.Result.Output["k"])
}

func TestRuntime_SessionCheckpointing(t *testing.T) {
	store := workflow.NewMemoryCheckpointStore()
	rt := New(WithCheckpointStore(store))

	result, err := rt.RunSession(context.Background(), linearDoc, "sess-1", map[string]any{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", result.SessionID)

	// 检查点已写入，后续同会话执行可恢复状态
	ckpt, err := store.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	require.NotNil(t, ckpt)
	assert.Equal(t, "sess-1", ckpt.SessionID)
	assert.GreaterOrEqual(t, ckpt.Version, 1)
}
