package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/flowgraph/types"
)

// ---------------------------------------------------------------------------
// Mock helpers
// ---------------------------------------------------------------------------

const typeProbe = "probe"

// probeLog records node invocations across goroutines.
type probeLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *probeLog) record(mark string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, mark)
}

func (l *probeLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.calls))
	copy(out, l.calls)
	return out
}

func (l *probeLog) has(mark string) bool {
	for _, c := range l.snapshot() {
		if c == mark {
			return true
		}
	}
	return false
}

// probeNodeType builds a configurable test node type. Behavior is driven
// entirely by node config:
//
//	mark       string  recorded in the log and emitted as output "mark"
//	fail       string  non-empty makes the node fail with this message
//	delay_ms   int     sleep before returning, honoring ctx cancellation
//	set        map     extra key/values merged into the output
//	echo_input bool    emit the received input under output "echo"
func probeNodeType(log *probeLog) NodeType {
	return NodeType{
		Name: typeProbe,
		Build: func(cfg map[string]any, _ *BuildContext) (NodeExecutor, error) {
			return ExecutorFunc(func(ctx context.Context, _ *ExecutionState, input map[string]any) (map[string]any, error) {
				mark := stringOption(cfg, "mark", typeProbe)
				if log != nil {
					log.record(mark)
				}
				if d := intOption(cfg, "delay_ms", 0); d > 0 {
					select {
					case <-time.After(time.Duration(d) * time.Millisecond):
					case <-ctx.Done():
						return nil, ctx.Err()
					}
				}
				if msg := stringOption(cfg, "fail", ""); msg != "" {
					return nil, errors.New(msg)
				}
				out := map[string]any{"mark": mark}
				for k, v := range mapOption(cfg, "set") {
					out[k] = v
				}
				if boolOption(cfg, "echo_input", false) {
					out["echo"] = input
				}
				return out, nil
			}), nil
		},
	}
}

func testRegistry(log *probeLog) *Registry {
	reg := DefaultRegistry()
	reg.MustRegister(probeNodeType(log))
	return reg
}

func startNode(id string) NodeSpec {
	return NodeSpec{ID: id, Type: TypeStart}
}

func probeNode(id string, extra map[string]any) NodeSpec {
	cfg := map[string]any{"mark": id}
	for k, v := range extra {
		cfg[k] = v
	}
	return NodeSpec{ID: id, Type: typeProbe, Config: cfg}
}

func edge(source, target string) EdgeSpec {
	return EdgeSpec{ID: source + "->" + target, Source: source, Target: target}
}

func handleEdge(source, handle, target string) EdgeSpec {
	return EdgeSpec{ID: source + ":" + handle + "->" + target, Source: source, SourceHandle: handle, Target: target}
}

func testDoc(nodes []NodeSpec, edges []EdgeSpec) *WorkflowDocument {
	return &WorkflowDocument{ID: "wf_test", Name: "test workflow", Nodes: nodes, Edges: edges}
}

func mustCompile(t *testing.T, reg *Registry, doc *WorkflowDocument, bctx *BuildContext) *CompiledGraph {
	t.Helper()
	graph, err := NewBuilder(reg, zap.NewNop()).Build(doc, bctx)
	require.NoError(t, err)
	return graph
}

// linearDoc creates: start -> a -> b
func linearDoc() *WorkflowDocument {
	return testDoc(
		[]NodeSpec{startNode("start"), probeNode("a", nil), probeNode("b", nil)},
		[]EdgeSpec{edge("start", "a"), edge("a", "b")},
	)
}

// faultyStore wraps a CheckpointStore with injectable failures.
type faultyStore struct {
	inner  CheckpointStore
	getErr error
	putErr error
}

func (s *faultyStore) Get(ctx context.Context, sessionID string) (*Checkpoint, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.inner.Get(ctx, sessionID)
}

func (s *faultyStore) Put(ctx context.Context, ckpt *Checkpoint) error {
	if s.putErr != nil {
		return s.putErr
	}
	return s.inner.Put(ctx, ckpt)
}

func (s *faultyStore) Delete(ctx context.Context, sessionID string) error {
	return s.inner.Delete(ctx, sessionID)
}

func traceNodeIDs(trace []TraceStep) []string {
	ids := make([]string, 0, len(trace))
	for _, step := range trace {
		ids = append(ids, step.NodeID)
	}
	return ids
}

// ---------------------------------------------------------------------------
// Execute — basic flow
// ---------------------------------------------------------------------------

func TestEngine_Execute_NilGraph(t *testing.T) {
	t.Parallel()
	engine := NewEngine()
	result, err := engine.Execute(context.Background(), nil, ExecutionRequest{})
	require.Error(t, err)
	assert.Equal(t, types.ErrStructural, types.GetErrorCode(err))
	assert.Equal(t, StatusFailed, result.Status)
}

func TestEngine_Execute_Linear(t *testing.T) {
	t.Parallel()
	log := &probeLog{}
	graph := mustCompile(t, testRegistry(log), linearDoc(), nil)

	engine := NewEngine()
	result, err := engine.Execute(context.Background(), graph, ExecutionRequest{
		Inputs: map[string]any{"question": "hello"},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.NotEmpty(t, result.ExecutionID)
	assert.NotEmpty(t, result.SessionID)
	assert.Equal(t, []string{"start", "a", "b"}, traceNodeIDs(result.Trace))
	assert.Equal(t, []string{"a", "b"}, log.snapshot())
	assert.Equal(t, "b", result.Output["mark"])
}

func TestEngine_Execute_SingleNode(t *testing.T) {
	t.Parallel()
	doc := testDoc([]NodeSpec{startNode("start")}, nil)
	graph := mustCompile(t, testRegistry(nil), doc, nil)

	engine := NewEngine()
	result, err := engine.Execute(context.Background(), graph, ExecutionRequest{
		Inputs: map[string]any{"question": "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	// start is a passthrough, the inputs come back out
	assert.Equal(t, "hi", result.Output["question"])
}

func TestEngine_Execute_GeneratesSessionID(t *testing.T) {
	t.Parallel()
	graph := mustCompile(t, testRegistry(nil), linearDoc(), nil)
	engine := NewEngine()

	first, err := engine.Execute(context.Background(), graph, ExecutionRequest{})
	require.NoError(t, err)
	second, err := engine.Execute(context.Background(), graph, ExecutionRequest{})
	require.NoError(t, err)

	assert.NotEmpty(t, first.SessionID)
	assert.NotEmpty(t, second.SessionID)
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.NotEqual(t, first.ExecutionID, second.ExecutionID)
}

func TestEngine_Execute_InputsMergedIntoBindings(t *testing.T) {
	t.Parallel()
	// The conditional right after start routes on a binding that only
	// exists because request inputs were merged before the first node ran.
	doc := testDoc(
		[]NodeSpec{
			startNode("start"),
			{ID: "route", Type: TypeConditional, Config: map[string]any{
				"condition_field": "intent",
				"condition_type":  "contains",
				"condition_chains": []any{
					map[string]any{"when": "billing", "target": "billing"},
					map[string]any{"when": "", "target": "fallback"},
				},
			}},
			probeNode("billing", nil),
			probeNode("fallback", nil),
		},
		[]EdgeSpec{
			edge("start", "route"),
			edge("route", "billing"),
			edge("route", "fallback"),
		},
	)
	log := &probeLog{}
	graph := mustCompile(t, testRegistry(log), doc, nil)

	engine := NewEngine()
	result, err := engine.Execute(context.Background(), graph, ExecutionRequest{
		Inputs: map[string]any{"intent": "billing question"},
	})
	require.NoError(t, err)
	assert.Equal(t, "billing", result.Output["mark"])
	assert.False(t, log.has("fallback"))
}

// ---------------------------------------------------------------------------
// Sessions and checkpoints
// ---------------------------------------------------------------------------

func TestEngine_Execute_CheckpointAfterEveryNode(t *testing.T) {
	t.Parallel()
	store := NewMemoryCheckpointStore()
	graph := mustCompile(t, testRegistry(nil), linearDoc(), nil)

	engine := NewEngine(WithCheckpointStore(store))
	result, err := engine.Execute(context.Background(), graph, ExecutionRequest{SessionID: "sess-1"})
	require.NoError(t, err)

	ckpt, err := store.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"start", "a", "b"}, traceNodeIDs(ckpt.State.Visited))
	// one Put per successful node
	assert.Equal(t, len(result.Trace), ckpt.Version)
}

func TestEngine_Execute_SessionResume(t *testing.T) {
	t.Parallel()
	store := NewMemoryCheckpointStore()
	doc := testDoc(
		[]NodeSpec{startNode("start"), probeNode("a", map[string]any{"set": map[string]any{"mood": "happy"}})},
		[]EdgeSpec{edge("start", "a")},
	)
	graph := mustCompile(t, testRegistry(nil), doc, nil)
	engine := NewEngine(WithCheckpointStore(store))

	_, err := engine.Execute(context.Background(), graph, ExecutionRequest{SessionID: "sess-resume"})
	require.NoError(t, err)

	// Second execution in the same session sees bindings from the first.
	routed := testDoc(
		[]NodeSpec{
			startNode("start"),
			{ID: "route", Type: TypeConditional, Config: map[string]any{
				"condition_field": "mood",
				"condition_type":  "equals",
				"condition_chains": []any{
					map[string]any{"when": "happy", "target": "happy_path"},
				},
				"default_target": "sad_path",
			}},
			probeNode("happy_path", nil),
			probeNode("sad_path", nil),
		},
		[]EdgeSpec{
			edge("start", "route"),
			edge("route", "happy_path"),
			edge("route", "sad_path"),
		},
	)
	routedGraph := mustCompile(t, testRegistry(nil), routed, nil)

	result, err := engine.Execute(context.Background(), routedGraph, ExecutionRequest{SessionID: "sess-resume"})
	require.NoError(t, err)
	assert.Equal(t, "happy_path", result.Output["mark"])

	ckpt, err := store.Get(context.Background(), "sess-resume")
	require.NoError(t, err)
	// visited steps accumulate across both executions
	assert.Len(t, ckpt.State.Visited, 5)
	assert.Greater(t, ckpt.Version, 2)
}

func TestEngine_Execute_FailureKeepsLastGoodCheckpoint(t *testing.T) {
	t.Parallel()
	store := NewMemoryCheckpointStore()
	doc := testDoc(
		[]NodeSpec{
			startNode("start"),
			probeNode("a", nil),
			probeNode("boom", map[string]any{"fail": "kaput"}),
		},
		[]EdgeSpec{edge("start", "a"), edge("a", "boom")},
	)
	graph := mustCompile(t, testRegistry(nil), doc, nil)

	engine := NewEngine(WithCheckpointStore(store))
	result, err := engine.Execute(context.Background(), graph, ExecutionRequest{SessionID: "sess-fail"})
	require.Error(t, err)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, types.ErrNodeExecution, types.GetErrorCode(err))
	assert.Equal(t, "boom", types.GetNodeID(err))
	assert.Equal(t, []string{"start", "a"}, traceNodeIDs(result.Trace))

	// The failed node never reached the store.
	ckpt, getErr := store.Get(context.Background(), "sess-fail")
	require.NoError(t, getErr)
	assert.Equal(t, []string{"start", "a"}, traceNodeIDs(ckpt.State.Visited))
}

func TestEngine_Execute_CheckpointWriteFailure(t *testing.T) {
	t.Parallel()
	store := &faultyStore{inner: NewMemoryCheckpointStore(), putErr: errors.New("disk full")}
	graph := mustCompile(t, testRegistry(nil), linearDoc(), nil)

	engine := NewEngine(WithCheckpointStore(store))
	_, err := engine.Execute(context.Background(), graph, ExecutionRequest{})
	require.Error(t, err)
	assert.Equal(t, types.ErrCheckpointIO, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
}

func TestEngine_Execute_CheckpointLoadFailure(t *testing.T) {
	t.Parallel()
	store := &faultyStore{inner: NewMemoryCheckpointStore(), getErr: errors.New("connection refused")}
	graph := mustCompile(t, testRegistry(nil), linearDoc(), nil)

	engine := NewEngine(WithCheckpointStore(store))
	result, err := engine.Execute(context.Background(), graph, ExecutionRequest{})
	require.Error(t, err)
	assert.Equal(t, types.ErrCheckpointIO, types.GetErrorCode(err))
	assert.Equal(t, StatusFailed, result.Status)
	assert.Empty(t, result.Trace)
}

// ---------------------------------------------------------------------------
// Guards: step limit, node timeout, cancellation
// ---------------------------------------------------------------------------

func TestEngine_Execute_StepLimitExceeded(t *testing.T) {
	t.Parallel()
	graph := mustCompile(t, testRegistry(nil), linearDoc(), &BuildContext{
		Limits: Limits{MaxSteps: 2},
	})

	engine := NewEngine()
	result, err := engine.Execute(context.Background(), graph, ExecutionRequest{})
	require.Error(t, err)
	assert.Equal(t, types.ErrStepLimitExceeded, types.GetErrorCode(err))
	assert.Contains(t, err.Error(), "step limit 2")
	// the first two nodes finished before the guard fired
	assert.Equal(t, []string{"start", "a"}, traceNodeIDs(result.Trace))
}

func TestEngine_Execute_NodeTimeout(t *testing.T) {
	t.Parallel()
	doc := testDoc(
		[]NodeSpec{startNode("start"), probeNode("slow", map[string]any{"delay_ms": 200})},
		[]EdgeSpec{edge("start", "slow")},
	)
	graph := mustCompile(t, testRegistry(nil), doc, &BuildContext{
		Limits: Limits{NodeTimeout: 20 * time.Millisecond},
	})

	engine := NewEngine()
	_, err := engine.Execute(context.Background(), graph, ExecutionRequest{})
	require.Error(t, err)
	assert.Equal(t, types.ErrNodeTimeout, types.GetErrorCode(err))
	assert.Equal(t, "slow", types.GetNodeID(err))
	assert.True(t, types.IsRetryable(err))
}

func TestEngine_Execute_CallerCancellation(t *testing.T) {
	t.Parallel()
	doc := testDoc(
		[]NodeSpec{startNode("start"), probeNode("slow", map[string]any{"delay_ms": 500})},
		[]EdgeSpec{edge("start", "slow")},
	)
	graph := mustCompile(t, testRegistry(nil), doc, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	engine := NewEngine()
	result, err := engine.Execute(ctx, graph, ExecutionRequest{})
	require.Error(t, err)
	assert.Equal(t, types.ErrCancelled, types.GetErrorCode(err))
	assert.Equal(t, StatusFailed, result.Status)
}

// ---------------------------------------------------------------------------
// Conditional routing
// ---------------------------------------------------------------------------

func conditionalDoc(conditionType string, chains []any, defaultTarget string) *WorkflowDocument {
	cfg := map[string]any{
		"condition_field":  "intent",
		"condition_type":   conditionType,
		"condition_chains": chains,
	}
	if defaultTarget != "" {
		cfg["default_target"] = defaultTarget
	}
	return testDoc(
		[]NodeSpec{
			startNode("start"),
			{ID: "route", Type: TypeConditional, Config: cfg},
			probeNode("billing", nil),
			probeNode("tech", nil),
			probeNode("fallback", nil),
		},
		[]EdgeSpec{
			edge("start", "route"),
			edge("route", "billing"),
			edge("route", "tech"),
			edge("route", "fallback"),
		},
	)
}

func TestEngine_Execute_ConditionalFirstMatchWins(t *testing.T) {
	t.Parallel()
	chains := []any{
		map[string]any{"when": "billing", "target": "billing"},
		map[string]any{"when": "bill", "target": "tech"}, // also matches, declared later
		map[string]any{"when": "", "target": "fallback"},
	}

	tests := []struct {
		name   string
		intent string
		want   string
	}{
		{name: "first chain wins over later substring", intent: "billing question", want: "billing"},
		{name: "second chain catches shorter substring", intent: "my bill", want: "tech"},
		{name: "empty string chain catches everything else", intent: "weather", want: "fallback"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			graph := mustCompile(t, testRegistry(nil), conditionalDoc("contains", chains, ""), nil)
			result, err := NewEngine().Execute(context.Background(), graph, ExecutionRequest{
				Inputs: map[string]any{"intent": tt.intent},
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, result.Output["mark"])
		})
	}
}

func TestEngine_Execute_ConditionalEquals(t *testing.T) {
	t.Parallel()
	chains := []any{
		map[string]any{"when": "billing", "target": "billing"},
	}
	graph := mustCompile(t, testRegistry(nil), conditionalDoc("equals", chains, "fallback"), nil)

	result, err := NewEngine().Execute(context.Background(), graph, ExecutionRequest{
		Inputs: map[string]any{"intent": "billing question"},
	})
	require.NoError(t, err)
	// equals does not match a superstring, the default kicks in
	assert.Equal(t, "fallback", result.Output["mark"])
}

func TestEngine_Execute_ConditionalNoMatchNoDefault(t *testing.T) {
	t.Parallel()
	chains := []any{
		map[string]any{"when": "billing", "target": "billing"},
	}
	graph := mustCompile(t, testRegistry(nil), conditionalDoc("equals", chains, ""), nil)

	result, err := NewEngine().Execute(context.Background(), graph, ExecutionRequest{
		Inputs: map[string]any{"intent": "weather"},
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrNoBranchMatched, types.GetErrorCode(err))
	assert.Equal(t, "route", types.GetNodeID(err))
	assert.Equal(t, StatusFailed, result.Status)
}

func TestEngine_Execute_ConditionalTargetWithoutEdge(t *testing.T) {
	t.Parallel()
	// "billing" is declared as a chain target but has no outgoing edge:
	// validation only warns, the runtime lookup fails.
	doc := testDoc(
		[]NodeSpec{
			startNode("start"),
			{ID: "route", Type: TypeConditional, Config: map[string]any{
				"condition_field": "intent",
				"condition_type":  "contains",
				"condition_chains": []any{
					map[string]any{"when": "billing", "target": "billing"},
				},
			}},
			probeNode("billing", nil),
		},
		[]EdgeSpec{edge("start", "route")},
	)
	reg := testRegistry(nil)

	validation := NewValidator(reg, zap.NewNop()).Validate(doc)
	assert.True(t, validation.Valid)
	assert.NotEmpty(t, validation.Warnings)

	graph := mustCompile(t, reg, doc, nil)
	_, err := NewEngine().Execute(context.Background(), graph, ExecutionRequest{
		Inputs: map[string]any{"intent": "billing"},
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrNoBranchMatched, types.GetErrorCode(err))
}

func TestEngine_Execute_ConditionalCustomExpression(t *testing.T) {
	t.Parallel()
	doc := testDoc(
		[]NodeSpec{
			startNode("start"),
			{ID: "route", Type: TypeConditional, Config: map[string]any{
				"condition_field": "score",
				"condition_type":  "custom",
				"condition_chains": []any{
					map[string]any{"when": "score > 90", "target": "excellent"},
					map[string]any{"when": "score > 60", "target": "pass"},
					map[string]any{"when": "", "target": "fail"},
				},
			}},
			probeNode("excellent", nil),
			probeNode("pass", nil),
			probeNode("fail", nil),
		},
		[]EdgeSpec{
			edge("start", "route"),
			edge("route", "excellent"),
			edge("route", "pass"),
			edge("route", "fail"),
		},
	)
	graph := mustCompile(t, testRegistry(nil), doc, nil)

	tests := []struct {
		score int
		want  string
	}{
		{score: 95, want: "excellent"},
		{score: 70, want: "pass"},
		{score: 30, want: "fail"},
	}
	for _, tt := range tests {
		result, err := NewEngine().Execute(context.Background(), graph, ExecutionRequest{
			Inputs: map[string]any{"score": tt.score},
		})
		require.NoError(t, err)
		assert.Equal(t, tt.want, result.Output["mark"], "score=%d", tt.score)
	}
}

// ---------------------------------------------------------------------------
// Router
// ---------------------------------------------------------------------------

func routerDoc(selector string, routes []any) *WorkflowDocument {
	return testDoc(
		[]NodeSpec{
			startNode("start"),
			{ID: "router", Type: TypeRouter, Config: map[string]any{
				"route_selector": selector,
				"routes":         routes,
			}},
			probeNode("pa", nil),
			probeNode("pb", nil),
		},
		[]EdgeSpec{
			edge("start", "router"),
			handleEdge("router", "chain_a", "pa"),
			handleEdge("router", "chain_b", "pb"),
		},
	)
}

func TestEngine_Execute_RouterFirstMatch(t *testing.T) {
	t.Parallel()
	routes := []any{
		map[string]any{"chain_id": "chain_a", "conditions": map[string]any{"tier": "gold"}},
		map[string]any{"chain_id": "chain_b", "conditions": map[string]any{}},
	}
	log := &probeLog{}
	graph := mustCompile(t, testRegistry(log), routerDoc("first_match", routes), nil)

	result, err := NewEngine().Execute(context.Background(), graph, ExecutionRequest{
		Inputs: map[string]any{"tier": "gold"},
	})
	require.NoError(t, err)
	assert.Equal(t, "pa", result.Output["mark"])
	assert.False(t, log.has("pb"))
}

func TestEngine_Execute_RouterBestMatch(t *testing.T) {
	t.Parallel()
	routes := []any{
		map[string]any{"chain_id": "chain_a", "priority": 1},
		map[string]any{"chain_id": "chain_b", "priority": 5},
	}
	graph := mustCompile(t, testRegistry(nil), routerDoc("best_match", routes), nil)

	result, err := NewEngine().Execute(context.Background(), graph, ExecutionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "pb", result.Output["mark"])
}

func TestEngine_Execute_RouterBestMatchTieKeepsDeclarationOrder(t *testing.T) {
	t.Parallel()
	routes := []any{
		map[string]any{"chain_id": "chain_a", "priority": 3},
		map[string]any{"chain_id": "chain_b", "priority": 3},
	}
	graph := mustCompile(t, testRegistry(nil), routerDoc("best_match", routes), nil)

	result, err := NewEngine().Execute(context.Background(), graph, ExecutionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "pa", result.Output["mark"])
}

func TestEngine_Execute_RouterConditionNormalization(t *testing.T) {
	t.Parallel()
	// int binding vs float64 condition value must still compare equal
	routes := []any{
		map[string]any{"chain_id": "chain_a", "conditions": map[string]any{"count": float64(3)}},
		map[string]any{"chain_id": "chain_b"},
	}
	graph := mustCompile(t, testRegistry(nil), routerDoc("first_match", routes), nil)

	result, err := NewEngine().Execute(context.Background(), graph, ExecutionRequest{
		Inputs: map[string]any{"count": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, "pa", result.Output["mark"])
}

func TestEngine_Execute_RouterNoRouteSatisfied(t *testing.T) {
	t.Parallel()
	routes := []any{
		map[string]any{"chain_id": "chain_a", "conditions": map[string]any{"tier": "gold"}},
		map[string]any{"chain_id": "chain_b", "conditions": map[string]any{"tier": "silver"}},
	}
	graph := mustCompile(t, testRegistry(nil), routerDoc("first_match", routes), nil)

	_, err := NewEngine().Execute(context.Background(), graph, ExecutionRequest{
		Inputs: map[string]any{"tier": "bronze"},
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrNoBranchMatched, types.GetErrorCode(err))
	assert.Equal(t, "router", types.GetNodeID(err))
}

// ---------------------------------------------------------------------------
// Fan-out and join
// ---------------------------------------------------------------------------

// fanOutDoc creates:
//
//	start -> router -(chain_a)-> pa -> join -> tail
//	              \-(chain_b)-> pb -> join
func fanOutDoc() *WorkflowDocument {
	return testDoc(
		[]NodeSpec{
			startNode("start"),
			{ID: "router", Type: TypeRouter, Config: map[string]any{
				"route_selector": "all_matches",
				"routes": []any{
					map[string]any{"chain_id": "chain_a"},
					map[string]any{"chain_id": "chain_b"},
				},
			}},
			probeNode("pa", map[string]any{"set": map[string]any{"from_a": true}}),
			probeNode("pb", map[string]any{"set": map[string]any{"from_b": true}}),
			probeNode("join", map[string]any{"echo_input": true}),
			probeNode("tail", nil),
		},
		[]EdgeSpec{
			edge("start", "router"),
			handleEdge("router", "chain_a", "pa"),
			handleEdge("router", "chain_b", "pb"),
			edge("pa", "join"),
			edge("pb", "join"),
			edge("join", "tail"),
		},
	)
}

func TestEngine_Execute_FanOutJoin(t *testing.T) {
	t.Parallel()
	log := &probeLog{}
	store := NewMemoryCheckpointStore()
	graph := mustCompile(t, testRegistry(log), fanOutDoc(), nil)

	engine := NewEngine(WithCheckpointStore(store))
	result, err := engine.Execute(context.Background(), graph, ExecutionRequest{SessionID: "sess-fan"})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	// branch traces appear in route declaration order, then the join
	assert.Equal(t, []string{"start", "router", "pa", "pb", "join", "tail"}, traceNodeIDs(result.Trace))
	assert.True(t, log.has("pa"))
	assert.True(t, log.has("pb"))

	// the join node received the per-chain outputs keyed by chain_id
	var joinStep TraceStep
	for _, step := range result.Trace {
		if step.NodeID == "join" {
			joinStep = step
		}
	}
	echo, ok := joinStep.Output["echo"].(map[string]any)
	require.True(t, ok)
	outA, ok := echo["chain_a"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "pa", outA["mark"])
	outB, ok := echo["chain_b"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "pb", outB["mark"])

	// bindings from both branches survive the join
	ckpt, err := store.Get(context.Background(), "sess-fan")
	require.NoError(t, err)
	assert.Equal(t, true, ckpt.State.Bindings["from_a"])
	assert.Equal(t, true, ckpt.State.Bindings["from_b"])
}

func TestEngine_Execute_FanOutSingleMatchKeepsJoinShape(t *testing.T) {
	t.Parallel()
	doc := testDoc(
		[]NodeSpec{
			startNode("start"),
			{ID: "router", Type: TypeRouter, Config: map[string]any{
				"route_selector": "all_matches",
				"routes": []any{
					map[string]any{"chain_id": "chain_a", "conditions": map[string]any{"go_a": true}},
					map[string]any{"chain_id": "chain_b", "conditions": map[string]any{"go_b": true}},
				},
			}},
			probeNode("pa", nil),
			probeNode("pb", nil),
			probeNode("join", map[string]any{"echo_input": true}),
		},
		[]EdgeSpec{
			edge("start", "router"),
			handleEdge("router", "chain_a", "pa"),
			handleEdge("router", "chain_b", "pb"),
			edge("pa", "join"),
			edge("pb", "join"),
		},
	)
	graph := mustCompile(t, testRegistry(nil), doc, nil)

	result, err := NewEngine().Execute(context.Background(), graph, ExecutionRequest{
		Inputs: map[string]any{"go_a": true},
	})
	require.NoError(t, err)

	var joinStep TraceStep
	for _, step := range result.Trace {
		if step.NodeID == "join" {
			joinStep = step
		}
	}
	echo, ok := joinStep.Output["echo"].(map[string]any)
	require.True(t, ok)
	// single satisfied chain still arrives keyed by chain_id
	_, hasA := echo["chain_a"]
	_, hasB := echo["chain_b"]
	assert.True(t, hasA)
	assert.False(t, hasB)
}

func TestEngine_Execute_FanOutBranchFailureFailsExecution(t *testing.T) {
	t.Parallel()
	log := &probeLog{}
	doc := testDoc(
		[]NodeSpec{
			startNode("start"),
			{ID: "router", Type: TypeRouter, Config: map[string]any{
				"route_selector": "all_matches",
				"routes": []any{
					map[string]any{"chain_id": "chain_a"},
					map[string]any{"chain_id": "chain_b"},
				},
			}},
			probeNode("pa", nil),
			probeNode("pb", map[string]any{"fail": "branch exploded"}),
			probeNode("join", nil),
		},
		[]EdgeSpec{
			edge("start", "router"),
			handleEdge("router", "chain_a", "pa"),
			handleEdge("router", "chain_b", "pb"),
			edge("pa", "join"),
			edge("pb", "join"),
		},
	)
	graph := mustCompile(t, testRegistry(log), doc, nil)

	_, err := NewEngine().Execute(context.Background(), graph, ExecutionRequest{})
	require.Error(t, err)
	assert.Equal(t, types.ErrNodeExecution, types.GetErrorCode(err))
	assert.Equal(t, "router", types.GetNodeID(err))
	assert.Contains(t, err.Error(), "1 of 2 fan-out branches failed")
	// collect-all join: the healthy sibling still ran to completion
	assert.True(t, log.has("pa"))
}

func TestEngine_Execute_FanOutWithoutJoinTerminates(t *testing.T) {
	t.Parallel()
	// branches never reconverge, the execution ends with the joined map
	doc := testDoc(
		[]NodeSpec{
			startNode("start"),
			{ID: "router", Type: TypeRouter, Config: map[string]any{
				"route_selector": "all_matches",
				"routes": []any{
					map[string]any{"chain_id": "chain_a"},
					map[string]any{"chain_id": "chain_b"},
				},
			}},
			probeNode("pa", nil),
			probeNode("pb", nil),
		},
		[]EdgeSpec{
			edge("start", "router"),
			handleEdge("router", "chain_a", "pa"),
			handleEdge("router", "chain_b", "pb"),
		},
	)
	graph := mustCompile(t, testRegistry(nil), doc, nil)

	result, err := NewEngine().Execute(context.Background(), graph, ExecutionRequest{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)

	outA, ok := result.Output["chain_a"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "pa", outA["mark"])
	_, ok = result.Output["chain_b"].(map[string]any)
	assert.True(t, ok)
}

func TestEngine_Execute_FanOutSharesStepBudget(t *testing.T) {
	t.Parallel()
	// 1 (start) + 1 (router) + 2 branch nodes = 4 steps > 3
	graph := mustCompile(t, testRegistry(nil), fanOutDoc(), &BuildContext{
		Limits: Limits{MaxSteps: 3},
	})

	_, err := NewEngine().Execute(context.Background(), graph, ExecutionRequest{})
	require.Error(t, err)
	assert.Equal(t, types.ErrNodeExecution, types.GetErrorCode(err))
	assert.Contains(t, err.Error(), "step limit")
}

// ---------------------------------------------------------------------------
// History and circuit breaker integration
// ---------------------------------------------------------------------------

func TestEngine_Execute_RecordsHistory(t *testing.T) {
	t.Parallel()
	history := NewExecutionHistoryStore(10)
	graph := mustCompile(t, testRegistry(nil), linearDoc(), nil)

	engine := NewEngine(WithHistory(history))
	result, err := engine.Execute(context.Background(), graph, ExecutionRequest{WorkflowID: "wf_test"})
	require.NoError(t, err)

	record, ok := history.Get(result.ExecutionID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, record.Status)
	assert.Equal(t, "wf_test", record.WorkflowID)
	assert.Equal(t, result.SessionID, record.SessionID)
	assert.Len(t, record.Nodes, 3)
	for _, run := range record.Nodes {
		assert.Equal(t, "completed", run.Status)
	}
}

func TestEngine_Execute_RecordsHistoryOnFailure(t *testing.T) {
	t.Parallel()
	history := NewExecutionHistoryStore(10)
	doc := testDoc(
		[]NodeSpec{startNode("start"), probeNode("boom", map[string]any{"fail": "nope"})},
		[]EdgeSpec{edge("start", "boom")},
	)
	graph := mustCompile(t, testRegistry(nil), doc, nil)

	engine := NewEngine(WithHistory(history))
	result, err := engine.Execute(context.Background(), graph, ExecutionRequest{})
	require.Error(t, err)

	record, ok := history.Get(result.ExecutionID)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, record.Status)
	assert.NotEmpty(t, record.Error)
}

func TestEngine_Execute_BreakerOpensAfterFailures(t *testing.T) {
	t.Parallel()
	breakers := NewBreakerRegistry(BreakerConfig{
		FailureThreshold:  1,
		RecoveryTimeout:   time.Hour,
		HalfOpenMaxProbes: 1,
		SuccessThreshold:  1,
	}, zap.NewNop())
	doc := testDoc(
		[]NodeSpec{startNode("start"), probeNode("flaky", map[string]any{"fail": "down"})},
		[]EdgeSpec{edge("start", "flaky")},
	)
	graph := mustCompile(t, testRegistry(nil), doc, nil)
	engine := NewEngine(WithBreakers(breakers))

	_, err := engine.Execute(context.Background(), graph, ExecutionRequest{})
	require.Error(t, err)
	assert.Equal(t, types.ErrNodeExecution, types.GetErrorCode(err))

	// the breaker tripped, the second run is rejected without executing
	_, err = engine.Execute(context.Background(), graph, ExecutionRequest{})
	require.Error(t, err)
	assert.Equal(t, types.ErrCircuitOpen, types.GetErrorCode(err))
	assert.Equal(t, CircuitOpen, breakers.GetOrCreate("flaky").State())
}

// ---------------------------------------------------------------------------
// Metrics hook
// ---------------------------------------------------------------------------

type recordingMetrics struct {
	mu          sync.Mutex
	workflows   []string
	nodes       []string
	checkpoints []string
}

func (m *recordingMetrics) RecordWorkflowExecution(status string, _ time.Duration, _ int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows = append(m.workflows, status)
}

func (m *recordingMetrics) RecordNodeExecution(nodeType, status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes = append(m.nodes, nodeType+"/"+status)
}

func (m *recordingMetrics) RecordCheckpointWrite(status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints = append(m.checkpoints, status)
}

func TestEngine_Execute_EmitsMetrics(t *testing.T) {
	t.Parallel()
	metrics := &recordingMetrics{}
	graph := mustCompile(t, testRegistry(nil), linearDoc(), nil)

	engine := NewEngine(WithMetrics(metrics))
	_, err := engine.Execute(context.Background(), graph, ExecutionRequest{})
	require.NoError(t, err)

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, []string{"completed"}, metrics.workflows)
	assert.Len(t, metrics.nodes, 3)
	assert.Contains(t, metrics.nodes, "start/success")
	assert.Contains(t, metrics.nodes, "probe/success")
	assert.Len(t, metrics.checkpoints, 3)
}
