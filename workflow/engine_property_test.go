package workflow

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

// Conditional routing must agree with a straight-line reference
// implementation of first-match-wins contains semantics.
func TestProperty_ConditionalRoutingAgreesWithReference(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	type refChain struct{ when, target string }
	chains := []refChain{
		{when: "alpha", target: "ta"},
		{when: "beta", target: "tb"},
		{when: "", target: "tc"}, // declared last, catches everything
	}

	reference := func(value string) string {
		for _, c := range chains {
			if c.when == "" || strings.Contains(value, c.when) {
				return c.target
			}
		}
		return ""
	}

	doc := testDoc(
		[]NodeSpec{
			startNode("start"),
			{ID: "route", Type: TypeConditional, Config: map[string]any{
				"condition_field": "topic",
				"condition_type":  "contains",
				"condition_chains": []any{
					map[string]any{"when": "alpha", "target": "ta"},
					map[string]any{"when": "beta", "target": "tb"},
					map[string]any{"when": "", "target": "tc"},
				},
			}},
			probeNode("ta", nil),
			probeNode("tb", nil),
			probeNode("tc", nil),
		},
		[]EdgeSpec{
			edge("start", "route"),
			edge("route", "ta"),
			edge("route", "tb"),
			edge("route", "tc"),
		},
	)
	graph := mustCompile(t, testRegistry(nil), doc, nil)
	engine := NewEngine()

	fragment := gen.OneConstOf("alpha", "beta", "gamma", "alphabet", "et", "")

	properties.Property("engine routes to the same target as the reference", prop.ForAll(
		func(left, right string) bool {
			value := left + " " + right
			result, err := engine.Execute(context.Background(), graph, ExecutionRequest{
				Inputs: map[string]any{"topic": value},
			})
			if err != nil {
				t.Logf("execute failed for %q: %v", value, err)
				return false
			}
			return result.Output["mark"] == reference(value)
		},
		fragment,
		fragment,
	))

	properties.TestingRun(t)
}

// best_match must pick the highest priority and keep declaration order on ties.
func TestProperty_RouterBestMatchPicksHighestPriority(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		chainIDs := []string{"chain_a", "chain_b", "chain_c"}
		priorities := make([]float64, len(chainIDs))
		routes := make([]any, len(chainIDs))
		for i, id := range chainIDs {
			// small integer range provokes ties often
			priorities[i] = float64(rapid.IntRange(0, 3).Draw(rt, fmt.Sprintf("priority_%d", i)))
			routes[i] = map[string]any{"chain_id": id, "priority": priorities[i]}
		}

		expected := chainIDs[0]
		best := priorities[0]
		for i := 1; i < len(priorities); i++ {
			if priorities[i] > best {
				best = priorities[i]
				expected = chainIDs[i]
			}
		}

		doc := testDoc(
			[]NodeSpec{
				startNode("start"),
				{ID: "router", Type: TypeRouter, Config: map[string]any{
					"route_selector": "best_match",
					"routes":         routes,
				}},
				probeNode("pa", nil),
				probeNode("pb", nil),
				probeNode("pc", nil),
			},
			[]EdgeSpec{
				edge("start", "router"),
				handleEdge("router", "chain_a", "pa"),
				handleEdge("router", "chain_b", "pb"),
				handleEdge("router", "chain_c", "pc"),
			},
		)
		graph := mustCompile(t, testRegistry(nil), doc, nil)

		result, err := NewEngine().Execute(context.Background(), graph, ExecutionRequest{})
		require.NoError(t, err)

		marks := map[string]string{"chain_a": "pa", "chain_b": "pb", "chain_c": "pc"}
		assert.Equal(t, marks[expected], result.Output["mark"])
	})
}

// Any linear chain must terminate with exactly one trace step per node
// and never trip the step limit guard.
func TestProperty_LinearChainTerminates(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 10).Draw(rt, "chain_length")

		nodes := []NodeSpec{startNode("start")}
		var edges []EdgeSpec
		prev := "start"
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("p%d", i)
			nodes = append(nodes, probeNode(id, nil))
			edges = append(edges, edge(prev, id))
			prev = id
		}

		graph := mustCompile(t, testRegistry(nil), testDoc(nodes, edges), nil)
		result, err := NewEngine().Execute(context.Background(), graph, ExecutionRequest{})
		require.NoError(t, err)

		assert.Equal(t, StatusCompleted, result.Status)
		assert.Len(t, result.Trace, n+1)
		assert.Equal(t, fmt.Sprintf("p%d", n-1), result.Output["mark"])
	})
}

// A document the validator accepts must always compile; a document the
// validator rejects must never compile.
func TestProperty_ValidationDecidesBuildability(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 5).Draw(rt, "chain_length")
		nodes := []NodeSpec{startNode("start")}
		var edges []EdgeSpec
		prev := "start"
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("p%d", i)
			nodes = append(nodes, probeNode(id, nil))
			edges = append(edges, edge(prev, id))
			prev = id
		}

		corruption := rapid.SampledFrom([]string{
			"none", "duplicate_id", "unknown_type", "dangling_edge", "cycle", "second_start",
		}).Draw(rt, "corruption")
		switch corruption {
		case "duplicate_id":
			nodes = append(nodes, probeNode("p0", nil))
		case "unknown_type":
			nodes = append(nodes, NodeSpec{ID: "alien", Type: "no_such_type"})
		case "dangling_edge":
			edges = append(edges, edge(prev, "ghost"))
		case "cycle":
			edges = append(edges, edge(prev, "p0"))
		case "second_start":
			nodes = append(nodes, startNode("start2"))
		}
		doc := testDoc(nodes, edges)

		reg := testRegistry(nil)
		validation := NewValidator(reg, zap.NewNop()).Validate(doc)
		_, buildErr := NewBuilder(reg, zap.NewNop()).Build(doc, nil)

		if validation.Valid {
			assert.NoError(t, buildErr, "valid document must compile (corruption=%s)", corruption)
		} else {
			assert.Error(t, buildErr, "invalid document must not compile (corruption=%s)", corruption)
		}
	})
}

// Checkpoint versions grow strictly monotonically within a session, one
// bump per completed node.
func TestProperty_CheckpointVersionMonotonic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		runs := rapid.IntRange(1, 4).Draw(rt, "runs")
		n := rapid.IntRange(1, 4).Draw(rt, "chain_length")

		nodes := []NodeSpec{startNode("start")}
		var edges []EdgeSpec
		prev := "start"
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("p%d", i)
			nodes = append(nodes, probeNode(id, nil))
			edges = append(edges, edge(prev, id))
			prev = id
		}
		graph := mustCompile(t, testRegistry(nil), testDoc(nodes, edges), nil)

		store := NewMemoryCheckpointStore()
		engine := NewEngine(WithCheckpointStore(store))

		lastVersion := 0
		for i := 0; i < runs; i++ {
			_, err := engine.Execute(context.Background(), graph, ExecutionRequest{SessionID: "sess-prop"})
			require.NoError(t, err)

			ckpt, err := store.Get(context.Background(), "sess-prop")
			require.NoError(t, err)
			assert.Greater(t, ckpt.Version, lastVersion)
			lastVersion = ckpt.Version
		}
		assert.Equal(t, runs*(n+1), lastVersion)
	})
}

// Streaming and synchronous execution must agree on the final result.
func TestProperty_StreamAgreesWithExecute(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(rt, "chain_length")
		nodes := []NodeSpec{startNode("start")}
		var edges []EdgeSpec
		prev := "start"
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("p%d", i)
			nodes = append(nodes, probeNode(id, nil))
			edges = append(edges, edge(prev, id))
			prev = id
		}
		graph := mustCompile(t, testRegistry(nil), testDoc(nodes, edges), nil)
		engine := NewEngine()

		syncResult, err := engine.Execute(context.Background(), graph, ExecutionRequest{})
		require.NoError(t, err)

		var terminal StepEvent
		for ev := range engine.ExecuteStream(context.Background(), graph, ExecutionRequest{}) {
			terminal = ev
		}
		require.NotNil(t, terminal.Result)

		assert.Equal(t, syncResult.Status, terminal.Result.Status)
		assert.Equal(t, syncResult.Output, terminal.Result.Output)
		assert.Equal(t, traceNodeIDs(syncResult.Trace), traceNodeIDs(terminal.Result.Trace))
	})
}
