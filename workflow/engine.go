package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/flowgraph/types"
)

// ExecutionRequest 描述一次执行：输入绑定 + 可选会话标识。
// SessionID 为空时引擎生成新的 uuid，即一次性会话。
type ExecutionRequest struct {
	WorkflowID string         `json:"workflow_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	Inputs     map[string]any `json:"inputs,omitempty"`
}

// ExecutionResult 是一次执行的最终结果。失败时 Trace 保留已成功节点的
// 部分轨迹，Err 携带结构化错误（types.Error）。
type ExecutionResult struct {
	ExecutionID  string          `json:"execution_id"`
	SessionID    string          `json:"session_id"`
	Status       ExecutionStatus `json:"status"`
	Output       map[string]any  `json:"output,omitempty"`
	Trace        []TraceStep     `json:"trace"`
	ErrorMessage string          `json:"error,omitempty"`
	Err          error           `json:"-"`
}

// ExecutionMetrics 是引擎上报指标的窄接口，由 internal/metrics.Collector
// 实现。留空时引擎不上报。
type ExecutionMetrics interface {
	RecordWorkflowExecution(status string, duration time.Duration, steps int)
	RecordNodeExecution(nodeType, status string, duration time.Duration)
	RecordCheckpointWrite(status string, duration time.Duration)
}

// Engine 在编译图上推进执行：维护会话状态、落检查点、按解析器分流，
// 并执行步数上限 / 单节点超时 / 协作取消三类防护。
// 同一 Engine 可并发服务多个执行；会话内检查点写入由引擎独占。
type Engine struct {
	checkpoints CheckpointStore
	history     *ExecutionHistoryStore
	breakers    *BreakerRegistry
	metrics     ExecutionMetrics
	tracer      trace.Tracer
	logger      *zap.Logger
}

// EngineOption 配置 Engine。
type EngineOption func(*Engine)

// WithCheckpointStore 指定检查点后端，默认内存实现。
func WithCheckpointStore(store CheckpointStore) EngineOption {
	return func(e *Engine) {
		if store != nil {
			e.checkpoints = store
		}
	}
}

// WithHistory 启用执行历史记录。
func WithHistory(history *ExecutionHistoryStore) EngineOption {
	return func(e *Engine) { e.history = history }
}

// WithBreakers 启用节点级熔断。
func WithBreakers(registry *BreakerRegistry) EngineOption {
	return func(e *Engine) { e.breakers = registry }
}

// WithMetrics 启用指标上报。
func WithMetrics(metrics ExecutionMetrics) EngineOption {
	return func(e *Engine) { e.metrics = metrics }
}

// WithEngineLogger 指定日志器，默认 no-op。
func WithEngineLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger.With(zap.String("component", "workflow_engine"))
		}
	}
}

// NewEngine 创建执行引擎。
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		checkpoints: NewMemoryCheckpointStore(),
		tracer:      otel.Tracer("github.com/BaSui01/flowgraph/workflow"),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute 同步执行：阻塞到终止节点（或失败）才返回。
// 失败时返回值与错误同时有效，返回值携带部分轨迹。
func (e *Engine) Execute(ctx context.Context, graph *CompiledGraph, req ExecutionRequest) (*ExecutionResult, error) {
	result := e.run(ctx, graph, req, nil)
	return result, result.Err
}

// run 是同步与流式共用的执行主体。emit 在每个节点成功后收到一个事件；
// 终止事件由调用方（ExecuteStream）补发，保证恰好一个。
func (e *Engine) run(ctx context.Context, graph *CompiledGraph, req ExecutionRequest, emit func(StepEvent)) *ExecutionResult {
	if emit == nil {
		emit = func(StepEvent) {}
	}
	started := time.Now()

	result := &ExecutionResult{
		ExecutionID: uuid.NewString(),
		SessionID:   req.SessionID,
		Status:      StatusPending,
		Trace:       []TraceStep{},
	}
	if result.SessionID == "" {
		result.SessionID = uuid.NewString()
	}

	if graph == nil || graph.entry == "" {
		return e.finishFailed(result, started, 0,
			types.NewError(types.ErrStructural, "compiled graph has no entry node"))
	}

	ctx = types.WithExecutionID(ctx, result.ExecutionID)
	ctx = types.WithSessionID(ctx, result.SessionID)

	ctx, span := e.tracer.Start(ctx, "workflow.execute",
		trace.WithAttributes(
			attribute.String("workflow.execution_id", result.ExecutionID),
			attribute.String("workflow.session_id", result.SessionID),
		))
	defer span.End()

	if e.history != nil {
		e.history.Begin(result.ExecutionID, req.WorkflowID, result.SessionID)
	}

	state, err := e.loadState(ctx, result.SessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "checkpoint load failed")
		return e.finishFailed(result, started, 0, err)
	}
	state.MergeBindings(req.Inputs)

	var steps atomic.Int64
	w := &walker{
		engine:  e,
		graph:   graph,
		limits:  graph.limits,
		steps:   &steps,
		emit:    emit,
		execID:  result.ExecutionID,
		state:   state,
		sink:    &result.Trace,
		persist: true,
	}

	result.Status = StatusRunning

	input := deepCopyMap(req.Inputs)
	if input == nil {
		input = map[string]any{}
	}

	output, err := w.runSegment(ctx, graph.entry, "", input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(types.GetErrorCode(err)))
		e.logger.Warn("workflow execution failed",
			zap.String("execution_id", result.ExecutionID),
			zap.String("session_id", result.SessionID),
			zap.String("error_code", string(types.GetErrorCode(err))),
			zap.Int64("steps", steps.Load()),
			zap.Error(err))
		return e.finishFailed(result, started, steps.Load(), err)
	}

	result.Status = StatusCompleted
	result.Output = output
	span.SetAttributes(attribute.Int64("workflow.steps", steps.Load()))
	span.SetStatus(codes.Ok, "")

	if e.history != nil {
		e.history.Complete(result.ExecutionID, StatusCompleted, nil)
	}
	if e.metrics != nil {
		e.metrics.RecordWorkflowExecution(string(StatusCompleted), time.Since(started), int(steps.Load()))
	}
	e.logger.Info("workflow execution completed",
		zap.String("execution_id", result.ExecutionID),
		zap.String("session_id", result.SessionID),
		zap.Int64("steps", steps.Load()),
		zap.Duration("duration", time.Since(started)))
	return result
}

func (e *Engine) finishFailed(result *ExecutionResult, started time.Time, steps int64, err error) *ExecutionResult {
	result.Status = StatusFailed
	result.Err = err
	result.ErrorMessage = err.Error()
	if e.history != nil {
		e.history.Complete(result.ExecutionID, StatusFailed, err)
	}
	if e.metrics != nil {
		e.metrics.RecordWorkflowExecution(string(StatusFailed), time.Since(started), int(steps))
	}
	return result
}

// loadState 读取会话检查点；不存在则新建空状态。
func (e *Engine) loadState(ctx context.Context, sessionID string) (*ExecutionState, error) {
	ckpt, err := e.checkpoints.Get(ctx, sessionID)
	if errors.Is(err, ErrCheckpointNotFound) {
		return NewExecutionState(sessionID), nil
	}
	if err != nil {
		return nil, types.NewError(types.ErrCheckpointIO, "failed to load checkpoint").
			WithCause(err).WithRetryable(true)
	}
	state := ckpt.State
	if state == nil {
		return NewExecutionState(sessionID), nil
	}
	if state.Bindings == nil {
		state.Bindings = map[string]any{}
	}
	if state.Memory == nil {
		state.Memory = map[string]any{}
	}
	state.SessionID = sessionID
	return state, nil
}

// persist 写回检查点。只在节点成功后调用；失败的节点绝不触达存储，
// 会话里留存的永远是最后一个成功节点之后的状态。
func (e *Engine) persist(ctx context.Context, state *ExecutionState) error {
	start := time.Now()
	err := e.checkpoints.Put(ctx, &Checkpoint{SessionID: state.SessionID, State: state})
	if e.metrics != nil {
		e.metrics.RecordCheckpointWrite(outcomeLabel(err), time.Since(start))
	}
	if err != nil {
		return types.NewError(types.ErrCheckpointIO, "failed to persist checkpoint").
			WithCause(err).WithRetryable(true)
	}
	return nil
}

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// walker 承载一条执行路径的游走状态。根 walker 持有会话状态并独占
// 检查点写入；扇出分支在克隆状态上运行子 walker（persist=false），
// 汇合时按 chain 声明顺序合并回父状态。步数计数器全程共享。
type walker struct {
	engine  *Engine
	graph   *CompiledGraph
	limits  Limits
	steps   *atomic.Int64
	emit    func(StepEvent)
	execID  string
	state   *ExecutionState
	sink    *[]TraceStep
	persist bool
}

// runSegment 从 from 推进到 until（不含）或终止节点，返回最后一个
// 成功节点的输出。until 为空表示走到图的终点。
func (w *walker) runSegment(ctx context.Context, from, until string, input map[string]any) (map[string]any, error) {
	current := from
	output := input

	for current != "" && current != until {
		if err := ctx.Err(); err != nil {
			return nil, types.NewError(types.ErrCancelled, "execution cancelled").WithCause(err)
		}
		if taken := w.steps.Add(1); taken > int64(w.limits.MaxSteps) {
			return nil, types.NewErrorf(types.ErrStepLimitExceeded,
				"execution exceeded step limit %d", w.limits.MaxSteps)
		}

		node, ok := w.graph.node(current)
		if !ok {
			return nil, types.NewErrorf(types.ErrStructural, "transition to unknown node %q", current)
		}

		nodeOutput, err := w.runNode(ctx, node, output)
		if err != nil {
			return nil, err
		}

		w.state.MergeBindings(nodeOutput)
		step := TraceStep{NodeID: node.id, Output: nodeOutput, Timestamp: time.Now().UTC()}
		w.state.Visited = append(w.state.Visited, step)
		*w.sink = append(*w.sink, step)

		if w.persist {
			if err := w.engine.persist(ctx, w.state); err != nil {
				return nil, err
			}
		}

		w.emit(StepEvent{
			Type:        StepEventNode,
			ExecutionID: w.execID,
			NodeID:      node.id,
			NodeType:    node.kind,
			Output:      nodeOutput,
			Timestamp:   step.Timestamp,
		})

		output = nodeOutput

		next, fanInput, err := w.advance(ctx, node, nodeOutput)
		if err != nil {
			return nil, err
		}
		if fanInput != nil {
			output = fanInput
		}
		current = next
	}
	return output, nil
}

// advance 决定下一节点。分支节点走解析器：单选直接查转移表，
// all_matches 多选触发扇出并返回预计算的汇合节点。
func (w *walker) advance(ctx context.Context, node *compiledNode, output map[string]any) (string, map[string]any, error) {
	if node.resolver == nil {
		return node.next, nil, nil
	}

	decision, err := node.resolver.Resolve(ctx, w.state, output)
	if err != nil {
		e := types.AsError(err, types.ErrNodeExecution)
		if e.NodeID == "" {
			e = e.WithNodeID(node.id)
		}
		return "", nil, e
	}
	if decision == nil || len(decision.Keys) == 0 {
		return "", nil, types.NewError(types.ErrNoBranchMatched, "resolver returned no branch").
			WithNodeID(node.id)
	}

	// FanOut 即使只命中一条链也走扇出路径，保证汇合输入形状恒为
	// chain_id → 输出 的映射。
	if decision.FanOut {
		joined, err := w.fanOut(ctx, node, decision.Keys, output)
		if err != nil {
			return "", nil, err
		}
		if w.persist {
			if err := w.engine.persist(ctx, w.state); err != nil {
				return "", nil, err
			}
		}
		return node.joinNode, joined, nil
	}

	target, ok := node.branches[decision.Keys[0]]
	if !ok {
		return "", nil, types.NewErrorf(types.ErrNoBranchMatched,
			"branch %q has no outgoing edge", decision.Keys[0]).WithNodeID(node.id)
	}
	return target, nil, nil
}

// runNode 执行单个节点：熔断准入、单节点超时、OTel span、指标与历史。
func (w *walker) runNode(ctx context.Context, node *compiledNode, input map[string]any) (map[string]any, error) {
	var breaker *CircuitBreaker
	if w.engine.breakers != nil {
		breaker = w.engine.breakers.GetOrCreate(node.id)
		if err := breaker.Allow(); err != nil {
			return nil, types.AsError(err, types.ErrCircuitOpen).WithNodeID(node.id)
		}
	}

	if w.engine.history != nil {
		w.engine.history.NodeStart(w.execID, node.id, node.kind)
	}

	nodeCtx, span := w.engine.tracer.Start(ctx, "workflow.node",
		trace.WithAttributes(
			attribute.String("node.id", node.id),
			attribute.String("node.type", node.kind),
		))
	defer span.End()

	var cancel context.CancelFunc
	if w.limits.NodeTimeout > 0 {
		nodeCtx, cancel = context.WithTimeout(nodeCtx, w.limits.NodeTimeout)
		defer cancel()
	}

	start := time.Now()
	output, err := node.executor.Execute(nodeCtx, w.state, input)
	elapsed := time.Since(start)

	if err != nil {
		switch {
		case errors.Is(nodeCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			err = types.NewErrorf(types.ErrNodeTimeout, "node exceeded timeout %s", w.limits.NodeTimeout).
				WithNodeID(node.id).WithCause(err).WithRetryable(true)
		case ctx.Err() != nil:
			err = types.NewError(types.ErrCancelled, "execution cancelled").
				WithNodeID(node.id).WithCause(err)
		default:
			e := types.AsError(err, types.ErrNodeExecution)
			if e.NodeID == "" {
				e = e.WithNodeID(node.id)
			}
			err = e
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, string(types.GetErrorCode(err)))
	}

	if breaker != nil {
		if err != nil {
			breaker.RecordFailure()
		} else {
			breaker.RecordSuccess()
		}
	}
	if w.engine.history != nil {
		w.engine.history.NodeEnd(w.execID, node.id, err)
	}
	if w.engine.metrics != nil {
		w.engine.metrics.RecordNodeExecution(node.kind, outcomeLabel(err), elapsed)
	}

	if err != nil {
		w.engine.logger.Warn("node execution failed",
			zap.String("execution_id", w.execID),
			zap.String("node_id", node.id),
			zap.String("node_type", node.kind),
			zap.Duration("duration", elapsed),
			zap.Error(err))
		return nil, err
	}

	w.engine.logger.Debug("node executed",
		zap.String("execution_id", w.execID),
		zap.String("node_id", node.id),
		zap.String("node_type", node.kind),
		zap.Duration("duration", elapsed))
	if output == nil {
		output = map[string]any{}
	}
	return output, nil
}

// fanOut 并发展开 all_matches 命中的全部分支。每个分支在克隆状态上
// 从各自目标走到汇合节点（不含），并发度受 MaxBranchConcurrency 约束。
// 所有分支跑完才汇合：任一失败则整次执行失败，错误按声明顺序合并；
// 全部成功时按声明顺序把分支绑定、记忆与轨迹合并回父状态，汇合节点
// 的输入是 chain_id → 分支末输出 的映射。
func (w *walker) fanOut(ctx context.Context, node *compiledNode, keys []string, input map[string]any) (map[string]any, error) {
	type branchOutcome struct {
		state  *ExecutionState
		output map[string]any
		trace  []TraceStep
		err    error
	}
	outcomes := make([]branchOutcome, len(keys))

	var g errgroup.Group
	if w.limits.MaxBranchConcurrency > 0 {
		g.SetLimit(w.limits.MaxBranchConcurrency)
	}
	for i, key := range keys {
		g.Go(func() error {
			target, ok := node.branches[key]
			if !ok {
				outcomes[i].err = types.NewErrorf(types.ErrNoBranchMatched,
					"branch %q has no outgoing edge", key).WithNodeID(node.id)
				return nil
			}
			sub := &walker{
				engine: w.engine,
				graph:  w.graph,
				limits: w.limits,
				steps:  w.steps,
				emit:   w.emit,
				execID: w.execID,
				state:  w.state.Clone(),
			}
			sub.sink = &outcomes[i].trace
			out, err := sub.runSegment(ctx, target, node.joinNode, deepCopyMap(input))
			outcomes[i].state = sub.state
			outcomes[i].output = out
			outcomes[i].err = err
			return nil
		})
	}
	_ = g.Wait()

	joined := make(map[string]any, len(keys))
	var errs []error
	for i, key := range keys {
		oc := outcomes[i]
		if oc.err != nil {
			errs = append(errs, fmt.Errorf("branch %q: %w", key, oc.err))
			continue
		}
		w.state.MergeBindings(oc.state.Bindings)
		for k, v := range oc.state.Memory {
			w.state.Memory[k] = v
		}
		w.state.Visited = append(w.state.Visited, oc.trace...)
		*w.sink = append(*w.sink, oc.trace...)
		joined[key] = oc.output
	}
	if len(errs) > 0 {
		return nil, types.NewErrorf(types.ErrNodeExecution,
			"%d of %d fan-out branches failed", len(errs), len(keys)).
			WithNodeID(node.id).WithCause(errors.Join(errs...))
	}
	return joined, nil
}
