package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/flowgraph/types"
)

// chainStep 是 sequential_chain 的一个子步骤。
type chainStep struct {
	Name      string
	PromptTpl string
	OutputVar string
}

// parseChainSteps 解析 steps 配置，保持声明顺序。
func parseChainSteps(cfg map[string]any) ([]chainStep, error) {
	raw := sliceOption(cfg, optSteps)
	if raw == nil {
		return nil, fmt.Errorf("steps is required and must be an array")
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("steps must not be empty")
	}
	steps := make([]chainStep, 0, len(raw))
	for i, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("steps[%d] must be an object", i)
		}
		prompt := stringOption(entry, "prompt", "")
		if prompt == "" {
			return nil, fmt.Errorf("steps[%d] must declare a prompt", i)
		}
		outputVar := stringOption(entry, "output_variable", "")
		if outputVar == "" {
			return nil, fmt.Errorf("steps[%d] must declare an output_variable", i)
		}
		steps = append(steps, chainStep{
			Name:      stringOption(entry, "name", fmt.Sprintf("step_%d", i+1)),
			PromptTpl: prompt,
			OutputVar: outputVar,
		})
	}
	return steps, nil
}

// sequentialChainExecutor 按声明顺序执行子步骤：每步在 bindings + 先前步骤
// 输出之上渲染提示词，调用模型（未配置时返回渲染结果），并把结果绑定到
// output_variable 供后续步骤引用。
type sequentialChainExecutor struct {
	steps   []chainStep
	model   string
	invoker ModelInvoker
	logger  *zap.Logger
}

func newSequentialChainExecutor(cfg map[string]any, bctx *BuildContext) (NodeExecutor, error) {
	steps, err := parseChainSteps(cfg)
	if err != nil {
		return nil, err
	}
	return &sequentialChainExecutor{
		steps:   steps,
		model:   stringOption(cfg, "model", "gpt-4o-mini"),
		invoker: bctx.Invoker,
		logger:  bctx.Logger.With(zap.String("component", "sequential_chain")),
	}, nil
}

func (e *sequentialChainExecutor) Execute(ctx context.Context, state *ExecutionState, input map[string]any) (map[string]any, error) {
	scope := renderScope(state, input)
	output := make(map[string]any, len(e.steps)+1)

	var lastText string
	for _, step := range e.steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		prompt := renderTemplate(step.PromptTpl, scope)
		text, err := e.invoke(ctx, prompt)
		if err != nil {
			return nil, types.AsError(err, types.ErrNodeExecution).
				WithCause(fmt.Errorf("chain step %q: %w", step.Name, err))
		}
		scope[step.OutputVar] = text
		output[step.OutputVar] = text
		lastText = text
		e.logger.Debug("chain step completed", zap.String("step", step.Name), zap.String("output_variable", step.OutputVar))
	}
	output["output"] = lastText
	return output, nil
}

func (e *sequentialChainExecutor) invoke(ctx context.Context, prompt string) (string, error) {
	if e.invoker == nil {
		return prompt, nil
	}
	resp, err := e.invoker.Invoke(ctx, ModelRequest{Model: e.model, Prompt: prompt})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func validateSequentialChainConfig(cfg map[string]any) []string {
	var msgs []string
	if _, err := parseChainSteps(cfg); err != nil {
		msgs = append(msgs, err.Error())
	}
	return msgs
}

// mapReduceChainExecutor 对 input_variable 绑定的集合逐项应用 map_prompt
//（有界并发，保持项序），再对汇总结果应用一次 reduce_prompt。
//
// map 阶段是引擎的两个显式扇出点之一：全部任务跑完后统一收集成功与失败，
// 任何一项失败都使节点失败（errors.Join 汇总）。
type mapReduceChainExecutor struct {
	inputVar    string
	mapTpl      string
	reduceTpl   string
	concurrency int
	model       string
	invoker     ModelInvoker
	logger      *zap.Logger
}

func newMapReduceChainExecutor(cfg map[string]any, bctx *BuildContext) (NodeExecutor, error) {
	inputVar := stringOption(cfg, optInputVariable, "")
	if inputVar == "" {
		return nil, fmt.Errorf("input_variable is required")
	}
	mapTpl := stringOption(cfg, optMapPrompt, "")
	if mapTpl == "" {
		return nil, fmt.Errorf("map_prompt is required")
	}
	reduceTpl := stringOption(cfg, optReducePrompt, "")
	if reduceTpl == "" {
		return nil, fmt.Errorf("reduce_prompt is required")
	}
	concurrency := intOption(cfg, optMaxConcurrency, bctx.Limits.MapConcurrency)
	if concurrency <= 0 {
		return nil, fmt.Errorf("max_concurrency must be positive")
	}
	return &mapReduceChainExecutor{
		inputVar:    inputVar,
		mapTpl:      mapTpl,
		reduceTpl:   reduceTpl,
		concurrency: concurrency,
		model:       stringOption(cfg, "model", "gpt-4o-mini"),
		invoker:     bctx.Invoker,
		logger:      bctx.Logger.With(zap.String("component", "map_reduce_chain")),
	}, nil
}

func (e *mapReduceChainExecutor) Execute(ctx context.Context, state *ExecutionState, input map[string]any) (map[string]any, error) {
	items, err := e.collectionItems(state, input)
	if err != nil {
		return nil, err
	}

	scope := renderScope(state, input)
	results := make([]string, len(items))
	itemErrs := make([]error, len(items))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, item := range items {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				itemErrs[i] = err
				return nil
			}
			itemScope := make(map[string]any, len(scope)+2)
			for k, v := range scope {
				itemScope[k] = v
			}
			itemScope["item"] = item
			itemScope["index"] = i
			prompt := renderTemplate(e.mapTpl, itemScope)
			text, err := e.invoke(ctx, prompt)
			if err != nil {
				itemErrs[i] = fmt.Errorf("map item %d: %w", i, err)
				return nil
			}
			results[i] = text
			return nil
		})
	}
	_ = g.Wait() // 任务自身从不返回错误，失败都记录在 itemErrs

	if err := errors.Join(itemErrs...); err != nil {
		return nil, types.NewError(types.ErrNodeExecution, "map phase failed").WithCause(err)
	}

	reduceScope := make(map[string]any, len(scope)+2)
	for k, v := range scope {
		reduceScope[k] = v
	}
	reduceScope["results"] = strings.Join(results, "\n")
	reduceScope["result_count"] = len(results)
	reduced, err := e.invoke(ctx, renderTemplate(e.reduceTpl, reduceScope))
	if err != nil {
		return nil, types.AsError(err, types.ErrNodeExecution).WithCause(fmt.Errorf("reduce: %w", err))
	}

	mapResults := make([]any, len(results))
	for i, r := range results {
		mapResults[i] = r
	}
	return map[string]any{
		"output":      reduced,
		"map_results": mapResults,
	}, nil
}

func (e *mapReduceChainExecutor) collectionItems(state *ExecutionState, input map[string]any) ([]any, error) {
	v, ok := input[e.inputVar]
	if !ok {
		v, ok = state.Bindings[e.inputVar]
	}
	if !ok {
		return nil, types.NewErrorf(types.ErrNodeExecution,
			"input_variable %q is not bound", e.inputVar)
	}
	switch items := v.(type) {
	case []any:
		return items, nil
	case []string:
		out := make([]any, len(items))
		for i, s := range items {
			out[i] = s
		}
		return out, nil
	default:
		return nil, types.NewErrorf(types.ErrNodeExecution,
			"input_variable %q must be bound to a collection, got %T", e.inputVar, v)
	}
}

func (e *mapReduceChainExecutor) invoke(ctx context.Context, prompt string) (string, error) {
	if e.invoker == nil {
		return prompt, nil
	}
	resp, err := e.invoker.Invoke(ctx, ModelRequest{Model: e.model, Prompt: prompt})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func validateMapReduceChainConfig(cfg map[string]any) []string {
	var msgs []string
	if stringOption(cfg, optInputVariable, "") == "" {
		msgs = append(msgs, "input_variable is required")
	}
	if stringOption(cfg, optMapPrompt, "") == "" {
		msgs = append(msgs, "map_prompt is required")
	}
	if stringOption(cfg, optReducePrompt, "") == "" {
		msgs = append(msgs, "reduce_prompt is required")
	}
	if hasOption(cfg, optMaxConcurrency) && intOption(cfg, optMaxConcurrency, 0) <= 0 {
		msgs = append(msgs, "max_concurrency must be positive when set")
	}
	return msgs
}
