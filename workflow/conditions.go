package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.uber.org/zap"

	"github.com/BaSui01/flowgraph/types"
)

// 条件谓词类型。
const (
	conditionContains   = "contains"
	conditionEquals     = "equals"
	conditionStartsWith = "startswith"
	conditionCustom     = "custom"
)

// conditionChain 是一条 条件 → 目标节点 映射，匹配按声明顺序进行。
type conditionChain struct {
	// When 是匹配串（contains/equals/startswith）或 expr 表达式（custom）。
	// 空串匹配一切，作为声明在最后的兜底分支使用。
	When string
	// Target 是匹配后跳转的节点 id。
	Target string
}

// parseConditionChains 从节点配置里取出有序的条件链。
//
// 接受两种形式：数组 [{"when": ..., "target": ...}]（ParseDocument 把对象形式
// 按原始键序归一化为该形式），或普通 map（程序化构造的文档，按键排序兜底，
// 空键排到最后保持兜底语义）。
func parseConditionChains(cfg map[string]any) ([]conditionChain, error) {
	raw, ok := cfg[optConditionChains]
	if !ok {
		return nil, fmt.Errorf("condition_chains is required")
	}

	switch v := raw.(type) {
	case []any:
		chains := make([]conditionChain, 0, len(v))
		for i, item := range v {
			entry, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("condition_chains[%d] must be an object with when/target", i)
			}
			when, hasWhen := entry["when"].(string)
			if !hasWhen {
				if cond, hasCond := entry["condition"].(string); hasCond {
					when, hasWhen = cond, true
				}
			}
			target, hasTarget := entry["target"].(string)
			if !hasWhen || !hasTarget || target == "" {
				return nil, fmt.Errorf("condition_chains[%d] must declare when and a non-empty target", i)
			}
			chains = append(chains, conditionChain{When: when, Target: target})
		}
		if len(chains) == 0 {
			return nil, fmt.Errorf("condition_chains must not be empty")
		}
		return chains, nil

	case map[string]any:
		if len(v) == 0 {
			return nil, fmt.Errorf("condition_chains must not be empty")
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			// 空键（匹配一切的兜底）排最后，其余按字典序。
			if keys[i] == "" {
				return false
			}
			if keys[j] == "" {
				return true
			}
			return keys[i] < keys[j]
		})
		chains := make([]conditionChain, 0, len(keys))
		for _, k := range keys {
			target, ok := v[k].(string)
			if !ok || target == "" {
				return nil, fmt.Errorf("condition_chains[%q] must map to a non-empty target node id", k)
			}
			chains = append(chains, conditionChain{When: k, Target: target})
		}
		return chains, nil

	default:
		return nil, fmt.Errorf("condition_chains must be an object or an array of {when, target}")
	}
}

// conditionalResolver 按声明顺序对 condition_field 的当前绑定值做谓词匹配，
// 首个命中的链胜出；全部未命中时走 default_target，没有默认分支则返回
// NO_BRANCH_MATCHED（节点 id 由引擎补充）。
type conditionalResolver struct {
	field         string
	kind          string
	chains        []conditionChain
	defaultTarget string
	// programs 与 chains 对齐，仅 custom 类型使用（build 期编译）。
	programs []*vm.Program
	logger   *zap.Logger
}

// newConditionalResolver 编译 conditional 节点的解析器。
// custom 类型在这里把每条链的表达式编译为 expr 程序，编译失败即构建失败。
func newConditionalResolver(cfg map[string]any, bctx *BuildContext) (BranchResolver, error) {
	field := stringOption(cfg, optConditionField, "")
	if field == "" {
		return nil, fmt.Errorf("condition_field is required")
	}
	kind := stringOption(cfg, optConditionType, conditionContains)
	chains, err := parseConditionChains(cfg)
	if err != nil {
		return nil, err
	}

	r := &conditionalResolver{
		field:         field,
		kind:          kind,
		chains:        chains,
		defaultTarget: stringOption(cfg, optDefaultTarget, ""),
		logger:        bctx.Logger.With(zap.String("component", "conditional_resolver")),
	}

	if kind == conditionCustom {
		r.programs = make([]*vm.Program, len(chains))
		for i, chain := range chains {
			if chain.When == "" {
				continue // 空表达式保持“匹配一切”的兜底语义
			}
			prg, err := expr.Compile(chain.When, expr.AllowUndefinedVariables())
			if err != nil {
				return nil, fmt.Errorf("condition_chains[%d]: invalid expression %q: %w", i, chain.When, err)
			}
			r.programs[i] = prg
		}
	}
	return r, nil
}

func (r *conditionalResolver) Resolve(_ context.Context, state *ExecutionState, _ map[string]any) (*BranchDecision, error) {
	value := asString(state.Bindings[r.field])

	for i, chain := range r.chains {
		matched, err := r.matches(i, chain, value, state)
		if err != nil {
			return nil, err
		}
		if matched {
			r.logger.Debug("condition matched",
				zap.String("when", chain.When),
				zap.String("target", chain.Target))
			return &BranchDecision{Keys: []string{chain.Target}}, nil
		}
	}

	if r.defaultTarget != "" {
		return &BranchDecision{Keys: []string{r.defaultTarget}}, nil
	}
	return nil, types.NewErrorf(types.ErrNoBranchMatched,
		"no condition matched value of %q and no default_target declared", r.field)
}

func (r *conditionalResolver) matches(idx int, chain conditionChain, value string, state *ExecutionState) (bool, error) {
	// 空匹配串匹配一切：声明在最后即为兜底分支，顺序有语义。
	if chain.When == "" {
		return true, nil
	}

	switch r.kind {
	case conditionContains:
		return strings.Contains(value, chain.When), nil
	case conditionEquals:
		return value == chain.When, nil
	case conditionStartsWith:
		return strings.HasPrefix(value, chain.When), nil
	case conditionCustom:
		prg := r.programs[idx]
		if prg == nil {
			return true, nil
		}
		env := state.Bindings
		if env == nil {
			env = map[string]any{}
		}
		out, err := vm.Run(prg, env)
		if err != nil {
			return false, types.NewErrorf(types.ErrNodeExecution,
				"expression %q evaluation failed: %s", chain.When, err.Error()).WithCause(err)
		}
		matched, _ := out.(bool)
		return matched, nil
	default:
		return false, types.NewErrorf(types.ErrInvalidConfig,
			"unsupported condition_type %q", r.kind)
	}
}

// validateConditionalConfig 是 conditional 类型的配置校验。
// custom 表达式在校验期就尝试编译，把语法错误挡在执行之前。
func validateConditionalConfig(cfg map[string]any) []string {
	var msgs []string
	if stringOption(cfg, optConditionField, "") == "" {
		msgs = append(msgs, "condition_field is required")
	}
	kind := stringOption(cfg, optConditionType, conditionContains)
	switch kind {
	case conditionContains, conditionEquals, conditionStartsWith, conditionCustom:
	default:
		msgs = append(msgs, fmt.Sprintf("condition_type must be one of contains, equals, startswith, custom; got %q", kind))
	}

	chains, err := parseConditionChains(cfg)
	if err != nil {
		msgs = append(msgs, err.Error())
		return msgs
	}
	if kind == conditionCustom {
		for i, chain := range chains {
			if chain.When == "" {
				continue
			}
			if _, err := expr.Compile(chain.When, expr.AllowUndefinedVariables()); err != nil {
				msgs = append(msgs, fmt.Sprintf("condition_chains[%d]: invalid expression %q: %s", i, chain.When, err.Error()))
			}
		}
	}
	return msgs
}
