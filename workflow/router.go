package workflow

import (
	"context"
	"fmt"
	"reflect"

	"go.uber.org/zap"

	"github.com/BaSui01/flowgraph/types"
)

// 路由选择策略。
const (
	selectorFirstMatch = "first_match"
	selectorAllMatches = "all_matches"
	selectorBestMatch  = "best_match"
)

// routeSpec 是 router 节点的一条路由声明。
type routeSpec struct {
	// ChainID 同时也是该路由出边的 sourceHandle。
	ChainID  string
	Priority float64
	// Conditions 的每个条目都必须与同名绑定深度相等（JSON 归一化后比较），
	// 全部相等该路由才算满足。空 conditions 恒满足。
	Conditions map[string]any
}

// parseRoutes 从节点配置解析路由表，保持声明顺序。
func parseRoutes(cfg map[string]any) ([]routeSpec, error) {
	raw := sliceOption(cfg, optRoutes)
	if raw == nil {
		return nil, fmt.Errorf("routes is required and must be an array")
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("routes must not be empty")
	}

	routes := make([]routeSpec, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for i, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("routes[%d] must be an object", i)
		}
		chainID := stringOption(entry, "chain_id", "")
		if chainID == "" {
			return nil, fmt.Errorf("routes[%d] must declare a non-empty chain_id", i)
		}
		if _, dup := seen[chainID]; dup {
			return nil, fmt.Errorf("routes[%d] duplicates chain_id %q", i, chainID)
		}
		seen[chainID] = struct{}{}
		routes = append(routes, routeSpec{
			ChainID:    chainID,
			Priority:   floatOption(entry, "priority", 0),
			Conditions: mapOption(entry, "conditions"),
		})
	}
	return routes, nil
}

// routerResolver 按 route_selector 策略在满足条件的路由中选择分支。
type routerResolver struct {
	selector string
	routes   []routeSpec
	logger   *zap.Logger
}

func newRouterResolver(cfg map[string]any, bctx *BuildContext) (BranchResolver, error) {
	selector := stringOption(cfg, optRouteSelector, selectorFirstMatch)
	switch selector {
	case selectorFirstMatch, selectorAllMatches, selectorBestMatch:
	default:
		return nil, fmt.Errorf("route_selector must be one of first_match, all_matches, best_match; got %q", selector)
	}
	routes, err := parseRoutes(cfg)
	if err != nil {
		return nil, err
	}
	return &routerResolver{
		selector: selector,
		routes:   routes,
		logger:   bctx.Logger.With(zap.String("component", "router_resolver")),
	}, nil
}

func (r *routerResolver) Resolve(_ context.Context, state *ExecutionState, _ map[string]any) (*BranchDecision, error) {
	var satisfied []routeSpec
	for _, rt := range r.routes {
		if routeSatisfied(rt, state.Bindings) {
			satisfied = append(satisfied, rt)
		}
	}
	if len(satisfied) == 0 {
		return nil, types.NewErrorf(types.ErrNoBranchMatched,
			"no route conditions satisfied by current bindings")
	}

	switch r.selector {
	case selectorFirstMatch:
		return &BranchDecision{Keys: []string{satisfied[0].ChainID}}, nil

	case selectorBestMatch:
		best := satisfied[0]
		for _, rt := range satisfied[1:] {
			// 平局保持先声明者：只有严格更高的优先级才替换。
			if rt.Priority > best.Priority {
				best = rt
			}
		}
		return &BranchDecision{Keys: []string{best.ChainID}}, nil

	case selectorAllMatches:
		keys := make([]string, 0, len(satisfied))
		for _, rt := range satisfied {
			keys = append(keys, rt.ChainID)
		}
		return &BranchDecision{Keys: keys, FanOut: true}, nil

	default:
		return nil, types.NewErrorf(types.ErrInvalidConfig,
			"unsupported route_selector %q", r.selector)
	}
}

// routeSatisfied 判断路由条件是否全部成立：逐条目与同名绑定做
// JSON 归一化后的深度相等比较。
func routeSatisfied(rt routeSpec, bindings map[string]any) bool {
	for key, want := range rt.Conditions {
		got, ok := bindings[key]
		if !ok {
			return false
		}
		if !reflect.DeepEqual(normalizeValue(got), normalizeValue(want)) {
			return false
		}
	}
	return true
}

// validateRouterConfig 是 router 类型的配置校验。
func validateRouterConfig(cfg map[string]any) []string {
	var msgs []string
	selector := stringOption(cfg, optRouteSelector, selectorFirstMatch)
	switch selector {
	case selectorFirstMatch, selectorAllMatches, selectorBestMatch:
	default:
		msgs = append(msgs, fmt.Sprintf("route_selector must be one of first_match, all_matches, best_match; got %q", selector))
	}
	if _, err := parseRoutes(cfg); err != nil {
		msgs = append(msgs, err.Error())
	}
	return msgs
}

// routerOutputHandles 返回路由节点的输出端口：每条路由一个，以 chain_id 命名。
func routerOutputHandles(cfg map[string]any) []string {
	routes, err := parseRoutes(cfg)
	if err != nil {
		return nil
	}
	handles := make([]string, 0, len(routes))
	for _, rt := range routes {
		handles = append(handles, rt.ChainID)
	}
	return handles
}
