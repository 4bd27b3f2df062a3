package workflow

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowgraph/types"
)

// ModelRequest 是一次语言模型调用的输入。
type ModelRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// ModelResponse 是一次语言模型调用的输出。
type ModelResponse struct {
	Text         string `json:"text"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// ModelInvoker 抽象语言模型后端。引擎不内置任何具体 Provider；
// BuildContext.Invoker 为 nil 时，llm / chain 节点返回渲染后的提示词本身，
// 使工作流在无模型环境下仍可确定性地执行与测试。
type ModelInvoker interface {
	Invoke(ctx context.Context, req ModelRequest) (*ModelResponse, error)
}

// ModelInvokerFunc 把函数适配为 ModelInvoker。
type ModelInvokerFunc func(ctx context.Context, req ModelRequest) (*ModelResponse, error)

func (f ModelInvokerFunc) Invoke(ctx context.Context, req ModelRequest) (*ModelResponse, error) {
	return f(ctx, req)
}

// ToolFunc 是 tool 节点可调用的函数。
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// ToolRegistry 维护 tool 节点可见的具名工具函数。
// 与 Registry 一样启动期装配、运行期只读。
type ToolRegistry struct {
	tools map[string]ToolFunc
}

// NewToolRegistry 创建空工具注册表。
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]ToolFunc)}
}

// Register 注册一个工具。重名覆盖。
func (t *ToolRegistry) Register(name string, fn ToolFunc) {
	t.tools[name] = fn
}

// Lookup 按名查找工具。
func (t *ToolRegistry) Lookup(name string) (ToolFunc, bool) {
	if t == nil {
		return nil, false
	}
	fn, ok := t.tools[name]
	return fn, ok
}

// Names 返回全部工具名，按字典序。
func (t *ToolRegistry) Names() []string {
	if t == nil {
		return nil
	}
	names := make([]string, 0, len(t.tools))
	for name := range t.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Limits 约束一次执行的资源消耗。
type Limits struct {
	// MaxSteps 是一次执行允许完成的节点步数上限（含扇出分支内的步数）。
	MaxSteps int
	// NodeTimeout 是单个节点执行器的超时，0 表示不限。
	NodeTimeout time.Duration
	// MaxBranchConcurrency 约束 all_matches 扇出的并发分支数。
	MaxBranchConcurrency int
	// MapConcurrency 是 map_reduce 节点 map 阶段的默认并发度
	//（节点配置 max_concurrency 可覆盖）。
	MapConcurrency int
}

// DefaultLimits 返回默认执行限制。
func DefaultLimits() Limits {
	return Limits{
		MaxSteps:             100,
		NodeTimeout:          60 * time.Second,
		MaxBranchConcurrency: 4,
		MapConcurrency:       4,
	}
}

// BuildContext 携带编译期注入的调用方环境。
// 引擎对 Credentials 完全不透明（凭据语义属于上层）。
type BuildContext struct {
	// Credentials 原样传递给需要凭据的执行器，引擎不解释其内容。
	Credentials map[string]string
	// Invoker 为 nil 时提示词类节点退化为返回渲染结果。
	Invoker ModelInvoker
	// Tools 为 nil 或查不到工具时 tool 节点返回确定性的回显输出。
	Tools *ToolRegistry
	// Limits 缺省时编译器回填 DefaultLimits()。
	Limits Limits
	Logger *zap.Logger
}

// normalized 回填缺省值，返回可安全使用的拷贝。
func (b *BuildContext) normalized() *BuildContext {
	out := &BuildContext{}
	if b != nil {
		*out = *b
	}
	if out.Limits.MaxSteps <= 0 {
		out.Limits.MaxSteps = DefaultLimits().MaxSteps
	}
	if out.Limits.MaxBranchConcurrency <= 0 {
		out.Limits.MaxBranchConcurrency = DefaultLimits().MaxBranchConcurrency
	}
	if out.Limits.MapConcurrency <= 0 {
		out.Limits.MapConcurrency = DefaultLimits().MapConcurrency
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// compiledNode 是编译后的单节点表示：执行器 + 静态或动态的后继。
type compiledNode struct {
	id       string
	kind     string
	executor NodeExecutor
	// resolver 非 nil 表示后继由数据决定（conditional / router）。
	resolver BranchResolver
	// next 是静态后继节点 id，空串表示终止节点。resolver 非 nil 时忽略。
	next string
	// branches 把分支键映射到目标节点 id：conditional 的键是目标节点 id
	// 本身，router 的键是 chain_id（经 sourceHandle 匹配到边）。
	branches map[string]string
	// joinNode 是 all_matches 扇出的汇合节点（编译期预计算），
	// 空串表示各分支各自跑到终点（虚拟汇合）。
	joinNode string
}

// CompiledGraph 是编译产物：入口节点 + 节点表 + 编译期限额。构建完成后
// 不可变，可跨执行、跨会话安全复用（会话数据全部在 ExecutionState 中）。
type CompiledGraph struct {
	entry  string
	nodes  map[string]*compiledNode
	limits Limits
}

// Entry 返回入口节点 id。
func (g *CompiledGraph) Entry() string {
	return g.entry
}

// NodeIDs 返回全部节点 id，按字典序。
func (g *CompiledGraph) NodeIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Limits 返回编译时固化的执行限额。
func (g *CompiledGraph) Limits() Limits {
	return g.limits
}

func (g *CompiledGraph) node(id string) (*compiledNode, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Builder 把校验通过的文档编译为 CompiledGraph。
type Builder struct {
	registry  *Registry
	validator *Validator
	logger    *zap.Logger
}

// NewBuilder 创建编译器。logger 为 nil 时使用 zap.NewNop()。
func NewBuilder(registry *Registry, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		registry:  registry,
		validator: NewValidator(registry, logger),
		logger:    logger.With(zap.String("component", "workflow_builder")),
	}
}

// Build 编译文档。先防御性地重新校验：任何校验错误都会中止编译并返回
// 结构化错误，绝不产出半成品图。
func (b *Builder) Build(doc *WorkflowDocument, bctx *BuildContext) (*CompiledGraph, error) {
	if result := b.validator.Validate(doc); !result.Valid {
		return nil, result.Err()
	}
	bctx = bctx.normalized()

	graph := &CompiledGraph{
		nodes:  make(map[string]*compiledNode, len(doc.Nodes)),
		limits: bctx.Limits,
	}

	for i := range doc.Nodes {
		spec := &doc.Nodes[i]
		nt, err := b.registry.Resolve(spec.Type)
		if err != nil {
			return nil, err // 校验已拦截，保险分支
		}

		node := &compiledNode{id: spec.ID, kind: spec.Type}

		if nt.Build != nil {
			node.executor, err = nt.Build(spec.Config, bctx)
			if err != nil {
				return nil, types.AsError(err, types.ErrInvalidConfig).WithNodeID(spec.ID)
			}
		}
		if node.executor == nil {
			node.executor = passthroughExecutor()
		}

		if nt.Branching {
			if nt.Resolver == nil {
				return nil, types.NewErrorf(types.ErrInvalidConfig,
					"node type %q is branching but provides no resolver", spec.Type).WithNodeID(spec.ID)
			}
			node.resolver, err = nt.Resolver(spec.Config, bctx)
			if err != nil {
				return nil, types.AsError(err, types.ErrInvalidConfig).WithNodeID(spec.ID)
			}
			node.branches = b.compileBranches(doc, spec)
		} else {
			// 静态转移：第一条出边即后继；无出边即终止节点。
			if out := doc.OutgoingEdges(spec.ID); len(out) > 0 {
				node.next = out[0].Target
			}
		}

		if nt.Start {
			graph.entry = spec.ID
		}
		graph.nodes[spec.ID] = node
	}

	// all_matches 路由的汇合节点需要完整的转移表，放在所有节点编译完成之后。
	for i := range doc.Nodes {
		spec := &doc.Nodes[i]
		if spec.Type != TypeRouter {
			continue
		}
		if stringOption(spec.Config, optRouteSelector, selectorFirstMatch) != selectorAllMatches {
			continue
		}
		node := graph.nodes[spec.ID]
		node.joinNode = graph.commonJoin(branchTargets(node.branches))
		b.logger.Debug("precomputed fan-out join",
			zap.String("node_id", spec.ID),
			zap.String("join", node.joinNode))
	}

	b.logger.Info("workflow compiled",
		zap.String("entry", graph.entry),
		zap.Int("nodes", len(graph.nodes)))
	return graph, nil
}

// compileBranches 把分支键静态化为目标节点 id。
//
// conditional：链目标即节点 id，但只有存在对应出边的目标才可达 ——
// 校验期缺边只是警告，运行期解析到缺边目标时查表失败，
// 引擎按 NO_BRANCH_MATCHED 处理。
// router：chain_id 经 sourceHandle 匹配出边得到目标。
func (b *Builder) compileBranches(doc *WorkflowDocument, spec *NodeSpec) map[string]string {
	branches := make(map[string]string)
	out := doc.OutgoingEdges(spec.ID)

	switch spec.Type {
	case TypeConditional:
		chains, err := parseConditionChains(spec.Config)
		if err == nil {
			for _, chain := range chains {
				if hasEdgeTo(out, chain.Target) {
					branches[chain.Target] = chain.Target
				}
			}
		}
		if def := stringOption(spec.Config, optDefaultTarget, ""); def != "" && hasEdgeTo(out, def) {
			branches[def] = def
		}

	case TypeRouter:
		routes, err := parseRoutes(spec.Config)
		if err == nil {
			for _, rt := range routes {
				for _, e := range out {
					if e.SourceHandle == rt.ChainID {
						branches[rt.ChainID] = e.Target
						break
					}
				}
			}
		}
	}
	return branches
}

// commonJoin 返回所有扇出目标经前向 BFS 都能到达的最近节点。
// 没有公共可达节点时返回空串：各分支各自跑到终点，在虚拟终点汇合。
func (g *CompiledGraph) commonJoin(targets []string) string {
	if len(targets) == 0 {
		return ""
	}
	if len(targets) == 1 {
		return targets[0]
	}

	distances := make([]map[string]int, len(targets))
	for i, t := range targets {
		distances[i] = g.bfsDistances(t)
	}

	best := ""
	bestDist := -1
	for id := range distances[0] {
		maxDist := 0
		reachable := true
		for _, dist := range distances {
			d, ok := dist[id]
			if !ok {
				reachable = false
				break
			}
			if d > maxDist {
				maxDist = d
			}
		}
		if !reachable {
			continue
		}
		if bestDist == -1 || maxDist < bestDist || (maxDist == bestDist && id < best) {
			best = id
			bestDist = maxDist
		}
	}
	return best
}

// bfsDistances 从 start 出发沿全部转移（静态 next + 分支目标）做 BFS，
// 返回可达节点的最小跳数（含 start 自身，距离 0）。
func (g *CompiledGraph) bfsDistances(start string) map[string]int {
	dist := map[string]int{start: 0}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		node, ok := g.nodes[id]
		if !ok {
			continue
		}
		for _, next := range nodeSuccessors(node) {
			if _, seen := dist[next]; seen {
				continue
			}
			dist[next] = dist[id] + 1
			queue = append(queue, next)
		}
	}
	return dist
}

func nodeSuccessors(node *compiledNode) []string {
	var next []string
	if node.next != "" {
		next = append(next, node.next)
	}
	if len(node.branches) > 0 {
		keys := make([]string, 0, len(node.branches))
		for k := range node.branches {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			next = append(next, node.branches[k])
		}
	}
	return next
}

func branchTargets(branches map[string]string) []string {
	seen := make(map[string]struct{}, len(branches))
	targets := make([]string, 0, len(branches))
	keys := make([]string, 0, len(branches))
	for k := range branches {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		t := branches[k]
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		targets = append(targets, t)
	}
	return targets
}
