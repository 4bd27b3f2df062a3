package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/BaSui01/flowgraph/types"
)

// NodeExecutor 执行一个节点的工作单元。
//
// state 是当前会话的可变执行状态（bindings / memory），input 是上一节点的
// 输出（入口节点收到的是本次执行的 inputs）。返回的 output 由引擎合并进
// bindings 并追加到执行轨迹。执行器必须尊重 ctx 的超时与取消。
type NodeExecutor interface {
	Execute(ctx context.Context, state *ExecutionState, input map[string]any) (map[string]any, error)
}

// ExecutorFunc 把普通函数适配为 NodeExecutor。
type ExecutorFunc func(ctx context.Context, state *ExecutionState, input map[string]any) (map[string]any, error)

func (f ExecutorFunc) Execute(ctx context.Context, state *ExecutionState, input map[string]any) (map[string]any, error) {
	return f(ctx, state, input)
}

// BranchResolver 决定分支节点的后继。节点输出合并进 bindings 之后调用。
//
// 返回的 BranchDecision 携带分支键：conditional 的键是目标节点 id，
// router 的键是 chain_id（编译期通过边映射到目标节点）。没有任何分支
// 匹配且未声明默认分支时返回 NO_BRANCH_MATCHED 错误。
type BranchResolver interface {
	Resolve(ctx context.Context, state *ExecutionState, output map[string]any) (*BranchDecision, error)
}

// BranchDecision 是分支解析结果。
type BranchDecision struct {
	// Keys 是选中的分支键，引擎用它查编译期静态化的 branch → target 映射。
	Keys []string
	// FanOut 为 true 时（all_matches）所有分支键的子路径并发执行，
	// 在编译期预计算的 join 节点汇合。
	FanOut bool
}

// NodeType 是注册表里一个节点类型的能力描述符。
// Validate / Build / Resolver / handles 均为可选：nil 表示该类型没有对应能力。
type NodeType struct {
	// Name 是文档中 NodeSpec.Type 引用的类型名。
	Name string
	// Start 标记入口类型。每个文档必须恰好包含一个 Start 节点。
	Start bool
	// Branching 标记后继由数据决定的类型（conditional / router）。
	Branching bool

	// Validate 检查节点配置，返回人类可读的错误消息列表（空表示通过）。
	Validate func(config map[string]any) []string
	// Build 构造绑定了配置与构建上下文的执行器。
	Build func(config map[string]any, bctx *BuildContext) (NodeExecutor, error)
	// Resolver 为 Branching 类型构造分支解析器。
	Resolver func(config map[string]any, bctx *BuildContext) (BranchResolver, error)

	// InputHandles / OutputHandles 声明节点的具名端口。
	// 返回 nil 表示不校验端口名（任意端口合法）。
	InputHandles  func(config map[string]any) []string
	OutputHandles func(config map[string]any) []string
}

// Registry 是节点类型注册表：进程启动时一次性注册，运行期只读。
// 显式注入，不使用包级全局可变状态。
type Registry struct {
	mu    sync.RWMutex
	types map[string]NodeType
}

// NewRegistry 创建空注册表。标准目录见 DefaultRegistry。
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]NodeType)}
}

// Register 注册一个节点类型。类型名为空或重复注册返回错误。
func (r *Registry) Register(nt NodeType) error {
	if nt.Name == "" {
		return fmt.Errorf("node type name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[nt.Name]; exists {
		return fmt.Errorf("node type %q already registered", nt.Name)
	}
	r.types[nt.Name] = nt
	return nil
}

// MustRegister 注册失败时 panic，仅用于进程启动期的静态目录装配。
func (r *Registry) MustRegister(nt NodeType) {
	if err := r.Register(nt); err != nil {
		panic(err)
	}
}

// Resolve 按类型名查找。未知类型返回 UNKNOWN_NODE_TYPE 错误，绝不 panic。
func (r *Registry) Resolve(name string) (NodeType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nt, ok := r.types[name]
	if !ok {
		return NodeType{}, types.NewErrorf(types.ErrUnknownNodeType, "unregistered node type %q", name)
	}
	return nt, nil
}

// Types 返回全部已注册类型名，按字典序排序。
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
