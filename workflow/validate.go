package workflow

import (
	"sort"

	"go.uber.org/zap"

	"github.com/BaSui01/flowgraph/types"
)

// Validator 对工作流文档做结构与配置校验。
//
// 校验聚合全部问题后一次性返回（绝不 fail-fast），调用方可以一次修完所有
// 错误。检查顺序固定：边引用 → 节点类型 → 节点配置 → 入口节点 → 分支目标
// → 环检测。
type Validator struct {
	registry *Registry
	logger   *zap.Logger
}

// NewValidator 创建校验器。logger 为 nil 时使用 zap.NewNop()。
func NewValidator(registry *Registry, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		registry: registry,
		logger:   logger.With(zap.String("component", "workflow_validator")),
	}
}

// Validate 返回文档的完整校验结果。
func (v *Validator) Validate(doc *WorkflowDocument) *ValidationResult {
	result := NewValidationResult()
	if doc == nil {
		result.AddError(types.ErrStructural, "workflow document is nil")
		return result
	}
	if len(doc.Nodes) == 0 {
		result.AddError(types.ErrStructural, "workflow document declares no nodes")
		return result
	}

	nodeByID := v.checkNodeIDs(doc, result)
	v.checkEdges(doc, nodeByID, result)
	v.checkNodeTypes(doc, result)
	v.checkNodeConfigs(doc, result)
	v.checkEntryNode(doc, result)
	v.checkBranchTargets(doc, nodeByID, result)
	v.checkCycles(doc, nodeByID, result)

	v.logger.Debug("document validated",
		zap.Int("nodes", len(doc.Nodes)),
		zap.Int("edges", len(doc.Edges)),
		zap.Bool("valid", result.Valid),
		zap.Int("errors", len(result.Errors)),
		zap.Int("warnings", len(result.Warnings)))
	return result
}

// checkNodeIDs 建立 id → 节点索引，顺带检查空 id 与重复 id。
func (v *Validator) checkNodeIDs(doc *WorkflowDocument, result *ValidationResult) map[string]*NodeSpec {
	nodeByID := make(map[string]*NodeSpec, len(doc.Nodes))
	for i := range doc.Nodes {
		node := &doc.Nodes[i]
		if node.ID == "" {
			result.AddError(types.ErrStructural, "node at index %d has an empty id", i)
			continue
		}
		if _, dup := nodeByID[node.ID]; dup {
			result.AddNodeError(types.ErrStructural, node.ID, "duplicate node id")
			continue
		}
		nodeByID[node.ID] = node
	}
	return nodeByID
}

// checkEdges 校验每条边的端点存在且端口名在目标类型声明的端口集合内。
func (v *Validator) checkEdges(doc *WorkflowDocument, nodeByID map[string]*NodeSpec, result *ValidationResult) {
	for _, edge := range doc.Edges {
		src, srcOK := nodeByID[edge.Source]
		if !srcOK {
			result.AddError(types.ErrStructural, "edge %q -> %q references unknown source node %q",
				edge.Source, edge.Target, edge.Source)
		}
		dst, dstOK := nodeByID[edge.Target]
		if !dstOK {
			result.AddError(types.ErrStructural, "edge %q -> %q references unknown target node %q",
				edge.Source, edge.Target, edge.Target)
		}

		// 端口校验只在类型可解析且端口名非空时进行；类型未声明端口集合
		// （nil）表示任意端口合法。
		if srcOK && edge.SourceHandle != "" {
			if nt, err := v.registry.Resolve(src.Type); err == nil && nt.OutputHandles != nil {
				if !containsString(nt.OutputHandles(src.Config), edge.SourceHandle) {
					result.AddNodeError(types.ErrStructural, edge.Source,
						"edge declares unknown source handle %q", edge.SourceHandle)
				}
			}
		}
		if dstOK && edge.TargetHandle != "" {
			if nt, err := v.registry.Resolve(dst.Type); err == nil && nt.InputHandles != nil {
				if !containsString(nt.InputHandles(dst.Config), edge.TargetHandle) {
					result.AddNodeError(types.ErrStructural, edge.Target,
						"edge declares unknown target handle %q", edge.TargetHandle)
				}
			}
		}
	}
}

// checkNodeTypes 逐节点解析类型，未知类型记 UNKNOWN_NODE_TYPE 错误后继续。
func (v *Validator) checkNodeTypes(doc *WorkflowDocument, result *ValidationResult) {
	for i := range doc.Nodes {
		node := &doc.Nodes[i]
		if node.ID == "" {
			continue
		}
		if node.Type == "" {
			result.AddNodeError(types.ErrUnknownNodeType, node.ID, "node type is empty")
			continue
		}
		if _, err := v.registry.Resolve(node.Type); err != nil {
			result.AddNodeError(types.ErrUnknownNodeType, node.ID, "unregistered node type %q", node.Type)
		}
	}
}

// checkNodeConfigs 运行类型自带的配置校验，消息统一加节点 id 前缀。
func (v *Validator) checkNodeConfigs(doc *WorkflowDocument, result *ValidationResult) {
	for i := range doc.Nodes {
		node := &doc.Nodes[i]
		nt, err := v.registry.Resolve(node.Type)
		if err != nil || nt.Validate == nil {
			continue
		}
		for _, msg := range nt.Validate(node.Config) {
			result.AddNodeError(types.ErrInvalidConfig, node.ID, "%s", msg)
		}
	}
}

// checkEntryNode 要求恰好一个 start 类型节点，且该节点没有入边。
func (v *Validator) checkEntryNode(doc *WorkflowDocument, result *ValidationResult) {
	var entries []string
	for i := range doc.Nodes {
		node := &doc.Nodes[i]
		nt, err := v.registry.Resolve(node.Type)
		if err != nil {
			continue
		}
		if nt.Start {
			entries = append(entries, node.ID)
		}
	}
	switch len(entries) {
	case 0:
		result.AddError(types.ErrStructural, "workflow must declare exactly one start node, found none")
	case 1:
		if in := doc.IncomingEdges(entries[0]); len(in) > 0 {
			result.AddNodeError(types.ErrStructural, entries[0], "start node must not have incoming edges")
		}
	default:
		result.AddError(types.ErrStructural, "workflow must declare exactly one start node, found %d: %v",
			len(entries), entries)
	}
}

// checkBranchTargets 校验 conditional / router 配置声明的分支目标都有对应出边。
// 缺边是警告（不可达分支）；缺必填配置字段由 checkNodeConfigs 报错。
func (v *Validator) checkBranchTargets(doc *WorkflowDocument, nodeByID map[string]*NodeSpec, result *ValidationResult) {
	for i := range doc.Nodes {
		node := &doc.Nodes[i]
		nt, err := v.registry.Resolve(node.Type)
		if err != nil || !nt.Branching {
			continue
		}
		out := doc.OutgoingEdges(node.ID)

		switch node.Type {
		case TypeConditional:
			chains, err := parseConditionChains(node.Config)
			if err != nil {
				continue // checkNodeConfigs 已报
			}
			for _, chain := range chains {
				if _, exists := nodeByID[chain.Target]; !exists {
					result.AddNodeError(types.ErrStructural, node.ID,
						"condition target %q is not a node in this workflow", chain.Target)
					continue
				}
				if !hasEdgeTo(out, chain.Target) {
					result.AddWarning(node.ID,
						"condition target %q has no outgoing edge (unreachable branch)", chain.Target)
				}
			}
			if def := stringOption(node.Config, optDefaultTarget, ""); def != "" {
				if _, exists := nodeByID[def]; !exists {
					result.AddNodeError(types.ErrStructural, node.ID,
						"default_target %q is not a node in this workflow", def)
				} else if !hasEdgeTo(out, def) {
					result.AddWarning(node.ID,
						"default_target %q has no outgoing edge (unreachable branch)", def)
				}
			}

		case TypeRouter:
			routes, err := parseRoutes(node.Config)
			if err != nil {
				continue
			}
			for _, rt := range routes {
				if !hasEdgeWithHandle(out, rt.ChainID) {
					result.AddWarning(node.ID,
						"route %q has no outgoing edge on its source handle (unreachable branch)", rt.ChainID)
				}
			}
		}
	}
}

// checkCycles 用 Kahn 算法做环检测。目录中不存在 loop 节点类型，任何环都是错误。
// 引用未知节点的边已在 checkEdges 报过，这里跳过以免误报。
func (v *Validator) checkCycles(doc *WorkflowDocument, nodeByID map[string]*NodeSpec, result *ValidationResult) {
	indegree := make(map[string]int, len(nodeByID))
	adjacency := make(map[string][]string, len(nodeByID))
	for id := range nodeByID {
		indegree[id] = 0
	}
	for _, edge := range doc.Edges {
		if _, ok := nodeByID[edge.Source]; !ok {
			continue
		}
		if _, ok := nodeByID[edge.Target]; !ok {
			continue
		}
		adjacency[edge.Source] = append(adjacency[edge.Source], edge.Target)
		indegree[edge.Target]++
	}

	queue := make([]string, 0, len(indegree))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue) // 确定性输出

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range adjacency[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if processed < len(indegree) {
		var cyclic []string
		for id, deg := range indegree {
			if deg > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		result.AddError(types.ErrStructural, "workflow contains a cycle involving nodes %v", cyclic)
	}
}

func hasEdgeTo(edges []EdgeSpec, target string) bool {
	for _, e := range edges {
		if e.Target == target {
			return true
		}
	}
	return false
}

func hasEdgeWithHandle(edges []EdgeSpec, handle string) bool {
	for _, e := range edges {
		if e.SourceHandle == handle {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
