package workflow

import (
	"bytes"
	"encoding/json"

	"github.com/BaSui01/flowgraph/types"
)

// WorkflowDocument 是可视化编辑器产出的声明式工作流文档。
// 文档本身是纯数据：节点列表 + 边列表，校验与编译由 Validator / Builder 完成。
type WorkflowDocument struct {
	ID    string     `json:"id,omitempty"`
	Name  string     `json:"name,omitempty"`
	Nodes []NodeSpec `json:"nodes"`
	Edges []EdgeSpec `json:"edges"`
}

// NodeSpec 描述一个节点：唯一 id、注册表中的类型名、类型相关配置。
type NodeSpec struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// EdgeSpec 连接两个节点的具名端口。Handle 为空时表示默认端口。
type EdgeSpec struct {
	ID           string `json:"id,omitempty"`
	Source       string `json:"source"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	Target       string `json:"target"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// ParseDocument 解析 JSON 工作流文档。
//
// encoding/json 的 map 反序列化会丢失对象键的声明顺序，而 conditional 节点的
// condition_chains 按声明顺序匹配（顺序有语义）。因此解析时把对象形式的
// condition_chains 归一化为有序数组形式 [{"when": ..., "target": ...}]，
// 顺序取自原始 JSON 的键序。程序化构造的文档可以直接使用数组形式；
// 仍是普通 map 的则按键排序兜底（见 parseConditionChains）。
func ParseDocument(data []byte) (*WorkflowDocument, error) {
	var doc WorkflowDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, types.NewError(types.ErrStructural, "malformed workflow document").WithCause(err)
	}
	normalizeChainOrder(data, &doc)
	return &doc, nil
}

// normalizeChainOrder 将 map 形式的 condition_chains 重写为按原始键序排列的数组形式。
func normalizeChainOrder(data []byte, doc *WorkflowDocument) {
	var shadow struct {
		Nodes []struct {
			ID     string                     `json:"id"`
			Config map[string]json.RawMessage `json:"config"`
		} `json:"nodes"`
	}
	if err := json.Unmarshal(data, &shadow); err != nil {
		return
	}

	rawByID := make(map[string]json.RawMessage, len(shadow.Nodes))
	for _, n := range shadow.Nodes {
		if raw, ok := n.Config[optConditionChains]; ok {
			rawByID[n.ID] = raw
		}
	}

	for i := range doc.Nodes {
		node := &doc.Nodes[i]
		chains, ok := node.Config[optConditionChains].(map[string]any)
		if !ok {
			continue
		}
		keys := objectKeyOrder(rawByID[node.ID])
		if len(keys) != len(chains) {
			continue
		}
		ordered := make([]any, 0, len(keys))
		for _, k := range keys {
			v, ok := chains[k]
			if !ok {
				return
			}
			ordered = append(ordered, map[string]any{"when": k, "target": v})
		}
		node.Config[optConditionChains] = ordered
	}
}

// objectKeyOrder 返回一个 JSON 对象自身的键，保持原始声明顺序。
// 非对象或格式异常时返回 nil。
func objectKeyOrder(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil || tok != json.Delim('{') {
		return nil
	}
	var keys []string
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return nil
		}
		key, ok := kt.(string)
		if !ok {
			return nil
		}
		keys = append(keys, key)
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil
		}
	}
	return keys
}

// Node 按 id 查找节点。
func (d *WorkflowDocument) Node(id string) (*NodeSpec, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// OutgoingEdges 返回从指定节点出发的边，保持文档声明顺序。
func (d *WorkflowDocument) OutgoingEdges(nodeID string) []EdgeSpec {
	var out []EdgeSpec
	for _, e := range d.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// IncomingEdges 返回指向指定节点的边，保持文档声明顺序。
func (d *WorkflowDocument) IncomingEdges(nodeID string) []EdgeSpec {
	var in []EdgeSpec
	for _, e := range d.Edges {
		if e.Target == nodeID {
			in = append(in, e)
		}
	}
	return in
}
