// =============================================================================
// 📦 测试数据工厂 - 工作流文档
// =============================================================================
// 提供预定义的工作流文档 JSON，用于测试
// =============================================================================
package fixtures

import (
	"encoding/json"
	"fmt"

	"github.com/BaSui01/flowgraph/workflow"
)

// =============================================================================
// 🧱 文档构造辅助
// =============================================================================

// Node 构造一个节点声明
func Node(id, nodeType string, config map[string]any) workflow.NodeSpec {
	return workflow.NodeSpec{ID: id, Type: nodeType, Config: config}
}

// Edge 构造一条默认端口的边
func Edge(source, target string) workflow.EdgeSpec {
	return workflow.EdgeSpec{Source: source, Target: target}
}

// HandleEdge 构造一条具名源端口的边
func HandleEdge(source, sourceHandle, target string) workflow.EdgeSpec {
	return workflow.EdgeSpec{Source: source, SourceHandle: sourceHandle, Target: target}
}

// Document 将节点和边序列化为工作流文档 JSON
func Document(nodes []workflow.NodeSpec, edges []workflow.EdgeSpec) []byte {
	data, err := json.Marshal(workflow.WorkflowDocument{Nodes: nodes, Edges: edges})
	if err != nil {
		panic(err)
	}
	return data
}

// LinearChain 构造 start → passthrough × n 的线性文档
func LinearChain(n int) []byte {
	nodes := []workflow.NodeSpec{Node("start", workflow.TypeStart, nil)}
	var edges []workflow.EdgeSpec
	prev := "start"
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("step_%d", i)
		nodes = append(nodes, Node(id, workflow.TypePassthrough, nil))
		edges = append(edges, Edge(prev, id))
		prev = id
	}
	return Document(nodes, edges)
}

// =============================================================================
// 📄 预定义文档
// =============================================================================

// LinearDocument 返回最小的 start → passthrough 文档
func LinearDocument() []byte {
	return []byte(`{
		"name": "linear",
		"nodes": [
			{"id": "start", "type": "start"},
			{"id": "echo", "type": "passthrough"}
		],
		"edges": [
			{"source": "start", "target": "echo"}
		]
	}`)
}

// LLMDocument 返回带一个 llm 节点的文档
func LLMDocument() []byte {
	return []byte(`{
		"name": "llm",
		"nodes": [
			{"id": "start", "type": "start"},
			{"id": "answer", "type": "llm", "config": {
				"prompt": "Answer the question: {question}",
				"model": "gpt-4o-mini",
				"temperature": 0.2
			}}
		],
		"edges": [
			{"source": "start", "target": "answer"}
		]
	}`)
}

// ConditionalDocument 返回 contains 谓词的条件分支文档。
// intent 包含 "refund" 走 refund 分支，否则走 fallback。
func ConditionalDocument() []byte {
	return []byte(`{
		"name": "conditional",
		"nodes": [
			{"id": "start", "type": "start"},
			{"id": "route", "type": "conditional", "config": {
				"condition_field": "intent",
				"condition_type": "contains",
				"condition_chains": [
					{"when": "refund", "target": "refund"},
					{"when": "billing", "target": "billing"}
				],
				"default_target": "fallback"
			}},
			{"id": "refund", "type": "passthrough"},
			{"id": "billing", "type": "passthrough"},
			{"id": "fallback", "type": "passthrough"}
		],
		"edges": [
			{"source": "start", "target": "route"},
			{"source": "route", "target": "refund"},
			{"source": "route", "target": "billing"},
			{"source": "route", "target": "fallback"}
		]
	}`)
}

// RouterFanOutDocument 返回 all_matches 扇出 → 汇聚的路由文档。
// tier=premium 同时满足 notify 与 audit 两条路由，汇聚于 join。
func RouterFanOutDocument() []byte {
	return []byte(`{
		"name": "router-fanout",
		"nodes": [
			{"id": "start", "type": "start"},
			{"id": "dispatch", "type": "router", "config": {
				"route_selector": "all_matches",
				"routes": [
					{"chain_id": "notify", "conditions": {"tier": "premium"}},
					{"chain_id": "audit", "conditions": {}}
				]
			}},
			{"id": "notify", "type": "passthrough"},
			{"id": "audit", "type": "passthrough"},
			{"id": "join", "type": "passthrough"}
		],
		"edges": [
			{"source": "start", "target": "dispatch"},
			{"source": "dispatch", "sourceHandle": "notify", "target": "notify"},
			{"source": "dispatch", "sourceHandle": "audit", "target": "audit"},
			{"source": "notify", "target": "join"},
			{"source": "audit", "target": "join"}
		]
	}`)
}

// MemoryDocument 返回带 memory 节点的会话文档
func MemoryDocument() []byte {
	return []byte(`{
		"name": "memory",
		"nodes": [
			{"id": "start", "type": "start"},
			{"id": "recall", "type": "memory", "config": {
				"memory_key": "history",
				"window": 4
			}}
		],
		"edges": [
			{"source": "start", "target": "recall"}
		]
	}`)
}

// ToolDocument 返回带 tool 节点的文档
func ToolDocument() []byte {
	return []byte(`{
		"name": "tool",
		"nodes": [
			{"id": "start", "type": "start"},
			{"id": "lookup", "type": "tool", "config": {
				"tool_name": "weather",
				"arguments": {"city": "{city}"}
			}}
		],
		"edges": [
			{"source": "start", "target": "lookup"}
		]
	}`)
}

// RAGDocument 返回 document_loader → text_splitter → vector_store 的入库文档。
// 原始文本经 raw_text 输入绑定流入 loader。
func RAGDocument() []byte {
	return []byte(`{
		"name": "rag-ingest",
		"nodes": [
			{"id": "start", "type": "start"},
			{"id": "load", "type": "document_loader", "config": {"source": "{raw_text}"}},
			{"id": "split", "type": "text_splitter", "config": {
				"chunk_size": 64,
				"chunk_overlap": 8
			}},
			{"id": "store", "type": "vector_store", "config": {
				"mode": "upsert",
				"collection": "kb"
			}}
		],
		"edges": [
			{"source": "start", "target": "load"},
			{"source": "load", "target": "split"},
			{"source": "split", "target": "store"}
		]
	}`)
}

// MapReduceDocument 返回 map_reduce_chain 文档
func MapReduceDocument() []byte {
	return []byte(`{
		"name": "map-reduce",
		"nodes": [
			{"id": "start", "type": "start"},
			{"id": "summarize", "type": "map_reduce_chain", "config": {
				"input_variable": "chunks",
				"map_prompt": "Summarize: {item}",
				"reduce_prompt": "Combine the summaries: {results}",
				"max_concurrency": 2
			}}
		],
		"edges": [
			{"source": "start", "target": "summarize"}
		]
	}`)
}

// SequentialChainDocument 返回 sequential_chain 文档
func SequentialChainDocument() []byte {
	return []byte(`{
		"name": "sequential-chain",
		"nodes": [
			{"id": "start", "type": "start"},
			{"id": "pipeline", "type": "sequential_chain", "config": {
				"steps": [
					{"name": "outline", "prompt": "Outline an article about {topic}", "output_variable": "outline"},
					{"name": "draft", "prompt": "Write the article following: {outline}", "output_variable": "draft"}
				]
			}}
		],
		"edges": [
			{"source": "start", "target": "pipeline"}
		]
	}`)
}

// CyclicDocument 返回带环的非法文档（校验必须报 STRUCTURAL_ERROR）
func CyclicDocument() []byte {
	return []byte(`{
		"name": "cyclic",
		"nodes": [
			{"id": "start", "type": "start"},
			{"id": "a", "type": "passthrough"},
			{"id": "b", "type": "passthrough"}
		],
		"edges": [
			{"source": "start", "target": "a"},
			{"source": "a", "target": "b"},
			{"source": "b", "target": "a"}
		]
	}`)
}

// UnknownTypeDocument 返回引用未注册节点类型的非法文档
func UnknownTypeDocument() []byte {
	return []byte(`{
		"name": "unknown-type",
		"nodes": [
			{"id": "start", "type": "start"},
			{"id": "mystery", "type": "quantum_oracle"}
		],
		"edges": [
			{"source": "start", "target": "mystery"}
		]
	}`)
}
