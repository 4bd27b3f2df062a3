package workflow

// 标准节点目录的类型名。
const (
	TypeStart           = "start"
	TypePassthrough     = "passthrough"
	TypeLLM             = "llm"
	TypeMemory          = "memory"
	TypeTool            = "tool"
	TypeDocumentLoader  = "document_loader"
	TypeTextSplitter    = "text_splitter"
	TypeVectorStore     = "vector_store"
	TypeConditional     = "conditional"
	TypeRouter          = "router"
	TypeSequentialChain = "sequential_chain"
	TypeMapReduceChain  = "map_reduce_chain"
)

// 默认端口名。
var (
	defaultInputHandles  = []string{"input"}
	defaultOutputHandles = []string{"output"}
)

func staticInputHandles(map[string]any) []string  { return defaultInputHandles }
func staticOutputHandles(map[string]any) []string { return defaultOutputHandles }

// DefaultRegistry 装配标准节点目录。进程启动时调用一次，返回的注册表
// 运行期只读。
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.MustRegister(NodeType{
		Name:  TypeStart,
		Start: true,
		Build: func(_ map[string]any, _ *BuildContext) (NodeExecutor, error) {
			return passthroughExecutor(), nil
		},
		OutputHandles: staticOutputHandles,
	})

	r.MustRegister(NodeType{
		Name: TypePassthrough,
		Build: func(_ map[string]any, _ *BuildContext) (NodeExecutor, error) {
			return passthroughExecutor(), nil
		},
		InputHandles:  staticInputHandles,
		OutputHandles: staticOutputHandles,
	})

	r.MustRegister(NodeType{
		Name:          TypeLLM,
		Validate:      validateLLMConfig,
		Build:         newLLMExecutor,
		InputHandles:  staticInputHandles,
		OutputHandles: staticOutputHandles,
	})

	r.MustRegister(NodeType{
		Name:          TypeMemory,
		Validate:      validateMemoryConfig,
		Build:         newMemoryExecutor,
		InputHandles:  staticInputHandles,
		OutputHandles: staticOutputHandles,
	})

	r.MustRegister(NodeType{
		Name:          TypeTool,
		Validate:      validateToolConfig,
		Build:         newToolExecutor,
		InputHandles:  staticInputHandles,
		OutputHandles: staticOutputHandles,
	})

	r.MustRegister(NodeType{
		Name:          TypeDocumentLoader,
		Validate:      validateDocumentLoaderConfig,
		Build:         newDocumentLoaderExecutor,
		InputHandles:  staticInputHandles,
		OutputHandles: staticOutputHandles,
	})

	r.MustRegister(NodeType{
		Name:          TypeTextSplitter,
		Validate:      validateTextSplitterConfig,
		Build:         newTextSplitterExecutor,
		InputHandles:  staticInputHandles,
		OutputHandles: staticOutputHandles,
	})

	r.MustRegister(NodeType{
		Name:          TypeVectorStore,
		Validate:      validateVectorStoreConfig,
		Build:         newVectorStoreExecutor,
		InputHandles:  staticInputHandles,
		OutputHandles: staticOutputHandles,
	})

	// conditional 的分支目标是节点 id 而非端口名，出边端口不做约束。
	r.MustRegister(NodeType{
		Name:      TypeConditional,
		Branching: true,
		Validate:  validateConditionalConfig,
		Build: func(_ map[string]any, _ *BuildContext) (NodeExecutor, error) {
			return passthroughExecutor(), nil
		},
		Resolver: func(cfg map[string]any, bctx *BuildContext) (BranchResolver, error) {
			return newConditionalResolver(cfg, bctx)
		},
		InputHandles: staticInputHandles,
	})

	// router 每条路由暴露一个以 chain_id 命名的输出端口。
	r.MustRegister(NodeType{
		Name:      TypeRouter,
		Branching: true,
		Validate:  validateRouterConfig,
		Build: func(_ map[string]any, _ *BuildContext) (NodeExecutor, error) {
			return passthroughExecutor(), nil
		},
		Resolver: func(cfg map[string]any, bctx *BuildContext) (BranchResolver, error) {
			return newRouterResolver(cfg, bctx)
		},
		InputHandles:  staticInputHandles,
		OutputHandles: routerOutputHandles,
	})

	r.MustRegister(NodeType{
		Name:          TypeSequentialChain,
		Validate:      validateSequentialChainConfig,
		Build:         newSequentialChainExecutor,
		InputHandles:  staticInputHandles,
		OutputHandles: staticOutputHandles,
	})

	r.MustRegister(NodeType{
		Name:          TypeMapReduceChain,
		Validate:      validateMapReduceChainConfig,
		Build:         newMapReduceChainExecutor,
		InputHandles:  staticInputHandles,
		OutputHandles: staticOutputHandles,
	})

	return r
}
