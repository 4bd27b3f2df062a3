package workflow

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/BaSui01/flowgraph/types"
)

// templatePattern 匹配提示词模板中的 {variable} 占位符。
var templatePattern = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_.]*)\}`)

// renderTemplate 用作用域内的绑定值替换 {variable} 占位符。
// 未知占位符原样保留，便于编辑器排查拼写错误。
func renderTemplate(tpl string, scope map[string]any) string {
	return templatePattern.ReplaceAllStringFunc(tpl, func(m string) string {
		key := m[1 : len(m)-1]
		if v, ok := scope[key]; ok {
			return asString(v)
		}
		return m
	})
}

// renderScope 合并 bindings 与上一节点输出，输出覆盖同名绑定。
func renderScope(state *ExecutionState, input map[string]any) map[string]any {
	scope := make(map[string]any, len(state.Bindings)+len(input))
	for k, v := range state.Bindings {
		scope[k] = v
	}
	for k, v := range input {
		scope[k] = v
	}
	return scope
}

// passthroughExecutor 原样传递输入。start / passthrough / 分支节点共用。
func passthroughExecutor() NodeExecutor {
	return ExecutorFunc(func(_ context.Context, _ *ExecutionState, input map[string]any) (map[string]any, error) {
		if input == nil {
			return map[string]any{}, nil
		}
		return deepCopyMap(input), nil
	})
}

// =============================================================================
// llm 节点
// =============================================================================

// promptTokenizer 基于 tiktoken 做提示词 token 预算核算。
// 编码表惰性初始化；初始化失败（如离线环境）退化为字符数估算。
type promptTokenizer struct {
	model   string
	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

func (t *promptTokenizer) count(text string) int {
	t.once.Do(func() {
		t.enc, t.initErr = tiktoken.GetEncoding(encodingForModel(t.model))
	})
	if t.initErr != nil || t.enc == nil {
		// 粗略估算：平均 4 字符 1 token。
		return len([]rune(text))/4 + 1
	}
	return len(t.enc.Encode(text, nil, nil))
}

// encodingForModel 把模型名映射到 tiktoken 编码表。
func encodingForModel(model string) string {
	if strings.HasPrefix(model, "gpt-4o") {
		return "o200k_base"
	}
	return "cl100k_base"
}

type llmExecutor struct {
	model          string
	promptTpl      string
	temperature    float64
	maxTokens      int
	maxInputTokens int
	invoker        ModelInvoker
	tokenizer      *promptTokenizer
	logger         *zap.Logger
}

func newLLMExecutor(cfg map[string]any, bctx *BuildContext) (NodeExecutor, error) {
	promptTpl := stringOption(cfg, "prompt", "")
	if promptTpl == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	model := stringOption(cfg, "model", "gpt-4o-mini")
	return &llmExecutor{
		model:          model,
		promptTpl:      promptTpl,
		temperature:    floatOption(cfg, "temperature", 0.7),
		maxTokens:      intOption(cfg, "max_tokens", 0),
		maxInputTokens: intOption(cfg, "max_input_tokens", 0),
		invoker:        bctx.Invoker,
		tokenizer:      &promptTokenizer{model: model},
		logger:         bctx.Logger.With(zap.String("component", "llm_node")),
	}, nil
}

func (e *llmExecutor) Execute(ctx context.Context, state *ExecutionState, input map[string]any) (map[string]any, error) {
	prompt := renderTemplate(e.promptTpl, renderScope(state, input))

	inputTokens := 0
	if e.maxInputTokens > 0 {
		inputTokens = e.tokenizer.count(prompt)
		if inputTokens > e.maxInputTokens {
			return nil, types.NewErrorf(types.ErrNodeExecution,
				"prompt is %d tokens, exceeding max_input_tokens %d", inputTokens, e.maxInputTokens)
		}
	}

	// 无模型后端时返回渲染后的提示词，保证确定性执行。
	if e.invoker == nil {
		out := map[string]any{"output": prompt, "model": e.model}
		if inputTokens > 0 {
			out["input_tokens"] = inputTokens
		}
		return out, nil
	}

	resp, err := e.invoker.Invoke(ctx, ModelRequest{
		Model:       e.model,
		Prompt:      prompt,
		Temperature: e.temperature,
		MaxTokens:   e.maxTokens,
	})
	if err != nil {
		return nil, types.AsError(err, types.ErrNodeExecution)
	}

	out := map[string]any{"output": resp.Text, "model": e.model}
	if resp.InputTokens > 0 {
		out["input_tokens"] = resp.InputTokens
	}
	if resp.OutputTokens > 0 {
		out["output_tokens"] = resp.OutputTokens
	}
	return out, nil
}

func validateLLMConfig(cfg map[string]any) []string {
	var msgs []string
	if stringOption(cfg, "prompt", "") == "" {
		msgs = append(msgs, "prompt is required")
	}
	if temp := floatOption(cfg, "temperature", 0.7); temp < 0 || temp > 2 {
		msgs = append(msgs, fmt.Sprintf("temperature must be between 0 and 2, got %v", temp))
	}
	if hasOption(cfg, "max_tokens") && intOption(cfg, "max_tokens", 0) <= 0 {
		msgs = append(msgs, "max_tokens must be positive when set")
	}
	if hasOption(cfg, "max_input_tokens") && intOption(cfg, "max_input_tokens", 0) <= 0 {
		msgs = append(msgs, "max_input_tokens must be positive when set")
	}
	return msgs
}

// =============================================================================
// memory 节点
// =============================================================================

// memoryExecutor 把上一节点输出追加进会话级对话记忆（滑动窗口）。
// 记忆存放在 ExecutionState.Memory，随 Checkpoint 跨轮次延续。
type memoryExecutor struct {
	key    string
	window int
}

func newMemoryExecutor(cfg map[string]any, _ *BuildContext) (NodeExecutor, error) {
	return &memoryExecutor{
		key:    stringOption(cfg, "memory_key", "history"),
		window: intOption(cfg, "window", 20),
	}, nil
}

func (e *memoryExecutor) Execute(_ context.Context, state *ExecutionState, input map[string]any) (map[string]any, error) {
	if state.Memory == nil {
		state.Memory = make(map[string]any)
	}
	history, _ := state.Memory[e.key].([]any)

	var entry any = normalizeValue(input)
	if v, ok := input["output"]; ok {
		entry = normalizeValue(v)
	}
	history = append(history, entry)
	if e.window > 0 && len(history) > e.window {
		history = history[len(history)-e.window:]
	}
	state.Memory[e.key] = history

	return map[string]any{
		"history":        history,
		"history_length": len(history),
	}, nil
}

func validateMemoryConfig(cfg map[string]any) []string {
	var msgs []string
	if hasOption(cfg, "window") && intOption(cfg, "window", 0) <= 0 {
		msgs = append(msgs, "window must be positive when set")
	}
	return msgs
}

// =============================================================================
// tool 节点
// =============================================================================

type toolExecutor struct {
	name    string
	argsTpl map[string]any
	tools   *ToolRegistry
	logger  *zap.Logger
}

func newToolExecutor(cfg map[string]any, bctx *BuildContext) (NodeExecutor, error) {
	name := stringOption(cfg, "tool_name", "")
	if name == "" {
		return nil, fmt.Errorf("tool_name is required")
	}
	return &toolExecutor{
		name:    name,
		argsTpl: mapOption(cfg, "arguments"),
		tools:   bctx.Tools,
		logger:  bctx.Logger.With(zap.String("component", "tool_node"), zap.String("tool", name)),
	}, nil
}

func (e *toolExecutor) Execute(ctx context.Context, state *ExecutionState, input map[string]any) (map[string]any, error) {
	scope := renderScope(state, input)
	args := make(map[string]any, len(e.argsTpl))
	for k, v := range e.argsTpl {
		if s, ok := v.(string); ok {
			args[k] = renderTemplate(s, scope)
		} else {
			args[k] = v
		}
	}

	// 未接入工具后端：返回确定性的回显，工作流仍可端到端运行。
	if e.tools == nil {
		return map[string]any{
			"output": fmt.Sprintf("tool %q invoked", e.name),
			"tool":   e.name,
			"args":   args,
		}, nil
	}

	fn, ok := e.tools.Lookup(e.name)
	if !ok {
		return nil, types.NewErrorf(types.ErrNodeExecution, "tool %q is not registered", e.name)
	}
	result, err := fn(ctx, args)
	if err != nil {
		return nil, types.AsError(err, types.ErrNodeExecution).WithCause(err)
	}
	return map[string]any{"output": result, "tool": e.name}, nil
}

func validateToolConfig(cfg map[string]any) []string {
	var msgs []string
	if stringOption(cfg, "tool_name", "") == "" {
		msgs = append(msgs, "tool_name is required")
	}
	return msgs
}

// =============================================================================
// document_loader 节点
// =============================================================================

// documentLoaderExecutor 把模板渲染出的内容装入 documents 集合。
// 具体数据源集成（文件、URL、对象存储）属于上层，不在引擎内实现；
// 内容经由绑定流入（典型写法 source: "{raw_text}"）。
type documentLoaderExecutor struct {
	sourceTpl string
}

func newDocumentLoaderExecutor(cfg map[string]any, _ *BuildContext) (NodeExecutor, error) {
	source := stringOption(cfg, "source", "")
	if source == "" {
		return nil, fmt.Errorf("source is required")
	}
	return &documentLoaderExecutor{sourceTpl: source}, nil
}

func (e *documentLoaderExecutor) Execute(_ context.Context, state *ExecutionState, input map[string]any) (map[string]any, error) {
	content := renderTemplate(e.sourceTpl, renderScope(state, input))
	return map[string]any{
		"documents": []any{content},
		"output":    content,
	}, nil
}

func validateDocumentLoaderConfig(cfg map[string]any) []string {
	var msgs []string
	if stringOption(cfg, "source", "") == "" {
		msgs = append(msgs, "source is required")
	}
	return msgs
}

// =============================================================================
// text_splitter 节点
// =============================================================================

type textSplitterExecutor struct {
	chunkSize    int
	chunkOverlap int
	separator    string
}

func newTextSplitterExecutor(cfg map[string]any, _ *BuildContext) (NodeExecutor, error) {
	e := &textSplitterExecutor{
		chunkSize:    intOption(cfg, "chunk_size", 512),
		chunkOverlap: intOption(cfg, "chunk_overlap", 0),
		separator:    stringOption(cfg, "separator", "\n\n"),
	}
	if e.chunkSize <= 0 {
		return nil, fmt.Errorf("chunk_size must be positive")
	}
	if e.chunkOverlap < 0 || e.chunkOverlap >= e.chunkSize {
		return nil, fmt.Errorf("chunk_overlap must be in [0, chunk_size)")
	}
	return e, nil
}

func (e *textSplitterExecutor) Execute(_ context.Context, state *ExecutionState, input map[string]any) (map[string]any, error) {
	docs := collectDocuments(state, input)
	if len(docs) == 0 {
		return nil, types.NewError(types.ErrNodeExecution,
			"no documents to split: expected a documents binding or an output string")
	}

	var chunks []any
	for _, doc := range docs {
		for _, chunk := range splitText(doc, e.chunkSize, e.chunkOverlap, e.separator) {
			chunks = append(chunks, chunk)
		}
	}
	return map[string]any{
		"chunks":      chunks,
		"chunk_count": len(chunks),
	}, nil
}

// collectDocuments 依次从 input.documents、bindings.documents、input.output
// 取出待处理文本。
func collectDocuments(state *ExecutionState, input map[string]any) []string {
	pick := func(v any) []string {
		switch t := v.(type) {
		case []any:
			out := make([]string, 0, len(t))
			for _, item := range t {
				out = append(out, asString(item))
			}
			return out
		case []string:
			return t
		case string:
			if t == "" {
				return nil
			}
			return []string{t}
		}
		return nil
	}
	if docs := pick(input["documents"]); len(docs) > 0 {
		return docs
	}
	if docs := pick(state.Bindings["documents"]); len(docs) > 0 {
		return docs
	}
	if docs := pick(input["output"]); len(docs) > 0 {
		return docs
	}
	return nil
}

// splitText 先按分隔符切段，再贪心打包进 chunkSize 以内的块；
// 超长段落退化为带重叠的定长窗口切分。
func splitText(text string, chunkSize, overlap int, separator string) []string {
	if text == "" {
		return nil
	}
	segments := []string{text}
	if separator != "" {
		segments = strings.Split(text, separator)
	}

	var chunks []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}

	for _, seg := range segments {
		if seg == "" {
			continue
		}
		if len([]rune(seg)) > chunkSize {
			flush()
			chunks = append(chunks, windowSplit(seg, chunkSize, overlap)...)
			continue
		}
		joined := current.Len() + len(separator) + len(seg)
		if current.Len() > 0 && joined > chunkSize {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString(separator)
		}
		current.WriteString(seg)
	}
	flush()
	return chunks
}

// windowSplit 以 chunkSize 为窗口、chunkSize-overlap 为步长做定长切分。
func windowSplit(text string, chunkSize, overlap int) []string {
	runes := []rune(text)
	step := chunkSize - overlap
	if step <= 0 {
		step = chunkSize
	}
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}

func validateTextSplitterConfig(cfg map[string]any) []string {
	var msgs []string
	size := intOption(cfg, "chunk_size", 512)
	if size <= 0 {
		msgs = append(msgs, "chunk_size must be positive")
	}
	if overlap := intOption(cfg, "chunk_overlap", 0); overlap < 0 || (size > 0 && overlap >= size) {
		msgs = append(msgs, "chunk_overlap must be in [0, chunk_size)")
	}
	return msgs
}

// =============================================================================
// vector_store 节点
// =============================================================================

// 向量库节点的两种工作模式。
const (
	vectorModeUpsert = "upsert"
	vectorModeQuery  = "query"
)

// vectorStoreExecutor 提供会话内的文档写入与检索。
// 存储落在 ExecutionState.Memory（随 Checkpoint 延续），检索用词项重叠
// 打分 —— 外部向量数据库集成属于上层 Provider，不在引擎内实现。
type vectorStoreExecutor struct {
	collection string
	mode       string
	topK       int
	queryTpl   string
}

func newVectorStoreExecutor(cfg map[string]any, _ *BuildContext) (NodeExecutor, error) {
	mode := stringOption(cfg, "mode", vectorModeUpsert)
	if mode != vectorModeUpsert && mode != vectorModeQuery {
		return nil, fmt.Errorf("mode must be upsert or query, got %q", mode)
	}
	return &vectorStoreExecutor{
		collection: stringOption(cfg, "collection", "default"),
		mode:       mode,
		topK:       intOption(cfg, "top_k", 4),
		queryTpl:   stringOption(cfg, "query", "{output}"),
	}, nil
}

func (e *vectorStoreExecutor) storageKey() string {
	return "vectors:" + e.collection
}

func (e *vectorStoreExecutor) Execute(_ context.Context, state *ExecutionState, input map[string]any) (map[string]any, error) {
	if state.Memory == nil {
		state.Memory = make(map[string]any)
	}
	stored, _ := state.Memory[e.storageKey()].([]any)

	if e.mode == vectorModeUpsert {
		docs := collectChunks(state, input)
		if len(docs) == 0 {
			return nil, types.NewError(types.ErrNodeExecution,
				"no chunks or documents to store")
		}
		for _, doc := range docs {
			stored = append(stored, doc)
		}
		state.Memory[e.storageKey()] = stored
		return map[string]any{
			"stored":     len(docs),
			"total":      len(stored),
			"collection": e.collection,
		}, nil
	}

	query := renderTemplate(e.queryTpl, renderScope(state, input))
	matches := topKByTermOverlap(stored, query, e.topK)
	return map[string]any{
		"matches":    matches,
		"query":      query,
		"collection": e.collection,
	}, nil
}

func collectChunks(state *ExecutionState, input map[string]any) []string {
	pick := func(v any) []string {
		if items, ok := v.([]any); ok {
			out := make([]string, 0, len(items))
			for _, item := range items {
				out = append(out, asString(item))
			}
			return out
		}
		return nil
	}
	if docs := pick(input["chunks"]); len(docs) > 0 {
		return docs
	}
	if docs := pick(input["documents"]); len(docs) > 0 {
		return docs
	}
	if docs := pick(state.Bindings["chunks"]); len(docs) > 0 {
		return docs
	}
	if docs := pick(state.Bindings["documents"]); len(docs) > 0 {
		return docs
	}
	return nil
}

// topKByTermOverlap 按查询词项与文档词项的交集大小降序取前 k 个，
// 平分按存入顺序，零分文档不返回。
func topKByTermOverlap(stored []any, query string, k int) []any {
	queryTerms := termSet(query)
	type scored struct {
		index int
		score int
		doc   any
	}
	var candidates []scored
	for i, doc := range stored {
		score := 0
		for term := range termSet(asString(doc)) {
			if _, ok := queryTerms[term]; ok {
				score++
			}
		}
		if score > 0 {
			candidates = append(candidates, scored{index: i, score: score, doc: doc})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].index < candidates[j].index
	})
	if k > 0 && len(candidates) > k {
		candidates = candidates[:k]
	}
	matches := make([]any, 0, len(candidates))
	for _, c := range candidates {
		matches = append(matches, c.doc)
	}
	return matches
}

func termSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, f := range strings.Fields(strings.ToLower(text)) {
		set[strings.Trim(f, ".,;:!?\"'()[]{}")] = struct{}{}
	}
	return set
}

func validateVectorStoreConfig(cfg map[string]any) []string {
	var msgs []string
	if mode := stringOption(cfg, "mode", vectorModeUpsert); mode != vectorModeUpsert && mode != vectorModeQuery {
		msgs = append(msgs, fmt.Sprintf("mode must be upsert or query, got %q", mode))
	}
	if hasOption(cfg, "top_k") && intOption(cfg, "top_k", 0) <= 0 {
		msgs = append(msgs, "top_k must be positive when set")
	}
	return msgs
}
