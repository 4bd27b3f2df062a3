// Package flowgraph provides a top-level convenience entry point for
// validating, compiling, and running workflow documents with minimal
// boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/flowgraph"
//
//	rt := flowgraph.New(flowgraph.WithModel(myInvoker))
//	result, err := rt.Run(ctx, documentJSON, map[string]any{"input": "hello"})
//
// This is a thin wrapper around the [workflow] package; both produce
// identical results. Use this package when you prefer a one-call API over
// wiring Registry, Builder, and Engine yourself.
package flowgraph

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/flowgraph/workflow"
)

// Aliases for the result types callers handle, so simple programs only need
// this one import.
type (
	// ExecutionResult is the final outcome of a workflow run.
	ExecutionResult = workflow.ExecutionResult
	// StepEvent is a single streamed execution event.
	StepEvent = workflow.StepEvent
	// Limits bounds execution steps, timeouts, and branch concurrency.
	Limits = workflow.Limits
	// ModelInvoker is the callback used by llm nodes.
	ModelInvoker = workflow.ModelInvoker
	// ToolFunc is the callback used by tool nodes.
	ToolFunc = workflow.ToolFunc
)

// Runtime bundles a node type registry, builder, and engine behind a
// document-in, result-out API.
type Runtime struct {
	registry *workflow.Registry
	builder  *workflow.Builder
	engine   *workflow.Engine
	bctx     *workflow.BuildContext
}

// Option configures the runtime created by [New].
type Option func(*settings)

type settings struct {
	registry    *workflow.Registry
	invoker     workflow.ModelInvoker
	tools       *workflow.ToolRegistry
	limits      workflow.Limits
	store       workflow.CheckpointStore
	credentials map[string]string
	logger      *zap.Logger
}

// WithRegistry replaces the default node type registry.
func WithRegistry(r *workflow.Registry) Option {
	return func(s *settings) { s.registry = r }
}

// WithModel sets the model invoker used by llm nodes. Without one, llm
// nodes degrade to returning their rendered prompt.
func WithModel(m workflow.ModelInvoker) Option {
	return func(s *settings) { s.invoker = m }
}

// WithTools sets the tool registry used by tool nodes.
func WithTools(t *workflow.ToolRegistry) Option {
	return func(s *settings) { s.tools = t }
}

// WithTool registers a single named tool, creating the registry on demand.
func WithTool(name string, fn workflow.ToolFunc) Option {
	return func(s *settings) {
		if s.tools == nil {
			s.tools = workflow.NewToolRegistry()
		}
		s.tools.Register(name, fn)
	}
}

// WithLimits overrides the default execution limits.
func WithLimits(l workflow.Limits) Option {
	return func(s *settings) { s.limits = l }
}

// WithCheckpointStore enables session checkpointing via the given store.
func WithCheckpointStore(store workflow.CheckpointStore) Option {
	return func(s *settings) { s.store = store }
}

// WithCredentials passes opaque credentials through to node executors.
func WithCredentials(creds map[string]string) Option {
	return func(s *settings) { s.credentials = creds }
}

// WithLogger sets a custom zap logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// New creates a Runtime with the built-in node types and the given options.
func New(opts ...Option) *Runtime {
	s := settings{}
	for _, opt := range opts {
		opt(&s)
	}
	if s.registry == nil {
		s.registry = workflow.DefaultRegistry()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}

	engineOpts := []workflow.EngineOption{workflow.WithEngineLogger(s.logger)}
	if s.store != nil {
		engineOpts = append(engineOpts, workflow.WithCheckpointStore(s.store))
	}

	return &Runtime{
		registry: s.registry,
		builder:  workflow.NewBuilder(s.registry, s.logger),
		engine:   workflow.NewEngine(engineOpts...),
		bctx: &workflow.BuildContext{
			Credentials: s.credentials,
			Invoker:     s.invoker,
			Tools:       s.tools,
			Limits:      s.limits,
			Logger:      s.logger,
		},
	}
}

// Validate parses the document and reports every structural problem found.
// A nil return means the document would compile.
func (r *Runtime) Validate(document []byte) error {
	doc, err := workflow.ParseDocument(document)
	if err != nil {
		return err
	}
	return workflow.NewValidator(r.registry, r.bctx.Logger).Validate(doc).Err()
}

// Compile parses, validates, and compiles the document into an executable
// graph. The graph is immutable and safe for concurrent Execute calls.
func (r *Runtime) Compile(document []byte) (*workflow.CompiledGraph, error) {
	doc, err := workflow.ParseDocument(document)
	if err != nil {
		return nil, err
	}
	return r.builder.Build(doc, r.bctx)
}

// Run compiles and executes the document in one call.
func (r *Runtime) Run(ctx context.Context, document []byte, inputs map[string]any) (*ExecutionResult, error) {
	return r.RunSession(ctx, document, "", inputs)
}

// RunSession runs the document under a session ID. With a checkpoint store
// configured, a repeated session ID resumes from the last checkpoint.
func (r *Runtime) RunSession(ctx context.Context, document []byte, sessionID string, inputs map[string]any) (*ExecutionResult, error) {
	graph, err := r.Compile(document)
	if err != nil {
		return nil, err
	}
	return r.engine.Execute(ctx, graph, workflow.ExecutionRequest{
		SessionID: sessionID,
		Inputs:    inputs,
	})
}

// Stream compiles the document and executes it, delivering per-node events
// on the returned channel. Compile errors are returned up front; execution
// errors arrive as the terminal event.
func (r *Runtime) Stream(ctx context.Context, document []byte, inputs map[string]any) (<-chan StepEvent, error) {
	graph, err := r.Compile(document)
	if err != nil {
		return nil, err
	}
	return r.engine.ExecuteStream(ctx, graph, workflow.ExecutionRequest{Inputs: inputs}), nil
}

// Validate checks a document against the built-in node types without
// constructing a Runtime.
func Validate(document []byte) error {
	return New().Validate(document)
}

// Run executes a document with default settings. Convenience for scripts
// and tests; construct a [Runtime] to reuse compiled state across calls.
func Run(ctx context.Context, document []byte, inputs map[string]any) (*ExecutionResult, error) {
	return New().Run(ctx, document, inputs)
}
