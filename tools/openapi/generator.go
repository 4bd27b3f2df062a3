// Package openapi provides automatic tool generation from OpenAPI
// specifications. Generated tools are registered into a workflow.ToolRegistry
// and invoked by tool nodes.
package openapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowgraph/workflow"
)

// OpenAPISpec represents a parsed OpenAPI specification.
type OpenAPISpec struct {
	OpenAPI string              `json:"openapi"`
	Info    Info                `json:"info"`
	Servers []Server            `json:"servers,omitempty"`
	Paths   map[string]PathItem `json:"paths"`
}

// Info contains API metadata.
type Info struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version"`
}

// Server represents an API server.
type Server struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

// PathItem represents operations on a path.
type PathItem struct {
	Get    *Operation `json:"get,omitempty"`
	Post   *Operation `json:"post,omitempty"`
	Put    *Operation `json:"put,omitempty"`
	Delete *Operation `json:"delete,omitempty"`
	Patch  *Operation `json:"patch,omitempty"`
}

// Operation represents an API operation.
type Operation struct {
	OperationID string       `json:"operationId,omitempty"`
	Summary     string       `json:"summary,omitempty"`
	Description string       `json:"description,omitempty"`
	Parameters  []Parameter  `json:"parameters,omitempty"`
	RequestBody *RequestBody `json:"requestBody,omitempty"`
	Responses   Responses    `json:"responses,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
}

// Parameter represents an operation parameter.
type Parameter struct {
	Name        string      `json:"name"`
	In          string      `json:"in"` // query, path, header, cookie
	Description string      `json:"description,omitempty"`
	Required    bool        `json:"required,omitempty"`
	Schema      *JSONSchema `json:"schema,omitempty"`
}

// RequestBody represents a request body.
type RequestBody struct {
	Description string               `json:"description,omitempty"`
	Required    bool                 `json:"required,omitempty"`
	Content     map[string]MediaType `json:"content,omitempty"`
}

// MediaType represents a media type.
type MediaType struct {
	Schema *JSONSchema `json:"schema,omitempty"`
}

// Responses represents operation responses.
type Responses map[string]ResponseObj

// ResponseObj represents a response.
type ResponseObj struct {
	Description string               `json:"description,omitempty"`
	Content     map[string]MediaType `json:"content,omitempty"`
}

// JSONSchema represents a JSON Schema.
type JSONSchema struct {
	Type        string                `json:"type,omitempty"`
	Description string                `json:"description,omitempty"`
	Properties  map[string]JSONSchema `json:"properties,omitempty"`
	Required    []string              `json:"required,omitempty"`
	Items       *JSONSchema           `json:"items,omitempty"`
	Enum        []any                 `json:"enum,omitempty"`
	Default     any                   `json:"default,omitempty"`
}

// GeneratedTool represents a tool generated from an OpenAPI operation.
// Func performs the HTTP call described by the operation; tool node
// arguments are mapped onto path, query, and header parameters by name,
// with the remaining "body" argument sent as the JSON request body.
type GeneratedTool struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	ArgsSchema  JSONSchema   `json:"args_schema"`
	Method      string       `json:"method"`
	Path        string       `json:"path"`
	BaseURL     string       `json:"base_url"`
	Parameters  []Parameter  `json:"parameters"`
	RequestBody *RequestBody `json:"request_body,omitempty"`

	client *http.Client
}

// Generator generates tools from OpenAPI specifications.
type Generator struct {
	httpClient *http.Client
	logger     *zap.Logger
	cache      map[string]*OpenAPISpec
	mu         sync.RWMutex
}

// GeneratorConfig configures the generator.
type GeneratorConfig struct {
	Timeout time.Duration
}

// NewGenerator creates a new OpenAPI tool generator.
func NewGenerator(config GeneratorConfig, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Generator{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With(zap.String("component", "openapi_generator")),
		cache:      make(map[string]*OpenAPISpec),
	}
}

// LoadSpec loads an OpenAPI spec from a URL or a local file path.
func (g *Generator) LoadSpec(ctx context.Context, source string) (*OpenAPISpec, error) {
	g.mu.RLock()
	if spec, ok := g.cache[source]; ok {
		g.mu.RUnlock()
		return spec, nil
	}
	g.mu.RUnlock()

	var data []byte
	var err error

	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		data, err = g.fetchFromURL(ctx, source)
	} else {
		data, err = os.ReadFile(source)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load spec: %w", err)
	}

	spec, err := ParseSpec(data)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.cache[source] = spec
	g.mu.Unlock()

	g.logger.Info("loaded OpenAPI spec",
		zap.String("title", spec.Info.Title),
		zap.String("version", spec.Info.Version),
		zap.Int("paths", len(spec.Paths)),
	)

	return spec, nil
}

// ParseSpec parses raw OpenAPI JSON.
func ParseSpec(data []byte) (*OpenAPISpec, error) {
	var spec OpenAPISpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse spec: %w", err)
	}
	return &spec, nil
}

func (g *Generator) fetchFromURL(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// GenerateTools generates tools from an OpenAPI spec.
func (g *Generator) GenerateTools(spec *OpenAPISpec, opts GenerateOptions) ([]*GeneratedTool, error) {
	var tools []*GeneratedTool
	baseURL := ""
	if len(spec.Servers) > 0 {
		baseURL = spec.Servers[0].URL
	}
	if opts.BaseURL != "" {
		baseURL = opts.BaseURL
	}

	for path, pathItem := range spec.Paths {
		operations := map[string]*Operation{
			http.MethodGet:    pathItem.Get,
			http.MethodPost:   pathItem.Post,
			http.MethodPut:    pathItem.Put,
			http.MethodDelete: pathItem.Delete,
			http.MethodPatch:  pathItem.Patch,
		}

		for method, op := range operations {
			if op == nil {
				continue
			}

			if len(opts.IncludeTags) > 0 && !hasAnyTag(op.Tags, opts.IncludeTags) {
				continue
			}
			if len(opts.ExcludeTags) > 0 && hasAnyTag(op.Tags, opts.ExcludeTags) {
				continue
			}

			tool := g.operationToTool(path, method, op, baseURL, opts.Prefix)
			tools = append(tools, tool)
		}
	}

	g.logger.Info("generated tools", zap.Int("count", len(tools)))
	return tools, nil
}

// RegisterAll registers every generated tool into the registry under its name.
func RegisterAll(registry *workflow.ToolRegistry, tools []*GeneratedTool) {
	for _, tool := range tools {
		registry.Register(tool.Name, tool.Func())
	}
}

func (g *Generator) operationToTool(path, method string, op *Operation, baseURL, prefix string) *GeneratedTool {
	name := op.OperationID
	if name == "" {
		name = fmt.Sprintf("%s_%s", strings.ToLower(method), sanitizePath(path))
	}
	if prefix != "" {
		name = prefix + name
	}

	description := op.Summary
	if description == "" {
		description = op.Description
	}
	if description == "" {
		description = fmt.Sprintf("%s %s", method, path)
	}

	// 汇总参数与请求体为一个对象 schema，作为工具参数的自描述文档
	properties := make(map[string]JSONSchema)
	var required []string

	for _, param := range op.Parameters {
		ps := JSONSchema{Description: param.Description}
		if param.Schema != nil {
			ps.Type = param.Schema.Type
			ps.Enum = param.Schema.Enum
			ps.Default = param.Schema.Default
		}
		properties[param.Name] = ps
		if param.Required {
			required = append(required, param.Name)
		}
	}

	if op.RequestBody != nil {
		if content, ok := op.RequestBody.Content["application/json"]; ok && content.Schema != nil {
			properties["body"] = *content.Schema
			if op.RequestBody.Required {
				required = append(required, "body")
			}
		}
	}

	return &GeneratedTool{
		Name:        name,
		Description: description,
		ArgsSchema: JSONSchema{
			Type:       "object",
			Properties: properties,
			Required:   required,
		},
		Method:      method,
		Path:        path,
		BaseURL:     baseURL,
		Parameters:  op.Parameters,
		RequestBody: op.RequestBody,
		client:      g.httpClient,
	}
}

// Func returns the workflow.ToolFunc executing this operation.
//
// Argument mapping: declared path parameters replace their {name} segment,
// query parameters become query string entries, header parameters become
// request headers. The "body" argument is JSON-encoded as the request body.
// Responses with a JSON content type are decoded into a map; anything else
// is returned as a string.
func (t *GeneratedTool) Func() workflow.ToolFunc {
	return func(ctx context.Context, args map[string]any) (any, error) {
		endpoint := t.Path
		query := url.Values{}
		headers := http.Header{}

		for _, param := range t.Parameters {
			v, ok := args[param.Name]
			if !ok {
				if param.Required {
					return nil, fmt.Errorf("tool %q: missing required argument %q", t.Name, param.Name)
				}
				continue
			}
			s := fmt.Sprintf("%v", v)
			switch param.In {
			case "path":
				endpoint = strings.ReplaceAll(endpoint, "{"+param.Name+"}", url.PathEscape(s))
			case "query":
				query.Set(param.Name, s)
			case "header":
				headers.Set(param.Name, s)
			}
		}

		var body io.Reader
		if raw, ok := args["body"]; ok {
			data, err := json.Marshal(raw)
			if err != nil {
				return nil, fmt.Errorf("tool %q: encode body: %w", t.Name, err)
			}
			body = bytes.NewReader(data)
		} else if t.RequestBody != nil && t.RequestBody.Required {
			return nil, fmt.Errorf("tool %q: missing required argument \"body\"", t.Name)
		}

		fullURL := strings.TrimSuffix(t.BaseURL, "/") + endpoint
		if encoded := query.Encode(); encoded != "" {
			fullURL += "?" + encoded
		}

		req, err := http.NewRequestWithContext(ctx, t.Method, fullURL, body)
		if err != nil {
			return nil, fmt.Errorf("tool %q: build request: %w", t.Name, err)
		}
		for k, vs := range headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		client := t.client
		if client == nil {
			client = http.DefaultClient
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("tool %q: %w", t.Name, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("tool %q: read response: %w", t.Name, err)
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("tool %q: HTTP %d: %s", t.Name, resp.StatusCode, truncate(string(data), 200))
		}

		if strings.Contains(resp.Header.Get("Content-Type"), "json") {
			var decoded any
			if err := json.Unmarshal(data, &decoded); err == nil {
				return decoded, nil
			}
		}
		return string(data), nil
	}
}

// GenerateOptions configures tool generation.
type GenerateOptions struct {
	BaseURL     string
	IncludeTags []string
	ExcludeTags []string
	Prefix      string
}

func hasAnyTag(tags, targets []string) bool {
	tagSet := make(map[string]bool)
	for _, t := range tags {
		tagSet[t] = true
	}
	for _, t := range targets {
		if tagSet[t] {
			return true
		}
	}
	return false
}

func sanitizePath(path string) string {
	path = strings.ReplaceAll(path, "/", "_")
	path = strings.ReplaceAll(path, "{", "")
	path = strings.ReplaceAll(path, "}", "")
	path = strings.Trim(path, "_")
	return path
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
