// Package tool provides the tool registry and the built-in tools that
// workflow steps invoke against the outside world. Every outbound HTTP
// request issued by a tool goes through the SSRF-hardened client in
// this package.
package tool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/leadflow-ai/leadflow/internal/schema"
	"github.com/leadflow-ai/leadflow/internal/types"
)

// Invocation is everything a tool run function receives. Config has
// already been validated against the tool's schema and defaults applied.
type Invocation struct {
	Config         map[string]any
	AllowedDomains []string
	HTTP           *SecureClient
	Logger         *slog.Logger
}

// RunFunc executes one tool invocation and reports the outcome as a Result.
type RunFunc func(ctx context.Context, inv Invocation) Result

// Definition describes a registered tool type.
type Definition struct {
	Type         string
	Description  string
	ConfigSchema *schema.JSONSchema
	Run          RunFunc
}

// Registry holds the available tool types and executes them with config
// validation, panic recovery, and tracing.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Definition
	client *SecureClient
	logger *slog.Logger
	tracer trace.Tracer
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTracer sets the registry tracer.
func WithTracer(tracer trace.Tracer) RegistryOption {
	return func(r *Registry) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// WithHTTPClient sets the secure HTTP client passed to tool invocations.
func WithHTTPClient(client *SecureClient) RegistryOption {
	return func(r *Registry) {
		if client != nil {
			r.client = client
		}
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:  make(map[string]Definition),
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("leadflow.tool"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.client == nil {
		r.client = NewSecureClient(WithClientLogger(r.logger))
	}
	return r
}

// Register adds a tool type. Registering the same type twice is an error.
func (r *Registry) Register(def Definition) error {
	if def.Type == "" {
		return types.NewError(types.TOOL_CONFIG_INVALID, "tool type cannot be empty")
	}
	if def.Run == nil {
		return types.NewError(types.TOOL_CONFIG_INVALID, fmt.Sprintf("tool %s has no run function", def.Type))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Type]; exists {
		return types.NewError(types.TOOL_ALREADY_EXISTS, fmt.Sprintf("tool %s is already registered", def.Type))
	}
	r.tools[def.Type] = def
	return nil
}

// Get returns the definition for a tool type.
func (r *Registry) Get(toolType string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[toolType]
	return def, ok
}

// Has reports whether a tool type is registered.
func (r *Registry) Has(toolType string) bool {
	_, ok := r.Get(toolType)
	return ok
}

// List returns registered tool types in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExecuteOptions scope a single tool execution.
type ExecuteOptions struct {
	AllowedDomains []string
}

// Execute validates config against the tool's schema, applies defaults,
// and runs the tool. Failures are reported in the Result; Execute never
// returns a Go error and never panics.
func (r *Registry) Execute(ctx context.Context, toolType string, config map[string]any, opts ExecuteOptions) (result Result) {
	start := time.Now()

	ctx, span := r.tracer.Start(ctx, "tool.execute",
		trace.WithAttributes(attribute.String("tool.type", toolType)))
	defer func() {
		result.Metadata.Duration = time.Since(start)
		if result.Success {
			span.SetStatus(codes.Ok, "tool completed")
		} else {
			span.SetStatus(codes.Error, result.Error)
		}
		span.End()
	}()

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.ErrorContext(ctx, "tool panicked",
				"tool", toolType,
				"panic", rec)
			result = Failure(fmt.Sprintf("tool %s panicked: %v", toolType, rec))
		}
	}()

	def, ok := r.Get(toolType)
	if !ok {
		return PermanentFailure(fmt.Sprintf("unknown tool type: %s", toolType))
	}

	if config == nil {
		config = make(map[string]any)
	}
	if def.ConfigSchema != nil {
		config = schema.ApplyDefaults(*def.ConfigSchema, config)
		if err := schema.Check(*def.ConfigSchema, config); err != nil {
			return PermanentFailure(fmt.Sprintf("invalid config for tool %s: %v", toolType, err))
		}
	}

	r.logger.DebugContext(ctx, "executing tool",
		"tool", toolType,
		"allowed_domains", opts.AllowedDomains)

	return def.Run(ctx, Invocation{
		Config:         config,
		AllowedDomains: opts.AllowedDomains,
		HTTP:           r.client,
		Logger:         r.logger,
	})
}
