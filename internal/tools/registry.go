package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry holds the available tools and mediates every invocation:
// argument checking, per-call timeout, and invocation logging all
// happen here so individual tools stay simple.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*Tool
	timeout time.Duration
	logger  *zap.Logger
}

// NewRegistry creates an empty registry. timeout bounds every
// invocation; zero means no gateway-imposed deadline.
func NewRegistry(timeout time.Duration, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:   make(map[string]*Tool),
		timeout: timeout,
		logger:  logger,
	}
}

// Register adds a tool. Registering a duplicate name is an error.
func (r *Registry) Register(tool *Tool) error {
	if err := tool.Validate(); err != nil {
		return fmt.Errorf("invalid tool: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, tool.Name)
	}
	r.tools[tool.Name] = tool
	return nil
}

// MustRegister registers a tool and panics on error. For static
// registration during startup.
func (r *Registry) MustRegister(tool *Tool) {
	if err := r.Register(tool); err != nil {
		panic(fmt.Sprintf("failed to register tool %s: %v", tool.Name, err))
	}
}

// Get returns a tool by name, or nil if not registered.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Has reports whether a tool with the given name is registered.
func (r *Registry) Has(name string) bool {
	return r.Get(name) != nil
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe renders a name-and-description listing for prompts.
func (r *Registry) Describe() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	out := ""
	for _, name := range names {
		out += fmt.Sprintf("- %s: %s\n", name, r.tools[name].Description)
	}
	return out
}

// Invoke executes a tool by name under the gateway timeout. Required
// arguments are checked against the tool schema before execution.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	tool := r.Get(name)
	if tool == nil {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	for _, req := range tool.Schema.Required {
		if _, ok := args[req]; !ok {
			return "", fmt.Errorf("%w: %s.%s", ErrMissingRequiredArg, name, req)
		}
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := tool.Execute(ctx, args)
	elapsed := time.Since(start)

	if err != nil {
		r.logger.Warn("tool invocation failed",
			zap.String("tool", name),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return "", err
	}
	r.logger.Debug("tool invoked",
		zap.String("tool", name),
		zap.Duration("elapsed", elapsed),
		zap.Int("result_len", len(result)))
	return result, nil
}
