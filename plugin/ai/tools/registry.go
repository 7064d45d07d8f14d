package tools

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"

	merrors "github.com/hrygo/agentmemory/internal/errors"
	"github.com/hrygo/agentmemory/internal/observability"
	"github.com/hrygo/agentmemory/server/service/memory"
)

// DefaultTimeout bounds one tool invocation.
const DefaultTimeout = 30 * time.Second

// Registry manages a collection of tools keyed by name.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	timeout time.Duration
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:   make(map[string]Tool),
		timeout: DefaultTimeout,
		logger:  logger,
	}
}

// NewMemoryRegistry registers the full memory tool set over svc.
func NewMemoryRegistry(svc *memory.Service, logger *slog.Logger) (*Registry, error) {
	if svc == nil {
		return nil, errors.New("memory service cannot be nil")
	}
	r := NewRegistry(logger)
	for _, tool := range []Tool{
		&fetchTool{svc: svc},
		&listTool{svc: svc},
		&searchTool{svc: svc},
		&stopTool{svc: svc},
		&executeTool{svc: svc},
		&primerTool{svc: svc, registry: r},
	} {
		if err := r.Register(tool); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// SetTimeout changes the per-invocation timeout. Zero disables it.
func (r *Registry) SetTimeout(timeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeout = timeout
}

// Register adds a tool to the registry.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return errors.New("tool cannot be nil")
	}
	name := tool.Name()
	if name == "" {
		return errors.New("tool name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return errors.Errorf("tool %s already registered", name)
	}
	r.tools[name] = tool
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, exists := r.tools[name]
	return tool, exists
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Info describes every registered tool for the primer.
func (r *Registry) Info() []memory.ToolInfo {
	names := r.Names()
	infos := make([]memory.ToolInfo, 0, len(names))
	for _, name := range names {
		tool, _ := r.Get(name)
		infos = append(infos, memory.ToolInfo{Name: name, Description: tool.Description()})
	}
	return infos
}

// Invoke runs the named tool with the registry timeout.
func (r *Registry) Invoke(ctx context.Context, name string, call *Call) (*Result, error) {
	tool, ok := r.Get(name)
	if !ok {
		return nil, merrors.Validation("unknown tool %q", name)
	}
	if call == nil {
		call = &Call{}
	}

	r.mu.RLock()
	timeout := r.timeout
	r.mu.RUnlock()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	reqCtx := observability.NewRequestContext(r.logger, name, call.Caller).WithConversation(call.Conversation)
	result, err := tool.Invoke(observability.WithRequestContext(ctx, reqCtx), call)
	if err != nil {
		reqCtx.Warn("tool failed",
			slog.String(observability.LogFieldErrorCode, string(merrors.CodeOf(err, merrors.CodeStorage))),
			slog.String("error", err.Error()))
		return nil, err
	}
	result.Tool = name
	result.DurationMs = reqCtx.DurationMs()
	reqCtx.Debug("tool invoked", slog.Int64(observability.LogFieldDuration, result.DurationMs))
	return result, nil
}
