// Package executor implements the executor registry (component C6):
// registration and lookup of the task executors the workflow engine invokes
// from Task nodes.
package executor

import (
	"context"
	"sort"
	"sync"

	"github.com/r3e-network/workflow-core/pkg/logger"
)

// Result is what an Executor returns from a single invocation.
type Result struct {
	Success bool
	Data    map[string]any
	Error   string
}

// Context is the execution context the engine builds for a Task node.
type Context struct {
	TaskID             string
	WorkflowInstanceID string
	Config             map[string]any
	Inputs             map[string]any
	WorkflowContext    map[string]any
	Log                *logger.Logger
}

// Executor is a pure value object the registry holds by name. HealthCheck is
// optional; implementations that have one also implement HealthChecker.
type Executor interface {
	Execute(ctx context.Context, execCtx Context) (Result, error)
}

// HealthChecker is implemented by executors that expose a liveness probe.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Registry holds named executors, populated at process start and append-only
// at runtime. Registering a name that already exists overwrites the prior
// entry — last registration wins — and logs a warning, per spec §4.6.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
	log       *logger.Logger
}

// New constructs an empty registry.
func New(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.NewDefault("executor-registry")
	}
	return &Registry{executors: make(map[string]Executor), log: log}
}

// Register binds name to executor, overwriting any prior binding.
func (r *Registry) Register(name string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[name]; exists {
		r.log.WithField("executor_name", name).Warn("overwriting existing executor registration")
	}
	r.executors[name] = e
}

// Get returns the executor bound to name, or false if none is registered.
func (r *Registry) Get(name string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[name]
	return e, ok
}

// Has reports whether name currently resolves to an executor, used by
// workflow definition validation to reject unresolvable Task nodes up front.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns the sorted list of currently registered executor names, used
// to populate this engine's SupportedExecutors in the engine registry.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
