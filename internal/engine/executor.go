package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/mfields/calder/internal/workflow"
)

// Result is what every module executor returns. DurationMs is filled in by
// the scheduler, not the executor.
type Result struct {
	Success bool
	Message string
	Data    any
	Err     string

	// Branch steers labeled-edge selection ("true"/"false" for
	// conditionals, "body" for loop entry).
	Branch string

	// Next, when set, jumps directly to a node id and overrides edge
	// selection. Used by loop terminators and break/continue.
	Next string

	// LogLevel overrides the level of the node's log-stream entry.
	LogLevel string

	// Cancelled marks a failure caused by run cancellation.
	Cancelled bool

	DurationMs int64
}

// OK builds a success result.
func OK(message string) Result {
	return Result{Success: true, Message: message}
}

// Fail builds a failure result. The scheduler treats it as node-local
// unless the run-level policy says otherwise.
func Fail(format string, args ...any) Result {
	msg := fmt.Sprintf(format, args...)
	return Result{Success: false, Message: msg, Err: msg}
}

// CancelledResult builds the failure result for an executor that observed
// the cancellation flag.
func CancelledResult() Result {
	return Result{Success: false, Message: "cancelled", Err: "cancelled", Cancelled: true}
}

// Executor is the strategy contract each module type implements. Executors
// resolve the config fields they read themselves (late binding keeps loop
// bodies re-evaluating references each iteration), translate internal errors
// into Success=false, and check rc.CheckCancelled at every suspension point.
type Executor interface {
	Type() workflow.ModuleType
	Execute(ctx context.Context, rc *ExecContext, node *workflow.Node) Result
}

// Registry maps module-type tokens to executors. It is populated at startup
// and immutable afterwards, so lookups are lock-free in practice; the mutex
// only guards test re-registration.
type Registry struct {
	mu        sync.RWMutex
	executors map[workflow.ModuleType]Executor
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[workflow.ModuleType]Executor)}
}

// Register adds an executor. Registering a duplicate type panics: that is a
// programming error caught at startup.
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.executors[e.Type()]; dup {
		panic(fmt.Sprintf("engine: duplicate executor for module type %q", e.Type()))
	}
	r.executors[e.Type()] = e
}

// Lookup returns the executor for a module type.
func (r *Registry) Lookup(t workflow.ModuleType) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[t]
	return e, ok
}

// Types returns all registered module types.
func (r *Registry) Types() []workflow.ModuleType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]workflow.ModuleType, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	return out
}
