// Package engine implements the execution core: the per-run context, the
// module executor contract and registry, and the scheduler that walks the
// node graph.
package engine

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/mfields/calder/internal/config"
	"github.com/mfields/calder/internal/log"
	"github.com/mfields/calder/internal/procsup"
	"github.com/mfields/calder/internal/rendezvous"
	"github.com/mfields/calder/internal/resolve"
	"github.com/mfields/calder/internal/servers"
	"github.com/mfields/calder/internal/telemetry"
	"github.com/mfields/calder/internal/workflow"
)

// ErrCancelled is observed by executors at suspension points once the run's
// cancellation flag is set.
var ErrCancelled = errors.New("engine: run cancelled")

// FrameLocator describes how the current iframe was located.
type FrameLocator struct {
	Kind  string
	Value string
}

// IframeState tracks frame descent so clicks inside an iframe don't disturb
// page tracking. Invariant: InIframe implies MainPage is set.
type IframeState struct {
	InIframe     bool
	MainPage     any
	CurrentFrame any
	Locator      FrameLocator
}

// LoopFrame holds one active loop's iteration state. Frames are pushed and
// advanced by the loop header executors and unwound by break/continue.
type LoopFrame struct {
	HeaderID string
	Index    int    // current iteration, zero-based
	Limit    int    // iteration count for range loops
	Items    []any  // nil for range/while loops
	VarName  string // loop variable bound each iteration
	IndexVar string // optional index variable for list loops
	While    bool   // condition re-evaluated each pass, Limit is the cap
	OnError  string // "stop" (default) or "continue"
}

// ExecContext owns one run's mutable state. A single worker drives all node
// steps, so variable and row operations need no locking; only the
// cancellation flag crosses goroutines.
type ExecContext struct {
	RunID    string
	Workflow *workflow.Workflow

	vars       map[string]any
	DataRows   []map[string]any
	currentRow map[string]any

	LoopStack []*LoopFrame

	Browser        any
	BrowserContext any
	Page           any
	Iframe         IframeState

	// Browser session options forwarded to the external automation
	// collaborator when it attaches to this run.
	Headless      bool
	BrowserConfig map[string]any

	Logs []telemetry.LogEntry

	Stream     *telemetry.Stream
	Rendezvous *rendezvous.Registry
	Procs      *procsup.Supervisor
	Servers    *servers.Manager
	Config     config.Config

	// ProgressSink and VariableSink are optional extra callbacks beside
	// the telemetry stream; dispatch is fire-and-forget.
	ProgressSink func(message, level string)
	VariableSink func(name string, value any)

	ShouldBreak    bool
	ShouldContinue bool

	cancelled atomic.Bool
	resolver  *resolve.Resolver
}

// NewExecContext creates the context for one run. The stream is required;
// the resource registries may be shared across runs of the same bus.
func NewExecContext(runID string, wf *workflow.Workflow, stream *telemetry.Stream, rdv *rendezvous.Registry, procs *procsup.Supervisor, srv *servers.Manager, cfg config.Config) *ExecContext {
	c := &ExecContext{
		RunID:      runID,
		Workflow:   wf,
		vars:       make(map[string]any),
		currentRow: make(map[string]any),
		Stream:     stream,
		Rendezvous: rdv,
		Procs:      procs,
		Servers:    srv,
		Config:     cfg,
	}
	c.resolver = resolve.New(resolve.VarsFunc(c.Lookup))
	return c
}

// Resolver returns the value resolver bound to this context's variables.
func (c *ExecContext) Resolver() *resolve.Resolver { return c.resolver }

// Lookup implements resolve.Vars.
func (c *ExecContext) Lookup(name string) (any, bool) {
	v, ok := c.vars[name]
	return v, ok
}

// Get returns a variable by name (a "${...}" wrapper is accepted) or def
// when absent.
func (c *ExecContext) Get(name string, def any) any {
	v, ok := c.vars[resolve.StripRef(name)]
	if !ok {
		return def
	}
	return v
}

// Set writes a variable and notifies observers. Use SetInternal for
// bookkeeping writes that should stay off the telemetry stream.
func (c *ExecContext) Set(name string, value any) {
	name = resolve.StripRef(name)
	c.vars[name] = value
	if c.Stream != nil {
		c.Stream.VariableUpdate(name, value)
	}
	if c.VariableSink != nil {
		sink := c.VariableSink
		go sink(name, value)
	}
}

// SetInternal writes a variable without emitting variable:update. Loop
// indices and other context-internal state go through here.
func (c *ExecContext) SetInternal(name string, value any) {
	c.vars[resolve.StripRef(name)] = value
}

// Delete removes a variable.
func (c *ExecContext) Delete(name string) {
	delete(c.vars, resolve.StripRef(name))
}

// VarCount returns the number of stored variables.
func (c *ExecContext) VarCount() int { return len(c.vars) }

// Vars returns a shallow copy of the variable map, used as the environment
// for expression evaluation.
func (c *ExecContext) Vars() map[string]any {
	out := make(map[string]any, len(c.vars))
	for k, v := range c.vars {
		out[k] = v
	}
	return out
}

// AddDataValue writes a column into the working row. Writing a column that
// is already present commits the working row first: rows fill left to right
// and a repeated column starts the next row.
func (c *ExecContext) AddDataValue(column string, value any) {
	if _, exists := c.currentRow[column]; exists {
		c.CommitRow()
	}
	c.currentRow[column] = value
}

// CommitRow appends a copy of the working row to the data rows and clears
// it. Committing an empty working row is a no-op.
func (c *ExecContext) CommitRow() {
	if len(c.currentRow) == 0 {
		return
	}
	row := make(map[string]any, len(c.currentRow))
	for k, v := range c.currentRow {
		row[k] = v
	}
	c.DataRows = append(c.DataRows, row)
	c.currentRow = make(map[string]any)
}

// CurrentRow exposes the working row for tests and data modules.
func (c *ExecContext) CurrentRow() map[string]any { return c.currentRow }

// AddLog appends a log entry and forwards it to the telemetry stream.
func (c *ExecContext) AddLog(level, message, nodeID string, durationMs int64) {
	entry := telemetry.LogEntry{
		Timestamp:  time.Now(),
		Level:      level,
		Message:    message,
		NodeID:     nodeID,
		DurationMs: durationMs,
	}
	c.Logs = append(c.Logs, entry)
	if c.Stream != nil {
		c.Stream.Log(entry)
	}
}

// Progress sends a free-form progress message to observers.
func (c *ExecContext) Progress(nodeID, message string) {
	if c.Stream != nil {
		c.Stream.Progress(telemetry.Progress{NodeID: nodeID, Message: message})
	}
	if c.ProgressSink != nil {
		sink := c.ProgressSink
		go sink(message, "info")
	}
}

// EnterFrame records descent into an iframe. The first descent captures the
// main page so it can be restored on leave.
func (c *ExecContext) EnterFrame(frame any, locator FrameLocator) {
	if !c.Iframe.InIframe {
		c.Iframe.MainPage = c.Page
	}
	c.Iframe.InIframe = true
	c.Iframe.CurrentFrame = frame
	c.Iframe.Locator = locator
}

// LeaveFrame restores page tracking to the main page.
func (c *ExecContext) LeaveFrame() {
	if !c.Iframe.InIframe {
		return
	}
	c.Page = c.Iframe.MainPage
	c.Iframe = IframeState{}
}

// Cancel sets the cancellation flag. Safe to call from any goroutine; the
// worker observes it at its next suspension point.
func (c *ExecContext) Cancel() {
	if c.cancelled.CompareAndSwap(false, true) {
		log.Debug(log.CatEngine, "run cancelled", "runID", c.RunID)
	}
}

// Cancelled reports whether cancellation was signaled.
func (c *ExecContext) Cancelled() bool { return c.cancelled.Load() }

// CheckCancelled returns ErrCancelled once cancellation was signaled.
// Executors call this when resuming from any suspension point.
func (c *ExecContext) CheckCancelled() error {
	if c.cancelled.Load() {
		return ErrCancelled
	}
	return nil
}

// TopLoop returns the innermost loop frame, or nil outside any loop.
func (c *ExecContext) TopLoop() *LoopFrame {
	if len(c.LoopStack) == 0 {
		return nil
	}
	return c.LoopStack[len(c.LoopStack)-1]
}

// PushLoop pushes a loop frame.
func (c *ExecContext) PushLoop(f *LoopFrame) {
	c.LoopStack = append(c.LoopStack, f)
}

// PopLoop removes the innermost loop frame.
func (c *ExecContext) PopLoop() {
	if len(c.LoopStack) > 0 {
		c.LoopStack = c.LoopStack[:len(c.LoopStack)-1]
	}
}
