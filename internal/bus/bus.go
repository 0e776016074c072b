// Package bus is the engine's single entry point. Every way of starting or
// stopping a run (CLI, websocket control channel, global hotkeys) goes
// through the Bus, which owns the shared resource registries and the run
// registry.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mfields/calder/internal/config"
	"github.com/mfields/calder/internal/engine"
	"github.com/mfields/calder/internal/hotkey"
	"github.com/mfields/calder/internal/log"
	"github.com/mfields/calder/internal/procsup"
	"github.com/mfields/calder/internal/rendezvous"
	"github.com/mfields/calder/internal/servers"
	"github.com/mfields/calder/internal/telemetry"
	"github.com/mfields/calder/internal/workflow"
)

// ErrNoCurrentWorkflow is returned when a hotkey run fires before any
// workflow was bound.
var ErrNoCurrentWorkflow = errors.New("bus: no current workflow set")

// Run is one live or finished execution.
type Run struct {
	ID         string
	WorkflowID string
	StartedAt  time.Time

	Context *engine.ExecContext
	Stream  *telemetry.Stream

	done chan struct{}

	mu  sync.Mutex
	end telemetry.RunEnd
}

// Done closes when the run reaches its terminal state.
func (r *Run) Done() <-chan struct{} { return r.done }

// End returns the terminal status. Valid after Done closes.
func (r *Run) End() telemetry.RunEnd {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.end
}

// Bus owns the run registry and the resource registries shared by runs.
type Bus struct {
	cfg      config.Config
	registry *engine.Registry
	loader   *workflow.Loader

	Rendezvous *rendezvous.Registry
	Procs      *procsup.Supervisor
	Servers    *servers.Manager

	mu      sync.Mutex
	runs    map[string]*Run
	order   []string // run ids, oldest first
	current string   // workflow file bound to the run hotkey
}

// New creates a bus around an executor registry and a workflow loader.
func New(cfg config.Config, registry *engine.Registry, loader *workflow.Loader) *Bus {
	return &Bus{
		cfg:        cfg,
		registry:   registry,
		loader:     loader,
		Rendezvous: rendezvous.NewRegistry(),
		Procs:      procsup.NewSupervisor(),
		Servers:    servers.NewManager(),
		runs:       make(map[string]*Run),
	}
}

// Config returns the engine configuration for get_config requests.
func (b *Bus) Config() config.Config { return b.cfg }

// RunOptions carries per-run settings from the control channel. The browser
// fields are stored on the context for the external automation collaborator.
type RunOptions struct {
	Headless      bool
	BrowserConfig map[string]any
}

// RunWorkflow starts a run of a built workflow and returns without waiting
// for it. The run's telemetry is available on its stream immediately.
func (b *Bus) RunWorkflow(ctx context.Context, wf *workflow.Workflow) (*Run, error) {
	return b.RunWorkflowOpts(ctx, wf, RunOptions{})
}

// RunWorkflowOpts is RunWorkflow with explicit per-run options.
func (b *Bus) RunWorkflowOpts(ctx context.Context, wf *workflow.Workflow, opts RunOptions) (*Run, error) {
	runID := uuid.New().String()
	stream := telemetry.NewStream(runID)
	rc := engine.NewExecContext(runID, wf, stream, b.Rendezvous, b.Procs, b.Servers, b.cfg)
	rc.Headless = opts.Headless
	rc.BrowserConfig = opts.BrowserConfig

	run := &Run{
		ID:         runID,
		WorkflowID: wf.ID,
		StartedAt:  time.Now(),
		Context:    rc,
		Stream:     stream,
		done:       make(chan struct{}),
	}

	b.mu.Lock()
	b.runs[runID] = run
	b.order = append(b.order, runID)
	b.mu.Unlock()

	log.Info(log.CatBus, "run starting", "runID", runID, "workflow", wf.ID)

	sched := engine.NewScheduler(b.registry)
	log.SafeGo("run-"+runID, func() {
		end := sched.Run(ctx, rc)

		run.mu.Lock()
		run.end = end
		run.mu.Unlock()

		stream.Close()
		close(run.done)
		b.forget(runID)
	})

	return run, nil
}

// RunFile loads a workflow file through the cached loader and runs it.
func (b *Bus) RunFile(ctx context.Context, path string) (*Run, error) {
	wf, err := b.loader.Load(path)
	if err != nil {
		return nil, err
	}
	return b.RunWorkflow(ctx, wf)
}

// SetCurrentWorkflow binds a workflow file to the run hotkey. The file is
// loaded once up front so a bad path fails here, not at the keypress.
func (b *Bus) SetCurrentWorkflow(path string) error {
	if _, err := b.loader.Load(path); err != nil {
		return err
	}
	b.mu.Lock()
	b.current = path
	b.mu.Unlock()
	log.Info(log.CatBus, "current workflow bound", "path", path)
	return nil
}

// CurrentWorkflow returns the bound workflow file path.
func (b *Bus) CurrentWorkflow() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// RunCurrent runs the workflow bound by SetCurrentWorkflow. The loader
// re-reads the file when its watcher invalidated the cache, so edits made
// since binding take effect.
func (b *Bus) RunCurrent(ctx context.Context) (*Run, error) {
	b.mu.Lock()
	path := b.current
	b.mu.Unlock()
	if path == "" {
		return nil, ErrNoCurrentWorkflow
	}
	return b.RunFile(ctx, path)
}

// Stop cancels one run: the flag flips first, then every blocked worker is
// woken and every child process is torn down.
func (b *Bus) Stop(runID string) error {
	b.mu.Lock()
	run, ok := b.runs[runID]
	b.mu.Unlock()
	if !ok {
		return errors.New("bus: unknown run " + runID)
	}

	log.Info(log.CatBus, "stopping run", "runID", runID)
	run.Context.Cancel()
	b.Rendezvous.ReleaseAll("run stopped")
	b.Procs.TerminateAll()
	return nil
}

// StopLatest stops the most recently started live run. Used by the stop
// hotkey, which has no run id to name.
func (b *Bus) StopLatest() error {
	b.mu.Lock()
	var latest string
	if n := len(b.order); n > 0 {
		latest = b.order[n-1]
	}
	b.mu.Unlock()
	if latest == "" {
		return errors.New("bus: no live run")
	}
	return b.Stop(latest)
}

// DeliverReply forwards an observer's rendezvous reply.
func (b *Bus) DeliverReply(requestID string, reply rendezvous.Reply) {
	b.Rendezvous.DeliverReply(requestID, reply)
}

// Lookup returns a live run by id.
func (b *Bus) Lookup(runID string) (*Run, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	run, ok := b.runs[runID]
	return run, ok
}

// Live returns the ids of live runs, oldest first.
func (b *Bus) Live() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.order))
	copy(out, b.order)
	return out
}

// Shutdown stops every run and tears shared resources down.
func (b *Bus) Shutdown() {
	for _, id := range b.Live() {
		_ = b.Stop(id)
	}
	b.Servers.StopAll()
	b.loader.Close()
}

func (b *Bus) forget(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.runs, runID)
	for i, id := range b.order {
		if id == runID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// ServeHotkeys pumps listener commands into bus actions until ctx ends.
// Macro commands are acknowledged but inert: recording lives in the editor,
// not in the engine.
func (b *Bus) ServeHotkeys(ctx context.Context, listener hotkey.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-listener.Commands():
			if !ok {
				return
			}
			switch cmd {
			case hotkey.CmdRun:
				if _, err := b.RunCurrent(ctx); err != nil {
					log.Warn(log.CatBus, "hotkey run failed", "error", err)
				}
			case hotkey.CmdStop:
				if err := b.StopLatest(); err != nil {
					log.Warn(log.CatBus, "hotkey stop failed", "error", err)
				}
			case hotkey.CmdMacroStart, hotkey.CmdMacroStop:
				log.Info(log.CatBus, "macro command ignored, recorder lives in the editor", "command", cmd)
			}
		}
	}
}
