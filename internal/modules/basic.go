package modules

import (
	"context"
	"time"

	"github.com/mfields/calder/internal/engine"
	"github.com/mfields/calder/internal/workflow"
)

type startExecutor struct{}

func (startExecutor) Type() workflow.ModuleType { return workflow.StartModule }

func (startExecutor) Execute(_ context.Context, _ *engine.ExecContext, _ *workflow.Node) engine.Result {
	return engine.OK("run started")
}

type subflowEndExecutor struct{}

func (subflowEndExecutor) Type() workflow.ModuleType { return workflow.SubflowEndModule }

func (subflowEndExecutor) Execute(_ context.Context, _ *engine.ExecContext, _ *workflow.Node) engine.Result {
	return engine.OK("subflow returned")
}

type commentExecutor struct{}

func (commentExecutor) Type() workflow.ModuleType { return "comment" }

func (commentExecutor) Execute(_ context.Context, _ *engine.ExecContext, node *workflow.Node) engine.Result {
	text, _ := node.Config["text"].(string)
	r := engine.OK(text)
	r.LogLevel = "debug"
	return r
}

type setVariableExecutor struct{}

func (setVariableExecutor) Type() workflow.ModuleType { return "set_variable" }

func (setVariableExecutor) Execute(_ context.Context, rc *engine.ExecContext, node *workflow.Node) engine.Result {
	name, err := strCfg(rc, node, "name")
	if err != nil {
		return engine.Fail("set_variable: %v", err)
	}
	if name == "" {
		return engine.Fail("set_variable: missing variable name")
	}
	value, err := anyCfg(rc, node, "value")
	if err != nil {
		return engine.Fail("set_variable: %v", err)
	}
	rc.Set(name, value)
	return engine.OK("set " + name)
}

type deleteVariableExecutor struct{}

func (deleteVariableExecutor) Type() workflow.ModuleType { return "delete_variable" }

func (deleteVariableExecutor) Execute(_ context.Context, rc *engine.ExecContext, node *workflow.Node) engine.Result {
	name, err := strCfg(rc, node, "name")
	if err != nil {
		return engine.Fail("delete_variable: %v", err)
	}
	if name == "" {
		return engine.Fail("delete_variable: missing variable name")
	}
	rc.Delete(name)
	return engine.OK("deleted " + name)
}

type printLogExecutor struct{}

func (printLogExecutor) Type() workflow.ModuleType { return "print_log" }

func (printLogExecutor) Execute(_ context.Context, rc *engine.ExecContext, node *workflow.Node) engine.Result {
	message, err := strCfg(rc, node, "message")
	if err != nil {
		return engine.Fail("print_log: %v", err)
	}
	level, _ := node.Config["level"].(string)
	if level == "" {
		level = "info"
	}
	r := engine.OK(message)
	r.LogLevel = level
	return r
}

// waitExecutor suspends for a configured number of seconds, polling the
// cancellation flag so a stop does not have to wait the interval out.
type waitExecutor struct{}

func (waitExecutor) Type() workflow.ModuleType { return "wait" }

func (waitExecutor) Execute(ctx context.Context, rc *engine.ExecContext, node *workflow.Node) engine.Result {
	seconds, err := floatCfg(rc, node, "seconds", 1)
	if err != nil {
		return engine.Fail("wait: %v", err)
	}
	if seconds < 0 {
		return engine.Fail("wait: negative duration")
	}

	deadline := time.Now().Add(time.Duration(seconds * float64(time.Second)))
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return engine.CancelledResult()
		case <-ticker.C:
			if rc.Cancelled() {
				return engine.CancelledResult()
			}
		}
	}
	return engine.OK("waited")
}
