package modules

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mfields/calder/internal/engine"
	"github.com/mfields/calder/internal/workflow"
)

// Loop headers are ordinary executors that keep their iteration state on the
// context's loop stack. Entering the body follows the "body" labeled edge;
// leaving follows the default edge. loop_end, break and continue jump back
// to the header, which advances or unwinds the frame on re-entry.

const bodyBranch = "body"

// reentry reports whether this header dispatch is a jump back from the loop
// body rather than a fresh loop start.
func reentry(rc *engine.ExecContext, node *workflow.Node) (*engine.LoopFrame, bool) {
	frame := rc.TopLoop()
	if frame != nil && frame.HeaderID == node.ID {
		return frame, true
	}
	return nil, false
}

// unwindOnBreak pops the frame when the body requested a break. Returns the
// loop-exit result in that case.
func unwindOnBreak(rc *engine.ExecContext) (engine.Result, bool) {
	if !rc.ShouldBreak {
		rc.ShouldContinue = false
		return engine.Result{}, false
	}
	rc.ShouldBreak = false
	rc.ShouldContinue = false
	rc.PopLoop()
	return engine.OK("loop broken"), true
}

func bindLoopVars(rc *engine.ExecContext, frame *engine.LoopFrame, value any) {
	if frame.VarName != "" {
		rc.SetInternal(frame.VarName, value)
	}
	if frame.IndexVar != "" {
		rc.SetInternal(frame.IndexVar, frame.Index)
	}
}

func enterBody(message string) engine.Result {
	r := engine.OK(message)
	r.Branch = bodyBranch
	r.LogLevel = "debug"
	return r
}

// loopRangeExecutor iterates a half-open numeric range, Python-range style.
type loopRangeExecutor struct{}

func (loopRangeExecutor) Type() workflow.ModuleType { return "loop_range" }

func (loopRangeExecutor) Execute(_ context.Context, rc *engine.ExecContext, node *workflow.Node) engine.Result {
	from, err := intCfg(rc, node, "from", 0)
	if err != nil {
		return engine.Fail("loop_range: %v", err)
	}
	to, err := intCfg(rc, node, "to", 0)
	if err != nil {
		return engine.Fail("loop_range: %v", err)
	}
	step, err := intCfg(rc, node, "step", 1)
	if err != nil {
		return engine.Fail("loop_range: %v", err)
	}
	if step == 0 {
		return engine.Fail("loop_range: step must not be zero")
	}

	if frame, again := reentry(rc, node); again {
		if exit, broke := unwindOnBreak(rc); broke {
			return exit
		}
		frame.Index++
		if frame.Index >= frame.Limit {
			rc.PopLoop()
			return engine.OK("loop finished")
		}
		bindLoopVars(rc, frame, from+frame.Index*step)
		return enterBody(fmt.Sprintf("iteration %d", frame.Index))
	}

	limit := 0
	if step > 0 && to > from {
		limit = (to - from + step - 1) / step
	} else if step < 0 && to < from {
		limit = (from - to + (-step) - 1) / (-step)
	}
	if limit == 0 {
		return engine.OK("loop skipped")
	}

	frame := &engine.LoopFrame{
		HeaderID: node.ID,
		Limit:    limit,
		VarName:  refName(node, "var"),
		IndexVar: refName(node, "index_var"),
		OnError:  onError(node),
	}
	rc.PushLoop(frame)
	bindLoopVars(rc, frame, from)
	return enterBody("iteration 0")
}

// loopListExecutor iterates the elements of a list value.
type loopListExecutor struct{}

func (loopListExecutor) Type() workflow.ModuleType { return "loop_list" }

func (loopListExecutor) Execute(_ context.Context, rc *engine.ExecContext, node *workflow.Node) engine.Result {
	if frame, again := reentry(rc, node); again {
		if exit, broke := unwindOnBreak(rc); broke {
			return exit
		}
		frame.Index++
		if frame.Index >= len(frame.Items) {
			rc.PopLoop()
			return engine.OK("loop finished")
		}
		bindLoopVars(rc, frame, frame.Items[frame.Index])
		return enterBody(fmt.Sprintf("item %d", frame.Index))
	}

	raw, err := anyCfg(rc, node, "list")
	if err != nil {
		return engine.Fail("loop_list: %v", err)
	}
	items, err := coerceList(raw)
	if err != nil {
		return engine.Fail("loop_list: %v", err)
	}
	if len(items) == 0 {
		return engine.OK("loop skipped")
	}

	frame := &engine.LoopFrame{
		HeaderID: node.ID,
		Limit:    len(items),
		Items:    items,
		VarName:  refName(node, "var"),
		IndexVar: refName(node, "index_var"),
		OnError:  onError(node),
	}
	rc.PushLoop(frame)
	bindLoopVars(rc, frame, items[0])
	return enterBody("item 0")
}

func coerceList(raw any) ([]any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []any:
		return v, nil
	case string:
		var items []any
		if err := json.Unmarshal([]byte(v), &items); err != nil {
			return nil, fmt.Errorf("list is neither an array nor JSON: %w", err)
		}
		return items, nil
	default:
		return nil, fmt.Errorf("list has type %T", raw)
	}
}

// loopWhileExecutor re-evaluates an expression before every pass, with an
// iteration cap against runaway conditions.
type loopWhileExecutor struct{}

func (loopWhileExecutor) Type() workflow.ModuleType { return "loop_while" }

func (loopWhileExecutor) Execute(_ context.Context, rc *engine.ExecContext, node *workflow.Node) engine.Result {
	condition, err := strCfg(rc, node, "condition")
	if err != nil {
		return engine.Fail("loop_while: %v", err)
	}

	if frame, again := reentry(rc, node); again {
		if exit, broke := unwindOnBreak(rc); broke {
			return exit
		}
		frame.Index++
		if frame.Index >= frame.Limit {
			rc.PopLoop()
			r := engine.OK("loop iteration cap reached")
			r.LogLevel = "warn"
			return r
		}
		keep, err := evalExpression(condition, rc.Vars())
		if err != nil {
			return engine.Fail("loop_while: %v", err)
		}
		if !keep {
			rc.PopLoop()
			return engine.OK("loop finished")
		}
		bindLoopVars(rc, frame, frame.Index)
		return enterBody(fmt.Sprintf("pass %d", frame.Index))
	}

	maxIters, err := intCfg(rc, node, "max_iterations", 1000)
	if err != nil {
		return engine.Fail("loop_while: %v", err)
	}
	keep, err := evalExpression(condition, rc.Vars())
	if err != nil {
		return engine.Fail("loop_while: %v", err)
	}
	if !keep {
		return engine.OK("loop skipped")
	}

	frame := &engine.LoopFrame{
		HeaderID: node.ID,
		Limit:    maxIters,
		While:    true,
		IndexVar: refName(node, "index_var"),
		OnError:  onError(node),
	}
	rc.PushLoop(frame)
	bindLoopVars(rc, frame, 0)
	return enterBody("pass 0")
}

// loopEndExecutor closes the body and jumps back to the innermost header.
type loopEndExecutor struct{}

func (loopEndExecutor) Type() workflow.ModuleType { return "loop_end" }

func (loopEndExecutor) Execute(_ context.Context, rc *engine.ExecContext, _ *workflow.Node) engine.Result {
	frame := rc.TopLoop()
	if frame == nil {
		return engine.Fail("loop_end outside a loop")
	}
	r := engine.OK("")
	r.LogLevel = "debug"
	r.Next = frame.HeaderID
	return r
}

type breakExecutor struct{}

func (breakExecutor) Type() workflow.ModuleType { return "break" }

func (breakExecutor) Execute(_ context.Context, rc *engine.ExecContext, _ *workflow.Node) engine.Result {
	frame := rc.TopLoop()
	if frame == nil {
		return engine.Fail("break outside a loop")
	}
	rc.ShouldBreak = true
	r := engine.OK("break")
	r.LogLevel = "debug"
	r.Next = frame.HeaderID
	return r
}

type continueExecutor struct{}

func (continueExecutor) Type() workflow.ModuleType { return "continue" }

func (continueExecutor) Execute(_ context.Context, rc *engine.ExecContext, _ *workflow.Node) engine.Result {
	frame := rc.TopLoop()
	if frame == nil {
		return engine.Fail("continue outside a loop")
	}
	rc.ShouldContinue = true
	r := engine.OK("continue")
	r.LogLevel = "debug"
	r.Next = frame.HeaderID
	return r
}

func refName(node *workflow.Node, key string) string {
	s, _ := node.Config[key].(string)
	return s
}

func onError(node *workflow.Node) string {
	s, _ := node.Config["on_error"].(string)
	if s != "continue" {
		return "stop"
	}
	return s
}
