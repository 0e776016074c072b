package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mfields/calder/internal/log"
	"github.com/mfields/calder/internal/telemetry"
	"github.com/mfields/calder/internal/workflow"
)

// segmentStatus is the outcome of walking one graph segment (the main flow
// or one subflow invocation).
type segmentStatus int

const (
	segmentCompleted segmentStatus = iota
	segmentFailed
	segmentStopped
)

// Scheduler walks the node graph of one workflow. It is stateless across
// runs; all run state lives in the ExecContext.
type Scheduler struct {
	registry *Registry
	tracer   trace.Tracer

	executed int
	failed   int
	lastErr  string
}

// NewScheduler creates a scheduler dispatching through the given registry.
func NewScheduler(registry *Registry) *Scheduler {
	return &Scheduler{
		registry: registry,
		tracer:   otel.Tracer("calder/engine"),
	}
}

// Run executes the workflow bound to rc from its start node and always
// emits exactly one run:end, whatever way the run terminates.
func (s *Scheduler) Run(ctx context.Context, rc *ExecContext) telemetry.RunEnd {
	s.executed, s.failed, s.lastErr = 0, 0, ""

	ctx, span := s.tracer.Start(ctx, "run",
		trace.WithAttributes(attribute.String("run.id", rc.RunID)))
	defer span.End()

	end := telemetry.RunEnd{Status: telemetry.RunCompleted}

	start, ok := rc.Workflow.StartNode()
	if !ok {
		end.Status = telemetry.RunFailed
		end.Error = "no start node"
	} else {
		switch status, err := s.runSegment(ctx, rc, start.ID); status {
		case segmentCompleted:
			end.Status = telemetry.RunCompleted
		case segmentFailed:
			end.Status = telemetry.RunFailed
			if err != nil {
				end.Error = err.Error()
			} else {
				end.Error = s.lastErr
			}
		case segmentStopped:
			end.Status = telemetry.RunStopped
		}
	}

	end.ExecutedCount = s.executed
	end.FailedCount = s.failed

	span.SetAttributes(
		attribute.String("run.status", string(end.Status)),
		attribute.Int("run.executed", end.ExecutedCount),
		attribute.Int("run.failed", end.FailedCount),
	)

	log.Info(log.CatEngine, "run finished", "runID", rc.RunID, "status", end.Status,
		"executed", end.ExecutedCount, "failed", end.FailedCount)
	if rc.Stream != nil {
		rc.Stream.RunEnd(end)
	}
	return end
}

// runSegment walks nodes starting at startID until the graph ends, a
// subflow_end pops the segment, the run fails, or cancellation is observed.
func (s *Scheduler) runSegment(ctx context.Context, rc *ExecContext, startID string) (segmentStatus, error) {
	nodeID := startID

	for {
		if rc.Cancelled() {
			return segmentStopped, nil
		}

		node, ok := rc.Workflow.Node(nodeID)
		if !ok {
			return segmentFailed, fmt.Errorf("edge points at unknown node %s", nodeID)
		}

		// A start marker anchors its segment but does no work: no
		// telemetry bracket, no executed count.
		if node.Type == workflow.StartModule {
			next, ok, ambiguous := rc.Workflow.NextNode(node.ID, "")
			if ambiguous {
				s.warnAmbiguous(rc, node.ID)
			}
			if !ok {
				return segmentCompleted, nil
			}
			nodeID = next
			continue
		}

		// Subflow calls get their node:end only after the whole group
		// ran, so the group's events nest between start and end.
		if node.Type == workflow.SubflowModule {
			status, err := s.runSubflow(ctx, rc, node)
			if status != segmentContinue {
				return status.terminal(), err
			}
			next, ok, ambiguous := rc.Workflow.NextNode(node.ID, "")
			if ambiguous {
				s.warnAmbiguous(rc, node.ID)
			}
			if !ok {
				return segmentCompleted, nil
			}
			nodeID = next
			continue
		}

		result := s.executeNode(ctx, rc, node)

		if result.Cancelled || rc.Cancelled() {
			return segmentStopped, nil
		}

		if node.Type == workflow.SubflowEndModule {
			return segmentCompleted, nil
		}

		if !result.Success {
			// on_error=continue covers body nodes only. A failing header
			// cannot absorb its own error: jumping back would just
			// re-fail it forever.
			if frame := rc.TopLoop(); frame != nil && frame.HeaderID != node.ID {
				if frame.OnError == "continue" {
					log.Warn(log.CatEngine, "loop body failed, continuing", "runID", rc.RunID,
						"nodeID", node.ID, "error", result.Err)
					nodeID = frame.HeaderID
					continue
				}
			} else if frame != nil {
				rc.PopLoop()
			}
			s.lastErr = result.Err
			return segmentFailed, nil
		}

		if result.Next != "" {
			nodeID = result.Next
			continue
		}

		next, ok, ambiguous := rc.Workflow.NextNode(node.ID, result.Branch)
		if ambiguous {
			s.warnAmbiguous(rc, node.ID)
		}
		if !ok {
			return segmentCompleted, nil
		}
		nodeID = next
	}
}

// segmentOutcome distinguishes "keep walking" from terminal segment states
// for the subflow path.
type segmentOutcome int

const (
	segmentContinue segmentOutcome = iota
	outcomeFailed
	outcomeStopped
)

func (o segmentOutcome) terminal() segmentStatus {
	if o == outcomeStopped {
		return segmentStopped
	}
	return segmentFailed
}

// runSubflow executes a subflow call node: resolve the target group, run it
// as a nested segment, then emit the call's node:end mirroring the group's
// terminal status.
func (s *Scheduler) runSubflow(ctx context.Context, rc *ExecContext, node *workflow.Node) (segmentOutcome, error) {
	s.emitNodeStart(rc, node)
	started := time.Now()

	groupStart, resolveErr := s.resolveSubflowTarget(rc, node)

	var (
		status segmentStatus
		err    error
	)
	if resolveErr != nil {
		status, err = segmentFailed, resolveErr
	} else {
		status, err = s.runSegment(ctx, rc, groupStart)
	}

	result := Result{Success: status == segmentCompleted, Message: "subflow finished"}
	if status == segmentFailed {
		result.Err = s.lastErr
		if err != nil {
			result.Err = err.Error()
		}
		result.Message = "subflow failed"
	}
	if status == segmentStopped {
		result.Cancelled = true
		result.Err = "cancelled"
	}
	result.DurationMs = time.Since(started).Milliseconds()
	s.finishNode(rc, node, result)

	switch status {
	case segmentCompleted:
		return segmentContinue, nil
	case segmentStopped:
		return outcomeStopped, nil
	default:
		s.lastErr = result.Err
		return outcomeFailed, err
	}
}

// resolveSubflowTarget picks the group start node: a human-readable name
// takes precedence over the group id, because ids change across
// import/export.
func (s *Scheduler) resolveSubflowTarget(rc *ExecContext, node *workflow.Node) (string, error) {
	name, _ := node.Config["name"].(string)
	groupID, _ := node.Config["group_id"].(string)

	if name != "" {
		if resolved, err := rc.Resolver().String(name); err == nil && resolved != "" {
			name = resolved
		}
		if id, ok := rc.Workflow.GroupByName(name); ok {
			groupID = id
		}
	}
	if groupID == "" {
		return "", fmt.Errorf("subflow %s: no target group", node.ID)
	}
	start, ok := rc.Workflow.GroupStart(groupID)
	if !ok {
		return "", fmt.Errorf("subflow %s: group %s has no nodes", node.ID, groupID)
	}
	return start.ID, nil
}

// executeNode dispatches one regular node: telemetry bracket, tracing span,
// duration accounting, panic containment.
func (s *Scheduler) executeNode(ctx context.Context, rc *ExecContext, node *workflow.Node) Result {
	s.emitNodeStart(rc, node)

	ctx, span := s.tracer.Start(ctx, "node",
		trace.WithAttributes(
			attribute.String("node.id", node.ID),
			attribute.String("node.module", string(node.Type)),
		))
	defer span.End()

	started := time.Now()
	result := s.dispatch(ctx, rc, node)
	result.DurationMs = time.Since(started).Milliseconds()

	if !result.Success {
		span.SetAttributes(attribute.String("node.error", result.Err))
	}

	s.finishNode(rc, node, result)
	return result
}

// dispatch invokes the executor, converting a missing registration or a
// panic into a synthetic failure result.
func (s *Scheduler) dispatch(ctx context.Context, rc *ExecContext, node *workflow.Node) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			if len(stack) > 512 {
				stack = stack[:512]
			}
			log.Error(log.CatEngine, "executor panic", "runID", rc.RunID, "nodeID", node.ID, "panic", fmt.Sprintf("%v", r))
			result = Fail("executor panic: %v (%s)", r, stack)
		}
	}()

	executor, ok := s.registry.Lookup(node.Type)
	if !ok {
		return Fail("unknown module type %q", node.Type)
	}
	return executor.Execute(ctx, rc, node)
}

func (s *Scheduler) emitNodeStart(rc *ExecContext, node *workflow.Node) {
	log.Debug(log.CatEngine, "node start", "runID", rc.RunID, "nodeID", node.ID, "module", node.Type)
	if rc.Stream != nil {
		rc.Stream.NodeStart(telemetry.NodeStart{
			NodeID:        node.ID,
			ModuleType:    string(node.Type),
			ConfigPreview: configPreview(node.Config),
		})
	}
}

// finishNode records the node's log entry (its duration is the dispatch to
// return interval) and emits node:end. Every emitNodeStart is paired with
// exactly one finishNode call.
func (s *Scheduler) finishNode(rc *ExecContext, node *workflow.Node, result Result) {
	s.executed++
	if !result.Success {
		s.failed++
	}

	level := result.LogLevel
	if level == "" {
		if result.Success {
			level = "info"
		} else {
			level = "error"
		}
	}
	message := result.Message
	if message == "" && result.Err != "" {
		message = result.Err
	}
	rc.AddLog(level, message, node.ID, result.DurationMs)

	if rc.Stream != nil {
		rc.Stream.NodeEnd(telemetry.NodeEnd{
			NodeID:     node.ID,
			Success:    result.Success,
			Message:    result.Message,
			DurationMs: result.DurationMs,
			Error:      result.Err,
			LogLevel:   result.LogLevel,
		})
	}
}

func (s *Scheduler) warnAmbiguous(rc *ExecContext, nodeID string) {
	log.Warn(log.CatEngine, "multiple default edges, picking smallest target", "runID", rc.RunID, "nodeID", nodeID)
}

// configPreview renders a truncated JSON view of a node config for the
// node:start event.
func configPreview(cfg map[string]any) string {
	if len(cfg) == 0 {
		return ""
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return ""
	}
	const limit = 160
	if len(data) > limit {
		return string(data[:limit]) + "..."
	}
	return string(data)
}
