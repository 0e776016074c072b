package modules

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mfields/calder/internal/engine"
	"github.com/mfields/calder/internal/rendezvous"
	"github.com/mfields/calder/internal/telemetry"
	"github.com/mfields/calder/internal/workflow"
)

// The rendezvous-backed executors block the worker on an observer-side
// affordance: an input dialog, a script evaluated in the observer's page, a
// media player. Each registers a slot, publishes the request over telemetry
// and waits for the reply or the deadline.

const defaultReplyTimeout = 300 * time.Second

func awaitReply(ctx context.Context, rc *engine.ExecContext, node *workflow.Node,
	cat rendezvous.Category, payload map[string]any, timeout time.Duration) (rendezvous.Reply, error) {

	requestID := rc.Rendezvous.Register(cat)

	// A stop that lands before Register finds no slot to wake. The
	// cancellation flag is always set before ReleaseAll runs, so one check
	// here closes that window.
	if err := rc.CheckCancelled(); err != nil {
		rc.Rendezvous.Release(requestID)
		return nil, err
	}

	rc.Stream.Rendezvous(telemetry.RendezvousRequest{
		Category:  string(cat),
		RequestID: requestID,
		NodeID:    node.ID,
		Payload:   payload,
	})

	reply, err := rc.Rendezvous.AwaitReply(ctx, requestID, timeout)
	if err != nil {
		return nil, err
	}
	if reply.Cancelled() {
		return nil, engine.ErrCancelled
	}
	return reply, nil
}

func replyTimeout(rc *engine.ExecContext, node *workflow.Node) (time.Duration, error) {
	secs, err := floatCfg(rc, node, "timeout_sec", defaultReplyTimeout.Seconds())
	if err != nil {
		return 0, err
	}
	if secs <= 0 {
		secs = defaultReplyTimeout.Seconds()
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// inputPromptExecutor asks the observer for a value and stores it in a
// variable. On timeout the configured default applies when present.
type inputPromptExecutor struct{}

func (inputPromptExecutor) Type() workflow.ModuleType { return "input_prompt" }

func (inputPromptExecutor) Execute(ctx context.Context, rc *engine.ExecContext, node *workflow.Node) engine.Result {
	prompt, err := strCfg(rc, node, "prompt")
	if err != nil {
		return engine.Fail("input_prompt: %v", err)
	}
	variable, _ := node.Config["variable"].(string)
	if variable == "" {
		return engine.Fail("input_prompt: missing target variable")
	}
	defaultValue, hasDefault := node.Config["default"]
	timeout, err := replyTimeout(rc, node)
	if err != nil {
		return engine.Fail("input_prompt: %v", err)
	}

	payload := map[string]any{"prompt": prompt}
	if hasDefault {
		payload["default"] = defaultValue
	}

	reply, err := awaitReply(ctx, rc, node, rendezvous.CategoryInputPrompt, payload, timeout)
	switch {
	case errors.Is(err, engine.ErrCancelled):
		return engine.CancelledResult()
	case errors.Is(err, rendezvous.ErrTimeout):
		if hasDefault {
			rc.Set(variable, defaultValue)
			r := engine.OK("prompt timed out, default applied")
			r.LogLevel = "warn"
			return r
		}
		return engine.Fail("input_prompt: no reply before deadline")
	case err != nil:
		return engine.Fail("input_prompt: %v", err)
	}

	rc.Set(variable, reply["value"])
	return engine.OK("input received")
}

// scriptEvalExecutor has the observer evaluate a script and returns the
// result into a variable.
type scriptEvalExecutor struct{}

func (scriptEvalExecutor) Type() workflow.ModuleType { return "script_eval" }

func (scriptEvalExecutor) Execute(ctx context.Context, rc *engine.ExecContext, node *workflow.Node) engine.Result {
	script, err := strCfg(rc, node, "script")
	if err != nil {
		return engine.Fail("script_eval: %v", err)
	}
	if script == "" {
		return engine.Fail("script_eval: missing script")
	}
	timeout, err := replyTimeout(rc, node)
	if err != nil {
		return engine.Fail("script_eval: %v", err)
	}

	reply, err := awaitReply(ctx, rc, node, rendezvous.CategoryScriptEval,
		map[string]any{"script": script}, timeout)
	switch {
	case errors.Is(err, engine.ErrCancelled):
		return engine.CancelledResult()
	case errors.Is(err, rendezvous.ErrTimeout):
		return engine.Fail("script_eval: no reply before deadline")
	case err != nil:
		return engine.Fail("script_eval: %v", err)
	}

	if errMsg, _ := reply["error"].(string); errMsg != "" {
		return engine.Fail("script_eval: %s", errMsg)
	}
	if variable, _ := node.Config["variable"].(string); variable != "" {
		rc.Set(variable, reply["result"])
	}
	return engine.OK("script evaluated")
}

// playMediaExecutor asks the observer to play a media source. With
// wait=false the request is published fire-and-forget under a fresh id and
// no slot is registered.
type playMediaExecutor struct{}

func (playMediaExecutor) Type() workflow.ModuleType { return "play_media" }

func (playMediaExecutor) Execute(ctx context.Context, rc *engine.ExecContext, node *workflow.Node) engine.Result {
	source, err := strCfg(rc, node, "source")
	if err != nil {
		return engine.Fail("play_media: %v", err)
	}
	if source == "" {
		return engine.Fail("play_media: missing source")
	}
	mediaType, _ := node.Config["media_type"].(string)
	payload := map[string]any{"source": source, "media_type": mediaType}

	if !boolCfg(node, "wait", true) {
		rc.Stream.Rendezvous(telemetry.RendezvousRequest{
			Category:  string(rendezvous.CategoryMediaPlayback),
			RequestID: uuid.New().String(),
			NodeID:    node.ID,
			Payload:   payload,
		})
		return engine.OK("playback requested")
	}

	timeout, err := replyTimeout(rc, node)
	if err != nil {
		return engine.Fail("play_media: %v", err)
	}
	_, err = awaitReply(ctx, rc, node, rendezvous.CategoryMediaPlayback, payload, timeout)
	switch {
	case errors.Is(err, engine.ErrCancelled):
		return engine.CancelledResult()
	case errors.Is(err, rendezvous.ErrTimeout):
		return engine.Fail("play_media: playback not confirmed before deadline")
	case err != nil:
		return engine.Fail("play_media: %v", err)
	}
	return engine.OK("playback finished")
}
