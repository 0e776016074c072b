package modules

import (
	"context"
	"fmt"

	"github.com/mfields/calder/internal/engine"
	"github.com/mfields/calder/internal/servers"
	"github.com/mfields/calder/internal/workflow"
)

// fileShareExecutor starts or stops a file-share server. Servers outlive the
// node and are torn down by an explicit stop action or daemon shutdown.
type fileShareExecutor struct{}

func (fileShareExecutor) Type() workflow.ModuleType { return "file_share" }

func (fileShareExecutor) Execute(_ context.Context, rc *engine.ExecContext, node *workflow.Node) engine.Result {
	action, _ := node.Config["action"].(string)
	if action == "" {
		action = "start"
	}
	port, err := intCfg(rc, node, "port", 0)
	if err != nil {
		return engine.Fail("file_share: %v", err)
	}
	if port <= 0 || port > 65535 {
		return engine.Fail("file_share: invalid port %d", port)
	}

	switch action {
	case "start":
		root, err := strCfg(rc, node, "root")
		if err != nil {
			return engine.Fail("file_share: %v", err)
		}
		if root == "" {
			return engine.Fail("file_share: missing root directory")
		}
		cfg := servers.FileShareConfig{
			Root:        root,
			AllowUpload: boolCfg(node, "allow_upload", false),
			AllowDelete: boolCfg(node, "allow_delete", false),
		}
		if err := rc.Servers.StartFileShare(port, cfg); err != nil {
			return engine.Fail("file_share: %v", err)
		}
		return engine.OK(fmt.Sprintf("sharing %s on port %d", root, port))
	case "stop":
		if err := rc.Servers.Stop(port); err != nil {
			return engine.Fail("file_share: %v", err)
		}
		return engine.OK(fmt.Sprintf("stopped server on port %d", port))
	default:
		return engine.Fail("file_share: unknown action %q", action)
	}
}

// screenShareExecutor starts or stops a screen-share server.
type screenShareExecutor struct{}

func (screenShareExecutor) Type() workflow.ModuleType { return "screen_share" }

func (screenShareExecutor) Execute(_ context.Context, rc *engine.ExecContext, node *workflow.Node) engine.Result {
	action, _ := node.Config["action"].(string)
	if action == "" {
		action = "start"
	}
	port, err := intCfg(rc, node, "port", 0)
	if err != nil {
		return engine.Fail("screen_share: %v", err)
	}
	if port <= 0 || port > 65535 {
		return engine.Fail("screen_share: invalid port %d", port)
	}

	switch action {
	case "start":
		fps, err := intCfg(rc, node, "fps", 5)
		if err != nil {
			return engine.Fail("screen_share: %v", err)
		}
		quality, err := intCfg(rc, node, "quality", 60)
		if err != nil {
			return engine.Fail("screen_share: %v", err)
		}
		scale, err := floatCfg(rc, node, "scale", 1)
		if err != nil {
			return engine.Fail("screen_share: %v", err)
		}
		display, err := intCfg(rc, node, "display", 0)
		if err != nil {
			return engine.Fail("screen_share: %v", err)
		}
		cfg := servers.ScreenShareConfig{
			Display: display,
			FPS:     fps,
			Quality: quality,
			Scale:   scale,
		}
		if err := rc.Servers.StartScreenShare(port, cfg); err != nil {
			return engine.Fail("screen_share: %v", err)
		}
		return engine.OK(fmt.Sprintf("screen share on port %d", port))
	case "stop":
		if err := rc.Servers.Stop(port); err != nil {
			return engine.Fail("screen_share: %v", err)
		}
		return engine.OK(fmt.Sprintf("stopped server on port %d", port))
	default:
		return engine.Fail("screen_share: unknown action %q", action)
	}
}
