package modules

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/mfields/calder/internal/config"
	"github.com/mfields/calder/internal/engine"
	"github.com/mfields/calder/internal/procsup"
	"github.com/mfields/calder/internal/workflow"
)

// mediaTranscodeExecutor runs a transcode through the supervised external
// binary, streaming parsed stderr progress into the telemetry channel.
type mediaTranscodeExecutor struct{}

func (mediaTranscodeExecutor) Type() workflow.ModuleType { return "media_transcode" }

func (mediaTranscodeExecutor) Execute(ctx context.Context, rc *engine.ExecContext, node *workflow.Node) engine.Result {
	input, err := strCfg(rc, node, "input")
	if err != nil {
		return engine.Fail("media_transcode: %v", err)
	}
	output, err := strCfg(rc, node, "output")
	if err != nil {
		return engine.Fail("media_transcode: %v", err)
	}
	if input == "" || output == "" {
		return engine.Fail("media_transcode: input and output are required")
	}

	timeoutSec, err := floatCfg(rc, node, "timeout_sec", 0)
	if err != nil {
		return engine.Fail("media_transcode: %v", err)
	}
	durationSec, err := floatCfg(rc, node, "duration_sec", 0)
	if err != nil {
		return engine.Fail("media_transcode: %v", err)
	}

	args := []string{"-hide_banner", "-i", input}
	if extra, ok := node.Config["args"].([]any); ok {
		for _, a := range extra {
			s, err := rc.Resolver().String(asString(a))
			if err != nil {
				return engine.Fail("media_transcode: %v", err)
			}
			args = append(args, s)
		}
	}
	args = append(args, "-y", output)

	binary, err := FindTool("ffmpeg")
	if err != nil {
		return engine.Fail("media_transcode: %v", err)
	}

	spec := procsup.SpawnSpec{
		Name:          binary,
		Args:          args,
		OwnerNodeID:   node.ID,
		Timeout:       time.Duration(timeoutSec * float64(time.Second)),
		TotalDuration: time.Duration(durationSec * float64(time.Second)),
		OnProgress: func(p procsup.Progress) {
			rc.Progress(node.ID, formatProgress(p))
		},
	}

	proc, err := rc.Procs.Spawn(ctx, spec)
	if err != nil {
		return engine.Fail("media_transcode: %v", err)
	}

	err = proc.Wait()
	if rc.Cancelled() {
		return engine.CancelledResult()
	}
	if errors.Is(err, procsup.ErrTimeout) {
		return engine.Fail("media_transcode: timed out after %.0fs", timeoutSec)
	}
	if err != nil {
		tail := proc.StderrTail()
		if len(tail) > 400 {
			tail = tail[len(tail)-400:]
		}
		return engine.Fail("media_transcode: %v: %s", err, tail)
	}
	return engine.OK("transcoded to " + output)
}

func formatProgress(p procsup.Progress) string {
	if p.Percent >= 0 {
		return fmt.Sprintf("%.1f%% (elapsed %s, speed %.2fx)", p.Percent, p.Elapsed.Truncate(time.Second), p.Speed)
	}
	return fmt.Sprintf("elapsed %s, %d kB, speed %.2fx", p.Elapsed.Truncate(time.Second), p.SizeKB, p.Speed)
}

// FindTool locates a bundled helper binary next to the executable, falling
// back to PATH lookup.
func FindTool(name string) (string, error) {
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	if dir := config.BinaryDir(); dir != "" {
		bundled := filepath.Join(dir, name)
		if info, err := os.Stat(bundled); err == nil && !info.IsDir() {
			return bundled, nil
		}
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found next to the executable or on PATH", name)
	}
	return path, nil
}
