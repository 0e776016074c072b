package bus

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mfields/calder/internal/config"
	"github.com/mfields/calder/internal/engine"
	"github.com/mfields/calder/internal/modules"
	"github.com/mfields/calder/internal/rendezvous"
	"github.com/mfields/calder/internal/telemetry"
	"github.com/mfields/calder/internal/workflow"
)

const tinyWorkflow = `{
	"id": "wf-tiny",
	"name": "tiny",
	"nodes": [
		{"id": "n1", "module_type": "start"},
		{"id": "n2", "module_type": "set_variable", "config": {"name": "x", "value": 1}}
	],
	"edges": [
		{"from": "n1", "to": "n2"}
	]
}`

func newBus(t *testing.T) *Bus {
	t.Helper()
	reg := engine.NewRegistry()
	modules.RegisterAll(reg)
	loader := workflow.NewLoader()
	t.Cleanup(loader.Close)
	return New(config.Defaults(), reg, loader)
}

func writeWorkflow(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wf.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func waitDone(t *testing.T, run *Run) telemetry.RunEnd {
	t.Helper()
	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	return run.End()
}

func TestRunFile_CompletesAndForgets(t *testing.T) {
	b := newBus(t)
	path := writeWorkflow(t, tinyWorkflow)

	run, err := b.RunFile(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, "wf-tiny", run.WorkflowID)

	end := waitDone(t, run)
	require.Equal(t, telemetry.RunCompleted, end.Status)
	require.Equal(t, 1, end.ExecutedCount)
	require.EqualValues(t, 1, run.Context.Get("x", nil))

	require.Eventually(t, func() bool {
		return len(b.Live()) == 0
	}, time.Second, 10*time.Millisecond, "finished runs leave the registry")
}

func TestRunWorkflow_StreamCarriesEvents(t *testing.T) {
	b := newBus(t)
	wf, err := workflow.Decode([]byte(tinyWorkflow), "json")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	run, err := b.RunWorkflow(ctx, wf)
	require.NoError(t, err)
	events := run.Stream.Subscribe(ctx)

	var sawEnd bool
	for ev := range events {
		if ev.Payload.Type == telemetry.EventRunEnd {
			sawEnd = true
			require.Equal(t, telemetry.RunCompleted, ev.Payload.RunEnd.Status)
		}
	}
	require.True(t, sawEnd, "stream closes only after run:end")
}

func TestRunWorkflowOpts_BrowserOptions(t *testing.T) {
	b := newBus(t)
	wf, err := workflow.Decode([]byte(tinyWorkflow), "json")
	require.NoError(t, err)

	run, err := b.RunWorkflowOpts(context.Background(), wf, RunOptions{
		Headless:      true,
		BrowserConfig: map[string]any{"locale": "en-US"},
	})
	require.NoError(t, err)
	require.True(t, run.Context.Headless)
	require.Equal(t, "en-US", run.Context.BrowserConfig["locale"])
	waitDone(t, run)
}

func TestRunFile_MissingFile(t *testing.T) {
	b := newBus(t)
	_, err := b.RunFile(context.Background(), filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestCurrentWorkflow(t *testing.T) {
	b := newBus(t)

	_, err := b.RunCurrent(context.Background())
	require.ErrorIs(t, err, ErrNoCurrentWorkflow)

	require.Error(t, b.SetCurrentWorkflow(filepath.Join(t.TempDir(), "nope.json")),
		"bad path fails at bind time")

	path := writeWorkflow(t, tinyWorkflow)
	require.NoError(t, b.SetCurrentWorkflow(path))
	require.Equal(t, path, b.CurrentWorkflow())

	run, err := b.RunCurrent(context.Background())
	require.NoError(t, err)
	end := waitDone(t, run)
	require.Equal(t, telemetry.RunCompleted, end.Status)
}

func TestStop_CancelsBlockedRun(t *testing.T) {
	b := newBus(t)
	wf, err := workflow.Decode([]byte(`{
		"id": "wf-block",
		"nodes": [
			{"id": "n1", "module_type": "start"},
			{"id": "n2", "module_type": "input_prompt",
			 "config": {"prompt": "?", "variable": "v", "timeout_sec": 60}}
		],
		"edges": [{"from": "n1", "to": "n2"}]
	}`), "json")
	require.NoError(t, err)

	run, err := b.RunWorkflow(context.Background(), wf)
	require.NoError(t, err)

	// Let the run reach the blocking prompt before stopping it.
	require.Eventually(t, func() bool {
		return b.Rendezvous.Pending("") == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Stop(run.ID))
	end := waitDone(t, run)
	require.Equal(t, telemetry.RunStopped, end.Status)
	require.Equal(t, 0, b.Rendezvous.Pending(""))
}

func TestStop_UnknownRun(t *testing.T) {
	b := newBus(t)
	require.Error(t, b.Stop("no-such-run"))
}

func TestStopLatest(t *testing.T) {
	b := newBus(t)
	require.Error(t, b.StopLatest(), "nothing live")

	wf, err := workflow.Decode([]byte(`{
		"id": "wf-wait",
		"nodes": [
			{"id": "n1", "module_type": "start"},
			{"id": "n2", "module_type": "wait", "config": {"seconds": 60}}
		],
		"edges": [{"from": "n1", "to": "n2"}]
	}`), "json")
	require.NoError(t, err)

	run, err := b.RunWorkflow(context.Background(), wf)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(b.Live()) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, b.StopLatest())
	end := waitDone(t, run)
	require.Equal(t, telemetry.RunStopped, end.Status)
}

func TestDeliverReply_UnblocksPrompt(t *testing.T) {
	b := newBus(t)
	wf, err := workflow.Decode([]byte(`{
		"id": "wf-prompt",
		"nodes": [
			{"id": "n1", "module_type": "start"},
			{"id": "n2", "module_type": "input_prompt",
			 "config": {"prompt": "name?", "variable": "who", "timeout_sec": 60}}
		],
		"edges": [{"from": "n1", "to": "n2"}]
	}`), "json")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	run, err := b.RunWorkflow(ctx, wf)
	require.NoError(t, err)
	events := run.Stream.Subscribe(ctx)

	go func() {
		for ev := range events {
			if ev.Payload.Type == telemetry.EventRendezvous {
				b.DeliverReply(ev.Payload.Rendezvous.RequestID, rendezvous.Reply{"value": "ada"})
				return
			}
		}
	}()

	end := waitDone(t, run)
	require.Equal(t, telemetry.RunCompleted, end.Status)
	require.Equal(t, "ada", run.Context.Get("who", nil))
}

func TestLookup(t *testing.T) {
	b := newBus(t)
	wf, err := workflow.Decode([]byte(`{
		"id": "wf-wait",
		"nodes": [
			{"id": "n1", "module_type": "start"},
			{"id": "n2", "module_type": "wait", "config": {"seconds": 60}}
		],
		"edges": [{"from": "n1", "to": "n2"}]
	}`), "json")
	require.NoError(t, err)

	run, err := b.RunWorkflow(context.Background(), wf)
	require.NoError(t, err)

	got, ok := b.Lookup(run.ID)
	require.True(t, ok)
	require.Same(t, run, got)

	_, ok = b.Lookup("missing")
	require.False(t, ok)

	require.NoError(t, b.Stop(run.ID))
	waitDone(t, run)
}

func TestShutdown(t *testing.T) {
	b := newBus(t)
	wf, err := workflow.Decode([]byte(`{
		"id": "wf-wait",
		"nodes": [
			{"id": "n1", "module_type": "start"},
			{"id": "n2", "module_type": "wait", "config": {"seconds": 60}}
		],
		"edges": [{"from": "n1", "to": "n2"}]
	}`), "json")
	require.NoError(t, err)

	run, err := b.RunWorkflow(context.Background(), wf)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(b.Live()) == 1
	}, time.Second, 10*time.Millisecond)

	b.Shutdown()
	end := waitDone(t, run)
	require.Equal(t, telemetry.RunStopped, end.Status)
}
