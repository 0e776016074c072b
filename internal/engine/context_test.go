package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/mfields/calder/internal/config"
	"github.com/mfields/calder/internal/telemetry"
	"github.com/mfields/calder/internal/workflow"
)

func newTestContext(t *testing.T) *ExecContext {
	if t != nil {
		t.Helper()
	}
	wf := &workflow.Workflow{ID: "wf-test"}
	_ = wf.Build()
	return NewExecContext("run-test", wf, telemetry.NewStream("run-test"), nil, nil, nil, config.Defaults())
}

func TestExecContext_Variables(t *testing.T) {
	rc := newTestContext(t)

	rc.Set("name", "calder")
	require.Equal(t, "calder", rc.Get("name", nil))
	require.Equal(t, "calder", rc.Get("${name}", nil), "wrapped names are accepted")

	require.Equal(t, "fallback", rc.Get("missing", "fallback"))

	rc.Set("${wrapped}", 1)
	require.Equal(t, 1, rc.Get("wrapped", nil))

	rc.Delete("name")
	require.Nil(t, rc.Get("name", nil))
	require.Equal(t, 1, rc.VarCount())
}

func TestExecContext_ResolverReadsVariables(t *testing.T) {
	rc := newTestContext(t)
	rc.Set("x", []any{"a", "b"})

	out, err := rc.Resolver().Resolve("{x[1]}")
	require.NoError(t, err)
	require.Equal(t, "b", out)
}

func TestExecContext_VariableUpdateEmitted(t *testing.T) {
	rc := newTestContext(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := rc.Stream.Subscribe(ctx)

	rc.Set("visible", 1)
	rc.SetInternal("hidden", 2)

	ev := <-events
	require.Equal(t, telemetry.EventVariableUpdate, ev.Payload.Type)
	require.Equal(t, "visible", ev.Payload.Variable.Name)

	select {
	case ev := <-events:
		t.Fatalf("unexpected event %s for internal write", ev.Payload.Type)
	default:
	}
}

func TestExecContext_DataRows(t *testing.T) {
	rc := newTestContext(t)

	rc.AddDataValue("title", "first")
	rc.AddDataValue("url", "https://one")
	require.Empty(t, rc.DataRows, "row not committed yet")

	// Repeating a column starts the next row.
	rc.AddDataValue("title", "second")
	require.Len(t, rc.DataRows, 1)
	require.Equal(t, "first", rc.DataRows[0]["title"])
	require.Equal(t, "https://one", rc.DataRows[0]["url"])
	require.Equal(t, "second", rc.CurrentRow()["title"])

	rc.CommitRow()
	require.Len(t, rc.DataRows, 2)
	require.Empty(t, rc.CurrentRow())

	// Committing an empty working row is a no-op.
	rc.CommitRow()
	require.Len(t, rc.DataRows, 2)
}

func TestExecContext_DataRowsCommitCopies(t *testing.T) {
	rc := newTestContext(t)

	rc.AddDataValue("col", "v1")
	rc.CommitRow()
	rc.AddDataValue("col", "v2")

	require.Equal(t, "v1", rc.DataRows[0]["col"])
}

func TestExecContext_DataRowsProperty(t *testing.T) {
	// One row per repeated column write: n writes of the same column
	// produce n-1 committed rows plus one working row.
	rapid.Check(t, func(t *rapid.T) {
		rc := newTestContext(nil)
		n := rapid.IntRange(1, 20).Draw(t, "n")
		for i := 0; i < n; i++ {
			rc.AddDataValue("col", i)
		}
		if len(rc.DataRows) != n-1 {
			t.Fatalf("got %d rows for %d writes", len(rc.DataRows), n)
		}
		if rc.CurrentRow()["col"] != n-1 {
			t.Fatalf("working row holds %v, want %d", rc.CurrentRow()["col"], n-1)
		}
	})
}

func TestExecContext_Cancellation(t *testing.T) {
	rc := newTestContext(t)

	require.False(t, rc.Cancelled())
	require.NoError(t, rc.CheckCancelled())

	rc.Cancel()
	require.True(t, rc.Cancelled())
	require.ErrorIs(t, rc.CheckCancelled(), ErrCancelled)

	// Second cancel is a no-op.
	rc.Cancel()
	require.True(t, rc.Cancelled())
}

func TestExecContext_LoopStack(t *testing.T) {
	rc := newTestContext(t)

	require.Nil(t, rc.TopLoop())

	outer := &LoopFrame{HeaderID: "outer"}
	inner := &LoopFrame{HeaderID: "inner"}
	rc.PushLoop(outer)
	rc.PushLoop(inner)
	require.Same(t, inner, rc.TopLoop())

	rc.PopLoop()
	require.Same(t, outer, rc.TopLoop())
	rc.PopLoop()
	require.Nil(t, rc.TopLoop())

	// Popping an empty stack must not panic.
	rc.PopLoop()
}

func TestExecContext_IframeState(t *testing.T) {
	rc := newTestContext(t)
	rc.Page = "main-page"

	rc.EnterFrame("frame-1", FrameLocator{Kind: "selector", Value: "#f1"})
	require.True(t, rc.Iframe.InIframe)
	require.Equal(t, "main-page", rc.Iframe.MainPage)

	// Nested descent keeps the originally captured main page.
	rc.EnterFrame("frame-2", FrameLocator{Kind: "index", Value: "0"})
	require.Equal(t, "main-page", rc.Iframe.MainPage)
	require.Equal(t, "frame-2", rc.Iframe.CurrentFrame)

	rc.LeaveFrame()
	require.False(t, rc.Iframe.InIframe)
	require.Equal(t, "main-page", rc.Page)

	rc.LeaveFrame()
}

func TestExecContext_AddLog(t *testing.T) {
	rc := newTestContext(t)

	rc.AddLog("info", "hello", "node-1", 12)
	require.Len(t, rc.Logs, 1)
	require.Equal(t, "hello", rc.Logs[0].Message)
	require.Equal(t, int64(12), rc.Logs[0].DurationMs)
}
