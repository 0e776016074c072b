package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStream_StampsRunIDAndTimestamp(t *testing.T) {
	s := NewStream("run-1")
	defer s.Close()

	events := s.Subscribe(context.Background())

	s.NodeStart(NodeStart{NodeID: "n1", ModuleType: "start"})

	ev := <-events
	require.Equal(t, EventNodeStart, ev.Payload.Type)
	require.Equal(t, "run-1", ev.Payload.RunID)
	require.False(t, ev.Payload.Timestamp.IsZero())
	require.Equal(t, "n1", ev.Payload.NodeStart.NodeID)
}

func TestStream_PerObserverOrdering(t *testing.T) {
	s := NewStream("run-1")
	defer s.Close()

	events := s.Subscribe(context.Background())

	s.NodeStart(NodeStart{NodeID: "n1"})
	s.Log(LogEntry{Message: "working"})
	s.NodeEnd(NodeEnd{NodeID: "n1", Success: true})
	s.RunEnd(RunEnd{Status: RunCompleted})

	types := []EventType{EventNodeStart, EventLog, EventNodeEnd, EventRunEnd}
	var lastSeq uint64
	for _, want := range types {
		ev := <-events
		require.Equal(t, want, ev.Payload.Type)
		require.Greater(t, ev.Seq, lastSeq)
		lastSeq = ev.Seq
	}
}

func TestStream_MultipleObservers(t *testing.T) {
	s := NewStream("run-1")
	defer s.Close()

	a := s.Subscribe(context.Background())
	b := s.Subscribe(context.Background())
	require.Equal(t, 2, s.SubscriberCount())

	s.VariableUpdate("x", 1)

	eva := <-a
	evb := <-b
	require.Equal(t, EventVariableUpdate, eva.Payload.Type)
	require.Equal(t, EventVariableUpdate, evb.Payload.Type)
	require.Equal(t, "x", eva.Payload.Variable.Name)
}

func TestStream_CloseEndsObservers(t *testing.T) {
	s := NewStream("run-1")
	events := s.Subscribe(context.Background())

	s.RunEnd(RunEnd{Status: RunStopped})
	s.Close()

	ev, open := <-events
	require.True(t, open)
	require.Equal(t, EventRunEnd, ev.Payload.Type)
	require.Equal(t, RunStopped, ev.Payload.RunEnd.Status)

	_, open = <-events
	require.False(t, open)
}
