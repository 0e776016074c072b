package telemetry

import (
	"context"
	"time"

	"github.com/mfields/calder/internal/pubsub"
)

// Stream multiplexes the events of one run to its observers. Within a single
// observer, events arrive in scheduler order; there is no cross-observer
// ordering guarantee.
type Stream struct {
	runID  string
	broker *pubsub.Broker[Event]
}

// NewStream creates a stream for the given run.
func NewStream(runID string) *Stream {
	return &Stream{
		runID:  runID,
		broker: pubsub.NewBroker[Event](),
	}
}

// RunID returns the run this stream belongs to.
func (s *Stream) RunID() string { return s.runID }

// Subscribe attaches an observer. The channel closes when ctx is cancelled
// or the stream is closed.
func (s *Stream) Subscribe(ctx context.Context) <-chan pubsub.Event[Event] {
	return s.broker.Subscribe(ctx)
}

// Close shuts the stream down after run:end has been emitted.
func (s *Stream) Close() { s.broker.Close() }

// SubscriberCount returns the number of attached observers.
func (s *Stream) SubscriberCount() int { return s.broker.SubscriberCount() }

func (s *Stream) emit(e Event) {
	e.RunID = s.runID
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.broker.Publish(e)
}

// NodeStart reports that a node was dispatched.
func (s *Stream) NodeStart(p NodeStart) {
	s.emit(Event{Type: EventNodeStart, NodeStart: &p})
}

// NodeEnd reports a node's result.
func (s *Stream) NodeEnd(p NodeEnd) {
	s.emit(Event{Type: EventNodeEnd, NodeEnd: &p})
}

// Log forwards a context log line.
func (s *Stream) Log(p LogEntry) {
	s.emit(Event{Type: EventLog, Log: &p})
}

// Progress forwards a free-form progress message.
func (s *Stream) Progress(p Progress) {
	s.emit(Event{Type: EventProgress, Progress: &p})
}

// VariableUpdate reports an explicit variable write.
func (s *Stream) VariableUpdate(name string, value any) {
	s.emit(Event{Type: EventVariableUpdate, Variable: &VariableUpdate{Name: name, Value: value}})
}

// RunEnd reports the run's terminal status.
func (s *Stream) RunEnd(p RunEnd) {
	s.emit(Event{Type: EventRunEnd, RunEnd: &p})
}

// Rendezvous publishes a worker request for an observer-side affordance.
func (s *Stream) Rendezvous(p RendezvousRequest) {
	s.emit(Event{Type: EventRendezvous, Rendezvous: &p})
}
