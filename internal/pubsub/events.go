// Package pubsub provides a generic publish/subscribe event system used for
// telemetry fan-out and log streaming.
package pubsub

import (
	"context"
	"time"
)

// Event wraps a published payload with delivery metadata.
// Seq is assigned by the broker and is strictly increasing per broker, so a
// single subscriber can verify it observed events in publish order.
type Event[T any] struct {
	Seq       uint64
	Payload   T
	Timestamp time.Time
}

// Subscriber provides a subscription channel for events.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher allows publishing events with a typed payload.
type Publisher[T any] interface {
	Publish(payload T)
}
