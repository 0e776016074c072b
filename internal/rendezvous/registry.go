// Package rendezvous correlates requests issued by worker-side executors
// with replies arriving from observers. It is the only synchronization point
// between the run's worker and the observer channel: the worker registers a
// slot, publishes the request id over telemetry, and blocks on the slot; the
// observer's reply is delivered by request id and wakes the worker.
package rendezvous

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mfields/calder/internal/log"
)

// Category partitions slots for diagnostics. Behavior is identical across
// categories.
type Category string

const (
	CategoryInputPrompt   Category = "input_prompt"
	CategoryTextToSpeech  Category = "text_to_speech"
	CategoryScriptEval    Category = "script_eval"
	CategoryMediaPlayback Category = "media_playback"
	CategoryImageView     Category = "image_view"
)

// Reply is the observer's answer payload.
type Reply map[string]any

// Cancelled reports whether this reply is the synthetic cancellation reply
// injected by ReleaseAll.
func (r Reply) Cancelled() bool {
	v, _ := r["cancelled"].(bool)
	return v
}

// ErrTimeout is returned when no reply arrives before the deadline.
var ErrTimeout = errors.New("rendezvous: reply deadline elapsed")

type slot struct {
	category  Category
	ch        chan Reply
	createdAt time.Time
}

// Registry owns the live slots. All methods are safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{slots: make(map[string]*slot)}
}

// Register allocates a slot and returns its fresh request id. Every Register
// must be followed by exactly one AwaitReply, which removes the slot again
// no matter how it exits.
func (r *Registry) Register(cat Category) string {
	id := uuid.New().String()
	r.mu.Lock()
	r.slots[id] = &slot{
		category:  cat,
		ch:        make(chan Reply, 1),
		createdAt: time.Now(),
	}
	r.mu.Unlock()
	log.Debug(log.CatRendez, "slot registered", "requestID", id, "category", cat)
	return id
}

// AwaitReply blocks until the slot receives a reply, the timeout elapses, or
// ctx is cancelled. The slot is removed on every exit path.
func (r *Registry) AwaitReply(ctx context.Context, requestID string, timeout time.Duration) (Reply, error) {
	r.mu.Lock()
	s, ok := r.slots[requestID]
	r.mu.Unlock()
	if !ok {
		return nil, errors.New("rendezvous: unknown request id")
	}

	defer r.remove(requestID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-s.ch:
		return reply, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release removes a slot without a reply. Used when the worker observes
// cancellation after Register but before it blocks on AwaitReply.
func (r *Registry) Release(requestID string) {
	r.remove(requestID)
	log.Debug(log.CatRendez, "slot released", "requestID", requestID)
}

// DeliverReply stores the observer's reply and wakes the waiting worker.
// Unknown ids are ignored: the observer replied after a timeout already
// cleaned the slot up.
func (r *Registry) DeliverReply(requestID string, reply Reply) {
	r.mu.Lock()
	s, ok := r.slots[requestID]
	r.mu.Unlock()
	if !ok {
		log.Debug(log.CatRendez, "reply for unknown request dropped", "requestID", requestID)
		return
	}
	select {
	case s.ch <- reply:
	default:
		// A reply is already buffered; the first one wins.
	}
}

// ReleaseAll wakes every pending worker with a synthetic cancellation reply.
// Used by run cancellation so no worker stays blocked.
func (r *Registry) ReleaseAll(reason string) {
	r.mu.Lock()
	slots := make([]*slot, 0, len(r.slots))
	for _, s := range r.slots {
		slots = append(slots, s)
	}
	r.mu.Unlock()

	for _, s := range slots {
		select {
		case s.ch <- Reply{"cancelled": true, "reason": reason}:
		default:
		}
	}
	log.Debug(log.CatRendez, "released all slots", "count", len(slots), "reason", reason)
}

// Pending returns the number of live slots, optionally filtered by category.
func (r *Registry) Pending(cat Category) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cat == "" {
		return len(r.slots)
	}
	n := 0
	for _, s := range r.slots {
		if s.category == cat {
			n++
		}
	}
	return n
}

func (r *Registry) remove(requestID string) {
	r.mu.Lock()
	delete(r.slots, requestID)
	r.mu.Unlock()
}
