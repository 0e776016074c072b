package bus

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/mfields/calder/internal/log"
	"github.com/mfields/calder/internal/rendezvous"
	"github.com/mfields/calder/internal/telemetry"
	"github.com/mfields/calder/internal/workflow"
)

const writeWait = 10 * time.Second

// controlMessage is what an observer sends over the control channel.
type controlMessage struct {
	Type string `json:"type"`

	// run
	Path          string          `json:"path,omitempty"`
	Workflow      json.RawMessage `json:"workflow,omitempty"`
	Headless      bool            `json:"headless,omitempty"`
	BrowserConfig map[string]any  `json:"browser_config,omitempty"`

	// stop
	RunID string `json:"run_id,omitempty"`

	// rendezvous_reply
	RequestID string         `json:"request_id,omitempty"`
	Reply     map[string]any `json:"reply,omitempty"`
}

// serverMessage is what the hub sends back.
type serverMessage struct {
	Type   string           `json:"type"`
	RunID  string           `json:"run_id,omitempty"`
	Error  string           `json:"error,omitempty"`
	Event  *telemetry.Event `json:"event,omitempty"`
	Config any              `json:"config,omitempty"`
	Runs   []string         `json:"runs,omitempty"`
}

// Hub exposes the bus over HTTP: a websocket control/telemetry channel plus
// a couple of plain endpoints.
type Hub struct {
	bus      *Bus
	upgrader websocket.Upgrader
}

// NewHub creates a hub for the given bus.
func NewHub(b *Bus) *Hub {
	return &Hub{
		bus: b,
		// The backend binds loopback by default; the editor connects from
		// arbitrary origins during development.
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// Routes builds the HTTP routing table.
func (h *Hub) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/config", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(h.bus.Config())
	})
	r.Get("/runs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(h.bus.Live())
	})
	r.Get("/ws", h.handleWS)
	return r
}

// handleWS runs one observer session: a reader decoding control messages
// and a single writer goroutine serializing everything going out.
func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn(log.CatBus, "websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := make(chan serverMessage, 64)

	go func() {
		defer conn.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-out:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	log.Info(log.CatBus, "observer connected", "remote", conn.RemoteAddr().String())
	defer log.Info(log.CatBus, "observer disconnected", "remote", conn.RemoteAddr().String())

	for {
		var msg controlMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		h.handleControl(ctx, msg, out)
	}
}

func (h *Hub) handleControl(ctx context.Context, msg controlMessage, out chan<- serverMessage) {
	switch msg.Type {
	case "run":
		h.handleRun(ctx, msg, out)
	case "stop":
		var err error
		if msg.RunID != "" {
			err = h.bus.Stop(msg.RunID)
		} else {
			err = h.bus.StopLatest()
		}
		if err != nil {
			send(out, serverMessage{Type: "error", RunID: msg.RunID, Error: err.Error()})
		}
	case "set_current_workflow":
		if err := h.bus.SetCurrentWorkflow(msg.Path); err != nil {
			send(out, serverMessage{Type: "error", Error: err.Error()})
		}
	case "rendezvous_reply":
		h.bus.DeliverReply(msg.RequestID, rendezvous.Reply(msg.Reply))
	case "get_config":
		send(out, serverMessage{Type: "config", Config: h.bus.Config()})
	default:
		send(out, serverMessage{Type: "error", Error: "unknown message type " + msg.Type})
	}
}

// handleRun starts a run from an inline definition or a file path and pipes
// the run's telemetry back to this observer.
func (h *Hub) handleRun(ctx context.Context, msg controlMessage, out chan<- serverMessage) {
	opts := RunOptions{Headless: msg.Headless, BrowserConfig: msg.BrowserConfig}

	var (
		run *Run
		err error
	)
	switch {
	case len(msg.Workflow) > 0:
		var wf *workflow.Workflow
		wf, err = workflow.Decode(msg.Workflow, "json")
		if err == nil {
			run, err = h.bus.RunWorkflowOpts(ctx, wf, opts)
		}
	case msg.Path != "":
		var wf *workflow.Workflow
		wf, err = h.bus.loader.Load(msg.Path)
		if err == nil {
			run, err = h.bus.RunWorkflowOpts(ctx, wf, opts)
		}
	default:
		send(out, serverMessage{Type: "error", Error: "run needs a workflow or a path"})
		return
	}
	if err != nil {
		send(out, serverMessage{Type: "error", Error: err.Error()})
		return
	}

	send(out, serverMessage{Type: "run_started", RunID: run.ID})

	events := run.Stream.Subscribe(ctx)
	log.SafeGo("observer-"+run.ID, func() {
		for ev := range events {
			e := ev.Payload
			send(out, serverMessage{Type: "event", RunID: run.ID, Event: &e})
		}
	})
}

// send enqueues without blocking; a slow observer loses events rather than
// stalling the hub.
func send(out chan<- serverMessage, msg serverMessage) {
	select {
	case out <- msg:
	default:
		log.Warn(log.CatBus, "observer send buffer full, dropping", "type", msg.Type)
	}
}
