// Package servers hosts the ad-hoc HTTP servers workflow modules start on
// demand: the file share and the screen share. Servers are keyed by port and
// outlive the node that started them until an explicit Stop or StopAll.
package servers

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/mfields/calder/internal/log"
)

// Kind names the flavor of a running server.
type Kind string

const (
	KindFileShare   Kind = "file_share"
	KindScreenShare Kind = "screen_share"
)

const shutdownTimeout = 3 * time.Second

type running struct {
	kind Kind
	srv  *http.Server
	done chan struct{}
}

// Manager tracks servers by port. One manager is shared by all runs of a bus
// so a later workflow can stop a server an earlier one started.
type Manager struct {
	mu      sync.Mutex
	servers map[int]*running
}

// NewManager creates an empty server manager.
func NewManager() *Manager {
	return &Manager{servers: make(map[int]*running)}
}

// start binds the port, registers the server and serves in the background.
// Binding synchronously means the caller learns about a busy port
// immediately instead of from a background error.
func (m *Manager) start(port int, kind Kind, handler http.Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.servers[port]; ok {
		return fmt.Errorf("servers: port %d already serving %s", port, existing.kind)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("servers: bind port %d: %w", port, err)
	}

	r := &running{
		kind: kind,
		srv:  &http.Server{Handler: handler},
		done: make(chan struct{}),
	}
	m.servers[port] = r

	log.SafeGo(fmt.Sprintf("server-%d", port), func() {
		defer close(r.done)
		if err := r.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.ErrorErr(log.CatServer, "server stopped", err, "port", port, "kind", kind)
		}
	})

	log.Info(log.CatServer, "server started", "port", port, "kind", kind)
	return nil
}

// Stop shuts down the server on the given port, waiting for in-flight
// requests up to a short grace period.
func (m *Manager) Stop(port int) error {
	m.mu.Lock()
	r, ok := m.servers[port]
	if ok {
		delete(m.servers, port)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("servers: no server on port %d", port)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := r.srv.Shutdown(ctx)
	<-r.done
	log.Info(log.CatServer, "server stopped", "port", port, "kind", r.kind)
	return err
}

// StopAll shuts down every running server. Called on daemon shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ports := make([]int, 0, len(m.servers))
	for p := range m.servers {
		ports = append(ports, p)
	}
	m.mu.Unlock()

	for _, p := range ports {
		_ = m.Stop(p)
	}
}

// Ports returns the ports with a running server, sorted.
func (m *Manager) Ports() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.servers))
	for p := range m.servers {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// KindOn reports the kind of server running on a port.
func (m *Manager) KindOn(port int) (Kind, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.servers[port]
	if !ok {
		return "", false
	}
	return r.kind, true
}
