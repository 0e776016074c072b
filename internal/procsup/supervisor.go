// Package procsup tracks every external process a run spawns (media
// transcoders and friends), parses their stderr for progress, enforces
// wall-clock timeouts, and tears everything down on cancellation.
package procsup

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/mfields/calder/internal/log"
)

// ErrTimeout is returned when a process exceeds its configured timeout.
var ErrTimeout = errors.New("procsup: process timed out")

// DefaultGracePeriod is how long TerminateAll waits between the polite
// signal and the kill.
const DefaultGracePeriod = 2 * time.Second

// defaultThrottle bounds how often progress updates reach the sink.
const defaultThrottle = 2 * time.Second

// SpawnSpec describes one child process.
type SpawnSpec struct {
	Name        string        // executable (absolute path or PATH lookup)
	Args        []string
	Dir         string
	Env         []string
	OwnerNodeID string        // node that requested the spawn
	Timeout     time.Duration // absolute wall-clock limit; 0 means none
	// TotalDuration, when known, turns time= tokens into percentages.
	TotalDuration time.Duration
	// OnProgress receives throttled progress updates parsed from stderr.
	OnProgress func(Progress)
}

// Record is the supervisor's view of one live process.
type Record struct {
	ID          int64
	PID         int
	OwnerNodeID string
	StartedAt   time.Time
}

// Proc is a supervised child process handle.
type Proc struct {
	record Record
	cmd    *exec.Cmd
	cancel context.CancelFunc
	ctx    context.Context
	sup    *Supervisor
	wg     sync.WaitGroup

	mu      sync.Mutex
	waitErr error
	waited  bool
	stderr  bytes.Buffer // tail kept for error reporting
}

// Supervisor owns the records map.
type Supervisor struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]*Proc
	grace   time.Duration
}

// NewSupervisor creates a supervisor with the default grace period.
func NewSupervisor() *Supervisor {
	return &Supervisor{
		records: make(map[int64]*Proc),
		grace:   DefaultGracePeriod,
	}
}

// Spawn starts a child process and registers it. The returned Proc must be
// waited on; the record is removed when the process exits.
func (s *Supervisor) Spawn(ctx context.Context, spec SpawnSpec) (*Proc, error) {
	var procCtx context.Context
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		procCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
	} else {
		procCtx, cancel = context.WithCancel(ctx)
	}

	// #nosec G204 -- command comes from node config authored by the operator
	cmd := exec.CommandContext(procCtx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting %s: %w", spec.Name, err)
	}

	s.mu.Lock()
	s.nextID++
	p := &Proc{
		record: Record{
			ID:          s.nextID,
			PID:         cmd.Process.Pid,
			OwnerNodeID: spec.OwnerNodeID,
			StartedAt:   time.Now(),
		},
		cmd:    cmd,
		cancel: cancel,
		ctx:    procCtx,
		sup:    s,
	}
	s.records[p.record.ID] = p
	s.mu.Unlock()

	log.Debug(log.CatProc, "process spawned", "id", p.record.ID, "pid", p.record.PID, "cmd", spec.Name, "node", spec.OwnerNodeID)

	parser := NewProgressParser(spec.TotalDuration, defaultThrottle)
	p.wg.Add(1)
	go p.readStderr(stderr, parser, spec.OnProgress)

	return p, nil
}

// readStderr consumes the child's stderr, splitting on both newline and
// carriage return, because transcoders rewrite their status line with CR.
func (p *Proc) readStderr(r interface{ Read([]byte) (int, error) }, parser *ProgressParser, onProgress func(Progress)) {
	defer p.wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(scanCRorLF)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		p.mu.Lock()
		if p.stderr.Len() < 16*1024 {
			p.stderr.WriteString(line)
			p.stderr.WriteByte('\n')
		}
		p.mu.Unlock()

		if onProgress != nil {
			if prog, emit := parser.Feed(line); emit {
				onProgress(prog)
			}
		}
	}
}

// scanCRorLF is a bufio.SplitFunc treating both \n and \r as line
// terminators.
func scanCRorLF(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Record returns the supervisor record for this process.
func (p *Proc) Record() Record { return p.record }

// Wait blocks until the process exits and unregisters it. A timeout breach
// returns ErrTimeout.
func (p *Proc) Wait() error {
	p.mu.Lock()
	if p.waited {
		err := p.waitErr
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	err := p.cmd.Wait()
	p.wg.Wait()
	p.cancel()
	p.sup.unregister(p.record.ID)

	if p.ctx.Err() == context.DeadlineExceeded {
		err = ErrTimeout
	}

	p.mu.Lock()
	p.waited = true
	p.waitErr = err
	p.mu.Unlock()

	if err != nil {
		log.Debug(log.CatProc, "process exited with error", "id", p.record.ID, "error", err)
	} else {
		log.Debug(log.CatProc, "process exited", "id", p.record.ID)
	}
	return err
}

// StderrTail returns the retained stderr output for error reporting.
func (p *Proc) StderrTail() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stderr.String()
}

// Terminate signals the process politely; after the grace period the
// supervisor's TerminateAll or the context kill takes over.
func (p *Proc) Terminate() {
	if p.cmd.Process != nil {
		_ = terminateProcess(p.cmd.Process)
	}
}

// Kill force-kills the process.
func (p *Proc) Kill() {
	p.cancel()
}

func (s *Supervisor) unregister(id int64) {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
}

// Count returns the number of live records.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Records returns a snapshot of the live records.
func (s *Supervisor) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, p := range s.records {
		out = append(out, p.record)
	}
	return out
}

// TerminateAll signals every live process and force-kills stragglers after
// the grace period. Used by run cancellation; blocks until every record is
// gone or the grace window has passed twice.
func (s *Supervisor) TerminateAll() {
	s.mu.Lock()
	procs := make([]*Proc, 0, len(s.records))
	for _, p := range s.records {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	if len(procs) == 0 {
		return
	}
	log.Info(log.CatProc, "terminating all processes", "count", len(procs))

	for _, p := range procs {
		p.Terminate()
	}

	deadline := time.Now().Add(s.grace)
	for time.Now().Before(deadline) {
		if s.Count() == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}

	for _, p := range procs {
		if isProcessAlive(p.record.PID) {
			log.Warn(log.CatProc, "process survived grace period, killing", "id", p.record.ID, "pid", p.record.PID)
			p.Kill()
		}
	}
}
