// Package supervisor spawns and tracks agent child processes: per-process
// timeouts, activity heartbeats, stuck detection, forced kills, and the
// orphan sweep for processes left behind by prior daemon lifetimes.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/loom/internal/log"
	"github.com/zjrosen/loom/internal/loomerr"
	"github.com/zjrosen/loom/internal/pubsub"
)

// Defaults.
const (
	DefaultGracePeriod    = 5 * time.Second
	DefaultStuckThreshold = 10 * time.Minute
)

// Config configures the supervisor.
type Config struct {
	Bus *pubsub.Bus
	// StuckThreshold is the inactivity window after which a process is
	// considered stuck.
	StuckThreshold time.Duration
	// GracePeriod is the wait between terminate and kill.
	GracePeriod time.Duration
	// OrphanSignature is the command-line substring the orphan sweep matches.
	// Empty disables the sweep entirely: when in doubt, don't kill.
	OrphanSignature string
	// HeartbeatInterval overrides the stuck-check cadence (default
	// StuckThreshold/4, floor 1s).
	HeartbeatInterval time.Duration
}

// StartSpec describes one child process launch.
type StartSpec struct {
	Command []string
	Dir     string
	Env     []string
	// Owner is the owning workflow id.
	Owner string
	// Timeout bounds the process lifetime; 0 means unbounded.
	Timeout time.Duration
	// LogPath receives line-buffered stdout/stderr. Empty writes no log file;
	// the output tail in ExitResult is kept either way.
	LogPath string
	// Stdin is written to the child and closed, when non-empty.
	Stdin string
}

// ExitResult reports process completion.
type ExitResult struct {
	Code     int
	Err      error
	Stuck    bool
	TimedOut bool
	// Output holds the tail of the captured streams, in arrival order.
	Output []string
}

// tailCapacity bounds the per-process output tail kept in memory.
const tailCapacity = 200

// Success reports a clean zero exit.
func (r ExitResult) Success() bool { return r.Err == nil && r.Code == 0 && !r.Stuck && !r.TimedOut }

// Record is the tracked state of one child process.
type Record struct {
	ID           string
	PID          int
	Command      []string
	Owner        string
	StartedAt    time.Time
	LastActivity time.Time
	StdoutBytes  int64
	StderrBytes  int64
	Running      bool
}

type proc struct {
	mu       sync.Mutex
	record   Record
	cmd      *exec.Cmd
	done     chan ExitResult
	logFile  *os.File
	tail     *OutputBuffer
	killTmr  *time.Timer
	stuck    bool
	timedOut bool
	stopped  bool
}

func (p *proc) bumpActivity(stream string, n int) {
	p.mu.Lock()
	p.record.LastActivity = time.Now()
	if stream == "stdout" {
		p.record.StdoutBytes += int64(n)
	} else {
		p.record.StderrBytes += int64(n)
	}
	p.mu.Unlock()
}

// Supervisor tracks every spawned child. It is the only mutator of process
// records.
type Supervisor struct {
	cfg   Config
	mu    sync.Mutex
	procs map[string]*proc

	done   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// New creates a supervisor and starts its heartbeat timer.
func New(cfg Config) *Supervisor {
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = DefaultStuckThreshold
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.StuckThreshold / 4
		if cfg.HeartbeatInterval < time.Second {
			cfg.HeartbeatInterval = time.Second
		}
	}

	s := &Supervisor{
		cfg:   cfg,
		procs: make(map[string]*proc),
		done:  make(chan struct{}),
	}

	s.wg.Add(1)
	go s.heartbeatLoop()
	return s
}

// Start launches a child process. Spawn failure surfaces synchronously.
func (s *Supervisor) Start(ctx context.Context, spec StartSpec) (string, error) {
	if len(spec.Command) == 0 {
		return "", loomerr.New(loomerr.CodeSpawnFailed, "empty command")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", fmt.Errorf("supervisor is closed")
	}
	s.mu.Unlock()

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...) //nolint:gosec // G204: command lines come from backend recipes
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	configureSysProc(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", loomerr.Wrap(loomerr.CodeSpawnFailed, err, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", loomerr.Wrap(loomerr.CodeSpawnFailed, err, "stderr pipe")
	}
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}

	var logFile *os.File
	if spec.LogPath != "" {
		logFile, err = os.OpenFile(spec.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) //nolint:gosec // G304: log paths come from the store
		if err != nil {
			return "", loomerr.Wrap(loomerr.CodeSpawnFailed, err, "opening process log")
		}
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return "", loomerr.Wrap(loomerr.CodeSpawnFailed, err, "spawning %s", spec.Command[0])
	}

	id := uuid.NewString()
	now := time.Now()
	p := &proc{
		record: Record{
			ID:           id,
			PID:          cmd.Process.Pid,
			Command:      spec.Command,
			Owner:        spec.Owner,
			StartedAt:    now,
			LastActivity: now,
			Running:      true,
		},
		cmd:     cmd,
		done:    make(chan ExitResult, 1),
		logFile: logFile,
		tail:    NewOutputBuffer(tailCapacity),
	}

	s.mu.Lock()
	s.procs[id] = p
	s.mu.Unlock()

	log.Debug(log.CatProc, "Process started", "id", id, "pid", p.record.PID, "owner", spec.Owner)
	s.publish("process.started", map[string]any{"id": id, "pid": p.record.PID, "owner": spec.Owner})

	if spec.Timeout > 0 {
		p.mu.Lock()
		p.killTmr = time.AfterFunc(spec.Timeout, func() {
			p.mu.Lock()
			p.timedOut = true
			p.mu.Unlock()
			log.Warn(log.CatProc, "Process timeout", "id", id, "pid", p.record.PID)
			_ = s.Stop(id, true)
		})
		p.mu.Unlock()
	}

	s.wg.Add(3)
	// cmd.Wait closes the pipes, so reap starts only after both streams
	// have been read to EOF.
	var reads sync.WaitGroup
	reads.Add(2)
	go func() { defer reads.Done(); s.readLoop(p, stdout, "stdout") }()
	go func() { defer reads.Done(); s.readLoop(p, stderr, "stderr") }()
	go func() { reads.Wait(); s.reap(ctx, p) }()

	return id, nil
}

// readLoop copies a captured stream line-buffered into the log file,
// updating last-activity for every chunk received.
func (s *Supervisor) readLoop(p *proc, r io.Reader, stream string) {
	defer s.wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.bumpActivity(stream, len(line)+1)
		p.tail.Write(line)
		if p.logFile != nil {
			p.mu.Lock()
			_, _ = p.logFile.WriteString(line + "\n")
			p.mu.Unlock()
		}
	}
}

// reap waits for process exit, publishes the completion event, and removes
// the record from the tracked set.
func (s *Supervisor) reap(_ context.Context, p *proc) {
	defer s.wg.Done()

	err := p.cmd.Wait()

	p.mu.Lock()
	if p.killTmr != nil {
		p.killTmr.Stop()
	}
	code := 0
	if err != nil {
		code = p.cmd.ProcessState.ExitCode()
		if code < 0 {
			code = -1
		}
	}
	result := ExitResult{Code: code, Err: err, Stuck: p.stuck, TimedOut: p.timedOut, Output: p.tail.Lines()}
	if p.timedOut {
		result.Err = loomerr.Wrap(loomerr.CodeProcessTimeout, err, "process exceeded its budget")
	} else if p.stuck {
		result.Err = loomerr.Wrap(loomerr.CodeProcessStuck, err, "process killed as stuck")
	} else if err != nil {
		result.Err = loomerr.Wrap(loomerr.CodeProcessCrashed, err, "process exited with status %d", code)
	}
	p.record.Running = false
	id := p.record.ID
	owner := p.record.Owner
	if p.logFile != nil {
		_ = p.logFile.Close()
		p.logFile = nil
	}
	p.mu.Unlock()

	p.done <- result

	s.mu.Lock()
	delete(s.procs, id)
	s.mu.Unlock()

	log.Debug(log.CatProc, "Process reaped", "id", id, "code", code, "stuck", result.Stuck)
	s.publish("process.exited", map[string]any{
		"id": id, "owner": owner, "code": code,
		"success": result.Success(), "stuck": result.Stuck, "timedOut": result.TimedOut,
	})
}

// Wait returns the channel receiving the process's exit result.
func (s *Supervisor) Wait(id string) (<-chan ExitResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	if !ok {
		return nil, false
	}
	return p.done, true
}

// Stop sends a graceful terminate; after the grace period (or immediately
// with force) the whole process group is killed.
func (s *Supervisor) Stop(id string, force bool) error {
	s.mu.Lock()
	p, ok := s.procs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("process %s not tracked", id)
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	pid := p.record.PID
	p.mu.Unlock()

	if force {
		killTree(pid)
		return nil
	}

	terminate(pid)
	time.AfterFunc(s.cfg.GracePeriod, func() {
		s.mu.Lock()
		_, alive := s.procs[id]
		s.mu.Unlock()
		if alive {
			killTree(pid)
		}
	})
	return nil
}

// KillStuck kills every tracked process whose last-activity age exceeds the
// threshold, returning their ids.
func (s *Supervisor) KillStuck() []string {
	threshold := s.cfg.StuckThreshold
	now := time.Now()

	s.mu.Lock()
	var stuck []*proc
	for _, p := range s.procs {
		p.mu.Lock()
		if p.record.Running && now.Sub(p.record.LastActivity) > threshold {
			p.stuck = true
			stuck = append(stuck, p)
		}
		p.mu.Unlock()
	}
	s.mu.Unlock()

	var ids []string
	for _, p := range stuck {
		p.mu.Lock()
		id, pid, owner := p.record.ID, p.record.PID, p.record.Owner
		p.mu.Unlock()
		ids = append(ids, id)
		log.Warn(log.CatProc, "Killing stuck process", "id", id, "pid", pid)
		s.publish("task.failed", map[string]any{
			"id": id, "owner": owner, "error": string(loomerr.CodeProcessStuck),
		})
		killTree(pid)
	}
	return ids
}

// KillOrphans kills OS processes matching the configured command-line
// signature that are not in the tracked set. The daemon itself and its
// parent process are never touched. An empty signature disables the sweep.
func (s *Supervisor) KillOrphans() ([]int, error) {
	if s.cfg.OrphanSignature == "" {
		return nil, nil
	}

	tracked := make(map[int]bool)
	s.mu.Lock()
	for _, p := range s.procs {
		tracked[p.record.PID] = true
	}
	s.mu.Unlock()

	candidates, err := listProcesses()
	if err != nil {
		return nil, fmt.Errorf("enumerating processes: %w", err)
	}

	self := os.Getpid()
	parent := os.Getppid()

	var killed []int
	for _, c := range candidates {
		if c.pid == self || c.pid == parent || tracked[c.pid] {
			continue
		}
		if !strings.Contains(c.commandLine, s.cfg.OrphanSignature) {
			continue
		}
		log.Warn(log.CatProc, "Killing orphan process", "pid", c.pid, "cmd", c.commandLine)
		killTree(c.pid)
		killed = append(killed, c.pid)
	}
	if len(killed) > 0 {
		s.publish("process.orphansKilled", map[string]any{"pids": killed})
	}
	return killed, nil
}

// Record returns a copy of one tracked record.
func (s *Supervisor) Record(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	if !ok {
		return Record{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := p.record
	rec.Command = append([]string(nil), p.record.Command...)
	return rec, true
}

// Records returns copies of all tracked records.
func (s *Supervisor) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.procs))
	for _, p := range s.procs {
		p.mu.Lock()
		rec := p.record
		rec.Command = append([]string(nil), p.record.Command...)
		p.mu.Unlock()
		out = append(out, rec)
	}
	return out
}

// StopOwned gracefully stops every process owned by a workflow; each is
// killed if still alive after the grace period.
func (s *Supervisor) StopOwned(owner string) {
	s.mu.Lock()
	var ids []string
	for id, p := range s.procs {
		p.mu.Lock()
		if p.record.Owner == owner {
			ids = append(ids, id)
		}
		p.mu.Unlock()
	}
	s.mu.Unlock()
	for _, id := range ids {
		_ = s.Stop(id, false)
	}
}

func (s *Supervisor) heartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.KillStuck()
		}
	}
}

func (s *Supervisor) publish(topic string, payload map[string]any) {
	if s.cfg.Bus != nil {
		s.cfg.Bus.PublishFrom("supervisor", topic, payload)
	}
}

// Close stops the heartbeat and kills every tracked process.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var ids []string
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		_ = s.Stop(id, true)
	}
	close(s.done)
	s.wg.Wait()
}

type osProcess struct {
	pid         int
	commandLine string
}
