package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zjrosen/loom/internal/agent"
	"github.com/zjrosen/loom/internal/expr"
	"github.com/zjrosen/loom/internal/log"
	"github.com/zjrosen/loom/internal/loomerr"
	"github.com/zjrosen/loom/internal/supervisor"
)

// Context is the per-workflow object every node executor receives. It
// exposes variables, parameters, expression evaluation, the agent bench,
// and the pass-throughs to the pool and process supervisor, all scoped to
// the owning workflow. Any time-consuming call honors cancellation.
type Context struct {
	eng  *Engine
	inst *Instance
	exec *execution

	params map[string]any
	shared *ctxShared
}

// ctxShared is the mutable state shared between a context and its loop-body
// children.
type ctxShared struct {
	mu    sync.Mutex
	vars  map[string]any
	bench map[int]string
	logs  []string
}

// child shares variables, bench, and params but binds to a different
// execution (loop body regions run this way).
func (c *Context) child(e *execution) *Context {
	return &Context{
		eng:    c.eng,
		inst:   c.inst,
		exec:   e,
		params: c.params,
		shared: c.shared,
	}
}

// WorkflowID returns the owning workflow instance id.
func (c *Context) WorkflowID() string { return c.inst.ID }

// SessionID returns the owning session id.
func (c *Context) SessionID() string { return c.inst.SessionID }

// Param returns an immutable workflow parameter.
func (c *Context) Param(name string) any { return c.params[name] }

// GetVar returns a workflow variable.
func (c *Context) GetVar(name string) any {
	c.shared.mu.Lock()
	defer c.shared.mu.Unlock()
	return c.shared.vars[name]
}

// SetVar sets a workflow variable. Parallel branches share variables;
// conflicting writes are last-writer-wins.
func (c *Context) SetVar(name string, v any) {
	c.shared.mu.Lock()
	c.shared.vars[name] = v
	c.shared.mu.Unlock()
}

// VarsSnapshot returns a copy of the variable map.
func (c *Context) VarsSnapshot() map[string]any {
	c.shared.mu.Lock()
	defer c.shared.mu.Unlock()
	out := make(map[string]any, len(c.shared.vars))
	for k, v := range c.shared.vars {
		out[k] = v
	}
	return out
}

// restoreVars replaces the variable map (checkpoint rehydration).
func (c *Context) restoreVars(vars map[string]any) {
	c.shared.mu.Lock()
	defer c.shared.mu.Unlock()
	c.shared.vars = make(map[string]any, len(vars))
	for k, v := range vars {
		c.shared.vars[k] = v
	}
}

// env builds the expression environment: params, vars, and upstream node
// outputs keyed as nodes.<id>.<port>.
func (c *Context) env() expr.Env {
	c.shared.mu.Lock()
	vars := make(map[string]any, len(c.shared.vars))
	for k, v := range c.shared.vars {
		vars[k] = v
	}
	c.shared.mu.Unlock()

	nodes := map[string]any{}
	if c.exec != nil {
		for id, outs := range c.exec.outputsSnapshot() {
			m := make(map[string]any, len(outs))
			for k, v := range outs {
				m[k] = v
			}
			nodes[id] = m
		}
	}

	env := expr.Env{
		"params": c.params,
		"vars":   vars,
		"nodes":  nodes,
	}
	// Loop locals and plain variables resolve as bare identifiers too.
	for k, v := range vars {
		if _, taken := env[k]; !taken {
			env[k] = v
		}
	}
	for k, v := range c.params {
		if _, taken := env[k]; !taken {
			env[k] = v
		}
	}
	return env
}

// Eval evaluates an expression against the context environment.
func (c *Context) Eval(src string) (any, error) {
	return expr.Eval(src, c.env())
}

// Render substitutes {{…}} template expressions.
func (c *Context) Render(tpl string) (string, error) {
	return expr.Render(tpl, c.env())
}

// RequestAgent allocates a pool slot for this workflow.
func (c *Context) RequestAgent(ctx context.Context, roleID string, timeout time.Duration) (string, error) {
	if timeout == 0 {
		timeout = c.eng.cfg.PoolRequestTimeout
	}
	return c.eng.cfg.Pool.Request(ctx, roleID, c.inst.ID, timeout)
}

// ReleaseAgent returns a slot to the pool.
func (c *Context) ReleaseAgent(name string, force bool) {
	if force {
		c.eng.cfg.Pool.ForceRelease(name)
		return
	}
	c.eng.cfg.Pool.Release(name)
}

// BenchGet returns the agent name at a bench seat (1…N).
func (c *Context) BenchGet(seat int) (string, bool) {
	c.shared.mu.Lock()
	defer c.shared.mu.Unlock()
	name, ok := c.shared.bench[seat]
	return name, ok
}

// BenchSet stores an agent name at a bench seat.
func (c *Context) BenchSet(seat int, name string) {
	c.shared.mu.Lock()
	c.shared.bench[seat] = name
	c.shared.mu.Unlock()
}

// BenchRemove clears a bench seat, returning the prior occupant.
func (c *Context) BenchRemove(seat int) (string, bool) {
	c.shared.mu.Lock()
	defer c.shared.mu.Unlock()
	name, ok := c.shared.bench[seat]
	delete(c.shared.bench, seat)
	return name, ok
}

// BenchNames returns the current bench occupants keyed by seat.
func (c *Context) BenchNames() map[int]string {
	c.shared.mu.Lock()
	defer c.shared.mu.Unlock()
	out := make(map[int]string, len(c.shared.bench))
	for k, v := range c.shared.bench {
		out[k] = v
	}
	return out
}

// AgentTaskResult is the outcome of one agent child process run.
type AgentTaskResult struct {
	Reply    string
	Output   []string
	ExitCode int
}

// RunAgentTask spawns the backend CLI for a role on an allocated agent and
// blocks until it completes, marking the slot busy for the duration.
func (c *Context) RunAgentTask(ctx context.Context, opts agent.TaskOptions) (*AgentTaskResult, error) {
	if opts.AgentName == "" {
		return nil, fmt.Errorf("agent task requires an allocated agent")
	}
	opts.WorkDir = c.eng.cfg.Workspace
	opts.SessionID = c.inst.SessionID

	inv, err := c.eng.cfg.Backend.Build(opts)
	if err != nil {
		return nil, loomerr.Wrap(loomerr.CodeSpawnFailed, err, "building agent invocation")
	}

	logPath := ""
	if c.eng.cfg.AgentLogPath != nil {
		logPath = c.eng.cfg.AgentLogPath(c.inst.SessionID, opts.AgentName)
	}

	c.eng.cfg.Pool.MarkBusy(opts.AgentName)

	res, err := c.runProcess(ctx, supervisor.StartSpec{
		Command: inv.Command,
		Dir:     opts.WorkDir,
		Env:     inv.Env,
		Owner:   c.inst.ID,
		LogPath: logPath,
		Stdin:   inv.Stdin,
	})
	if err != nil {
		return nil, err
	}
	if res.Err != nil {
		return nil, res.Err
	}
	return &AgentTaskResult{
		Reply:    strings.Join(res.Output, "\n"),
		Output:   res.Output,
		ExitCode: res.Code,
	}, nil
}

// CommandResult is the outcome of an external command run.
type CommandResult struct {
	Stdout   string
	Output   []string
	ExitCode int
}

// RunCommand executes an external command under supervisor tracking.
func (c *Context) RunCommand(ctx context.Context, command []string, dir string, timeout time.Duration) (*CommandResult, error) {
	if dir == "" {
		dir = c.eng.cfg.Workspace
	}
	res, err := c.runProcess(ctx, supervisor.StartSpec{
		Command: command,
		Dir:     dir,
		Owner:   c.inst.ID,
		Timeout: timeout,
	})
	if err != nil {
		return nil, err
	}
	if res.Err != nil {
		return nil, res.Err
	}
	return &CommandResult{
		Stdout:   strings.Join(res.Output, "\n"),
		Output:   res.Output,
		ExitCode: res.Code,
	}, nil
}

// runProcess starts a child and waits for it, honoring cancellation by
// terminating the child.
func (c *Context) runProcess(ctx context.Context, spec supervisor.StartSpec) (supervisor.ExitResult, error) {
	id, err := c.eng.cfg.Procs.Start(ctx, spec)
	if err != nil {
		return supervisor.ExitResult{}, err
	}
	ch, ok := c.eng.cfg.Procs.Wait(id)
	if !ok {
		return supervisor.ExitResult{}, fmt.Errorf("process %s vanished before wait", id)
	}

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		_ = c.eng.cfg.Procs.Stop(id, false)
		// Drain the real result so the process is reaped.
		res := <-ch
		res.Err = loomerr.Wrap(loomerr.CodeWorkflowCancelled, ctx.Err(), "process interrupted")
		return res, nil
	}
}

// ReadFile reads a file under the workspace root. Paths escaping the
// workspace are rejected.
func (c *Context) ReadFile(path string) (string, error) {
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(c.eng.cfg.Workspace, resolved)
	}
	resolved = filepath.Clean(resolved)
	root := filepath.Clean(c.eng.cfg.Workspace)
	if root != "" && !strings.HasPrefix(resolved, root+string(filepath.Separator)) && resolved != root {
		return "", fmt.Errorf("path %q escapes the workspace", path)
	}
	data, err := os.ReadFile(resolved) //nolint:gosec // G304: confined to the workspace above
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WaitEvent blocks until an event on the topic arrives or the timeout
// elapses.
func (c *Context) WaitEvent(ctx context.Context, topic string, timeout time.Duration) (map[string]any, error) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := c.eng.cfg.Bus.SubscribeChan(subCtx, topic)

	var timerCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerCh = timer.C
	}

	select {
	case ev, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("event bus closed")
		}
		return ev.Payload, nil
	case <-ctx.Done():
		return nil, loomerr.Wrap(loomerr.CodeWorkflowCancelled, ctx.Err(), "wait_event interrupted")
	case <-timerCh:
		return nil, loomerr.New(loomerr.CodeWorkflowTimeout, "no %q event within %s", topic, timeout)
	}
}

// EmitEvent publishes an event on the daemon bus, tagged with the workflow.
func (c *Context) EmitEvent(topic string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	if _, ok := payload["workflowId"]; !ok {
		payload["workflowId"] = c.inst.ID
	}
	if _, ok := payload["sessionId"]; !ok && c.inst.SessionID != "" {
		payload["sessionId"] = c.inst.SessionID
	}
	c.eng.cfg.Bus.PublishFrom(c.inst.ID, topic, payload)
}

// Sleep waits, honoring cancellation.
func (c *Context) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return loomerr.Wrap(loomerr.CodeWorkflowCancelled, ctx.Err(), "sleep interrupted")
	}
}

// ShouldStop reports whether the workflow was cancelled so executors can
// bail at safe points.
func (c *Context) ShouldStop() bool { return c.inst.stopped() }

// Log records a line to the workflow log, the session progress log, and the
// bus.
func (c *Context) Log(line string) {
	c.shared.mu.Lock()
	c.shared.logs = append(c.shared.logs, line)
	c.shared.mu.Unlock()

	log.Debug(log.CatEngine, "workflow log", "workflow", c.inst.ID, "line", line)
	if c.eng.cfg.ProgressLog != nil && c.inst.SessionID != "" {
		c.eng.cfg.ProgressLog(c.inst.SessionID, line)
	}
	c.EmitEvent("workflow.log", map[string]any{"line": line})
}

// LogLines returns the lines recorded through Log.
func (c *Context) LogLines() []string {
	c.shared.mu.Lock()
	defer c.shared.mu.Unlock()
	return append([]string(nil), c.shared.logs...)
}

// Actions returns the optional system action hooks.
func (c *Context) Actions() SystemActions { return c.eng.cfg.Actions }
