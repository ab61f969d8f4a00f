package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/loom/internal/graph"
	"github.com/zjrosen/loom/internal/log"
	"github.com/zjrosen/loom/internal/loomerr"
	"github.com/zjrosen/loom/internal/store"
	"github.com/zjrosen/loom/internal/tracing"
)

// Engine interprets workflow graphs. One logical interpreter runs per live
// workflow instance; concurrency inside a run is explicit via parallel/sync.
type Engine struct {
	cfg       Config
	executors map[string]Executor

	mu        sync.Mutex
	instances map[string]*Instance
}

// Instance is one live workflow run.
type Instance struct {
	ID        string
	SessionID string
	Kind      string
	GraphName string
	StartedAt time.Time

	status atomic.Value // InstanceStatus
	cancel context.CancelFunc
	stop   atomic.Bool

	pauseMu sync.Mutex
	gate    chan struct{} // closed when running; replaced while paused

	debug  *DebugOptions
	stepCh chan struct{}
}

func (i *Instance) stopped() bool { return i.stop.Load() }

// Status returns the instance status.
func (i *Instance) Status() InstanceStatus {
	if v := i.status.Load(); v != nil {
		return v.(InstanceStatus)
	}
	return InstanceQueued
}

func (i *Instance) setStatus(s InstanceStatus) { i.status.Store(s) }

// waitGate blocks while the instance is paused.
func (i *Instance) waitGate(ctx context.Context) error {
	for {
		i.pauseMu.Lock()
		gate := i.gate
		i.pauseMu.Unlock()
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// New creates an engine and registers the built-in node library.
func New(cfg Config) (*Engine, error) {
	if cfg.Loader == nil {
		return nil, fmt.Errorf("engine requires a graph loader")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("engine requires an event bus")
	}
	if cfg.Checkpoints == nil {
		cfg.Checkpoints = NoopCheckpoints{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("noop")
	}
	if cfg.MaxSubgraphDepth <= 0 {
		cfg.MaxSubgraphDepth = 8
	}
	if cfg.PoolRequestTimeout <= 0 {
		cfg.PoolRequestTimeout = time.Minute
	}

	e := &Engine{
		cfg:       cfg,
		executors: make(map[string]Executor),
		instances: make(map[string]*Instance),
	}
	if err := registerBuiltins(cfg.Loader.Registry(), e.executors); err != nil {
		return nil, err
	}
	return e, nil
}

// Registry returns the node type registry.
func (e *Engine) Registry() *graph.Registry { return e.cfg.Loader.Registry() }

// SetActions wires the system action hooks after construction; the session
// manager provides them but is itself built on top of the engine.
func (e *Engine) SetActions(actions SystemActions) { e.cfg.Actions = actions }

// Run executes a workflow to completion and returns its structured result.
// The returned error mirrors Result.Err for failed runs.
func (e *Engine) Run(ctx context.Context, spec RunSpec) (*Result, error) {
	g := spec.Graph
	if g == nil {
		if spec.GraphPath == "" {
			return nil, loomerr.New(loomerr.CodeValidation, "run spec requires a graph")
		}
		var err error
		g, _, err = e.cfg.Loader.Load(spec.GraphPath)
		if err != nil {
			return nil, err
		}
	}

	if spec.WorkflowID == "" {
		spec.WorkflowID = uuid.NewString()
	}

	runCtx, cancel := context.WithCancel(ctx)
	inst := &Instance{
		ID:        spec.WorkflowID,
		SessionID: spec.SessionID,
		Kind:      spec.Kind,
		GraphName: g.Name,
		StartedAt: time.Now(),
		cancel:    cancel,
		gate:      closedGate(),
		debug:     spec.Debug,
		stepCh:    make(chan struct{}),
	}
	inst.setStatus(InstanceRunning)

	e.mu.Lock()
	if _, dup := e.instances[inst.ID]; dup {
		e.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("workflow %s already live", inst.ID)
	}
	e.instances[inst.ID] = inst
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.instances, inst.ID)
		e.mu.Unlock()
	}()

	e.cfg.Bus.PublishFrom(inst.ID, "workflow.started", map[string]any{
		"workflowId": inst.ID,
		"sessionId":  inst.SessionID,
		"graph":      g.Name,
		"kind":       inst.Kind,
	})
	log.Info(log.CatEngine, "Workflow started", "workflow", inst.ID, "graph", g.Name, "kind", inst.Kind)

	spanCtx, span := e.cfg.Tracer.Start(runCtx, "workflow.run", trace.WithAttributes(
		attribute.String(tracing.AttrWorkflowID, inst.ID),
		attribute.String(tracing.AttrSessionID, inst.SessionID),
		attribute.String(tracing.AttrGraphName, g.Name),
	))
	defer span.End()

	ectx := &Context{
		eng:    e,
		inst:   inst,
		params: resolveParams(g, spec.Params),
		shared: &ctxShared{
			vars:  defaultVars(g),
			bench: map[int]string{},
		},
	}

	exec := newExecution(e, g, inst, ectx, spec.depth)
	ectx.exec = exec

	if spec.Checkpoint != nil {
		exec.restore(spec.Checkpoint)
	}

	res := exec.run(spanCtx)
	res.WorkflowID = inst.ID
	res.StartedAt = inst.StartedAt
	res.EndedAt = time.Now()

	switch {
	case res.Cancelled:
		inst.setStatus(InstanceCancelled)
	case res.Success:
		inst.setStatus(InstanceCompleted)
	default:
		inst.setStatus(InstanceFailed)
	}

	// Release everything the workflow still holds.
	if e.cfg.Pool != nil {
		e.cfg.Pool.ReleaseWorkflow(inst.ID)
	}
	if e.cfg.Procs != nil && (res.Cancelled || !res.Success) {
		e.cfg.Procs.StopOwned(inst.ID)
	}
	if res.Success && spec.Debug == nil && inst.SessionID != "" {
		_ = e.cfg.Checkpoints.DeleteCheckpoint(inst.SessionID, inst.ID)
	}

	errText := ""
	if res.Err != nil {
		errText = res.Err.Error()
		span.SetAttributes(attribute.String(tracing.AttrErrorMessage, errText))
	}
	e.cfg.Bus.PublishFrom(inst.ID, "workflow.completed", map[string]any{
		"workflowId": inst.ID,
		"sessionId":  inst.SessionID,
		"graph":      g.Name,
		"kind":       inst.Kind,
		"success":    res.Success,
		"cancelled":  res.Cancelled,
		"error":      errText,
		"errorCode":  string(loomerr.CodeOf(res.Err)),
	})
	log.Info(log.CatEngine, "Workflow completed", "workflow", inst.ID, "success", res.Success, "cancelled", res.Cancelled)

	return res, res.Err
}

// Cancel marks a live workflow cancelled: its stop flag is set, in-flight
// pool waits are interrupted, owned children are terminated, and the
// interpreter returns cancelled at the next await. Idempotent.
func (e *Engine) Cancel(workflowID string) {
	e.mu.Lock()
	inst, ok := e.instances[workflowID]
	e.mu.Unlock()
	if !ok {
		return
	}
	if inst.stop.Swap(true) {
		return
	}
	log.Info(log.CatEngine, "Workflow cancel requested", "workflow", workflowID)
	e.Resume(workflowID) // A paused workflow must wake to observe the stop.
	inst.cancel()
	if e.cfg.Procs != nil {
		e.cfg.Procs.StopOwned(workflowID)
	}
}

// Pause suspends scheduling of new nodes. Nodes already running continue.
func (e *Engine) Pause(workflowID string) {
	e.mu.Lock()
	inst, ok := e.instances[workflowID]
	e.mu.Unlock()
	if !ok {
		return
	}
	inst.pauseMu.Lock()
	select {
	case <-inst.gate:
		inst.gate = make(chan struct{})
		inst.setStatus(InstancePaused)
		e.cfg.Bus.PublishFrom(workflowID, "workflow.paused", map[string]any{"workflowId": workflowID})
	default:
		// Already paused.
	}
	inst.pauseMu.Unlock()
}

// Resume reopens a paused workflow's scheduling gate.
func (e *Engine) Resume(workflowID string) {
	e.mu.Lock()
	inst, ok := e.instances[workflowID]
	e.mu.Unlock()
	if !ok {
		return
	}
	inst.pauseMu.Lock()
	select {
	case <-inst.gate:
		// Already running.
	default:
		close(inst.gate)
		inst.setStatus(InstanceRunning)
		e.cfg.Bus.PublishFrom(workflowID, "workflow.resumed", map[string]any{"workflowId": workflowID})
	}
	inst.pauseMu.Unlock()
}

// Step releases one debug pause.
func (e *Engine) Step(workflowID string) {
	e.mu.Lock()
	inst, ok := e.instances[workflowID]
	e.mu.Unlock()
	if !ok || inst.debug == nil {
		return
	}
	select {
	case inst.stepCh <- struct{}{}:
	default:
	}
}

// Instances returns snapshots of the live workflow instances.
func (e *Engine) Instances() []InstanceInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]InstanceInfo, 0, len(e.instances))
	for _, inst := range e.instances {
		out = append(out, InstanceInfo{
			ID:        inst.ID,
			SessionID: inst.SessionID,
			Kind:      inst.Kind,
			GraphName: inst.GraphName,
			Status:    inst.Status(),
			StartedAt: inst.StartedAt,
		})
	}
	return out
}

// Live reports whether a workflow instance is live.
func (e *Engine) Live(workflowID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.instances[workflowID]
	return ok
}

// runSubgraph loads and executes a referenced graph in a sub-context,
// optionally seeded with the parent's variables.
func (e *Engine) runSubgraph(ctx context.Context, parent *Context, path string, params map[string]any, inherit bool) (map[string]any, error) {
	depth := parent.exec.depth + 1
	if depth > e.cfg.MaxSubgraphDepth {
		return nil, loomerr.New(loomerr.CodeSubgraphTooDeep,
			"subgraph depth %d exceeds the limit of %d", depth, e.cfg.MaxSubgraphDepth)
	}

	g, _, err := e.cfg.Loader.Load(path)
	if err != nil {
		return nil, err
	}

	vars := defaultVars(g)
	if inherit {
		for k, v := range parent.VarsSnapshot() {
			vars[k] = v
		}
	}

	sub := newExecution(e, g, parent.inst, nil, depth)
	subCtx := &Context{
		eng:    e,
		inst:   parent.inst,
		exec:   sub,
		params: resolveParams(g, params),
		shared: &ctxShared{vars: vars, bench: map[int]string{}},
	}
	sub.ectx = subCtx

	res := sub.run(ctx)
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Outputs, nil
}

func closedGate() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// resolveParams validates declared parameters and applies defaults.
func resolveParams(g *graph.Graph, params map[string]any) map[string]any {
	out := make(map[string]any, len(g.Parameters))
	for name, def := range g.Parameters {
		if v, ok := params[name]; ok {
			out[name] = v
		} else if def.Default != nil {
			out[name] = def.Default
		}
	}
	// Undeclared inputs pass through untyped.
	for name, v := range params {
		if _, ok := out[name]; !ok {
			out[name] = v
		}
	}
	return out
}

func defaultVars(g *graph.Graph) map[string]any {
	out := make(map[string]any, len(g.Variables))
	for name, def := range g.Variables {
		out[name] = def.Default
	}
	return out
}

// checkpointFor assembles a checkpoint from the execution state.
func checkpointFor(inst *Instance, g *graph.Graph, exec *execution, ectx *Context) *store.Checkpoint {
	completed, running, fired, results := exec.checkpointState()
	return &store.Checkpoint{
		WorkflowID: inst.ID,
		SessionID:  inst.SessionID,
		Graph:      g.Name,
		Kind:       inst.Kind,
		Completed:  completed,
		Running:    running,
		Fired:      fired,
		Results:    results,
		Vars:       ectx.VarsSnapshot(),
	}
}
