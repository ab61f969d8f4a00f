package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/loom/internal/graph"
	"github.com/zjrosen/loom/internal/log"
	"github.com/zjrosen/loom/internal/loomerr"
	"github.com/zjrosen/loom/internal/store"
	"github.com/zjrosen/loom/internal/tracing"
)

type nodeState int

const (
	statePending nodeState = iota
	stateRunning
	stateCompleted
	stateFailed
	stateSkipped
)

// Control-flow sentinel keys. They steer the interpreter and never appear
// in persisted port data.
const (
	sentinelBranch   = "__branch__"
	sentinelParallel = "__parallel__"
	sentinelSync     = "__sync__"
)

type nodeDone struct {
	id      string
	outputs map[string]any
	err     error
}

// execution interprets one graph against one context. Eligible nodes run
// concurrently; all bookkeeping happens on the single scheduler goroutine
// consuming doneCh.
type execution struct {
	eng   *Engine
	g     *graph.Graph
	inst  *Instance
	ectx  *Context
	depth int

	mu       sync.Mutex // guards outputs for cross-goroutine env reads
	outputs  map[string]map[string]any
	states   map[string]nodeState
	fired    map[string]map[string]bool
	attempts map[string]int
	running  map[string]bool
	doneCh   chan nodeDone

	completedOrder []string
	endOutputs     map[string]any
	failErr        error

	parentCtx  context.Context
	cancelExec context.CancelFunc
}

func newExecution(eng *Engine, g *graph.Graph, inst *Instance, ectx *Context, depth int) *execution {
	e := &execution{
		eng:      eng,
		g:        g,
		inst:     inst,
		ectx:     ectx,
		depth:    depth,
		outputs:  make(map[string]map[string]any),
		states:   make(map[string]nodeState),
		fired:    make(map[string]map[string]bool),
		attempts: make(map[string]int),
		running:  make(map[string]bool),
		doneCh:   make(chan nodeDone),
	}
	for _, id := range g.NodeOrder {
		e.states[id] = statePending
	}
	return e
}

func (e *execution) outputsSnapshot() map[string]map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]map[string]any, len(e.outputs))
	for id, m := range e.outputs {
		out[id] = m
	}
	return out
}

// restore rehydrates completed state from a checkpoint.
func (e *execution) restore(ck *store.Checkpoint) {
	for _, id := range ck.Completed {
		if _, ok := e.states[id]; !ok {
			continue
		}
		e.states[id] = stateCompleted
		e.completedOrder = append(e.completedOrder, id)
		if res, ok := ck.Results[id]; ok {
			e.outputs[id] = res
		} else {
			e.outputs[id] = map[string]any{}
		}
		fired := map[string]bool{}
		if ports, ok := ck.Fired[id]; ok {
			for _, p := range ports {
				fired[p] = true
			}
		} else {
			for _, p := range e.g.Nodes[id].Outputs {
				fired[p.ID] = true
			}
		}
		e.fired[id] = fired
	}
	// Nodes that were running at checkpoint time re-execute from pending.
	e.ectx.restoreVars(ck.Vars)
	log.Info(log.CatEngine, "Workflow resumed from checkpoint",
		"workflow", e.inst.ID, "completed", len(ck.Completed))
}

// run drives the graph to quiescence and assembles the result. The
// execution gets its own cancel so a failing branch interrupts its
// siblings without tearing down an enclosing execution.
func (e *execution) run(ctx context.Context) *Result {
	e.parentCtx = ctx
	runCtx, cancel := context.WithCancel(ctx)
	e.cancelExec = cancel
	defer cancel()

	e.schedule(runCtx)

	for len(e.running) > 0 {
		d := <-e.doneCh
		e.handle(runCtx, d)
		if e.failErr == nil && !e.inst.stopped() && e.parentCtx.Err() == nil {
			e.schedule(runCtx)
		}
	}

	res := &Result{
		NodeResults: e.outputsSnapshot(),
		Outputs:     e.endOutputs,
	}
	switch {
	case (e.inst.stopped() || e.parentCtx.Err() != nil) && e.failErr == nil:
		res.Cancelled = true
		res.Err = loomerr.New(loomerr.CodeWorkflowCancelled, "workflow %s cancelled", e.inst.ID)
	case e.failErr != nil:
		res.Err = e.failErr
	default:
		res.Success = true
	}
	if res.Outputs == nil {
		res.Outputs = map[string]any{}
	}
	return res
}

// schedule launches every eligible pending node.
func (e *execution) schedule(ctx context.Context) {
	for _, id := range e.g.NodeOrder {
		if e.states[id] != statePending {
			continue
		}
		if !e.ready(id) {
			continue
		}
		e.launch(ctx, id, false)
	}
}

// ready implements eligibility: every incoming non-trigger connection has a
// completed source AND at least one incoming trigger fired. sync nodes in
// ALL mode require every incoming trigger.
func (e *execution) ready(id string) bool {
	node := e.g.Nodes[id]
	incoming := e.g.Incoming(id)
	if len(incoming) == 0 {
		return node.Type == "start"
	}

	syncAll := node.Type == "sync" && configString(node, "mode", "ALL") == "ALL"

	trigCount, trigFired := 0, 0
	for _, c := range incoming {
		port, ok := node.InputPort(c.To.Port)
		if !ok {
			continue
		}
		src := e.states[c.From.Node]
		if port.Type == graph.TypeTrigger {
			trigCount++
			if (src == stateCompleted || src == stateSkipped) && e.fired[c.From.Node][c.From.Port] {
				trigFired++
			}
			continue
		}
		if src != stateCompleted && src != stateSkipped {
			return false
		}
	}

	if trigCount == 0 {
		return true
	}
	if syncAll {
		return trigFired == trigCount
	}
	return trigFired >= 1
}

// gather collects input values from completed upstream outputs.
func (e *execution) gather(id string) map[string]any {
	node := e.g.Nodes[id]
	inputs := map[string]any{}

	for _, port := range node.Inputs {
		if port.Type == graph.TypeTrigger {
			continue
		}
		var vals []any
		for _, c := range e.g.Incoming(id) {
			if c.To.Port != port.ID {
				continue
			}
			src := e.states[c.From.Node]
			if src != stateCompleted && src != stateSkipped {
				continue
			}
			if v, ok := e.outputs[c.From.Node][c.From.Port]; ok {
				vals = append(vals, v)
			}
		}
		switch {
		case len(vals) == 0:
			if port.Default != nil {
				inputs[port.ID] = port.Default
			}
		case port.AllowMultiple:
			inputs[port.ID] = vals
		default:
			inputs[port.ID] = vals[0]
		}
	}
	return inputs
}

// launch transitions a node to running and starts its goroutine.
// bypassGather is used by goto error policies.
func (e *execution) launch(ctx context.Context, id string, bypassGather bool) {
	e.states[id] = stateRunning
	e.running[id] = true

	inputs := map[string]any{}
	if !bypassGather {
		inputs = e.gather(id)
	}

	e.emitDebug("node_start", id, nil)
	go e.runNode(ctx, id, inputs)
}

// runNode executes one node in its own goroutine and reports on doneCh.
func (e *execution) runNode(ctx context.Context, id string, inputs map[string]any) {
	node := e.g.Nodes[id]

	// Pause gate and debug stepping both sit before execution.
	if err := e.inst.waitGate(ctx); err != nil {
		e.doneCh <- nodeDone{id: id, err: err}
		return
	}
	if dbg := e.inst.debug; dbg != nil {
		if dbg.StepMode || dbg.Breakpoints[id] {
			kind := "step"
			if dbg.Breakpoints[id] {
				kind = "breakpoint"
			}
			e.emitDebug(kind, id, nil)
			select {
			case <-e.inst.stepCh:
			case <-ctx.Done():
				e.doneCh <- nodeDone{id: id, err: ctx.Err()}
				return
			}
		}
		if mock, ok := dbg.Mocks[id]; ok {
			e.doneCh <- nodeDone{id: id, outputs: mock}
			return
		}
	}

	exec, ok := e.eng.executors[node.Type]
	if !ok {
		e.doneCh <- nodeDone{id: id, err: loomerr.New(loomerr.CodeValidation, "no executor for node type %q", node.Type)}
		return
	}

	nodeCtx := ctx
	var cancel context.CancelFunc
	timeout := time.Duration(node.TimeoutMs) * time.Millisecond
	if timeout == 0 {
		timeout = e.eng.cfg.DefaultNodeTimeout
	}
	if timeout > 0 {
		nodeCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	_, span := e.eng.cfg.Tracer.Start(nodeCtx, "node."+node.Type, trace.WithAttributes(
		attribute.String(tracing.AttrWorkflowID, e.inst.ID),
		attribute.String(tracing.AttrNodeID, id),
		attribute.String(tracing.AttrNodeType, node.Type),
	))

	outputs, err := exec(nodeCtx, e.ectx, node, inputs)
	if err != nil && nodeCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		err = loomerr.Wrap(loomerr.CodeWorkflowTimeout, err, "node %q exceeded its %s budget", id, timeout)
	}
	if err != nil {
		span.SetAttributes(attribute.String(tracing.AttrErrorMessage, err.Error()))
	}
	span.End()

	e.doneCh <- nodeDone{id: id, outputs: outputs, err: err}
}

// handle processes one node completion on the scheduler goroutine.
func (e *execution) handle(ctx context.Context, d nodeDone) {
	node := e.g.Nodes[d.id]

	if d.err == nil {
		e.complete(d.id, node, d.outputs)
		return
	}

	// Cancellation is not a node failure.
	if e.inst.stopped() || e.parentCtx.Err() != nil {
		delete(e.running, d.id)
		e.states[d.id] = stateFailed
		return
	}

	policy := node.OnError
	kind := "abort"
	if policy != nil && policy.Kind != "" {
		kind = policy.Kind
	}

	switch kind {
	case "retry":
		e.attempts[d.id]++
		if e.attempts[d.id] <= policy.MaxRetries {
			delay := time.Duration(policy.DelayMs) * time.Millisecond
			log.Warn(log.CatEngine, "Node retrying", "workflow", e.inst.ID, "node", d.id,
				"attempt", e.attempts[d.id], "error", d.err)
			e.emitDebug("node_error", d.id, map[string]any{"error": d.err.Error(), "retry": true})
			inputs := e.gather(d.id)
			go func() {
				timer := time.NewTimer(delay)
				defer timer.Stop()
				select {
				case <-timer.C:
				case <-ctx.Done():
					e.doneCh <- nodeDone{id: d.id, err: ctx.Err()}
					return
				}
				e.runNode(ctx, d.id, inputs)
			}()
			return
		}
		e.fail(d.id, loomerr.Wrap(loomerr.CodeRetryExhausted, d.err,
			"node %q failed after %d retries", d.id, policy.MaxRetries))

	case "skip":
		delete(e.running, d.id)
		e.states[d.id] = stateSkipped
		outs := map[string]any{}
		for k, v := range policy.Default {
			outs[k] = v
		}
		e.mu.Lock()
		e.outputs[d.id] = outs
		e.mu.Unlock()
		e.fireAll(d.id, node)
		log.Warn(log.CatEngine, "Node error masked by skip policy",
			"workflow", e.inst.ID, "node", d.id, "error", d.err)
		e.emitDebug("node_error", d.id, map[string]any{"error": d.err.Error(), "skipped": true})

	case "goto":
		delete(e.running, d.id)
		e.states[d.id] = stateFailed
		e.emitDebug("node_error", d.id, map[string]any{"error": d.err.Error(), "goto": policy.Target})
		target := policy.Target
		if _, ok := e.g.Nodes[target]; !ok {
			e.fail(d.id, loomerr.Wrap(loomerr.CodeWorkflowFailed, d.err,
				"goto target %q does not exist", target))
			return
		}
		if e.states[target] == statePending || e.states[target] == stateFailed {
			e.states[target] = statePending
			e.launch(ctx, target, true)
		}

	default: // abort
		// Preserve an already-typed code; otherwise classify as a workflow
		// failure.
		if loomerr.CodeOf(d.err) != "" {
			e.fail(d.id, d.err)
		} else {
			e.fail(d.id, loomerr.Wrap(loomerr.CodeWorkflowFailed, d.err, "node %q failed", d.id))
		}
	}
}

// fail records the workflow failure and interrupts remaining branches.
func (e *execution) fail(id string, err error) {
	delete(e.running, id)
	e.states[id] = stateFailed
	if e.failErr == nil {
		e.failErr = err
	}
	e.emitDebug("node_error", id, map[string]any{"error": err.Error()})
	e.cancelExec()
}

// complete records outputs, interprets control-flow sentinels, and fires
// output ports.
func (e *execution) complete(id string, node *graph.Node, outputs map[string]any) {
	delete(e.running, id)
	e.states[id] = stateCompleted
	e.completedOrder = append(e.completedOrder, id)

	if outputs == nil {
		outputs = map[string]any{}
	}

	fired := map[string]bool{}
	switch {
	case outputs[sentinelBranch] != nil:
		if port, ok := outputs[sentinelBranch].(string); ok {
			fired[port] = true
		}
	case outputs[sentinelParallel] != nil:
		if ports, ok := outputs[sentinelParallel].([]string); ok {
			for _, p := range ports {
				fired[p] = true
			}
		}
	default:
		for _, p := range node.Outputs {
			if p.Type == graph.TypeTrigger {
				fired[p.ID] = true
			}
		}
	}
	e.fired[id] = fired

	// Sentinels never appear in persisted port data.
	clean := make(map[string]any, len(outputs))
	for k, v := range outputs {
		if k == sentinelBranch || k == sentinelParallel || k == sentinelSync {
			continue
		}
		clean[k] = v
	}
	e.mu.Lock()
	e.outputs[id] = clean
	e.mu.Unlock()

	if node.Type == "end" {
		e.endOutputs = clean
	}

	e.emitDebug("node_complete", id, nil)
	if e.inst.debug != nil {
		for port, v := range clean {
			e.emitDebug("port_value", id, map[string]any{"port": port, "value": v})
		}
	}

	if node.Checkpoint && e.inst.debug == nil {
		ck := checkpointFor(e.inst, e.g, e, e.ectx)
		if err := e.eng.cfg.Checkpoints.SaveCheckpoint(ck); err != nil {
			log.ErrorErr(log.CatEngine, "Failed to save checkpoint", err,
				"workflow", e.inst.ID, "node", id)
		}
	}
}

// fireAll marks every trigger output port as fired (skip policy path).
func (e *execution) fireAll(id string, node *graph.Node) {
	fired := map[string]bool{}
	for _, p := range node.Outputs {
		if p.Type == graph.TypeTrigger {
			fired[p.ID] = true
		}
	}
	e.fired[id] = fired
}

// checkpointState snapshots the serializable execution state.
func (e *execution) checkpointState() (completed, running []string, fired map[string][]string, results map[string]map[string]any) {
	fired = map[string][]string{}
	results = map[string]map[string]any{}
	for id, st := range e.states {
		switch st {
		case stateCompleted, stateSkipped:
			completed = append(completed, id)
			if m, ok := e.outputs[id]; ok {
				results[id] = m
			}
			var ports []string
			for p := range e.fired[id] {
				ports = append(ports, p)
			}
			fired[id] = ports
		case stateRunning:
			running = append(running, id)
		}
	}
	return completed, running, fired, results
}

// lastCompleted returns the most recently completed node id.
func (e *execution) lastCompleted() string {
	if len(e.completedOrder) == 0 {
		return ""
	}
	return e.completedOrder[len(e.completedOrder)-1]
}

func (e *execution) emitDebug(event, nodeID string, extra map[string]any) {
	payload := map[string]any{
		"workflowId": e.inst.ID,
		"node":       nodeID,
	}
	for k, v := range extra {
		payload[k] = v
	}
	e.eng.cfg.Bus.PublishFrom(e.inst.ID, event, payload)
}

// runRegion executes a loop-body region: the nodes reachable from the given
// output port, driven by a synthetic start, sharing the parent context's
// variables and bench. Returns the region's last-node outputs.
func (e *execution) runRegion(ctx context.Context, loopID, port string) (map[string]any, error) {
	region := e.regionGraph(loopID, port)
	if region == nil {
		return map[string]any{}, nil
	}

	sub := newExecution(e.eng, region, e.inst, nil, e.depth)
	// Seed upstream outputs so body expressions can reference nodes
	// completed outside the region.
	for id, outs := range e.outputsSnapshot() {
		sub.outputs[id] = outs
	}
	subCtx := e.ectx.child(sub)
	sub.ectx = subCtx

	res := sub.run(ctx)
	if res.Err != nil {
		return nil, res.Err
	}

	last := sub.lastCompleted()
	if last == "" || last == regionStartID {
		return map[string]any{}, nil
	}
	return sub.outputsSnapshot()[last], nil
}

const regionStartID = "__start__"

// regionGraph derives the body-region subgraph for a loop node's port.
func (e *execution) regionGraph(loopID, port string) *graph.Graph {
	entries := e.g.OutgoingFrom(loopID, port)
	if len(entries) == 0 {
		return nil
	}

	// Collect nodes reachable from the entry targets without passing back
	// through the loop node.
	member := map[string]bool{}
	var queue []string
	for _, c := range entries {
		if c.To.Node != loopID {
			queue = append(queue, c.To.Node)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if member[id] || id == loopID {
			continue
		}
		member[id] = true
		for _, c := range e.g.Outgoing(id) {
			if !member[c.To.Node] && c.To.Node != loopID {
				queue = append(queue, c.To.Node)
			}
		}
	}
	if len(member) == 0 {
		return nil
	}

	region := &graph.Graph{
		Name:       fmt.Sprintf("%s/%s.%s", e.g.Name, loopID, port),
		Version:    e.g.Version,
		Parameters: e.g.Parameters,
		Variables:  map[string]graph.VarDef{},
		Nodes:      map[string]*graph.Node{},
	}

	start := &graph.Node{
		ID:      regionStartID,
		Type:    "start",
		Config:  map[string]any{},
		Outputs: []graph.PortDef{{ID: "out", Type: graph.TypeTrigger}},
	}
	region.Nodes[regionStartID] = start
	region.NodeOrder = append(region.NodeOrder, regionStartID)

	for _, id := range e.g.NodeOrder {
		if member[id] {
			region.Nodes[id] = e.g.Nodes[id]
			region.NodeOrder = append(region.NodeOrder, id)
		}
	}

	var conns []graph.Connection
	for _, c := range entries {
		if member[c.To.Node] {
			conns = append(conns, graph.Connection{
				ID:   "region-entry-" + c.To.Node + "-" + c.To.Port,
				From: graph.Endpoint{Node: regionStartID, Port: "out"},
				To:   c.To,
			})
		}
	}
	for _, c := range e.g.Connections {
		if member[c.From.Node] && member[c.To.Node] {
			conns = append(conns, c)
		}
	}
	region.Connections = conns
	region.BuildIndex()
	return region
}
