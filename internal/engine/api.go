// Package engine interprets workflow node graphs: data flow, control flow,
// loops, parallel branches, sub-graphs, checkpointing, debug stepping, and
// per-node error strategies.
package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/loom/internal/agent"
	"github.com/zjrosen/loom/internal/graph"
	"github.com/zjrosen/loom/internal/pubsub"
	"github.com/zjrosen/loom/internal/store"
	"github.com/zjrosen/loom/internal/supervisor"
)

// AgentPool is the slice of the pool the engine depends on.
type AgentPool interface {
	Request(ctx context.Context, roleID, workflowID string, timeout time.Duration) (string, error)
	Release(name string)
	ForceRelease(name string)
	MarkBusy(name string)
	ReleaseWorkflow(workflowID string)
}

// ProcessRunner is the slice of the process supervisor the engine depends on.
type ProcessRunner interface {
	Start(ctx context.Context, spec supervisor.StartSpec) (string, error)
	Wait(id string) (<-chan supervisor.ExitResult, bool)
	Stop(id string, force bool) error
	StopOwned(owner string)
}

// CheckpointSink persists checkpoints; the daemon wires the state store in.
type CheckpointSink interface {
	SaveCheckpoint(ck *store.Checkpoint) error
	DeleteCheckpoint(sessionID, workflowID string) error
}

// NoopCheckpoints discards checkpoints; used by tests and debug runs.
type NoopCheckpoints struct{}

// SaveCheckpoint implements CheckpointSink.
func (NoopCheckpoints) SaveCheckpoint(*store.Checkpoint) error { return nil }

// DeleteCheckpoint implements CheckpointSink.
func (NoopCheckpoints) DeleteCheckpoint(string, string) error { return nil }

// SystemActions exposes the session-level reads the event node's system
// actions need. Optional; nil disables those actions.
type SystemActions interface {
	ReadPlan(sessionID string) (string, error)
	ReadTasks(sessionID string) (string, error)
	ReadBrief(sessionID string) (string, error)
}

// Executor runs one node. Outputs become visible to downstream consumers
// only when the executor returns without error.
type Executor func(ctx context.Context, ec *Context, node *graph.Node, inputs map[string]any) (map[string]any, error)

// Config wires the engine's collaborators. Every dependency is injected;
// the engine holds no globals.
type Config struct {
	Loader      *graph.Loader
	Bus         *pubsub.Bus
	Pool        AgentPool
	Procs       ProcessRunner
	Checkpoints CheckpointSink
	Backend     agent.Backend
	Actions     SystemActions
	Tracer      trace.Tracer

	// Workspace roots ReadFile and command working directories.
	Workspace string

	// AgentLogPath resolves the per-agent log file for a session.
	AgentLogPath func(sessionID, agentName string) string
	// ProgressLog appends a line to the session progress log.
	ProgressLog func(sessionID, line string)

	MaxSubgraphDepth   int
	DefaultNodeTimeout time.Duration
	// PoolRequestTimeout bounds agent_request nodes that declare none.
	PoolRequestTimeout time.Duration
}

// RunSpec describes one workflow run.
type RunSpec struct {
	// Graph is a pre-loaded graph; GraphPath loads through the loader when
	// Graph is nil.
	Graph     *graph.Graph
	GraphPath string

	// Kind tags the workflow (planning, revision, execute, single-task).
	Kind       string
	SessionID  string
	WorkflowID string

	Params map[string]any

	// Checkpoint resumes a prior run.
	Checkpoint *store.Checkpoint

	// Debug enables step-through execution; debug runs never persist
	// checkpoints.
	Debug *DebugOptions

	depth int
}

// DebugOptions configures step-through execution.
type DebugOptions struct {
	// StepMode pauses before every node until Step is called.
	StepMode bool
	// Breakpoints pause before the listed nodes.
	Breakpoints map[string]bool
	// Mocks replaces the listed nodes' executors with canned outputs.
	Mocks map[string]map[string]any
}

// Result is the structured outcome of a workflow run.
type Result struct {
	WorkflowID  string
	Success     bool
	Cancelled   bool
	Outputs     map[string]any
	NodeResults map[string]map[string]any
	Err         error
	StartedAt   time.Time
	EndedAt     time.Time
}

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstanceQueued    InstanceStatus = "queued"
	InstanceRunning   InstanceStatus = "running"
	InstancePaused    InstanceStatus = "paused"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
	InstanceCancelled InstanceStatus = "cancelled"
)

// InstanceInfo is a snapshot of one live workflow instance.
type InstanceInfo struct {
	ID        string
	SessionID string
	Kind      string
	GraphName string
	Status    InstanceStatus
	StartedAt time.Time
}
