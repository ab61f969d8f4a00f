// Package store provides durable, crash-safe persistence for sessions, the
// agent pool, and workflow checkpoints. All writes are serialized through a
// single writer holding an advisory file lock and performed as
// write-temp-then-atomic-rename so readers never observe partial files.
package store

import "time"

// SessionStatus is the persisted session lifecycle state.
type SessionStatus string

const (
	StatusPlanning  SessionStatus = "planning"
	StatusDebating  SessionStatus = "debating"
	StatusReviewing SessionStatus = "reviewing"
	StatusRevising  SessionStatus = "revising"
	StatusApproved  SessionStatus = "approved"
	StatusExecuting SessionStatus = "executing"
	StatusPaused    SessionStatus = "paused"
	StatusCompleted SessionStatus = "completed"
	StatusStopped   SessionStatus = "stopped"
	StatusCancelled SessionStatus = "cancelled"
	StatusFailed    SessionStatus = "failed"
)

// IsTerminal reports whether the status is absorbing.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusStopped, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// PlanVersion is one entry of a session's append-only plan history.
type PlanVersion struct {
	Version    int       `json:"version"`
	Path       string    `json:"path"`
	CreatedAt  time.Time `json:"createdAt"`
	AuthorRole string    `json:"authorRole"`
}

// ExecutionRecord is the optional execution sub-record of a session.
type ExecutionRecord struct {
	StartedAt     time.Time `json:"startedAt"`
	TasksPath     string    `json:"tasksPath,omitempty"`
	CurrentTaskID string    `json:"currentTaskId,omitempty"`
}

// WorkflowRecord is a completed workflow retained in session history.
type WorkflowRecord struct {
	ID        string    `json:"id"`
	Graph     string    `json:"graph"`
	Status    string    `json:"status"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
}

// Session is the persisted session record (session.json).
type Session struct {
	ID          string        `json:"id"`
	Requirement string        `json:"requirement"`
	Docs        []string      `json:"docs,omitempty"`
	Status      SessionStatus `json:"status"`
	Plans       []PlanVersion `json:"plans"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`

	// LiveWorkflowID is the single live workflow owned by this session, or
	// empty. A session in executing always has exactly one.
	LiveWorkflowID string `json:"liveWorkflowId,omitempty"`
	// LiveWorkflowKind tags the live workflow (planning, revision, execute,
	// single-task) so recovery can dispatch a matching resumption.
	LiveWorkflowKind string `json:"liveWorkflowKind,omitempty"`

	Execution *ExecutionRecord `json:"execution,omitempty"`

	CompletedWorkflows []WorkflowRecord `json:"completedWorkflows,omitempty"`
}

// CurrentPlan returns the last plan version, or nil when none exists.
// The current plan is always the last entry of the history.
func (s *Session) CurrentPlan() *PlanVersion {
	if len(s.Plans) == 0 {
		return nil
	}
	return &s.Plans[len(s.Plans)-1]
}

// Clone returns a deep copy safe to hand outside the store.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Plans = append([]PlanVersion(nil), s.Plans...)
	cp.Docs = append([]string(nil), s.Docs...)
	cp.CompletedWorkflows = append([]WorkflowRecord(nil), s.CompletedWorkflows...)
	if s.Execution != nil {
		ex := *s.Execution
		cp.Execution = &ex
	}
	return &cp
}

// SlotState is the persisted state of one pool slot.
type SlotState struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	WorkflowID  string    `json:"workflowId,omitempty"`
	RoleID      string    `json:"roleId,omitempty"`
	AllocatedAt time.Time `json:"allocatedAt,omitzero"`
	RestUntil   time.Time `json:"restUntil,omitzero"`
}

// PoolState is the persisted pool snapshot (.cache/pool.json).
type PoolState struct {
	Size      int         `json:"size"`
	Counter   int         `json:"counter"` // highest slot number ever minted
	Slots     []SlotState `json:"slots"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// Checkpoint is a workflow checkpoint blob.
type Checkpoint struct {
	WorkflowID string                    `json:"workflowId"`
	SessionID  string                    `json:"sessionId"`
	Graph      string                    `json:"graph"`
	Kind       string                    `json:"kind,omitempty"`
	Time       time.Time                 `json:"time"`
	Completed  []string                  `json:"completed"`
	Vars       map[string]any            `json:"vars"`
	Results    map[string]map[string]any `json:"results"`
	Running    []string                  `json:"running"`
	// Fired records which output ports each completed node activated, so
	// branch decisions survive a restart.
	Fired map[string][]string `json:"fired,omitempty"`
}

// ArchiveEntry is one row of the completed-session archive index.
type ArchiveEntry struct {
	SessionID   string
	Requirement string
	Status      SessionStatus
	PlanCount   int
	CompletedAt time.Time
}
