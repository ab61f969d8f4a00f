// Package session owns the session lifecycle: planning, review, approval,
// revision cycles, execution, and recovery after daemon restart. Workflows
// are the mechanism; sessions are the goal.
package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/zjrosen/loom/internal/engine"
	"github.com/zjrosen/loom/internal/graph"
	"github.com/zjrosen/loom/internal/log"
	"github.com/zjrosen/loom/internal/loomerr"
	"github.com/zjrosen/loom/internal/pubsub"
	"github.com/zjrosen/loom/internal/store"
)

// WorkflowKind tags the workflow dispatched for a session.
type WorkflowKind string

const (
	KindPlanning   WorkflowKind = "planning"
	KindRevision   WorkflowKind = "revision"
	KindExecute    WorkflowKind = "execute"
	KindSingleTask WorkflowKind = "single-task"
)

// Priority orders competing dispatches for one session.
type Priority int

const (
	PriorityIdle Priority = iota
	PriorityNaturalNext
	PriorityFailureRetry
	PriorityUserCommand
)

// DispatchRequest is one queued workflow dispatch for a session.
type DispatchRequest struct {
	SessionID  string
	Kind       WorkflowKind
	Priority   Priority
	Params     map[string]any
	TaskID     string
	Checkpoint *store.Checkpoint
}

// Runner runs workflows; the engine implements it.
type Runner interface {
	Run(ctx context.Context, spec engine.RunSpec) (*engine.Result, error)
}

// WorkflowControl forwards pause/resume/cancel to live workflow instances.
type WorkflowControl interface {
	Cancel(workflowID string)
	Pause(workflowID string)
	Resume(workflowID string)
	Live(workflowID string) bool
}

// Config wires the manager's collaborators.
type Config struct {
	Store   *store.Store
	Runner  Runner
	Control WorkflowControl
	Bus     *pubsub.Bus
	Loader  *graph.Loader
}

// Manager owns all session lifecycle transitions.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	pending  map[string][]*DispatchRequest // user-command queue per session
	failures map[string]*DispatchRequest   // failure-retry slot per session

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a session manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil || cfg.Runner == nil || cfg.Control == nil || cfg.Bus == nil || cfg.Loader == nil {
		return nil, fmt.Errorf("session manager requires store, runner, control, bus, and loader")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		pending:  make(map[string][]*DispatchRequest),
		failures: make(map[string]*DispatchRequest),
		runCtx:   ctx,
		cancel:   cancel,
	}, nil
}

// Close cancels outstanding workflow goroutines and waits for them.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// CreateSession initializes a session in planning and queues the planning
// workflow that produces plan v1.
func (m *Manager) CreateSession(requirement string, docs []string) (string, error) {
	if requirement == "" {
		return "", fmt.Errorf("requirement must not be empty")
	}

	sess := &store.Session{
		ID:          uuid.NewString(),
		Requirement: requirement,
		Docs:        docs,
		Status:      store.StatusPlanning,
		CreatedAt:   time.Now(),
	}
	if err := m.cfg.Store.SaveSession(sess); err != nil {
		return "", err
	}

	m.enqueue(&DispatchRequest{
		SessionID: sess.ID,
		Kind:      KindPlanning,
		Priority:  PriorityUserCommand,
		Params:    map[string]any{"requirement": requirement, "docs": anySlice(docs)},
	})

	log.Info(log.CatSession, "Session created", "session", sess.ID)
	m.emitUpdated(sess)
	return sess.ID, nil
}

// Revise dispatches a revision workflow whose output becomes the next plan
// version. Allowed from reviewing, approved, and executing on explicit user
// command.
func (m *Manager) Revise(id, feedback string) error {
	sess, err := m.cfg.Store.Get(id)
	if err != nil {
		return err
	}

	switch sess.Status {
	case store.StatusReviewing, store.StatusApproved, store.StatusExecuting:
	default:
		return loomerr.New(loomerr.CodeBadTransition,
			"session %s cannot be revised while %s", id, sess.Status)
	}

	current := sess.CurrentPlan()
	if current == nil {
		return fmt.Errorf("session %s has no plan to revise", id)
	}
	planText, err := m.cfg.Store.ReadPlan(current.Path)
	if err != nil {
		return err
	}

	// Executing sessions abandon their live workflow before revising.
	if sess.LiveWorkflowID != "" {
		m.cfg.Control.Cancel(sess.LiveWorkflowID)
	}

	if err := transition(sess, store.StatusRevising); err != nil {
		return err
	}
	if err := m.cfg.Store.SaveSession(sess); err != nil {
		return err
	}

	m.enqueue(&DispatchRequest{
		SessionID: id,
		Kind:      KindRevision,
		Priority:  PriorityUserCommand,
		Params: map[string]any{
			"requirement": sess.Requirement,
			"feedback":    feedback,
			"currentPlan": string(planText),
		},
	})
	m.emitUpdated(sess)
	return nil
}

// Approve moves reviewing → approved and optionally dispatches execution.
func (m *Manager) Approve(id string, autoStart bool) error {
	sess, err := m.cfg.Store.Get(id)
	if err != nil {
		return err
	}
	if err := transition(sess, store.StatusApproved); err != nil {
		return err
	}
	if err := m.cfg.Store.SaveSession(sess); err != nil {
		return err
	}

	if autoStart {
		m.enqueueExecute(sess)
	}
	m.emitUpdated(sess)
	return nil
}

// Start dispatches the execute workflow for an approved session.
func (m *Manager) Start(id string) error {
	sess, err := m.cfg.Store.Get(id)
	if err != nil {
		return err
	}
	if sess.Status != store.StatusApproved {
		return loomerr.New(loomerr.CodeBadTransition,
			"session %s must be approved to start, is %s", id, sess.Status)
	}
	m.enqueueExecute(sess)
	return nil
}

func (m *Manager) enqueueExecute(sess *store.Session) {
	params := map[string]any{"requirement": sess.Requirement}
	if plan := sess.CurrentPlan(); plan != nil {
		params["planPath"] = plan.Path
	}
	m.enqueue(&DispatchRequest{
		SessionID: sess.ID,
		Kind:      KindExecute,
		Priority:  PriorityUserCommand,
		Params:    params,
	})
}

// Pause suspends the session's live workflow.
func (m *Manager) Pause(id string) error {
	sess, err := m.cfg.Store.Get(id)
	if err != nil {
		return err
	}
	if err := transition(sess, store.StatusPaused); err != nil {
		return err
	}
	if sess.LiveWorkflowID != "" {
		m.cfg.Control.Pause(sess.LiveWorkflowID)
	}
	if err := m.cfg.Store.SaveSession(sess); err != nil {
		return err
	}
	m.emitUpdated(sess)
	return nil
}

// Resume reopens a paused session's workflow.
func (m *Manager) Resume(id string) error {
	sess, err := m.cfg.Store.Get(id)
	if err != nil {
		return err
	}
	if err := transition(sess, store.StatusExecuting); err != nil {
		return err
	}
	if sess.LiveWorkflowID != "" {
		m.cfg.Control.Resume(sess.LiveWorkflowID)
	}
	if err := m.cfg.Store.SaveSession(sess); err != nil {
		return err
	}
	m.emitUpdated(sess)
	return nil
}

// Stop cancels the live workflow and marks the session stopped.
func (m *Manager) Stop(id string) error {
	return m.terminate(id, store.StatusStopped)
}

// CancelSession cancels the live workflow and marks the session cancelled.
func (m *Manager) CancelSession(id string) error {
	return m.terminate(id, store.StatusCancelled)
}

func (m *Manager) terminate(id string, to store.SessionStatus) error {
	sess, err := m.cfg.Store.Get(id)
	if err != nil {
		return err
	}
	if sess.Status.IsTerminal() {
		return nil
	}
	if err := transition(sess, to); err != nil {
		return err
	}
	if sess.LiveWorkflowID != "" {
		m.cfg.Control.Cancel(sess.LiveWorkflowID)
		sess.LiveWorkflowID = ""
		sess.LiveWorkflowKind = ""
	}
	m.dropQueued(id)
	if err := m.cfg.Store.SaveSession(sess); err != nil {
		return err
	}
	m.emitUpdated(sess)
	return nil
}

// RetryTask dispatches a single-task workflow targeting one task of the
// approved plan. The session stays executing for its duration.
func (m *Manager) RetryTask(id, taskID string) error {
	sess, err := m.cfg.Store.Get(id)
	if err != nil {
		return err
	}
	if sess.Status != store.StatusExecuting && sess.Status != store.StatusApproved {
		return loomerr.New(loomerr.CodeBadTransition,
			"session %s cannot retry tasks while %s", id, sess.Status)
	}

	params := map[string]any{"taskId": taskID}
	if plan := sess.CurrentPlan(); plan != nil {
		params["planPath"] = plan.Path
	}
	m.enqueue(&DispatchRequest{
		SessionID: id,
		Kind:      KindSingleTask,
		Priority:  PriorityUserCommand,
		Params:    params,
		TaskID:    taskID,
	})
	return nil
}

// Reopen moves a completed session back to reviewing for post-hoc revision.
func (m *Manager) Reopen(id string) error {
	sess, err := m.cfg.Store.Get(id)
	if err != nil {
		return err
	}
	if sess.Status != store.StatusCompleted {
		return loomerr.New(loomerr.CodeBadTransition,
			"session %s must be completed to reopen, is %s", id, sess.Status)
	}
	if err := transition(sess, store.StatusReviewing); err != nil {
		return err
	}
	if err := m.cfg.Store.SaveSession(sess); err != nil {
		return err
	}
	m.emitUpdated(sess)
	return nil
}

// Delete removes a session. Only permitted when no workflow referencing it
// is live.
func (m *Manager) Delete(id string) error {
	m.dropQueued(id)
	return m.cfg.Store.DeleteSession(id)
}

// Get returns a session snapshot.
func (m *Manager) Get(id string) (*store.Session, error) { return m.cfg.Store.Get(id) }

// List returns all sessions, newest first.
func (m *Manager) List() []*store.Session { return m.cfg.Store.Sessions() }

// PlanText reads a plan version's artifact; version 0 means current.
func (m *Manager) PlanText(id string, version int) (string, error) {
	sess, err := m.cfg.Store.Get(id)
	if err != nil {
		return "", err
	}
	var pv *store.PlanVersion
	if version == 0 {
		pv = sess.CurrentPlan()
	} else {
		for i := range sess.Plans {
			if sess.Plans[i].Version == version {
				pv = &sess.Plans[i]
				break
			}
		}
	}
	if pv == nil {
		return "", fmt.Errorf("session %s has no plan version %d", id, version)
	}
	data, err := m.cfg.Store.ReadPlan(pv.Path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// RecoverAll rehydrates every non-terminal session on startup: checkpointed
// workflows resume, orphaned intermediate states settle, and a
// session.recovered event fires per session.
func (m *Manager) RecoverAll() {
	for _, sess := range m.cfg.Store.Sessions() {
		if sess.Status.IsTerminal() {
			continue
		}

		staleWorkflow := sess.LiveWorkflowID
		staleKind := sess.LiveWorkflowKind
		sess.LiveWorkflowID = ""
		sess.LiveWorkflowKind = ""

		switch sess.Status {
		case store.StatusPlanning, store.StatusDebating:
			m.enqueue(&DispatchRequest{
				SessionID: sess.ID,
				Kind:      KindPlanning,
				Priority:  PriorityNaturalNext,
				Params:    map[string]any{"requirement": sess.Requirement, "docs": anySlice(sess.Docs)},
			})
		case store.StatusRevising:
			// The revision's feedback is gone with the old daemon; settle
			// back to reviewing when a plan exists.
			if len(sess.Plans) > 0 {
				sess.Status = store.StatusReviewing
			} else {
				sess.Status = store.StatusPlanning
			}
		case store.StatusExecuting, store.StatusPaused:
			req := &DispatchRequest{
				SessionID: sess.ID,
				Kind:      KindExecute,
				Priority:  PriorityNaturalNext,
				Params:    map[string]any{"requirement": sess.Requirement},
			}
			if staleKind != "" && staleKind != string(KindExecute) {
				req.Kind = WorkflowKind(staleKind)
			}
			if plan := sess.CurrentPlan(); plan != nil {
				req.Params["planPath"] = plan.Path
			}
			if staleWorkflow != "" {
				if ck, ok, err := m.cfg.Store.LoadCheckpoint(sess.ID, staleWorkflow); err == nil && ok {
					req.Checkpoint = ck
				}
			}
			sess.Status = store.StatusExecuting
			m.enqueue(req)
		case store.StatusReviewing, store.StatusApproved:
			// Waiting on the user; nothing to dispatch.
		}

		if err := m.cfg.Store.SaveSession(sess); err != nil {
			log.ErrorErr(log.CatSession, "Failed to persist recovered session", err, "session", sess.ID)
			continue
		}
		m.cfg.Bus.Publish("session.recovered", map[string]any{
			"sessionId": sess.ID,
			"status":    string(sess.Status),
		})
		log.Info(log.CatSession, "Session recovered", "session", sess.ID, "status", sess.Status)
	}
}

// enqueue adds a dispatch request and nudges the coordinator.
func (m *Manager) enqueue(req *DispatchRequest) {
	m.mu.Lock()
	if req.Priority == PriorityFailureRetry {
		m.failures[req.SessionID] = req
	} else {
		m.pending[req.SessionID] = append(m.pending[req.SessionID], req)
	}
	m.mu.Unlock()

	m.cfg.Bus.Publish("session.dispatchPending", map[string]any{"sessionId": req.SessionID})
}

func (m *Manager) dropQueued(sessionID string) {
	m.mu.Lock()
	delete(m.pending, sessionID)
	delete(m.failures, sessionID)
	m.mu.Unlock()
}

// PendingSessions returns the sessions with queued dispatches.
func (m *Manager) PendingSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for id, reqs := range m.pending {
		if len(reqs) > 0 && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for id := range m.failures {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// Evaluate picks the highest-priority eligible dispatch for a session and
// removes it from the queue. Sessions with a live workflow are ineligible.
// Priority order: explicit user command > failure-retry > natural-next.
func (m *Manager) Evaluate(sessionID string) *DispatchRequest {
	sess, err := m.cfg.Store.Get(sessionID)
	if err != nil {
		m.dropQueued(sessionID)
		return nil
	}
	if sess.LiveWorkflowID != "" && m.cfg.Control.Live(sess.LiveWorkflowID) {
		return nil
	}
	if sess.Status.IsTerminal() {
		m.dropQueued(sessionID)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var best *DispatchRequest
	bestIdx := -1
	for i, req := range m.pending[sessionID] {
		if best == nil || req.Priority > best.Priority {
			best = req
			bestIdx = i
		}
	}
	if retry := m.failures[sessionID]; retry != nil {
		if best == nil || best.Priority < retry.Priority {
			delete(m.failures, sessionID)
			return retry
		}
	}
	if best != nil {
		m.pending[sessionID] = append(m.pending[sessionID][:bestIdx], m.pending[sessionID][bestIdx+1:]...)
	}
	return best
}

// StartWorkflow launches the workflow for a dispatch decision. It records
// the live workflow on the session before the run starts.
func (m *Manager) StartWorkflow(req *DispatchRequest) error {
	sess, err := m.cfg.Store.Get(req.SessionID)
	if err != nil {
		return err
	}
	if sess.LiveWorkflowID != "" && m.cfg.Control.Live(sess.LiveWorkflowID) {
		return fmt.Errorf("session %s already has live workflow %s", sess.ID, sess.LiveWorkflowID)
	}

	g, err := m.loadGraph(req.Kind)
	if err != nil {
		return err
	}

	workflowID := uuid.NewString()
	if req.Checkpoint != nil {
		workflowID = req.Checkpoint.WorkflowID
	}

	// Dispatch-time status alignment.
	switch req.Kind {
	case KindExecute:
		if sess.Status == store.StatusApproved {
			if err := transition(sess, store.StatusExecuting); err != nil {
				return err
			}
		}
	}

	sess.LiveWorkflowID = workflowID
	sess.LiveWorkflowKind = string(req.Kind)
	if req.Kind == KindExecute && sess.Execution == nil {
		sess.Execution = &store.ExecutionRecord{StartedAt: time.Now(), TasksPath: m.cfg.Store.TasksPath(sess.ID)}
	}
	if err := m.cfg.Store.SaveSession(sess); err != nil {
		return err
	}
	m.cfg.Store.AppendProgress(sess.ID, fmt.Sprintf("workflow %s (%s) dispatched", workflowID, req.Kind))

	spec := engine.RunSpec{
		Graph:      g,
		Kind:       string(req.Kind),
		SessionID:  sess.ID,
		WorkflowID: workflowID,
		Params:     req.Params,
		Checkpoint: req.Checkpoint,
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		result, _ := m.cfg.Runner.Run(m.runCtx, spec)
		if result == nil {
			result = &engine.Result{WorkflowID: workflowID}
		}
		m.onWorkflowDone(req, result)
	}()

	m.emitUpdated(sess)
	return nil
}

// onWorkflowDone applies a finished workflow's outcome to its session.
func (m *Manager) onWorkflowDone(req *DispatchRequest, result *engine.Result) {
	sess, err := m.cfg.Store.Get(req.SessionID)
	if err != nil {
		log.ErrorErr(log.CatSession, "Workflow finished for missing session", err, "session", req.SessionID)
		return
	}

	status := "completed"
	switch {
	case result.Cancelled:
		status = "cancelled"
	case !result.Success:
		status = "failed"
	}
	errText := ""
	if result.Err != nil {
		errText = result.Err.Error()
	}
	sess.CompletedWorkflows = append(sess.CompletedWorkflows, store.WorkflowRecord{
		ID:        result.WorkflowID,
		Graph:     string(req.Kind),
		Status:    status,
		Success:   result.Success,
		Error:     errText,
		StartedAt: result.StartedAt,
		EndedAt:   result.EndedAt,
	})
	if sess.LiveWorkflowID == result.WorkflowID {
		sess.LiveWorkflowID = ""
		sess.LiveWorkflowKind = ""
	}
	m.cfg.Store.AppendProgress(sess.ID, fmt.Sprintf("workflow %s (%s) %s", result.WorkflowID, req.Kind, status))

	switch req.Kind {
	case KindPlanning:
		m.finishPlanWorkflow(sess, result, "planner")
	case KindRevision:
		m.finishPlanWorkflow(sess, result, "reviser")
	case KindExecute:
		m.finishExecuteWorkflow(sess, result)
	case KindSingleTask:
		m.finishSingleTask(sess, req, result)
	}

	if err := m.cfg.Store.SaveSession(sess); err != nil {
		log.ErrorErr(log.CatSession, "Failed to persist session outcome", err, "session", sess.ID)
	}
	m.emitUpdated(sess)
}

// finishPlanWorkflow writes the produced plan version and settles status.
func (m *Manager) finishPlanWorkflow(sess *store.Session, result *engine.Result, author string) {
	if result.Cancelled {
		m.settle(sess, store.StatusStopped)
		return
	}
	planText, _ := result.Outputs["plan"].(string)
	if !result.Success || planText == "" {
		m.settle(sess, store.StatusFailed)
		return
	}

	version := len(sess.Plans) + 1
	path, err := m.cfg.Store.WritePlan(sess.ID, version, []byte(planText))
	if err != nil {
		log.ErrorErr(log.CatSession, "Failed to write plan artifact", err, "session", sess.ID)
		m.settle(sess, store.StatusFailed)
		return
	}

	if prev := sess.CurrentPlan(); prev != nil {
		if prevText, err := m.cfg.Store.ReadPlan(prev.Path); err == nil {
			m.cfg.Store.AppendProgress(sess.ID, fmt.Sprintf(
				"plan v%d -> v%d: %s", prev.Version, version, diffSummary(string(prevText), planText)))
		}
	}

	sess.Plans = append(sess.Plans, store.PlanVersion{
		Version:    version,
		Path:       path,
		CreatedAt:  time.Now(),
		AuthorRole: author,
	})
	m.settle(sess, store.StatusReviewing)
}

func (m *Manager) finishExecuteWorkflow(sess *store.Session, result *engine.Result) {
	switch {
	case result.Cancelled:
		m.settle(sess, store.StatusStopped)
	case result.Success:
		m.settle(sess, store.StatusCompleted)
	default:
		m.settle(sess, store.StatusFailed)
	}
}

// finishSingleTask leaves the session executing; a final failure surfaces as
// task.failedFinal so an external UI can prompt the user.
func (m *Manager) finishSingleTask(sess *store.Session, req *DispatchRequest, result *engine.Result) {
	if result.Success {
		return
	}
	errText := ""
	if result.Err != nil {
		errText = result.Err.Error()
	}
	m.cfg.Bus.Publish("task.failedFinal", map[string]any{
		"sessionId":  sess.ID,
		"workflowId": result.WorkflowID,
		"taskId":     req.TaskID,
		"error":      errText,
		"errorCode":  string(loomerr.CodeOf(result.Err)),
		"canRetry":   true,
	})
}

// settle applies a status change, tolerating races with user commands that
// already moved the session elsewhere.
func (m *Manager) settle(sess *store.Session, to store.SessionStatus) {
	if err := transition(sess, to); err != nil {
		log.Warn(log.CatSession, "Skipping settle transition", "session", sess.ID,
			"from", sess.Status, "to", to)
	}
}

func (m *Manager) emitUpdated(sess *store.Session) {
	m.cfg.Bus.Publish("session.updated", map[string]any{
		"sessionId": sess.ID,
		"status":    string(sess.Status),
		"plans":     len(sess.Plans),
	})
}

// loadGraph resolves a workflow kind to its graph: a file under
// <workingDir>/graphs/ overrides the embedded builtin.
func (m *Manager) loadGraph(kind WorkflowKind) (*graph.Graph, error) {
	file := string(kind) + ".yml"
	if kind == KindSingleTask {
		file = "task.yml"
	}

	override := filepath.Join(m.cfg.Store.Dir(), "graphs", file)
	if _, err := os.Stat(override); err == nil {
		g, _, err := m.cfg.Loader.Load(override)
		return g, err
	}

	data, err := builtinGraphs.ReadFile("graphs/" + file)
	if err != nil {
		return nil, fmt.Errorf("no graph for workflow kind %q: %w", kind, err)
	}
	g, _, err := m.cfg.Loader.LoadBytes(data)
	return g, err
}

// diffSummary reports the insert/delete volume between two plan versions.
func diffSummary(old, updated string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(old, updated, false)

	var inserted, deleted int
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			inserted += len(d.Text)
		case diffmatchpatch.DiffDelete:
			deleted += len(d.Text)
		}
	}
	return fmt.Sprintf("+%d/-%d chars", inserted, deleted)
}

// ReadPlan implements engine.SystemActions.
func (m *Manager) ReadPlan(sessionID string) (string, error) {
	return m.PlanText(sessionID, 0)
}

// ReadTasks implements engine.SystemActions. The tasks.json schema is
// produced by workflows and intentionally opaque here.
func (m *Manager) ReadTasks(sessionID string) (string, error) {
	data, err := os.ReadFile(m.cfg.Store.TasksPath(sessionID)) //nolint:gosec // G304: store-internal path
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// ReadBrief implements engine.SystemActions.
func (m *Manager) ReadBrief(sessionID string) (string, error) {
	sess, err := m.cfg.Store.Get(sessionID)
	if err != nil {
		return "", err
	}
	brief := "Requirement: " + sess.Requirement
	for _, doc := range sess.Docs {
		brief += "\nDoc: " + doc
	}
	return brief, nil
}

func anySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
