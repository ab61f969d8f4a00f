package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/loom/internal/engine"
	"github.com/zjrosen/loom/internal/graph"
	"github.com/zjrosen/loom/internal/loomerr"
	"github.com/zjrosen/loom/internal/pubsub"
	"github.com/zjrosen/loom/internal/store"
)

// fakeRunner returns canned results instead of executing graphs.
type fakeRunner struct {
	mu      sync.Mutex
	results map[string]*engine.Result // keyed by workflow kind
	specs   []engine.RunSpec
	delay   time.Duration
}

func (f *fakeRunner) Run(_ context.Context, spec engine.RunSpec) (*engine.Result, error) {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	res := f.results[spec.Kind]
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if res == nil {
		res = &engine.Result{Success: true, Outputs: map[string]any{}}
	}
	out := *res
	out.WorkflowID = spec.WorkflowID
	out.StartedAt = time.Now()
	out.EndedAt = time.Now()
	if out.Err != nil {
		return &out, out.Err
	}
	return &out, nil
}

func (f *fakeRunner) specKinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]string, len(f.specs))
	for i, s := range f.specs {
		kinds[i] = s.Kind
	}
	return kinds
}

// fakeControl tracks workflow control calls.
type fakeControl struct {
	mu        sync.Mutex
	cancelled []string
}

func (f *fakeControl) Cancel(id string) {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, id)
	f.mu.Unlock()
}
func (f *fakeControl) Pause(string)      {}
func (f *fakeControl) Resume(string)     {}
func (f *fakeControl) Live(string) bool  { return false }

type managerHarness struct {
	mgr    *Manager
	store  *store.Store
	runner *fakeRunner
	bus    *pubsub.Bus
}

func newManagerHarness(t *testing.T) *managerHarness {
	t.Helper()

	st, err := store.Open(t.TempDir(), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := pubsub.NewBus(pubsub.BusConfig{})
	t.Cleanup(bus.Close)

	// A throwaway engine registers the builtin node library so the
	// embedded graph documents parse.
	loader := graph.NewLoader(graph.NewRegistry())
	_, err = engine.New(engine.Config{Loader: loader, Bus: bus})
	require.NoError(t, err)

	runner := &fakeRunner{results: map[string]*engine.Result{}}
	mgr, err := NewManager(Config{
		Store:   st,
		Runner:  runner,
		Control: &fakeControl{},
		Bus:     bus,
		Loader:  loader,
	})
	require.NoError(t, err)
	t.Cleanup(mgr.Close)

	return &managerHarness{mgr: mgr, store: st, runner: runner, bus: bus}
}

// dispatchNext drains one pending dispatch the way the coordinator would.
func (h *managerHarness) dispatchNext(t *testing.T, sessionID string) {
	t.Helper()
	req := h.mgr.Evaluate(sessionID)
	require.NotNil(t, req, "expected a pending dispatch for %s", sessionID)
	require.NoError(t, h.mgr.StartWorkflow(req))
}

func (h *managerHarness) waitStatus(t *testing.T, id string, want store.SessionStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		sess, err := h.mgr.Get(id)
		return err == nil && sess.Status == want && sess.LiveWorkflowID == ""
	}, 5*time.Second, 10*time.Millisecond, "session %s never reached %s", id, want)
}

func TestManager_CreateSessionProducesPlanV1(t *testing.T) {
	h := newManagerHarness(t)
	h.runner.results[string(KindPlanning)] = &engine.Result{
		Success: true,
		Outputs: map[string]any{"plan": "# Plan v1"},
	}

	id, err := h.mgr.CreateSession("add combo system", nil)
	require.NoError(t, err)

	sess, err := h.mgr.Get(id)
	require.NoError(t, err)
	require.Equal(t, store.StatusPlanning, sess.Status)

	h.dispatchNext(t, id)
	h.waitStatus(t, id, store.StatusReviewing)

	sess, err = h.mgr.Get(id)
	require.NoError(t, err)
	require.Len(t, sess.Plans, 1)
	require.Equal(t, 1, sess.Plans[0].Version)

	text, err := h.mgr.PlanText(id, 0)
	require.NoError(t, err)
	require.Equal(t, "# Plan v1", text)
}

func TestManager_RevisionCycle(t *testing.T) {
	h := newManagerHarness(t)
	h.runner.results[string(KindPlanning)] = &engine.Result{
		Success: true, Outputs: map[string]any{"plan": "# Plan v1"},
	}
	h.runner.results[string(KindRevision)] = &engine.Result{
		Success: true, Outputs: map[string]any{"plan": "# Plan v2 (4-chain only)"},
	}

	id, err := h.mgr.CreateSession("add combo system", nil)
	require.NoError(t, err)
	h.dispatchNext(t, id)
	h.waitStatus(t, id, store.StatusReviewing)

	// reviewing -> revising -> reviewing with history length 2.
	require.NoError(t, h.mgr.Revise(id, "limit to 4-chain matches"))
	sess, err := h.mgr.Get(id)
	require.NoError(t, err)
	require.Equal(t, store.StatusRevising, sess.Status)

	h.dispatchNext(t, id)
	h.waitStatus(t, id, store.StatusReviewing)

	sess, err = h.mgr.Get(id)
	require.NoError(t, err)
	require.Len(t, sess.Plans, 2)

	v1, err := h.mgr.PlanText(id, 1)
	require.NoError(t, err)
	require.Equal(t, "# Plan v1", v1)
	v2, err := h.mgr.PlanText(id, 2)
	require.NoError(t, err)
	require.Contains(t, v2, "4-chain")

	// The planning workflow ran first, then the revision workflow.
	specs := h.runner.specKinds()
	require.Equal(t, []string{"planning", "revision"}, specs)
}

func TestManager_ApproveAutoStartExecutes(t *testing.T) {
	h := newManagerHarness(t)
	h.runner.results[string(KindPlanning)] = &engine.Result{
		Success: true, Outputs: map[string]any{"plan": "# Plan"},
	}
	h.runner.results[string(KindExecute)] = &engine.Result{
		Success: true, Outputs: map[string]any{"summary": "done"},
	}

	id, err := h.mgr.CreateSession("requirement", nil)
	require.NoError(t, err)
	h.dispatchNext(t, id)
	h.waitStatus(t, id, store.StatusReviewing)

	require.NoError(t, h.mgr.Approve(id, true))
	sess, err := h.mgr.Get(id)
	require.NoError(t, err)
	require.Equal(t, store.StatusApproved, sess.Status)

	h.dispatchNext(t, id)
	h.waitStatus(t, id, store.StatusCompleted)
}

func TestManager_ExecuteFailureFailsSession(t *testing.T) {
	h := newManagerHarness(t)
	h.runner.results[string(KindPlanning)] = &engine.Result{
		Success: true, Outputs: map[string]any{"plan": "# Plan"},
	}
	h.runner.results[string(KindExecute)] = &engine.Result{
		Success: false,
		Err:     loomerr.New(loomerr.CodeWorkflowFailed, "boom"),
		Outputs: map[string]any{},
	}

	id, err := h.mgr.CreateSession("requirement", nil)
	require.NoError(t, err)
	h.dispatchNext(t, id)
	h.waitStatus(t, id, store.StatusReviewing)

	require.NoError(t, h.mgr.Approve(id, true))
	h.dispatchNext(t, id)
	h.waitStatus(t, id, store.StatusFailed)
}

func TestManager_BadTransitionsRejected(t *testing.T) {
	h := newManagerHarness(t)

	id, err := h.mgr.CreateSession("requirement", nil)
	require.NoError(t, err)

	// planning -> approved is not an arrow.
	err = h.mgr.Approve(id, false)
	require.Error(t, err)
	require.Equal(t, loomerr.CodeBadTransition, loomerr.CodeOf(err))

	// Reopen requires completed.
	err = h.mgr.Reopen(id)
	require.Error(t, err)
	require.Equal(t, loomerr.CodeBadTransition, loomerr.CodeOf(err))

	// Revise requires a reviewable status.
	err = h.mgr.Revise(id, "feedback")
	require.Error(t, err)
}

func TestManager_StartRunsApprovedSessionToCompletion(t *testing.T) {
	h := newManagerHarness(t)
	h.runner.results[string(KindPlanning)] = &engine.Result{
		Success: true, Outputs: map[string]any{"plan": "# Plan"},
	}
	h.runner.results[string(KindExecute)] = &engine.Result{
		Success: true, Outputs: map[string]any{},
	}
	h.runner.results[string(KindSingleTask)] = &engine.Result{
		Success: false,
		Err:     loomerr.New(loomerr.CodeRetryExhausted, "task died"),
	}

	failed := make(chan pubsub.BusEvent, 1)
	h.bus.Subscribe("test", "task.failedFinal", func(ev pubsub.BusEvent) { failed <- ev })

	id, err := h.mgr.CreateSession("requirement", nil)
	require.NoError(t, err)
	h.dispatchNext(t, id)
	h.waitStatus(t, id, store.StatusReviewing)
	require.NoError(t, h.mgr.Approve(id, false))

	// Start dispatches the execute workflow for the approved session.
	require.NoError(t, h.mgr.Start(id))
	h.dispatchNext(t, id)
	h.waitStatus(t, id, store.StatusCompleted)

	// The execute workflow succeeded, so the session is completed.
	sess, err := h.mgr.Get(id)
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, sess.Status)
}

func TestManager_RetryTaskKeepsSessionExecuting(t *testing.T) {
	h := newManagerHarness(t)
	h.runner.results[string(KindPlanning)] = &engine.Result{
		Success: true, Outputs: map[string]any{"plan": "# Plan"},
	}
	// The single-task workflow fails with its retries exhausted.
	h.runner.results[string(KindSingleTask)] = &engine.Result{
		Success: false,
		Err:     loomerr.New(loomerr.CodeRetryExhausted, "task died"),
	}

	failed := make(chan pubsub.BusEvent, 1)
	h.bus.Subscribe("test", "task.failedFinal", func(ev pubsub.BusEvent) { failed <- ev })

	id, err := h.mgr.CreateSession("requirement", nil)
	require.NoError(t, err)
	h.dispatchNext(t, id)
	h.waitStatus(t, id, store.StatusReviewing)
	require.NoError(t, h.mgr.Approve(id, false))

	// Force the session into executing without an execute workflow so the
	// single-task dispatch is exercised in isolation.
	sess, err := h.store.Get(id)
	require.NoError(t, err)
	sess.Status = store.StatusExecuting
	require.NoError(t, h.store.SaveSession(sess))

	require.NoError(t, h.mgr.RetryTask(id, "task-3"))
	h.dispatchNext(t, id)

	select {
	case ev := <-failed:
		require.Equal(t, "task-3", ev.Payload["taskId"])
		require.Equal(t, true, ev.Payload["canRetry"])
	case <-time.After(5 * time.Second):
		t.Fatal("no task.failedFinal event")
	}

	h.waitStatus(t, id, store.StatusExecuting)
}

func TestManager_StopCancelsLiveWorkflow(t *testing.T) {
	h := newManagerHarness(t)
	h.runner.delay = 200 * time.Millisecond
	h.runner.results[string(KindPlanning)] = &engine.Result{
		Success: false,
		Cancelled: true,
		Err:     loomerr.New(loomerr.CodeWorkflowCancelled, "cancelled"),
	}

	id, err := h.mgr.CreateSession("requirement", nil)
	require.NoError(t, err)
	h.dispatchNext(t, id)

	require.NoError(t, h.mgr.Stop(id))
	sess, err := h.mgr.Get(id)
	require.NoError(t, err)
	require.Equal(t, store.StatusStopped, sess.Status)
}

func TestManager_ReopenCompletedSession(t *testing.T) {
	h := newManagerHarness(t)
	h.runner.results[string(KindPlanning)] = &engine.Result{
		Success: true, Outputs: map[string]any{"plan": "# Plan"},
	}
	h.runner.results[string(KindExecute)] = &engine.Result{Success: true}

	id, err := h.mgr.CreateSession("requirement", nil)
	require.NoError(t, err)
	h.dispatchNext(t, id)
	h.waitStatus(t, id, store.StatusReviewing)
	require.NoError(t, h.mgr.Approve(id, true))
	h.dispatchNext(t, id)
	h.waitStatus(t, id, store.StatusCompleted)

	require.NoError(t, h.mgr.Reopen(id))
	sess, err := h.mgr.Get(id)
	require.NoError(t, err)
	require.Equal(t, store.StatusReviewing, sess.Status)
}

func TestManager_RecoverAll(t *testing.T) {
	h := newManagerHarness(t)

	// A session that died mid-execution with a checkpoint.
	executing := &store.Session{
		ID:               "sess-exec",
		Requirement:      "keep going",
		Status:           store.StatusExecuting,
		LiveWorkflowID:   "wf-dead",
		LiveWorkflowKind: string(KindExecute),
		Plans:            []store.PlanVersion{{Version: 1, Path: "plan-v1.md"}},
	}
	require.NoError(t, h.store.SaveSession(executing))
	require.NoError(t, h.store.SaveCheckpoint(&store.Checkpoint{
		WorkflowID: "wf-dead",
		SessionID:  "sess-exec",
		Graph:      "execute",
		Completed:  []string{"start"},
		Vars:       map[string]any{},
	}))

	// A session that died while revising settles back to reviewing.
	revising := &store.Session{
		ID:     "sess-rev",
		Status: store.StatusRevising,
		Plans:  []store.PlanVersion{{Version: 1, Path: "plan-v1.md"}},
	}
	require.NoError(t, h.store.SaveSession(revising))

	// A completed session is untouched.
	done := &store.Session{ID: "sess-done", Status: store.StatusCompleted}
	require.NoError(t, h.store.SaveSession(done))

	recovered := make(chan pubsub.BusEvent, 4)
	h.bus.Subscribe("test", "session.recovered", func(ev pubsub.BusEvent) { recovered <- ev })

	h.mgr.RecoverAll()

	sess, err := h.mgr.Get("sess-rev")
	require.NoError(t, err)
	require.Equal(t, store.StatusReviewing, sess.Status)

	// The executing session has a queued resumption carrying its checkpoint.
	req := h.mgr.Evaluate("sess-exec")
	require.NotNil(t, req)
	require.Equal(t, KindExecute, req.Kind)
	require.NotNil(t, req.Checkpoint)
	require.Equal(t, "wf-dead", req.Checkpoint.WorkflowID)

	count := 0
	timeout := time.After(time.Second)
	for count < 2 {
		select {
		case <-recovered:
			count++
		case <-timeout:
			t.Fatalf("expected 2 session.recovered events, got %d", count)
		}
	}
}

func TestManager_DeleteGuardsLiveWorkflow(t *testing.T) {
	h := newManagerHarness(t)

	sess := &store.Session{ID: "sess-live", Status: store.StatusExecuting, LiveWorkflowID: "wf-1"}
	require.NoError(t, h.store.SaveSession(sess))

	require.Error(t, h.mgr.Delete("sess-live"))
}
