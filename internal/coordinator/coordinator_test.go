package coordinator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/loom/internal/pubsub"
	"github.com/zjrosen/loom/internal/session"
)

// fakePlanner counts evaluation cycles and hands out queued requests.
type fakePlanner struct {
	mu        sync.Mutex
	queue     map[string][]*session.DispatchRequest
	started   []*session.DispatchRequest
	evalCount int
}

func newFakePlanner() *fakePlanner {
	return &fakePlanner{queue: map[string][]*session.DispatchRequest{}}
}

func (f *fakePlanner) add(req *session.DispatchRequest) {
	f.mu.Lock()
	f.queue[req.SessionID] = append(f.queue[req.SessionID], req)
	f.mu.Unlock()
}

func (f *fakePlanner) PendingSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id, reqs := range f.queue {
		if len(reqs) > 0 {
			out = append(out, id)
		}
	}
	return out
}

func (f *fakePlanner) Evaluate(sessionID string) *session.DispatchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evalCount++
	reqs := f.queue[sessionID]
	if len(reqs) == 0 {
		return nil
	}
	// Highest priority first.
	best, bestIdx := reqs[0], 0
	for i, r := range reqs {
		if r.Priority > best.Priority {
			best, bestIdx = r, i
		}
	}
	f.queue[sessionID] = append(reqs[:bestIdx], reqs[bestIdx+1:]...)
	return best
}

func (f *fakePlanner) StartWorkflow(req *session.DispatchRequest) error {
	f.mu.Lock()
	f.started = append(f.started, req)
	f.mu.Unlock()
	return nil
}

func (f *fakePlanner) startedKinds() []session.WorkflowKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]session.WorkflowKind, len(f.started))
	for i, r := range f.started {
		out[i] = r.Kind
	}
	return out
}

func newTestCoordinator(t *testing.T, planner Planner, debounce, cooldown time.Duration) (*Coordinator, *pubsub.Bus) {
	t.Helper()
	bus := pubsub.NewBus(pubsub.BusConfig{})
	t.Cleanup(bus.Close)

	c := New(Config{Planner: planner, Bus: bus, Debounce: debounce, Cooldown: cooldown})
	c.Start()
	t.Cleanup(c.Stop)
	return c, bus
}

func TestCoordinator_DispatchesOnEvent(t *testing.T) {
	planner := newFakePlanner()
	planner.add(&session.DispatchRequest{
		SessionID: "sess-1",
		Kind:      session.KindPlanning,
		Priority:  session.PriorityUserCommand,
	})

	_, bus := newTestCoordinator(t, planner, 20*time.Millisecond, 10*time.Millisecond)
	bus.Publish("session.dispatchPending", map[string]any{"sessionId": "sess-1"})

	require.Eventually(t, func() bool {
		return len(planner.startedKinds()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, session.KindPlanning, planner.startedKinds()[0])
}

func TestCoordinator_DebounceCoalescesBursts(t *testing.T) {
	planner := newFakePlanner()
	_, bus := newTestCoordinator(t, planner, 100*time.Millisecond, 50*time.Millisecond)

	// A burst of events within one debounce window yields one evaluation
	// pass.
	for i := 0; i < 20; i++ {
		bus.Publish("session.updated", nil)
	}

	time.Sleep(300 * time.Millisecond)
	planner.mu.Lock()
	evals := planner.evalCount
	planner.mu.Unlock()
	require.LessOrEqual(t, evals, 1, "burst must coalesce into at most one evaluation")
}

func TestCoordinator_AtMostOneDispatchPerSessionPerCycle(t *testing.T) {
	planner := newFakePlanner()
	planner.add(&session.DispatchRequest{
		SessionID: "sess-1", Kind: session.KindRevision, Priority: session.PriorityUserCommand,
	})
	planner.add(&session.DispatchRequest{
		SessionID: "sess-1", Kind: session.KindExecute, Priority: session.PriorityNaturalNext,
	})

	c, bus := newTestCoordinator(t, planner, 20*time.Millisecond, 300*time.Millisecond)
	bus.Publish("session.dispatchPending", nil)

	require.Eventually(t, func() bool {
		return len(planner.startedKinds()) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	// Within the first cycle only the higher-priority request starts; the
	// second stays queued until the next cycle.
	require.Equal(t, []session.WorkflowKind{session.KindRevision}, planner.startedKinds())

	// The queued request goes out on a later cycle.
	c.Poke()
	require.Eventually(t, func() bool {
		return len(planner.startedKinds()) == 2
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, session.KindExecute, planner.startedKinds()[1])
}

func TestCoordinator_StateTransitions(t *testing.T) {
	planner := newFakePlanner()
	c, bus := newTestCoordinator(t, planner, 50*time.Millisecond, 50*time.Millisecond)

	require.Equal(t, StateIdle, c.State())

	states := make(chan string, 16)
	bus.Subscribe("test", "coordinator.state", func(ev pubsub.BusEvent) {
		states <- ev.Payload["state"].(string)
	})

	bus.Publish("workflow.completed", nil)

	seen := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for len(seen) < 3 {
		select {
		case s := <-states:
			seen[s] = true
		case <-deadline:
			t.Fatalf("missing states, saw %v", seen)
		}
	}
	require.True(t, seen[string(StateQueuing)])
	require.True(t, seen[string(StateEvaluating)])
	require.True(t, seen[string(StateCooldown)] || seen[string(StateIdle)])
}
