package engine_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/loom/internal/engine"
	"github.com/zjrosen/loom/internal/graph"
	"github.com/zjrosen/loom/internal/loomerr"
	"github.com/zjrosen/loom/internal/pubsub"
	"github.com/zjrosen/loom/internal/store"
	"github.com/zjrosen/loom/internal/supervisor"
)

// fakePool satisfies engine.AgentPool without a real slot registry.
type fakePool struct {
	mu        sync.Mutex
	requested []string
	released  []string
	busy      []string
	counter   int
}

func (f *fakePool) Request(_ context.Context, roleID, _ string, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counter++
	name := fmt.Sprintf("agent-%d", f.counter)
	f.requested = append(f.requested, roleID)
	return name, nil
}

func (f *fakePool) Release(name string) {
	f.mu.Lock()
	f.released = append(f.released, name)
	f.mu.Unlock()
}

func (f *fakePool) ForceRelease(name string) { f.Release(name) }

func (f *fakePool) MarkBusy(name string) {
	f.mu.Lock()
	f.busy = append(f.busy, name)
	f.mu.Unlock()
}

func (f *fakePool) ReleaseWorkflow(string) {}

// recordSink captures checkpoints for inspection.
type recordSink struct {
	mu    sync.Mutex
	saved []*store.Checkpoint
}

func (r *recordSink) SaveCheckpoint(ck *store.Checkpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *ck
	r.saved = append(r.saved, &cp)
	return nil
}

func (r *recordSink) DeleteCheckpoint(string, string) error { return nil }

func (r *recordSink) last() *store.Checkpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.saved) == 0 {
		return nil
	}
	return r.saved[len(r.saved)-1]
}

type testHarness struct {
	eng    *engine.Engine
	bus    *pubsub.Bus
	loader *graph.Loader
	sink   *recordSink

	mu   sync.Mutex
	logs []string
}

func (h *testHarness) logLines() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.logs...)
}

func newHarness(t *testing.T, mutate func(*engine.Config)) *testHarness {
	t.Helper()

	bus := pubsub.NewBus(pubsub.BusConfig{})
	t.Cleanup(bus.Close)

	loader := graph.NewLoader(graph.NewRegistry())
	h := &testHarness{bus: bus, loader: loader, sink: &recordSink{}}

	cfg := engine.Config{
		Loader:      loader,
		Bus:         bus,
		Pool:        &fakePool{},
		Checkpoints: h.sink,
		Workspace:   t.TempDir(),
		ProgressLog: func(_, line string) {
			h.mu.Lock()
			h.logs = append(h.logs, line)
			h.mu.Unlock()
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	eng, err := engine.New(cfg)
	require.NoError(t, err)
	h.eng = eng
	return h
}

func (h *testHarness) mustLoad(t *testing.T, doc string) *graph.Graph {
	t.Helper()
	g, issues, err := h.loader.LoadBytes([]byte(doc))
	require.NoError(t, err, "issues: %v", issues)
	return g
}

func (h *testHarness) run(t *testing.T, doc string, params map[string]any) *engine.Result {
	t.Helper()
	g := h.mustLoad(t, doc)
	res, err := h.eng.Run(context.Background(), engine.RunSpec{
		Graph:     g,
		SessionID: "sess-test",
		Params:    params,
	})
	require.NoError(t, err)
	require.True(t, res.Success, "workflow failed: %v", res.Err)
	return res
}

const ifElseDoc = `
name: branching
parameters:
  value: {type: number, required: true}
nodes:
  start: {type: start}
  check:
    type: if
    config: {condition: "params.value > 10"}
    inputs:
      - {port: in, from: start.out}
  big:
    type: log
    config: {message: big}
    inputs:
      - {port: in, from: check.true}
  small:
    type: log
    config: {message: small}
    inputs:
      - {port: in, from: check.false}
  end:
    type: end
    inputs:
      - {port: in, from: big.out}
      - {port: in, from: small.out}
`

func TestEngine_IfElseBranching(t *testing.T) {
	t.Run("big", func(t *testing.T) {
		h := newHarness(t, nil)
		h.run(t, ifElseDoc, map[string]any{"value": 42})
		lines := h.logLines()
		require.Contains(t, lines, "big")
		require.NotContains(t, lines, "small")
	})

	t.Run("small", func(t *testing.T) {
		h := newHarness(t, nil)
		h.run(t, ifElseDoc, map[string]any{"value": 3})
		lines := h.logLines()
		require.Contains(t, lines, "small")
		require.NotContains(t, lines, "big")
	})
}

func TestEngine_ForLoopCollectsResults(t *testing.T) {
	h := newHarness(t, nil)

	res := h.run(t, `
name: squares
nodes:
  start: {type: start}
  loop:
    type: for_loop
    config: {items: [1, 2, 3]}
    inputs:
      - {port: in, from: start.out}
  square:
    type: script
    config: {code: "return object('out', item * item)"}
    inputs:
      - {port: in, from: loop.body}
  end:
    type: end
    ports:
      inputs:
        - {id: results, type: array}
    inputs:
      - {port: in, from: loop.done}
      - {port: results, from: loop.results}
`, nil)

	require.Equal(t, []any{float64(1), float64(4), float64(9)}, res.Outputs["results"])
}

func TestEngine_ForLoopCount(t *testing.T) {
	h := newHarness(t, nil)

	res := h.run(t, `
name: counted
nodes:
  start: {type: start}
  loop:
    type: for_loop
    config: {count: 4}
    inputs:
      - {port: in, from: start.out}
  body:
    type: script
    config: {code: "index"}
    inputs:
      - {port: in, from: loop.body}
  end:
    type: end
    ports:
      inputs:
        - {id: n, type: number}
    inputs:
      - {port: in, from: loop.done}
      - {port: n, from: loop.count}
`, nil)

	require.Equal(t, float64(4), res.Outputs["n"])
}

func TestEngine_WhileLoopHardBound(t *testing.T) {
	h := newHarness(t, nil)

	res := h.run(t, `
name: spinner
nodes:
  start: {type: start}
  loop:
    type: while_loop
    config: {condition: "true", maxIterations: 5}
    inputs:
      - {port: in, from: start.out}
  body:
    type: script
    config: {code: "1"}
    inputs:
      - {port: in, from: loop.body}
  end:
    type: end
    ports:
      inputs:
        - {id: iterations, type: number}
    inputs:
      - {port: in, from: loop.done}
      - {port: iterations, from: loop.iterations}
`, nil)

	require.Equal(t, float64(5), res.Outputs["iterations"])
}

func TestEngine_ParallelSyncAll(t *testing.T) {
	h := newHarness(t, nil)

	h.run(t, `
name: fanout
nodes:
  start: {type: start}
  fork:
    type: parallel
    ports:
      outputs:
        - {id: left, type: trigger}
        - {id: right, type: trigger}
    inputs:
      - {port: in, from: start.out}
  a:
    type: log
    config: {message: branch-a}
    inputs:
      - {port: in, from: fork.left}
  b:
    type: log
    config: {message: branch-b}
    inputs:
      - {port: in, from: fork.right}
  join:
    type: sync
    config: {mode: ALL}
    ports:
      inputs:
        - {id: a, type: trigger}
        - {id: b, type: trigger}
    inputs:
      - {port: a, from: a.out}
      - {port: b, from: b.out}
  after:
    type: log
    config: {message: joined}
    inputs:
      - {port: in, from: join.out}
  end:
    type: end
    inputs:
      - {port: in, from: after.out}
`, nil)

	lines := h.logLines()
	require.Len(t, lines, 3)
	require.Equal(t, "joined", lines[2], "downstream of sync(ALL) runs only after every branch")
	require.ElementsMatch(t, []string{"branch-a", "branch-b"}, lines[:2])
}

func TestEngine_SkipPolicyMasksError(t *testing.T) {
	h := newHarness(t, nil)

	res := h.run(t, `
name: skipping
nodes:
  start: {type: start}
  flaky:
    type: script
    config: {code: "1 / 0"}
    onError:
      kind: skip
      default: {result: fallback}
    inputs:
      - {port: in, from: start.out}
  end:
    type: end
    ports:
      inputs:
        - {id: got, type: any}
    inputs:
      - {port: in, from: flaky.out}
      - {port: got, from: flaky.result}
`, nil)

	require.Equal(t, "fallback", res.Outputs["got"])
}

func TestEngine_RetryExhausted(t *testing.T) {
	h := newHarness(t, nil)

	g := h.mustLoad(t, `
name: doomed
nodes:
  start: {type: start}
  flaky:
    type: script
    config: {code: "1 / 0"}
    onError: {kind: retry, maxRetries: 2, delayMs: 10}
    inputs:
      - {port: in, from: start.out}
  end:
    type: end
    inputs:
      - {port: in, from: flaky.out}
`)

	res, err := h.eng.Run(context.Background(), engine.RunSpec{Graph: g})
	require.Error(t, err)
	require.False(t, res.Success)
	require.Equal(t, loomerr.CodeRetryExhausted, loomerr.CodeOf(res.Err))
}

func TestEngine_GotoPolicy(t *testing.T) {
	h := newHarness(t, nil)

	res := h.run(t, `
name: detour
nodes:
  start: {type: start}
  flaky:
    type: script
    config: {code: "1 / 0"}
    onError: {kind: goto, target: recover}
    inputs:
      - {port: in, from: start.out}
  recover:
    type: log
    config: {message: recovered}
  end:
    type: end
    inputs:
      - {port: in, from: recover.out}
`, nil)

	require.True(t, res.Success)
	require.Contains(t, h.logLines(), "recovered")
}

func TestEngine_NodeTimeoutFeedsPolicy(t *testing.T) {
	h := newHarness(t, nil)

	g := h.mustLoad(t, `
name: slowpoke
nodes:
  start: {type: start}
  nap:
    type: delay
    config: {ms: 60000}
    timeoutMs: 50
    inputs:
      - {port: in, from: start.out}
  end:
    type: end
    inputs:
      - {port: in, from: nap.out}
`)

	res, err := h.eng.Run(context.Background(), engine.RunSpec{Graph: g})
	require.Error(t, err)
	require.False(t, res.Success)
	require.Equal(t, loomerr.CodeWorkflowTimeout, loomerr.CodeOf(res.Err))
}

func TestEngine_VariableNodes(t *testing.T) {
	h := newHarness(t, nil)

	res := h.run(t, `
name: vars
variables:
  greeting: {type: string, default: hi}
nodes:
  start: {type: start}
  set:
    type: variable_set
    config: {name: greeting, expression: "'hello' + ' ' + 'there'"}
    inputs:
      - {port: in, from: start.out}
  get:
    type: variable_get
    config: {name: greeting}
    inputs:
      - {port: in, from: set.out}
  end:
    type: end
    ports:
      inputs:
        - {id: value, type: any}
    inputs:
      - {port: in, from: get.out}
      - {port: value, from: get.value}
`, nil)

	require.Equal(t, "hello there", res.Outputs["value"])
}

func TestEngine_Cancellation(t *testing.T) {
	h := newHarness(t, nil)

	g := h.mustLoad(t, `
name: longhaul
nodes:
  start: {type: start}
  nap:
    type: delay
    config: {ms: 60000}
    inputs:
      - {port: in, from: start.out}
  end:
    type: end
    inputs:
      - {port: in, from: nap.out}
`)

	done := make(chan *engine.Result, 1)
	go func() {
		res, _ := h.eng.Run(context.Background(), engine.RunSpec{Graph: g, WorkflowID: "wf-cancel"})
		done <- res
	}()

	require.Eventually(t, func() bool {
		return h.eng.Live("wf-cancel")
	}, time.Second, 5*time.Millisecond)

	h.eng.Cancel("wf-cancel")
	h.eng.Cancel("wf-cancel") // idempotent

	select {
	case res := <-done:
		require.True(t, res.Cancelled)
		require.Equal(t, loomerr.CodeWorkflowCancelled, loomerr.CodeOf(res.Err))
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not interrupt the workflow")
	}
}

func TestEngine_PauseResumeNoop(t *testing.T) {
	h := newHarness(t, nil)

	g := h.mustLoad(t, `
name: pausable
nodes:
  start: {type: start}
  one:
    type: script
    config: {code: "1 + 1"}
    inputs:
      - {port: in, from: start.out}
  two:
    type: script
    config: {code: "nodes.one.result * 10"}
    inputs:
      - {port: in, from: one.out}
  end:
    type: end
    ports:
      inputs:
        - {id: value, type: any}
    inputs:
      - {port: in, from: two.out}
      - {port: value, from: two.result}
`)

	done := make(chan *engine.Result, 1)
	go func() {
		res, _ := h.eng.Run(context.Background(), engine.RunSpec{Graph: g, WorkflowID: "wf-pause"})
		done <- res
	}()

	h.eng.Pause("wf-pause")
	time.Sleep(50 * time.Millisecond)
	h.eng.Resume("wf-pause")

	select {
	case res := <-done:
		// pause/resume changes wall-clock only, never outputs.
		require.True(t, res.Success)
		require.Equal(t, float64(20), res.Outputs["value"])
	case <-time.After(5 * time.Second):
		t.Fatal("paused workflow never resumed")
	}
}

const checkpointDoc = `
name: checkpointed
nodes:
  start: {type: start}
  a:
    type: log
    config: {message: ran-a}
    inputs:
      - {port: in, from: start.out}
  b:
    type: variable_set
    checkpoint: true
    config: {name: marker, value: from-b}
    inputs:
      - {port: in, from: a.out}
  c:
    type: variable_get
    config: {name: marker}
    inputs:
      - {port: in, from: b.out}
  end:
    type: end
    ports:
      inputs:
        - {id: marker, type: any}
    inputs:
      - {port: in, from: c.out}
      - {port: marker, from: c.value}
`

func TestEngine_CheckpointRestart(t *testing.T) {
	// Baseline run captures the checkpoint written after B.
	h1 := newHarness(t, nil)
	baseline := h1.run(t, checkpointDoc, nil)
	require.Equal(t, "from-b", baseline.Outputs["marker"])

	ck := h1.sink.last()
	require.NotNil(t, ck, "checkpoint-flagged node must persist a checkpoint")
	require.Contains(t, ck.Completed, "a")
	require.Contains(t, ck.Completed, "b")
	require.NotContains(t, ck.Completed, "c")
	require.Equal(t, "from-b", ck.Vars["marker"])

	// A fresh daemon resumes from the checkpoint: a and b do not
	// re-execute, c runs, outputs match the baseline.
	h2 := newHarness(t, nil)
	g := h2.mustLoad(t, checkpointDoc)
	res, err := h2.eng.Run(context.Background(), engine.RunSpec{
		Graph:      g,
		SessionID:  "sess-test",
		Checkpoint: ck,
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, baseline.Outputs["marker"], res.Outputs["marker"])
	require.NotContains(t, h2.logLines(), "ran-a", "completed nodes must not re-execute")
}

func TestEngine_SubgraphRuns(t *testing.T) {
	h := newHarness(t, nil)

	childPath := writeGraphFile(t, `
name: child
parameters:
  n: {type: number, required: true}
nodes:
  start: {type: start}
  double:
    type: script
    config: {code: "params.n * 2"}
    inputs:
      - {port: in, from: start.out}
  end:
    type: end
    ports:
      inputs:
        - {id: doubled, type: number}
    inputs:
      - {port: in, from: double.out}
      - {port: doubled, from: double.result}
`)

	res := h.run(t, fmt.Sprintf(`
name: parent
nodes:
  start: {type: start}
  feed:
    type: script
    config: {code: "21"}
    inputs:
      - {port: in, from: start.out}
  sub:
    type: subgraph
    config: {path: %q}
    ports:
      inputs:
        - {id: n, type: number}
      outputs:
        - {id: doubled, type: number}
    inputs:
      - {port: in, from: feed.out}
      - {port: n, from: feed.result}
  end:
    type: end
    ports:
      inputs:
        - {id: value, type: number}
    inputs:
      - {port: in, from: sub.out}
      - {port: value, from: sub.doubled}
`, childPath), nil)

	require.Equal(t, float64(42), res.Outputs["value"])
}

func TestEngine_SubgraphDepthBound(t *testing.T) {
	h := newHarness(t, func(cfg *engine.Config) {
		cfg.MaxSubgraphDepth = 2
	})

	// A self-referencing subgraph exceeds any finite depth bound.
	path := writeGraphFileNamed(t, "recursive.yml", `
name: recursive
nodes:
  start: {type: start}
  again:
    type: subgraph
    config: {path: SELF}
    inputs:
      - {port: in, from: start.out}
  end:
    type: end
    inputs:
      - {port: in, from: again.out}
`)

	res, err := h.eng.Run(context.Background(), engine.RunSpec{GraphPath: path})
	require.Error(t, err)
	require.False(t, res == nil || res.Success)
	require.Equal(t, loomerr.CodeSubgraphTooDeep, loomerr.CodeOf(res.Err))
}

func TestEngine_DebugMocksSkipCheckpoints(t *testing.T) {
	h := newHarness(t, nil)

	g := h.mustLoad(t, checkpointDoc)
	res, err := h.eng.Run(context.Background(), engine.RunSpec{
		Graph: g,
		Debug: &engine.DebugOptions{
			Mocks: map[string]map[string]any{
				"c": {"value": "mocked"},
			},
		},
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "mocked", res.Outputs["marker"])
	require.Nil(t, h1Sink(h), "debug runs never persist checkpoints")
}

func h1Sink(h *testHarness) *store.Checkpoint { return h.sink.last() }

func TestEngine_AgentNodes(t *testing.T) {
	pool := &fakePool{}
	h := newHarness(t, func(cfg *engine.Config) {
		cfg.Pool = pool
	})

	res := h.run(t, `
name: benchwork
nodes:
  start: {type: start}
  hire:
    type: agent_request
    config: {role: engineer, seat: 1}
    inputs:
      - {port: in, from: start.out}
  fire:
    type: agent_release
    config: {seat: 1}
    inputs:
      - {port: in, from: hire.out}
  end:
    type: end
    ports:
      inputs:
        - {id: agent, type: agent}
    inputs:
      - {port: in, from: fire.out}
      - {port: agent, from: hire.agent}
`, nil)

	require.Equal(t, "agent-1", res.Outputs["agent"])
	require.Equal(t, []string{"engineer"}, pool.requested)
	require.Equal(t, []string{"agent-1"}, pool.released)
}

// TestEngine_CommandNodeStuckRecovery is the stuck-process scenario: a
// silent sleeper trips the stuck detector, the retry policy fires once with
// the same outcome, and the workflow fails with retry exhaustion.
func TestEngine_CommandNodeStuckRecovery(t *testing.T) {
	bus := pubsub.NewBus(pubsub.BusConfig{})
	t.Cleanup(bus.Close)

	sup := supervisor.New(supervisor.Config{
		Bus:               bus,
		StuckThreshold:    500 * time.Millisecond,
		HeartbeatInterval: 100 * time.Millisecond,
		GracePeriod:       100 * time.Millisecond,
	})
	t.Cleanup(sup.Close)

	h := newHarness(t, func(cfg *engine.Config) {
		cfg.Bus = bus
		cfg.Procs = sup
	})

	g := h.mustLoad(t, `
name: stuckling
nodes:
  start: {type: start}
  hang:
    type: command
    config: {command: "sleep 600"}
    onError: {kind: retry, maxRetries: 1, delayMs: 50}
    inputs:
      - {port: in, from: start.out}
  end:
    type: end
    inputs:
      - {port: in, from: hang.out}
`)

	res, err := h.eng.Run(context.Background(), engine.RunSpec{Graph: g})
	require.Error(t, err)
	require.False(t, res.Success)
	require.Equal(t, loomerr.CodeRetryExhausted, loomerr.CodeOf(res.Err))
}

func writeGraphFile(t *testing.T, doc string) string {
	t.Helper()
	return writeGraphFileNamed(t, "child.yml", doc)
}

func writeGraphFileNamed(t *testing.T, name, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	content := strings.ReplaceAll(doc, "SELF", path)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}
