// Package coordinator bridges completion events to next-step workflow
// dispatches. It debounces bursts of events, evaluates pending sessions,
// dispatches at most one workflow per session per cycle, then cools down
// before returning to idle.
package coordinator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/zjrosen/loom/internal/log"
	"github.com/zjrosen/loom/internal/pubsub"
	"github.com/zjrosen/loom/internal/session"
)

// State is the coordinator's scheduling state.
type State string

const (
	StateIdle       State = "idle"
	StateQueuing    State = "queuing"
	StateEvaluating State = "evaluating"
	StateCooldown   State = "cooldown"
)

// busOwner tokens this package's bus subscriptions.
const busOwner = "coordinator"

// wakeTopics are the events that can make a next-step dispatch eligible.
var wakeTopics = []string{
	"session.dispatchPending",
	"session.updated",
	"session.recovered",
	"workflow.completed",
	"task.failedFinal",
	"pool.changed",
}

// Planner supplies dispatch decisions; the session manager implements it.
type Planner interface {
	PendingSessions() []string
	Evaluate(sessionID string) *session.DispatchRequest
	StartWorkflow(req *session.DispatchRequest) error
}

// Config configures the coordinator.
type Config struct {
	Planner  Planner
	Bus      *pubsub.Bus
	Debounce time.Duration
	Cooldown time.Duration
}

// Coordinator is the event-driven dispatcher.
type Coordinator struct {
	planner  Planner
	bus      *pubsub.Bus
	debounce time.Duration
	cooldown time.Duration

	state  atomic.Value // State
	wake   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a coordinator. Call Start to begin scheduling.
func New(cfg Config) *Coordinator {
	if cfg.Debounce <= 0 {
		cfg.Debounce = time.Second
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}

	c := &Coordinator{
		planner:  cfg.Planner,
		bus:      cfg.Bus,
		debounce: cfg.Debounce,
		cooldown: cfg.Cooldown,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	c.state.Store(StateIdle)
	return c
}

// State returns the current scheduling state.
func (c *Coordinator) State() State {
	return c.state.Load().(State)
}

// Start subscribes to wake topics and runs the scheduling loop.
func (c *Coordinator) Start() {
	for _, topic := range wakeTopics {
		c.bus.Subscribe(busOwner, topic, func(pubsub.BusEvent) { c.Poke() })
	}

	c.wg.Add(1)
	go c.loop()
}

// Poke signals that dispatch-relevant state changed. Safe from any
// goroutine; coalesces.
func (c *Coordinator) Poke() {
	if c.closed.Load() {
		return
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Stop unsubscribes and halts the loop.
func (c *Coordinator) Stop() {
	if c.closed.Swap(true) {
		return
	}
	c.bus.Unsubscribe(busOwner)
	close(c.done)
	c.wg.Wait()
}

// loop implements idle → queuing → evaluating → cooldown. Evaluations are
// serialized: one at a time per daemon.
func (c *Coordinator) loop() {
	defer c.wg.Done()

	for {
		c.setState(StateIdle)
		select {
		case <-c.done:
			return
		case <-c.wake:
		}

		// Debounce window: events arriving now coalesce into this cycle.
		c.setState(StateQueuing)
		timer := time.NewTimer(c.debounce)
		select {
		case <-c.done:
			timer.Stop()
			return
		case <-timer.C:
		}

		c.setState(StateEvaluating)
		c.evaluate()

		if c.cooldown > 0 {
			c.setState(StateCooldown)
			timer = time.NewTimer(c.cooldown)
			select {
			case <-c.done:
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

// evaluate inspects pending sessions and dispatches the highest-priority
// eligible workflow per session. Sessions left undispatched stay queued for
// the next cycle.
func (c *Coordinator) evaluate() {
	for _, sessionID := range c.planner.PendingSessions() {
		req := c.planner.Evaluate(sessionID)
		if req == nil {
			continue
		}
		log.Debug(log.CatCoord, "Dispatching workflow", "session", sessionID, "kind", req.Kind, "priority", req.Priority)
		if err := c.planner.StartWorkflow(req); err != nil {
			log.ErrorErr(log.CatCoord, "Dispatch failed", err, "session", sessionID, "kind", req.Kind)
		}
	}
}

func (c *Coordinator) setState(s State) {
	prev := c.state.Swap(s)
	if prev == s {
		return
	}
	if c.bus != nil {
		c.bus.PublishFrom(busOwner, "coordinator.state", map[string]any{"state": string(s)})
	}
}
