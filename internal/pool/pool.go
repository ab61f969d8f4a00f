// Package pool manages the fixed-size set of named agent slots and brokers
// allocation to workflows. Slot state is owned exclusively by the pool;
// other components observe it through Status and pool.changed events.
package pool

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zjrosen/loom/internal/log"
	"github.com/zjrosen/loom/internal/loomerr"
	"github.com/zjrosen/loom/internal/pubsub"
	"github.com/zjrosen/loom/internal/store"
)

// SlotState is the lifecycle state of one slot.
type SlotState string

const (
	SlotAvailable SlotState = "available"
	SlotAllocated SlotState = "allocated"
	SlotBusy      SlotState = "busy"
	SlotResting   SlotState = "resting"
	SlotRetired   SlotState = "retired"
)

// DefaultSize is the pool size when none is configured.
const DefaultSize = 5

// RolePolicy decides which roles a slot may serve. The default policy
// permits any role on any slot.
type RolePolicy interface {
	// Allows reports whether the slot may serve the role.
	Allows(slotName, roleID string) bool
	// KnownRole reports whether the role id is recognized at all.
	KnownRole(roleID string) bool
}

// AnyRolePolicy permits every non-empty role on every slot.
type AnyRolePolicy struct{}

// Allows implements RolePolicy.
func (AnyRolePolicy) Allows(string, string) bool { return true }

// KnownRole implements RolePolicy.
func (AnyRolePolicy) KnownRole(roleID string) bool { return roleID != "" }

// Slot is one named worker identity.
type Slot struct {
	Name        string
	State       SlotState
	WorkflowID  string
	RoleID      string
	AllocatedAt time.Time
	RestUntil   time.Time
}

// Status is the pool summary returned by Status().
type Status struct {
	Available int
	Busy      int
	Resting   int
	Retired   int
	Total     int
	Slots     []Slot
}

// Config configures the pool.
type Config struct {
	Size         int
	RestDuration time.Duration
	Policy       RolePolicy
	Bus          *pubsub.Bus
}

// waiter is one queued allocation request.
type waiter struct {
	roleID     string
	workflowID string
	ch         chan string // receives the slot name; buffered(1)
}

// Pool is the agent slot registry.
type Pool struct {
	mu         sync.Mutex
	slots      map[string]*Slot
	order      []string // slot names in mint order, for deterministic selection
	counter    int      // highest slot number ever minted
	size       int
	rest       time.Duration
	policy     RolePolicy
	bus        *pubsub.Bus
	waiters    *list.List // FIFO of *waiter
	restTimers map[string]*time.Timer
	closed     bool
}

// New creates a pool with freshly minted slot names.
func New(cfg Config) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.Policy == nil {
		cfg.Policy = AnyRolePolicy{}
	}

	p := &Pool{
		slots:      make(map[string]*Slot),
		size:       cfg.Size,
		rest:       cfg.RestDuration,
		policy:     cfg.Policy,
		bus:        cfg.Bus,
		waiters:    list.New(),
		restTimers: make(map[string]*time.Timer),
	}
	for i := 0; i < cfg.Size; i++ {
		p.mintLocked()
	}
	return p
}

// Restore rebuilds a pool from a persisted snapshot. Slots persisted as
// allocated or busy belonged to workflows that no longer run; they return to
// available. Resting slots whose rest elapsed also become available.
func Restore(cfg Config, state store.PoolState) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = state.Size
	}
	policy := cfg.Policy
	if policy == nil {
		policy = AnyRolePolicy{}
	}
	p := &Pool{
		slots:      make(map[string]*Slot),
		size:       cfg.Size,
		rest:       cfg.RestDuration,
		policy:     policy,
		bus:        cfg.Bus,
		waiters:    list.New(),
		restTimers: make(map[string]*time.Timer),
	}
	p.counter = state.Counter

	now := time.Now()
	for _, ss := range state.Slots {
		slot := &Slot{Name: ss.Name, State: SlotState(ss.State), RoleID: ss.RoleID}
		switch slot.State {
		case SlotAllocated, SlotBusy:
			slot.State = SlotAvailable
			slot.RoleID = ""
		case SlotResting:
			if ss.RestUntil.After(now) {
				slot.RestUntil = ss.RestUntil
				p.scheduleRestLocked(slot.Name, ss.RestUntil.Sub(now))
			} else {
				slot.State = SlotAvailable
			}
		}
		p.slots[slot.Name] = slot
		p.order = append(p.order, slot.Name)
	}

	// Reconcile against the configured size: mint missing slots, retire excess.
	live := p.liveCountLocked()
	for live < p.size {
		p.mintLocked()
		live++
	}
	for i := len(p.order) - 1; i >= 0 && live > p.size; i-- {
		slot := p.slots[p.order[i]]
		if slot.State == SlotAvailable || slot.State == SlotResting {
			if t, ok := p.restTimers[slot.Name]; ok {
				t.Stop()
				delete(p.restTimers, slot.Name)
			}
			slot.State = SlotRetired
			live--
		}
	}
	return p
}

// mintLocked creates a new available slot with a stable generated name.
func (p *Pool) mintLocked() *Slot {
	p.counter++
	name := fmt.Sprintf("agent-%d", p.counter)
	slot := &Slot{Name: name, State: SlotAvailable}
	p.slots[name] = slot
	p.order = append(p.order, name)
	return slot
}

func (p *Pool) liveCountLocked() int {
	n := 0
	for _, s := range p.slots {
		if s.State != SlotRetired {
			n++
		}
	}
	return n
}

// Request selects an available slot compatible with the role. When none is
// available the request waits FIFO until a slot frees or the timeout
// elapses. timeout 0 fails immediately when nothing is available.
func (p *Pool) Request(ctx context.Context, roleID, workflowID string, timeout time.Duration) (string, error) {
	if !p.policy.KnownRole(roleID) {
		return "", loomerr.New(loomerr.CodePoolUnknownRole, "unknown role %q", roleID)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", fmt.Errorf("pool is closed")
	}

	if slot := p.takeLocked(roleID, workflowID); slot != nil {
		name := slot.Name
		p.mu.Unlock()
		p.emitChanged()
		return name, nil
	}

	if timeout == 0 {
		p.mu.Unlock()
		return "", loomerr.New(loomerr.CodePoolTimeout, "no slot available for role %q", roleID)
	}

	w := &waiter{roleID: roleID, workflowID: workflowID, ch: make(chan string, 1)}
	elem := p.waiters.PushBack(w)
	p.mu.Unlock()

	var timerCh <-chan time.Time
	var timer *time.Timer
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		timerCh = timer.C
		defer timer.Stop()
	}

	select {
	case name := <-w.ch:
		if name == "" {
			return "", fmt.Errorf("pool is closed")
		}
		return name, nil
	case <-ctx.Done():
		p.removeWaiter(elem, w)
		return "", loomerr.Wrap(loomerr.CodeWorkflowCancelled, ctx.Err(), "pool request cancelled")
	case <-timerCh:
		p.removeWaiter(elem, w)
		return "", loomerr.New(loomerr.CodePoolTimeout, "timed out waiting for role %q", roleID)
	}
}

// removeWaiter detaches a waiter whose timer or context fired first, so it
// never consumes a future release. The race with a concurrent wake is
// resolved by draining the buffered channel: a slot already handed over is
// put back.
func (p *Pool) removeWaiter(elem *list.Element, w *waiter) {
	p.mu.Lock()
	p.waiters.Remove(elem)
	select {
	case name := <-w.ch:
		// Woken concurrently with the timeout: return the slot.
		if slot, ok := p.slots[name]; ok {
			slot.State = SlotAvailable
			slot.RoleID = ""
			slot.WorkflowID = ""
			p.wakeLocked(slot)
		}
	default:
	}
	p.mu.Unlock()
}

// takeLocked allocates the first compatible available slot, or nil.
func (p *Pool) takeLocked(roleID, workflowID string) *Slot {
	for _, name := range p.order {
		slot := p.slots[name]
		if slot.State != SlotAvailable {
			continue
		}
		if !p.policy.Allows(name, roleID) {
			continue
		}
		slot.State = SlotAllocated
		slot.RoleID = roleID
		slot.WorkflowID = workflowID
		slot.AllocatedAt = time.Now()
		return slot
	}
	return nil
}

// wakeLocked hands an available slot to the first compatible waiter, in
// insertion order. Exactly one waiter is woken per freed slot.
func (p *Pool) wakeLocked(slot *Slot) {
	for elem := p.waiters.Front(); elem != nil; elem = elem.Next() {
		w := elem.Value.(*waiter)
		if !p.policy.Allows(slot.Name, w.roleID) {
			continue
		}
		p.waiters.Remove(elem)
		slot.State = SlotAllocated
		slot.RoleID = w.roleID
		slot.WorkflowID = w.workflowID
		slot.AllocatedAt = time.Now()
		w.ch <- slot.Name
		return
	}
}

// MarkBusy transitions an allocated slot to busy when its agent starts work.
func (p *Pool) MarkBusy(name string) {
	p.mu.Lock()
	if slot, ok := p.slots[name]; ok && slot.State == SlotAllocated {
		slot.State = SlotBusy
	}
	p.mu.Unlock()
	p.emitChanged()
}

// Release transitions busy|allocated to resting and schedules the automatic
// return to available after the rest period. Releasing an unknown or
// already-free slot is a no-op that logs a warning.
func (p *Pool) Release(name string) {
	p.release(name, false)
}

// ForceRelease bypasses the rest period; used by stop/cancel paths.
func (p *Pool) ForceRelease(name string) {
	p.release(name, true)
}

func (p *Pool) release(name string, force bool) {
	p.mu.Lock()
	slot, ok := p.slots[name]
	if !ok || (slot.State != SlotBusy && slot.State != SlotAllocated) {
		p.mu.Unlock()
		log.Warn(log.CatPool, "Release of slot not allocated", "slot", name)
		return
	}

	slot.RoleID = ""
	slot.WorkflowID = ""

	if force || p.rest <= 0 {
		slot.State = SlotAvailable
		slot.RestUntil = time.Time{}
		p.wakeLocked(slot)
	} else {
		slot.State = SlotResting
		slot.RestUntil = time.Now().Add(p.rest)
		p.scheduleRestLocked(name, p.rest)
	}
	p.mu.Unlock()
	p.emitChanged()
}

// scheduleRestLocked arms the rest timer returning a slot to available.
func (p *Pool) scheduleRestLocked(name string, d time.Duration) {
	if t, ok := p.restTimers[name]; ok {
		t.Stop()
	}
	p.restTimers[name] = time.AfterFunc(d, func() {
		p.mu.Lock()
		delete(p.restTimers, name)
		slot, ok := p.slots[name]
		if ok && slot.State == SlotResting {
			slot.State = SlotAvailable
			slot.RestUntil = time.Time{}
			p.wakeLocked(slot)
		}
		p.mu.Unlock()
		p.emitChanged()
	})
}

// Resize grows by minting new slots or shrinks by retiring available and
// resting slots, newest first. Allocated and busy slots are never retired or
// killed: when shrinking would need them, Resize fails with
// pool.shrink_conflict and leaves the size unchanged, and nothing retires
// them when they later release; the slots it retired before failing stay
// retired. Shrinking below zero fails.
func (p *Pool) Resize(n int) error {
	if n < 0 {
		return loomerr.New(loomerr.CodePoolShrink, "cannot resize pool to %d", n)
	}

	p.mu.Lock()
	live := p.liveCountLocked()
	switch {
	case n > live:
		for i := live; i < n; i++ {
			slot := p.mintLocked()
			p.wakeLocked(slot)
		}
	case n < live:
		toRetire := live - n
		// Retire available slots first.
		for i := len(p.order) - 1; i >= 0 && toRetire > 0; i-- {
			slot := p.slots[p.order[i]]
			if slot.State == SlotAvailable || slot.State == SlotResting {
				if t, ok := p.restTimers[slot.Name]; ok {
					t.Stop()
					delete(p.restTimers, slot.Name)
				}
				slot.State = SlotRetired
				toRetire--
			}
		}
		if toRetire > 0 {
			remaining := toRetire
			p.mu.Unlock()
			return loomerr.New(loomerr.CodePoolShrink,
				"%d busy slots must release before the pool can shrink", remaining)
		}
	}
	p.size = n
	p.mu.Unlock()
	p.emitChanged()
	return nil
}

// Status returns counts and per-slot detail. Retired slots are excluded
// from the total.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{}
	for _, name := range p.order {
		slot := p.slots[name]
		st.Slots = append(st.Slots, *slot)
		switch slot.State {
		case SlotAvailable:
			st.Available++
		case SlotBusy, SlotAllocated:
			st.Busy++
		case SlotResting:
			st.Resting++
		case SlotRetired:
			st.Retired++
		}
	}
	st.Total = st.Available + st.Busy + st.Resting
	return st
}

// ReleaseWorkflow force-releases every slot held by a workflow. Used when a
// workflow is cancelled or fails.
func (p *Pool) ReleaseWorkflow(workflowID string) {
	p.mu.Lock()
	var held []string
	for _, slot := range p.slots {
		if slot.WorkflowID == workflowID && (slot.State == SlotAllocated || slot.State == SlotBusy) {
			held = append(held, slot.Name)
		}
	}
	p.mu.Unlock()
	for _, name := range held {
		p.ForceRelease(name)
	}
}

// Snapshot returns the persistable pool state.
func (p *Pool) Snapshot() store.PoolState {
	p.mu.Lock()
	defer p.mu.Unlock()

	state := store.PoolState{Size: p.size, Counter: p.counter}
	for _, name := range p.order {
		slot := p.slots[name]
		state.Slots = append(state.Slots, store.SlotState{
			Name:        slot.Name,
			State:       string(slot.State),
			WorkflowID:  slot.WorkflowID,
			RoleID:      slot.RoleID,
			AllocatedAt: slot.AllocatedAt,
			RestUntil:   slot.RestUntil,
		})
	}
	return state
}

// Close stops rest timers and fails all waiters.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for name, t := range p.restTimers {
		t.Stop()
		delete(p.restTimers, name)
	}
	for elem := p.waiters.Front(); elem != nil; elem = elem.Next() {
		close(elem.Value.(*waiter).ch)
	}
	p.waiters.Init()
	p.mu.Unlock()
}

func (p *Pool) emitChanged() {
	if p.bus == nil {
		return
	}
	st := p.Status()
	p.bus.Publish("pool.changed", map[string]any{
		"available": st.Available,
		"busy":      st.Busy,
		"resting":   st.Resting,
		"total":     st.Total,
	})
}
