// Package engine is the discrete-event core of the simulator: a virtual clock,
// a registry of reusable event handles and a tick-ordered queue of pending jobs.
//
// The engine is single threaded. Every callback runs on the goroutine that calls
// DoNextEvent, and "waiting" is always expressed as scheduling a future event.
// Only Now and Stop may be called from other goroutines.
package engine

import (
	"sync"
	"sync/atomic"

	"github.com/miretskiy/nvmesim/internal/logging"
	"github.com/sirupsen/logrus"
)

// Event is a handle to a registered callback. Handles are indexes into the
// engine's registry and stay valid for the lifetime of the engine.
type Event int

// InvalidEvent is accepted by Schedule and ignored.
const InvalidEvent Event = -1

// EventFunc is invoked with the tick the job fired at and the job's data word.
type EventFunc func(now Tick, data uint64)

type eventEntry struct {
	name    string
	fn      EventFunc
	pending *job
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Tick       Tick   `json:"tick"`
	Events     int    `json:"events"`
	Pending    int    `json:"pending"`
	Dispatched uint64 `json:"dispatched"`
	Stopped    bool   `json:"stopped"`
}

// Engine owns the clock, the event registry and the job queue.
type Engine struct {
	tickMu sync.RWMutex // readers on other goroutines (reporting) vs the simulation thread
	tick   Tick

	events     []eventEntry
	queue      *jobQueue
	seq        uint64
	dispatched uint64
	stopped    atomic.Bool

	l *logrus.Logger
}

// New creates an engine at tick 0.
func New(l *logrus.Logger) *Engine {
	if l == nil {
		l = logging.Discard()
	}
	return &Engine{
		events: make([]eventEntry, 0, 16),
		queue:  newJobQueue(),
		l:      l,
	}
}

// CreateEvent registers fn once and returns its handle.
func (e *Engine) CreateEvent(name string, fn EventFunc) Event {
	if fn == nil {
		panic("engine: nil event callback for " + name)
	}
	e.events = append(e.events, eventEntry{name: name, fn: fn})
	return Event(len(e.events) - 1)
}

func (e *Engine) entry(ev Event) *eventEntry {
	if ev < 0 || int(ev) >= len(e.events) {
		Fatalf(FatalCausality, "unknown event handle %d", ev)
	}
	return &e.events[ev]
}

// Schedule arms ev to fire at tick at with data. A handle has at most one
// pending job: scheduling a pending handle replaces its job. Scheduling before
// the current tick aborts the simulation.
func (e *Engine) Schedule(ev Event, data uint64, at Tick) {
	if ev == InvalidEvent {
		return
	}
	ent := e.entry(ev)
	if at < e.tick {
		Fatalf(FatalCausality, "event %q scheduled at %d, current tick is %d", ent.name, at, e.tick)
	}
	if ent.pending != nil {
		e.queue.Remove(ent.pending)
	}
	j := &job{event: ev, data: data, at: at, seq: e.seq}
	e.seq++
	e.queue.Push(j)
	ent.pending = j
}

// ScheduleIn arms ev to fire delay ticks from now.
func (e *Engine) ScheduleIn(ev Event, data uint64, delay Tick) {
	e.Schedule(ev, data, e.tick+delay)
}

// Deschedule cancels the pending job of ev, if any.
func (e *Engine) Deschedule(ev Event) {
	if ev == InvalidEvent {
		return
	}
	ent := e.entry(ev)
	if ent.pending == nil {
		return
	}
	e.queue.Remove(ent.pending)
	ent.pending = nil
}

// IsScheduled reports whether ev has a pending job.
func (e *Engine) IsScheduled(ev Event) bool {
	if ev == InvalidEvent {
		return false
	}
	return e.entry(ev).pending != nil
}

// When returns the tick ev will fire at, or MaxTick.
func (e *Engine) When(ev Event) Tick {
	if ev == InvalidEvent {
		return MaxTick
	}
	if j := e.entry(ev).pending; j != nil {
		return j.at
	}
	return MaxTick
}

// NextTick returns the tick of the earliest pending job, or MaxTick.
func (e *Engine) NextTick() Tick {
	if j := e.queue.Peek(); j != nil {
		return j.at
	}
	return MaxTick
}

// DoNextEvent pops the earliest job, advances the clock to it and runs its
// callback. It returns false once the queue is empty or Stop was called.
func (e *Engine) DoNextEvent() bool {
	if e.stopped.Load() {
		return false
	}
	j := e.queue.Pop()
	if j == nil {
		return false
	}
	if j.at < e.tick {
		Fatalf(FatalCausality, "job for %q at %d popped after tick %d", e.events[j.event].name, j.at, e.tick)
	}

	e.tickMu.Lock()
	e.tick = j.at
	e.tickMu.Unlock()

	ent := &e.events[j.event]
	ent.pending = nil
	e.dispatched++

	if e.l.IsLevelEnabled(logrus.TraceLevel) {
		e.l.WithFields(logrus.Fields{"tick": j.at, "event": ent.name, "data": j.data}).Trace("dispatch")
	}
	ent.fn(j.at, j.data)
	return true
}

// Stop halts the simulation; DoNextEvent returns false from now on even if
// jobs remain. Safe to call from any goroutine.
func (e *Engine) Stop() {
	if !e.stopped.Swap(true) {
		e.l.WithField("tick", e.Now()).Debug("engine stopped")
	}
}

// Stopped reports whether Stop was called.
func (e *Engine) Stopped() bool {
	return e.stopped.Load()
}

// Now returns the current tick. Safe to call from any goroutine.
func (e *Engine) Now() Tick {
	e.tickMu.RLock()
	defer e.tickMu.RUnlock()
	return e.tick
}

// Pending returns the number of jobs waiting to fire.
func (e *Engine) Pending() int {
	return e.queue.Len()
}

// Stats returns counters for the engine. Call on the simulation goroutine.
func (e *Engine) Stats() Stats {
	return Stats{
		Tick:       e.Now(),
		Events:     len(e.events),
		Pending:    e.queue.Len(),
		Dispatched: e.dispatched,
		Stopped:    e.stopped.Load(),
	}
}
