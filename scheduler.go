package pktsim

// scheduler.go holds the virtual-time event scheduler that drives a simulation run.
// Events are ordered by fire time and, among events with the same fire time,
// by the order in which they were scheduled.

import (
	"container/heap"
	"fmt"
	"github.com/iti/evt/vrtime"
	"time"
)

// EventHandlerFunction is the signature of every action the scheduler executes.
// The context and data given to Schedule are handed back when the event fires.
type EventHandlerFunction func(sched *EventScheduler, context any, data any) any

// event is a scheduled action
type event struct {
	at      time.Duration
	seq     int64
	context any
	data    any
	handler EventHandlerFunction
	valid   bool
	fired   bool
}

// EventHandle is what the caller of Schedule holds to cancel the event later
type EventHandle struct {
	evt *event
}

// Cancel marks the event invalid.  Cancelling an event that already fired
// or was already cancelled has no effect.
func (eh *EventHandle) Cancel() {
	if eh == nil || eh.evt == nil {
		return
	}
	eh.evt.valid = false
}

// Pending reports whether the event is still waiting to fire
func (eh *EventHandle) Pending() bool {
	return eh != nil && eh.evt != nil && eh.evt.valid && !eh.evt.fired
}

// FireTime is the virtual time at which the event is (or was) due
func (eh *EventHandle) FireTime() time.Duration {
	return eh.evt.at
}

// evtHeap and its methods implement a min-priority heap on (fire time, sequence)
type evtHeap []*event

func (h evtHeap) Len() int { return len(h) }
func (h evtHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].seq < h[j].seq
}
func (h evtHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *evtHeap) Push(x any) {
	*h = append(*h, x.(*event))
}

func (h *evtHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return x
}

// EventScheduler owns the virtual clock and the pending-event queue of one run.
// It is not safe for concurrent use.
type EventScheduler struct {
	now     time.Duration
	nxtSeq  int64
	curSeq  int64
	events  evtHeap
	fired   uint64
	running bool
}

// CreateEventScheduler is a constructor
func CreateEventScheduler() *EventScheduler {
	es := new(EventScheduler)
	es.events = []*event{}
	heap.Init(&es.events)
	return es
}

// Schedule arranges for handler(sched, context, data) to be called delay units
// of virtual time from now.  A negative delay is a programming error and panics
// before any scheduler state is touched.
func (es *EventScheduler) Schedule(context any, data any, handler EventHandlerFunction, delay time.Duration) *EventHandle {
	if delay < 0 {
		panic(fmt.Errorf("negative scheduling delay %v at virtual time %v", delay, es.now))
	}
	evt := &event{at: es.now + delay, seq: es.nxtSeq, context: context, data: data,
		handler: handler, valid: true}
	es.nxtSeq += 1
	heap.Push(&es.events, evt)
	return &EventHandle{evt: evt}
}

// Cancel is a convenience wrapper around the handle's own Cancel
func (es *EventScheduler) Cancel(eh *EventHandle) {
	eh.Cancel()
}

// RunUntil executes events in (time, sequence) order until the earliest
// remaining valid event is due after stop, or none remain.  Events scheduled
// while running fire in the same call when they are due no later than stop.
// On return the clock reads stop, unless it had already passed it.
func (es *EventScheduler) RunUntil(stop time.Duration) {
	if es.running {
		panic(fmt.Errorf("RunUntil called from inside an event handler"))
	}
	es.running = true
	defer func() { es.running = false }()

	for es.events.Len() > 0 {
		nxt := es.events[0]
		if !nxt.valid {
			heap.Pop(&es.events)
			continue
		}
		if nxt.at > stop {
			break
		}
		heap.Pop(&es.events)
		es.now = nxt.at
		es.curSeq = nxt.seq
		nxt.fired = true
		es.fired += 1
		nxt.handler(es, nxt.context, nxt.data)
	}
	if stop > es.now {
		es.now = stop
	}
}

// Discard throws away every outstanding event and returns how many valid ones were dropped
func (es *EventScheduler) Discard() int {
	n := 0
	for _, evt := range es.events {
		if evt.valid {
			n += 1
		}
		evt.valid = false
	}
	es.events = es.events[:0]
	return n
}

// Pending counts the valid events still waiting to fire
func (es *EventScheduler) Pending() int {
	n := 0
	for _, evt := range es.events {
		if evt.valid {
			n += 1
		}
	}
	return n
}

// Fired counts the events executed so far
func (es *EventScheduler) Fired() uint64 {
	return es.fired
}

// Now returns the current virtual time
func (es *EventScheduler) Now() time.Duration {
	return es.now
}

// CurrentSeconds returns the current virtual time in seconds
func (es *EventScheduler) CurrentSeconds() float64 {
	return es.now.Seconds()
}

// CurrentTime returns the current virtual time as a vrtime.Time whose priority
// is the sequence number of the event being executed
func (es *EventScheduler) CurrentTime() vrtime.Time {
	return vrtime.CreateTime(vrtime.SecondsToTicks(es.now.Seconds()), es.curSeq)
}
