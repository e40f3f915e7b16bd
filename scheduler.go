package qnes

// scheduler.go implements the event manager at the heart of the simulator:
// a single totally-ordered timeline of pending events, dispatched one at a
// time.  Every other component advances only by scheduling and receiving
// events here.

// Events sharing a timestamp dispatch in the order they were scheduled,
// so a run is reproducible given the same inputs and rng seeds.  Handlers
// run to completion before the next event is popped; nothing in the
// simulator observes a partially applied event.

import (
	"container/heap"
	"fmt"
	"math"

	"github.com/iti/evt/vrtime"
)

// EventHandlerFunction is the signature of every event handler.  The
// scheduler passes itself, the context given when the event was scheduled
// (typically the component that owns the event), and the event payload.
type EventHandlerFunction func(evtMgr *EventManager, context any, data any) any

// simEvent carries one pending dispatch on the timeline
type simEvent struct {
	time    float64 // dispatch time, in simulation time units
	seq     int64   // insertion sequence, breaks timestamp ties FIFO
	evtID   int
	context any
	data    any
	hdlr    EventHandlerFunction
	removed bool // canceled before dispatch, skipped when popped
}

// evtHeap and its methods implement a min-priority heap on
// event (time, insertion sequence)
type evtHeap []*simEvent

func (h evtHeap) Len() int { return len(h) }
func (h evtHeap) Less(i, j int) bool {
	if h[i].time == h[j].time {
		return h[i].seq < h[j].seq
	}
	return h[i].time < h[j].time
}
func (h evtHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *evtHeap) Push(x any) {
	*h = append(*h, x.(*simEvent))
}

func (h *evtHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return x
}

// EventManager holds the timeline and the simulation clock.  One manager
// drives one repetition; independent repetitions each own their own.
type EventManager struct {
	evtQ     evtHeap
	live     map[int]*simEvent // scheduled, not yet dispatched or canceled
	now      float64
	horizon  float64
	running  bool
	stopped  bool
	nxtEvtID int
	nxtSeq   int64
}

// CreateEventManager is a constructor.  The horizon is unbounded until
// Run sets it.
func CreateEventManager() *EventManager {
	evtMgr := new(EventManager)
	evtMgr.evtQ = evtHeap{}
	heap.Init(&evtMgr.evtQ)
	evtMgr.live = make(map[int]*simEvent)
	evtMgr.horizon = math.Inf(1)
	return evtMgr
}

// CurrentTime returns the simulation clock as a virtual time value
func (evtMgr *EventManager) CurrentTime() vrtime.Time {
	return vrtime.SecondsToTime(evtMgr.now)
}

// CurrentSeconds returns the simulation clock in raw time units.
// The unit is whatever the configuration declares (microseconds in the
// shipped configurations); vrtime 'seconds' carry that same unit.
func (evtMgr *EventManager) CurrentSeconds() float64 {
	return evtMgr.now
}

// Pending reports the number of events scheduled but not yet
// dispatched or canceled
func (evtMgr *EventManager) Pending() int {
	return len(evtMgr.live)
}

// Schedule places an event on the timeline at the current time plus delay,
// and returns an identifier usable with CancelEvent.  A negative delay is a
// fatal precondition violation.  An event that would land past the run
// horizon is not scheduled at all and -1 is returned.
func (evtMgr *EventManager) Schedule(context any, data any, hdlr EventHandlerFunction, delay vrtime.Time) int {
	d := delay.Seconds()
	if d < 0.0 {
		panic(fmt.Errorf("negative delay %f scheduled at time %f", d, evtMgr.now))
	}
	t := roundFloat(evtMgr.now+d, rdigits)
	if t > evtMgr.horizon {
		return -1
	}

	evtMgr.nxtEvtID += 1
	evtMgr.nxtSeq += 1
	evt := &simEvent{time: t, seq: evtMgr.nxtSeq, evtID: evtMgr.nxtEvtID,
		context: context, data: data, hdlr: hdlr}
	heap.Push(&evtMgr.evtQ, evt)
	evtMgr.live[evt.evtID] = evt
	return evt.evtID
}

// CancelEvent withdraws a scheduled event before it fires.  The return
// reports whether there was anything to withdraw: false means the event
// already dispatched, was canceled earlier, or never existed.
func (evtMgr *EventManager) CancelEvent(evtID int) bool {
	evt, present := evtMgr.live[evtID]
	if !present {
		return false
	}
	evt.removed = true
	delete(evtMgr.live, evtID)
	return true
}

// Run drains the timeline in timestamp order until no events remain, the
// horizon is reached, or Stop is called.  Events with timestamps beyond the
// horizon are left undispatched; attempts to schedule past it no-op.
func (evtMgr *EventManager) Run(until float64) {
	evtMgr.horizon = until
	evtMgr.running = true
	evtMgr.stopped = false

	for len(evtMgr.evtQ) > 0 && !evtMgr.stopped {
		if evtMgr.evtQ[0].time > until {
			break
		}
		evt := heap.Pop(&evtMgr.evtQ).(*simEvent)
		if evt.removed {
			continue
		}
		delete(evtMgr.live, evt.evtID)
		evtMgr.now = evt.time
		evt.hdlr(evtMgr, evt.context, evt.data)
	}
	evtMgr.running = false
}

// Stop halts the run after the handler in progress returns
func (evtMgr *EventManager) Stop() {
	evtMgr.stopped = true
}

// NullHandler exists to provide a link for data fields that call for
// an event handler, but no event handler is actually needed
func NullHandler(evtMgr *EventManager, context any, msg any) any {
	return nil
}
