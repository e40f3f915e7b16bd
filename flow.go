package qnes

// flow.go holds the flow runtime description, the request unit of demand,
// and the per-port request queues nodes hold requests in while they wait
// for link-level entanglement.

import (
	"fmt"
)

// flowDirection orients a flow's traversal of its path
type flowDirection int

const (
	upstream flowDirection = iota
	downstream
)

var fdToStr map[flowDirection]string = map[flowDirection]string{
	upstream: "upstream", downstream: "downstream"}

var fdFromStr map[string]flowDirection = map[string]flowDirection{
	"upstream": upstream, "downstream": downstream}

// reqState tracks a request through its lifecycle
type reqState int

const (
	reqPending reqState = iota
	reqAdmitted
	reqQueued
	reqMatched
	reqCompleted
	reqDropped
)

var rsToStr map[reqState]string = map[reqState]string{
	reqPending: "Pending", reqAdmitted: "Admitted", reqQueued: "Queued",
	reqMatched: "MatchedToLLE", reqCompleted: "Completed", reqDropped: "Dropped"}

// request is one unit of demand for an end-to-end entangled pair.
// The same runtime object travels with the request message from hop to hop;
// dispatch serialization means exactly one handler touches it at a time.
type request struct {
	reqID     int64
	flowID    int
	state     reqState
	arrival   float64 // generation time at the flow origin
	queuedAt  float64 // entry time of the current queue residence
	fidelity  float64
	waits     []float64 // per-hop storage waits, time units
	congested bool      // ECN mark
	hopIdx    int       // position in the flow's traversal node order
	visited   []string  // node names in arrival order

	// slot bookkeeping.  held carries the pair at the node the request
	// last cleared; aRef/bRef are the near and far slots of the hop in
	// flight.  Zero pool pointers mean no slot.
	held slotRef
	aRef slotRef
	bRef slotRef
}

// queuedReq is one queue residence of a request
type queuedReq struct {
	req     *request
	prio    int // flow priority, larger served first
	entered float64
	seq     int64 // insertion order, breaks ties in arbitration
}

// reqQueue is the FIFO of requests a node holds for one out-port.
// Link controllers scan it directly when arbitrating attempts.
type reqQueue struct {
	entries []*queuedReq
	nxtSeq  int64
}

func createReqQueue() *reqQueue {
	rq := new(reqQueue)
	rq.entries = []*queuedReq{}
	return rq
}

func (rq *reqQueue) push(req *request, prio int, now float64) {
	rq.nxtSeq += 1
	rq.entries = append(rq.entries, &queuedReq{req: req, prio: prio, entered: now, seq: rq.nxtSeq})
}

// popFlow removes and returns the oldest queued request of the given flow
func (rq *reqQueue) popFlow(flowID int) (*queuedReq, bool) {
	for i, entry := range rq.entries {
		if entry.req.flowID == flowID {
			rq.entries = append(rq.entries[:i], rq.entries[i+1:]...)
			return entry, true
		}
	}
	return nil, false
}

// purgeFlow removes every queued request of the given flow and
// returns the removed entries
func (rq *reqQueue) purgeFlow(flowID int) []*queuedReq {
	kept := rq.entries[:0]
	var removed []*queuedReq
	for _, entry := range rq.entries {
		if entry.req.flowID == flowID {
			removed = append(removed, entry)
		} else {
			kept = append(kept, entry)
		}
	}
	rq.entries = kept
	return removed
}

// remove withdraws a specific request, wherever it sits in the queue
func (rq *reqQueue) remove(req *request) bool {
	for i, entry := range rq.entries {
		if entry.req == req {
			rq.entries = append(rq.entries[:i], rq.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (rq *reqQueue) len() int {
	return len(rq.entries)
}

func (rq *reqQueue) lenFlow(flowID int) int {
	cnt := 0
	for _, entry := range rq.entries {
		if entry.req.flowID == flowID {
			cnt += 1
		}
	}
	return cnt
}

// flow is the runtime form of a flow descriptor: identity, priority, an
// oriented path, and the demand profile.  Immutable once built; teardown
// removes a flow wholesale rather than mutating it.
type flow struct {
	flowID    int
	priority  int // larger values are served first at link controllers
	srcName   string
	dstName   string
	path      []string  // interleaved node / link-controller names, chain order
	probs     []float64 // per-link LLE success probability, chain order
	direction flowDirection

	requestRate float64 // requests per second
	increaseAt  float64 // time units; 0 disables the step
	increaseBy  float64 // requests per second added at increaseAt

	nodeOrder []string // node names in traversal order, origin first
}

// buildFlow creates the runtime flow from a validated descriptor
func buildFlow(fd *FlowDesc) *flow {
	flw := new(flow)
	flw.flowID = fd.FlowID
	flw.priority = fd.FlowPriority
	flw.srcName = fd.Source
	flw.dstName = fd.Destination
	flw.path = fd.Path
	flw.probs = fd.SuccessProbs
	flw.direction = fdFromStr[fd.Direction]
	flw.requestRate = fd.RequestRate
	flw.increaseAt = fd.IncreaseAt
	flw.increaseBy = fd.IncreaseBy

	// node names sit at even path positions; orient by direction
	for idx := 0; idx < len(flw.path); idx += 2 {
		flw.nodeOrder = append(flw.nodeOrder, flw.path[idx])
	}
	if flw.direction == downstream {
		for i, j := 0, len(flw.nodeOrder)-1; i < j; i, j = i+1, j-1 {
			flw.nodeOrder[i], flw.nodeOrder[j] = flw.nodeOrder[j], flw.nodeOrder[i]
		}
	}
	return flw
}

// nominalRate gives the configured demand at a point in simulation time,
// applying the mid-run step change
func (flw *flow) nominalRate(now float64) float64 {
	if flw.increaseAt > 0.0 && now >= flw.increaseAt {
		return flw.requestRate + flw.increaseBy
	}
	return flw.requestRate
}

// pathIndexOf locates a device name on the flow's path
func (flw *flow) pathIndexOf(name string) (int, bool) {
	for idx, pname := range flw.path {
		if pname == name {
			return idx, true
		}
	}
	return 0, false
}

// lcLinkIndex gives the index into probs of the link the named
// controller owns
func (flw *flow) lcLinkIndex(lcName string) (int, bool) {
	idx, present := flw.pathIndexOf(lcName)
	if !present || idx%2 == 0 {
		return 0, false
	}
	return (idx - 1) / 2, true
}

// outPortAt names the port a request of this flow leaves the given node by.
// Ports follow chain orientation: q1 faces the higher-index neighbor, q0 the
// lower.  The terminal node has no out-port.
func (flw *flow) outPortAt(nodeName string) (string, error) {
	next, present := flw.nextNodeAfter(nodeName)
	if !present {
		return "", fmt.Errorf("node %s has no next hop on flow %d", nodeName, flw.flowID)
	}
	idx, _ := flw.pathIndexOf(nodeName)
	nidx, _ := flw.pathIndexOf(next)
	if nidx > idx {
		return "q1", nil
	}
	return "q0", nil
}

// nextNodeAfter names the node following the given one in traversal order
func (flw *flow) nextNodeAfter(nodeName string) (string, bool) {
	for i, nm := range flw.nodeOrder {
		if nm == nodeName {
			if i+1 < len(flw.nodeOrder) {
				return flw.nodeOrder[i+1], true
			}
			return "", false
		}
	}
	return "", false
}

// origin names the node that generates this flow's requests
func (flw *flow) origin() string {
	return flw.srcName
}

// terminal names the node that consumes this flow's requests
func (flw *flow) terminal() string {
	return flw.dstName
}
