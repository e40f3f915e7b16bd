package qnes

// node.go implements the quantum node: the request generator, the per-port
// request queues and storage pools, the AQM admission gate, and the
// swap-equivalent hand-off that moves a request's entanglement toward the
// flow terminal one link at a time.  Every protocol decision the original
// system distributes over node processes lands here, driven by events.

import (
	"fmt"
	"math"

	"github.com/iti/evt/vrtime"
	"github.com/iti/rngstream"
	"golang.org/x/exp/slices"
)

// netParams carries the run-wide constants every node consults
type netParams struct {
	unitFactor float64 // time units per second
	aqm        aqmConsts
	discipline aqmDiscipline
	maxBacklog int // per-flow queued-request bound at a node
}

// qNode is one quantum node on the chain
type qNode struct {
	name string
	num  int

	params      *netParams
	portBacklog int // queued requests allowed beyond a port's free slots

	ports       []string // wiring order, for deterministic iteration
	poolByPort  map[string]*storagePool
	queueByPort map[string]*reqQueue
	chanByPort  map[string]*channel

	flows     map[int]*flow     // flows whose path crosses this node
	flowIDs   []int             // ascending, for deterministic iteration
	aqmByFlow map[int]*aqmState // admission window state per flow

	// pi discipline: one marking controller per port, plus the derived
	// sampling interval in time units
	piByPort map[string]*piController
	piT      float64

	genEvt   map[int]int     // origin flows: pending generator event id
	inflight map[int][]int64 // origin flows: outstanding request ids, ascending
	nxtReq   map[int]int64   // origin flows: last issued request sequence number

	rng *rngstream.RngStream
	u01 func() float64

	mc *MetricsCollector
	tm *TraceManager
	lg *SimLogger
}

// createQNode is a constructor.  Ports and flows attach as the network is
// assembled.
func createQNode(name string, num int, params *netParams,
	mc *MetricsCollector, tm *TraceManager, lg *SimLogger) *qNode {

	node := new(qNode)
	node.name = name
	node.num = num
	node.params = params
	node.poolByPort = make(map[string]*storagePool)
	node.queueByPort = make(map[string]*reqQueue)
	node.chanByPort = make(map[string]*channel)
	node.flows = make(map[int]*flow)
	node.aqmByFlow = make(map[int]*aqmState)
	node.piByPort = make(map[string]*piController)
	node.genEvt = make(map[int]int)
	node.inflight = make(map[int][]int64)
	node.nxtReq = make(map[int]int64)
	node.rng = rngstream.New(name)
	node.u01 = node.rng.RandU01
	node.mc = mc
	node.tm = tm
	node.lg = lg
	return node
}

func (node *qNode) devName() string { return node.name }
func (node *qNode) devNum() int     { return node.num }

// addPort equips the node with a port: a channel attachment point backed
// by a storage pool and a request queue
func (node *qNode) addPort(port string, nslots int, rate float64) {
	if _, present := node.poolByPort[port]; present {
		panic(fmt.Errorf("node %s wired with port %s twice", node.name, port))
	}
	pool := createStoragePool(node.name, port, nslots, rate, node.params.unitFactor)
	pool.expired = node.slotExpired
	node.ports = append(node.ports, port)
	node.poolByPort[port] = pool
	node.queueByPort[port] = createReqQueue()
}

func (node *qNode) poolAt(port string) *storagePool {
	pool, present := node.poolByPort[port]
	if !present {
		panic(fmt.Errorf("node %s has no pool at port %s", node.name, port))
	}
	return pool
}

func (node *qNode) queueAt(port string) *reqQueue {
	rq, present := node.queueByPort[port]
	if !present {
		panic(fmt.Errorf("node %s has no queue at port %s", node.name, port))
	}
	return rq
}

// registerFlow records a flow crossing this node and opens its admission
// window at the ceiling
func (node *qNode) registerFlow(flw *flow) {
	node.flows[flw.flowID] = flw
	node.flowIDs = append(node.flowIDs, flw.flowID)
	slices.Sort(node.flowIDs)
	node.aqmByFlow[flw.flowID] = createAQMState(flw.flowID, node.params.aqm)
	if flw.origin() == node.name {
		node.inflight[flw.flowID] = []int64{}
		node.nxtReq[flw.flowID] = 0
	}
}

// enablePI builds the port marking controllers used by the pi discipline.
// Gain derivation fails on unstable constants, which refuses the run.
func (node *qNode) enablePI() error {
	c := node.params.aqm
	for _, port := range node.ports {
		pi, T, err := createPIController(c.rPlus, c.wCap, c.nMinus, c.qRef)
		if err != nil {
			return fmt.Errorf("node %s: %w", node.name, err)
		}
		node.piByPort[port] = pi
		node.piT = T * node.params.unitFactor
	}
	return nil
}

// aqmInterval gives the control period in time units.  Under pi an
// unset interval falls back to the derived sampling period.
func (node *qNode) aqmInterval() float64 {
	if node.params.discipline == aqmPI && node.params.aqm.interval <= 0.0 {
		return node.piT
	}
	return node.params.aqm.interval
}

// start arms the node's periodic AQM tick and the request generator of
// every flow originating here
func (node *qNode) start(evtMgr *EventManager) {
	evtMgr.Schedule(node, nil, aqmTick, vrtime.SecondsToTime(node.aqmInterval()))
	for _, flowID := range node.flowIDs {
		if node.flows[flowID].origin() == node.name {
			node.scheduleNextRequest(evtMgr, flowID)
		}
	}
}

// admittedRate is the flow's AQM-gated emission rate at this node, in
// requests per second
func (node *qNode) admittedRate(flw *flow, now float64) float64 {
	return math.Min(flw.nominalRate(now), node.aqmByFlow[flw.flowID].window)
}

// scheduleNextRequest arms the generator's next firing: an exponential
// inter-arrival gap at the admitted rate, or a poll one control interval
// out while the window is shut
func (node *qNode) scheduleNextRequest(evtMgr *EventManager, flowID int) {
	flw := node.flows[flowID]
	rate := node.admittedRate(flw, evtMgr.CurrentSeconds())
	var gap float64
	if rate <= 0.0 {
		gap = node.aqmInterval()
	} else {
		gap = expRV(node.u01(), rate/node.params.unitFactor)
	}
	node.genEvt[flowID] = evtMgr.Schedule(node, flowID, reqGenerate, vrtime.SecondsToTime(gap))
}

// reqGenerate fires once per generated request.  A closed window turns the
// firing into a poll; otherwise one request faces admission and the
// generator re-arms.
func reqGenerate(evtMgr *EventManager, context any, data any) any {
	node := context.(*qNode)
	flowID := data.(int)
	flw, present := node.flows[flowID]
	if !present {
		return nil
	}
	if node.admittedRate(flw, evtMgr.CurrentSeconds()) > 0.0 {
		node.admitRequest(evtMgr, flw)
	}
	node.scheduleNextRequest(evtMgr, flowID)
	return nil
}

// admitRequest creates one request and applies the admission bounds: the
// flow's backlog here must be under max_backlog and the out-port queue
// under the port's free slots plus its backlog allowance
func (node *qNode) admitRequest(evtMgr *EventManager, flw *flow) {
	now := evtMgr.CurrentSeconds()
	node.nxtReq[flw.flowID] += 1
	req := &request{
		reqID:    node.nxtReq[flw.flowID],
		flowID:   flw.flowID,
		state:    reqAdmitted,
		arrival:  now,
		fidelity: 1.0,
		visited:  []string{node.name},
	}
	AddReqTrace(node.tm, evtMgr.CurrentTime(), req, node.num, "generate")

	outPort, err := flw.outPortAt(node.name)
	if err != nil {
		panic(err)
	}
	rq := node.queueAt(outPort)
	pool := node.poolAt(outPort)

	if rq.lenFlow(flw.flowID) >= node.params.maxBacklog ||
		rq.len() >= pool.freeSlots()+node.portBacklog {
		req.state = reqDropped
		node.mc.IncCounter(cntDropAdmission, flw.flowID)
		AddReqTrace(node.tm, evtMgr.CurrentTime(), req, node.num, "drop")
		return
	}

	req.state = reqQueued
	req.queuedAt = now
	rq.push(req, flw.priority, now)
	node.inflight[flw.flowID] = append(node.inflight[flw.flowID], req.reqID)
	AddReqTrace(node.tm, evtMgr.CurrentTime(), req, node.num, "queue")
}

// aqmTick runs one control interval: per-flow window updates and queue
// samples, plus the port marking controllers under pi
func aqmTick(evtMgr *EventManager, context any, data any) any {
	node := context.(*qNode)
	now := evtMgr.CurrentSeconds()
	for _, flowID := range node.flowIDs {
		flw := node.flows[flowID]
		outPort, err := flw.outPortAt(node.name)
		if err != nil {
			continue // terminal: nothing queues toward the flow here
		}
		qlen := float64(node.queueAt(outPort).lenFlow(flowID))
		if node.params.discipline == aqmWindow {
			node.aqmByFlow[flowID].updateWindow(node.params.aqm, qlen)
		} else {
			node.aqmByFlow[flowID].queue = qlen
		}
		node.mc.AddSample(mtrQueueSize, now, qlen, flowID, node.name)
		node.mc.AddSample(mtrQueueSizeFree, now,
			float64(node.poolAt(outPort).freeSlots()), flowID, node.name)
	}
	if node.params.discipline == aqmPI {
		for _, port := range node.ports {
			node.piByPort[port].update(float64(node.queueAt(port).len()))
		}
	}
	evtMgr.Schedule(node, nil, aqmTick, vrtime.SecondsToTime(node.aqmInterval()))
	return nil
}

// recv dispatches a message arriving on a node port
func (node *qNode) recv(evtMgr *EventManager, msg any, port string) {
	switch m := msg.(type) {
	case *lleNotifyMsg:
		node.lleNotify(evtMgr, m, port)
	case *entReqMsg:
		if m.dest != node.name {
			panic(fmt.Errorf("request for %s misrouted to node %s", m.dest, node.name))
		}
		node.reqArrive(evtMgr, m, port)
	case *ackMsg:
		if m.dest != node.name {
			node.relay(evtMgr, msg, port)
			return
		}
		node.ackArrive(evtMgr, m)
	case *flowDeleteMsg:
		node.purgeFlow(evtMgr, m.flowID)
		if m.dest != node.name {
			node.relay(evtMgr, msg, port)
		}
	default:
		panic(fmt.Errorf("node %s cannot handle %s message", node.name, msgTypeStr(msg)))
	}
}

// relay forwards a routable packet out the port it did not arrive on
func (node *qNode) relay(evtMgr *EventManager, msg any, port string) {
	out := "q1"
	if port == "q1" {
		out = "q0"
	}
	ch, present := node.chanByPort[out]
	if !present {
		panic(fmt.Errorf("node %s cannot relay out missing port %s", node.name, out))
	}
	ch.Send(evtMgr, node, msg)
}

// lleNotify handles a link controller's success report.  The owner side
// serves its oldest queued request of the flow; a pair whose halves
// decohered in flight, or whose demand evaporated, is wasted.
func (node *qNode) lleNotify(evtMgr *EventManager, m *lleNotifyMsg, port string) {
	if !m.owner {
		// far half already sits allocated in this node's pool; the
		// forwarded request claims it on arrival
		return
	}
	now := evtMgr.CurrentSeconds()

	if !m.slot.live() || !m.peer.live() {
		m.slot.release(evtMgr)
		m.peer.release(evtMgr)
		node.mc.IncCounter(cntLLEWasted, m.flowID)
		AddLLETrace(node.tm, evtMgr.CurrentTime(), m.lleID, m.flowID, m.reqID, node.num, "wasted")
		return
	}

	entry, found := node.queueAt(port).popFlow(m.flowID)
	if !found {
		m.slot.release(evtMgr)
		m.peer.release(evtMgr)
		node.mc.IncCounter(cntLLEWasted, m.flowID)
		AddLLETrace(node.tm, evtMgr.CurrentTime(), m.lleID, m.flowID, m.reqID, node.num, "wasted")
		return
	}

	req := entry.req
	req.state = reqMatched
	wait := now - req.queuedAt
	req.waits = append(req.waits, wait)
	req.fidelity *= m.fidelity
	req.aRef = m.slot
	req.bRef = m.peer
	node.mc.AddSample(mtrQueuingTime, now, wait, m.flowID, node.name)
	AddReqTrace(node.tm, evtMgr.CurrentTime(), req, node.num, "match")

	flw := node.flows[m.flowID]

	// under pi a marking draw fires on every forward through this port
	if node.params.discipline == aqmPI {
		if pi, present := node.piByPort[port]; present && node.u01() < pi.markingProbability() {
			req.congested = true
		}
	}

	next, present := flw.nextNodeAfter(node.name)
	if !present {
		panic(fmt.Errorf("matched request of flow %d at its terminal %s", m.flowID, node.name))
	}
	node.chanByPort[port].Send(evtMgr, node, &entReqMsg{req: req, dest: next})
	AddReqTrace(node.tm, evtMgr.CurrentTime(), req, node.num, "forward")
}

// reqArrive lands a forwarded request after its hop.  The consumed halves
// at the previous node free now, billing their storage decay; the request
// survives only if every half outlived the flight.
func (node *qNode) reqArrive(evtMgr *EventManager, m *entReqMsg, port string) {
	req := m.req
	now := evtMgr.CurrentSeconds()
	req.visited = append(req.visited, node.name)
	req.hopIdx += 1

	flw, present := node.flows[req.flowID]
	if !present {
		node.dropStray(evtMgr, req)
		return
	}

	aLive := req.aRef.live()
	heldLive := !req.held.valid() || req.held.live()
	bLive := req.bRef.live()

	req.fidelity *= req.aRef.decay(now)
	req.fidelity *= req.held.decay(now)
	req.aRef.release(evtMgr)
	req.held.release(evtMgr)
	req.aRef = slotRef{}

	if !aLive || !heldLive || !bLive {
		req.bRef.release(evtMgr)
		req.held = slotRef{}
		req.bRef = slotRef{}
		req.state = reqDropped
		node.mc.IncCounter(cntDropDecoherence, req.flowID)
		AddReqTrace(node.tm, evtMgr.CurrentTime(), req, node.num, "drop")
		return
	}

	// the surviving far half in this node's pool carries the pair onward
	req.held = req.bRef
	req.bRef = slotRef{}
	AddReqTrace(node.tm, evtMgr.CurrentTime(), req, node.num, "arrive")

	if flw.terminal() == node.name {
		node.complete(evtMgr, flw, req, port)
		return
	}

	outPort, err := flw.outPortAt(node.name)
	if err != nil {
		panic(err)
	}
	req.state = reqQueued
	req.queuedAt = now
	req.held.bind(req)
	node.queueAt(outPort).push(req, flw.priority, now)
	AddReqTrace(node.tm, evtMgr.CurrentTime(), req, node.num, "queue")
}

// complete consumes a request at the flow terminal, emitting the
// end-to-end samples and acknowledging the origin
func (node *qNode) complete(evtMgr *EventManager, flw *flow, req *request, port string) {
	now := evtMgr.CurrentSeconds()
	req.fidelity *= req.held.decay(now)
	req.held.release(evtMgr)
	req.held = slotRef{}
	req.state = reqCompleted

	latency := now - req.arrival
	node.mc.IncCounter(cntCompleted, req.flowID)
	node.mc.AddSample(mtrLatency, now, latency, req.flowID, node.name)
	node.mc.AddSample(mtrFidelity, now, req.fidelity, req.flowID, node.name)
	node.mc.AddSample(mtrThroughput, now, 1.0, req.flowID, node.name)
	node.mc.AddSample(mtrRendezvous, now, float64(node.num), req.flowID, node.name)
	AddReqTrace(node.tm, evtMgr.CurrentTime(), req, node.num, "complete")
	node.lg.Debug(now, "request completed", "node", node.name, "flow", req.flowID,
		"req", req.reqID, "latency", latency, "fidelity", req.fidelity)

	ack := &ackMsg{flowID: req.flowID, reqID: req.reqID, genTime: req.arrival,
		congested: req.congested, dest: flw.origin()}
	node.chanByPort[port].Send(evtMgr, node, ack)
}

// ackArrive lands a completion ack at the flow origin.  The ack is
// cumulative: outstanding ids below it can no longer complete and count
// as lost.  Under pi the ECN mark drives the window.
func (node *qNode) ackArrive(evtMgr *EventManager, m *ackMsg) {
	_, present := node.flows[m.flowID]
	if !present {
		return
	}
	ids := node.inflight[m.flowID]
	pos := slices.Index(ids, m.reqID)
	if pos >= 0 {
		if pos > 0 {
			node.mc.AddToCounter(cntRequestsLost, m.flowID, int64(pos))
		}
		node.inflight[m.flowID] = ids[pos+1:]
	}

	if node.params.discipline == aqmPI {
		st := node.aqmByFlow[m.flowID]
		if m.congested {
			st.congestionDecrease(node.params.aqm)
		} else {
			st.additiveIncrease(node.params.aqm)
		}
	}
}

// slotExpired is the pool hook for a decoherence deadline.  A request
// still queued at this node drops with its half; anything else is in
// flight and fails its liveness check on arrival.
func (node *qNode) slotExpired(evtMgr *EventManager, req *request, ref slotRef) {
	if req == nil {
		// unclaimed pair half; the owner notification finds it stale
		return
	}
	for _, port := range node.ports {
		if node.queueAt(port).remove(req) {
			req.state = reqDropped
			req.held = slotRef{}
			node.mc.IncCounter(cntDropDecoherence, req.flowID)
			AddReqTrace(node.tm, evtMgr.CurrentTime(), req, node.num, "drop")
			node.lg.Debug(evtMgr.CurrentSeconds(), "queued request decohered",
				"node", node.name, "flow", req.flowID, "req", req.reqID)
			return
		}
	}
}

// dropStray disposes of a request whose flow no longer exists here
func (node *qNode) dropStray(evtMgr *EventManager, req *request) {
	req.aRef.release(evtMgr)
	req.held.release(evtMgr)
	req.bRef.release(evtMgr)
	req.aRef, req.held, req.bRef = slotRef{}, slotRef{}, slotRef{}
	req.state = reqDropped
	AddReqTrace(node.tm, evtMgr.CurrentTime(), req, node.num, "drop")
}

// purgeFlow removes every trace of a flow from this node: the pending
// generator firing, queued requests and their held halves, and the
// admission state
func (node *qNode) purgeFlow(evtMgr *EventManager, flowID int) {
	if evtID, present := node.genEvt[flowID]; present {
		evtMgr.CancelEvent(evtID)
		delete(node.genEvt, flowID)
	}
	for _, port := range node.ports {
		for _, entry := range node.queueAt(port).purgeFlow(flowID) {
			req := entry.req
			req.state = reqDropped
			req.held.release(evtMgr)
			req.held = slotRef{}
			AddReqTrace(node.tm, evtMgr.CurrentTime(), req, node.num, "drop")
		}
	}
	delete(node.flows, flowID)
	delete(node.aqmByFlow, flowID)
	delete(node.inflight, flowID)
	delete(node.nxtReq, flowID)
	if pos := slices.Index(node.flowIDs, flowID); pos >= 0 {
		node.flowIDs = append(node.flowIDs[:pos], node.flowIDs[pos+1:]...)
	}
}
