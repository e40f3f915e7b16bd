package qnes

// linkctrl.go implements the link controller, the clock-driven process
// sitting between two adjacent quantum nodes.  Every t_clock it makes one
// probabilistic LLE generation attempt on behalf of the request arbitration
// serves next, allocates storage on both sides when the attempt lands, and
// notifies both nodes.  The controller also relays routable packets between
// its two ports, so classical traffic crosses the link it owns.

import (
	"fmt"

	"github.com/iti/evt/vrtime"
	"github.com/iti/rngstream"
)

// lcSide describes one of the two node attachments of a link controller
type lcSide struct {
	node     *qNode
	nodePort string // the node's port facing this controller
	lcPort   string // this controller's port toward the node
}

// linkCtrl owns one physical link.  side[0] faces the lower chain index,
// side[1] the higher; ports lc0 and lc1 respectively.
type linkCtrl struct {
	name   string
	num    int
	tClock float64 // attempt period, time units

	side       [2]lcSide
	chanByPort map[string]*channel

	// per registered flow: LLE success probability at this link, and the
	// time of the last assignment for IRG samples
	probByFlow map[int]float64
	lastAssign map[int]float64

	rng *rngstream.RngStream
	u01 func() float64

	nxtLLE int64

	mc *MetricsCollector
	tm *TraceManager
	lg *SimLogger
}

// createLinkCtrl is a constructor.  Wiring of sides and channels happens
// when the network is assembled.
func createLinkCtrl(name string, num int, tClock float64,
	mc *MetricsCollector, tm *TraceManager, lg *SimLogger) *linkCtrl {

	lc := new(linkCtrl)
	lc.name = name
	lc.num = num
	lc.tClock = tClock
	lc.chanByPort = make(map[string]*channel)
	lc.probByFlow = make(map[int]float64)
	lc.lastAssign = make(map[int]float64)
	lc.rng = rngstream.New(name)
	lc.u01 = lc.rng.RandU01
	lc.mc = mc
	lc.tm = tm
	lc.lg = lg
	return lc
}

func (lc *linkCtrl) devName() string { return lc.name }
func (lc *linkCtrl) devNum() int     { return lc.num }

// registerFlow records a flow crossing this link, saving its per-link
// success probability
func (lc *linkCtrl) registerFlow(flw *flow) error {
	linkIdx, crosses := flw.lcLinkIndex(lc.name)
	if !crosses {
		return fmt.Errorf("flow %d does not cross link controller %s", flw.flowID, lc.name)
	}
	lc.probByFlow[flw.flowID] = flw.probs[linkIdx]
	return nil
}

// removeFlow makes arbitration forget a torn-down flow
func (lc *linkCtrl) removeFlow(flowID int) {
	delete(lc.probByFlow, flowID)
	delete(lc.lastAssign, flowID)
}

// start arms the periodic attempt clock.  The first tick fires at a
// uniformly random offset within one period, decorrelating controllers
// that share a clock rate.
func (lc *linkCtrl) start(evtMgr *EventManager) {
	offset := lc.u01() * lc.tClock
	evtMgr.Schedule(lc, nil, lleTick, vrtime.SecondsToTime(offset))
}

// lleTick makes one attempt and re-arms itself.  The chain dies on its own
// when the next tick would land past the run horizon.
func lleTick(evtMgr *EventManager, context any, data any) any {
	lc := context.(*linkCtrl)
	lc.attemptOnce(evtMgr)
	evtMgr.Schedule(lc, nil, lleTick, vrtime.SecondsToTime(lc.tClock))
	return nil
}

// attempt is the LLE generation experiment itself: one Bernoulli draw
func attempt(prob, draw float64) bool {
	return draw < prob
}

// attemptOnce runs one clock tick: pick the request arbitration serves
// next, draw against its flow's success probability, and on success claim
// a storage slot on each side and notify both nodes.  No queued demand
// means an idle tick.
func (lc *linkCtrl) attemptOnce(evtMgr *EventManager) {
	cand, sideIdx := lc.oldestEligible()
	if cand == nil {
		return
	}

	now := evtMgr.CurrentSeconds()
	flowID := cand.req.flowID
	lc.mc.IncCounter(cntLLEAttempts, flowID)

	if !attempt(lc.probByFlow[flowID], lc.u01()) {
		return
	}

	near := lc.side[sideIdx]
	far := lc.side[1-sideIdx]
	nearPool := near.node.poolAt(near.nodePort)
	farPool := far.node.poolAt(far.nodePort)

	// success is wasted if either side has nowhere to store its half
	if nearPool.freeSlots() == 0 || farPool.freeSlots() == 0 {
		lc.mc.IncCounter(cntLLENoSlot, flowID)
		AddLLETrace(lc.tm, evtMgr.CurrentTime(), 0, flowID, cand.req.reqID, lc.num, "no_slot")
		return
	}

	nearRef, nearOK := nearPool.alloc(evtMgr, nil)
	farRef, farOK := farPool.alloc(evtMgr, nil)
	if !nearOK || !farOK {
		panic(fmt.Errorf("link controller %s failed to allocate checked slots", lc.name))
	}

	lc.nxtLLE += 1
	lleID := lc.nxtLLE
	lc.mc.IncCounter(cntLLESuccesses, flowID)
	if last, present := lc.lastAssign[flowID]; present {
		lc.mc.AddSample(mtrIRG, now, now-last, flowID, lc.name)
	}
	lc.lastAssign[flowID] = now
	AddLLETrace(lc.tm, evtMgr.CurrentTime(), lleID, flowID, cand.req.reqID, lc.num, "success")
	lc.lg.Debug(now, "lle success", "lc", lc.name, "flow", flowID, "req", cand.req.reqID)

	ownMsg := &lleNotifyMsg{lleID: lleID, flowID: flowID, reqID: cand.req.reqID,
		owner: true, slot: nearRef, peer: farRef, genTime: now, fidelity: 1.0}
	peerMsg := &lleNotifyMsg{lleID: lleID, flowID: flowID, reqID: cand.req.reqID,
		owner: false, slot: farRef, peer: nearRef, genTime: now, fidelity: 1.0}
	lc.chanByPort[near.lcPort].Send(evtMgr, lc, ownMsg)
	lc.chanByPort[far.lcPort].Send(evtMgr, lc, peerMsg)
}

// oldestEligible scans the request queues facing this controller on both
// adjacent nodes and picks the entry arbitration serves next.  The lower
// side index wins exact ties.
func (lc *linkCtrl) oldestEligible() (*queuedReq, int) {
	var best *queuedReq
	bestSide := -1
	for s := 0; s < 2; s++ {
		rq := lc.side[s].node.queueAt(lc.side[s].nodePort)
		for _, entry := range rq.entries {
			_, registered := lc.probByFlow[entry.req.flowID]
			if !registered {
				continue
			}
			if best == nil || servedBefore(entry, best) {
				best = entry
				bestSide = s
			}
		}
	}
	return best, bestSide
}

// servedBefore orders queue entries for arbitration: higher flow priority
// first, then earlier queue entry, then insertion order
func servedBefore(a, b *queuedReq) bool {
	if a.prio != b.prio {
		return a.prio > b.prio
	}
	if a.entered != b.entered {
		return a.entered < b.entered
	}
	return a.seq < b.seq
}

// recv handles messages arriving on a controller port.  Flow deletions are
// absorbed into local state and passed on; all other routable packets are
// relayed out the far port.
func (lc *linkCtrl) recv(evtMgr *EventManager, msg any, port string) {
	switch m := msg.(type) {
	case *flowDeleteMsg:
		lc.removeFlow(m.flowID)
		if m.dest != lc.name {
			lc.relay(evtMgr, msg, port)
		}
	case routable:
		lc.relay(evtMgr, m, port)
	default:
		panic(fmt.Errorf("link controller %s cannot handle %s message", lc.name, msgTypeStr(msg)))
	}
}

// relay forwards a packet out the port it did not arrive on
func (lc *linkCtrl) relay(evtMgr *EventManager, msg any, port string) {
	out := "lc1"
	if port == "lc1" {
		out = "lc0"
	}
	lc.chanByPort[out].Send(evtMgr, lc, msg)
}
