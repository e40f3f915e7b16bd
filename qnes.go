package qnes

// qnes.go assembles a runnable network instance from validated
// configuration: the nodes, link controllers, channels, and flows, plus
// the initial events that set the simulation in motion.  Every instance
// is self-contained; repetitions never share state.

import (
	"fmt"

	"github.com/iti/evt/vrtime"
	"github.com/iti/rngstream"
)

// QNetwork is one independent instance of the simulated network
type QNetwork struct {
	Name string

	evtMgr        *EventManager
	params        *netParams
	simulateUntil float64

	NodeByName map[string]*qNode
	LCByName   map[string]*linkCtrl
	FlowByID   map[int]*flow

	nodes []*qNode // build order, for deterministic start
	lcs   []*linkCtrl
	chans []*channel

	mc *MetricsCollector
	tm *TraceManager
	lg *SimLogger
}

// CreateQNetwork builds the network instance for one repetition.  The
// configuration is validated first; any violation refuses the build.
// RNG streams are created here, in a fixed order, so identical input
// reproduces identical runs.
func CreateQNetwork(tc *TopoCfg, ec *ExpCfg, rep int) (*QNetwork, error) {
	verr := ReportErrs([]error{ValidateTopoCfg(tc), ValidateExpCfg(ec, tc)})
	if verr != nil {
		return nil, verr
	}

	// a nonzero seed pins the sequence of rng streams handed out below,
	// offset by the repetition so repetitions differ but reproduce
	if ec.Seed != 0 {
		rngstream.SetRngStreamMasterSeed(uint64(ec.Seed) + uint64(rep))
	}

	unit := ec.TimeUnit
	if unit == "" {
		unit = "us"
	}
	unitFactor, uerr := timeUnitFactor(unit)
	if uerr != nil {
		return nil, uerr
	}

	discipline := ec.AQMDiscipline
	if discipline == "" {
		discipline = "window"
	}
	maxBacklog := ec.MaxBacklog
	if maxBacklog == 0 {
		maxBacklog = defaultMaxBacklog
	}

	qn := new(QNetwork)
	qn.Name = ec.Name
	qn.evtMgr = CreateEventManager()
	qn.simulateUntil = ec.SimulateUntil
	qn.params = &netParams{
		unitFactor: unitFactor,
		aqm: aqmConsts{qRef: ec.QRef, rPlus: ec.RPlus, wCap: ec.C,
			nMinus: ec.NMinus, interval: ec.AQMInterval},
		discipline: adFromStr[discipline],
		maxBacklog: maxBacklog,
	}
	qn.mc = CreateMetricsCollector(rep)
	qn.tm = CreateTraceManager(ec.Name, ec.UseTrace)
	qn.lg = CreateSimLogger(ec.Log, rep)
	qn.NodeByName = make(map[string]*qNode)
	qn.LCByName = make(map[string]*linkCtrl)
	qn.FlowByID = make(map[int]*flow)

	num := 0
	for _, nd := range tc.Nodes {
		node := createQNode(nd.Name, num, qn.params, qn.mc, qn.tm, qn.lg)
		node.portBacklog = ec.PortBacklog
		if node.portBacklog == 0 {
			node.portBacklog = nd.StorageQbits
		}
		qn.tm.AddName(num, nd.Name, "node")
		qn.NodeByName[nd.Name] = node
		qn.nodes = append(qn.nodes, node)
		num += 1
	}

	descByName := make(map[string]QNodeDesc)
	for _, nd := range tc.Nodes {
		descByName[nd.Name] = nd
	}

	for _, lcd := range tc.LinkCtrls {
		lc := createLinkCtrl(lcd.Name, num, lcd.TClock, qn.mc, qn.tm, qn.lg)
		qn.tm.AddName(num, lcd.Name, "linkctrl")
		qn.LCByName[lcd.Name] = lc
		qn.lcs = append(qn.lcs, lc)
		num += 1

		left := qn.NodeByName[lcd.Left]
		right := qn.NodeByName[lcd.Right]
		leftDesc := descByName[lcd.Left]
		rightDesc := descByName[lcd.Right]

		// the left node faces this link by q1, the right node by q0,
		// each backed by its own pool and queue
		left.addPort("q1", leftDesc.StorageQbits, leftDesc.DecoherenceRate)
		right.addPort("q0", rightDesc.StorageQbits, rightDesc.DecoherenceRate)
		lc.side[0] = lcSide{node: left, nodePort: "q1", lcPort: "lc0"}
		lc.side[1] = lcSide{node: right, nodePort: "q0", lcPort: "lc1"}

		chLeft := createChannel(lcd.Name+".lc0", lcd.Delay, left, "q1", lc, "lc0")
		chRight := createChannel(lcd.Name+".lc1", lcd.Delay, right, "q0", lc, "lc1")
		left.chanByPort["q1"] = chLeft
		lc.chanByPort["lc0"] = chLeft
		right.chanByPort["q0"] = chRight
		lc.chanByPort["lc1"] = chRight
		qn.chans = append(qn.chans, chLeft, chRight)
	}

	for i := range ec.Flows {
		flw := buildFlow(&ec.Flows[i])
		qn.FlowByID[flw.flowID] = flw
		for idx, name := range flw.path {
			if idx%2 == 0 {
				qn.NodeByName[name].registerFlow(flw)
				continue
			}
			if err := qn.LCByName[name].registerFlow(flw); err != nil {
				return nil, err
			}
		}
	}

	if qn.params.discipline == aqmPI {
		for _, node := range qn.nodes {
			if err := node.enablePI(); err != nil {
				return nil, err
			}
		}
	}

	return qn, nil
}

// Start schedules the initial events: every link controller's offset
// first tick, every node's AQM tick, and the request generators of every
// originated flow
func (qn *QNetwork) Start() {
	for _, lc := range qn.lcs {
		lc.start(qn.evtMgr)
	}
	for _, node := range qn.nodes {
		node.start(qn.evtMgr)
	}
}

// Run drives the event loop to the configured horizon
func (qn *QNetwork) Run() {
	qn.lg.Info(qn.evtMgr.CurrentSeconds(), "run starting", "network", qn.Name,
		"until", qn.simulateUntil)
	qn.evtMgr.Run(qn.simulateUntil)
	qn.lg.Info(qn.evtMgr.CurrentSeconds(), "run finished", "network", qn.Name,
		"pending", qn.evtMgr.Pending())
}

// EventManager exposes the instance's scheduler, for drivers and tests
func (qn *QNetwork) EventManager() *EventManager {
	return qn.evtMgr
}

// Metrics exposes the instance's collector
func (qn *QNetwork) Metrics() *MetricsCollector {
	return qn.mc
}

// Trace exposes the instance's trace manager
func (qn *QNetwork) Trace() *TraceManager {
	return qn.tm
}

// RemoveFlow tears a flow down: the origin's generator event is canceled
// and its local state purged directly, and a deletion packet sweeps the
// rest of the path so every device forgets the flow
func (qn *QNetwork) RemoveFlow(flowID int) error {
	flw, present := qn.FlowByID[flowID]
	if !present {
		return fmt.Errorf("no flow %d to remove", flowID)
	}
	origin := qn.NodeByName[flw.origin()]
	outPort, err := flw.outPortAt(origin.name)
	if err != nil {
		return err
	}
	origin.purgeFlow(qn.evtMgr, flowID)
	origin.chanByPort[outPort].Send(qn.evtMgr, origin,
		&flowDeleteMsg{flowID: flowID, dest: flw.terminal()})
	delete(qn.FlowByID, flowID)
	qn.lg.Info(qn.evtMgr.CurrentSeconds(), "flow removed", "flow", flowID)
	return nil
}

// ScheduleFlowRemoval arms a teardown of the named flow at an absolute
// simulation time, for removal while a run is in progress
func (qn *QNetwork) ScheduleFlowRemoval(flowID int, at float64) int {
	delay := at - qn.evtMgr.CurrentSeconds()
	return qn.evtMgr.Schedule(qn, flowID, removeFlowEvt, vrtime.SecondsToTime(delay))
}

func removeFlowEvt(evtMgr *EventManager, context any, data any) any {
	qn := context.(*QNetwork)
	if err := qn.RemoveFlow(data.(int)); err != nil {
		qn.lg.Warn(evtMgr.CurrentSeconds(), "flow removal failed", "err", err.Error())
	}
	return nil
}
