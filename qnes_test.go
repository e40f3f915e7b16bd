package qnes

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// chainTopo builds an n-node chain with uniform storage and link parameters
func chainTopo(n, slots int, decoRate, tClock, delay float64) *TopoCfg {
	tc := &TopoCfg{Name: fmt.Sprintf("chain%d", n)}
	for i := 0; i < n; i++ {
		tc.Nodes = append(tc.Nodes, QNodeDesc{Name: fmt.Sprintf("qn%d", i),
			StorageQbits: slots, DecoherenceRate: decoRate})
	}
	for i := 0; i < n-1; i++ {
		tc.LinkCtrls = append(tc.LinkCtrls, LinkCtrlDesc{Name: fmt.Sprintf("lc%d", i),
			Left: fmt.Sprintf("qn%d", i), Right: fmt.Sprintf("qn%d", i+1),
			TClock: tClock, Delay: delay})
	}
	return tc
}

// chainPath interleaves the chain's device names end to end
func chainPath(tc *TopoCfg) []string {
	path := []string{tc.Nodes[0].Name}
	for i, lcd := range tc.LinkCtrls {
		path = append(path, lcd.Name, tc.Nodes[i+1].Name)
	}
	return path
}

// chainExp gives the experiment constants shared by the end-to-end runs
func chainExp(until float64) *ExpCfg {
	return &ExpCfg{Name: "itest", TimeUnit: "us", SimulateUntil: until,
		RPlus: 0.05, C: 4000.0, NMinus: 4.0, QRef: 5.0,
		AQMInterval: 1000.0, AQMDiscipline: "window", Seed: 11}
}

// upChainFlow describes a source-to-sink flow over the whole chain
func upChainFlow(tc *TopoCfg, flowID, prio int, probs []float64, rate float64) FlowDesc {
	return FlowDesc{FlowID: flowID, FlowPriority: prio,
		Source: tc.Nodes[0].Name, Destination: tc.Nodes[len(tc.Nodes)-1].Name,
		Path: chainPath(tc), SuccessProbs: probs,
		Direction: "upstream", RequestRate: rate}
}

// runNetwork builds one repetition and runs it to its horizon
func runNetwork(t *testing.T, tc *TopoCfg, ec *ExpCfg) *QNetwork {
	t.Helper()
	qn, err := CreateQNetwork(tc, ec, 0)
	require.NoError(t, err)
	qn.Start()
	qn.Run()
	return qn
}

func TestEndToEndCompletions(t *testing.T) {
	tc := chainTopo(3, 8, 0.0, 50.0, 5.0)
	ec := chainExp(100000.0)
	ec.Flows = []FlowDesc{upChainFlow(tc, 1, 1, []float64{1.0, 1.0}, 2000.0)}

	qn := runNetwork(t, tc, ec)
	mc := qn.Metrics()

	completed := mc.Counter(cntCompleted, 1)
	require.Greater(t, completed, int64(50))
	assert.Zero(t, mc.CounterTotal(cntDropDecoherence))

	lat := mc.Samples(mtrLatency)
	require.Len(t, lat, int(completed))
	for _, s := range lat {
		assert.Greater(t, s.Value, 0.0)
		assert.Equal(t, "qn2", s.Node)
	}

	// no decoherence configured, so pairs arrive at full fidelity
	for _, s := range mc.Samples(mtrFidelity) {
		assert.Equal(t, 1.0, s.Value)
	}
	// every rendezvous happens at the terminal
	for _, s := range mc.Samples(mtrRendezvous) {
		assert.Equal(t, 2.0, s.Value)
	}

	// a completion consumes one pair per link
	assert.GreaterOrEqual(t, mc.CounterTotal(cntLLESuccesses), 2*completed)
	assert.GreaterOrEqual(t, mc.CounterTotal(cntLLEAttempts), mc.CounterTotal(cntLLESuccesses))

	// pair assignments happen on attempt-clock ticks, so the gaps between
	// them are whole multiples of t_clock
	for _, s := range mc.Samples(mtrIRG) {
		require.Greater(t, s.Value, 0.0)
		k := math.Round(s.Value / 50.0)
		assert.GreaterOrEqual(t, k, 1.0)
		assert.InDelta(t, k*50.0, s.Value, 1e-6)
	}
}

func TestSeedReproducesRuns(t *testing.T) {
	tc := chainTopo(2, 8, 0.0, 50.0, 5.0)
	build := func(seed int64) *QNetwork {
		ec := chainExp(50000.0)
		ec.Seed = seed
		ec.Flows = []FlowDesc{upChainFlow(tc, 1, 1, []float64{1.0}, 2000.0)}
		return runNetwork(t, tc, ec)
	}

	a := build(11)
	b := build(11)
	require.NotEmpty(t, a.Metrics().Samples(mtrLatency))
	require.Equal(t, a.Metrics().Samples(mtrLatency), b.Metrics().Samples(mtrLatency))
	require.Equal(t, a.Metrics().Results(), b.Metrics().Results())

	c := build(12)
	assert.NotEqual(t, a.Metrics().Samples(mtrLatency), c.Metrics().Samples(mtrLatency))
}

func TestDecoherenceDropsInFlight(t *testing.T) {
	// pair halves live 150 time units; the owner notification arrives at
	// age 100, but the forwarded request needs two more hops of 100 each,
	// so every match decoheres in flight
	tc := chainTopo(2, 4, 1e6/150.0, 50.0, 100.0)
	ec := chainExp(50000.0)
	ec.Flows = []FlowDesc{upChainFlow(tc, 1, 1, []float64{1.0}, 1000.0)}

	qn := runNetwork(t, tc, ec)
	mc := qn.Metrics()

	assert.Zero(t, mc.Counter(cntCompleted, 1))
	assert.Empty(t, mc.Samples(mtrLatency))
	assert.Empty(t, mc.Samples(mtrFidelity))

	drops := mc.Counter(cntDropDecoherence, 1)
	require.Greater(t, drops, int64(10))
	assert.LessOrEqual(t, drops, mc.Counter(cntLLESuccesses, 1))
}

func TestThroughputStepIncrease(t *testing.T) {
	tc := chainTopo(2, 8, 0.0, 100.0, 10.0)
	ec := chainExp(2000000.0)
	ec.AQMInterval = 10000.0
	fd := upChainFlow(tc, 1, 1, []float64{1.0}, 20.0)
	fd.IncreaseAt = 1000000.0
	fd.IncreaseBy = 200.0
	ec.Flows = []FlowDesc{fd}

	qn := runNetwork(t, tc, ec)

	var before, after int
	for _, s := range qn.Metrics().Samples(mtrThroughput) {
		if s.Time <= 1000000.0 {
			before++
		} else {
			after++
		}
	}
	require.Greater(t, before, 0)
	assert.Greater(t, after, 2*before)
}

func TestRequestTraceLifecycle(t *testing.T) {
	tc := chainTopo(3, 8, 0.0, 20.0, 5.0)
	ec := chainExp(50000.0)
	ec.UseTrace = true
	ec.Flows = []FlowDesc{upChainFlow(tc, 1, 1, []float64{1.0, 1.0}, 100.0)}

	qn := runNetwork(t, tc, ec)
	tm := qn.Trace()
	require.True(t, tm.Active())

	recs := tm.Traces[1]
	require.NotEmpty(t, recs)

	var ops []string
	var objs []int
	for _, inst := range recs {
		if inst.TraceType != "request" {
			continue
		}
		var rtr ReqTrace
		require.NoError(t, yaml.Unmarshal([]byte(inst.TraceStr), &rtr))
		require.Equal(t, int64(1), rtr.ReqID)
		ops = append(ops, rtr.Op)
		objs = append(objs, rtr.ObjID)
	}

	assert.Equal(t, []string{"generate", "queue", "match", "forward",
		"arrive", "queue", "match", "forward", "arrive", "complete"}, ops)
	assert.Equal(t, []int{0, 0, 0, 0, 1, 1, 1, 1, 2, 2}, objs)
}

func TestFlowRemovalMidRun(t *testing.T) {
	tc := chainTopo(2, 8, 0.0, 50.0, 5.0)
	ec := chainExp(50000.0)
	up := upChainFlow(tc, 1, 1, []float64{1.0}, 1000.0)
	down := FlowDesc{FlowID: 2, FlowPriority: 1, Source: "qn1", Destination: "qn0",
		Path: chainPath(tc), SuccessProbs: []float64{1.0},
		Direction: "downstream", RequestRate: 1000.0}
	ec.Flows = []FlowDesc{up, down}

	qn, err := CreateQNetwork(tc, ec, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, qn.ScheduleFlowRemoval(2, 25000.0), 0)
	qn.Start()
	qn.Run()
	mc := qn.Metrics()

	// flow 2 ran until its removal and then disappeared everywhere
	assert.Greater(t, mc.Counter(cntCompleted, 2), int64(0))
	_, present := qn.FlowByID[2]
	assert.False(t, present)
	_, present = qn.FlowByID[1]
	assert.True(t, present)
	for _, name := range []string{"qn0", "qn1"} {
		_, present = qn.NodeByName[name].flows[2]
		assert.False(t, present, name)
	}
	_, present = qn.LCByName["lc0"].probByFlow[2]
	assert.False(t, present)
	assert.Zero(t, qn.NodeByName["qn1"].queueAt("q0").lenFlow(2))
	assert.Zero(t, qn.NodeByName["qn0"].queueAt("q1").lenFlow(2))

	// in-flight stragglers land just after the teardown, nothing later;
	// the surviving flow keeps completing
	lastSurvivor := 0.0
	for _, s := range qn.Metrics().Samples(mtrThroughput) {
		if s.FlowID == 2 {
			assert.LessOrEqual(t, s.Time, 25200.0)
		} else {
			lastSurvivor = math.Max(lastSurvivor, s.Time)
		}
	}
	assert.Greater(t, lastSurvivor, 30000.0)

	assert.Error(t, qn.RemoveFlow(2))
}

func TestPriorityStarvesLowUnderLoad(t *testing.T) {
	// one arbitration winner per 500us tick is well under the combined
	// demand, and the high priority wins every contested tick
	tc := chainTopo(2, 8, 0.0, 500.0, 10.0)
	ec := chainExp(500000.0)
	ec.PortBacklog = 400
	ec.Flows = []FlowDesc{
		upChainFlow(tc, 1, 5, []float64{1.0}, 100000.0),
		upChainFlow(tc, 2, 1, []float64{1.0}, 2000.0),
	}

	qn := runNetwork(t, tc, ec)
	mc := qn.Metrics()

	hi := mc.Counter(cntCompleted, 1)
	lo := mc.Counter(cntCompleted, 2)
	require.Greater(t, hi, int64(500))
	assert.Less(t, lo, hi/10)

	// the starved flow's admitted requests sit queued, never arbitrated,
	// and its admission window collapses while the served flow's stays open
	n0 := qn.NodeByName["qn0"]
	assert.Greater(t, n0.queueAt("q1").lenFlow(2), 0)
	assert.Less(t, n0.aqmByFlow[2].window, n0.aqmByFlow[1].window)
}

func TestPIDisciplineEndToEnd(t *testing.T) {
	tc := chainTopo(2, 8, 0.0, 100.0, 10.0)
	ec := chainExp(200000.0)
	ec.AQMDiscipline = "pi"
	ec.AQMInterval = 0.0 // derive the sampling period from the gains
	ec.Flows = []FlowDesc{upChainFlow(tc, 1, 1, []float64{0.2}, 3000.0)}

	qn := runNetwork(t, tc, ec)
	mc := qn.Metrics()

	assert.Greater(t, mc.Counter(cntCompleted, 1), int64(0))

	// acks moved the origin window, and it stayed inside [0, C]
	st := qn.NodeByName["qn0"].aqmByFlow[1]
	assert.GreaterOrEqual(t, st.window, 0.0)
	assert.LessOrEqual(t, st.window, ec.C)

	// the port controller's probability is a probability
	pi := qn.NodeByName["qn0"].piByPort["q1"]
	p := pi.markingProbability()
	assert.GreaterOrEqual(t, p, 0.0)
	assert.LessOrEqual(t, p, 1.0)

	// demand exceeds the link's service rate, so occupancy was sampled
	// above the reference at least once
	sawBacklog := false
	for _, s := range mc.Samples(mtrQueueSize) {
		if s.Node == "qn0" && s.Value > ec.QRef {
			sawBacklog = true
		}
	}
	assert.True(t, sawBacklog)
}

func TestWindowClosesUnderCongestion(t *testing.T) {
	// no attempt ever succeeds, so queued demand never drains and the
	// admission window must walk down from its ceiling to exactly zero
	tc := chainTopo(2, 4, 0.0, 50.0, 5.0)
	ec := chainExp(800000.0)
	ec.C = 500.0
	ec.Flows = []FlowDesc{upChainFlow(tc, 1, 1, []float64{0.0}, 2000.0)}

	qn := runNetwork(t, tc, ec)
	mc := qn.Metrics()

	assert.Zero(t, mc.Counter(cntCompleted, 1))
	assert.Zero(t, mc.CounterTotal(cntLLESuccesses))
	assert.Greater(t, mc.Counter(cntDropAdmission, 1), int64(0))

	st := qn.NodeByName["qn0"].aqmByFlow[1]
	assert.Equal(t, 0.0, st.window)

	// the stuck requests still sit queued against the out port
	assert.Equal(t, 8, qn.NodeByName["qn0"].queueAt("q1").len())
}
