package qnes

import (
	"testing"

	"github.com/iti/rngstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLink wires two nodes and a controller the way network assembly does.
// Arbitration and slot accounting need no channels, so none are attached.
func testLink(slots int) (*qNode, *qNode, *linkCtrl, *MetricsCollector) {
	mc := CreateMetricsCollector(0)
	tm := CreateTraceManager("linkctrl", false)
	lg := NopLogger()
	params := &netParams{unitFactor: 1.0, aqm: refConsts(), discipline: aqmWindow, maxBacklog: 1000}

	left := createQNode("qn0", 0, params, mc, tm, lg)
	right := createQNode("qn1", 1, params, mc, tm, lg)
	left.addPort("q1", slots, 0.0)
	right.addPort("q0", slots, 0.0)

	lc := createLinkCtrl("lc0", 2, 1.0, mc, tm, lg)
	lc.side[0] = lcSide{node: left, nodePort: "q1", lcPort: "lc0"}
	lc.side[1] = lcSide{node: right, nodePort: "q0", lcPort: "lc1"}
	return left, right, lc, mc
}

func TestServedBeforeOrdering(t *testing.T) {
	cases := []struct {
		name string
		a, b *queuedReq
		want bool
	}{
		{"higher priority first",
			&queuedReq{prio: 5, entered: 9.0, seq: 9}, &queuedReq{prio: 1, entered: 1.0, seq: 1}, true},
		{"lower priority last",
			&queuedReq{prio: 1, entered: 1.0, seq: 1}, &queuedReq{prio: 5, entered: 9.0, seq: 9}, false},
		{"earlier entry wins within a priority",
			&queuedReq{prio: 2, entered: 1.0, seq: 9}, &queuedReq{prio: 2, entered: 2.0, seq: 1}, true},
		{"insertion order breaks exact time ties",
			&queuedReq{prio: 2, entered: 1.0, seq: 1}, &queuedReq{prio: 2, entered: 1.0, seq: 2}, true},
		{"an entry does not precede itself",
			&queuedReq{prio: 2, entered: 1.0, seq: 1}, &queuedReq{prio: 2, entered: 1.0, seq: 1}, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, servedBefore(tc.a, tc.b), tc.name)
	}
}

func TestArbitrationPrefersPriority(t *testing.T) {
	left, right, lc, _ := testLink(4)
	up := buildFlow(upFlowDesc(1, 0))
	down := buildFlow(downFlowDesc(2, 3))
	require.NoError(t, lc.registerFlow(up))
	require.NoError(t, lc.registerFlow(down))

	// the low-priority request is older, the high-priority one still wins
	left.queueAt("q1").push(&request{reqID: 1, flowID: 1}, up.priority, 0.0)
	right.queueAt("q0").push(&request{reqID: 2, flowID: 2}, down.priority, 5.0)

	best, side := lc.oldestEligible()
	require.NotNil(t, best)
	assert.Equal(t, 2, best.req.flowID)
	assert.Equal(t, 1, side)
}

func TestArbitrationFIFOAcrossSides(t *testing.T) {
	left, right, lc, _ := testLink(4)
	up := buildFlow(upFlowDesc(1, 2))
	down := buildFlow(downFlowDesc(2, 2))
	require.NoError(t, lc.registerFlow(up))
	require.NoError(t, lc.registerFlow(down))

	left.queueAt("q1").push(&request{reqID: 1, flowID: 1}, up.priority, 2.0)
	right.queueAt("q0").push(&request{reqID: 2, flowID: 2}, down.priority, 1.0)

	best, side := lc.oldestEligible()
	require.NotNil(t, best)
	assert.Equal(t, 2, best.req.flowID, "equal priority falls back to queue entry time")
	assert.Equal(t, 1, side)
}

func TestArbitrationTieFavorsLowerSide(t *testing.T) {
	left, right, lc, _ := testLink(4)
	up := buildFlow(upFlowDesc(1, 2))
	down := buildFlow(downFlowDesc(2, 2))
	require.NoError(t, lc.registerFlow(up))
	require.NoError(t, lc.registerFlow(down))

	// same priority, same entry time, same per-queue insertion sequence
	left.queueAt("q1").push(&request{reqID: 1, flowID: 1}, up.priority, 1.0)
	right.queueAt("q0").push(&request{reqID: 2, flowID: 2}, down.priority, 1.0)

	best, side := lc.oldestEligible()
	require.NotNil(t, best)
	assert.Equal(t, 1, best.req.flowID)
	assert.Equal(t, 0, side)
}

func TestArbitrationIgnoresForeignFlows(t *testing.T) {
	left, right, lc, _ := testLink(4)
	up := buildFlow(upFlowDesc(1, 0))
	require.NoError(t, lc.registerFlow(up))

	// flow 9 never registered with this controller
	right.queueAt("q0").push(&request{reqID: 9, flowID: 9}, 0, 0.0)
	best, side := lc.oldestEligible()
	assert.Nil(t, best)
	assert.Equal(t, -1, side)

	left.queueAt("q1").push(&request{reqID: 1, flowID: 1}, 0, 5.0)
	best, _ = lc.oldestEligible()
	require.NotNil(t, best)
	assert.Equal(t, 1, best.req.flowID, "an older foreign entry cannot win")
}

func TestAttemptThreshold(t *testing.T) {
	assert.True(t, attempt(0.3, 0.29))
	assert.False(t, attempt(0.3, 0.3))
	assert.False(t, attempt(0.0, 0.0))
	assert.True(t, attempt(1.0, 0.9999))
}

func TestNoFreeSlotWastesSuccess(t *testing.T) {
	left, right, lc, mc := testLink(2)
	up := buildFlow(upFlowDesc(7, 0))
	require.NoError(t, lc.registerFlow(up))
	evtMgr := CreateEventManager()

	// saturate the near pool so the landed attempt has nowhere to store
	pool := left.poolAt("q1")
	for pool.freeSlots() > 0 {
		_, ok := pool.alloc(evtMgr, nil)
		require.True(t, ok)
	}
	left.queueAt("q1").push(&request{reqID: 1, flowID: 7}, 0, 0.0)

	lc.attemptOnce(evtMgr)
	assert.Equal(t, int64(1), mc.Counter(cntLLEAttempts, 7))
	assert.Equal(t, int64(1), mc.Counter(cntLLENoSlot, 7))
	assert.Equal(t, int64(0), mc.Counter(cntLLESuccesses, 7))
	assert.Equal(t, 1, left.queueAt("q1").len(), "the request stays queued for a later attempt")
	assert.Equal(t, 0, right.poolAt("q0").occupiedSlots(), "no far half is claimed")

	// the far side being full wastes the attempt the same way
	left2, right2, lc2, mc2 := testLink(2)
	require.NoError(t, lc2.registerFlow(up))
	farPool := right2.poolAt("q0")
	for farPool.freeSlots() > 0 {
		_, ok := farPool.alloc(evtMgr, nil)
		require.True(t, ok)
	}
	left2.queueAt("q1").push(&request{reqID: 2, flowID: 7}, 0, 0.0)
	lc2.attemptOnce(evtMgr)
	assert.Equal(t, int64(1), mc2.Counter(cntLLENoSlot, 7))
	assert.Equal(t, 0, left2.poolAt("q1").occupiedSlots())
}

func TestIdleTickMakesNoAttempt(t *testing.T) {
	_, _, lc, mc := testLink(2)
	up := buildFlow(upFlowDesc(1, 0))
	require.NoError(t, lc.registerFlow(up))

	lc.attemptOnce(CreateEventManager())
	assert.Equal(t, int64(0), mc.CounterTotal(cntLLEAttempts), "no queued demand, no attempt")
}

func TestAttemptSuccessRate(t *testing.T) {
	rng := rngstream.New("bernoulli-check")
	const trials = 100000
	hits := 0
	for i := 0; i < trials; i++ {
		if attempt(0.25, rng.RandU01()) {
			hits += 1
		}
	}
	// sd of the fraction is about 0.0014 here; allow five of them
	assert.InDelta(t, 0.25, float64(hits)/trials, 0.007)
}

// Independent per-hop draws compose multiplicatively: the chance that one
// tick's attempt would land on every hop of a path is the product of the
// per-hop probabilities.
func TestIndependentHopAttemptsCompose(t *testing.T) {
	rng := rngstream.New("hop-compose")
	probs := []float64{0.1, 0.04, 0.1, 0.1}
	product := 1.0
	for _, p := range probs {
		product *= p
	}

	const trials = 2000000
	endToEnd := 0
	for i := 0; i < trials; i++ {
		all := true
		for _, p := range probs {
			if !attempt(p, rng.RandU01()) {
				all = false
			}
		}
		if all {
			endToEnd += 1
		}
	}
	// mean 80 with sd just under 9; allow five sigma
	assert.InDelta(t, product*trials, float64(endToEnd), 45.0)
}
