package qnes

// aqm.go implements active queue management for request admission.  Every
// node runs one controller instance per flow crossing it, all sharing the
// node's constants.  The window discipline converts sampled queue occupancy
// directly into an admitted-rate window; the pi discipline reproduces the
// PI marking controller of the congestion-control literature, driving ECN
// marks that the flow origin converts into window decreases.

import (
	"fmt"
	"math"
)

// aqmDiscipline selects how queue occupancy turns into admission control
type aqmDiscipline int

const (
	aqmWindow aqmDiscipline = iota
	aqmPI
)

var adToStr map[aqmDiscipline]string = map[aqmDiscipline]string{
	aqmWindow: "window", aqmPI: "pi"}

var adFromStr map[string]aqmDiscipline = map[string]aqmDiscipline{
	"window": aqmWindow, "pi": aqmPI}

// aqmConsts are the control-loop constants shared by every flow at a node
type aqmConsts struct {
	qRef     float64 // reference queue occupancy
	rPlus    float64 // additive window increase per interval, per second
	wCap     float64 // window ceiling C, per second
	nMinus   float64 // decrease divisor
	interval float64 // control interval, time units
}

// aqmState is the per-flow loop state at one node.  The window is an
// admitted rate in requests per second, always within [0, wCap].
type aqmState struct {
	flowID int
	window float64
	queue  float64 // last sampled occupancy
}

// createAQMState starts a flow's loop state with the window at the ceiling;
// the loop pulls it down as occupancy builds
func createAQMState(flowID int, c aqmConsts) *aqmState {
	return &aqmState{flowID: flowID, window: c.wCap}
}

// additiveIncrease opens the window one step, applied per clean ack under
// the pi discipline
func (as *aqmState) additiveIncrease(c aqmConsts) {
	as.window = math.Min(as.window+c.rPlus, c.wCap)
}

// updateWindow applies one control interval's worth of adjustment for the
// sampled queue occupancy: additive increase at or below the reference,
// proportional pull-back toward it above.
func (as *aqmState) updateWindow(c aqmConsts, q float64) {
	as.queue = q
	if q <= c.qRef {
		as.window = math.Min(as.window+c.rPlus, c.wCap)
	} else {
		as.window = math.Max(as.window-(q-c.qRef)/c.nMinus, 0.0)
	}
}

// congestionDecrease reacts to an ECN-marked ack under the pi discipline:
// a capacity-referenced pull-back of the origin's window
func (as *aqmState) congestionDecrease(c aqmConsts) {
	as.window = math.Max(as.window-as.window/c.nMinus, 0.0)
}

// piController carries the PI marking loop of one node port.  The gains
// derive from the shared AQM constants; update runs once per sampling
// interval and the marking probability is read when forwarding decisions
// are made.
type piController struct {
	alpha float64
	beta  float64
	qRef  float64

	qOld float64
	pOld float64
	p    float64
}

// createPIController derives the controller gains from the AQM constants.
// rPlus acts as the largest stable round-trip time, wCap as the channel
// capacity in attempts per second, nMinus as the minimum multiplexed flow
// count.  The second return is the derived sampling interval in seconds.
func createPIController(rPlus, wCap, nMinus, qRef float64) (*piController, float64, error) {
	omegaG := 2.0 * nMinus / (rPlus * rPlus * wCap)
	if !(omegaG < 0.05/rPlus) {
		return nil, 0.0, fmt.Errorf("pi controller unstable: omega_g %f exceeds %f", omegaG, 0.05/rPlus)
	}
	T := 1.0 / (omegaG * 100.0)

	kPI := math.Hypot(1.0, omegaG*rPlus) / (math.Pow(rPlus*wCap, 3.0) / math.Pow(2.0*nMinus, 2.0))
	kPI = kPI * omegaG * 100.0

	if !(1.0-omegaG*T > 0.0) {
		return nil, 0.0, fmt.Errorf("pi controller unstable: sampling interval %f too long", T)
	}

	pi := new(piController)
	pi.alpha = kPI / omegaG
	pi.beta = pi.alpha * (1.0 - omegaG*T)
	pi.qRef = qRef
	return pi, T, nil
}

// update advances the marking probability for a new queue sample
func (pi *piController) update(q float64) {
	pi.p = pi.alpha*(q-pi.qRef) - pi.beta*(pi.qOld-pi.qRef) + pi.pOld
	pi.qOld = q
	pi.pOld = pi.p
}

// markingProbability gives the current probability, clamped into [0,1]
// for use against a uniform draw
func (pi *piController) markingProbability() float64 {
	return math.Max(0.0, math.Min(1.0, pi.p))
}
