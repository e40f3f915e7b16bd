package qnes

// utils.go holds small numerical helpers shared across the simulator

import (
	"fmt"
	"math"
)

var rdigits uint = 15

// round computed simulation time to avoid non-sensical comparisons
// induced by rounding error
func roundFloat(val float64, precision uint) float64 {
	ratio := math.Pow(10, float64(precision))
	return math.Round(val*ratio) / ratio
}

// expRV returns a sample of a exponentially distributed random number
func expRV(u01, rate float64) float64 {
	return -math.Log(1.0-u01) / rate
}

// timeUnitFactor gives the number of simulation time units per second
// for a named unit.  Rate-type configuration parameters are expressed
// per second and divided by this factor before use.
func timeUnitFactor(unit string) (float64, error) {
	switch unit {
	case "s":
		return 1.0, nil
	case "ms":
		return 1e3, nil
	case "us":
		return 1e6, nil
	}
	return 0.0, fmt.Errorf("unrecognized time unit %s", unit)
}
