package prediction

import (
	"math"

	"github.com/DavidJ-Saving-Time/cgm-data/internal/models"
)

// Interpolate reads a fixed-step curve at minute t.
//
// Values between grid points are linearly interpolated. Past the last point
// the last value is returned, and before the first point the first value.
// An empty curve reads as zero.
func Interpolate(curve models.Curve, t float64, step int) float64 {
	if len(curve) == 0 {
		return 0
	}

	idx := int(math.Floor(t / float64(step)))
	if idx >= len(curve)-1 {
		return curve[len(curve)-1].Value
	}
	if idx < 0 {
		return curve[0].Value
	}

	a, b := curve[idx], curve[idx+1]
	frac := (t - float64(a.Minute)) / float64(step)
	return a.Value + (b.Value-a.Value)*frac
}
