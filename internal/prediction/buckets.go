package prediction

import (
	"time"

	"github.com/DavidJ-Saving-Time/cgm-data/internal/models"
)

// CalibrationBucket maps a clock hour to the bucket used when collecting
// calibration samples: 04-12 morning, 12-18 afternoon, otherwise evening.
func CalibrationBucket(hour int) models.TimeBucket {
	switch {
	case hour >= 4 && hour < 12:
		return models.Morning
	case hour >= 12 && hour < 18:
		return models.Afternoon
	default:
		return models.Evening
	}
}

// SimulationBucket maps a minute of the forecast grid to the bucket whose
// coefficients drive the simulation: 05-11 morning, 11-13 afternoon, otherwise evening.
//
// The boundaries differ from CalibrationBucket. Both schemes are in use and
// are kept apart until the owner decides which one is canonical.
func SimulationBucket(minute int) models.TimeBucket {
	hour := minute / 60
	switch {
	case hour >= 5 && hour < 11:
		return models.Morning
	case hour >= 11 && hour < 13:
		return models.Afternoon
	default:
		return models.Evening
	}
}

// Day anchors the forecast grid at local midnight of one calendar day
type Day struct {
	Start time.Time
}

// NewDay returns the day containing t in loc (nil means time.Local)
func NewDay(t time.Time, loc *time.Location) *Day {
	if loc == nil {
		loc = time.Local
	}
	t = t.In(loc)
	return &Day{Start: time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)}
}

// Minute converts an epoch timestamp to fractional minutes after midnight
func (d *Day) Minute(ts int64) float64 {
	return float64(ts-d.Start.Unix()) / 60
}

// Bounds returns the epoch range [from, to) covered by the 1440-minute grid
func (d *Day) Bounds() (from, to int64) {
	from = d.Start.Unix()
	return from, from + models.MinutesPerDay*60
}
