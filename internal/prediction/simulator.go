package prediction

import (
	"fmt"
	"math"

	"github.com/DavidJ-Saving-Time/cgm-data/internal/models"
)

// SimulatorConfig selects the forecast variant and the curve model behind it
type SimulatorConfig struct {
	Mode   models.SimulationMode
	Fixed  models.BucketMetrics // coefficients of every tick in absolute mode
	Curves CurveParams
}

// stepStrategy is one way of advancing the forecast by a grid step
type stepStrategy interface {
	// coefficients picks the carb ratio and sensitivity used at minute t
	coefficients(t int, metrics map[models.TimeBucket]models.BucketMetrics) models.BucketMetrics
	// increment returns the glucose change applied at minute t
	increment(t int, step int, iob, cob models.Curve, m models.BucketMetrics) float64
}

// deltaStrategy integrates the insulin and carbs absorbed during the last step
// using the bucket coefficients of the current minute.
type deltaStrategy struct{}

func (deltaStrategy) coefficients(t int, metrics map[models.TimeBucket]models.BucketMetrics) models.BucketMetrics {
	return metrics[SimulationBucket(t)]
}

func (deltaStrategy) increment(t, step int, iob, cob models.Curve, m models.BucketMetrics) float64 {
	now, prev := float64(t), float64(t-step)
	dIOB := Interpolate(iob, prev, step) - Interpolate(iob, now, step)
	dCOB := Interpolate(cob, prev, step) - Interpolate(cob, now, step)
	return (dCOB/m.CarbRatio - dIOB) * m.InsulinSensitivity
}

// absoluteStrategy adds the current IOB/COB levels every tick with one fixed
// coefficient set.
type absoluteStrategy struct {
	fixed models.BucketMetrics
}

func (s absoluteStrategy) coefficients(int, map[models.TimeBucket]models.BucketMetrics) models.BucketMetrics {
	return s.fixed
}

func (absoluteStrategy) increment(t, step int, iob, cob models.Curve, m models.BucketMetrics) float64 {
	now := float64(t)
	return (Interpolate(cob, now, step)/m.CarbRatio - Interpolate(iob, now, step)) * m.InsulinSensitivity
}

// Simulator predicts the glucose trajectory of one day
type Simulator struct {
	cfg      SimulatorConfig
	strategy stepStrategy
}

// NewSimulator validates the configuration and selects the step strategy
func NewSimulator(cfg SimulatorConfig) (*Simulator, error) {
	if err := cfg.Curves.Validate(); err != nil {
		return nil, err
	}

	var strategy stepStrategy
	switch cfg.Mode {
	case models.ModeDelta, "":
		cfg.Mode = models.ModeDelta
		strategy = deltaStrategy{}
	case models.ModeAbsolute:
		strategy = absoluteStrategy{fixed: cfg.Fixed}
	default:
		return nil, fmt.Errorf("unknown simulation mode %q", cfg.Mode)
	}

	return &Simulator{cfg: cfg, strategy: strategy}, nil
}

// Mode returns the selected simulation mode
func (s *Simulator) Mode() models.SimulationMode {
	return s.cfg.Mode
}

// Simulate forecasts the day from its first valid glucose reading.
//
// Every bolus dose and meal in events feeds the curves, so doses from the
// previous evening still contribute after midnight. The trajectory starts
// at minute 0 with the anchor reading. A tick whose coefficients are not
// positive yields a point without a value and leaves the running value
// unchanged. Without a reading on the day the result has no points.
func (s *Simulator) Simulate(day *Day, events *models.EventSet, metrics map[models.TimeBucket]models.BucketMetrics) *models.ForecastResult {
	step := s.cfg.Curves.Step
	result := &models.ForecastResult{
		Day:  day.Start,
		Mode: s.cfg.Mode,
		Step: step,
	}

	clean := events.Clean()
	from, to := day.Bounds()
	first, last := models.SearchGlucose(clean.Glucose, from, to-1)
	if first == last {
		return result
	}

	iob := BuildIOBCurve(DoseAmounts(clean.Doses, day), s.cfg.Curves)
	cob := BuildCOBCurve(MealAmounts(clean.Meals, day), s.cfg.Curves)

	value := clean.Glucose[first].Value
	result.Baseline = value
	result.IOB = iob
	result.COB = cob

	points := make([]models.PredictedPoint, 0, s.cfg.Curves.GridSize())
	points = append(points, models.PredictedPoint{Minute: 0, Value: ptr(value)})

	for t := step; t <= models.MinutesPerDay; t += step {
		m := s.strategy.coefficients(t, metrics)
		if !m.Calibrated() {
			points = append(points, models.PredictedPoint{Minute: t})
			continue
		}

		value = math.Max(0, value+s.strategy.increment(t, step, iob, cob, m))
		points = append(points, models.PredictedPoint{Minute: t, Value: ptr(value)})
	}

	result.Points = points
	return result
}

func ptr(v float64) *float64 {
	return &v
}
