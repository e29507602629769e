package prediction

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/DavidJ-Saving-Time/cgm-data/internal/models"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// CalibrationParams holds the sampling windows used when mining meals
type CalibrationParams struct {
	PairingWindow      time.Duration // bolus doses this close to a meal are paired with it
	NoCorrectionBefore time.Duration
	NoCorrectionAfter  time.Duration
	PreWindow          time.Duration
	PostOffset         time.Duration
	PostWindow         time.Duration
	PreMin             float64 // mg/dL
	PreMax             float64 // mg/dL
	Concurrency        int
}

// DefaultCalibrationParams returns the standard sampling windows
func DefaultCalibrationParams() CalibrationParams {
	return CalibrationParams{
		PairingWindow:      50 * time.Minute,
		NoCorrectionBefore: 3 * time.Hour,
		NoCorrectionAfter:  3 * time.Hour,
		PreWindow:          15 * time.Minute,
		PostOffset:         2 * time.Hour,
		PostWindow:         15 * time.Minute,
		PreMin:             63,
		PreMax:             117,
		Concurrency:        4,
	}
}

// CalibrationParamsFromSettings converts the minute based configuration
func CalibrationParamsFromSettings(s models.CalibrationSettings) CalibrationParams {
	minutes := func(m int) time.Duration { return time.Duration(m) * time.Minute }
	return CalibrationParams{
		PairingWindow:      minutes(s.PairingWindow),
		NoCorrectionBefore: minutes(s.NoCorrectionBefore),
		NoCorrectionAfter:  minutes(s.NoCorrectionAfter),
		PreWindow:          minutes(s.PreWindow),
		PostOffset:         minutes(s.PostOffset),
		PostWindow:         minutes(s.PostWindow),
		PreMin:             s.PreMin,
		PreMax:             s.PreMax,
		Concurrency:        s.Concurrency,
	}
}

// Calibrator estimates carb ratio and insulin sensitivity per time bucket
// from historical meals, the bolus doses around them and the glucose response.
type Calibrator struct {
	params CalibrationParams
	loc    *time.Location
	logger *slog.Logger

	mu       sync.RWMutex
	progress *models.CalculationProgress
}

// NewCalibrator creates a calibrator. loc decides the clock hour of a meal;
// nil means time.Local.
func NewCalibrator(params CalibrationParams, loc *time.Location, logger *slog.Logger) *Calibrator {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	if params.Concurrency <= 0 {
		params.Concurrency = 1
	}
	return &Calibrator{
		params:   params,
		loc:      loc,
		logger:   logger,
		progress: &models.CalculationProgress{},
	}
}

// GetProgress returns the current calculation progress
func (c *Calibrator) GetProgress() *models.CalculationProgress {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p := *c.progress
	return &p
}

// sample is the outcome of evaluating one meal
type sample struct {
	bucket models.TimeBucket
	reason models.RejectReason // empty when admitted

	carbRatio      float64
	carbAbsorption float64
	sensitivity    float64

	hasRatio       bool
	hasAbsorption  bool
	hasSensitivity bool
}

// Calibrate evaluates every meal in [from, to) and averages the admitted
// samples per bucket. Glucose and doses outside the range are still used for
// the windows around meals near its edges. A zero from or to leaves that side open.
//
// Rejected meals are counted by reason and never fail the run.
func (c *Calibrator) Calibrate(ctx context.Context, events *models.EventSet, from, to time.Time) (*models.CalibrationResult, error) {
	clean := events.Clean()
	bolus := models.BolusDoses(clean.Doses)

	meals := lo.Filter(clean.Meals, func(m models.MealEvent, _ int) bool {
		if !from.IsZero() && m.Timestamp < from.Unix() {
			return false
		}
		return to.IsZero() || m.Timestamp < to.Unix()
	})

	c.mu.Lock()
	c.progress = &models.CalculationProgress{
		Stage:      "Evaluating meals",
		MealsTotal: len(meals),
		StartedAt:  time.Now(),
	}
	c.mu.Unlock()

	samples := make([]sample, len(meals))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.params.Concurrency)
	for i := range meals {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			samples[i] = c.evaluate(meals[i], bolus, clean.Glucose)
			c.advance()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := c.reduce(samples)
	result.RunID = uuid.NewString()
	result.From = from
	result.To = to
	result.MealsConsidered = len(meals)
	result.CalculatedAt = time.Now()

	for i, s := range samples {
		if s.reason != "" {
			c.logger.Debug("calibration sample rejected",
				"meal", time.Unix(meals[i].Timestamp, 0).In(c.loc).Format(time.RFC3339),
				"reason", s.reason)
		}
	}
	c.logger.Info("calibration complete",
		"run", result.RunID,
		"meals", result.MealsConsidered,
		"admitted", result.SamplesAdmitted,
		"rejected", result.Rejections)

	c.mu.Lock()
	c.progress.Stage = "Complete"
	c.progress.Progress = 100
	c.mu.Unlock()

	return result, nil
}

func (c *Calibrator) advance() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.progress.MealsDone++
	if c.progress.MealsTotal > 0 {
		c.progress.Progress = float64(c.progress.MealsDone) / float64(c.progress.MealsTotal) * 100
	}
}

// evaluate applies the admission rules to one meal. Glucose and doses must be sorted.
func (c *Calibrator) evaluate(meal models.MealEvent, bolus []models.InsulinDose, glucose []models.GlucoseReading) sample {
	p := c.params
	t := meal.Timestamp
	pairing := seconds(p.PairingWindow)

	s := sample{bucket: CalibrationBucket(time.Unix(t, 0).In(c.loc).Hour())}

	first, last := models.SearchDoses(bolus, t-pairing, t+pairing)
	var units float64
	for _, d := range bolus[first:last] {
		units += d.Units
	}
	if units <= 0 {
		s.reason = models.RejectNoBolus
		return s
	}

	// The correction windows are open intervals on whole seconds.
	if anyDose(bolus, t-seconds(p.NoCorrectionBefore)+1, t-pairing-1) {
		s.reason = models.RejectCorrectionBefore
		return s
	}

	pre, ok := meanGlucose(glucose, t-seconds(p.PreWindow), t)
	if !ok {
		s.reason = models.RejectPreMissing
		return s
	}
	if pre < p.PreMin || pre > p.PreMax {
		s.reason = models.RejectPreOutOfRange
		return s
	}

	if anyDose(bolus, t+pairing+1, t+seconds(p.NoCorrectionAfter)-1) {
		s.reason = models.RejectCorrectionAfter
		return s
	}

	center := t + seconds(p.PostOffset)
	half := seconds(p.PostWindow) / 2
	post, hasPost := meanGlucose(glucose, center-half, center+half)

	if meal.Carbs > 0 {
		s.carbRatio, s.hasRatio = meal.Carbs/units, true
		if hasPost {
			s.carbAbsorption = (post - pre) * models.MgdlToMmolFactor / meal.Carbs
			s.hasAbsorption = true
		}
	}
	if hasPost {
		s.sensitivity = (pre - post) * models.MgdlToMmolFactor / units
		s.hasSensitivity = true
	}

	return s
}

func (c *Calibrator) reduce(samples []sample) *models.CalibrationResult {
	type acc struct{ ratio, absorption, sensitivity []float64 }
	accs := make(map[models.TimeBucket]*acc, len(models.AllBuckets))
	for _, b := range models.AllBuckets {
		accs[b] = &acc{}
	}

	result := &models.CalibrationResult{
		Buckets:    make(map[models.TimeBucket]models.BucketReport, len(models.AllBuckets)),
		Rejections: make(map[models.RejectReason]int),
	}

	for _, s := range samples {
		if s.reason != "" {
			result.Rejections[s.reason]++
			continue
		}
		result.SamplesAdmitted++
		a := accs[s.bucket]
		if s.hasRatio {
			a.ratio = append(a.ratio, s.carbRatio)
		}
		if s.hasAbsorption {
			a.absorption = append(a.absorption, s.carbAbsorption)
		}
		if s.hasSensitivity {
			a.sensitivity = append(a.sensitivity, s.sensitivity)
		}
	}

	for _, b := range models.AllBuckets {
		a := accs[b]
		report := models.BucketReport{
			Bucket:             b,
			CarbRatio:          summarize(a.ratio),
			InsulinSensitivity: summarize(a.sensitivity),
			CarbAbsorption:     summarize(a.absorption),
		}
		report.Metrics = models.BucketMetrics{
			CarbRatio:          report.CarbRatio.Mean,
			InsulinSensitivity: report.InsulinSensitivity.Mean,
		}
		result.Buckets[b] = report
	}

	return result
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

func anyDose(doses []models.InsulinDose, from, to int64) bool {
	if from > to {
		return false
	}
	first, last := models.SearchDoses(doses, from, to)
	return last > first
}

// meanGlucose averages the readings with from <= timestamp <= to
func meanGlucose(readings []models.GlucoseReading, from, to int64) (float64, bool) {
	first, last := models.SearchGlucose(readings, from, to)
	if last <= first {
		return 0, false
	}
	values := lo.Map(readings[first:last], func(r models.GlucoseReading, _ int) float64 { return r.Value })
	return mean(values), true
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return lo.Sum(values) / float64(len(values))
}

// summarize returns mean, median, sample standard deviation and count.
// No values gives the zero summary, which reads as uncalibrated; a single
// value has a standard deviation of 0.
func summarize(values []float64) models.MetricSummary {
	if len(values) == 0 {
		return models.MetricSummary{}
	}

	m := mean(values)
	var sd float64
	if len(values) > 1 {
		var ss float64
		for _, v := range values {
			ss += (v - m) * (v - m)
		}
		sd = math.Sqrt(ss / float64(len(values)-1))
	}

	return models.MetricSummary{
		Mean:   m,
		Median: median(values),
		StdDev: sd,
		N:      len(values),
	}
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}
