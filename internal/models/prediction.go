// Package models contains data structures used throughout the application
package models

import (
	"encoding/json"
	"time"
)

// MgdlToMmolFactor is the conversion folded into calibration samples (mg/dL to mmol/L)
const MgdlToMmolFactor = 1.0 / 18

// MinutesPerDay is the length of the forecast grid
const MinutesPerDay = 1440

// TimeBucket is a coarse period of the day; carb ratio and sensitivity are kept per bucket
type TimeBucket string

const (
	Morning   TimeBucket = "morning"
	Afternoon TimeBucket = "afternoon"
	Evening   TimeBucket = "evening"
)

// AllBuckets lists the buckets in day order
var AllBuckets = []TimeBucket{Morning, Afternoon, Evening}

// BucketMetrics holds the calibrated coefficients for one bucket.
// Zero values mean the bucket has not been calibrated.
type BucketMetrics struct {
	CarbRatio          float64 `json:"carbRatio" toml:"carb_ratio" yaml:"carb_ratio"`                            // grams covered by 1 U
	InsulinSensitivity float64 `json:"insulinSensitivity" toml:"insulin_sensitivity" yaml:"insulin_sensitivity"` // mmol/L drop per 1 U
}

// Calibrated reports whether both coefficients are usable for a forecast
func (m BucketMetrics) Calibrated() bool {
	return m.CarbRatio > 0 && m.InsulinSensitivity > 0
}

// MetricSummary describes the samples collected for one metric
type MetricSummary struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	StdDev float64 `json:"stdDev"`
	N      int     `json:"n"`
}

// BucketReport is the calibration outcome for a single bucket
type BucketReport struct {
	Bucket             TimeBucket    `json:"bucket"`
	Metrics            BucketMetrics `json:"metrics"`
	CarbRatio          MetricSummary `json:"carbRatio"`
	InsulinSensitivity MetricSummary `json:"insulinSensitivity"`
	// CarbAbsorption is the mmol/L rise per gram; it is not used by the simulator yet
	CarbAbsorption MetricSummary `json:"carbAbsorption"`
}

// RejectReason names the rule that dropped a calibration sample
type RejectReason string

const (
	RejectNoBolus          RejectReason = "no_bolus"
	RejectCorrectionBefore RejectReason = "correction_before"
	RejectPreMissing       RejectReason = "pre_missing"
	RejectPreOutOfRange    RejectReason = "pre_out_of_range"
	RejectCorrectionAfter  RejectReason = "correction_after"
)

// CalibrationResult contains the per-bucket coefficients of one calibration run
type CalibrationResult struct {
	RunID           string                      `json:"runId"`
	From            time.Time                   `json:"from"`
	To              time.Time                   `json:"to"`
	Buckets         map[TimeBucket]BucketReport `json:"buckets"`
	Rejections      map[RejectReason]int        `json:"rejections"`
	MealsConsidered int                         `json:"mealsConsidered"`
	SamplesAdmitted int                         `json:"samplesAdmitted"`
	CalculatedAt    time.Time                   `json:"calculatedAt"`
}

// Metrics returns the coefficient map the simulator consumes
func (r *CalibrationResult) Metrics() map[TimeBucket]BucketMetrics {
	out := make(map[TimeBucket]BucketMetrics, len(AllBuckets))
	for _, b := range AllBuckets {
		out[b] = r.Buckets[b].Metrics
	}
	return out
}

// CalculationProgress tracks a running calibration
type CalculationProgress struct {
	Stage      string    `json:"stage"`
	Progress   float64   `json:"progress"` // 0-100
	MealsTotal int       `json:"mealsTotal"`
	MealsDone  int       `json:"mealsDone"`
	StartedAt  time.Time `json:"startedAt"`
}

// CurvePoint is one sample of an IOB or COB curve
type CurvePoint struct {
	Minute int     `json:"minute"` // offset from local midnight
	Value  float64 `json:"value"`
}

// Curve is a fixed-step sequence of points covering the whole day
type Curve []CurvePoint

// PredictedPoint is one forecast sample. A nil Value means no forecast is
// available for that minute.
type PredictedPoint struct {
	Minute int      `json:"minute"`
	Value  *float64 `json:"value"`
}

// HasValue reports whether the point carries a forecast
func (p PredictedPoint) HasValue() bool {
	return p.Value != nil
}

// SimulationMode selects how the forecast integrates the decay curves
type SimulationMode string

const (
	// ModeDelta integrates the change of IOB/COB between ticks with calibrated coefficients
	ModeDelta SimulationMode = "delta"
	// ModeAbsolute adds the absolute IOB/COB levels every tick with one fixed coefficient set
	ModeAbsolute SimulationMode = "absolute"
)

// ForecastResult contains the predicted trajectory for one day and the curves behind it
type ForecastResult struct {
	Day      time.Time        `json:"day"`
	Mode     SimulationMode   `json:"mode"`
	Step     int              `json:"step"`
	Baseline float64          `json:"baseline"`
	IOB      Curve            `json:"iob"`
	COB      Curve            `json:"cob"`
	Points   []PredictedPoint `json:"points"`
}

// Empty reports whether no forecast could be produced (no glucose reading for the day)
func (f *ForecastResult) Empty() bool {
	return len(f.Points) == 0
}

// MarshalJSON implements custom JSON marshaling
func (f *ForecastResult) MarshalJSON() ([]byte, error) {
	type Alias ForecastResult
	return json.Marshal(&struct {
		*Alias
		Day string `json:"day"`
	}{
		Alias: (*Alias)(f),
		Day:   f.Day.Format("2006-01-02"),
	})
}
