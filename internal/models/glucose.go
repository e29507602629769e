// Package models contains data structures used throughout the application
package models

import "time"

// SensorErrorThreshold is the highest value (mg/dL) a CGM reports for a sensor error.
// Readings at or below it never reach the curves, the calibrator or the simulator.
const SensorErrorThreshold = 39

// GlucoseReading is a single CGM value as seen by the forecasting engine
type GlucoseReading struct {
	Timestamp int64   `json:"ts"`    // Unix timestamp in seconds
	Value     float64 `json:"value"` // mg/dL
}

// Time returns the time of the reading
func (g GlucoseReading) Time() time.Time {
	return time.Unix(g.Timestamp, 0)
}

// Valid reports whether the reading is above the sensor error threshold
func (g GlucoseReading) Valid() bool {
	return g.Value > SensorErrorThreshold
}

// FilterSensorErrors returns the readings with a value above SensorErrorThreshold.
// The input slice is not modified.
func FilterSensorErrors(readings []GlucoseReading) []GlucoseReading {
	out := make([]GlucoseReading, 0, len(readings))
	for _, r := range readings {
		if r.Valid() {
			out = append(out, r)
		}
	}
	return out
}

// GlucoseEntry represents a single glucose reading from Nightscout
type GlucoseEntry struct {
	ID        string `json:"_id"`
	SGV       int    `json:"sgv"`  // Sensor glucose value in mg/dL
	Date      int64  `json:"date"` // Unix timestamp in milliseconds
	DateStr   string `json:"dateString"`
	Direction string `json:"direction"`
	Device    string `json:"device"`
	Type      string `json:"type"`
}

// Time returns the time of the glucose entry
func (g *GlucoseEntry) Time() time.Time {
	return time.Unix(NormalizeEpoch(g.Date), 0)
}

// ValueMmolL returns the glucose value in mmol/L
func (g *GlucoseEntry) ValueMmolL() float64 {
	return ToMmol(float64(g.SGV))
}

// Reading converts the entry into an engine reading
func (g *GlucoseEntry) Reading() GlucoseReading {
	return GlucoseReading{
		Timestamp: NormalizeEpoch(g.Date),
		Value:     float64(g.SGV),
	}
}

// ServerStatus represents the Nightscout server status
type ServerStatus struct {
	Status     string `json:"status"`
	Name       string `json:"name"`
	Version    string `json:"version"`
	ServerTime string `json:"serverTime"`
	APIEnabled bool   `json:"apiEnabled"`
}

// ToMmol converts a mg/dL value to mmol/L
func ToMmol(mgdl float64) float64 {
	return mgdl / 18.0182
}

// ToMgdl converts a mmol/L value to mg/dL
func ToMgdl(mmol float64) float64 {
	return mmol * 18.0182
}
