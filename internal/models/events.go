package models

import (
	"errors"
	"fmt"
	"sort"
)

// ErrMalformedEvent is returned when an input event violates the basic data contract
var ErrMalformedEvent = errors.New("malformed event")

// EventSet bundles the three event collections the engine works on.
// Each collection is ordered by timestamp once Sort has been called.
type EventSet struct {
	Glucose []GlucoseReading `json:"glucose"`
	Meals   []MealEvent      `json:"meals"`
	Doses   []InsulinDose    `json:"doses"`
}

// Sort orders every collection by timestamp, keeping the relative order of equal timestamps
func (s *EventSet) Sort() {
	sort.SliceStable(s.Glucose, func(i, j int) bool { return s.Glucose[i].Timestamp < s.Glucose[j].Timestamp })
	sort.SliceStable(s.Meals, func(i, j int) bool { return s.Meals[i].Timestamp < s.Meals[j].Timestamp })
	sort.SliceStable(s.Doses, func(i, j int) bool { return s.Doses[i].Timestamp < s.Doses[j].Timestamp })
}

// Validate checks the contract every event must satisfy before the engine runs:
// a positive timestamp and finite, non-negative quantities.
// Readings at or below the sensor error threshold are not malformed; they are filtered later.
func (s *EventSet) Validate() error {
	for i, g := range s.Glucose {
		if g.Timestamp <= 0 || !finite(g.Value) {
			return fmt.Errorf("glucose reading %d: %w", i, ErrMalformedEvent)
		}
	}
	for i, m := range s.Meals {
		if m.Timestamp <= 0 || !finite(m.Carbs) || m.Carbs < 0 {
			return fmt.Errorf("meal %d: %w", i, ErrMalformedEvent)
		}
	}
	for i, d := range s.Doses {
		if d.Timestamp <= 0 || !finite(d.Units) || d.Units < 0 {
			return fmt.Errorf("insulin dose %d: %w", i, ErrMalformedEvent)
		}
	}
	return nil
}

// Clean returns a sorted copy of the set with sensor errors filtered out
func (s *EventSet) Clean() *EventSet {
	out := &EventSet{
		Glucose: FilterSensorErrors(s.Glucose),
		Meals:   append([]MealEvent(nil), s.Meals...),
		Doses:   append([]InsulinDose(nil), s.Doses...),
	}
	out.Sort()
	return out
}

// Window returns the events with from <= timestamp < to. The set must be sorted.
// The returned slices share memory with s.
func (s *EventSet) Window(from, to int64) *EventSet {
	gLo, gHi := SearchGlucose(s.Glucose, from, to-1)
	mLo := sort.Search(len(s.Meals), func(i int) bool { return s.Meals[i].Timestamp >= from })
	mHi := sort.Search(len(s.Meals), func(i int) bool { return s.Meals[i].Timestamp >= to })
	dLo, dHi := SearchDoses(s.Doses, from, to-1)

	return &EventSet{
		Glucose: s.Glucose[gLo:gHi],
		Meals:   s.Meals[mLo:mHi],
		Doses:   s.Doses[dLo:dHi],
	}
}

// SearchGlucose returns the index range [lo, hi) of sorted readings with from <= ts <= to
func SearchGlucose(readings []GlucoseReading, from, to int64) (int, int) {
	lo := sort.Search(len(readings), func(i int) bool { return readings[i].Timestamp >= from })
	hi := sort.Search(len(readings), func(i int) bool { return readings[i].Timestamp > to })
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// SearchDoses returns the index range [lo, hi) of sorted doses with from <= ts <= to
func SearchDoses(doses []InsulinDose, from, to int64) (int, int) {
	lo := sort.Search(len(doses), func(i int) bool { return doses[i].Timestamp >= from })
	hi := sort.Search(len(doses), func(i int) bool { return doses[i].Timestamp > to })
	if hi < lo {
		hi = lo
	}
	return lo, hi
}
