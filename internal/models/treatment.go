// Package models contains data structures used throughout the application
package models

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/samber/lo"
)

// InsulinClass tells whether a dose is rapid-acting (bolus) or background (basal) insulin
type InsulinClass string

const (
	InsulinBolus   InsulinClass = "bolus"
	InsulinBasal   InsulinClass = "basal"
	InsulinUnknown InsulinClass = "unknown"
)

// Meal classifications
const (
	MealUnknown = "unknown"
	MealHypo    = "hypo"
	MealSnack   = "snack"
	MealFull    = "meal"
)

// MealEvent is a logged meal
type MealEvent struct {
	Timestamp      int64   `json:"ts"`    // Unix timestamp in seconds
	Carbs          float64 `json:"carbs"` // grams
	Protein        float64 `json:"protein"`
	Fat            float64 `json:"fat"`
	Classification string  `json:"classification,omitempty"`
	SourceID       string  `json:"sourceId,omitempty"` // id of the originating treatment, if any
}

// Class returns the meal classification, "unknown" when unset
func (m MealEvent) Class() string {
	if m.Classification == "" {
		return MealUnknown
	}
	return m.Classification
}

// InsulinDose is a single insulin injection or pump delivery
type InsulinDose struct {
	Timestamp int64        `json:"ts"` // Unix timestamp in seconds
	Units     float64      `json:"units"`
	Class     InsulinClass `json:"class"`
	Name      string       `json:"name,omitempty"`
}

// IsBolus returns true for rapid-acting doses. Only these take part in IOB and calibration.
func (d InsulinDose) IsBolus() bool {
	return d.Class == InsulinBolus
}

// BolusDoses returns the bolus doses of the slice in their original order
func BolusDoses(doses []InsulinDose) []InsulinDose {
	return lo.Filter(doses, func(d InsulinDose, _ int) bool { return d.IsBolus() })
}

// ClassifyInsulin maps an insulin product name to its class
func ClassifyInsulin(name string) InsulinClass {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return InsulinUnknown
	}
	for _, rapid := range []string{"novarap", "novorapid", "novolog", "fiasp", "humalog", "lyumjev", "apidra", "admelog"} {
		if strings.Contains(n, rapid) {
			return InsulinBolus
		}
	}
	for _, long := range []string{"tresiba", "lantus", "levemir", "toujeo", "basaglar", "semglee"} {
		if strings.Contains(n, long) {
			return InsulinBasal
		}
	}
	return InsulinUnknown
}

// ClassifyMeal labels a meal as hypo treatment, snack or meal based on its macros
// and whether any insulin was given within 30 minutes of it.
// doses must be sorted by timestamp.
func ClassifyMeal(m MealEvent, doses []InsulinDose) string {
	const insulinWindow = int64(30 * 60)

	first, last := SearchDoses(doses, m.Timestamp-insulinWindow, m.Timestamp+insulinWindow)
	hasInsulin := last > first

	switch {
	case (m.Carbs < 4 && m.Protein == 0 && m.Fat == 0) || (m.Carbs > 0 && !hasInsulin):
		return MealHypo
	case m.Carbs > 4 && m.Carbs < 7:
		return MealSnack
	default:
		return MealFull
	}
}

// DedupeDoses drops doses of 1 unit or less that lie within 5 minutes of another dose.
// Such entries are priming shots or double-logged corrections. doses must be sorted.
func DedupeDoses(doses []InsulinDose) []InsulinDose {
	const near = int64(5 * 60)

	out := make([]InsulinDose, 0, len(doses))
	for i, d := range doses {
		if d.Units <= 1 && hasNeighbour(doses, i, near) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func hasNeighbour(doses []InsulinDose, i int, within int64) bool {
	if i > 0 && doses[i].Timestamp-doses[i-1].Timestamp <= within {
		return true
	}
	return i+1 < len(doses) && doses[i+1].Timestamp-doses[i].Timestamp <= within
}

// NormalizeEpoch converts a timestamp given in seconds, milliseconds or
// microseconds into seconds
func NormalizeEpoch(v int64) int64 {
	switch {
	case v > 1e14:
		return v / 1_000_000
	case v > 1e11:
		return v / 1000
	default:
		return v
	}
}

// Treatment represents a treatment entry from Nightscout (insulin, carbs, etc.)
type Treatment struct {
	ID                string  `json:"_id"`
	EventType         string  `json:"eventType"`
	Date              int64   `json:"date"` // Unix timestamp in milliseconds
	CreatedAt         string  `json:"created_at"`
	Insulin           float64 `json:"insulin"` // Units of insulin
	Carbs             float64 `json:"carbs"`   // Grams of carbohydrates
	Protein           float64 `json:"protein"`
	Fat               float64 `json:"fat"`
	InsulinInjections string  `json:"insulinInjections,omitempty"` // JSON list written by xDrip
	Notes             string  `json:"notes"`
	EnteredBy         string  `json:"enteredBy"`
}

// Time returns the time of the treatment
func (t *Treatment) Time() time.Time {
	if t.Date > 0 {
		return time.Unix(NormalizeEpoch(t.Date), 0)
	}
	// Fallback to created_at
	parsed, err := time.Parse(time.RFC3339, t.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

// unix returns the treatment time in epoch seconds, 0 when the treatment carries no usable time
func (t *Treatment) unix() int64 {
	tm := t.Time()
	if tm.IsZero() {
		return 0
	}
	return tm.Unix()
}

// HasInsulin returns true if this treatment includes insulin
func (t *Treatment) HasInsulin() bool {
	return t.Insulin > 0
}

// HasCarbs returns true if this treatment includes carbohydrates
func (t *Treatment) HasCarbs() bool {
	return t.Carbs > 0
}

// IsBolus returns true if this is a bolus treatment
func (t *Treatment) IsBolus() bool {
	bolusTypes := map[string]bool{
		"Bolus":            true,
		"Snack Bolus":      true,
		"Meal Bolus":       true,
		"Correction Bolus": true,
		"Combo Bolus":      true,
		"Bolus Wizard":     true,
	}
	return bolusTypes[t.EventType] || (t.HasInsulin() && t.EventType != "Temp Basal")
}

type insulinInjection struct {
	Insulin string   `json:"insulin"`
	Units   *float64 `json:"units"`
	Amount  *float64 `json:"amount"`
}

// Injections parses the xDrip insulinInjections field. Unparseable content yields nil.
func (t *Treatment) Injections() []InsulinDose {
	if strings.TrimSpace(t.InsulinInjections) == "" {
		return nil
	}

	var list []insulinInjection
	if err := json.Unmarshal([]byte(t.InsulinInjections), &list); err != nil {
		var single insulinInjection
		if err := json.Unmarshal([]byte(t.InsulinInjections), &single); err != nil {
			return nil
		}
		list = []insulinInjection{single}
	}

	ts := t.unix()
	var doses []InsulinDose
	for _, inj := range list {
		units := inj.Units
		if units == nil {
			units = inj.Amount
		}
		if units == nil || *units <= 0 {
			continue
		}
		doses = append(doses, InsulinDose{
			Timestamp: ts,
			Units:     *units,
			Class:     ClassifyInsulin(inj.Insulin),
			Name:      inj.Insulin,
		})
	}
	return doses
}

// Events converts the treatment into engine events. A treatment may carry both
// a meal and one or more doses.
func (t *Treatment) Events() (meals []MealEvent, doses []InsulinDose) {
	ts := t.unix()

	if t.HasCarbs() {
		meals = append(meals, MealEvent{
			Timestamp: ts,
			Carbs:     t.Carbs,
			Protein:   t.Protein,
			Fat:       t.Fat,
			SourceID:  t.ID,
		})
	}

	if injections := t.Injections(); len(injections) > 0 {
		return meals, injections
	}

	if t.HasInsulin() {
		class := InsulinUnknown
		if t.IsBolus() {
			class = InsulinBolus
		}
		doses = append(doses, InsulinDose{
			Timestamp: ts,
			Units:     t.Insulin,
			Class:     class,
			Name:      t.EventType,
		})
	}
	return meals, doses
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
