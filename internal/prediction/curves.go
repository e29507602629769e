// Package prediction provides glucose forecasting and calibration of the
// per-bucket carb ratio and insulin sensitivity.
//
// The engine works on in-memory event collections. Decay curves describe
// insulin activity (IOB) and unabsorbed carbohydrate (COB) on a fixed grid
// over one day; the simulator integrates them into a glucose trajectory.
package prediction

import (
	"errors"
	"fmt"
	"math"

	"github.com/DavidJ-Saving-Time/cgm-data/internal/models"
	"github.com/samber/lo"
)

// CurveParams holds the pharmacokinetic constants and grid step of the decay curves
type CurveParams struct {
	Ka            float64 // absorption rate constant (1/min)
	Ke            float64 // elimination rate constant (1/min)
	InsulinWindow float64 // minutes a bolus contributes to IOB
	CarbWindow    float64 // minutes a meal contributes to COB
	Step          int     // grid step in minutes
}

// DefaultCurveParams returns the rapid-acting insulin model constants
func DefaultCurveParams() CurveParams {
	return CurveParams{
		Ka:            0.03,
		Ke:            0.008,
		InsulinWindow: 300,
		CarbWindow:    120,
		Step:          5,
	}
}

// CurveParamsFromSettings builds curve parameters from the configuration
func CurveParamsFromSettings(s models.CurveSettings) CurveParams {
	return CurveParams{
		Ka:            s.Ka,
		Ke:            s.Ke,
		InsulinWindow: s.InsulinWindow,
		CarbWindow:    s.CarbWindow,
		Step:          s.Step,
	}
}

// Validate checks that the parameters describe a usable model
func (p CurveParams) Validate() error {
	if p.Step <= 0 || models.MinutesPerDay%p.Step != 0 {
		return fmt.Errorf("step %d must divide %d", p.Step, models.MinutesPerDay)
	}
	if p.Ka <= 0 || p.Ke <= 0 || p.Ka == p.Ke {
		return errors.New("ka and ke must be positive and distinct")
	}
	if p.InsulinWindow <= 0 || p.CarbWindow <= 0 {
		return errors.New("activity windows must be positive")
	}
	return nil
}

// GridSize returns the number of points of a curve covering 0..1440 inclusive
func (p CurveParams) GridSize() int {
	return models.MinutesPerDay/p.Step + 1
}

// InsulinActivity is the two-compartment absorption/elimination response to
// one unit of insulin, tau minutes after the dose. It is zero at tau = 0.
func (p CurveParams) InsulinActivity(tau float64) float64 {
	return (p.Ka / (p.Ka - p.Ke)) * (math.Exp(-p.Ke*tau) - math.Exp(-p.Ka*tau))
}

// CarbsRemaining is the share of a meal's carbohydrate not yet absorbed, tau minutes after it
func (p CurveParams) CarbsRemaining(tau float64) float64 {
	return 1 - tau/p.CarbWindow
}

// TimedAmount is an event placed on the day grid: a minute offset from
// midnight (fractional, may be negative for the previous day) and a quantity.
type TimedAmount struct {
	Minute float64
	Amount float64
}

// BuildIOBCurve sums the insulin activity of every dose over the day grid.
// Each dose contributes while 0 <= t - minute < InsulinWindow.
func BuildIOBCurve(doses []TimedAmount, p CurveParams) models.Curve {
	return buildCurve(doses, p.Step, p.InsulinWindow, func(tau, units float64) float64 {
		return p.InsulinActivity(tau) * units
	})
}

// BuildCOBCurve sums the unabsorbed carbohydrate of every meal over the day grid.
// Each meal decays linearly to zero at CarbWindow.
func BuildCOBCurve(meals []TimedAmount, p CurveParams) models.Curve {
	return buildCurve(meals, p.Step, p.CarbWindow, func(tau, carbs float64) float64 {
		return carbs * p.CarbsRemaining(tau)
	})
}

func buildCurve(events []TimedAmount, step int, window float64, contribution func(tau, amount float64) float64) models.Curve {
	curve := make(models.Curve, 0, models.MinutesPerDay/step+1)
	for t := 0; t <= models.MinutesPerDay; t += step {
		var v float64
		for _, e := range events {
			tau := float64(t) - e.Minute
			if tau >= 0 && tau < window {
				v += contribution(tau, e.Amount)
			}
		}
		curve = append(curve, models.CurvePoint{Minute: t, Value: v})
	}
	return curve
}

// DoseAmounts places the bolus doses of a day on the grid. Basal and unknown doses are dropped.
func DoseAmounts(doses []models.InsulinDose, day *Day) []TimedAmount {
	return lo.FilterMap(doses, func(d models.InsulinDose, _ int) (TimedAmount, bool) {
		return TimedAmount{Minute: day.Minute(d.Timestamp), Amount: d.Units}, d.IsBolus()
	})
}

// MealAmounts places the meals of a day on the grid by their carbohydrate content
func MealAmounts(meals []models.MealEvent, day *Day) []TimedAmount {
	return lo.Map(meals, func(m models.MealEvent, _ int) TimedAmount {
		return TimedAmount{Minute: day.Minute(m.Timestamp), Amount: m.Carbs}
	})
}
