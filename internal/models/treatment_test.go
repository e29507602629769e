package models

import (
	"testing"
)

func TestClassifyInsulin(t *testing.T) {
	tests := []struct {
		name     string
		expected InsulinClass
	}{
		{"NovoRapid", InsulinBolus},
		{"novarapid pen", InsulinBolus},
		{"Fiasp", InsulinBolus},
		{"Tresiba", InsulinBasal},
		{"Lantus", InsulinBasal},
		{"", InsulinUnknown},
		{"Unknown", InsulinUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyInsulin(tt.name); got != tt.expected {
				t.Errorf("ClassifyInsulin(%q) = %s, want %s", tt.name, got, tt.expected)
			}
		})
	}
}

func TestClassifyMeal(t *testing.T) {
	doses := []InsulinDose{{Timestamp: 10_000, Units: 4, Class: InsulinBolus}}

	tests := []struct {
		name     string
		meal     MealEvent
		expected string
	}{
		{"glucose tabs", MealEvent{Timestamp: 10_000, Carbs: 3}, MealHypo},
		{"carbs without insulin", MealEvent{Timestamp: 50_000, Carbs: 40}, MealHypo},
		{"snack", MealEvent{Timestamp: 10_600, Carbs: 5}, MealSnack},
		{"meal", MealEvent{Timestamp: 9_000, Carbs: 60, Protein: 20}, MealFull},
		{"protein only", MealEvent{Timestamp: 10_000, Protein: 30}, MealFull},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyMeal(tt.meal, doses); got != tt.expected {
				t.Errorf("ClassifyMeal() = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestMealEvent_Class(t *testing.T) {
	if got := (MealEvent{}).Class(); got != MealUnknown {
		t.Errorf("Class() = %s, want unknown", got)
	}
	if got := (MealEvent{Classification: MealSnack}).Class(); got != MealSnack {
		t.Errorf("Class() = %s, want snack", got)
	}
}

func TestDedupeDoses(t *testing.T) {
	doses := []InsulinDose{
		{Timestamp: 1000, Units: 6},
		{Timestamp: 1100, Units: 1},   // priming shot next to the 6 U dose
		{Timestamp: 5000, Units: 0.5}, // isolated small dose stays
		{Timestamp: 9000, Units: 2},
		{Timestamp: 9200, Units: 3},
	}

	out := DedupeDoses(doses)
	if len(out) != 4 {
		t.Fatalf("len = %d, want 4: %v", len(out), out)
	}
	for _, d := range out {
		if d.Timestamp == 1100 {
			t.Error("small dose within 5 minutes of another dose was kept")
		}
	}
}

func TestBolusDoses(t *testing.T) {
	doses := []InsulinDose{
		{Timestamp: 1, Units: 4, Class: InsulinBolus},
		{Timestamp: 2, Units: 20, Class: InsulinBasal},
		{Timestamp: 3, Units: 1, Class: InsulinUnknown},
	}
	out := BolusDoses(doses)
	if len(out) != 1 || out[0].Timestamp != 1 {
		t.Errorf("BolusDoses() = %v, want only the bolus", out)
	}
}

func TestTreatment_Events(t *testing.T) {
	t.Run("meal bolus", func(t *testing.T) {
		tr := &Treatment{ID: "66a1", EventType: "Meal Bolus", Date: 1_700_000_000_000, Carbs: 45, Insulin: 4.5}
		meals, doses := tr.Events()
		if len(meals) != 1 || meals[0].Carbs != 45 || meals[0].Timestamp != 1_700_000_000 || meals[0].SourceID != "66a1" {
			t.Errorf("meals = %v", meals)
		}
		if len(doses) != 1 || doses[0].Class != InsulinBolus || doses[0].Units != 4.5 {
			t.Errorf("doses = %v", doses)
		}
	})

	t.Run("xdrip injections", func(t *testing.T) {
		tr := &Treatment{
			EventType:         "Bolus",
			CreatedAt:         "2024-05-01T08:00:00Z",
			Insulin:           24,
			InsulinInjections: `[{"insulin":"NovoRapid","units":4},{"insulin":"Tresiba","units":20}]`,
		}
		meals, doses := tr.Events()
		if len(meals) != 0 {
			t.Errorf("meals = %v, want none", meals)
		}
		if len(doses) != 2 {
			t.Fatalf("doses = %v, want 2 named doses", doses)
		}
		if doses[0].Class != InsulinBolus || doses[1].Class != InsulinBasal {
			t.Errorf("classes = %s/%s, want bolus/basal", doses[0].Class, doses[1].Class)
		}
		if doses[0].Timestamp != 1_714_550_400 {
			t.Errorf("timestamp = %d, want created_at", doses[0].Timestamp)
		}
	})

	t.Run("no time", func(t *testing.T) {
		tr := &Treatment{Carbs: 10}
		meals, _ := tr.Events()
		if len(meals) != 1 || meals[0].Timestamp != 0 {
			t.Errorf("meals = %v, want zero timestamp for Validate to reject", meals)
		}
	})
}

func TestTreatment_IsBolus(t *testing.T) {
	tests := []struct {
		tr       Treatment
		expected bool
	}{
		{Treatment{EventType: "Correction Bolus", Insulin: 1}, true},
		{Treatment{EventType: "Note", Insulin: 2}, true},
		{Treatment{EventType: "Temp Basal", Insulin: 0.5}, false},
		{Treatment{EventType: "Carb Correction", Carbs: 10}, false},
	}
	for _, tt := range tests {
		if got := tt.tr.IsBolus(); got != tt.expected {
			t.Errorf("IsBolus(%s) = %v, want %v", tt.tr.EventType, got, tt.expected)
		}
	}
}
