package prediction

import (
	"testing"

	"github.com/DavidJ-Saving-Time/cgm-data/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDay(t *testing.T) *Day {
	return &Day{Start: mustParse(t, "2024-05-01T00:00:00Z")}
}

func newTestSimulator(t *testing.T, mode models.SimulationMode, fixed models.BucketMetrics) *Simulator {
	t.Helper()
	s, err := NewSimulator(SimulatorConfig{Mode: mode, Fixed: fixed, Curves: DefaultCurveParams()})
	require.NoError(t, err)
	return s
}

func allBuckets(m models.BucketMetrics) map[models.TimeBucket]models.BucketMetrics {
	return map[models.TimeBucket]models.BucketMetrics{
		models.Morning:   m,
		models.Afternoon: m,
		models.Evening:   m,
	}
}

func TestNewSimulator(t *testing.T) {
	s, err := NewSimulator(SimulatorConfig{Curves: DefaultCurveParams()})
	require.NoError(t, err)
	assert.Equal(t, models.ModeDelta, s.Mode())

	_, err = NewSimulator(SimulatorConfig{Mode: "quadratic", Curves: DefaultCurveParams()})
	assert.Error(t, err)

	bad := DefaultCurveParams()
	bad.Ke = bad.Ka
	_, err = NewSimulator(SimulatorConfig{Curves: bad})
	assert.Error(t, err)
}

func TestSimulator_NoGlucose(t *testing.T) {
	day := testDay(t)
	events := &models.EventSet{
		Meals: []models.MealEvent{{Timestamp: day.Start.Unix() + 3600, Carbs: 30}},
		// a reading from the previous day does not anchor this one
		Glucose: []models.GlucoseReading{{Timestamp: day.Start.Unix() - 60, Value: 100}},
	}

	for _, mode := range []models.SimulationMode{models.ModeDelta, models.ModeAbsolute} {
		t.Run(string(mode), func(t *testing.T) {
			result := newTestSimulator(t, mode, models.BucketMetrics{CarbRatio: 10, InsulinSensitivity: 2}).
				Simulate(day, events, allBuckets(models.BucketMetrics{CarbRatio: 10, InsulinSensitivity: 2}))
			assert.True(t, result.Empty())
			assert.Equal(t, mode, result.Mode)
		})
	}
}

func TestSimulator_FlatTrajectory(t *testing.T) {
	day := testDay(t)
	events := &models.EventSet{
		Glucose: []models.GlucoseReading{
			{Timestamp: day.Start.Unix() + 600, Value: 30}, // sensor error, skipped
			{Timestamp: day.Start.Unix() + 900, Value: 110},
		},
	}

	t.Run("delta with one calibrated bucket", func(t *testing.T) {
		metrics := map[models.TimeBucket]models.BucketMetrics{
			models.Morning: {CarbRatio: 10, InsulinSensitivity: 2},
		}
		result := newTestSimulator(t, models.ModeDelta, models.BucketMetrics{}).Simulate(day, events, metrics)

		require.Len(t, result.Points, 289)
		assert.Equal(t, 110.0, result.Baseline)
		require.True(t, result.Points[0].HasValue())
		assert.Equal(t, 110.0, *result.Points[0].Value)

		for _, p := range result.Points[1:] {
			if SimulationBucket(p.Minute) == models.Morning {
				require.True(t, p.HasValue(), "minute %d", p.Minute)
				assert.Equal(t, 110.0, *p.Value, "minute %d", p.Minute)
			} else {
				assert.False(t, p.HasValue(), "minute %d should have no forecast", p.Minute)
			}
		}
	})

	t.Run("absolute with fixed coefficients", func(t *testing.T) {
		result := newTestSimulator(t, models.ModeAbsolute, models.BucketMetrics{CarbRatio: 10, InsulinSensitivity: 2}).
			Simulate(day, events, nil)

		require.Len(t, result.Points, 289)
		for _, p := range result.Points {
			require.True(t, p.HasValue(), "minute %d", p.Minute)
			assert.Equal(t, 110.0, *p.Value)
		}
	})

	t.Run("absolute without coefficients", func(t *testing.T) {
		result := newTestSimulator(t, models.ModeAbsolute, models.BucketMetrics{CarbRatio: 10}).
			Simulate(day, events, allBuckets(models.BucketMetrics{CarbRatio: 10, InsulinSensitivity: 2}))

		assert.True(t, result.Points[0].HasValue())
		for _, p := range result.Points[1:] {
			assert.False(t, p.HasValue())
		}
	})
}

func TestSimulator_MealAndBolus(t *testing.T) {
	day := testDay(t)
	start := day.Start.Unix()
	events := &models.EventSet{
		Glucose: []models.GlucoseReading{{Timestamp: start, Value: 100}},
		Meals:   []models.MealEvent{{Timestamp: start + 480*60, Carbs: 50}},
		Doses:   []models.InsulinDose{bolus(start+485*60, 5)},
	}
	coefficients := models.BucketMetrics{CarbRatio: 10, InsulinSensitivity: 2}

	t.Run("delta", func(t *testing.T) {
		result := newTestSimulator(t, models.ModeDelta, models.BucketMetrics{}).
			Simulate(day, events, allBuckets(coefficients))
		require.Len(t, result.Points, 289)

		values := make(map[int]float64, len(result.Points))
		for _, p := range result.Points {
			require.True(t, p.HasValue())
			require.GreaterOrEqual(t, *p.Value, 0.0)
			values[p.Minute] = *p.Value
		}

		assert.Equal(t, 100.0, values[475], "flat until the meal")
		// the meal lands whole in the first tick: -50/10 * 2
		assert.InDelta(t, 90, values[480], 1e-9, "onset dip at the meal")
		assert.InDelta(t, 101.16, values[540], 0.01)
		assert.InDelta(t, 105, values[600], 0.01, "meal fully absorbed, insulin still active")

		peakMinute, peak := 480, values[480]
		for m := 480; m <= 780; m += 5 {
			if values[m] > peak {
				peakMinute, peak = m, values[m]
			}
		}
		assert.Greater(t, peakMinute, 480, "rises after the meal")
		assert.Less(t, peakMinute, 780)
		assert.Greater(t, peak, values[780], "falls after the peak")

		// carbs are fully absorbed and the bolus leaves its 300 minute window
		assert.InDelta(t, 100, values[785], 1e-9)
		assert.InDelta(t, 100, values[1440], 1e-9)

		assert.InDelta(t, 50, Interpolate(result.COB, 480, 5), 1e-12)
		assert.Zero(t, Interpolate(result.IOB, 485, 5))
	})

	t.Run("absolute", func(t *testing.T) {
		result := newTestSimulator(t, models.ModeAbsolute, coefficients).Simulate(day, events, nil)
		require.Len(t, result.Points, 289)
		for _, p := range result.Points {
			require.True(t, p.HasValue())
			assert.GreaterOrEqual(t, *p.Value, 0.0)
		}
	})
}

func TestSimulator_ClampsAtZero(t *testing.T) {
	day := testDay(t)
	start := day.Start.Unix()
	events := &models.EventSet{
		Glucose: []models.GlucoseReading{{Timestamp: start, Value: 60}},
		Doses:   []models.InsulinDose{bolus(start+60*60, 20)},
	}

	result := newTestSimulator(t, models.ModeAbsolute, models.BucketMetrics{CarbRatio: 10, InsulinSensitivity: 3}).
		Simulate(day, events, nil)

	var sawZero bool
	for _, p := range result.Points {
		require.GreaterOrEqual(t, *p.Value, 0.0)
		if *p.Value == 0 {
			sawZero = true
		}
	}
	assert.True(t, sawZero, "a large bolus should drive the forecast to the floor")
}
