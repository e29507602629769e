package prediction

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DavidJ-Saving-Time/cgm-data/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memorySource serves a fixed event set, windowed per request
type memorySource struct {
	mu       sync.Mutex
	events   *models.EventSet
	err      error
	raw      bool // serve events unfiltered
	requests [][2]time.Time
}

func (m *memorySource) Events(_ context.Context, from, to time.Time) (*models.EventSet, error) {
	m.mu.Lock()
	m.requests = append(m.requests, [2]time.Time{from, to})
	m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	if m.raw {
		return m.events, nil
	}
	clean := m.events.Clean()
	return clean.Window(from.Unix(), to.Unix()), nil
}

func newTestService(t *testing.T, source EventSource) *Service {
	t.Helper()
	settings := models.DefaultSettings()
	settings.Timezone = "UTC"

	svc, err := NewService(source, settings, quietLogger())
	require.NoError(t, err)
	svc.SetParamsPath(filepath.Join(t.TempDir(), "params.json"))
	return svc
}

func TestNewService_InvalidSettings(t *testing.T) {
	settings := models.DefaultSettings()
	settings.Curves.Step = 7

	_, err := NewService(nil, settings, nil)
	assert.ErrorIs(t, err, models.ErrInvalidSettings)
}

func TestService_NoSource(t *testing.T) {
	svc := newTestService(t, nil)

	_, err := svc.Forecast(context.Background(), time.Now())
	assert.ErrorIs(t, err, ErrNoSource)

	_, err = svc.Calibrate(context.Background(), time.Now().AddDate(0, 0, -1), time.Now())
	assert.ErrorIs(t, err, ErrNoSource)
}

func TestService_SourceErrors(t *testing.T) {
	boom := errors.New("connection refused")
	svc := newTestService(t, &memorySource{err: boom})

	_, err := svc.Forecast(context.Background(), time.Now())
	assert.ErrorIs(t, err, boom)

	svc.SetSource(&memorySource{raw: true, events: &models.EventSet{
		Glucose: []models.GlucoseReading{{Timestamp: 0, Value: 100}},
	}})
	_, err = svc.Forecast(context.Background(), time.Now())
	assert.ErrorIs(t, err, models.ErrMalformedEvent)
}

func TestService_CalibrateThenForecast(t *testing.T) {
	source := &memorySource{events: &models.EventSet{
		Glucose: mealGlucose(breakfast, 100, 82),
		Meals:   []models.MealEvent{{Timestamp: breakfast, Carbs: 60}},
		Doses:   []models.InsulinDose{bolus(breakfast, 6)},
	}}
	svc := newTestService(t, source)
	ctx := context.Background()

	day := time.Unix(breakfast, 0).UTC()
	result, err := svc.Calibrate(ctx, day.Add(-time.Hour), day.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, result.SamplesAdmitted)
	assert.Same(t, result, svc.LastCalibration())

	// the fetch is widened so the post-meal readings are included
	require.NotEmpty(t, source.requests)
	assert.True(t, source.requests[0][1].After(day.Add(2*time.Hour)))

	metrics := svc.Metrics()
	assert.InDelta(t, 10, metrics[models.Morning].CarbRatio, 1e-12)
	assert.False(t, metrics[models.Evening].Calibrated())

	forecast, err := svc.Forecast(ctx, day)
	require.NoError(t, err)
	require.False(t, forecast.Empty())
	assert.Equal(t, 100.0, forecast.Baseline)
	assert.Same(t, forecast, svc.LastForecast())

	// only the morning bucket is calibrated
	for _, p := range forecast.Points[1:] {
		assert.Equal(t, SimulationBucket(p.Minute) == models.Morning, p.HasValue(), "minute %d", p.Minute)
	}
}

func TestService_MetricsPersistence(t *testing.T) {
	svc := newTestService(t, nil)
	svc.SetMetrics(map[models.TimeBucket]models.BucketMetrics{
		models.Afternoon: {CarbRatio: 8, InsulinSensitivity: 2.5},
	})
	require.NoError(t, svc.SaveMetrics())

	other := newTestService(t, nil)
	other.SetParamsPath(svc.paramsPath)
	require.NoError(t, other.LoadMetrics())

	got := other.Metrics()
	assert.Len(t, got, 3)
	assert.Equal(t, models.BucketMetrics{CarbRatio: 8, InsulinSensitivity: 2.5}, got[models.Afternoon])
	assert.Equal(t, models.BucketMetrics{}, got[models.Morning])
}

func TestService_MetricsCopy(t *testing.T) {
	svc := newTestService(t, nil)
	m := svc.Metrics()
	m[models.Morning] = models.BucketMetrics{CarbRatio: 99, InsulinSensitivity: 99}

	assert.False(t, svc.Metrics()[models.Morning].Calibrated())
}

func TestService_ForecastDays(t *testing.T) {
	first := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	var readings []models.GlucoseReading
	for i := 0; i < 3; i++ {
		readings = append(readings, models.GlucoseReading{
			Timestamp: first.AddDate(0, 0, i).Add(10 * time.Minute).Unix(),
			Value:     float64(100 + i*10),
		})
	}

	svc := newTestService(t, &memorySource{events: &models.EventSet{Glucose: readings}})
	svc.SetMetrics(allBuckets(models.BucketMetrics{CarbRatio: 10, InsulinSensitivity: 2}))

	days := []time.Time{first.AddDate(0, 0, 2), first, first.AddDate(0, 0, 1), first.AddDate(0, 0, 5)}
	results, err := svc.ForecastDays(context.Background(), days)
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, 120.0, results[0].Baseline)
	assert.Equal(t, 100.0, results[1].Baseline)
	assert.Equal(t, 110.0, results[2].Baseline)
	assert.True(t, results[3].Empty())
	for i, r := range results[:3] {
		assert.Equal(t, days[i].Format("2006-01-02"), r.Day.Format("2006-01-02"))
	}
}

func TestService_StartCalibration(t *testing.T) {
	svc := newTestService(t, &memorySource{events: &models.EventSet{}})

	require.NoError(t, svc.StartCalibration(7))
	assert.Eventually(t, func() bool { return !svc.IsCalculating() }, 2*time.Second, 10*time.Millisecond)
	assert.NotNil(t, svc.LastCalibration())
}
