package prediction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/DavidJ-Saving-Time/cgm-data/internal/models"
	"golang.org/x/sync/errgroup"
)

// ErrNoSource is returned when the service has no event source configured
var ErrNoSource = errors.New("no event source configured")

// EventSource supplies the meals, doses and glucose readings of a time range
type EventSource interface {
	Events(ctx context.Context, from, to time.Time) (*models.EventSet, error)
}

// Service ties an event source to the calibrator and the simulator and keeps
// the current coefficients.
type Service struct {
	calibrator *Calibrator
	simulator  *Simulator
	curves     CurveParams
	calParams  CalibrationParams
	loc        *time.Location
	logger     *slog.Logger

	mu              sync.RWMutex
	source          EventSource
	paramsPath      string
	metrics         map[models.TimeBucket]models.BucketMetrics
	lastCalibration *models.CalibrationResult
	lastForecast    *models.ForecastResult
	isCalculating   bool
	cancel          context.CancelFunc
}

// savedMetrics is the on-disk form of the coefficients
type savedMetrics struct {
	RunID     string                                       `json:"runId,omitempty"`
	UpdatedAt time.Time                                    `json:"updatedAt"`
	Metrics   map[models.TimeBucket]models.BucketMetrics `json:"metrics"`
}

// NewService creates a service from validated settings
func NewService(source EventSource, settings *models.Settings, logger *slog.Logger) (*Service, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	loc, err := settings.Location()
	if err != nil {
		return nil, err
	}

	cfg := settings.Clone()
	curves := CurveParamsFromSettings(cfg.Curves)
	calParams := CalibrationParamsFromSettings(cfg.Calibration)

	simulator, err := NewSimulator(SimulatorConfig{
		Mode:   models.SimulationMode(cfg.Simulation.Mode),
		Fixed:  cfg.Simulation.Fixed,
		Curves: curves,
	})
	if err != nil {
		return nil, err
	}

	return &Service{
		calibrator: NewCalibrator(calParams, loc, logger),
		simulator:  simulator,
		curves:     curves,
		calParams:  calParams,
		loc:        loc,
		logger:     logger,
		source:     source,
		metrics:    emptyMetrics(),
	}, nil
}

func emptyMetrics() map[models.TimeBucket]models.BucketMetrics {
	m := make(map[models.TimeBucket]models.BucketMetrics, len(models.AllBuckets))
	for _, b := range models.AllBuckets {
		m[b] = models.BucketMetrics{}
	}
	return m
}

// SetSource replaces the event source
func (s *Service) SetSource(source EventSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = source
}

// SetParamsPath sets where coefficients are persisted. Empty uses the config directory.
func (s *Service) SetParamsPath(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paramsPath = path
}

// Location returns the zone used for local midnight and clock hours
func (s *Service) Location() *time.Location {
	return s.loc
}

// Metrics returns a copy of the current coefficients
func (s *Service) Metrics() map[models.TimeBucket]models.BucketMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[models.TimeBucket]models.BucketMetrics, len(s.metrics))
	for b, m := range s.metrics {
		out[b] = m
	}
	return out
}

// SetMetrics replaces the coefficients. Buckets missing from m become uncalibrated.
func (s *Service) SetMetrics(m map[models.TimeBucket]models.BucketMetrics) {
	next := emptyMetrics()
	for b, v := range m {
		next[b] = v
	}

	s.mu.Lock()
	s.metrics = next
	s.mu.Unlock()
}

// GetCalculationProgress returns the progress of the running calibration
func (s *Service) GetCalculationProgress() *models.CalculationProgress {
	return s.calibrator.GetProgress()
}

// IsCalculating returns true if a calibration is in progress
func (s *Service) IsCalculating() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isCalculating
}

// LastCalibration returns the most recent calibration result, if any
func (s *Service) LastCalibration() *models.CalibrationResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCalibration
}

// LastForecast returns the most recent forecast without computing a new one
func (s *Service) LastForecast() *models.ForecastResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastForecast
}

func (s *Service) getSource() (EventSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.source == nil {
		return nil, ErrNoSource
	}
	return s.source, nil
}

// fetch loads and validates the events of [from, to)
func (s *Service) fetch(ctx context.Context, from, to time.Time) (*models.EventSet, error) {
	source, err := s.getSource()
	if err != nil {
		return nil, err
	}

	events, err := source.Events(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("fetching events: %w", err)
	}
	if err := events.Validate(); err != nil {
		return nil, err
	}
	return events, nil
}

// Calibrate mines the meals of [from, to), adopts the resulting coefficients
// and persists them.
func (s *Service) Calibrate(ctx context.Context, from, to time.Time) (*models.CalibrationResult, error) {
	// widen the fetch so windows around meals at the edges are complete
	before := s.calParams.NoCorrectionBefore
	after := max(s.calParams.NoCorrectionAfter, s.calParams.PostOffset+s.calParams.PostWindow)

	events, err := s.fetch(ctx, from.Add(-before), to.Add(after))
	if err != nil {
		return nil, err
	}

	result, err := s.calibrator.Calibrate(ctx, events, from, to)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.lastCalibration = result
	s.mu.Unlock()
	s.SetMetrics(result.Metrics())

	if err := s.saveMetrics(result.RunID); err != nil {
		s.logger.Warn("could not save coefficients", "error", err)
	}

	return result, nil
}

// StartCalibration calibrates over the last days in the background
func (s *Service) StartCalibration(days int) error {
	s.mu.Lock()
	if s.isCalculating {
		s.mu.Unlock()
		return fmt.Errorf("calculation already in progress")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.isCalculating = true
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			s.mu.Lock()
			s.isCalculating = false
			s.cancel = nil
			s.mu.Unlock()
		}()

		to := time.Now()
		from := to.AddDate(0, 0, -days)
		if _, err := s.Calibrate(ctx, from, to); err != nil {
			s.logger.Error("calibration failed", "error", err)
		}
	}()
	return nil
}

// CancelCalibration cancels an in-progress background calibration
func (s *Service) CancelCalibration() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isCalculating && s.cancel != nil {
		s.cancel()
	}
}

// Forecast predicts the trajectory of the local day containing day
func (s *Service) Forecast(ctx context.Context, day time.Time) (*models.ForecastResult, error) {
	result, err := s.forecast(ctx, day)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.lastForecast = result
	s.mu.Unlock()

	return result, nil
}

func (s *Service) forecast(ctx context.Context, day time.Time) (*models.ForecastResult, error) {
	d := NewDay(day, s.loc)
	from, to := d.Bounds()

	// doses and meals of the previous evening are still active after midnight
	lookback := time.Duration(max(s.curves.InsulinWindow, s.curves.CarbWindow)) * time.Minute
	events, err := s.fetch(ctx, time.Unix(from, 0).Add(-lookback), time.Unix(to, 0))
	if err != nil {
		return nil, err
	}

	return s.simulator.Simulate(d, events, s.Metrics()), nil
}

// ForecastDays forecasts several days in parallel. Results follow the order of days.
func (s *Service) ForecastDays(ctx context.Context, days []time.Time) ([]*models.ForecastResult, error) {
	results := make([]*models.ForecastResult, len(days))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, s.calParams.Concurrency))
	for i, day := range days {
		i, day := i, day
		g.Go(func() error {
			r, err := s.forecast(gctx, day)
			if err != nil {
				return fmt.Errorf("forecast %s: %w", day.Format("2006-01-02"), err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

func (s *Service) getParamsPath() (string, error) {
	s.mu.RLock()
	path := s.paramsPath
	s.mu.RUnlock()
	if path != "" {
		return path, nil
	}

	dir, err := models.GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "prediction-params.json"), nil
}

// SaveMetrics writes the current coefficients to the params file
func (s *Service) SaveMetrics() error {
	return s.saveMetrics("")
}

func (s *Service) saveMetrics(runID string) error {
	path, err := s.getParamsPath()
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(savedMetrics{
		RunID:     runID,
		UpdatedAt: time.Now(),
		Metrics:   s.Metrics(),
	}, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// LoadMetrics adopts the coefficients stored in the params file
func (s *Service) LoadMetrics() error {
	path, err := s.getParamsPath()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(path) //nolint:gosec // Path comes from configuration
	if err != nil {
		return err
	}

	var saved savedMetrics
	if err := json.Unmarshal(data, &saved); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	s.SetMetrics(saved.Metrics)
	return nil
}
