// Package app runs the periodic forecast loop behind the watch command.
package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/DavidJ-Saving-Time/cgm-data/internal/models"
	"github.com/DavidJ-Saving-Time/cgm-data/internal/notifications"
)

// staleAfter is how long a forecast stays current when refreshes keep failing
const staleAfter = 7 * time.Minute

// ErrAlreadyRunning is returned by Run when the loop is already active
var ErrAlreadyRunning = errors.New("watcher already running")

// Forecaster produces the forecast of the day containing a given time
type Forecaster interface {
	Forecast(ctx context.Context, day time.Time) (*models.ForecastResult, error)
}

// Alerter decides whether a forecast warrants a notification
type Alerter interface {
	CheckForecast(result *models.ForecastResult, now time.Time) (*notifications.Alert, error)
}

// Update is published after every refresh
type Update struct {
	At           time.Time              `json:"at"`
	Result       *models.ForecastResult `json:"forecast,omitempty"`
	Alert        *notifications.Alert   `json:"alert,omitempty"`
	Error        string                 `json:"error,omitempty"`
	StaleMinutes int                    `json:"staleMinutes"`
	IsStale      bool                   `json:"isStale"`
}

// Watcher re-forecasts today on a fixed interval and raises alerts
type Watcher struct {
	forecaster Forecaster
	alerter    Alerter
	logger     *slog.Logger
	interval   time.Duration
	now        func() time.Time

	mu                sync.RWMutex
	lastResult        *models.ForecastResult
	lastSuccessTime   time.Time
	consecutiveErrors int
	isRunning         bool
	onUpdate          func(Update)
}

// NewWatcher creates a watcher refreshing every settings.RefreshInterval seconds.
// alerter may be nil to disable notifications.
func NewWatcher(settings *models.Settings, forecaster Forecaster, alerter Alerter, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	interval := time.Duration(settings.Clone().RefreshInterval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Watcher{
		forecaster: forecaster,
		alerter:    alerter,
		logger:     logger,
		interval:   interval,
		now:        time.Now,
	}
}

// OnUpdate registers a callback invoked after every refresh
func (w *Watcher) OnUpdate(fn func(Update)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onUpdate = fn
}

// LastResult returns the most recent successful forecast
func (w *Watcher) LastResult() *models.ForecastResult {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastResult
}

// ConsecutiveErrors returns the number of failed refreshes since the last success
func (w *Watcher) ConsecutiveErrors() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.consecutiveErrors
}

// Run refreshes immediately and then on every tick until ctx is done
func (w *Watcher) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.isRunning {
		w.mu.Unlock()
		return ErrAlreadyRunning
	}
	w.isRunning = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.isRunning = false
		w.mu.Unlock()
	}()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Initial fetch
	w.fetchAndUpdate(ctx)

	for {
		select {
		case <-ticker.C:
			w.fetchAndUpdate(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Watcher) fetchAndUpdate(ctx context.Context) {
	now := w.now()

	result, err := w.forecaster.Forecast(ctx, now)
	if err != nil {
		if ctx.Err() != nil {
			return
		}

		w.mu.Lock()
		w.consecutiveErrors++
		errorCount := w.consecutiveErrors
		lastSuccess := w.lastSuccessTime
		last := w.lastResult
		w.mu.Unlock()

		w.logger.Error("forecast refresh failed", "attempt", errorCount, "error", err)

		update := Update{At: now, Result: last, Error: err.Error()}
		if !lastSuccess.IsZero() {
			since := now.Sub(lastSuccess)
			update.StaleMinutes = int(since.Minutes())
			update.IsStale = since > staleAfter
		}
		w.publish(update)
		return
	}

	w.mu.Lock()
	w.consecutiveErrors = 0
	w.lastSuccessTime = now
	w.lastResult = result
	w.mu.Unlock()

	update := Update{At: now, Result: result}
	if result.Empty() {
		w.logger.Warn("no glucose reading today, nothing to forecast")
	}

	if w.alerter != nil {
		alert, err := w.alerter.CheckForecast(result, now)
		if err != nil {
			w.logger.Warn("could not send notification", "error", err)
		}
		if alert != nil {
			w.logger.Info("forecast alert", "type", alert.Type, "at", alert.At.Format("15:04"), "value", alert.Value)
			update.Alert = alert
		}
	}

	w.publish(update)
}

func (w *Watcher) publish(u Update) {
	w.mu.RLock()
	fn := w.onUpdate
	w.mu.RUnlock()
	if fn != nil {
		fn(u)
	}
}
