// Package notifications raises desktop alerts for predicted lows and highs
package notifications

import (
	"fmt"
	"sync"
	"time"

	"github.com/DavidJ-Saving-Time/cgm-data/internal/models"
	"github.com/gen2brain/beeep"
)

// Alert type constants
const (
	alertUrgentLow  = "urgent_low"
	alertLow        = "low"
	alertUrgentHigh = "urgent_high"
	alertHigh       = "high"
)

// Alert describes a forecast point that crossed a threshold
type Alert struct {
	Type   string    `json:"type"`
	Minute int       `json:"minute"` // grid minute of the forecast
	At     time.Time `json:"at"`
	Value  float64   `json:"value"` // mg/dL
}

// Manager handles forecast alerts and notifications
type Manager struct {
	settings      *models.Settings
	lastAlertTime map[string]time.Time
	notify        func(title, message string) error
	mu            sync.Mutex
}

// NewManager creates a new notification manager
func NewManager(settings *models.Settings) *Manager {
	return &Manager{
		settings:      settings,
		lastAlertTime: make(map[string]time.Time),
		notify:        sendNotification,
	}
}

// UpdateSettings updates the settings reference
func (m *Manager) UpdateSettings(settings *models.Settings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = settings
}

// Find returns the first forecast point within the alert horizon after now
// whose level has an enabled alert, or nil.
func (m *Manager) Find(result *models.ForecastResult, now time.Time) *Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(result, now)
}

func (m *Manager) find(result *models.ForecastResult, now time.Time) *Alert {
	if result == nil || result.Empty() {
		return nil
	}

	nowMinute := now.Sub(result.Day).Minutes()
	horizon := float64(m.settings.AlertHorizon)

	for _, p := range result.Points {
		minute := float64(p.Minute)
		if minute <= nowMinute || !p.HasValue() {
			continue
		}
		if minute > nowMinute+horizon {
			break
		}

		alertType := m.shouldAlert(m.settings.GetGlucoseStatus(*p.Value))
		if alertType != "" {
			return &Alert{
				Type:   alertType,
				Minute: p.Minute,
				At:     result.Day.Add(time.Duration(p.Minute) * time.Minute),
				Value:  *p.Value,
			}
		}
	}
	return nil
}

// CheckForecast looks for a predicted low or high in the upcoming horizon
// and sends a notification for it unless one of the same type was sent recently.
// It returns the alert that was sent, or nil.
func (m *Manager) CheckForecast(result *models.ForecastResult, now time.Time) (*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert := m.find(result, now)
	if alert == nil {
		return nil, nil
	}

	// Check if we should repeat the alert
	if lastTime, ok := m.lastAlertTime[alert.Type]; ok {
		if m.settings.RepeatAlertMinutes > 0 {
			repeatDuration := time.Duration(m.settings.RepeatAlertMinutes) * time.Minute
			if now.Sub(lastTime) < repeatDuration {
				return nil, nil
			}
		} else {
			// No repeat, only alert once per status change
			return nil, nil
		}
	}

	title, message := formatNotification(alert, now)
	if err := m.notify(title, message); err != nil {
		return nil, err
	}

	m.lastAlertTime[alert.Type] = now
	return alert, nil
}

// shouldAlert maps a glucose status to an enabled alert type
func (m *Manager) shouldAlert(status string) string {
	switch status {
	case alertUrgentLow, alertLow:
		if m.settings.EnableLowAlert {
			return status
		}
	case alertUrgentHigh, alertHigh:
		if m.settings.EnableHighAlert {
			return status
		}
	}
	return ""
}

// formatNotification creates the notification title and message
func formatNotification(alert *Alert, now time.Time) (string, string) {
	var title, level string

	switch alert.Type {
	case alertUrgentLow:
		title = "⚠️ URGENT LOW PREDICTED"
		level = "critically low"
	case alertLow:
		title = "⬇️ Low Predicted"
		level = "low"
	case alertUrgentHigh:
		title = "⚠️ URGENT HIGH PREDICTED"
		level = "critically high"
	case alertHigh:
		title = "⬆️ High Predicted"
		level = "high"
	}

	in := alert.At.Sub(now).Round(time.Minute)
	message := fmt.Sprintf("Glucose forecast is %s: %.0f mg/dL (%.1f mmol/L) at %s, in %d min",
		level, alert.Value, models.ToMmol(alert.Value), alert.At.Format("15:04"), int(in.Minutes()))

	return title, message
}

// sendNotification sends a system notification
func sendNotification(title, message string) error {
	// Use beeep for cross-platform notifications
	return beeep.Notify(title, message, "")
}

// ClearAlertState clears the alert state for a specific type or all types
func (m *Manager) ClearAlertState(alertType string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if alertType == "" {
		m.lastAlertTime = make(map[string]time.Time)
	} else {
		delete(m.lastAlertTime, alertType)
	}
}

// SendTestNotification sends a test notification
func (m *Manager) SendTestNotification() error {
	return m.notify("cgm-data", "Test notification - forecast alerts are working!")
}
