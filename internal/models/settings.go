// Package models contains data structures used throughout the application
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const appDirName = "cgm-data"

// ErrInvalidSettings wraps every settings validation failure
var ErrInvalidSettings = errors.New("invalid settings")

// CurveSettings holds the pharmacokinetic constants of the decay curves
type CurveSettings struct {
	Ka            float64 `json:"ka" toml:"ka" yaml:"ka"`                                     // absorption rate (1/min)
	Ke            float64 `json:"ke" toml:"ke" yaml:"ke"`                                     // elimination rate (1/min)
	InsulinWindow float64 `json:"insulinWindow" toml:"insulin_window" yaml:"insulin_window"` // minutes
	CarbWindow    float64 `json:"carbWindow" toml:"carb_window" yaml:"carb_window"`          // minutes
	Step          int     `json:"step" toml:"step" yaml:"step"`                               // grid step in minutes
}

// CalibrationSettings holds the sampling windows of the calibrator. Durations are in minutes.
type CalibrationSettings struct {
	PairingWindow      int     `json:"pairingWindow" toml:"pairing_window" yaml:"pairing_window"`
	NoCorrectionBefore int     `json:"noCorrectionBefore" toml:"no_correction_before" yaml:"no_correction_before"`
	NoCorrectionAfter  int     `json:"noCorrectionAfter" toml:"no_correction_after" yaml:"no_correction_after"`
	PreWindow          int     `json:"preWindow" toml:"pre_window" yaml:"pre_window"`
	PostOffset         int     `json:"postOffset" toml:"post_offset" yaml:"post_offset"`
	PostWindow         int     `json:"postWindow" toml:"post_window" yaml:"post_window"`
	PreMin             float64 `json:"preMin" toml:"pre_min" yaml:"pre_min"` // mg/dL
	PreMax             float64 `json:"preMax" toml:"pre_max" yaml:"pre_max"` // mg/dL
	Days               int     `json:"days" toml:"days" yaml:"days"`         // default history length
	Concurrency        int     `json:"concurrency" toml:"concurrency" yaml:"concurrency"`
}

// SimulationSettings selects the forecast variant
type SimulationSettings struct {
	Mode  string        `json:"mode" toml:"mode" yaml:"mode"`    // "delta" or "absolute"
	Fixed BucketMetrics `json:"fixed" toml:"fixed" yaml:"fixed"` // coefficients used by the absolute mode
}

// Settings contains all application settings
type Settings struct {
	mu sync.RWMutex `json:"-" toml:"-" yaml:"-"`

	// Data source
	NightscoutURL string `json:"nightscoutUrl" toml:"nightscout_url" yaml:"nightscout_url"`
	APISecret     string `json:"apiSecret" toml:"api_secret" yaml:"api_secret"` // Plain API secret (will be hashed)
	APIToken      string `json:"apiToken" toml:"api_token" yaml:"api_token"`
	UseToken      bool   `json:"useToken" toml:"use_token" yaml:"use_token"`
	DatabasePath  string `json:"databasePath" toml:"database_path" yaml:"database_path"`

	// IANA zone used to find local midnight and clock hours; empty means the system zone
	Timezone string `json:"timezone" toml:"timezone" yaml:"timezone"`

	Curves      CurveSettings       `json:"curves" toml:"curves" yaml:"curves"`
	Calibration CalibrationSettings `json:"calibration" toml:"calibration" yaml:"calibration"`
	Simulation  SimulationSettings  `json:"simulation" toml:"simulation" yaml:"simulation"`

	// Forecast alert thresholds (mg/dL)
	TargetLow          int  `json:"targetLow" toml:"target_low" yaml:"target_low"`
	TargetHigh         int  `json:"targetHigh" toml:"target_high" yaml:"target_high"`
	UrgentLow          int  `json:"urgentLow" toml:"urgent_low" yaml:"urgent_low"`
	UrgentHigh         int  `json:"urgentHigh" toml:"urgent_high" yaml:"urgent_high"`
	EnableLowAlert     bool `json:"enableLowAlert" toml:"enable_low_alert" yaml:"enable_low_alert"`
	EnableHighAlert    bool `json:"enableHighAlert" toml:"enable_high_alert" yaml:"enable_high_alert"`
	AlertHorizon       int  `json:"alertHorizon" toml:"alert_horizon" yaml:"alert_horizon"`                // minutes ahead of now
	RepeatAlertMinutes int  `json:"repeatAlertMinutes" toml:"repeat_alert_minutes" yaml:"repeat_alert_minutes"` // 0 = no repeat
	RefreshInterval    int  `json:"refreshInterval" toml:"refresh_interval" yaml:"refresh_interval"`          // seconds, watch mode

	LogLevel  string `json:"logLevel" toml:"log_level" yaml:"log_level"`
	LogFormat string `json:"logFormat" toml:"log_format" yaml:"log_format"`
}

// DefaultSettings returns settings with default values
func DefaultSettings() *Settings {
	return &Settings{
		Curves: CurveSettings{
			Ka:            0.03,
			Ke:            0.008,
			InsulinWindow: 300,
			CarbWindow:    120,
			Step:          5,
		},
		Calibration: CalibrationSettings{
			PairingWindow:      50,
			NoCorrectionBefore: 180,
			NoCorrectionAfter:  180,
			PreWindow:          15,
			PostOffset:         120,
			PostWindow:         15,
			PreMin:             63,
			PreMax:             117,
			Days:               90,
			Concurrency:        runtime.GOMAXPROCS(0),
		},
		Simulation: SimulationSettings{
			Mode:  string(ModeDelta),
			Fixed: BucketMetrics{CarbRatio: 10, InsulinSensitivity: 2},
		},

		TargetLow:          70,
		TargetHigh:         180,
		UrgentLow:          55,
		UrgentHigh:         250,
		EnableLowAlert:     true,
		EnableHighAlert:    true,
		AlertHorizon:       60,
		RepeatAlertMinutes: 15,
		RefreshInterval:    300,

		LogLevel:  "info",
		LogFormat: "text",
	}
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	var configDir string

	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, "Library", "Application Support")
	default: // Linux and others
		configDir = os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			configDir = filepath.Join(home, ".config")
		}
	}

	appDir := filepath.Join(configDir, appDirName)
	if err := os.MkdirAll(appDir, 0750); err != nil {
		return "", err
	}

	return appDir, nil
}

// GetConfigPath returns the full path to the default config file
func GetConfigPath() (string, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "settings.json"), nil
}

// LoadSettings reads settings from path on top of the defaults.
// The format follows the extension: .toml, .yaml/.yml, anything else is JSON.
// A missing file yields the defaults.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()

	data, err := os.ReadFile(path) //nolint:gosec // Config path is chosen by the user
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, s)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, s)
	default:
		err = json.Unmarshal(data, s)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	return s, nil
}

// Save writes the settings to path as JSON
func (s *Settings) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Clone creates a copy of the settings
func (s *Settings) Clone() *Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clone := &Settings{}
	clone.copySettingsFields(s)
	return clone
}

// Update updates settings from another Settings object
func (s *Settings) Update(other *Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	other.mu.RLock()
	defer other.mu.RUnlock()

	s.copySettingsFields(other)
}

// copySettingsFields copies all fields from other to s, excluding the mutex.
// The caller must hold the necessary locks on s and other.
func (s *Settings) copySettingsFields(other *Settings) {
	s.NightscoutURL = other.NightscoutURL
	s.APISecret = other.APISecret
	s.APIToken = other.APIToken
	s.UseToken = other.UseToken
	s.DatabasePath = other.DatabasePath
	s.Timezone = other.Timezone
	s.Curves = other.Curves
	s.Calibration = other.Calibration
	s.Simulation = other.Simulation
	s.TargetLow = other.TargetLow
	s.TargetHigh = other.TargetHigh
	s.UrgentLow = other.UrgentLow
	s.UrgentHigh = other.UrgentHigh
	s.EnableLowAlert = other.EnableLowAlert
	s.EnableHighAlert = other.EnableHighAlert
	s.AlertHorizon = other.AlertHorizon
	s.RepeatAlertMinutes = other.RepeatAlertMinutes
	s.RefreshInterval = other.RefreshInterval
	s.LogLevel = other.LogLevel
	s.LogFormat = other.LogFormat
}

// HasNightscout returns true if a Nightscout source is configured
func (s *Settings) HasNightscout() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.NightscoutURL != ""
}

// Location resolves the configured timezone
func (s *Settings) Location() (*time.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(s.Timezone)
}

// Validate reports every invalid field at once
func (s *Settings) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidSettings}, args...)...))
	}

	c := s.Curves
	if c.Ka <= 0 || c.Ke <= 0 {
		fail("curves.ka and curves.ke must be positive")
	}
	if c.Ka == c.Ke {
		fail("curves.ka must differ from curves.ke")
	}
	if c.InsulinWindow <= 0 || c.CarbWindow <= 0 {
		fail("curve windows must be positive")
	}
	if c.Step <= 0 || MinutesPerDay%c.Step != 0 {
		fail("curves.step %d must divide %d", c.Step, MinutesPerDay)
	}

	cal := s.Calibration
	if cal.PairingWindow <= 0 || cal.PreWindow <= 0 || cal.PostWindow <= 0 || cal.PostOffset <= 0 {
		fail("calibration windows must be positive")
	}
	if cal.NoCorrectionBefore < 0 || cal.NoCorrectionAfter < 0 {
		fail("calibration correction windows must not be negative")
	}
	if cal.PreMin >= cal.PreMax {
		fail("calibration.pre_min %.0f must be below pre_max %.0f", cal.PreMin, cal.PreMax)
	}

	switch SimulationMode(s.Simulation.Mode) {
	case ModeDelta:
	case ModeAbsolute:
		if !s.Simulation.Fixed.Calibrated() {
			fail("simulation.fixed coefficients must be positive in absolute mode")
		}
	default:
		fail("unknown simulation mode %q", s.Simulation.Mode)
	}

	if s.TargetLow >= s.TargetHigh {
		fail("target_low %d must be below target_high %d", s.TargetLow, s.TargetHigh)
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			fail("timezone %q: %v", s.Timezone, err)
		}
	}

	return errors.Join(errs...)
}

// GetGlucoseStatus returns the status string for a glucose value
func (s *Settings) GetGlucoseStatus(mgdl float64) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch {
	case mgdl <= float64(s.UrgentLow):
		return "urgent_low"
	case mgdl <= float64(s.TargetLow):
		return "low"
	case mgdl >= float64(s.UrgentHigh):
		return "urgent_high"
	case mgdl >= float64(s.TargetHigh):
		return "high"
	default:
		return "normal"
	}
}
