// Package cli wires the cgm-data commands together
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/DavidJ-Saving-Time/cgm-data/internal/logging"
	"github.com/DavidJ-Saving-Time/cgm-data/internal/models"
	"github.com/DavidJ-Saving-Time/cgm-data/internal/nightscout"
	"github.com/DavidJ-Saving-Time/cgm-data/internal/prediction"
	"github.com/DavidJ-Saving-Time/cgm-data/internal/store"
	"github.com/spf13/cobra"
)

// Source names accepted by --source
const (
	sourceAuto       = "auto"
	sourceSQLite     = "sqlite"
	sourceNightscout = "nightscout"
)

const dateLayout = "2006-01-02"

// globalOptions are the persistent flags shared by every command
type globalOptions struct {
	configPath string
	logLevel   string
	source     string
	paramsFile string
}

// Execute runs the root command and returns the process exit code
func Execute() int {
	if err := NewRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// NewRootCmd builds the command tree
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "cgm-data",
		Short:         "Calibrate and forecast glucose from CGM, meal and insulin history",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "settings file (.json, .toml or .yaml); default is the user config dir")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")
	root.PersistentFlags().StringVar(&opts.source, "source", sourceAuto, "event source: auto|sqlite|nightscout")
	root.PersistentFlags().StringVar(&opts.paramsFile, "params-file", "", "coefficients file; default is prediction-params.json in the config dir")

	root.AddCommand(newCalibrateCmd(opts))
	root.AddCommand(newForecastCmd(opts))
	root.AddCommand(newWatchCmd(opts))
	root.AddCommand(newSyncCmd(opts))
	root.AddCommand(newAutostartCmd(opts))
	root.AddCommand(newConfigCmd(opts))
	return root
}

// env is what a command needs once settings are loaded
type env struct {
	settings *models.Settings
	logger   *slog.Logger
	closers  []func() error
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.logger.Warn("close failed", "error", err)
		}
	}
}

func (o *globalOptions) settingsPath() (string, error) {
	if o.configPath != "" {
		return o.configPath, nil
	}
	return models.GetConfigPath()
}

// load reads the settings and builds the logger
func (o *globalOptions) load(cmd *cobra.Command) (*env, error) {
	path, err := o.settingsPath()
	if err != nil {
		return nil, err
	}
	settings, err := models.LoadSettings(path)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		settings.LogLevel = o.logLevel
	}

	cfg, err := logging.ConfigFromSettings(settings)
	if err != nil {
		return nil, err
	}
	cfg.Output = cmd.ErrOrStderr()
	logger := logging.New(cfg)

	if err := settings.Validate(); err != nil {
		return nil, err
	}

	logger.Debug("settings loaded", "path", path)
	return &env{settings: settings, logger: logger}, nil
}

// openSource picks the event source named by --source
func (o *globalOptions) openSource(ctx context.Context, e *env) (prediction.EventSource, error) {
	s := e.settings.Clone()

	kind := o.source
	if kind == sourceAuto || kind == "" {
		switch {
		case s.DatabasePath != "":
			kind = sourceSQLite
		case s.HasNightscout():
			kind = sourceNightscout
		default:
			return nil, fmt.Errorf("no data source: set databasePath or nightscoutUrl")
		}
	}

	switch kind {
	case sourceSQLite:
		if s.DatabasePath == "" {
			return nil, fmt.Errorf("--source sqlite needs databasePath in the settings")
		}
		db, err := store.Open(ctx, s.DatabasePath, e.logger)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, db.Close)
		return db, nil
	case sourceNightscout:
		if !s.HasNightscout() {
			return nil, fmt.Errorf("--source nightscout needs nightscoutUrl in the settings")
		}
		return nightscout.NewClientFromSettings(s), nil
	default:
		return nil, fmt.Errorf("unknown source %q", kind)
	}
}

// newService builds the prediction service over the selected source
func (o *globalOptions) newService(ctx context.Context, e *env) (*prediction.Service, error) {
	source, err := o.openSource(ctx, e)
	if err != nil {
		return nil, err
	}
	svc, err := prediction.NewService(source, e.settings, e.logger)
	if err != nil {
		return nil, err
	}
	svc.SetParamsPath(o.paramsFile)
	return svc, nil
}

// loadMetrics adopts the saved coefficients. Without a params file the
// forecast runs uncalibrated and every point is empty.
func loadMetrics(svc *prediction.Service, logger *slog.Logger) error {
	err := svc.LoadMetrics()
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("no saved coefficients, run calibrate first")
		return nil
	}
	return err
}

func parseDate(s string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", s)
	}
	return t, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
