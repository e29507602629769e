package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DavidJ-Saving-Time/cgm-data/internal/app"
	"github.com/DavidJ-Saving-Time/cgm-data/internal/autostart"
	"github.com/DavidJ-Saving-Time/cgm-data/internal/models"
	"github.com/DavidJ-Saving-Time/cgm-data/internal/nightscout"
	"github.com/DavidJ-Saving-Time/cgm-data/internal/notifications"
	"github.com/DavidJ-Saving-Time/cgm-data/internal/prediction"
	"github.com/DavidJ-Saving-Time/cgm-data/internal/store"
	"github.com/spf13/cobra"
)

func newCalibrateCmd(opts *globalOptions) *cobra.Command {
	var days int
	var fromStr, toStr string

	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Estimate carb ratio and insulin sensitivity per time of day",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.load(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			ctx := cmd.Context()
			svc, err := opts.newService(ctx, e)
			if err != nil {
				return err
			}

			loc := svc.Location()
			to := time.Now()
			if toStr != "" {
				if to, err = parseDate(toStr, loc); err != nil {
					return err
				}
			}
			var from time.Time
			if fromStr != "" {
				if from, err = parseDate(fromStr, loc); err != nil {
					return err
				}
			} else {
				if days <= 0 {
					days = e.settings.Calibration.Days
				}
				from = to.AddDate(0, 0, -days)
			}
			if !from.Before(to) {
				return fmt.Errorf("empty range %s .. %s", from.Format(dateLayout), to.Format(dateLayout))
			}

			result, err := svc.Calibrate(ctx, from, to)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "days of history before --to (default from settings)")
	cmd.Flags().StringVar(&fromStr, "from", "", "first day, YYYY-MM-DD (overrides --days)")
	cmd.Flags().StringVar(&toStr, "to", "", "end day, exclusive, YYYY-MM-DD (default now)")
	return cmd
}

func newForecastCmd(opts *globalOptions) *cobra.Command {
	var dates []string

	cmd := &cobra.Command{
		Use:   "forecast",
		Short: "Predict the glucose trajectory of one or more days",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.load(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			ctx := cmd.Context()
			svc, err := opts.newService(ctx, e)
			if err != nil {
				return err
			}
			if err := loadMetrics(svc, e.logger); err != nil {
				return err
			}

			days := []time.Time{time.Now()}
			if len(dates) > 0 {
				days = days[:0]
				for _, d := range dates {
					day, err := parseDate(d, svc.Location())
					if err != nil {
						return err
					}
					days = append(days, day)
				}
			}

			results, err := svc.ForecastDays(ctx, days)
			if err != nil {
				return err
			}
			for _, r := range results {
				if r.Empty() {
					e.logger.Warn("no glucose reading, empty forecast", "day", r.Day.Format(dateLayout))
				}
			}

			if len(results) == 1 {
				return writeJSON(cmd.OutOrStdout(), results[0])
			}
			return writeJSON(cmd.OutOrStdout(), results)
		},
	}
	cmd.Flags().StringSliceVar(&dates, "date", nil, "day to forecast, YYYY-MM-DD; repeatable (default today)")
	return cmd
}

func newWatchCmd(opts *globalOptions) *cobra.Command {
	var testAlert bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-forecast today periodically and alert on predicted lows and highs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.load(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			alerts := notifications.NewManager(e.settings)
			if testAlert {
				return alerts.SendTestNotification()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := opts.newService(ctx, e)
			if err != nil {
				return err
			}
			if err := loadMetrics(svc, e.logger); err != nil {
				return err
			}

			w := app.NewWatcher(e.settings, svc, alerts, e.logger)
			w.OnUpdate(func(u app.Update) {
				if u.Result == nil || u.Error != "" {
					return
				}
				e.logger.Debug("forecast refreshed", "points", len(u.Result.Points), "baseline", u.Result.Baseline)
			})

			e.logger.Info("watching", "interval", time.Duration(e.settings.RefreshInterval)*time.Second)
			return w.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&testAlert, "test-alert", false, "send a test notification and exit")
	return cmd
}

func newSyncCmd(opts *globalOptions) *cobra.Command {
	var days int
	var full bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Copy Nightscout entries and treatments into the SQLite database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.load(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			s := e.settings.Clone()
			if !s.HasNightscout() {
				return fmt.Errorf("sync needs nightscoutUrl in the settings")
			}
			if s.DatabasePath == "" {
				return fmt.Errorf("sync needs databasePath in the settings")
			}

			ctx := cmd.Context()
			client := nightscout.NewClientFromSettings(s)
			db, err := store.Open(ctx, s.DatabasePath, e.logger)
			if err != nil {
				return err
			}
			e.closers = append(e.closers, db.Close)

			stats, err := syncEvents(ctx, client, db, days, full, e)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), stats)
		},
	}
	cmd.Flags().IntVar(&days, "days", 90, "days of history to fetch")
	cmd.Flags().BoolVar(&full, "full", false, "refetch the whole range instead of resuming after the newest stored reading")
	return cmd
}

// syncOverlap is refetched before the newest stored reading so late uploads are picked up
const syncOverlap = 6 * time.Hour

func syncEvents(ctx context.Context, client *nightscout.Client, db *store.Store, days int, full bool, e *env) (store.SaveStats, error) {
	if err := client.TestConnection(ctx); err != nil {
		return store.SaveStats{}, fmt.Errorf("nightscout unreachable: %w", err)
	}

	to := time.Now()
	from := to.AddDate(0, 0, -days)
	if !full {
		latest, err := db.LatestGlucose(ctx)
		if err != nil {
			return store.SaveStats{}, err
		}
		if resume := latest.Add(-syncOverlap); !latest.IsZero() && resume.After(from) {
			from = resume
		}
	}

	e.logger.Info("syncing", "from", from.Format(time.RFC3339), "to", to.Format(time.RFC3339))
	events, err := client.Events(ctx, from, to)
	if err != nil {
		return store.SaveStats{}, err
	}
	stats, err := db.SaveEvents(ctx, events)
	if err != nil {
		return store.SaveStats{}, err
	}
	e.logger.Info("sync complete", "glucose", stats.Glucose, "meals", stats.Meals, "doses", stats.Doses)
	return stats, nil
}

func newAutostartCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "autostart", Short: "Start the watcher at login"}

	cmd.AddCommand(&cobra.Command{
		Use:   "enable",
		Short: "Register cgm-data watch to run at login",
		RunE: func(cmd *cobra.Command, _ []string) error {
			args := []string{"watch"}
			if opts.configPath != "" {
				args = append(args, "--config", opts.configPath)
			}
			if opts.paramsFile != "" {
				args = append(args, "--params-file", opts.paramsFile)
			}
			command, err := autostart.Command(args...)
			if err != nil {
				return err
			}
			if err := autostart.Enable(command); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "autostart enabled")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "disable",
		Short: "Remove the login entry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := autostart.Disable(); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "autostart disabled")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show whether the watcher starts at login",
		RunE: func(cmd *cobra.Command, _ []string) error {
			enabled, err := autostart.IsEnabled()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "autostart enabled: %v\n", enabled)
			return nil
		},
	})
	return cmd
}

func newConfigCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Settings file helpers"}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default settings to the config path",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := opts.settingsPath()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := models.DefaultSettings().Save(path); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective settings with secrets masked",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.load(cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			s := e.settings.Clone()
			if s.APISecret != "" {
				s.APISecret = "[REDACTED]"
			}
			if s.APIToken != "" {
				s.APIToken = "[REDACTED]"
			}
			return writeJSON(cmd.OutOrStdout(), s)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "curves",
		Short: "Print the decay curve parameters and grid size",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.load(cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			p := prediction.CurveParamsFromSettings(e.settings.Clone().Curves)
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"params":   p,
				"gridSize": p.GridSize(),
			})
		},
	})
	return cmd
}
