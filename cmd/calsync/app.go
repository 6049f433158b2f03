package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/clubrota/calsync/internal/calendar/connectivity"
	"github.com/clubrota/calsync/internal/calendar/db"
	"github.com/clubrota/calsync/internal/calendar/engine"
	"github.com/clubrota/calsync/internal/calendar/remote"
	"github.com/clubrota/calsync/internal/calendar/store"
	"github.com/clubrota/calsync/internal/config"
	"github.com/clubrota/calsync/internal/logging"
	"github.com/clubrota/calsync/internal/ui"
)

// flagKeys maps persistent flags onto config keys.
var flagKeys = map[string]string{
	"db":       "db_path",
	"base-url": "api.base_url",
	"token":    "api.token",
	"user":     "user_id",
	"timezone": "timezone",
}

func defaultConfigHint() string {
	return config.DefaultPath()
}

// configPath returns --config or the default location.
func configPath(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("config"); p != "" {
		return p
	}
	return config.DefaultPath()
}

// loadConfig merges file, environment and flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := config.NewViper()
	if err := bindFlags(v, cmd); err != nil {
		return nil, err
	}
	return config.Load(v, configPath(cmd))
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for flag, key := range flagKeys {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind --%s: %w", flag, err)
		}
	}
	return nil
}

// appOptions selects the optional parts of an app.
type appOptions struct {
	// registry receives the engine metrics (nil leaves them unregistered).
	registry *prometheus.Registry
}

// app is the assembled client: config, logging, persistence, remote API,
// connectivity and the engine.
type app struct {
	cfg     *config.Config
	loc     *time.Location
	sink    *logging.Sink
	logger  *log.Logger
	db      *db.DB
	store   *store.Container
	api     remote.API
	monitor connectivity.Monitor
	prober  *connectivity.Prober
	engine  *engine.Engine
	styles  ui.Styles
}

func openApp(cmd *cobra.Command, opts appOptions) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	quiet, _ := cmd.Flags().GetBool("quiet")
	sink, err := logging.Open(logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Quiet:      quiet,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}

	a := &app{
		cfg:    cfg,
		loc:    loc,
		sink:   sink,
		logger: sink.Logger("calsync"),
		styles: ui.NewStyles(os.Stdout),
	}

	a.db, err = db.Open(cfg.DBPath)
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := a.db.InitSchema(); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.store, err = store.NewPersistent(a.db, sink.Logger("store"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to load local state: %w", err)
	}

	a.api = remote.New(cfg.API.BaseURL, &http.Client{Timeout: cfg.API.Timeout}, remote.WithToken(cfg.API.Token))

	if offline, _ := cmd.Flags().GetBool("offline"); offline {
		a.monitor = connectivity.NewManual(connectivity.Offline())
	} else {
		a.prober, err = connectivity.NewProber(&connectivity.ProberConfig{
			HealthURL: cfg.HealthURL(),
			Interval:  cfg.Connectivity.Interval,
			Timeout:   cfg.Connectivity.Timeout,
			Logger:    sink.Logger("connectivity"),
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.monitor = a.prober
	}

	ecfg := engine.DefaultConfig()
	ecfg.UserID = cfg.UserID
	ecfg.Location = loc
	ecfg.SyncSchedule = cfg.Sync.Schedule
	ecfg.CacheTTL = cfg.Sync.CacheTTL
	ecfg.PrefetchDelay = cfg.Sync.PrefetchDelay
	ecfg.MaxAttempts = cfg.Sync.MaxAttempts
	ecfg.Logger = sink.Logger("engine")
	if opts.registry != nil {
		ecfg.Registerer = opts.registry
	}
	a.engine, err = engine.New(a.store, a.api, a.monitor, ecfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// tuning converts the hot-reloadable settings.
func tuning(cfg *config.Config) engine.Tuning {
	return engine.Tuning{
		CacheTTL:      cfg.Sync.CacheTTL,
		PrefetchDelay: cfg.Sync.PrefetchDelay,
		MaxAttempts:   cfg.Sync.MaxAttempts,
	}
}

// online probes connectivity once.
func (a *app) online(ctx context.Context) bool {
	return a.monitor.Fetch(ctx).Reachable()
}

// Close releases everything openApp acquired.
func (a *app) Close() {
	if a.engine != nil {
		a.engine.Dispose()
		a.engine.Wait()
	}
	if a.prober != nil {
		a.prober.Stop()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Printf("WARNING: failed to close database: %v", err)
		}
	}
	if a.sink != nil {
		_ = a.sink.Close()
	}
}

// withApp runs fn against a freshly opened app and exits on error.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) {
	a, err := openApp(cmd, appOptions{})
	if err != nil {
		exitf("%v", err)
	}
	err = fn(cmd.Context(), a)
	a.Close()
	if err != nil {
		exitf("%v", err)
	}
}
