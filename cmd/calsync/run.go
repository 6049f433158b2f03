package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/clubrota/calsync/internal/calendar/dashboard"
	"github.com/clubrota/calsync/internal/config"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "sync",
	Short:   "Keep syncing in the foreground",
	Long: `Run the sync engine until interrupted.

The engine syncs on the configured schedule and whenever the server becomes
reachable again, and keeps the current and adjacent months cached. Changes to
the sync section of the config file are applied without a restart. SIGHUP
reopens the log file.

With --dashboard a live view is served:
  ws://localhost:8080/ws           state and sync_complete messages
  http://localhost:8080/metrics    Prometheus metrics
  http://localhost:8080/api/months/2024-03
  http://localhost:8080/health`,
	Run: func(cmd *cobra.Command, args []string) {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")

		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		a, err := openApp(cmd, appOptions{registry: registry})
		if err != nil {
			exitf("%v", err)
		}
		defer a.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if a.prober != nil {
			if err := a.prober.Start(); err != nil {
				a.Close()
				exitf("failed to start connectivity prober: %v", err)
			}
		}
		if err := a.engine.Initialize(ctx); err != nil {
			a.Close()
			exitf("%v", err)
		}

		var (
			server  *dashboard.Server
			handler *dashboard.Handler
		)
		if withDashboard {
			port := a.cfg.Dashboard.Port
			if cmd.Flags().Changed("port") {
				port, _ = cmd.Flags().GetInt("port")
			}
			server = dashboard.NewServer(&dashboard.Config{
				Port:     port,
				Months:   a.engine,
				Gatherer: registry,
				Logger:   a.sink.Logger("dashboard"),
			})
			if err := server.Start(); err != nil {
				a.Close()
				exitf("failed to start dashboard: %v", err)
			}
			handler = dashboard.NewHandler(server, a.store, a.sink.Logger("dashboard"))
			handler.Start()
			fmt.Printf("Dashboard on http://localhost:%d (WebSocket ws://localhost:%d/ws)\n", port, port)
		}

		path := configPath(cmd)
		var watcher *config.Watcher
		if _, err := os.Stat(path); err == nil {
			watcher, err = config.NewWatcher(path, func(c *config.Config) {
				a.engine.Reconfigure(tuning(c))
			}, a.sink.Logger("config"))
			if err == nil {
				err = watcher.Start()
			}
			if err != nil {
				a.logger.Printf("WARNING: config hot reload disabled: %v", err)
				watcher = nil
			}
		}

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)

		fmt.Println("Syncing. Press Ctrl+C to stop...")
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-hup:
				if err := a.sink.Rotate(); err != nil {
					a.logger.Printf("WARNING: failed to reopen log: %v", err)
				}
			}
		}

		fmt.Println("\nShutting down...")
		if watcher != nil {
			_ = watcher.Stop()
		}
		if handler != nil {
			handler.Stop()
		}
		if server != nil {
			if err := server.Stop(); err != nil {
				fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			}
		}
		fmt.Println("Stopped")
	},
}

func init() {
	runCmd.Flags().Bool("dashboard", false, "Serve the live dashboard")
	runCmd.Flags().IntP("port", "p", 0, "Dashboard port (default dashboard.port)")
	rootCmd.AddCommand(runCmd)
}
