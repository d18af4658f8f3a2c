package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/corebit/corebit/internal/api"
	"github.com/corebit/corebit/internal/bandwidth"
	"github.com/corebit/corebit/internal/config"
	"github.com/corebit/corebit/internal/license"
	"github.com/corebit/corebit/internal/logging"
	"github.com/corebit/corebit/internal/notify"
	"github.com/corebit/corebit/internal/probe"
	"github.com/corebit/corebit/internal/resolver"
	"github.com/corebit/corebit/internal/scanner"
	"github.com/corebit/corebit/internal/status"
	"github.com/corebit/corebit/internal/store"
	"github.com/corebit/corebit/internal/websocket"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "corebit",
	Short:   "CoreBit - network topology manager and monitoring system",
	Long:    `CoreBit polls heterogeneous network devices (RouterOS, SNMP, Prometheus exporters, Proxmox, ICMP targets), tracks their status and link traffic on interactive maps, and routes alarms to webhooks and on-duty shifts`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("CoreBit %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(hashPasswordCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// buildDate parses the ldflags build time for update-entitlement checks.
// Dev builds fall back to now so a local binary is always entitled.
func buildDate() time.Time {
	if t, err := time.Parse(time.RFC3339, BuildTime); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02", BuildTime); err == nil {
		return t
	}
	return time.Now()
}

func runServer() {
	// Baseline logger for early startup; re-initialised once config is in
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "corebit",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Format:     "auto",
		Level:      cfg.LogLevel,
		Component:  "corebit",
		FilePath:   cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSize,
		MaxAgeDays: cfg.LogMaxAge,
		Compress:   cfg.LogCompress,
	})
	defer logging.Shutdown()

	log.Info().Str("version", Version).Msg("Starting CoreBit monitoring server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(store.DefaultConfig(cfg.DataPath))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}

	seedSettings(ctx, cfg, st)

	licenses := license.NewManager(cfg.LicenseFilePath, st, buildDate())
	if err := licenses.Load(); err != nil {
		log.Warn().Err(err).Msg("Could not load licenses, running on the free tier")
	}

	hub := websocket.NewHub(cfg.AllowedOrigins)
	go hub.Run(ctx)

	// Runtime-tunable offline threshold is read at startup; env is the
	// fallback when no setting row exists
	offlineThreshold, err := st.GetSettingInt(ctx, status.SettingOfflineThreshold, cfg.OfflineThreshold)
	if err != nil {
		offlineThreshold = cfg.OfflineThreshold
	}

	dispatcher := notify.NewDispatcher(notify.Config{}, st)
	dispatcher.Start(ctx)

	// The stale window and rate gap both track the live polling interval
	interval := func() time.Duration {
		secs, err := st.GetSettingInt(ctx, probe.SettingPollingInterval, cfg.PollingIntervalSeconds)
		if err != nil {
			secs = cfg.PollingIntervalSeconds
		}
		return time.Duration(config.ClampPollingInterval(secs)) * time.Second
	}

	differencer := bandwidth.New(interval)
	primeDifferencer(ctx, st, differencer)

	engine := status.NewEngine(status.Config{
		OfflineThreshold: offlineThreshold,
		Interval:         interval,
	}, st, st, st, st, hub, dispatcher)

	vmResolver := resolver.New(st, st, st, hub)

	registry := probe.NewRegistry()

	scheduler := probe.NewScheduler(probe.Config{
		MaxConcurrency: cfg.MaxProbeConcurrency,
		ProbeTimeout:   cfg.ProbeTimeout(),
	}, probe.Deps{
		Devices:     st,
		Connections: st,
		Credentials: st,
		Settings:    st,
		Metrics:     st,
		Registry:    registry,
		Sink:        engine,
		Rates:       differencer,
		VMs:         vmResolver,
		Publisher:   hub,
	})

	engine.Start(ctx)
	scheduler.Start(ctx)

	retention := store.NewRetentionWorker(st, cfg.MetricsRetentionHours)
	retention.Start(ctx)

	netScanner := scanner.New(st, st)

	router := api.NewRouter(api.Deps{
		Config:      cfg,
		Store:       st,
		Hub:         hub,
		Scheduler:   scheduler,
		Engine:      engine,
		Registry:    registry,
		Differencer: differencer,
		Scanner:     netScanner,
		Dispatcher:  dispatcher,
		Licenses:    licenses,
		Version:     Version,
	})

	// ReadHeaderTimeout instead of ReadTimeout: a connection-level read
	// deadline would outlive the WebSocket upgrade and kill idle sockets.
	// WriteTimeout stays off for the SSE scan stream.
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.BackendHost, cfg.BackendPort),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	watcher, err := config.NewWatcher(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create config watcher, .env changes will require restart")
	} else {
		watcher.SetLicenseReloadCallback(func() {
			if err := licenses.Load(); err != nil {
				log.Error().Err(err).Msg("Failed to reload licenses")
			} else {
				log.Info().Int("limit", licenses.EffectiveLimit()).Msg("Licenses reloaded")
			}
		})
		watcher.SetConfigReloadCallback(func() {
			log.Info().Msg("Configuration files changed; restart to apply boot-time settings")
		})
		if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start config watcher")
		}
		defer watcher.Stop()
	}

	go func() {
		log.Info().
			Str("host", cfg.BackendHost).
			Int("port", cfg.BackendPort).
			Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	reloadChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	signal.Notify(reloadChan, syscall.SIGHUP)

	for {
		select {
		case <-reloadChan:
			log.Info().Msg("Received SIGHUP, reloading configuration...")
			if watcher != nil {
				watcher.Reload()
			}
		case <-sigChan:
			log.Info().Msg("Shutting down server...")
			goto shutdown
		}
	}

shutdown:
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	scheduler.Stop()
	engine.Stop()
	dispatcher.Stop(5 * time.Second)
	retention.Stop()
	cancel()

	if err := st.Close(); err != nil {
		log.Error().Err(err).Msg("Store close error")
	}

	log.Info().Msg("Server stopped")
}

// seedSettings writes boot defaults for the runtime-tunable settings the
// first time the server runs. Existing rows always win over env.
func seedSettings(ctx context.Context, cfg *config.Config, st *store.Store) {
	defaults := map[string]string{
		probe.SettingPollingInterval:       fmt.Sprintf("%d", cfg.PollingIntervalSeconds),
		status.SettingOfflineThreshold:     fmt.Sprintf("%d", cfg.OfflineThreshold),
		store.SettingMetricsRetentionHours: fmt.Sprintf("%d", cfg.MetricsRetentionHours),
	}
	for key, value := range defaults {
		current, err := st.GetSetting(ctx, key, "")
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Could not read setting")
			continue
		}
		if current != "" {
			continue
		}
		if err := st.PutSetting(ctx, key, value); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Could not seed setting")
		}
	}
}

// primeDifferencer reloads persisted counter baselines so link rates resume
// immediately after a restart.
func primeDifferencer(ctx context.Context, st *store.Store, d *bandwidth.Differencer) {
	conns, err := st.ListMonitoredConnections(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Could not prime link rate baselines")
		return
	}
	primed := 0
	for i := range conns {
		if conns[i].LinkStats != nil {
			d.Prime(conns[i].ID, conns[i].LinkStats)
			primed++
		}
	}
	if primed > 0 {
		log.Info().Int("connections", primed).Msg("Primed link rate baselines")
	}
}
