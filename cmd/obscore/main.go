// Package main is the entry point for the obscore telemetry aggregator.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nugget/obscore/internal/buildinfo"
	"github.com/nugget/obscore/internal/config"
	"github.com/nugget/obscore/internal/fanout"
	"github.com/nugget/obscore/internal/manager"
	"github.com/nugget/obscore/internal/normalize"
	"github.com/nugget/obscore/internal/obsstate"
	"github.com/nugget/obscore/internal/reachability"
	"github.com/nugget/obscore/internal/seed"
	"github.com/nugget/obscore/internal/store"
	"github.com/nugget/obscore/internal/upstream"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 && flag.Arg(0) == "version" {
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
		return
	}

	cfgPath, err := config.FindConfig(*configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(2)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(2)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(2)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"listen_port", cfg.Listen.Port,
		"ws_url", cfg.Upstream.WSURL,
		"db_path", cfg.DBPath,
	)

	loc, err := time.LoadLocation(cfg.Upstream.Timezone)
	if err != nil {
		logger.Error("failed to load timezone", "timezone", cfg.Upstream.Timezone, "error", err)
		os.Exit(2)
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.Error("failed to create db directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()
	logger.Info("store opened", "path", cfg.DBPath)

	seeder := seed.New(cfg.Upstream.HistoryURL, loc, logger)

	persistedJSON, err := st.LoadState()
	if err != nil {
		logger.Warn("failed to load persisted state, starting empty", "error", err)
	}
	fallback := obsstate.Empty()
	if persistedJSON != "" {
		if err := json.Unmarshal([]byte(persistedJSON), &fallback); err != nil {
			logger.Warn("failed to parse persisted state, starting empty", "error", err)
			fallback = obsstate.Empty()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seedCtx, seedCancel := context.WithTimeout(ctx, 30*time.Second)
	initial, seedResult := seeder.Run(seedCtx, fallback)
	seedCancel()
	logger.Info("startup seed complete",
		"events_processed", seedResult.EventsProcessed,
		"session_active", seedResult.IsActive,
		"target", seedResult.TargetName,
		"fetch_failed", seedResult.FetchFailed,
	)
	if !seedResult.FetchFailed {
		if stateJSON, err := json.Marshal(initial); err != nil {
			logger.Warn("failed to marshal seeded state", "error", err)
		} else if err := st.SaveState(string(stateJSON)); err != nil {
			logger.Warn("failed to persist seeded state", "error", err)
		}
	}

	mgr := manager.New(initial, st, seeder, cfg.Session.TargetExpiry, logger)

	upstreamClient := upstream.New(upstream.Config{
		URL:            cfg.Upstream.WSURL,
		SubscribeFrame: cfg.Upstream.SubscribeFrame,
		Location:       loc,
		OnEvent: func(evt normalize.Event) {
			mgr.Apply(evt)
		},
		OnMalformed: func(err error) {
			logger.Debug("dropped malformed upstream frame", "error", err)
		},
		Logger: logger,
	})

	probeURL := cfg.Upstream.HistoryURL
	watcher := reachability.Watch(ctx, reachability.Config{
		Probe: func(probeCtx context.Context) error {
			req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, probeURL, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 500 {
				return fmt.Errorf("upstream returned %s", resp.Status)
			}
			return nil
		},
		OnDown: func(err error) {
			logger.Warn("upstream marked degraded", "error", err)
			mgr.SetUpstreamStatus(true)
		},
		OnReady: func() {
			logger.Info("upstream marked reachable")
			mgr.SetUpstreamStatus(false)
		},
		Logger: logger,
	})
	defer watcher.Stop()

	housekeepTicker := time.NewTicker(time.Minute)
	defer housekeepTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-housekeepTicker.C:
				mgr.Housekeep(now)
			}
		}
	}()

	go upstreamClient.Run(ctx)

	fanoutSrv := fanout.New(fanout.Config{
		Address:           cfg.Listen.Address,
		Port:              cfg.Listen.Port,
		Manager:           mgr,
		Reachability:      watcher,
		ClientCap:         cfg.Fanout.ClientCap,
		HeartbeatInterval: cfg.Fanout.HeartbeatInterval,
		SendTimeout:       cfg.Fanout.SendTimeout,
		Logger:            logger,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := fanoutSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("fan-out shutdown error", "error", err)
		}
	}()

	logger.Info("obscore starting",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"branch", buildinfo.GitBranch,
	)

	if err := fanoutSrv.Start(ctx); err != nil {
		if ctx.Err() == nil {
			logger.Error("fan-out server failed", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("obscore stopped")
}
