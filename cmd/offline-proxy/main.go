package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/mohammed-shakir/terrain-agent-cache/internal/agent"
	"github.com/mohammed-shakir/terrain-agent-cache/internal/cache"
	"github.com/mohammed-shakir/terrain-agent-cache/internal/cache/boltstore"
	"github.com/mohammed-shakir/terrain-agent-cache/internal/cache/manager"
	"github.com/mohammed-shakir/terrain-agent-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/terrain-agent-cache/internal/core/config"
	"github.com/mohammed-shakir/terrain-agent-cache/internal/core/httpclient"
	"github.com/mohammed-shakir/terrain-agent-cache/internal/core/observability"
	"github.com/mohammed-shakir/terrain-agent-cache/internal/core/router"
	"github.com/mohammed-shakir/terrain-agent-cache/internal/core/server"
	"github.com/mohammed-shakir/terrain-agent-cache/internal/invalidation/kafkaconsumer"
	"github.com/mohammed-shakir/terrain-agent-cache/internal/logger"
	"github.com/mohammed-shakir/terrain-agent-cache/internal/metrics"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func run() int {
	addrFlag := flag.String("addr", "", "listen address override")
	toolCallFlag := flag.Bool("toolcall", false, "use the tool-call envelope for every agent")
	flag.Parse()

	cfg := config.FromEnv()
	if *addrFlag != "" {
		cfg.Addr = strings.TrimSpace(*addrFlag)
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		SampleN:   envInt("LOG_SAMPLE_N", 0),
		Component: "offline-proxy",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	p := metrics.Init(metrics.Config{
		Build: metrics.BuildInfo{
			Version:   Version,
			Revision:  os.Getenv("BUILD_REVISION"),
			BuildDate: os.Getenv("BUILD_DATE"),
		},
	})
	observability.Init(p.Registerer())

	appLog.Info("starting offline proxy",
		"addr", cfg.Addr,
		"version", Version,
		"cacheDriver", cfg.CacheDriver,
		"terrainAgent", cfg.TerrainAgent.Endpoint,
		"weatherAgent", cfg.WeatherAgent.Endpoint,
		"equipmentAgent", cfg.EquipmentAgent.Endpoint)

	var store cache.Store
	switch cfg.CacheDriver {
	case "redis":
		store = redisstore.New(cfg.RedisAddr, appLog)
	default:
		store = boltstore.New(cfg.CachePath, appLog)
	}

	mgr := manager.New(store, manager.Config{
		Version:     cfg.CacheVersion,
		TTLTerrain:  cfg.TTLTerrain,
		TTLRun:      cfg.TTLRun,
		TTLAgent:    cfg.TTLAgent,
		AreaCellRes: cfg.AreaCellRes,
	}, appLog)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// a broken cache degrades to pass-through, it does not stop the proxy
	if err := mgr.Initialize(ctx); err != nil {
		appLog.Error("cache initialization failed, serving without cache", "err", err)
	}
	defer func() { _ = mgr.Close() }()

	agents := agent.New(cfg, httpclient.NewOutbound(), appLog)
	if *toolCallFlag {
		agents.EnableToolCallMode()
	}
	if cfg.WeatherFallbackFile != "" {
		raw, err := os.ReadFile(cfg.WeatherFallbackFile)
		switch {
		case err != nil:
			appLog.Warn("weather fallback file unreadable", "path", cfg.WeatherFallbackFile, "err", err)
		case !json.Valid(raw):
			appLog.Warn("weather fallback file is not valid json", "path", cfg.WeatherFallbackFile)
		default:
			agents.SetWeatherFallback(raw)
			appLog.Info("weather fallback loaded", "path", cfg.WeatherFallbackFile)
		}
	}

	if cfg.Invalidation.Enabled {
		kcfg := kafkaconsumer.ConfigFrom(cfg.Invalidation.Brokers, cfg.Invalidation.Topic, cfg.Invalidation.GroupID)
		consumer := kafkaconsumer.New(kcfg, appLog, mgr)
		go func() {
			if err := consumer.Start(ctx); err != nil {
				appLog.Error("invalidation consumer stopped", "err", err)
			}
		}()
	}

	handler := router.New(mgr, agents, appLog)
	if err := server.Run(ctx, cfg, appLog, handler, mgr, p.Handler()); err != nil {
		appLog.Error("server exited", "err", err)
		return 1
	}
	return 0
}
