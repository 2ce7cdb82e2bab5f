// Package main is the entry point for the sensorhub ingestion backbone.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/sensorhub/internal/api"
	"github.com/nugget/sensorhub/internal/attention"
	"github.com/nugget/sensorhub/internal/auth"
	"github.com/nugget/sensorhub/internal/buildinfo"
	"github.com/nugget/sensorhub/internal/bus"
	"github.com/nugget/sensorhub/internal/clock"
	"github.com/nugget/sensorhub/internal/coldstore"
	"github.com/nugget/sensorhub/internal/config"
	"github.com/nugget/sensorhub/internal/mqttbridge"
	"github.com/nugget/sensorhub/internal/registry"
	"github.com/nugget/sensorhub/internal/session"
	"github.com/nugget/sensorhub/internal/store"
	"github.com/nugget/sensorhub/internal/sysload"
	"github.com/nugget/sensorhub/internal/vocab"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 && flag.Arg(0) == "version" {
		fmt.Println(buildinfo.String())
		return
	}

	runServe(logger, *configPath)
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting sensorhub", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("config loaded", "path", cfgPath, "port", cfg.Listen.Port,
		"hot_capacity", cfg.HotCapacity, "warm_capacity", cfg.WarmCapacity)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Error("failed to create data directory", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	var coldSink store.ColdSink
	var sink *coldstore.SQLiteSink
	if cfg.ColdStorage.Configured() {
		sink, err = coldstore.Open(cfg.ColdStorage.SQLitePath, logger.With("component", "coldstore"))
		if err != nil {
			logger.Error("failed to open cold storage", "path", cfg.ColdStorage.SQLitePath, "error", err)
			os.Exit(1)
		}
		coldSink = sink
		logger.Info("cold storage opened", "path", cfg.ColdStorage.SQLitePath)
	}

	clk := clock.Real{}
	b := bus.New()
	st := store.New(cfg.HotCapacity, cfg.WarmCapacity, coldSink)
	vs := vocab.NewAttributeSet(cfg.AttributeVocabulary)
	reg := registry.New(b, st, vs, clk)
	attn := attention.New(b)
	load := sysload.New(b, b, reg)
	verifier := auth.NewStaticVerifier(cfg.TokenVerifier.StaticTokens)

	stopLoad := make(chan struct{})
	go load.Run(stopLoad)

	attnTicker := time.NewTicker(1 * time.Second)
	go func() {
		for range attnTicker.C {
			attn.Tick()
		}
	}()

	sessionDeps := session.Deps{
		Registry:  reg,
		Bus:       b,
		Attention: attn,
		SysLoad:   load,
		Vocab:     vs,
		Verifier:  verifier,
		Clock:     clk,
		Logger:    logger.With("component", "session"),
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, sessionDeps, logger.With("component", "api"))
	if sink != nil {
		server.SetColdStorage(sink)
	}

	var bridge *mqttbridge.Bridge
	if cfg.MQTTBridge.Configured() {
		bridge = mqttbridge.New(mqttbridge.Config{
			Broker:       cfg.MQTTBridge.BrokerURL,
			TopicFilters: cfg.MQTTBridge.TopicFilters,
			BearerToken:  cfg.MQTTBridge.BearerToken,
		}, mqttbridge.Deps{
			Registry: reg,
			Verifier: verifier,
			Clock:    clk,
			Logger:   logger.With("component", "mqttbridge"),
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if bridge != nil {
		go func() {
			if err := bridge.Start(ctx); err != nil {
				logger.Error("mqtt bridge failed", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutdown signal received")

		cancel()
		close(stopLoad)
		attnTicker.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		_ = server.Shutdown(shutdownCtx)
		if bridge != nil {
			_ = bridge.Stop(shutdownCtx)
		}
		if sink != nil {
			_ = sink.Close()
		}
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("sensorhub stopped")
}
