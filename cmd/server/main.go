// Package main provides the entry point for the strategy sandbox server.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/strategy-sandbox/internal/api"
	"github.com/atlas-desktop/strategy-sandbox/internal/config"
	"github.com/atlas-desktop/strategy-sandbox/internal/data"
	"github.com/atlas-desktop/strategy-sandbox/internal/runlog"
	"github.com/atlas-desktop/strategy-sandbox/internal/sandbox"
	"github.com/atlas-desktop/strategy-sandbox/internal/service"
	"github.com/atlas-desktop/strategy-sandbox/internal/workers"
	"github.com/atlas-desktop/strategy-sandbox/pkg/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// The logger is configured from cfg, so this one goes to stderr as is.
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging.Level)
	defer logger.Sync()

	logger.Info("Starting strategy sandbox",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("barsDir", cfg.Data.BarsDir),
		zap.String("chainDir", cfg.Data.ChainDir),
		zap.Int("workers", cfg.Sandbox.Workers),
	)

	// Data sources
	bars, err := data.NewStore(logger, cfg.Data.BarsDir)
	if err != nil {
		logger.Fatal("Failed to initialize bar store", zap.Error(err))
	}
	chains := data.NewParquetChainStore(logger, cfg.Data.ChainDir)

	// Fingerprint cache with an optional shared Redis tier
	var remote data.RemoteCache
	var rdb *redis.Client
	if cfg.Cache.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr, DB: cfg.Cache.RedisDB})
		rc := data.NewRedisCache(logger, rdb, cfg.Cache.TTL, cfg.Cache.RedisPrefix)
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rc.Ping(pingCtx); err != nil {
			logger.Warn("Redis unavailable, using the in-memory cache only",
				zap.String("addr", cfg.Cache.RedisAddr), zap.Error(err))
			rdb.Close()
			rdb = nil
		} else {
			remote = rc
		}
		cancel()
	}
	cache := data.NewFingerprintCache(logger, cfg.Cache.TTL, cfg.Cache.MaxEntries, remote)

	// Sandbox
	poolConfig := workers.DefaultPoolConfig("sandbox")
	poolConfig.MaxConcurrent = cfg.Sandbox.Workers
	if cfg.Sandbox.QueueTimeout > 0 {
		poolConfig.QueueTimeout = cfg.Sandbox.QueueTimeout
	}
	pool := workers.NewPool(logger, poolConfig)
	pool.Start()

	evaluator := sandbox.NewEvaluator(logger, pool, sandbox.Config{
		DefaultDeadline: cfg.Sandbox.DefaultDeadline,
		MinDeadline:     cfg.Sandbox.MinDeadline,
		MaxDeadline:     cfg.Sandbox.MaxDeadline,
		MaxOutputBytes:  cfg.Sandbox.MaxOutputBytes,
		MaxSteps:        cfg.Sandbox.MaxSteps,
	})

	// Run history
	runs, err := runlog.Open(logger, cfg.RunLog.Path)
	if err != nil {
		logger.Fatal("Failed to open run log", zap.Error(err))
	}

	// WebSocket hub for run events
	hub := api.NewHub(logger)
	go hub.Run()

	svc := service.New(logger, bars, chains, cache, evaluator, service.Config{
		Sim: types.SimConfig{
			InitCash:    cfg.Sandbox.InitCash,
			Fees:        cfg.Sandbox.Fees,
			SlippageBps: cfg.Sandbox.SlippageBps,
			Size:        1,
		},
		MaxDTE: cfg.Data.MaxDTE,
	}, service.WithRunRecorder(runs), service.WithPublisher(hub))

	server := api.NewServer(logger, cfg.Server, svc, runs, pool, hub)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Server error", zap.Error(err))
			sigChan <- syscall.SIGTERM
		}
	}()

	logger.Info("Server started successfully",
		zap.String("ws", "ws://"+cfg.Server.Addr()+cfg.Server.WebSocketPath),
		zap.String("http", "http://"+cfg.Server.Addr()+"/api/v1"),
		zap.Bool("redis", remote != nil),
	)

	<-sigChan
	logger.Info("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}
	pool.Stop()
	if err := runs.Close(); err != nil {
		logger.Error("Error closing run log", zap.Error(err))
	}
	if rdb != nil {
		rdb.Close()
	}

	logger.Info("Server stopped")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}

	return logger
}
