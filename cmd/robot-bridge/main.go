package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/omnifleet/robot-bridge/internal/bridge"
	"github.com/omnifleet/robot-bridge/internal/config"
	"github.com/omnifleet/robot-bridge/internal/firmware"
	"github.com/omnifleet/robot-bridge/internal/logsink"
	"github.com/omnifleet/robot-bridge/internal/metrics"
	"github.com/omnifleet/robot-bridge/internal/ops"
	"github.com/omnifleet/robot-bridge/internal/pid"
	"github.com/omnifleet/robot-bridge/internal/pose"
	"github.com/omnifleet/robot-bridge/internal/registry"
	"github.com/omnifleet/robot-bridge/internal/router"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: robot-bridge <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the robot bridge")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting robot-bridge",
		zap.Int("tcp_port", cfg.Listen.TCPPort),
		zap.Int("ws_port", cfg.Listen.WSPort),
		zap.Int("ota_port", cfg.Listen.OTAPort),
	)

	if err := cfg.EnsureDirs(); err != nil {
		logger.Fatal("failed to create working directories", zap.Error(err))
	}

	reg := registry.New(logger.Named("registry"))
	tracker := pose.NewTracker(cfg.Pose.WheelRadius, cfg.Pose.MaxPathPoints, cfg.Pose.MaxDataAgeSec)
	sink := logsink.New(cfg.Logging.Directory, logger.Named("logsink"))
	rt := router.New(logger.Named("router"))
	pidCache := pid.NewCache(cfg.PID.File, logger.Named("pid"))
	fwManager := firmware.NewManager(cfg.Firmware.TempDir, logger.Named("firmware"))

	// The PID file is optional at startup; robots connected before one
	// exists simply get no push.
	if err := pidCache.Reload(); err != nil {
		logger.Warn("PID config not loaded, cache is empty",
			zap.String("file", cfg.PID.File),
			zap.Error(err),
		)
	}

	otaServer := firmware.NewServer(fwManager, logger.Named("ota"))
	if err := otaServer.Start(fmt.Sprintf(":%d", cfg.Listen.OTAPort)); err != nil {
		logger.Fatal("failed to start OTA server", zap.Error(err))
	}

	b := bridge.New(cfg, reg, tracker, sink, rt, pidCache, fwManager, logger.Named("bridge"))
	if err := b.Start(); err != nil {
		logger.Fatal("failed to start bridge listeners", zap.Error(err))
	}

	opsServer := ops.NewServer(cfg.Service.OpsListen, []ops.Check{
		{Name: "robot_tcp", OK: b.TCPReady},
		{Name: "websocket", OK: b.WSReady},
		{Name: "ota", OK: otaServer.Ready},
	}, logger.Named("ops"))
	if err := opsServer.Start(); err != nil {
		logger.Fatal("failed to start ops HTTP server", zap.Error(err))
	}

	logger.Info("all listeners started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops HTTP server shutdown error", zap.Error(err))
	}
	if err := b.Shutdown(shutdownCtx); err != nil {
		logger.Error("bridge shutdown error", zap.Error(err))
	}
	if err := otaServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("OTA server shutdown error", zap.Error(err))
	}
	sink.CloseAll()

	logger.Info("robot-bridge stopped")
}
