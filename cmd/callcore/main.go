package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/harunnryd/callcore/pkg/callcore"
	"github.com/harunnryd/callcore/pkg/logging"
	"github.com/harunnryd/callcore/pkg/runner"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the callcore config file")
	flag.Parse()

	cfg, err := callcore.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	logger := logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	engine, err := callcore.NewEngine(callcore.Options{
		Config: cfg,
		Tools:  bookingTools(),
		Logger: logger,
	})
	if err != nil {
		logger.Error("engine_init_failed", "error", err)
		os.Exit(1)
	}

	lr := runner.NewLifecycleRunner(runner.DrainFunc(engine.Drain), runner.Hooks{
		OnStart: engine.Start,
		OnStop: func() {
			logger.Info("callcore_stopped")
		},
	}, cfg.DrainTimeout()).WithLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := lr.Run(ctx); err != nil {
		logger.Error("callcore_exit", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
