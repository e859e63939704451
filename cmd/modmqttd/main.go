// Command modmqttd bridges one or more Modbus fieldbus networks to an
// MQTT broker: it loads a YAML configuration file, starts one worker
// goroutine per network plus the MQTT bus worker, and runs until
// SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/modmqttd/modmqttd/internal/app"
	"github.com/modmqttd/modmqttd/internal/config"
	"github.com/modmqttd/modmqttd/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "modmqttd.yml", "path to the YAML configuration file")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	logger, err := newLogger(*verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "modmqttd: logger init failed: %v\n", err)
		return 1
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("config load failed", zap.Error(err))
		return 1
	}

	a, workers, err := app.New(cfg, worker.DefaultTransportFactory, logger)
	if err != nil {
		logger.Error("app init failed", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx, workers); err != nil {
		logger.Error("app run failed", zap.Error(err))
		return 1
	}
	return 0
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
