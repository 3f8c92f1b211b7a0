package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/antonpaquin/citrine/internal/app"
	"github.com/antonpaquin/citrine/internal/common"
	"github.com/antonpaquin/citrine/internal/server"
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles configPaths
	serverPort  = flag.Int("port", 0, "Server port (overrides config)")
	serverHost  = flag.String("host", "", "Server host (overrides config)")
	showVersion = flag.Bool("version", false, "Print version information")

	config *common.Config
	logger arbor.ILogger
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("citrined version %s\n", common.GetFullVersion())
		os.Exit(0)
	}

	// Auto-discover a config file next to the binary if none was given
	if len(configFiles) == 0 {
		if _, err := os.Stat("citrine.toml"); err == nil {
			configFiles = append(configFiles, "citrine.toml")
		}
	}

	var err error
	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		arbor.NewLogger().Error().Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}
	common.ApplyFlagOverrides(config, *serverPort, *serverHost)

	logger = common.InitLogger(config)
	common.PrintBanner()

	logger.Info().
		Strs("config_files", configFiles).
		Str("host", config.Server.Host).
		Int("port", config.Server.Port).
		Str("storage", config.Storage.Path).
		Msg("Daemon configuration loaded")

	application, err := app.New(config, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize daemon")
		os.Exit(1)
	}

	if err := application.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start daemon")
		os.Exit(1)
	}

	srv := server.New(application)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("HTTP server failed")
			application.Stop()
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Server shutdown failed")
	}
	application.Stop()
}
