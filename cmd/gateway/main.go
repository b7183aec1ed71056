package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tjfontaine/polyglot-pipeline/internal/registration"
	"github.com/tjfontaine/polyglot-pipeline/internal/registry"
	"github.com/tjfontaine/polyglot-pipeline/pkg/gateway"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	configPath := flag.String("config", envOr("PIPE_CONFIG", "config.yaml"), "path to the config file")
	logLevel := flag.String("log-level", envOr("PIPE_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	listComponents := flag.Bool("list-components", false, "print the registered filter and channel types and exit")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		log.Fatalf("Invalid log level %q: %v", *logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	// Register built-in filters and channels
	registration.RegisterBuiltins()

	if *listComponents {
		fmt.Printf("filters:  %s\n", strings.Join(registry.FilterTypes(), ", "))
		fmt.Printf("channels: %s\n", strings.Join(registry.ChannelTypes(), ", "))
		return
	}

	gw, err := gateway.New(
		gateway.WithLogger(logger),
		gateway.WithFileConfig(*configPath),
	)
	if err != nil {
		log.Fatalf("Failed to create gateway: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := gw.Start(ctx); err != nil {
		log.Fatalf("Failed to start gateway: %v", err)
	}

	var exitCode int
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping gateway")
	case err := <-gw.Err():
		if err != nil {
			logger.Error("server stopped", slog.String("error", err.Error()))
			exitCode = 1
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		exitCode = 1
	}

	logger.Info("gateway shutdown complete")
	os.Exit(exitCode)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
