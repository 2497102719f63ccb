package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"classbridge/internal/app"
	"classbridge/internal/config"
)

// Main entry point with graceful shutdown on SIGINT/SIGTERM.
func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

// Separate run function enables error handling without os.Exit skipping
// deferred cleanup.
func run() error {
	// STEP 1: Load configuration with precedence (file > env > defaults).
	configPath := os.Getenv("CLASSBRIDGE_CONFIG_FILE")
	cfg := config.LoadConfigWithPrecedence(configPath)

	// STEP 2: Create the application.
	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	// STEP 3: Signal handling for graceful shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	// STEP 4: Start the application in the background.
	appErrCh := make(chan error, 1)
	go func() {
		if err := application.Start(ctx); err != nil {
			appErrCh <- err
		}
	}()

	// STEP 5: Wait for a shutdown signal or an application error.
	select {
	case err := <-appErrCh:
		return fmt.Errorf("application error: %w", err)
	case sig := <-signalCh:
		log.Printf("Received signal %v, shutting down gracefully", sig)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := application.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		return nil
	}
}
