package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/GGPrompts/termhub/internal/app"
	"github.com/GGPrompts/termhub/internal/config"
	"github.com/GGPrompts/termhub/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config: %v", err)
	}

	logging.Init(cfg.LogPath)

	log.Printf("Config: ListenAddr=%s WorkspaceRoot=%s MaxSessions=%d IdleTimeout=%s DangerousMode=%v",
		cfg.ListenAddr, cfg.WorkspaceRoot, cfg.MaxSessions, cfg.IdleTimeout, cfg.DangerousMode)
	if cfg.DangerousMode {
		log.Printf("WARNING: dangerous mode enabled, executable allowlist is off")
	}

	svc, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Init: %v", err)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh, err := svc.Start()
	if err != nil {
		log.Fatalf("Start: %v", err)
	}

	select {
	case <-sigCtx.Done():
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := svc.Stop(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
