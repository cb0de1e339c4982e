package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"

	"inksign.org/internal/audit"
	"inksign.org/internal/config"
	"inksign.org/internal/obs"
	"inksign.org/internal/store/pg"
	"inksign.org/internal/sweep"
)

// Standalone expiration worker for deployments that run more than one API
// replica. Exactly one sweep instance should run against a given database.
func main() {
	obs.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.PostgresDSN == "" {
		log.Fatal("INKSIGN_PG_DSN is required: the sweep worker only makes sense against shared storage")
	}

	store, err := pg.Open(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// No session manager here: signing sessions live in the API process, and
	// the session TTL covers the window between expiry and the next resolve.
	sweeper := sweep.New(store, nil, audit.NewChain(store.Audit()), nil, cfg.SweepInterval)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		log.Println("Shutting down...")
		cancel()
	}()

	log.Printf("Starting inksign-sweep, interval %s", cfg.SweepInterval)
	sweeper.Run(ctx)
	log.Println("Stopped")
}
