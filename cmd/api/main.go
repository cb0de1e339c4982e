package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"inksign.org/internal/access"
	"inksign.org/internal/audit"
	"inksign.org/internal/auth"
	"inksign.org/internal/config"
	"inksign.org/internal/document"
	"inksign.org/internal/envelope"
	"inksign.org/internal/httpapi"
	"inksign.org/internal/notify"
	"inksign.org/internal/obs"
	"inksign.org/internal/session"
	"inksign.org/internal/store/pg"
	"inksign.org/internal/sweep"
)

var version = "0.3.1"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("INKSIGN_COMMIT"))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.AuthSecret == "" {
		log.Fatal("INKSIGN_AUTH_SECRET is required")
	}

	// Postgres when a DSN is set; in-process stores otherwise. The in-memory
	// mode backs local development and loses everything on restart.
	var (
		svc        envelope.Service
		codeStore  access.CodeStore
		authStore  auth.Store
		auditStore audit.Store
		ready      httpapi.ReadyProbe
	)
	if cfg.PostgresDSN != "" {
		store, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.Close()
		svc = store
		codeStore = store
		authStore = store.Auth()
		auditStore = store.Audit()
		ready = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		log.Print("INKSIGN_PG_DSN not set, using in-memory storage")
		inmem := envelope.NewInMemory()
		svc = inmem
		codeStore = inmem
		authStore = auth.NewMemStore()
	}

	sessions := session.NewManager(cfg.SessionIdleTTL)
	stream := notify.New()
	chain := audit.NewChain(auditStore)

	api := httpapi.New(httpapi.Deps{
		Ready:     ready,
		Version:   version,
		Envelopes: svc,
		Codes:     access.NewIssuer(codeStore),
		Sessions:  sessions,
		Stream:    stream,
		Chain:     chain,
		Documents: document.NewRegistry(svc),
		Accounts:  auth.NewService(authStore),
	})

	handler := api.Handler()
	handler = httpapi.RateLimit(handler, cfg.RateLimitBurst, cfg.RateLimitPerSec)
	handler = httpapi.MaxBodyBytes(handler, cfg.MaxBodyBytes, "/v1/documents")
	handler = httpapi.CORS(handler)
	handler = httpapi.SecurityHeaders(handler)
	handler = httpapi.Logging(handler)
	handler = httpapi.RequestID(handler)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// In-process expiration sweep; a dedicated worker can run cmd/sweep
	// instead when the API is scaled horizontally.
	sweeper := sweep.New(svc, stream, chain, sessions, cfg.SweepInterval)
	go sweeper.Run(ctx)

	log.Printf("Starting inksign-api %s on %s", version, srv.Addr)
	obs.SetReady(true)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	log.Println("Stopped")
}
