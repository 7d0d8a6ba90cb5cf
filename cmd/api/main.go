package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"healthlock.org/internal/httpapi"
	"healthlock.org/internal/obs"
	"healthlock.org/internal/store/pg"
	"healthlock.org/internal/stream"
	"healthlock.org/internal/vault"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	events := stream.New()

	// With HEALTHLOCK_PG_DSN set the vault state is durable and
	// /readyz pings the database; otherwise the in-memory engine
	// serves everything from process state.
	var (
		svc vault.Service
		db  *sql.DB
	)
	if dsn := os.Getenv("HEALTHLOCK_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open store: %v", err)
		}
		store.SetSink(events)
		svc = store
		db = store.DB()
	} else {
		svc = vault.NewInMemory(vault.WithSink(events))
	}

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, svc, events)

	addr := os.Getenv("HEALTHLOCK_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// No WriteTimeout: /v1/events holds the response open.
		IdleTimeout: 60 * time.Second,
	}

	log.Printf("Starting healthlock-api %s on %s", version, srv.Addr)
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

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
