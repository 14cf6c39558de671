package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"custos.org/internal/audit"
	"custos.org/internal/engine"
	"custos.org/internal/gateway"
	"custos.org/internal/httpapi"
	"custos.org/internal/obs"
	"custos.org/internal/policy"
	"custos.org/internal/registry"
	"custos.org/internal/session"
	"custos.org/internal/store/pg"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Registry and policy are authoritative in memory; with a DSN configured
	// the audit chain is durable and card/permission snapshots are written
	// through for archival and recovery tooling.
	reg := registry.NewInMemory()
	pol := policy.NewStore()
	var auditStore audit.Store = audit.NewMemoryStore()

	var store *pg.Store
	if dsn := os.Getenv("CUSTOS_PG_DSN"); dsn != "" {
		var err error
		store, err = pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		reg.WithPersister(store)
		pol.WithPersister(store)
		auditStore = store
	}

	trail, err := audit.New(ctx, auditStore)
	if err != nil {
		log.Fatalf("open audit trail: %v", err)
	}

	hub := gateway.New()
	eng := engine.New(reg, pol, trail)
	coord := session.New(eng, reg, pol, trail, hub)

	go coord.RunSweeper(ctx, time.Minute)

	rp := httpapi.ReadyProbe{}
	if store != nil {
		rp.DB = store.DB()
	}
	api := httpapi.New(coord, reg, pol, trail, hub, rp, version)

	srv := &http.Server{
		Addr:              httpAddr(),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// No WriteTimeout: /v1/signals holds the response open for SSE.
		IdleTimeout: 60 * time.Second,
	}

	grpcSrv := httpapi.NewGRPCServer(ctx, rp, 10*time.Second)
	grpcLis, err := net.Listen("tcp", grpcAddr())
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}

	log.Printf("Starting custos-api %s on %s (grpc health on %s)", version, srv.Addr, grpcLis.Addr())

	go func() {
		if err := grpcSrv.Serve(grpcLis); err != nil {
			log.Printf("grpc serve: %v", err)
		}
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	if store != nil {
		_ = store.Close()
	}
	log.Println("Stopped")
}

func httpAddr() string {
	if addr := os.Getenv("CUSTOS_HTTP_ADDR"); addr != "" {
		return addr
	}
	return ":8080"
}

func grpcAddr() string {
	if addr := os.Getenv("CUSTOS_GRPC_ADDR"); addr != "" {
		return addr
	}
	return ":9090"
}
