package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/obsidianstack/perfmatrix/server/internal/alerts"
	"github.com/obsidianstack/perfmatrix/server/internal/api"
	"github.com/obsidianstack/perfmatrix/server/internal/auth"
	"github.com/obsidianstack/perfmatrix/server/internal/config"
	"github.com/obsidianstack/perfmatrix/server/internal/ingest"
	"github.com/obsidianstack/perfmatrix/server/internal/metrics"
	"github.com/obsidianstack/perfmatrix/server/internal/probe"
	"github.com/obsidianstack/perfmatrix/server/internal/processor"
	"github.com/obsidianstack/perfmatrix/server/internal/provision"
	"github.com/obsidianstack/perfmatrix/server/internal/registry"
	"github.com/obsidianstack/perfmatrix/server/internal/snapshot"
	"github.com/obsidianstack/perfmatrix/server/internal/ws"
)

// shutdownTimeout bounds how long shutdown waits for each component.
const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("perfmatrix-server starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	sc := cfg.Server
	level.Set(sc.SlogLevel())

	slog.Info("config loaded",
		"listen_addr", sc.ListenAddr,
		"http_port", sc.HTTPPort,
		"grpc_port", sc.GRPCPort,
		"auth_mode", sc.Auth.Mode,
		"matrices", len(sc.Matrices),
		"persist", sc.Snapshot.Enabled,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Registry: resume from the last snapshot, then provision the matrices.
	reg := registry.New()
	store := snapshot.New(snapshot.Options{
		Enabled:    sc.Snapshot.Enabled,
		Dir:        sc.Snapshot.Dir,
		FileName:   sc.Snapshot.FileName,
		ArchiveMax: sc.Snapshot.ArchiveMax,
	})
	snap, _ := store.Load()
	reg.Restore(snap.Records)
	provision.Apply(reg, sc.Matrices)
	store.Persist(reg)

	// Ingest socket: bind failure is the one fatal startup error.
	stats := ingest.NewStats()
	queue := ingest.NewQueue(sc.Ingest.QueueCapacity, stats)
	lis, err := ingest.Listen(ctx, ingest.Config{
		Addr:          sc.ListenAddr,
		MaxFrameBytes: sc.Ingest.MaxFrameBytes,
		ReadTimeout:   sc.Ingest.ReadTimeout,
		MaxConns:      sc.Ingest.MaxConns,
	}, queue, stats)
	if err != nil {
		slog.Error("failed to bind ingest socket", "addr", sc.ListenAddr, "err", err)
		os.Exit(1)
	}

	checker := auth.NewChecker(sc.Auth.Mode, sc.Auth.EffectiveHeader(), sc.Auth.Key())

	// Change listeners, fed once per coalesced change by the update scheduler.
	hub := ws.New(reg)
	reg.AddListener(hub)
	alertEngine := alerts.New(sc.Alerts, reg)
	reg.AddListener(alertEngine)

	var loops sync.WaitGroup
	start := func(name string, fn func()) {
		loops.Add(1)
		go func() {
			defer loops.Done()
			fn()
			slog.Debug("loop stopped", "name", name)
		}()
	}
	start("processor", func() { processor.New(queue, reg, stats).Run(ctx) })
	start("registry update", func() { reg.Run(ctx, sc.UpdateInterval) })
	start("persist", func() { store.Run(ctx, reg, sc.Snapshot.Interval) })
	start("ws hub", func() { hub.Run(ctx) })

	// gRPC health service, SERVING while the ingest socket accepts.
	probeSrv := probe.New(checker)
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", sc.GRPCPort))
	if err != nil {
		slog.Error("failed to listen on gRPC port", "port", sc.GRPCPort, "err", err)
		os.Exit(1)
	}
	go func() {
		if err := probeSrv.Serve(grpcLis); err != nil {
			slog.Error("gRPC server stopped", "err", err)
		}
	}()

	ingestDone := make(chan struct{})
	go func() {
		defer close(ingestDone)
		probeSrv.SetIngest(true)
		if err := lis.Serve(); err != nil {
			slog.Error("ingest listener stopped", "err", err)
		}
		probeSrv.SetIngest(false)
	}()

	// Combined HTTP server: REST API, /metrics and the WebSocket hub.
	httpMux := http.NewServeMux()
	apiHandler := api.New(api.Deps{
		Registry: reg,
		Stats:    stats,
		Queue:    queue,
		Store:    store,
		Alerts:   alertEngine,
		Metrics:  metrics.New(reg, stats, queue),
		Auth:     checker,
	})
	httpMux.Handle("/api/", apiHandler)
	httpMux.Handle("/metrics", apiHandler)
	httpMux.Handle("/ws/stream", checker.Require(hub))

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", sc.HTTPPort),
		Handler:           httpMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "port", sc.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server stopped", "err", err)
		}
	}()

	// Hot reload: new datapoints are provisioned, existing ones are kept.
	go func() {
		err := config.Watch(ctx, *configPath, func(next *config.Config) {
			level.Set(next.Server.SlogLevel())
			provision.Apply(reg, next.Server.Matrices)
		})
		if err != nil {
			slog.Warn("config watch disabled", "path", *configPath, "err", err)
		}
	}()

	<-ctx.Done()
	slog.Info("perfmatrix-server shutting down")

	if err := lis.Close(); err != nil {
		slog.Warn("ingest close failed", "err", err)
	}
	waitFor("ingest listener", ingestDone)

	loopsDone := make(chan struct{})
	go func() {
		loops.Wait()
		close(loopsDone)
	}()
	waitFor("background loops", loopsDone)

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	httpSrv.Shutdown(shutdownCtx) //nolint:errcheck
	probeSrv.Stop()

	store.Persist(reg)
	alertEngine.Wait()
	slog.Info("perfmatrix-server stopped")
}

// waitFor blocks until ch is closed or shutdownTimeout elapses.
func waitFor(name string, ch <-chan struct{}) {
	select {
	case <-ch:
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown: timed out waiting", "component", name, "timeout", shutdownTimeout)
	}
}
