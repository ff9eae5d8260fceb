// AgentMesh daemon — the coordination process that backs the mesh's
// SQLite store, hash-chained event/weave ledgers, claim arbitration,
// task state machine, and worker spawner.
//
// Runs as a standalone binary. Serves:
//   - Health check and Prometheus metrics over HTTP
//   - A cron-scheduled Watchdog reconciliation loop
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Haserjian/agentmesh/internal/adapter"
	"github.com/Haserjian/agentmesh/internal/alphagate"
	"github.com/Haserjian/agentmesh/internal/assay"
	"github.com/Haserjian/agentmesh/internal/board"
	"github.com/Haserjian/agentmesh/internal/capsule"
	"github.com/Haserjian/agentmesh/internal/claimarbiter"
	"github.com/Haserjian/agentmesh/internal/config"
	"github.com/Haserjian/agentmesh/internal/eventlog"
	"github.com/Haserjian/agentmesh/internal/logging"
	"github.com/Haserjian/agentmesh/internal/orchctl"
	"github.com/Haserjian/agentmesh/internal/scheduler"
	"github.com/Haserjian/agentmesh/internal/softconflict"
	"github.com/Haserjian/agentmesh/internal/spawner"
	"github.com/Haserjian/agentmesh/internal/store"
	"github.com/Haserjian/agentmesh/internal/taskmachine"
	"github.com/Haserjian/agentmesh/internal/watchdog"
	"github.com/Haserjian/agentmesh/internal/weave"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal("failed to create data dir", zap.Error(err))
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "board.db"), logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	el, err := eventlog.Open(cfg.DataDir, logger)
	if err != nil {
		logger.Fatal("failed to open event log", zap.Error(err))
	}

	w := weave.New(st, logger)
	arb := claimarbiter.New(st, el, logger)
	tm := taskmachine.New(st, w, el, logger)
	orch := orchctl.New(arb, st, el)

	registry := adapter.NewRegistry(adapter.Policy{})
	registry.Register(adapter.ClaudeCodeAdapter{AgentMeshVersion: version})
	adapter.SetCIIndicator(func() bool { return os.Getenv("CI") != "" })

	sp := spawner.New(st, tm, registry, orch, w, el, logger)
	wd := watchdog.New(st, arb, tm, sp, el, logger)

	bd := board.New(st, el, cfg.DataDir)
	cb := capsule.New(st, el, cfg.DataDir)
	sc := softconflict.New(st, bd, el)
	ab := assay.New(st, el)

	sched := scheduler.New(wd, cfg.StaleThresholdS, cfg.DefaultTimeoutS, logger)
	go func() {
		if err := sched.Start(ctx, "@every 30s"); err != nil {
			logger.Error("watchdog scheduler exited", zap.Error(err))
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(wr http.ResponseWriter, r *http.Request) {
		wr.WriteHeader(http.StatusOK)
		fmt.Fprintln(wr, "ok")
	})
	mux.HandleFunc("GET /version", func(wr http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(wr, `{"version":"%s","commit":"%s","date":"%s"}`+"\n", version, commit, date)
	})
	mux.HandleFunc("GET /api/v1/audit", func(wr http.ResponseWriter, r *http.Request) {
		report, err := alphagate.Build(st, el, w, alphagate.Options{})
		if err != nil {
			http.Error(wr, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(wr, alphagate.Sanitize(report))
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	registerMeshRoutes(mux, bd, cb, sc, ab, logger)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting agentmesh daemon",
		zap.String("addr", cfg.ListenAddr),
		zap.String("data_dir", cfg.DataDir),
		zap.String("version", version),
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}
