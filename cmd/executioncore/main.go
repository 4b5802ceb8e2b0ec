package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"execution-core/internal/cli"
	"execution-core/internal/config"
	"execution-core/internal/svc"
)

const shutdownTimeout = 10 * time.Second

func main() {
	flag.Parse()

	appCfg, err := config.Load(config.ConfigFile())
	if err != nil {
		fmt.Fprintf(os.Stderr, "[main] failed to load config: %v\n", err)
		os.Exit(1)
	}

	logx.MustSetup(appCfg.Log)
	defer logx.Close()

	logx.Info("[main] starting execution core")
	for _, line := range cli.ConfigSummaryLines(appCfg) {
		logx.Infof("config • %s", line)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serviceCtx, err := svc.NewServiceContext(ctx, *appCfg)
	if err != nil {
		logx.Errorf("[main] startup failed: %v", err)
		os.Exit(1)
	}
	defer serviceCtx.Close()

	if err := serviceCtx.Dispatcher.Start(ctx); err != nil {
		logx.Errorf("[main] dispatcher start failed: %v", err)
		os.Exit(1)
	}
	defer serviceCtx.Dispatcher.Stop()

	healthSrv := startHealthServer(appCfg.Health.Port, serviceCtx)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := healthSrv.Shutdown(shutdownCtx); err != nil {
			logx.Errorf("[main] health server shutdown: %v", err)
		}
	}()

	logx.Info("[main] execution core ready")
	<-ctx.Done()
	logx.Info("[main] shutdown signal received, stopping dispatcher")
}

// startHealthServer exposes a minimal liveness/readiness endpoint reporting
// the three dependency connectivity flags (database, bus, cache) — no
// metrics export, per the out-of-scope telemetry boundary.
func startHealthServer(port int, serviceCtx *svc.ServiceContext) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		dbOK := pingDatabase(r.Context(), serviceCtx)
		redisOK := pingRedis(r.Context(), serviceCtx)
		natsOK := serviceCtx.Nats != nil && serviceCtx.Nats.IsConnected()

		status := map[string]any{
			"status":         "ok",
			"database":       dbOK,
			"redis":          redisOK,
			"nats_connected": natsOK,
			"nats_circuit":   serviceCtx.NatsBreaker.State().String(),
		}
		if !dbOK || !redisOK || !natsOK {
			status["status"] = "degraded"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logx.Errorf("[main] health server error: %v", err)
		}
	}()
	return srv
}

// pingDatabase runs a trivial round trip to confirm the Postgres connection
// is alive, mirroring the original engine's database component check.
func pingDatabase(ctx context.Context, serviceCtx *svc.ServiceContext) bool {
	if serviceCtx.DBConn == nil {
		return false
	}
	var v int
	if err := serviceCtx.DBConn.QueryRowCtx(ctx, &v, "SELECT 1"); err != nil {
		logx.Errorf("[main] health check: database ping failed: %v", err)
		return false
	}
	return true
}

// pingRedis confirms the cache connection is reachable. A cache miss on a
// key that does not exist is itself a healthy round trip; only a non-miss
// error indicates the dependency is down. A nil Redis means the cache was
// never configured, which is a valid (non-degraded) deployment mode.
func pingRedis(ctx context.Context, serviceCtx *svc.ServiceContext) bool {
	if serviceCtx.Redis == nil {
		return true
	}
	var discard string
	err := serviceCtx.Redis.GetCtx(ctx, "execcore:healthz:ping", &discard)
	if err == nil || serviceCtx.Redis.IsNotFound(err) {
		return true
	}
	logx.Errorf("[main] health check: redis ping failed: %v", err)
	return false
}
