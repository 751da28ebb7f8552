package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/caesar-terminal/depthbook/internal/adapter"
	"github.com/caesar-terminal/depthbook/internal/config"
	"github.com/caesar-terminal/depthbook/internal/engine"
	"github.com/caesar-terminal/depthbook/internal/logging"
	"github.com/caesar-terminal/depthbook/internal/metrics"
	"github.com/caesar-terminal/depthbook/internal/publish"
	"github.com/caesar-terminal/depthbook/internal/rpc"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Pretty).With().
		Str("instrument", cfg.Instrument).
		Str("env", cfg.Env).
		Logger()
	registry := metrics.Init(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Every snapshot goes to the sinks and to the gRPC query service.
	bc := adapter.NewBroadcaster(logger)
	svc := rpc.NewService()

	ecfg, err := cfg.Engine()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid engine config")
	}
	eng, err := engine.New(ecfg, publish.MultiRenderer{bc, svc}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build engine")
	}

	// Sinks outlive the signal context so the final snapshot is delivered.
	sinkCtx, stopSinks := context.WithCancel(context.Background())
	defer stopSinks()
	var sinks sync.WaitGroup

	if cfg.Redis.Enabled {
		rc := adapter.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer rc.Close()
		pingCtx, cancelPing := context.WithTimeout(ctx, 2*time.Second)
		if err := rc.Ping(pingCtx); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable, writes will be retried")
		}
		cancelPing()
		rw := adapter.NewRedisWriter(rc, bc.Subscribe(64), logger)
		sinks.Add(1)
		go func() {
			defer sinks.Done()
			rw.Run(sinkCtx)
		}()
	}

	if cfg.Kafka.Enabled {
		producer := adapter.NewKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		kw := adapter.NewKafkaWriter(producer, bc.Subscribe(256), logger)
		sinks.Add(1)
		go func() {
			defer sinks.Done()
			kw.Run(sinkCtx)
		}()
	}

	guard := adapter.NewFeedGuard(adapter.FeedGuardConfig{
		StaleThreshold: cfg.Feed.StaleThreshold,
		CoolOff:        cfg.Feed.CoolOff,
		PollInterval:   100 * time.Millisecond,
	}, logger)
	ws := adapter.NewWSClient(adapter.DefaultWSConfig(cfg.Feed.URL), logger, guard)
	feed := adapter.NewFeedAdapter(ws, eng, guard, cfg.Instrument, logger)

	grpcSrv, err := rpc.New(cfg.GRPC.Addr, svc, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create gRPC server")
	}
	grpcErr := make(chan error, 1)
	go func() {
		grpcErr <- grpcSrv.Serve()
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(registry))
	mux.HandleFunc("/healthz", healthz(guard, eng))
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 2 * time.Second,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	if err := eng.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start engine")
	}
	go guard.Run(ctx)
	go feed.Run(ctx)

	if err := ws.Connect(ctx); err != nil {
		logger.Error().Err(err).Str("url", cfg.Feed.URL).Msg("feed connect failed")
		cancel()
	}

	logger.Info().
		Str("grpc", cfg.GRPC.Addr).
		Str("http", cfg.HTTP.Addr).
		Bool("redis", cfg.Redis.Enabled).
		Bool("kafka", cfg.Kafka.Enabled).
		Msg("depthbook started")

	select {
	case <-ctx.Done():
	case err := <-grpcErr:
		if err != nil {
			logger.Error().Err(err).Msg("gRPC server error")
		}
	}

	logger.Info().Msg("depthbook shutting down")

	ws.Close()
	eng.Stop()
	bc.Close()
	cancel()

	// Sinks exit once their subscription drains; a stuck broker gets 3s.
	flushTimer := time.AfterFunc(3*time.Second, stopSinks)
	sinks.Wait()
	flushTimer.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	grpcSrv.GracefulStop()

	logger.Info().Msg("shutdown complete")
}

// healthz reports feed health and engine counters. It answers 503 until the
// feed is live and past its cool-off.
func healthz(guard *adapter.FeedGuard, eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		st := guard.Status()
		code := http.StatusOK
		if st != "ok" {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(struct {
			Status string       `json:"status"`
			Stats  engine.Stats `json:"stats"`
		}{st, eng.Stats()})
	}
}
