package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/acpx/internal/bridge"
	"github.com/gaspardpetit/acpx/internal/config"
	"github.com/gaspardpetit/acpx/internal/gateway"
	"github.com/gaspardpetit/acpx/internal/logx"
	"github.com/gaspardpetit/acpx/internal/metrics"
	"github.com/gaspardpetit/acpx/internal/policy"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.Config
	// Resolve config with precedence: defaults < file < env < args
	cfg.SetDefaults()
	cfg.ApplyEnv() // allows CONFIG_FILE from env
	// Allow --config to override file path before loading it
	for i := 1; i < len(os.Args); i++ {
		a := os.Args[i]
		if a == "--config" && i+1 < len(os.Args) {
			cfg.ConfigFile = os.Args[i+1]
			break
		}
		if strings.HasPrefix(a, "--config=") {
			cfg.ConfigFile = strings.TrimPrefix(a, "--config=")
			break
		}
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	cfg.ApplyEnv()
	cfg.BindFlagsFromCurrent()
	flag.Parse()
	if *showVersion {
		fmt.Printf("acpx version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	logx.Configure(cfg.LogLevel)
	metrics.Register(prometheus.DefaultRegisterer)
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	if err := gateway.ValidateOpenAPI(context.Background()); err != nil {
		logx.Log.Fatal().Err(err).Msg("openapi schema invalid")
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logx.Log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("connect redis")
		}
		logx.Log.Info().Str("addr", cfg.RedisAddr).Str("stream", cfg.RedisStream).Msg("mirroring events to redis")
	}

	gate := policy.New(cfg.AllowedTools, cfg.DeniedTools)
	registry := bridge.NewRegistry(func(serverID string) *bridge.Bridge {
		return bridge.New(bridge.Options{
			ID:            serverID,
			Launch:        bridge.CommandLauncher(cfg.AgentCommand, cfg.AgentArgs, cfg.AgentEnv, logx.Log),
			Gate:          gate,
			WorkspaceRoot: cfg.WorkspaceRoot,
			BufferSize:    cfg.EventBuffer,
			ShutdownGrace: cfg.ShutdownGrace,
			SinkURL:       cfg.SinkURL,
			Redis:         rdb,
			RedisStream:   cfg.RedisStream,
		})
	})

	handler := gateway.NewHandler(gateway.Options{
		Registry:       registry,
		WorkspaceRoot:  cfg.WorkspaceRoot,
		AllowedOrigins: cfg.AllowedOrigins,
		Heartbeat:      cfg.SSEHeartbeat,
		Version:        version,
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler}
	var metricsSrv *http.Server
	if cfg.MetricsAddr != fmt.Sprintf(":%d", cfg.Port) {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logx.Log.Warn().Msg("termination requested")
		cancel()
	}()
	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(context.Background()); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
	}()
	if metricsSrv != nil {
		go func() {
			<-ctx.Done()
			if err := metricsSrv.Shutdown(context.Background()); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}()
	}

	logx.Log.Info().Int("port", cfg.Port).Str("agent", cfg.AgentCommand).Msg("bridge starting")
	if metricsSrv != nil {
		go func() {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logx.Log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
	// agents and terminals go down with the server
	registry.Shutdown()
	if rdb != nil {
		_ = rdb.Close()
	}
}
