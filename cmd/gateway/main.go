package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"MediaCache/pkg/common"
	"MediaCache/pkg/gateway"
	"MediaCache/pkg/logx"
	"MediaCache/pkg/metrics"
	"MediaCache/pkg/segstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

func main() {
	cfgPath := flag.String("config", "", "yaml config file")
	addr := flag.String("addr", "", "listen addr (overrides config)")
	backend := flag.String("backend", "", "memory | file | badger | etcd (overrides config)")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger := logx.Setup(*level, true)
	cfg, err := common.LoadGatewayConfig(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *backend != "" {
		cfg.Store.Backend = *backend
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	st, err := segstore.Open(ctx, cfg.Store, metrics.New(reg), logger)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()

	h := gateway.NewHandler(st, cfg.MaxBodyMiB*common.MiB, logger)
	srv := &http.Server{Addr: cfg.Addr, Handler: gateway.New(h, reg, logger).Handler()}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Info().Str("addr", cfg.Addr).Str("backend", cfg.Store.Backend).Msg("Gateway listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("serve")
	}
}
