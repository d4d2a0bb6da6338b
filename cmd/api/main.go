package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/driftmark/mailcast/internal/config"
	"github.com/driftmark/mailcast/internal/core"
	"github.com/driftmark/mailcast/internal/db"
	"github.com/driftmark/mailcast/internal/gateway"
	httpapi "github.com/driftmark/mailcast/internal/http"
	"github.com/driftmark/mailcast/internal/metrics"
	"github.com/driftmark/mailcast/internal/scheduler"
)

func main() {
	cfg := config.Load()

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Connect(rootCtx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	if err := db.Migrate(rootCtx, pool); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	metrics.MustRegister()
	poolStats := metrics.NewPGXPoolStats(pool)
	stop := make(chan struct{})
	go poolStats.Start(15*time.Second, stop)
	defer close(stop)

	store := &core.Store{DB: pool}
	engine := scheduler.New(store, buildGateways(rootCtx, cfg), nil, scheduler.Options{
		PollInterval:    cfg.PollInterval,
		SendTimeout:     cfg.SendTimeout,
		GatewayQPS:      cfg.GatewayQPS,
		GatewayBurst:    cfg.GatewayBurst,
		DefaultTimezone: cfg.Timezone(),
		UnsubscribeBase: cfg.UnsubscribeBase,
	})

	// ---- Scheduler (embedded) ----
	go func() {
		if err := engine.Run(rootCtx); err != nil && rootCtx.Err() == nil {
			log.Printf("scheduler exited: %v", err)
		}
	}()

	// ---- HTTP server ----
	srv := httpapi.NewServer(store, engine)
	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Printf("HTTP listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	// ---- Graceful shutdown ----
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	cancel()
	_ = server.Shutdown(shutdownCtx)
}

func buildGateways(ctx context.Context, cfg *config.Config) *gateway.Router {
	router := &gateway.Router{NewSMTP: gateway.NewSMTP}
	if cfg.SES.Enabled() {
		ses, err := gateway.NewSES(ctx, cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region)
		if err != nil {
			log.Fatalf("ses: %v", err)
		}
		router.SES = ses
	} else {
		log.Printf("SES credentials not set, using dummy transport for 'ses' campaigns")
		router.SES = gateway.NewDummy()
	}
	return router
}
