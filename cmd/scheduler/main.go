package main

import (
	"context"
	"errors"
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
	"github.com/driftmark/mailcast/internal/metrics"
	"github.com/driftmark/mailcast/internal/scheduler"
)

func main() {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	cfg := config.Load()

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := db.Connect(rootCtx, cfg.DatabaseURL)
	if err != nil {
		log.Printf("db: %v", err)
		exitCode = 1
		return
	}
	defer pool.Close()

	metrics.MustRegister()
	poolStats := metrics.NewPGXPoolStats(pool)
	stop := make(chan struct{})
	go poolStats.Start(15*time.Second, stop)
	defer close(stop)

	store := &core.Store{DB: pool}

	router := &gateway.Router{NewSMTP: gateway.NewSMTP}
	if cfg.SES.Enabled() {
		ses, err := gateway.NewSES(rootCtx, cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region)
		if err != nil {
			log.Printf("ses: %v", err)
			exitCode = 1
			return
		}
		router.SES = ses
	} else {
		log.Printf("SES credentials not set, using dummy transport for 'ses' campaigns")
		router.SES = gateway.NewDummy()
	}

	engine := scheduler.New(store, router, nil, scheduler.Options{
		PollInterval:    cfg.PollInterval,
		SendTimeout:     cfg.SendTimeout,
		GatewayQPS:      cfg.GatewayQPS,
		GatewayBurst:    cfg.GatewayBurst,
		DefaultTimezone: cfg.Timezone(),
		UnsubscribeBase: cfg.UnsubscribeBase,
	})

	go serveHealthz(cfg.HealthAddr)

	if err := engine.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("scheduler exited: %v", err)
		exitCode = 1
		return
	}
}

func serveHealthz(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	_ = http.ListenAndServe(addr, mux)
}
