package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"signage-agent/internal/adapters/hostdevice"
	"signage-agent/internal/adapters/settings"
	"signage-agent/internal/config"
	"signage-agent/internal/core/agent"
	"signage-agent/internal/core/sched"
	"signage-agent/internal/core/status"
	api "signage-agent/internal/delivery/http"
)

func main() {
	cfg := config.MustLoad()

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().
		Str("svc", "signage-agent").Logger().Level(lvl)
	log.Info().Interface("cfg", cfg).Msg("boot")

	store, err := settings.Open(cfg.DBPath, log)
	if err != nil {
		log.Fatal().Err(err).Msg("settings store")
	}

	dev := hostdevice.New(cfg.SerialNumber, store, log)
	board := status.New()
	sch := sched.New(sched.RealClock(), dev, log)
	hub := api.NewHub(log)

	board.OnChange(func(s status.Snapshot) {
		hub.Broadcast("statusUpdated", map[string]any{"status": s})
	})

	// the deployment-URL resolver belongs to the content layer; until that
	// layer registers one, URLs resolve to themselves
	resolve := func(u string) (string, error) { return u, nil }

	a := agent.New(cfg, dev, board, sch, hub, resolve, log)

	handler := api.New(a, a.Controller(), board, hub, log)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: handler}

	// graceful-shutdown
	ctx, stop := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("listen", cfg.ListenAddr).Msg("HTTP up")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http")
		}
	}()

	a.Start(ctx)

	<-ctx.Done()
	_ = srv.Shutdown(context.Background())
	log.Info().Msg("bye")
}
