package main

import (
	"errors"
	"flag"
	"net/http"
	"os"

	"github.com/facebookgo/httpdown"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := loadConfig(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	setupLogging(cfg)

	// Prepare the stoppable HTTP server
	server := &http.Server{
		Addr: cfg.Addr,
	}
	hd := &httpdown.HTTP{
		StopTimeout: cfg.StopTimeout,
		KillTimeout: cfg.KillTimeout,
	}

	h := newHub(pgDialer(cfg.listener()), pingPeriod)
	server.Handler = newHandler(h, cfg.Origin)

	startMetrics(cfg.MetricsTick)
	defer finalMetrics()

	// Start the server, it stops on SIGTERM or SIGINT
	log.Info().Str("addr", cfg.Addr).Msg("Serving")
	if err := httpdown.ListenAndServe(server, hd); err != nil {
		log.Error().Err(err).Msg("Server stopped")
	}
	if err := h.shutdown(); err != nil {
		log.Error().Err(err).Msg("Closing listeners")
	}
}
