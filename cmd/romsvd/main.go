// Command romsvd runs a synthetic travelling-wave simulation, builds its
// reduced-order bases with a distributed static SVD and stores them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/yyyoichi/romsvd/internal/config"
	"github.com/yyyoichi/romsvd/internal/logging"
	"github.com/yyyoichi/romsvd/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	runID := uuid.NewString()
	log := logging.New(cfg.Logging.Logger()).With().Str("run_id", runID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, runID, log); err != nil {
		log.Error().Err(err).Msg("run failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, runID string, log zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	if cfg.Server.Addr != "" {
		srv := &http.Server{Addr: cfg.Server.Addr, Handler: newRouter(reg)}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("http server stopped")
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		log.Info().Str("addr", cfg.Server.Addr).Msg("serving metrics")
	}

	store, closeStore, err := openStore(ctx, cfg.Store, runID)
	if err != nil {
		return err
	}
	defer closeStore()

	sim, err := newSimulation(cfg.Run, cfg.Store, store, m, log)
	if err != nil {
		return err
	}
	log.Info().
		Str("transport", cfg.Transport.Kind).
		Str("store", cfg.Store.Kind).
		Int("workers", cfg.Run.Workers).
		Int("dim", cfg.Run.Dim).
		Msg("run started")
	if err := runWorkers(ctx, cfg.Transport, cfg.Run.Workers, sim.worker); err != nil {
		return err
	}
	log.Info().Msg("run finished")
	return nil
}
