// Command outagesim estimates the outage probability of kriging-based
// secondary power control by Monte Carlo simulation.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/spectrum-kriging/core"
	"github.com/signalsfoundry/spectrum-kriging/internal/logging"
	"github.com/signalsfoundry/spectrum-kriging/internal/observability"
	"github.com/signalsfoundry/spectrum-kriging/internal/sim"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	def := sim.DefaultConfig()
	fs := flag.NewFlagSet("outagesim", flag.ContinueOnError)
	trials := fs.Int("trials", def.Trials, "number of Monte Carlo trials")
	samples := fs.Int("samples", def.Samples, "measurements per trial")
	outage := fs.Float64("outage", def.OutageProbability, "target outage probability")
	sir := fs.Float64("sir", def.TargetSIRDB, "target SIR at the primary receiver [dB]")
	family := fs.String("family", string(def.Fit.Family), "semivariogram family (exponential, spherical, gaussian, auto)")
	pairs := fs.Int("pairs-per-bin", def.Binning.PairsPerBin, "pairs averaged per empirical semivariogram bin")
	seed := fs.Uint64("seed", def.Seed, "random seed")
	workers := fs.Int("workers", def.Workers, "concurrent trials")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus /metrics on this address and wait for interrupt after the run")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := def
	cfg.Trials, cfg.Samples = *trials, *samples
	cfg.OutageProbability, cfg.TargetSIRDB = *outage, *sir
	cfg.Binning.PairsPerBin = *pairs
	cfg.Seed, cfg.Workers = *seed, *workers
	if *family == string(core.Auto) {
		cfg.Fit.Family = core.Auto
	} else {
		f, err := core.ParseModelFamily(*family)
		if err != nil {
			return err
		}
		cfg.Fit.Family = f
	}

	log := logging.NewFromEnv()

	shutdown, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdown, log)

	collector, err := observability.NewEstimationCollector(prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	var metricsSrv *http.Server
	if *metricsAddr != "" {
		metricsSrv = serveMetrics(*metricsAddr, collector, log)
	}

	s, err := sim.New(cfg, sim.WithLogger(log), sim.WithCollector(collector))
	if err != nil {
		return err
	}
	sum, err := s.Run(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sum); err != nil {
		return err
	}

	if metricsSrv != nil {
		log.Info(ctx, "simulation done; serving metrics until interrupted")
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

func serveMetrics(addr string, collector *observability.EstimationCollector, log logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
