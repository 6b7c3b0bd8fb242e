// Command radiomap manages measurement campaigns and runs the kriging
// power-constraint pipeline over them.
//
//	radiomap import   -db radiomap.db -campaign downtown [-create] samples.csv
//	radiomap estimate -config radiomap.yaml [-campaign downtown] [-record=false]
//	radiomap campaigns -db radiomap.db
//	radiomap runs     -db radiomap.db -campaign downtown
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/signalsfoundry/spectrum-kriging/core"
	"github.com/signalsfoundry/spectrum-kriging/internal/config"
	"github.com/signalsfoundry/spectrum-kriging/internal/engine"
	"github.com/signalsfoundry/spectrum-kriging/internal/logging"
	"github.com/signalsfoundry/spectrum-kriging/internal/observability"
	"github.com/signalsfoundry/spectrum-kriging/internal/store"
	"github.com/signalsfoundry/spectrum-kriging/model"
)

// Exit codes.
const (
	exitOK         = 0
	exitFailure    = 1
	exitUsage      = 2
	exitInfeasible = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return exitUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "import":
		return runImport(ctx, rest, stdout, stderr)
	case "estimate":
		return runEstimate(ctx, rest, stdout, stderr)
	case "campaigns":
		return runCampaigns(ctx, rest, stdout, stderr)
	case "runs":
		return runRuns(ctx, rest, stdout, stderr)
	case "-h", "-help", "--help", "help":
		usage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		usage(stderr)
		return exitUsage
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: radiomap <import|estimate|campaigns|runs> [flags]")
}

func runImport(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", "radiomap.db", "SQLite database path")
	campaign := fs.String("campaign", "", "campaign to append samples to")
	create := fs.Bool("create", false, "create the campaign if it does not exist")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *campaign == "" || fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: radiomap import -campaign NAME [-db PATH] [-create] FILE.csv")
		return exitUsage
	}

	log := logging.NewFromEnv()
	samples, err := readSamplesFile(fs.Arg(0))
	if err != nil {
		log.Error(ctx, "failed to read samples", logging.String("path", fs.Arg(0)), logging.Err(err))
		return exitFailure
	}

	st, err := store.Open(*dbPath)
	if err != nil {
		log.Error(ctx, "failed to open store", logging.String("path", *dbPath), logging.Err(err))
		return exitFailure
	}
	defer st.Close()

	if *create {
		if _, err := st.CreateCampaign(ctx, *campaign); err != nil && !errors.Is(err, store.ErrCampaignExists) {
			log.Error(ctx, "failed to create campaign", logging.String("campaign", *campaign), logging.Err(err))
			return exitFailure
		}
	}
	if err := st.AddSamples(ctx, *campaign, samples); err != nil {
		log.Error(ctx, "failed to add samples", logging.String("campaign", *campaign), logging.Err(err))
		return exitFailure
	}
	log.Info(ctx, "imported samples", logging.String("campaign", *campaign), logging.Int("count", len(samples)))
	fmt.Fprintf(stdout, "imported %d samples into %s\n", len(samples), *campaign)
	return exitOK
}

func runEstimate(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("estimate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "YAML config path (defaults to $SPECTRUM_KRIGING_CONFIG)")
	campaign := fs.String("campaign", "", "campaign to estimate over (overrides store.campaign)")
	dbPath := fs.String("db", "", "SQLite database path (overrides store.path)")
	record := fs.Bool("record", true, "persist the run in the store")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return exitFailure
	}
	if *campaign != "" {
		cfg.Store.Campaign = *campaign
	}
	if *dbPath != "" {
		cfg.Store.Path = *dbPath
	}
	if cfg.Store.Campaign == "" {
		fmt.Fprintln(stderr, "no campaign: pass -campaign or set store.campaign")
		return exitUsage
	}

	if cfg.Logging.Output == nil {
		cfg.Logging.Output = stderr
	}
	log := logging.New(cfg.Logging)

	shutdown, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		return exitFailure
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdown, log)

	collector, err := observability.NewEstimationCollector(nil)
	if err != nil {
		log.Error(ctx, "failed to initialise metrics collector", logging.Err(err))
		return exitFailure
	}

	margin, err := cfg.Power.Margin()
	if err != nil {
		log.Error(ctx, "invalid power margin", logging.Err(err))
		return exitFailure
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Error(ctx, "failed to open store", logging.String("path", cfg.Store.Path), logging.Err(err))
		return exitFailure
	}
	defer st.Close()

	samples, err := st.LoadSamples(ctx, cfg.Store.Campaign)
	if err != nil {
		log.Error(ctx, "failed to load samples", logging.String("campaign", cfg.Store.Campaign), logging.Err(err))
		return exitFailure
	}

	req := engine.Request{
		Samples:   samples,
		Binning:   cfg.Variogram.BinningConfig,
		Fit:       cfg.Variogram.FitConfig,
		Queries:   cfg.Queries,
		Threshold: cfg.Power.Threshold,
		Margin:    margin,
	}
	for _, inc := range cfg.Incumbents {
		req.Incumbents = append(req.Incumbents, engine.Incumbent{Location: inc.Location(), PathLoss: inc.Gain()})
	}

	eng := engine.New(
		engine.WithLogger(log.With(logging.String("campaign", cfg.Store.Campaign))),
		engine.WithCollector(collector),
		engine.WithWorkers(cfg.Kriging.Workers),
	)
	rep, runErr := eng.Run(ctx, req)
	infeasible := errors.Is(runErr, core.ErrInfeasibleConstraint)
	if runErr != nil && !infeasible {
		fmt.Fprintf(stderr, "estimate: %v\n", runErr)
		return exitFailure
	}

	if *record {
		rec := store.RunRecord{
			Campaign:   cfg.Store.Campaign,
			RunID:      rep.RunID,
			Model:      rep.Model,
			Residual:   rep.Residual,
			Bins:       len(rep.Bins),
			Threshold:  cfg.Power.Threshold,
			Margin:     margin,
			Infeasible: rep.Infeasible,
		}
		if rep.Power != nil {
			rec.MaxPower = rep.Power.MaxPower
		}
		if _, err := st.RecordRun(ctx, rec); err != nil {
			log.Error(ctx, "failed to record run", logging.Err(err))
			return exitFailure
		}
	}

	if err := writeJSON(stdout, rep); err != nil {
		log.Error(ctx, "failed to write report", logging.Err(err))
		return exitFailure
	}
	if infeasible {
		return exitInfeasible
	}
	return exitOK
}

func runCampaigns(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("campaigns", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", "radiomap.db", "SQLite database path")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	st, err := store.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(stderr, "open store: %v\n", err)
		return exitFailure
	}
	defer st.Close()

	list, err := st.ListCampaigns(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "list campaigns: %v\n", err)
		return exitFailure
	}
	if list == nil {
		list = []store.Campaign{}
	}
	if err := writeJSON(stdout, list); err != nil {
		return exitFailure
	}
	return exitOK
}

func runRuns(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", "radiomap.db", "SQLite database path")
	campaign := fs.String("campaign", "", "campaign whose runs to list")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *campaign == "" {
		fmt.Fprintln(stderr, "usage: radiomap runs -campaign NAME [-db PATH]")
		return exitUsage
	}
	st, err := store.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(stderr, "open store: %v\n", err)
		return exitFailure
	}
	defer st.Close()

	runs, err := st.ListRuns(ctx, *campaign)
	if err != nil {
		fmt.Fprintf(stderr, "list runs: %v\n", err)
		return exitFailure
	}
	if runs == nil {
		runs = []store.RunRecord{}
	}
	if err := writeJSON(stdout, runs); err != nil {
		return exitFailure
	}
	return exitOK
}

func readSamplesFile(path string) ([]model.Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readSamples(f)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
