package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/miretskiy/nvmesim/engine"
	"github.com/miretskiy/nvmesim/report"
	"github.com/miretskiy/nvmesim/simulator"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	runDuration   time.Duration
	runOutput     string
	runLatencyLog string
	runRequests   uint64
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a simulation to completion",
	Long: `Run a simulation until the workload completes or --duration of virtual
time has passed, printing periodic progress to stderr and the final metrics
as JSON to stdout or --output.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("requests") {
			cfg.Workload.Requests = runRequests
		}
		return runSimulation(cmd.Context(), cfg)
	},
}

func init() {
	runCmd.Flags().DurationVar(&runDuration, "duration", 0, "virtual time limit, e.g. 10ms (0 runs until the workload completes)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "write results JSON to this file instead of stdout")
	runCmd.Flags().StringVar(&runLatencyLog, "latency-log", "", "append tick,type,offset,length,latency per request to this file")
	runCmd.Flags().Uint64Var(&runRequests, "requests", 0, "override workload.requests")
}

// results is the JSON document written at the end of a run.
type results struct {
	ID       string              `json:"id"`
	Config   simulator.SimConfig `json:"config"`
	RealTime float64             `json:"realTimeSeconds"`
	Metrics  *simulator.Metrics  `json:"metrics"`
}

// durationTicks converts a wall-style duration to virtual ticks.
func durationTicks(d time.Duration) engine.Tick {
	return engine.Tick(d.Nanoseconds()) * engine.Nanosecond
}

func runSimulation(ctx context.Context, cfg simulator.SimConfig) error {
	l, err := newLogger(cfg)
	if err != nil {
		return err
	}
	sim, err := simulator.NewSimulator(cfg, l)
	if err != nil {
		return err
	}
	if verbose {
		sim.LogEvent = func(msg string) { l.Info(msg) }
	}

	var latencyLog *os.File
	if runLatencyLog != "" {
		latencyLog, err = os.Create(runLatencyLog)
		if err != nil {
			return fmt.Errorf("opening latency log: %w", err)
		}
		defer latencyLog.Close()
		sim.SetLatencyLog(latencyLog)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	reporter := report.NewReporter(sim, cfg.Report.Interval, l)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	reportCtx, stopReporter := context.WithCancel(gctx)
	g.Go(func() error {
		defer stopReporter()
		err := sim.Run(gctx, durationTicks(runDuration))
		if errors.Is(err, simulator.ErrFinished) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return reporter.Run(reportCtx)
	})
	runErr := g.Wait()

	if err := closeLatencyLog(sim, latencyLog); err != nil {
		return err
	}
	sim.PrintStats()
	l.WithField("wall", time.Since(start).Round(time.Millisecond)).
		Infof("simulation %s after %s of virtual time", sim.State(), engine.FormatTick(sim.Now()))

	out, err := json.MarshalIndent(results{
		ID:       sim.ID().String(),
		Config:   cfg,
		RealTime: time.Since(start).Seconds(),
		Metrics:  sim.Metrics(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling results: %w", err)
	}
	if runOutput != "" {
		if err := os.WriteFile(runOutput, out, 0o644); err != nil {
			return fmt.Errorf("writing results: %w", err)
		}
		l.Infof("results written to %s", runOutput)
	} else {
		fmt.Println(string(out))
	}

	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// closeLatencyLog flushes the latency log and closes its file, reporting the
// first error of either.
func closeLatencyLog(sim *simulator.Simulator, f *os.File) error {
	if err := sim.FlushLatencyLog(); err != nil {
		return fmt.Errorf("writing latency log: %w", err)
	}
	if f == nil {
		return nil
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing latency log: %w", err)
	}
	return nil
}
