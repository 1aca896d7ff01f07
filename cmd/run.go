package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/adaptive-sim/adaptive-sim/sim"
	"github.com/adaptive-sim/adaptive-sim/sim/epoch"
	"github.com/adaptive-sim/adaptive-sim/sim/hardware"
	"github.com/adaptive-sim/adaptive-sim/sim/heuristic"
	"github.com/adaptive-sim/adaptive-sim/sim/model"
	"github.com/adaptive-sim/adaptive-sim/sim/trace"
)

var (
	configPath     string // Run config YAML
	seed           int64  // Overrides the config seed
	maxEpochs      int    // Overrides controller.max_epochs
	artifactHeader string // Artifact header output path
	artifactData   string // Artifact data output path
	metricsAddr    string // Serve Prometheus metrics on this address
)

// runCmd runs the closed loop against the simulated apparatus
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the adaptive estimation loop against the simulated apparatus",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadRunConfig(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("seed") {
			logrus.Infof("CLI --seed %d overrides config seed %d", seed, cfg.Seed)
			cfg.Seed = seed
		}
		if cmd.Flags().Changed("epochs") {
			cfg.Controller.MaxEpochs = maxEpochs
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if (artifactHeader == "") != (artifactData == "") {
			return errors.New("--artifact-header and --artifact-data must be given together")
		}

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		s, err := newSession(cfg, reg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if metricsAddr != "" {
			srv := serveMetrics(metricsAddr, reg)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		startTime := time.Now()
		art, runErr := s.run(ctx)
		if art != nil && artifactHeader != "" {
			if err := trace.Export(art, artifactHeader, artifactData); err != nil {
				return err
			}
			logrus.Infof("artifact written to %s and %s", artifactHeader, artifactData)
		}
		if art != nil {
			if err := printSummary(cmd.OutOrStdout(), trace.Summarize(art)); err != nil {
				return err
			}
		}
		logrus.Infof("run finished in %v", time.Since(startTime))
		return runErr
	},
}

// session is one fully wired run.
type session struct {
	updater   *sim.SequentialUpdater
	apparatus *hardware.Apparatus
	ctrl      *epoch.Controller
}

// newSession builds the estimator, heuristic, jump table, apparatus and
// controller from a validated config. Every component draws from its own
// subsystem stream of the seed.
func newSession(cfg RunConfig, reg prometheus.Registerer) (*session, error) {
	m, err := model.New(cfg.Model)
	if err != nil {
		return nil, err
	}
	rngs := sim.NewPartitionedRNG(sim.NewRunKey(cfg.Seed))

	resampler, err := sim.NewLiuWestResampler(cfg.Resampler, rngs.ForSubsystem(sim.SubsystemResampler))
	if err != nil {
		return nil, err
	}
	prior := sim.NewPrior(cfg.Prior)
	u, err := sim.NewSequentialUpdater(m, prior, resampler, cfg.Updater, rngs.ForSubsystem(sim.SubsystemPrior))
	if err != nil {
		return nil, err
	}
	h, err := heuristic.New(u, m, cfg.Heuristic, rngs.ForSubsystem(sim.SubsystemHeuristic))
	if err != nil {
		return nil, err
	}
	table, err := cfg.table()
	if err != nil {
		return nil, err
	}
	app, err := hardware.NewApparatus(cfg.Apparatus, m, table, rngs.ForSubsystem(sim.SubsystemApparatus))
	if err != nil {
		return nil, err
	}

	ctrl, err := epoch.New(cfg.Controller, epoch.Deps{
		Estimator:  u,
		Heuristic:  h,
		Table:      table,
		Outcomes:   app,
		Triggers:   app,
		Sink:       app.Sink(),
		RNG:        rngs.ForSubsystem(sim.SubsystemBinarize),
		Registerer: reg,
		Metadata:   runMetadata(cfg, m, prior),
	})
	if err != nil {
		return nil, err
	}
	logrus.Infof("session: model %s, %d particles, %d jump-table entries, seed %d",
		m.Name(), cfg.Updater.NumParticles, table.Len(), cfg.Seed)
	return &session{updater: u, apparatus: app, ctrl: ctrl}, nil
}

// runMetadata fills the artifact header from the configuration.
func runMetadata(cfg RunConfig, m sim.ParameterModel, prior sim.Prior) trace.RunMetadata {
	meta := trace.NewRunMetadata()
	meta.Model = m.Name()
	meta.ParamNames = m.ParamNames()
	meta.Hyperparameters = cfg.Model.Hyperparameters()
	meta.PriorType = cfg.Prior.Type
	if meta.PriorType == "" {
		meta.PriorType = "uniform"
	}
	meta.PriorLower, meta.PriorUpper = prior.Bounds()
	meta.NumParticles = cfg.Updater.NumParticles
	meta.ResampleThreshold = cfg.Updater.ResampleThreshold
	meta.ResamplerA = cfg.Resampler.A
	meta.ZeroWeightPolicy = string(cfg.Updater.ZeroWeightPolicy)
	if meta.ZeroWeightPolicy == "" {
		meta.ZeroWeightPolicy = string(sim.ZeroWeightFatal)
	}
	meta.Heuristic = "particle-guess"
	meta.Seed = cfg.Seed
	return meta
}

// run drives the apparatus and the controller together until the run ends.
// The driver stops once the controller returns.
func (s *session) run(ctx context.Context) (*trace.RunArtifact, error) {
	g, gctx := errgroup.WithContext(ctx)
	driveCtx, stopDrive := context.WithCancel(gctx)
	var art *trace.RunArtifact
	g.Go(func() error {
		return s.apparatus.Drive(driveCtx, 0)
	})
	g.Go(func() error {
		defer stopDrive()
		var err error
		art, err = s.ctrl.Run(gctx)
		return err
	})
	err := g.Wait()
	return art, err
}

func serveMetrics(addr string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("metrics server on %s: %v", addr, err)
		}
	}()
	logrus.Infof("serving metrics on %s/metrics", addr)
	return srv
}

// summaryView is the printed form of a RunSummary.
type summaryView struct {
	Epochs            int            `yaml:"epochs"`
	Timeouts          int            `yaml:"timeouts"`
	RejectedAddresses int            `yaml:"rejected_addresses"`
	Resamples         int            `yaml:"resamples"`
	Overruns          int            `yaml:"overruns"`
	DroppedRecords    int            `yaml:"dropped_records"`
	ZeroWeightActions map[string]int `yaml:"zero_weight_actions,omitempty"`
	MeanLatency       string         `yaml:"mean_latency"`
	MaxLatency        string         `yaml:"max_latency"`
	FinalMean         []float64      `yaml:"final_mean,flow"`
	FinalStdDev       []float64      `yaml:"final_stddev,flow"`
	SensingTime       float64        `yaml:"sensing_time_s"`
	Sensitivity       []float64      `yaml:"sensitivity,flow"`
}

// printSummary writes the summary to w as YAML.
func printSummary(w io.Writer, s *trace.RunSummary) error {
	view := summaryView{
		Epochs:            s.Epochs,
		Timeouts:          s.Timeouts,
		RejectedAddresses: s.RejectedAddresses,
		Resamples:         s.Resamples,
		Overruns:          s.Overruns,
		DroppedRecords:    s.DroppedRecords,
		ZeroWeightActions: s.ZeroWeightActions,
		MeanLatency:       s.MeanLatency.String(),
		MaxLatency:        s.MaxLatency.String(),
		FinalMean:         s.FinalMean,
		FinalStdDev:       s.FinalStdDev,
		SensingTime:       s.SensingTime,
		Sensitivity:       s.Sensitivity,
	}
	data, err := yaml.Marshal(&view)
	if err != nil {
		return fmt.Errorf("marshaling summary: %w", err)
	}
	if _, err := fmt.Fprintf(w, "=== Run Summary ===\n%s", data); err != nil {
		return err
	}
	return nil
}

func init() {
	runCmd.Flags().StringVar(&configPath, "config", "", "Path to the run config YAML")
	runCmd.Flags().Int64Var(&seed, "seed", 42, "Seed for every random stream (overrides the config seed)")
	runCmd.Flags().IntVar(&maxEpochs, "epochs", 0, "Number of epochs; 0 runs until interrupted (overrides controller.max_epochs)")
	runCmd.Flags().StringVar(&artifactHeader, "artifact-header", "", "Write the artifact header (YAML) to this path")
	runCmd.Flags().StringVar(&artifactData, "artifact-data", "", "Write the artifact epoch rows (CSV) to this path")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	_ = runCmd.MarkFlagRequired("config")
}
