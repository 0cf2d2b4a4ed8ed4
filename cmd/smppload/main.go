// Command smppload drives an SMSC with submit_sm traffic over several binds
// and reports throughput and latency.
//
// Usage:
//
//	smppload [config.toml|config.yaml] [flags]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"smppload/internal/config"
	"smppload/internal/coordinator"
	"smppload/internal/dashboard"
	"smppload/internal/logging"
	"smppload/internal/metrics"
	"smppload/internal/payload"
	"smppload/internal/promexport"
	"smppload/internal/smpp"
)

const (
	ExitSuccess   = 0
	ExitRunFailed = 1
	ExitError     = 2
)

const (
	defaultConfig = "config.toml"
	outputText    = "text"
	outputJSON    = "json"
)

type runOptions struct {
	ConfigPath string
	Duration   time.Duration
	Output     string
	Quiet      bool
	LogLevel   string
}

func main() {
	code := ExitSuccess
	if err := newRootCmd(&code).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(ExitError)
	}
	os.Exit(code)
}

func newRootCmd(code *int) *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:           "smppload [config]",
		Short:         "SMPP throughput load generator",
		Long:          "Opens N binds to an SMSC, submits at a capped rate per bind and reports live and final metrics.",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if cmd.Flags().Changed("config") {
					return errors.New("config given both as argument and --config")
				}
				opts.ConfigPath = args[0]
			}
			if opts.Output != outputText && opts.Output != outputJSON {
				return fmt.Errorf("--output must be %q or %q, got %q", outputText, outputJSON, opts.Output)
			}
			*code = run(cmd.Context(), opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", defaultConfig, "path to TOML or YAML config file")
	cmd.Flags().DurationVarP(&opts.Duration, "duration", "d", 0, "stop after this long (overrides run.duration; 0 runs until interrupted)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", outputText, "summary format: text, json")
	cmd.Flags().BoolVarP(&opts.Quiet, "quiet", "q", false, "suppress the live dashboard")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug, info, warn, error); defaults to $"+logging.EnvLevel)
	return cmd
}

// run executes one load test and returns the process exit code.
func run(ctx context.Context, opts runOptions, stdout, stderr io.Writer) int {
	if ctx == nil {
		ctx = context.Background()
	}
	level := opts.LogLevel
	if level == "" {
		level = logging.LevelFromEnv()
	}
	logger, err := logging.New(level, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return ExitError
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		return ExitError
	}
	if opts.Duration > 0 {
		cfg.Run.Duration = config.Duration(opts.Duration)
	}

	renderer, err := payload.FromConfig(cfg.Message)
	if err != nil {
		logger.Error("invalid message template", zap.Error(err))
		return ExitError
	}

	runID := uuid.NewString()
	logger = logger.With(zap.String("run", runID))
	logger.Info("starting run",
		zap.String("target", cfg.SMPP.Address()),
		zap.String("bind_type", cfg.SMPP.BindType),
		zap.Int("binds", cfg.Load.Binds),
		zap.Stringer("duration", cfg.Run.Duration))

	registry := metrics.NewRegistry(cfg.Load.Binds, nil)
	canceller := coordinator.NewCanceller(ctx, logger)
	dash := dashboard.New(dashboard.HeaderFrom(cfg), opts.Quiet)
	if opts.Output == outputJSON {
		// Keeps stdout parseable.
		dash.SetOutput(stderr)
	}

	publishers := []metrics.Publisher{dash}
	var exporter *promexport.Exporter
	if cfg.Metrics.Listen != "" {
		exporter = promexport.NewExporter()
		publishers = append(publishers, exporter)
	}
	aggregator := metrics.NewAggregator(registry, cfg.Run.RefreshInterval.Std(), publishers...)

	client := smpp.NewClient(cfg.SMPP, logger)
	client.SetRenderer(renderer)
	orch := coordinator.NewOrchestrator(coordinator.Options{
		Config:    cfg,
		Client:    client,
		Registry:  registry,
		Canceller: canceller,
		Logger:    logger,
	})

	if d := cfg.Run.Duration.Std(); d > 0 {
		stop := canceller.CancelAfter(d)
		defer stop()
	}

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	g, gctx := errgroup.WithContext(bgCtx)
	g.Go(func() error {
		aggregator.Run(gctx)
		return nil
	})
	g.Go(func() error {
		canceller.WatchSignals(gctx)
		return nil
	})
	var serveErr error
	if exporter != nil {
		g.Go(func() error {
			if err := exporter.Serve(gctx, cfg.Metrics.Listen, logger); err != nil {
				serveErr = fmt.Errorf("metrics endpoint: %w", err)
				canceller.Cancel(serveErr.Error())
				return serveErr
			}
			return nil
		})
	}

	results := make(chan error, 1)
	go func() {
		report, err := orch.Run(canceller.Context())
		if failed := report.Failed(); len(failed) > 0 {
			logger.Warn("binds failed", zap.Ints("binds", failed))
		}
		results <- err
	}()

	var runErr error
	select {
	case runErr = <-results:
	case <-canceller.Done():
		if err := coordinator.AwaitDrain(orch.Done(), cfg.Run.ShutdownTimeout.Std(), orch.Pending); err != nil {
			logger.Error("binds did not drain before shutdown timeout", zap.Error(err))
			runErr = err
		} else {
			runErr = <-results
		}
	}

	stopBackground()
	_ = g.Wait()
	dash.Stop()
	if reason := canceller.Reason(); reason != "" {
		dash.Printf("\nRun stopped: %s", reason)
	}

	summary := metrics.Summarize(registry)
	summary.RunID = runID
	summary.Target = cfg.SMPP.Address()
	summary.Errors = errorLines(runErr)
	if serveErr != nil {
		summary.Errors = append(summary.Errors, serveErr.Error())
	}

	if opts.Output == outputJSON {
		metrics.FormatJSON(stdout, summary)
	} else {
		metrics.FormatText(stdout, summary)
	}

	if serveErr != nil {
		return ExitError
	}
	return exitCode(runErr)
}

// exitCode maps a run error onto the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case coordinator.IsBindFailure(err), coordinator.IsDrainTimeout(err):
		return ExitRunFailed
	default:
		return ExitError
	}
}

func errorLines(err error) []string {
	if err == nil {
		return nil
	}
	var merr *multierror.Error
	if errors.As(err, &merr) {
		lines := make([]string, 0, len(merr.Errors))
		for _, e := range merr.Errors {
			lines = append(lines, e.Error())
		}
		return lines
	}
	return []string{err.Error()}
}
