package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"

	"sifter/pkg/bus"
	"sifter/pkg/s3"
	"sifter/pkg/telemetry"
	"sifter/services/scanner"
	"sifter/services/scanner/internal/config"
	"sifter/services/scanner/internal/statusd"
)

const serviceName = "sifter"

var version = "dev"

// exitError carries a process exit code. A nil err means the status was
// already reported.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand(os.Stdout, os.Stderr).ExecuteContext(ctx)
	stop()
	os.Exit(exitStatus(err, os.Stderr))
}

func exitStatus(err error, stderr io.Writer) int {
	if err == nil {
		return 0
	}
	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintf(stderr, "error: %v\n", exit.err)
		}
		return exit.code
	}
	fmt.Fprintf(stderr, "error: %v\n", err)
	return 1
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sifter",
		Short:         "Inventory content files under a directory tree",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	cmd.AddCommand(newScanCommand())
	cmd.AddCommand(newBundleCommand())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the sifter version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return cmd
}

type scanFlags struct {
	configPath string
	progress   string
	overrides  *config.Flags
}

func newScanCommand() *cobra.Command {
	sf := &scanFlags{}

	cmd := &cobra.Command{
		Use:   "scan [ROOT]",
		Short: "Walk ROOT, hash candidate files and append them to the inventory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadScanConfig(cmd, args, sf)
			if err != nil {
				return err
			}
			return runScan(cmd.Context(), cfg, sf.progress, cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&sf.configPath, "config", "", "YAML configuration file")
	cmd.Flags().StringVar(&sf.progress, "progress", "auto", "progress display: auto, always or never")
	sf.overrides = config.RegisterFlags(cmd.Flags())
	return cmd
}

func loadScanConfig(cmd *cobra.Command, args []string, sf *scanFlags) (config.Config, error) {
	_ = godotenv.Load()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(ctx, sf.configPath, envconfig.OsLookuper())
	if err != nil {
		return config.Config{}, err
	}
	sf.overrides.Apply(&cfg)

	if len(args) == 1 {
		if cmd.Flags().Changed("target") && args[0] != cfg.Scan.Root {
			return config.Config{}, errors.New("root given both as argument and --target")
		}
		cfg.Scan.Root = args[0]
	}

	switch sf.progress {
	case "auto", "always", "never":
	default:
		return config.Config{}, fmt.Errorf("unsupported progress mode %q", sf.progress)
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func runScan(ctx context.Context, cfg config.Config, progressMode string, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	logger, err := telemetry.NewLogger(serviceName, stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	shutdownTracing, err := telemetry.InitTracing(ctx, serviceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	runID := uuid.NewString()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metricsSink, err := scanner.NewMetricsSink(reg)
	if err != nil {
		return err
	}
	sinks := []scanner.Sink{metricsSink}

	if showProgress(progressMode, stderr) {
		sinks = append(sinks, scanner.NewProgressSink(stderr))
	}

	var busSink *scanner.BusSink
	if cfg.Publish.NATSURL != "" {
		b, err := bus.New(cfg.Publish.NATSURL)
		if err != nil {
			return err
		}
		defer b.Close()
		if err := b.EnsureStream(); err != nil {
			return err
		}
		busSink = scanner.NewBusSink(b, runID, logger)
		sinks = append(sinks, busSink)
	}

	opts := cfg.Scan.Options()
	opts.RunID = runID
	opts.Sinks = sinks
	opts.Logger = logger

	engine, err := scanner.New(opts)
	if err != nil {
		return err
	}
	if err := scanner.RegisterMetrics(reg, engine.Tracker()); err != nil {
		return err
	}

	if cfg.Status.Addr != "" {
		srv, err := statusd.Listen(cfg.Status.Addr, statusd.Router(engine.Tracker(), reg, logger), logger)
		if err != nil {
			engine.Tracker().Finish(scanner.StatusFatal)
			return fmt.Errorf("status server: %w", err)
		}
		statusCtx, stopStatus := context.WithCancel(context.Background())
		defer stopStatus()
		go func() {
			if err := srv.Serve(statusCtx); err != nil {
				logger.Error().Err(err).Msg("status server")
			}
		}()
	}

	if busSink != nil {
		if err := busSink.Started(ctx, cfg.Scan.Root, cfg.Scan.Output); err != nil {
			logger.Warn().Err(err).Msg("announce run")
		}
	}

	result, runErr := engine.Run(ctx)
	scanner.WriteSummary(stderr, result)

	if runErr != nil {
		return &exitError{code: result.Status.ExitCode(), err: runErr}
	}

	if cfg.Upload.URL != "" && result.Status != scanner.StatusInterrupted {
		if err := uploadInventory(ctx, cfg.Upload.URL, result.Output, logger); err != nil {
			return &exitError{code: 1, err: err}
		}
	}

	if busSink != nil && busSink.Failed() > 0 {
		logger.Warn().
			Int64("failed", busSink.Failed()).
			Int64("skipped", busSink.Skipped()).
			Msg("some events were not published")
	}

	if code := result.Status.ExitCode(); code != 0 {
		return &exitError{code: code}
	}
	return nil
}

func showProgress(mode string, out io.Writer) bool {
	switch mode {
	case "always":
		return true
	case "never":
		return false
	default:
		return telemetry.IsTerminal(out)
	}
}

func uploadInventory(ctx context.Context, target, path string, logger zerolog.Logger) error {
	bucket, key, err := s3.ParseURL(target)
	if err != nil {
		return err
	}
	client, err := s3.NewClientFromEnv(ctx)
	if err != nil {
		return fmt.Errorf("s3 client: %w", err)
	}
	digest, err := client.PutFile(ctx, bucket, key, path)
	if err != nil {
		return err
	}

	event := logger.Info().Str("url", target).Str("sha256", digest)
	if url, err := client.PresignGet(ctx, bucket, key, 15*time.Minute); err == nil {
		event = event.Str("presigned", url)
	}
	event.Msg("inventory uploaded")
	return nil
}
