package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"sifter/pkg/bus"
	"sifter/pkg/db"
	gos3 "sifter/pkg/s3"
	"sifter/pkg/telemetry"
	"sifter/services/catalog"
)

const serviceName = "sifter-catalog"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sifter-catalog",
		Short:         "Central catalog of sifter inventories",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newLoadCommand())
	cmd.AddCommand(newMigrateCommand())
	return cmd
}

// setup loads configuration, builds the logger and opens a migrated pool.
func setup(ctx context.Context) (catalog.Config, zerolog.Logger, *pgxpool.Pool, error) {
	_ = godotenv.Load()

	cfg, err := catalog.LoadConfig(ctx, nil)
	if err != nil {
		return catalog.Config{}, zerolog.Nop(), nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := telemetry.NewLogger(serviceName, os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return catalog.Config{}, zerolog.Nop(), nil, err
	}

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return catalog.Config{}, zerolog.Nop(), nil, fmt.Errorf("connect database: %w", err)
	}

	applied, err := db.Migrate(ctx, pool)
	if err != nil {
		pool.Close()
		return catalog.Config{}, zerolog.Nop(), nil, err
	}
	if applied > 0 {
		logger.Info().Int("applied", applied).Msg("database migrated")
	}
	return cfg, logger, pool, nil
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, _, pool, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			pool.Close()
			return nil
		},
	}
}

func newLoadCommand() *cobra.Command {
	var host string
	cmd := &cobra.Command{
		Use:   "load FILE...",
		Short: "Bulk-load inventory files into the catalog",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, pool, err := setup(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			store, err := catalog.NewStore(pool)
			if err != nil {
				return err
			}

			for _, path := range args {
				stats, err := catalog.Load(ctx, store, host, path, cfg.BatchSize, logger)
				if err != nil {
					return err
				}
				logger.Info().
					Str("file", path).
					Str("host", host).
					Int("inserted", stats.Inserted).
					Int("unchanged", stats.Unchanged).
					Int("changed", stats.Changed).
					Int("rehashed", stats.Rehashed).
					Int("skipped", stats.Skipped).
					Int("corrupt", stats.Corrupt).
					Bool("truncated", stats.Truncated).
					Msg("inventory loaded")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "host the inventory was scanned on")
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume scanner events and serve catalog queries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	cfg, logger, pool, err := setup(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	shutdownTracing, err := telemetry.InitTracing(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown tracing")
		}
	}()

	store, err := catalog.NewStore(pool)
	if err != nil {
		return err
	}

	b, err := bus.New(cfg.NATSURL)
	if err != nil {
		return err
	}
	defer b.Close()
	if err := b.EnsureStream(); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ingestor, err := catalog.NewIngestor(store, b, reg, logger)
	if err != nil {
		return err
	}
	if err := ingestor.Start(ctx); err != nil {
		return err
	}
	defer ingestor.Close()

	routerOpts := catalog.RouterOptions{Gatherer: reg, Logger: logger}
	if cfg.Bucket != "" {
		client, err := gos3.NewClientFromEnv(ctx)
		if err != nil {
			return fmt.Errorf("s3 client: %w", err)
		}
		routerOpts.Presigner = client
		routerOpts.Bucket = cfg.Bucket
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           catalog.Router(store, routerOpts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("starting sifter-catalog")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown server")
	}
	return nil
}
