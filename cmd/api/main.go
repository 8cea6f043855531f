package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"disputeflow/config"
	"disputeflow/db"
	"disputeflow/dispute"
	"disputeflow/identity"
	"disputeflow/intake"
	"disputeflow/logging"
	"disputeflow/metrics"
	"disputeflow/scheduler"
	"disputeflow/stats"
	"disputeflow/tradeline"
)

func main() {
	root := &cobra.Command{
		Use:           "disputeflow",
		Short:         "Negative tradeline classification and multi-bureau dispute tracking",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), sweepCmd(), classifyCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds the wired components shared by every subcommand.
type app struct {
	cfg        config.Config
	logger     *slog.Logger
	pool       *pgxpool.Pool
	disputes   *dispute.Service
	aggregator *stats.Aggregator
	pipeline   *intake.Pipeline
	resolver   *identity.Resolver
}

func bootstrap(ctx context.Context, migrate bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.Logging.Level)

	a := &app{
		cfg:      cfg,
		logger:   logger,
		resolver: newResolver(cfg),
	}

	var repo dispute.Repository
	if cfg.Database.DSN != "" {
		pool, err := db.NewPool(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("bootstrap database pool: %w", err)
		}
		if migrate {
			if err := db.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, err
			}
		}
		a.pool = pool
		repo = dispute.NewPGRepository(pool)
	} else {
		logger.Warn("DATABASE_URL not set; disputes are kept in memory only")
		repo = dispute.NewMemoryRepository()
	}

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	a.disputes = dispute.NewService(repo, logger).WithMetrics(collector)
	a.aggregator = stats.NewAggregator(a.disputes, logger).WithMaxAge(cfg.Stats.MaxAge)
	a.disputes.WithHook(a.aggregator)
	a.pipeline = intake.NewPipeline(a.resolver, cfg.Classify.Workers, logger).WithMetrics(collector)
	return a, nil
}

func newResolver(cfg config.Config) *identity.Resolver {
	var opts []identity.Option
	if cfg.Identity.IncludeOpenDate {
		opts = append(opts, identity.WithOpenDate())
	}
	return identity.NewResolver(opts...)
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the scheduled expiry sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx, migrate)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(ctx)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply the embedded schema before serving")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	sweeper, err := scheduler.New(a.cfg.Expiry.CronExpression, a.cfg.Expiry.Location(), a.logger)
	if err != nil {
		return err
	}

	server := &Server{
		disputeService: a.disputes,
		statsService:   a.aggregator,
		pipeline:       a.pipeline,
		resolver:       a.resolver,
		logger:         a.logger,
	}
	httpServer := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(a.aggregator.Run(gctx))
	})
	g.Go(func() error {
		return ignoreCanceled(sweeper.Run(gctx, func(ctx context.Context, at time.Time) {
			if _, err := a.disputes.ExpireStale(ctx, at); err != nil {
				a.logger.Error("expiry sweep failed", "err", err)
			}
		}))
	})
	g.Go(func() error {
		a.logger.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire stale Pending and Investigating disputes once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.disputes.ExpireStale(cmd.Context(), time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d expired=%d conflicts=%d\n", res.Scanned, res.Expired, res.Conflicts)
			return nil
		},
	}
}

func classifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify FILE",
		Short: "Classify a YAML list of tradelines and print the assessment as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			pipeline := intake.NewPipeline(newResolver(cfg), cfg.Classify.Workers, logging.NewWithWriter(cmd.ErrOrStderr(), cfg.Logging.Level))
			return classifyFile(cmd.Context(), pipeline, args[0], cmd.OutOrStdout())
		},
	}
}

func classifyFile(ctx context.Context, pipeline *intake.Pipeline, path string, w io.Writer) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var inputs []tradeline.Input
	if err := yaml.Unmarshal(raw, &inputs); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	report, err := pipeline.Process(ctx, inputs)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(toClassifyResponse(report, nil))
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
