package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ronak4/Ronak-Raisingani-RAG/internal/config"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/controlplane"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/pipeline"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/worker"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the whole pipeline in this process",
	Long: `Clears prior state for the configured bills, starts the workers, seeds the
bills and waits until every article is written or the hard timeout fires.
Exits 2 when the run timed out short of its target.`,
	RunE: runRun,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run consumer-only workers against a shared backend",
	RunE:  runWorker,
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Enqueue the configured bills without consuming",
	RunE:  runSeed,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the status API over the configured store",
	RunE:  runServe,
}

var (
	runServeAPI bool
	workerKind  string
	listenAddr  string
	seedReset   bool
)

func init() {
	runCmd.Flags().BoolVar(&runServeAPI, "serve", false, "Serve the status API while the run is in progress")
	workerCmd.Flags().StringVar(&workerKind, "kind", "all", "Worker kind: subtask, validator, aggregator or all")
	workerCmd.Flags().StringVar(&listenAddr, "listen", "", "Serve the status API on this address")
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (default from config)")
	seedCmd.Flags().BoolVar(&seedReset, "reset", false, "Clear prior state for the bills before seeding")
}

func openPipeline(ctx context.Context) (*pipeline.Pipeline, *config.Config, *slog.Logger, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	p, err := pipeline.New(ctx, pipeline.Options{Config: cfg, Logger: logger})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("start pipeline: %w", err)
	}
	return p, cfg, logger, nil
}

func apiServer(p *pipeline.Pipeline, cfg *config.Config, addr string, logger *slog.Logger) *controlplane.Server {
	svc := controlplane.NewService(p.Store(), p.Queue(), p.Coordinator(), p.Tracker(), cfg.Bills)
	return controlplane.NewServer(svc, addr, logger)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	p, cfg, logger, err := openPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	var serve func(context.Context) error
	if runServeAPI {
		serve = apiServer(p, cfg, cfg.API.Listen, logger).Serve
	}

	report, err := p.Run(ctx, serve)
	if report != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Completed %d/%d bills in %s (%d words, %d links)\n",
			len(report.Result.Completed), report.Result.Target, report.Result.Elapsed.Round(time.Millisecond),
			report.Summary.TotalWords, report.Summary.TotalLinks)
		if report.Result.TimedOut {
			fmt.Fprintf(cmd.OutOrStdout(), "Timed out %d short of target\n", report.Result.Shortfall())
		}
	}
	return err
}

func parseKinds(s string) ([]worker.Kind, error) {
	if strings.EqualFold(strings.TrimSpace(s), "all") || s == "" {
		return nil, nil
	}
	var kinds []worker.Kind
	for _, part := range strings.Split(s, ",") {
		k, err := worker.ParseKind(part)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func runWorker(cmd *cobra.Command, args []string) error {
	kinds, err := parseKinds(workerKind)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	p, cfg, logger, err := openPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	var serve func(context.Context) error
	if listenAddr != "" {
		serve = apiServer(p, cfg, listenAddr, logger).Serve
	}
	logger.Info("worker process started", "kind", workerKind, "backend", cfg.Backend)
	return p.Work(ctx, serve, kinds...)
}

func runSeed(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	p, cfg, _, err := openPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	if seedReset {
		if err := p.Coordinator().Reset(ctx, cfg.Bills); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}
	if err := p.Coordinator().Seed(ctx, cfg.Bills); err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d bills\n", len(cfg.Bills))
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	p, cfg, logger, err := openPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	addr := listenAddr
	if addr == "" {
		addr = cfg.API.Listen
	}
	return apiServer(p, cfg, addr, logger).Serve(ctx)
}
