package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ronak4/Ronak-Raisingani-RAG/internal/controlplane"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/coordinator"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/models"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/pipeline"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/progress"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/tui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show processing stats, per-bill progress and worker heartbeats",
	RunE:  runStatus,
}

var reseedCmd = &cobra.Command{
	Use:   "reseed [bill-id]",
	Short: "Re-enqueue a bill's missing sub-tasks",
	Args:  cobra.ExactArgs(1),
	RunE:  runReseed,
}

var (
	statusJSON      bool
	reseedAggregate bool
)

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
	reseedCmd.Flags().BoolVar(&reseedAggregate, "aggregate", false, "Re-trigger aggregation instead of the sub-tasks")
}

// serviceSource reads the store in-process through the control plane service.
type serviceSource struct {
	svc *controlplane.Service
}

func (s serviceSource) Health(ctx context.Context) (*controlplane.HealthResponse, error) {
	resp := &controlplane.HealthResponse{OK: true, Store: "ok", Version: controlplane.Version, Time: time.Now().UTC().Format(time.RFC3339)}
	if err := s.svc.Ping(ctx); err != nil {
		resp.OK, resp.Store = false, err.Error()
		return resp, err
	}
	return resp, nil
}

func (s serviceSource) Stats(ctx context.Context) (*controlplane.StatsResponse, error) {
	return s.svc.Stats(ctx)
}

func (s serviceSource) Items(ctx context.Context) ([]coordinator.ItemProgress, error) {
	return s.svc.Items(ctx)
}

func (s serviceSource) Item(ctx context.Context, id string) (*controlplane.ItemDetail, error) {
	return s.svc.Item(ctx, id)
}

func (s serviceSource) Workers(ctx context.Context) ([]models.WorkerStatus, error) {
	return s.svc.Workers(ctx)
}

func (s serviceSource) Progress(context.Context) (*progress.Stats, error) {
	p, err := s.svc.Progress()
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s serviceSource) Reseed(ctx context.Context, id string, aggregate bool) (*controlplane.ReseedResponse, error) {
	return s.svc.Reseed(ctx, id, aggregate)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	var src tui.Source
	if apiAddr != "" {
		src = controlplane.NewClient(apiAddr)
	} else {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		backend, err := pipeline.OpenBackend(ctx, cfg)
		if err != nil {
			return err
		}
		defer backend.Close()
		src = serviceSource{svc: controlplane.NewService(backend.Store, backend.Queue, nil, nil, cfg.Bills)}
	}

	snap, err := tui.Fetch(ctx, src)
	if err != nil {
		return err
	}
	if statusJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	return tui.RenderPlain(cmd.OutOrStdout(), snap)
}

func runReseed(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id := args[0]

	var src tui.Source
	if apiAddr != "" {
		src = controlplane.NewClient(apiAddr)
	} else {
		p, cfg, _, err := openPipeline(ctx)
		if err != nil {
			return err
		}
		defer p.Close()
		src = serviceSource{svc: controlplane.NewService(p.Store(), p.Queue(), p.Coordinator(), nil, cfg.Bills)}
	}

	resp, err := src.Reseed(ctx, id, reseedAggregate)
	if err != nil {
		return err
	}
	if resp.Aggregate {
		fmt.Fprintf(cmd.OutOrStdout(), "Re-triggered aggregation for %s\n", resp.ItemID)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Re-enqueued %d sub-task(s) for %s\n", resp.Published, resp.ItemID)
	}
	return nil
}
