// Package pipeline wires the configured backends, collaborators, workers and
// coordinator into a runnable process.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ronak4/Ronak-Raisingani-RAG/internal/audit"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/config"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/congress"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/coordinator"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/llm"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/models"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/progress"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/queue"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/sink"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/store"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/validator"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/worker"
)

// Backend is an opened state store and queue pair.
type Backend struct {
	Store store.StateStore
	Queue queue.Queue
}

// OpenBackend connects to the configured store and queue.
func OpenBackend(ctx context.Context, cfg *config.Config) (*Backend, error) {
	visibility := cfg.Queue.VisibilityTimeout.D()
	switch cfg.Backend {
	case config.BackendRedis:
		st, err := store.NewRedis(ctx, cfg.Store.URL, cfg.Store.TTL())
		if err != nil {
			return nil, err
		}
		q, err := queue.NewRedis(ctx, cfg.Queue.URL, visibility)
		if err != nil {
			st.Close()
			return nil, err
		}
		return &Backend{Store: st, Queue: q}, nil
	case config.BackendSQLite:
		st, err := store.New(cfg.Store.SQLitePath, cfg.Store.TTL())
		if err != nil {
			return nil, err
		}
		return &Backend{Store: st, Queue: queue.NewSQL(st, visibility)}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// Close closes the queue, then the store.
func (b *Backend) Close() error {
	return errors.Join(b.Queue.Close(), b.Store.Close())
}

// Options customise a pipeline. Nil collaborators are built from the config.
type Options struct {
	Config    *config.Config
	Logger    *slog.Logger
	Backend   *Backend
	Data      congress.Provider
	Generator llm.Generator
	Checker   worker.ReferenceChecker
}

// Pipeline is one process's view of the pipeline.
type Pipeline struct {
	cfg     *config.Config
	log     *slog.Logger
	backend *Backend
	pdr     *audit.PDRWriter
	tracker *progress.Tracker
	data    congress.Provider
	gen     llm.Generator
	checker worker.ReferenceChecker
	files   *sink.FileSink
	coord   *coordinator.Coordinator
	runners []*worker.Runner
}

// New opens the backend, builds the collaborators and initialises the
// channels. Initialisation failures are fatal.
func New(ctx context.Context, opts Options) (*Pipeline, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	backend := opts.Backend
	if backend == nil {
		var err error
		if backend, err = OpenBackend(ctx, cfg); err != nil {
			return nil, err
		}
	}

	tracker := progress.New()
	p := &Pipeline{
		cfg:     cfg,
		log:     logger.With("component", "pipeline"),
		backend: backend,
		pdr:     audit.NewPDRWriter(backend.Store, logger),
		tracker: tracker,
		data:    opts.Data,
		gen:     opts.Generator,
		checker: opts.Checker,
	}
	if p.data == nil {
		p.data = congress.New(cfg.CongressConfig(), tracker, logger)
	}
	if p.gen == nil {
		p.gen = llm.New(cfg.LLMConfig(), tracker, logger)
	}
	if p.checker == nil {
		p.checker = validator.New(cfg.ValidatorConfig(), nil, logger)
	}

	files, err := sink.NewFileSink(cfg.Output.Dir, logger)
	if err != nil {
		backend.Close()
		return nil, err
	}
	p.files = files

	p.coord = coordinator.New(backend.Store, backend.Queue, p.pdr, tracker, cfg.CoordinatorConfig(), logger)
	p.coord.RegisterCloser(backend)
	if err := p.coord.Init(ctx); err != nil {
		backend.Close()
		return nil, err
	}
	return p, nil
}

// Store returns the state store.
func (p *Pipeline) Store() store.StateStore { return p.backend.Store }

// Queue returns the queue.
func (p *Pipeline) Queue() queue.Queue { return p.backend.Queue }

// Coordinator returns the coordinator.
func (p *Pipeline) Coordinator() *coordinator.Coordinator { return p.coord }

// Tracker returns the progress tracker.
func (p *Pipeline) Tracker() *progress.Tracker { return p.tracker }

// PDR returns the decision record writer.
func (p *Pipeline) PDR() *audit.PDRWriter { return p.pdr }

// Runners returns the started worker runners.
func (p *Pipeline) Runners() []*worker.Runner { return p.runners }

func (p *Pipeline) deps() worker.Deps {
	return worker.Deps{
		Store:   p.backend.Store,
		Queue:   p.backend.Queue,
		PDR:     p.pdr,
		Tracker: p.tracker,
		Logger:  p.log,
	}
}

// StartWorkers starts the configured number of workers of each kind; no
// kinds means all of them. Each runner is registered for shutdown.
func (p *Pipeline) StartWorkers(kinds ...worker.Kind) {
	if len(kinds) == 0 {
		kinds = []worker.Kind{worker.KindSubTask, worker.KindValidator, worker.KindAggregator}
	}
	deps := p.deps()
	wc := p.cfg.Workers

	for _, kind := range kinds {
		var count, concurrency int
		switch kind {
		case worker.KindSubTask:
			count, concurrency = wc.Subtask, wc.MaxConcurrentSubtasks
		case worker.KindValidator:
			count, concurrency = wc.Validator, 2
		case worker.KindAggregator:
			count, concurrency = wc.Aggregator, 1
		}
		for i := 0; i < count; i++ {
			w := p.newWorker(kind, deps)
			r := worker.NewRunner(w, deps, p.cfg.SchedulerConfig(concurrency), wc.Heartbeat.D())
			r.Start()
			p.coord.Register(r)
			p.runners = append(p.runners, r)
		}
	}
	p.log.Info("workers started", "count", len(p.runners))
}

func (p *Pipeline) newWorker(kind worker.Kind, deps worker.Deps) worker.Worker {
	id := worker.NewID(kind)
	switch kind {
	case worker.KindValidator:
		return worker.NewValidator(id, deps, p.checker)
	case worker.KindAggregator:
		return worker.NewAggregator(id, deps, p.data, p.gen, worker.AggregatorOptions{
			Claim: p.cfg.Workers.AggregateClaim,
			Sink:  sink.Multi{p.files, sink.NewTopicSink(p.backend.Queue, id)},
		})
	default:
		return worker.NewSubTask(id, deps, p.data, p.gen)
	}
}

// Report is the outcome of Run.
type Report struct {
	Result  coordinator.Result
	Summary sink.Summary
}

// Run executes a full run: reset prior state, start the workers, seed the
// items and poll until they complete, the hard timeout fires or ctx ends.
// serve, when set, runs alongside and is cancelled when polling stops. The
// workers are drained and the backend closed before the summary is written.
// A timeout returns the report together with coordinator.ErrTimeout.
func (p *Pipeline) Run(ctx context.Context, serve func(context.Context) error) (*Report, error) {
	items := p.cfg.Bills
	defer p.coord.Shutdown()

	if err := p.coord.Reset(ctx, items); err != nil {
		return nil, fmt.Errorf("reset: %w", err)
	}
	p.CheckModel(ctx)
	p.StartWorkers()
	if err := p.coord.Seed(ctx, items); err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	var res coordinator.Result
	var waitErr error
	g.Go(func() error {
		defer cancel()
		res, waitErr = p.coord.Wait(gctx, items)
		return nil
	})
	if serve != nil {
		g.Go(func() error { return serve(gctx) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	p.coord.StopWorkers()
	artifacts := p.collect(res.Completed)
	workerErrors := p.workerErrors()
	if err := p.coord.Shutdown(); err != nil {
		p.log.Warn("close backend failed", "err", err)
	}

	summary := sink.NewSummary(artifacts, res.Target, res.Elapsed, res.TimedOut, workerErrors)
	if err := p.files.WriteSummary(summary); err != nil {
		p.log.Error("write summary failed", "err", err)
	}
	p.log.Info("run finished",
		"completed", len(res.Completed),
		"target", res.Target,
		"elapsed", res.Elapsed.Round(time.Millisecond),
		"words", summary.TotalWords,
		"links", summary.TotalLinks,
		"timed_out", res.TimedOut,
	)
	p.log.Info(p.tracker.Snapshot(len(items) * (models.SubTaskCount + 1)).String())

	return &Report{Result: res, Summary: summary}, waitErr
}

// Work runs consumer-only workers of the given kinds until ctx ends, then
// drains them and closes the backend.
func (p *Pipeline) Work(ctx context.Context, serve func(context.Context) error, kinds ...worker.Kind) error {
	defer p.coord.Shutdown()
	if generates(kinds) {
		p.CheckModel(ctx)
	}
	p.StartWorkers(kinds...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if serve != nil {
		g.Go(func() error { return serve(gctx) })
	}
	err := g.Wait()
	p.coord.StopWorkers()
	return err
}

// modelLister is a generator that can tell whether its model is served.
type modelLister interface {
	ModelAvailable(ctx context.Context) (bool, error)
}

// CheckModel logs a warning when the configured model is not confirmed as
// served. It reports whether the model was confirmed; generators that cannot
// list models count as confirmed.
func (p *Pipeline) CheckModel(ctx context.Context) bool {
	ml, ok := p.gen.(modelLister)
	if !ok {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	found, err := ml.ModelAvailable(ctx)
	switch {
	case err != nil:
		p.log.Warn("could not list llm models", "model", p.cfg.LLM.Model, "err", err)
	case !found:
		p.log.Warn("llm model not served, generation will fail", "model", p.cfg.LLM.Model, "endpoint", p.cfg.LLM.Endpoint)
	}
	return err == nil && found
}

// generates reports whether any of the kinds calls the generator.
func generates(kinds []worker.Kind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if k == worker.KindSubTask || k == worker.KindAggregator {
			return true
		}
	}
	return false
}

// Close drains any running workers and closes the backend.
func (p *Pipeline) Close() error {
	return p.coord.Shutdown()
}

func (p *Pipeline) collect(items []string) []*models.FinalArtifact {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var out []*models.FinalArtifact
	for _, item := range items {
		a, err := p.backend.Store.GetArtifact(ctx, item)
		if err != nil {
			p.log.Warn("read artifact failed", "item_id", item, "err", err)
			continue
		}
		if a != nil {
			out = append(out, a)
		}
	}
	return out
}

func (p *Pipeline) workerErrors() map[string]int64 {
	out := make(map[string]int64, len(p.runners))
	for _, r := range p.runners {
		_, errs := r.Counters()
		out[r.Worker().ID()] = errs
	}
	return out
}
