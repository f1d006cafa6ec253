package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/probelog/internal/model"
	"github.com/tinytelemetry/probelog/internal/telemetry"
)

// ProcessorConfig configures a Processor.
type ProcessorConfig struct {
	// Workers is the number of captures processed concurrently. Defaults to 1.
	Workers int
	Metrics *telemetry.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger

	// OnRejected is called for captures the engine cannot turn into a run.
	OnRejected func(c model.Capture, err error)
}

// Processor runs captures through the engine and routes the resulting runs
// to a sink.
type Processor struct {
	engine  *Engine
	sink    model.RunSink
	workers int
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	log     *slog.Logger

	onRejected func(model.Capture, error)
}

// NewProcessor creates a processor. sink may be nil when runs are only
// returned to the caller.
func NewProcessor(e *Engine, sink model.RunSink, cfg ProcessorConfig) *Processor {
	p := &Processor{
		engine:  e,
		sink:    sink,
		workers: cfg.Workers,
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		log:     cfg.Logger,

		onRejected: cfg.OnRejected,
	}
	if p.workers <= 0 {
		p.workers = 1
	}
	if p.tracer == nil {
		p.tracer = noop.NewTracerProvider().Tracer("")
	}
	if p.log == nil {
		p.log = e.log
	}
	return p
}

// Process runs one capture and publishes the run.
func (p *Processor) Process(ctx context.Context, c model.Capture) (*model.Run, error) {
	ctx, span := p.tracer.Start(ctx, "engine.Process", trace.WithAttributes(
		attribute.String("agent", string(c.Session.Agent)),
		attribute.String("device", c.Session.Device),
		attribute.String("source", c.Source),
		attribute.Int("lines", len(c.Lines)),
	))
	defer span.End()

	started := time.Now()
	run, err := p.engine.Run(c)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.metrics.RecordFailure(ctx, c.Session.Agent)
		if p.onRejected != nil {
			p.onRejected(c, err)
		}
		return nil, err
	}
	p.metrics.RecordRun(ctx, run, time.Since(started))
	span.SetAttributes(attribute.String("run.id", run.ID), attribute.Int("tables", len(run.Tables)))

	if p.sink != nil {
		if err := p.sink.Publish(run); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return run, err
		}
	}
	return run, nil
}

// Consume processes captures until the channel closes or ctx is done.
// Failed captures are logged and skipped.
func (p *Processor) Consume(ctx context.Context, captures <-chan model.Capture) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case c, ok := <-captures:
					if !ok {
						return nil
					}
					run, err := p.Process(gctx, c)
					if err != nil {
						p.log.Error("capture failed", "agent", string(c.Session.Agent), "source", c.Source, "error", err)
						continue
					}
					p.log.Info("run completed", "run_id", run.ID, "agent", string(run.Agent),
						"tables", len(run.Tables), "retained", run.Stats.Retained)
				}
			}
		})
	}
	return g.Wait()
}

// SinkFunc adapts a function to model.RunSink.
type SinkFunc func(*model.Run) error

func (f SinkFunc) Publish(run *model.Run) error { return f(run) }

// MultiSink publishes to every sink and joins their errors.
type MultiSink []model.RunSink

func (m MultiSink) Publish(run *model.Run) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(run); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
