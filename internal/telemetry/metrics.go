package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tinytelemetry/probelog/internal/model"
)

// Metrics counts engine work. A nil *Metrics records nothing.
type Metrics struct {
	lines    metric.Int64Counter
	tables   metric.Int64Counter
	runs     metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
}

// NewMetrics creates the engine instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.lines, err = meter.Int64Counter("probelog.engine.lines",
		metric.WithDescription("Capture lines by classification")); err != nil {
		return nil, err
	}
	if m.tables, err = meter.Int64Counter("probelog.engine.tables",
		metric.WithDescription("Result tables produced")); err != nil {
		return nil, err
	}
	if m.runs, err = meter.Int64Counter("probelog.engine.runs",
		metric.WithDescription("Captures processed")); err != nil {
		return nil, err
	}
	if m.failures, err = meter.Int64Counter("probelog.engine.failures",
		metric.WithDescription("Captures that failed to process")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("probelog.engine.duration",
		metric.WithDescription("Time to process one capture"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return &m, nil
}

// RecordRun adds one finished run.
func (m *Metrics) RecordRun(ctx context.Context, run *model.Run, took time.Duration) {
	if m == nil || run == nil {
		return
	}
	agent := attribute.String("agent", string(run.Agent))
	m.runs.Add(ctx, 1, metric.WithAttributes(agent))
	m.tables.Add(ctx, int64(len(run.Tables)), metric.WithAttributes(agent))
	m.duration.Record(ctx, float64(took.Microseconds())/1000, metric.WithAttributes(agent))

	s := run.Stats
	for outcome, n := range map[string]int{
		"retained":  s.Retained,
		"stale":     s.Stale,
		"foreign":   s.Foreign,
		"malformed": s.Malformed,
	} {
		if n > 0 {
			m.lines.Add(ctx, int64(n), metric.WithAttributes(agent, attribute.String("outcome", outcome)))
		}
	}
}

// RecordFailure adds one run that returned an error.
func (m *Metrics) RecordFailure(ctx context.Context, agent model.Agent) {
	if m == nil {
		return
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", string(agent))))
}
