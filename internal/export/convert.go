// Package export publishes result tables as OTLP gauge metrics.
package export

import (
	"math"
	"regexp"
	"strings"

	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"

	"github.com/tinytelemetry/probelog/internal/agents"
	"github.com/tinytelemetry/probelog/internal/model"
)

// MetricPrefix starts every exported metric name.
const MetricPrefix = "probelog"

const scopeName = "github.com/tinytelemetry/probelog/internal/export"

var (
	unitSuffix = regexp.MustCompile(`^(.*?)\s*\(([^)]*)\)\s*$`)
	nonWord    = regexp.MustCompile(`[^a-z0-9]+`)
)

func snake(s string) string {
	return strings.Trim(nonWord.ReplaceAllString(strings.ToLower(s), "_"), "_")
}

// MetricName maps a table column to its gauge name and unit:
// ("ADB iPerf Agent Client", "Throughput (Mbps)") gives
// "probelog.adb_iperf_agent_client.throughput" with unit "Mbps".
func MetricName(table, column string) (name, unit string) {
	if m := unitSuffix.FindStringSubmatch(column); m != nil && m[1] != "" {
		column, unit = m[1], m[2]
	}
	return MetricPrefix + "." + snake(table) + "." + snake(column), unit
}

func stringAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: key, Value: &commonpb.AnyValue{
		Value: &commonpb.AnyValue_StringValue{StringValue: value},
	}}
}

// numeric reports whether every present cell of col is a number, and at
// least one is present.
func numeric(col model.Column) bool {
	seen := false
	for _, v := range col.Values {
		if v.IsNull() {
			continue
		}
		if _, ok := v.Number(); !ok {
			return false
		}
		seen = true
	}
	return seen
}

func dataPoint(v model.Value, ts uint64, attrs []*commonpb.KeyValue) *metricspb.NumberDataPoint {
	dp := &metricspb.NumberDataPoint{TimeUnixNano: ts, Attributes: attrs}
	switch v.Kind() {
	case model.KindInt:
		dp.Value = &metricspb.NumberDataPoint_AsInt{AsInt: v.IntValue()}
	case model.KindUint:
		if u := v.UintValue(); u <= math.MaxInt64 {
			dp.Value = &metricspb.NumberDataPoint_AsInt{AsInt: int64(u)}
		} else {
			dp.Value = &metricspb.NumberDataPoint_AsDouble{AsDouble: float64(u)}
		}
	case model.KindBool:
		var b int64
		if v.BoolValue() {
			b = 1
		}
		dp.Value = &metricspb.NumberDataPoint_AsInt{AsInt: b}
	default:
		f, _ := v.Number()
		dp.Value = &metricspb.NumberDataPoint_AsDouble{AsDouble: f}
	}
	return dp
}

// rowTimes returns each row's time in Unix nanoseconds, from the
// Timestamp column when present and set, else the run creation time.
func rowTimes(run *model.Run, t model.Table) []uint64 {
	fallback := uint64(run.CreatedAt.UnixNano())
	times := make([]uint64, t.Rows())
	col, ok := t.Column(agents.TimestampColumn)
	for i := range times {
		times[i] = fallback
		if !ok {
			continue
		}
		if ms, isNum := col.Values[i].Number(); isNum && ms > 0 {
			times[i] = uint64(ms) * 1e6
		}
	}
	return times
}

// Metrics converts every numeric column of every table to a gauge with one
// point per present cell. The Timestamp column supplies point times and is
// not exported itself.
func Metrics(run *model.Run) []*metricspb.Metric {
	attrs := []*commonpb.KeyValue{
		stringAttr("run.id", run.ID),
		stringAttr("agent", string(run.Agent)),
		stringAttr("device", run.Device),
	}

	var out []*metricspb.Metric
	for _, t := range run.Tables {
		times := rowTimes(run, t)
		for _, col := range t.Columns {
			if col.Name == agents.TimestampColumn || !numeric(col) {
				continue
			}
			gauge := &metricspb.Gauge{}
			for i, v := range col.Values {
				if v.IsNull() {
					continue
				}
				gauge.DataPoints = append(gauge.DataPoints, dataPoint(v, times[i], attrs))
			}
			name, unit := MetricName(t.Name, col.Name)
			out = append(out, &metricspb.Metric{
				Name:        name,
				Description: t.Name + ": " + col.Name,
				Unit:        unit,
				Data:        &metricspb.Metric_Gauge{Gauge: gauge},
			})
		}
	}
	return out
}

// Request wraps the run's metrics in an export request.
func Request(run *model.Run, serviceName, version string) *colmetricspb.ExportMetricsServiceRequest {
	return &colmetricspb.ExportMetricsServiceRequest{
		ResourceMetrics: []*metricspb.ResourceMetrics{{
			Resource: &resourcepb.Resource{Attributes: []*commonpb.KeyValue{
				stringAttr("service.name", serviceName),
				stringAttr("service.version", version),
			}},
			ScopeMetrics: []*metricspb.ScopeMetrics{{
				Scope:   &commonpb.InstrumentationScope{Name: scopeName, Version: version},
				Metrics: Metrics(run),
			}},
		}},
	}
}
