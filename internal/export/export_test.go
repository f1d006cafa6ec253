package export

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/tinytelemetry/probelog/internal/model"
)

func pingRun() *model.Run {
	return &model.Run{
		ID:        "run-1",
		Agent:     model.AgentPing,
		Device:    "pixel",
		CreatedAt: time.UnixMilli(1_700_000_000_000),
		Tables: []model.Table{{
			Name: "ADB Ping Agent",
			Columns: []model.Column{
				{Name: "Timestamp", Values: []model.Value{model.Uint(1_600_000_000_000), model.Uint(1_600_000_001_000)}},
				{Name: "ICMP Seq", Values: []model.Value{model.Int(1), model.Int(2)}},
				{Name: "Success", Values: []model.Value{model.Bool(true), model.Bool(false)}},
				{Name: "Delay (ms)", Values: []model.Value{model.Float(12.5), model.Null()}},
				{Name: "Host", Values: []model.Value{model.Text("a"), model.Text("b")}},
			},
		}},
	}
}

func metricByName(t *testing.T, ms []*metricspb.Metric, name string) *metricspb.Metric {
	t.Helper()
	for _, m := range ms {
		if m.Name == name {
			return m
		}
	}
	t.Fatalf("metric %q not found", name)
	return nil
}

func TestMetricName(t *testing.T) {
	name, unit := MetricName("ADB iPerf Agent Client", "Throughput (Mbps)")
	assert.Equal(t, "probelog.adb_iperf_agent_client.throughput", name)
	assert.Equal(t, "Mbps", unit)

	name, unit = MetricName("Summary", "Packet Loss (%)")
	assert.Equal(t, "probelog.summary.packet_loss", name)
	assert.Equal(t, "%", unit)

	name, unit = MetricName("ADB Ping Agent", "ICMP Seq")
	assert.Equal(t, "probelog.adb_ping_agent.icmp_seq", name)
	assert.Empty(t, unit)
}

func TestMetricsSkipsTextTimestampAndAbsentCells(t *testing.T) {
	ms := Metrics(pingRun())
	require.Len(t, ms, 3)

	delay := metricByName(t, ms, "probelog.adb_ping_agent.delay")
	assert.Equal(t, "ms", delay.Unit)
	points := delay.GetGauge().GetDataPoints()
	require.Len(t, points, 1)
	assert.Equal(t, 12.5, points[0].GetAsDouble())
	assert.Equal(t, uint64(1_600_000_000_000)*1e6, points[0].TimeUnixNano)

	success := metricByName(t, ms, "probelog.adb_ping_agent.success").GetGauge().GetDataPoints()
	require.Len(t, success, 2)
	assert.Equal(t, int64(1), success[0].GetAsInt())
	assert.Equal(t, int64(0), success[1].GetAsInt())
	assert.Equal(t, uint64(1_600_000_001_000)*1e6, success[1].TimeUnixNano)

	attrs := map[string]string{}
	for _, kv := range success[0].Attributes {
		attrs[kv.Key] = kv.GetValue().GetStringValue()
	}
	assert.Equal(t, map[string]string{"run.id": "run-1", "agent": "ping", "device": "pixel"}, attrs)
}

func TestMetricsFallsBackToCreatedAt(t *testing.T) {
	run := &model.Run{
		ID:        "r",
		Agent:     model.AgentPing,
		CreatedAt: time.Unix(10, 0),
		Tables: []model.Table{{
			Name:    "Summary",
			Columns: []model.Column{{Name: "Sent", Values: []model.Value{model.Uint(4)}}},
		}},
	}
	ms := Metrics(run)
	require.Len(t, ms, 1)
	p := ms[0].GetGauge().GetDataPoints()[0]
	assert.Equal(t, uint64(10e9), p.TimeUnixNano)
	assert.Equal(t, int64(4), p.GetAsInt())
}

func TestMarshalJSON(t *testing.T) {
	data, err := MarshalJSON(pingRun(), "probelog", "1.0.0")
	require.NoError(t, err)
	assert.Contains(t, string(data), `"probelog.adb_ping_agent.delay"`)
	assert.Contains(t, string(data), `"service.name"`)
}

type fakeCollector struct {
	colmetricspb.UnimplementedMetricsServiceServer

	mu   sync.Mutex
	reqs []*colmetricspb.ExportMetricsServiceRequest
}

func (f *fakeCollector) Export(_ context.Context, req *colmetricspb.ExportMetricsServiceRequest) (*colmetricspb.ExportMetricsServiceResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return &colmetricspb.ExportMetricsServiceResponse{}, nil
}

func (f *fakeCollector) received() []*colmetricspb.ExportMetricsServiceRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*colmetricspb.ExportMetricsServiceRequest(nil), f.reqs...)
}

func startCollector(t *testing.T) (*fakeCollector, *grpc.ClientConn) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	collector := &fakeCollector{}
	colmetricspb.RegisterMetricsServiceServer(srv, collector)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return collector, conn
}

func TestExporterSendsRun(t *testing.T) {
	collector, conn := startCollector(t)
	exp := New(conn, Config{ServiceName: "probelog-test", Version: "1.2.3"})

	require.NoError(t, exp.Publish(pingRun()))

	reqs := collector.received()
	require.Len(t, reqs, 1)
	rm := reqs[0].ResourceMetrics[0]
	assert.Equal(t, "probelog-test", rm.Resource.Attributes[0].GetValue().GetStringValue())
	assert.Len(t, rm.ScopeMetrics[0].Metrics, 3)
	assert.NoError(t, exp.Close())
}

func TestExporterSkipsRunWithoutNumbers(t *testing.T) {
	collector, conn := startCollector(t)
	exp := New(conn, Config{})

	run := &model.Run{ID: "empty", Agent: model.AgentResources}
	require.NoError(t, exp.Export(context.Background(), run))
	assert.Empty(t, collector.received())
}

func TestExporterReportsCollectorErrors(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	colmetricspb.RegisterMetricsServiceServer(srv, colmetricspb.UnimplementedMetricsServiceServer{})
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	err = New(conn, Config{Timeout: 5 * time.Second}).Export(context.Background(), pingRun())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run-1")
}
