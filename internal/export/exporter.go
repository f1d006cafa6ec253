package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/tinytelemetry/probelog/internal/model"
)

// Config configures an Exporter.
type Config struct {
	ServiceName string
	Version     string
	// Timeout bounds one Export call; defaults to 10s.
	Timeout time.Duration
	Logger  *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ServiceName == "" {
		c.ServiceName = "probelog"
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Exporter sends runs to an OTLP/gRPC metrics collector.
type Exporter struct {
	client colmetricspb.MetricsServiceClient
	conn   *grpc.ClientConn
	cfg    Config
	log    *slog.Logger
}

// Dial connects to the collector at endpoint (host:port).
func Dial(endpoint string, insecureConn bool, cfg Config) (*Exporter, error) {
	creds := credentials.NewTLS(nil)
	if insecureConn {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("otlp client %s: %w", endpoint, err)
	}
	e := New(conn, cfg)
	e.conn = conn
	return e, nil
}

// New creates an exporter over an existing connection, which the caller owns.
func New(cc grpc.ClientConnInterface, cfg Config) *Exporter {
	cfg = cfg.withDefaults()
	return &Exporter{
		client: colmetricspb.NewMetricsServiceClient(cc),
		cfg:    cfg,
		log:    cfg.Logger.With("component", "export"),
	}
}

// Export sends every numeric column of the run. Runs without numeric data
// are not sent.
func (e *Exporter) Export(ctx context.Context, run *model.Run) error {
	req := Request(run, e.cfg.ServiceName, e.cfg.Version)
	if len(req.ResourceMetrics[0].ScopeMetrics[0].Metrics) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	resp, err := e.client.Export(ctx, req)
	if err != nil {
		return fmt.Errorf("otlp export of run %s: %w", run.ID, err)
	}
	if ps := resp.GetPartialSuccess(); ps != nil && ps.GetRejectedDataPoints() > 0 {
		e.log.Warn("collector rejected data points",
			"run_id", run.ID, "rejected", ps.GetRejectedDataPoints(), "message", ps.GetErrorMessage())
	}
	return nil
}

// Publish implements model.RunSink.
func (e *Exporter) Publish(run *model.Run) error {
	return e.Export(context.Background(), run)
}

// Close closes the connection opened by Dial.
func (e *Exporter) Close() error {
	if e.conn == nil {
		return nil
	}
	return e.conn.Close()
}

// MarshalJSON renders the export request of run in the OTLP/JSON encoding.
func MarshalJSON(run *model.Run, serviceName, version string) ([]byte, error) {
	return protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(Request(run, serviceName, version))
}
