package logsource

import (
	"github.com/tinytelemetry/probelog/internal/model"
	"github.com/tinytelemetry/probelog/internal/tcpserver"
)

// TCPSource wraps a tcpserver.Server as a CaptureSource.
type TCPSource struct {
	server *tcpserver.Server
}

// NewTCPSource creates a TCPSource from an already-started TCP server.
func NewTCPSource(server *tcpserver.Server) *TCPSource {
	return &TCPSource{server: server}
}

func (t *TCPSource) Captures() <-chan model.Capture { return t.server.Captures() }
func (t *TCPSource) Stop()                          { _ = t.server.Stop() }
func (t *TCPSource) Name() string                   { return "tcp" }
