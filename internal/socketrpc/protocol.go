// Package socketrpc serves the stored-run read API over a Unix domain socket,
// so CLI commands can query a running server that holds the DuckDB file.
package socketrpc

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// JSON-RPC 2.0 Method Reference
//
// The socket RPC server exposes model.ReadAPI. Each method maps 1:1 to it.
//
//   Method                  Params                   Result
//   ────────────────────    ──────────────────────   ─────────────────────
//   ListRuns                {Filter: RunFilter}      []RunSummary
//   LoadRun                 {ID: string}             Run
//   TotalRunCount           (none)                   int64
//   ExecuteQuery            {Query: string}          []map[string]any
//   GetSchemaDescription    (none)                   string
//   TableRowCounts          (none)                   map[string]int64
//
// Error codes follow JSON-RPC 2.0:
//   -32700  Parse error (malformed JSON)
//   -32601  Method not found
//   -32602  Invalid params
//   -32603  Internal error (marshal failure)
//   -32000  Application error (query failure)
//   -32004  Run not found

// Method names.
const (
	MethodListRuns             = "ListRuns"
	MethodLoadRun              = "LoadRun"
	MethodTotalRunCount        = "TotalRunCount"
	MethodExecuteQuery         = "ExecuteQuery"
	MethodGetSchemaDescription = "GetSchemaDescription"
	MethodTableRowCounts       = "TableRowCounts"
)

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
	codeApplication    = -32000
	codeRunNotFound    = -32004
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return e.Message }

// DefaultSocketPath returns the default Unix socket path.
// It prefers $XDG_RUNTIME_DIR/probelog/probelog.sock, falling back to
// ~/.local/state/probelog/probelog.sock.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "probelog", "probelog.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "probelog.sock")
	}
	return filepath.Join(home, ".local", "state", "probelog", "probelog.sock")
}
