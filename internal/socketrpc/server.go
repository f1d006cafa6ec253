package socketrpc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tinytelemetry/probelog/internal/duckdb"
	"github.com/tinytelemetry/probelog/internal/model"
)

const (
	scannerInitBufSize  = 64 * 1024
	scannerMaxTokenSize = 1024 * 1024
)

// Server exposes a model.ReadAPI over a Unix domain socket using JSON-RPC 2.0.
type Server struct {
	socketPath string
	store      model.ReadAPI
	listener   net.Listener
	log        *slog.Logger
	wg         sync.WaitGroup
	quit       chan struct{}
	stopOnce   sync.Once
}

// NewServer creates a new socket RPC server.
func NewServer(socketPath string, store model.ReadAPI, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		store:      store,
		log:        logger.With("component", "socketrpc"),
		quit:       make(chan struct{}),
	}
}

// Start begins listening on the Unix socket and accepting connections.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("socketrpc: mkdir: %w", err)
	}

	// Remove a stale socket left by a crashed server.
	if _, err := os.Stat(s.socketPath); err == nil {
		conn, dialErr := net.DialTimeout("unix", s.socketPath, 500*time.Millisecond)
		if dialErr == nil {
			conn.Close()
			return fmt.Errorf("socketrpc: another server is already listening on %s", s.socketPath)
		}
		os.Remove(s.socketPath)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("socketrpc: listen: %w", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()

	s.log.Info("listening", "socket", s.socketPath)
	return nil
}

// Path returns the socket path.
func (s *Server) Path() string { return s.socketPath }

// Stop closes the listener, waits for connections to drain, and removes the socket file.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}
		s.wg.Wait()
		os.Remove(s.socketPath)
	})
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				s.log.Warn("accept failed", "error", err)
				time.Sleep(10 * time.Millisecond)
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	// Unblock the scanner on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.quit:
			conn.Close()
		case <-done:
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, scannerInitBufSize), scannerMaxTokenSize)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			_ = encoder.Encode(Response{JSONRPC: "2.0", Error: &RPCError{Code: codeParseError, Message: "parse error"}})
			continue
		}
		if err := encoder.Encode(s.dispatch(req)); err != nil {
			return
		}
	}
}

type handler func(s *Server, params json.RawMessage) (any, error)

var handlers = map[string]handler{
	MethodListRuns: func(s *Server, params json.RawMessage) (any, error) {
		var p struct{ Filter model.RunFilter }
		if err := decodeParams(params, &p, true); err != nil {
			return nil, err
		}
		return s.store.ListRuns(p.Filter)
	},
	MethodLoadRun: func(s *Server, params json.RawMessage) (any, error) {
		var p struct{ ID string }
		if err := decodeParams(params, &p, false); err != nil {
			return nil, err
		}
		if p.ID == "" {
			return nil, paramsError{errors.New("ID is required")}
		}
		return s.store.LoadRun(p.ID)
	},
	MethodTotalRunCount: func(s *Server, _ json.RawMessage) (any, error) {
		return s.store.TotalRunCount()
	},
	MethodExecuteQuery: func(s *Server, params json.RawMessage) (any, error) {
		var p struct{ Query string }
		if err := decodeParams(params, &p, false); err != nil {
			return nil, err
		}
		return s.store.ExecuteQuery(p.Query)
	},
	MethodGetSchemaDescription: func(s *Server, _ json.RawMessage) (any, error) {
		return s.store.GetSchemaDescription(), nil
	},
	MethodTableRowCounts: func(s *Server, _ json.RawMessage) (any, error) {
		return s.store.TableRowCounts()
	},
}

type paramsError struct{ err error }

func (e paramsError) Error() string { return "invalid params: " + e.err.Error() }

// decodeParams unmarshals raw into v. Absent params are allowed only when
// optional is set.
func decodeParams(raw json.RawMessage, v any, optional bool) error {
	if len(raw) == 0 && optional {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return paramsError{err}
	}
	return nil
}

func errorCode(err error) int {
	var pe paramsError
	switch {
	case errors.As(err, &pe):
		return codeInvalidParams
	case errors.Is(err, duckdb.ErrRunNotFound):
		return codeRunNotFound
	default:
		return codeApplication
	}
}

func (s *Server) dispatch(req Request) Response {
	resp := Response{JSONRPC: "2.0", ID: req.ID}
	h, ok := handlers[req.Method]
	if !ok {
		resp.Error = &RPCError{Code: codeMethodNotFound, Message: "method not found: " + req.Method}
		return resp
	}
	result, err := h(s, req.Params)
	if err != nil {
		resp.Error = &RPCError{Code: errorCode(err), Message: err.Error()}
		return resp
	}
	data, err := json.Marshal(result)
	if err != nil {
		resp.Error = &RPCError{Code: codeInternal, Message: err.Error()}
		return resp
	}
	resp.Result = data
	return resp
}
