package tcpserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/tinytelemetry/probelog/internal/model"
)

const (
	// DefaultCaptureChannelSize is the default buffer of completed captures.
	DefaultCaptureChannelSize = 16

	// DefaultMaxLineSize is the default maximum size (in bytes) of a single log line.
	DefaultMaxLineSize = 1024 * 1024 // 1MB

	// DefaultMaxConnections bounds concurrently open capture connections.
	DefaultMaxConnections = 64

	// DefaultMaxCaptureLines bounds the lines buffered for one connection.
	DefaultMaxCaptureLines = 2_000_000

	drainTimeout = time.Second
	drainLimit   = 64 << 20
)

// ServerConfig holds tunable parameters for the TCP server.
type ServerConfig struct {
	CaptureChannelSize int
	MaxLineSize        int
	MaxConnections     int
	MaxCaptureLines    int
	Logger             *slog.Logger
}

// Server accepts logcat captures over TCP. Each connection carries one
// capture: a JSON session header line, then log lines until EOF.
type Server struct {
	listener    net.Listener
	addr        string
	captures    chan model.Capture
	maxLineSize int
	maxLines    int
	slots       chan struct{}
	log         *slog.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	stopOnce    sync.Once
}

// NewServer creates a new TCP server. Default addr is "127.0.0.1:4000".
func NewServer(addr string, conf ...ServerConfig) *Server {
	if addr == "" {
		addr = "127.0.0.1:4000"
	}
	cfg := ServerConfig{
		CaptureChannelSize: DefaultCaptureChannelSize,
		MaxLineSize:        DefaultMaxLineSize,
		MaxConnections:     DefaultMaxConnections,
		MaxCaptureLines:    DefaultMaxCaptureLines,
		Logger:             slog.Default(),
	}
	if len(conf) > 0 {
		c := conf[0]
		if c.CaptureChannelSize > 0 {
			cfg.CaptureChannelSize = c.CaptureChannelSize
		}
		if c.MaxLineSize > 0 {
			cfg.MaxLineSize = c.MaxLineSize
		}
		if c.MaxConnections > 0 {
			cfg.MaxConnections = c.MaxConnections
		}
		if c.MaxCaptureLines > 0 {
			cfg.MaxCaptureLines = c.MaxCaptureLines
		}
		if c.Logger != nil {
			cfg.Logger = c.Logger
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:        addr,
		captures:    make(chan model.Capture, cfg.CaptureChannelSize),
		maxLineSize: cfg.MaxLineSize,
		maxLines:    cfg.MaxCaptureLines,
		slots:       make(chan struct{}, cfg.MaxConnections),
		log:         cfg.Logger.With("component", "tcp"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start begins accepting TCP connections.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
					continue
				}
			}
			select {
			case s.slots <- struct{}{}:
			default:
				s.log.Warn("rejecting connection, too many open captures", "remote", conn.RemoteAddr().String())
				reject(conn, errors.New("too many connections"))
				continue
			}
			s.wg.Add(1)
			go func() {
				defer func() { <-s.slots }()
				s.handleConnection(conn)
			}()
		}
	}()

	return nil
}

func reject(conn net.Conn, err error) {
	fmt.Fprintf(conn, "ERR %v\n", err)
	conn.Close()
}

// drainAndReject answers a client that is still sending. Unread input would
// make the close reset the connection before the reply is read.
func drainAndReject(conn net.Conn, err error) {
	fmt.Fprintf(conn, "ERR %v\n", err)
	conn.SetReadDeadline(time.Now().Add(drainTimeout))
	io.Copy(io.Discard, io.LimitReader(conn, drainLimit))
	conn.Close()
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	remote := conn.RemoteAddr().String()

	// Unblock the scanner on shutdown.
	stop := context.AfterFunc(s.ctx, func() { conn.Close() })
	defer stop()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, min(64*1024, s.maxLineSize)), s.maxLineSize)

	if !scanner.Scan() {
		s.log.Debug("connection closed before session header", "remote", remote)
		conn.Close()
		return
	}
	session, err := ParseSessionHeader(scanner.Bytes())
	if err != nil {
		s.log.Warn("invalid session header", "remote", remote, "error", err)
		drainAndReject(conn, err)
		return
	}

	var lines []string
	for scanner.Scan() {
		if len(lines) >= s.maxLines {
			s.log.Warn("capture exceeds max lines, dropping connection", "remote", remote, "max_lines", s.maxLines)
			drainAndReject(conn, fmt.Errorf("capture exceeds %d lines", s.maxLines))
			return
		}
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			s.log.Warn("dropped connection, line exceeds max size", "remote", remote, "max_line_size", s.maxLineSize)
			drainAndReject(conn, fmt.Errorf("line exceeds %d bytes", s.maxLineSize))
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		s.log.Warn("scanner error", "remote", remote, "error", err)
		conn.Close()
		return
	}

	capture := model.Capture{Session: session, Lines: lines, Source: "tcp:" + remote}
	select {
	case s.captures <- capture:
		fmt.Fprintf(conn, "OK %d\n", len(lines))
		s.log.Info("capture received", "remote", remote, "agent", string(session.Agent), "lines", len(lines))
	case <-s.ctx.Done():
	}
	conn.Close()
}

// Stop gracefully shuts down the TCP server.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.listener != nil {
			s.listener.Close()
		}
		s.wg.Wait()
		close(s.captures)
	})
	return nil
}

// Captures returns the channel of received captures.
func (s *Server) Captures() <-chan model.Capture {
	return s.captures
}

// Addr returns the active listen address.
// Before Start, it returns the configured address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
