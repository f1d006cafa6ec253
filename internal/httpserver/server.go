package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tinytelemetry/probelog/internal/duckdb"
	"github.com/tinytelemetry/probelog/internal/engine"
	"github.com/tinytelemetry/probelog/internal/model"
)

// Submitter processes a capture posted to the API. engine.Processor
// implements it.
type Submitter interface {
	Process(ctx context.Context, c model.Capture) (*model.Run, error)
}

// Server provides the HTTP API over stored runs.
type Server struct {
	addr      string
	store     model.ReadAPI
	submitter Submitter
	log       *slog.Logger
	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server. submitter may be nil, which
// disables POST /api/runs.
func NewServer(addr string, store model.ReadAPI, submitter Submitter, logger *slog.Logger) *Server {
	if addr == "" {
		addr = "127.0.0.1:3000"
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		store:     store,
		submitter: submitter,
		log:       logger.With("component", "http"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/schema", s.handleSchema)
	api.POST("/query", s.handleQuery)
	api.GET("/runs", s.handleListRuns)
	api.POST("/runs", s.handleSubmitRun)
	api.GET("/runs/:id", s.handleGetRun)
	api.GET("/runs/:id/tables/:name", s.handleGetTable)
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.addr = listener.Addr().String()
	s.startTime = time.Now()

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", "error", err)
		}
	}()
	return nil
}

// Addr returns the listen address, resolved once started.
func (s *Server) Addr() string { return s.addr }

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	runCount, err := s.store.TotalRunCount()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read health metrics"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"uptime":    time.Since(s.startTime).String(),
		"run_count": runCount,
	})
}

func (s *Server) handleSchema(c *gin.Context) {
	tables, err := s.store.ExecuteQuery(
		"SELECT table_name, column_name, data_type FROM information_schema.columns WHERE table_schema = 'main' ORDER BY table_name, ordinal_position",
	)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read schema metadata"})
		return
	}

	schema := make(map[string][]map[string]string)
	for _, row := range tables {
		tableName := fmt.Sprintf("%v", row["table_name"])
		schema[tableName] = append(schema[tableName], map[string]string{
			"column": fmt.Sprintf("%v", row["column_name"]),
			"type":   fmt.Sprintf("%v", row["data_type"]),
		})
	}

	counts, err := s.store.TableRowCounts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read table row counts"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"description": s.store.GetSchemaDescription(),
		"tables":      schema,
		"row_counts":  counts,
	})
}

func (s *Server) handleQuery(c *gin.Context) {
	var req struct {
		SQL string `json:"sql" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body or missing sql field"})
		return
	}

	results, err := s.store.ExecuteQuery(req.SQL)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var columns []string
	if len(results) > 0 {
		for col := range results[0] {
			columns = append(columns, col)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"columns":   columns,
		"rows":      results,
		"row_count": len(results),
	})
}

func (s *Server) handleListRuns(c *gin.Context) {
	filter := model.RunFilter{Device: c.Query("device"), Limit: 100}
	if a := c.Query("agent"); a != "" {
		agent, err := model.ParseAgent(a)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filter.Agent = agent
	}
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		filter.Limit = n
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		filter.Since = t
	}

	runs, err := s.store.ListRuns(filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
		return
	}
	if runs == nil {
		runs = []model.RunSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

func (s *Server) loadRun(c *gin.Context) (*model.Run, bool) {
	run, err := s.store.LoadRun(c.Param("id"))
	if errors.Is(err, duckdb.ErrRunNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return nil, false
	}
	if err != nil {
		s.log.Error("load run failed", "run_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load run"})
		return nil, false
	}
	return run, true
}

func (s *Server) handleGetRun(c *gin.Context) {
	if run, ok := s.loadRun(c); ok {
		c.JSON(http.StatusOK, run)
	}
}

func (s *Server) handleGetTable(c *gin.Context) {
	run, ok := s.loadRun(c)
	if !ok {
		return
	}
	table, ok := run.Table(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("run %s has no table %q", run.ID, c.Param("name"))})
		return
	}
	c.JSON(http.StatusOK, table)
}

// submitRequest is the body of POST /api/runs.
type submitRequest struct {
	Agent     string    `json:"agent" binding:"required"`
	Device    string    `json:"device"`
	Start     time.Time `json:"start" binding:"required"`
	Threshold string    `json:"threshold"`
	Parallel  int       `json:"parallel"`
	UDP       bool      `json:"udp"`
	Role      string    `json:"role"`
	Lines     []string  `json:"lines"`
}

func (r submitRequest) capture() (model.Capture, error) {
	agent, err := model.ParseAgent(r.Agent)
	if err != nil {
		return model.Capture{}, err
	}
	s := model.Session{Agent: agent, Device: r.Device, Start: r.Start, Parallel: r.Parallel, UDP: r.UDP}
	if r.Threshold != "" {
		th, err := time.ParseDuration(r.Threshold)
		if err != nil {
			return model.Capture{}, fmt.Errorf("invalid threshold: %w", err)
		}
		if th < 0 {
			return model.Capture{}, fmt.Errorf("invalid threshold %s", th)
		}
		s.SetThreshold(th)
	}
	if r.Role != "" {
		if s.Role, err = model.ParseRole(r.Role); err != nil {
			return model.Capture{}, err
		}
	}
	return model.Capture{Session: s, Lines: r.Lines, Source: "http"}, nil
}

func (s *Server) handleSubmitRun(c *gin.Context) {
	if s.submitter == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "capture submission is disabled"})
		return
	}

	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body or missing agent/start"})
		return
	}
	capture, err := req.capture()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	run, err := s.submitter.Process(c.Request.Context(), capture)
	switch {
	case errors.Is(err, engine.ErrUnknownAgent):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil && run == nil:
		s.log.Error("capture processing failed", "agent", req.Agent, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	case err != nil:
		// Parsed, but the sink refused it.
		s.log.Warn("run not stored", "run_id", run.ID, "error", err)
		c.JSON(http.StatusAccepted, gin.H{"run": run, "error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, run)
}
