package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/tinytelemetry/probelog/internal/duckdb/migrate"
)

// DefaultQueryTimeout bounds every store query unless NewStore is given another.
const DefaultQueryTimeout = 30 * time.Second

// ErrRunNotFound is returned by LoadRun for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

// Store manages the DuckDB database holding runs and their result tables.
type Store struct {
	db           *sql.DB
	mu           sync.RWMutex
	dbPath       string
	log          *slog.Logger
	QueryTimeout time.Duration
}

// NewStore opens or creates a DuckDB database and applies pending migrations.
// If dbPath is empty, an in-memory database is used.
// An optional queryTimeout can be passed; it defaults to 30s.
func NewStore(dbPath string, queryTimeout ...time.Duration) (*Store, error) {
	dsn := ""
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		dsn = dbPath
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening duckdb: %w", err)
	}

	qt := DefaultQueryTimeout
	if len(queryTimeout) > 0 && queryTimeout[0] > 0 {
		qt = queryTimeout[0]
	}

	s := &Store{
		db:           db,
		dbPath:       dbPath,
		log:          slog.Default().With("component", "duckdb"),
		QueryTimeout: qt,
	}

	ctx, cancel := s.queryCtx()
	defer cancel()
	applied, err := migrate.NewRunner(db).Run(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	if applied > 0 {
		s.log.Info("schema migrated", "applied", applied, "path", dbPath)
	}
	return s, nil
}

// SetLogger replaces the store logger.
func (s *Store) SetLogger(l *slog.Logger) {
	if l != nil {
		s.log = l.With("component", "duckdb")
	}
}

// SetMaxConcurrentQueries caps open connections; n <= 0 leaves the pool unbounded.
func (s *Store) SetMaxConcurrentQueries(n int) {
	if n > 0 {
		s.db.SetMaxOpenConns(n)
	}
}

// Path returns the database file, or "" for an in-memory store.
func (s *Store) Path() string { return s.dbPath }

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// queryCtx returns a context with the store's configured query timeout.
func (s *Store) queryCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.QueryTimeout)
}
