// Package migrate applies the embedded, versioned schema files of the
// result store. Files are named NNN_description.sql and run in version order,
// each in its own transaction.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"slices"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Runner applies migrations to one database.
type Runner struct{ db *sql.DB }

func NewRunner(db *sql.DB) *Runner {
	return &Runner{db: db}
}

// Migration is one schema file.
type Migration struct {
	Version int
	Name    string
	sql     string
}

// Status is the outcome of comparing the database against the embedded files.
type Status struct {
	Current int
	Pending []Migration
}

// Load returns the embedded migrations sorted by version.
func Load() ([]Migration, error) {
	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("reading embedded migrations: %w", err)
	}

	var migs []Migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(e.Name(), "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("parsing version of %s: %w", e.Name(), err)
		}
		body, err := migrations.ReadFile("migrations/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		migs = append(migs, Migration{Version: version, Name: e.Name(), sql: string(body)})
	}

	slices.SortFunc(migs, func(a, b Migration) int { return a.Version - b.Version })
	for i := 1; i < len(migs); i++ {
		if migs[i].Version == migs[i-1].Version {
			return nil, fmt.Errorf("duplicate migration version %d (%s, %s)", migs[i].Version, migs[i-1].Name, migs[i].Name)
		}
	}
	return migs, nil
}

func (r *Runner) bootstrap(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       VARCHAR NOT NULL,
		applied_at TIMESTAMP DEFAULT current_timestamp
	)`)
	return err
}

func (r *Runner) current(ctx context.Context) (int, error) {
	var v sql.NullInt64
	if err := r.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&v); err != nil {
		return 0, err
	}
	return int(v.Int64), nil
}

// Status reports the applied version and the migrations still to run.
func (r *Runner) Status(ctx context.Context) (Status, error) {
	if err := r.bootstrap(ctx); err != nil {
		return Status{}, fmt.Errorf("bootstrap schema_migrations: %w", err)
	}
	current, err := r.current(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("reading applied version: %w", err)
	}
	migs, err := Load()
	if err != nil {
		return Status{}, err
	}

	st := Status{Current: current}
	for _, m := range migs {
		if m.Version > current {
			st.Pending = append(st.Pending, m)
		}
	}
	return st, nil
}

// Run applies all pending migrations and returns how many ran.
func (r *Runner) Run(ctx context.Context) (int, error) {
	st, err := r.Status(ctx)
	if err != nil {
		return 0, err
	}
	for i, m := range st.Pending {
		if err := r.apply(ctx, m); err != nil {
			return i, err
		}
	}
	return len(st.Pending), nil
}

func (r *Runner) apply(ctx context.Context, m Migration) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", m.Name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return fmt.Errorf("executing %s: %w", m.Name, err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version, name) VALUES (?, ?)", m.Version, m.Name); err != nil {
		return fmt.Errorf("recording %s: %w", m.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", m.Name, err)
	}
	return nil
}
