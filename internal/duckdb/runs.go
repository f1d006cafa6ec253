package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tinytelemetry/probelog/internal/model"
)

// cell is the column-per-kind storage form of a model.Value.
type cell struct {
	kind   string
	double sql.NullFloat64
	int    sql.NullInt64
	text   sql.NullString
	bool   sql.NullBool
}

func encodeValue(v model.Value) cell {
	c := cell{kind: v.Kind().String()}
	switch v.Kind() {
	case model.KindBool:
		c.bool = sql.NullBool{Bool: v.BoolValue(), Valid: true}
	case model.KindInt:
		c.int = sql.NullInt64{Int64: v.IntValue(), Valid: true}
	case model.KindUint:
		if u := v.UintValue(); u > math.MaxInt64 {
			c.text = sql.NullString{String: strconv.FormatUint(u, 10), Valid: true}
		} else {
			c.int = sql.NullInt64{Int64: int64(u), Valid: true}
		}
	case model.KindFloat:
		c.double = sql.NullFloat64{Float64: v.FloatValue(), Valid: true}
	case model.KindString:
		c.text = sql.NullString{String: v.TextValue(), Valid: true}
	}
	return c
}

func (c cell) decode() (model.Value, error) {
	kind, err := model.ParseKind(c.kind)
	if err != nil {
		return model.Null(), err
	}
	switch kind {
	case model.KindBool:
		return model.Bool(c.bool.Bool), nil
	case model.KindInt:
		return model.Int(c.int.Int64), nil
	case model.KindUint:
		if c.text.Valid {
			u, err := strconv.ParseUint(c.text.String, 10, 64)
			if err != nil {
				return model.Null(), fmt.Errorf("decoding uint cell: %w", err)
			}
			return model.Uint(u), nil
		}
		return model.Uint(uint64(c.int.Int64)), nil
	case model.KindFloat:
		return model.Float(c.double.Float64), nil
	case model.KindString:
		return model.Text(c.text.String), nil
	}
	return model.Null(), nil
}

// InsertRun stores a run and all of its tables in a single transaction.
func (s *Store) InsertRun(run *model.Run) error {
	if run == nil {
		return nil
	}
	for _, t := range run.Tables {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("run %s: %w", run.ID, err)
		}
	}

	ctx, cancel := s.queryCtx()
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	st := run.Stats
	if _, err := tx.ExecContext(ctx, `INSERT INTO runs
		(id, agent, device, source, start_time, window_start, created_at, lines, retained, stale, foreign_lines, malformed, warned)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Agent), run.Device, run.Source,
		run.Start.UTC(), run.WindowStart.UTC(), createdAt.UTC(),
		st.Lines, st.Retained, st.Stale, st.Foreign, st.Malformed, st.Warned,
	); err != nil {
		return fmt.Errorf("run insert: %w", err)
	}

	if err := insertTables(ctx, tx, run); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func insertTables(ctx context.Context, tx *sql.Tx, run *model.Run) error {
	tableStmt, err := tx.PrepareContext(ctx, `INSERT INTO result_tables (run_id, table_idx, name, row_count) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer tableStmt.Close()

	columnStmt, err := tx.PrepareContext(ctx, `INSERT INTO result_columns (run_id, table_idx, column_idx, name) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer columnStmt.Close()

	valueStmt, err := tx.PrepareContext(ctx, `INSERT INTO result_values
		(run_id, table_idx, column_idx, row_idx, kind, value_double, value_int, value_text, value_bool)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer valueStmt.Close()

	for ti, t := range run.Tables {
		if _, err := tableStmt.ExecContext(ctx, run.ID, ti, t.Name, t.Rows()); err != nil {
			return fmt.Errorf("table %q insert: %w", t.Name, err)
		}
		for ci, col := range t.Columns {
			if _, err := columnStmt.ExecContext(ctx, run.ID, ti, ci, col.Name); err != nil {
				return fmt.Errorf("column %q insert: %w", col.Name, err)
			}
			for ri, v := range col.Values {
				if v.IsNull() {
					continue
				}
				c := encodeValue(v)
				if _, err := valueStmt.ExecContext(ctx, run.ID, ti, ci, ri, c.kind, c.double, c.int, c.text, c.bool); err != nil {
					return fmt.Errorf("value insert (%s/%s/%d): %w", t.Name, col.Name, ri, err)
				}
			}
		}
	}
	return nil
}

const runColumns = `id, agent, device, source, start_time, window_start, created_at,
	lines, retained, stale, foreign_lines, malformed, warned`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunSummary(row rowScanner) (model.RunSummary, error) {
	var (
		r     model.RunSummary
		agent string
	)
	err := row.Scan(&r.ID, &agent, &r.Device, &r.Source, &r.Start, &r.WindowStart, &r.CreatedAt,
		&r.Stats.Lines, &r.Stats.Retained, &r.Stats.Stale, &r.Stats.Foreign, &r.Stats.Malformed, &r.Stats.Warned)
	r.Agent = model.Agent(agent)
	r.Start = r.Start.UTC()
	r.WindowStart = r.WindowStart.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	return r, err
}

// LoadRun reads one run with every table, column and cell.
func (s *Store) LoadRun(id string) (*model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	summary, err := scanRunSummary(s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	run := &model.Run{
		ID:          summary.ID,
		Agent:       summary.Agent,
		Device:      summary.Device,
		Source:      summary.Source,
		Start:       summary.Start,
		WindowStart: summary.WindowStart,
		CreatedAt:   summary.CreatedAt,
		Stats:       summary.Stats,
	}
	if run.Tables, err = s.loadTables(ctx, id); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *Store) loadTables(ctx context.Context, runID string) ([]model.Table, error) {
	summaries, err := s.tableSummaries(ctx, []string{runID})
	if err != nil {
		return nil, err
	}
	tables := make([]model.Table, len(summaries[runID]))
	for ti, ts := range summaries[runID] {
		cols := make([]model.Column, len(ts.Columns))
		for ci, name := range ts.Columns {
			cols[ci] = model.Column{Name: name, Values: make([]model.Value, ts.Rows)}
		}
		tables[ti] = model.Table{Name: ts.Name, Columns: cols}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT table_idx, column_idx, row_idx, kind, value_double, value_int, value_text, value_bool
		FROM result_values WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ti, ci, ri int
			c          cell
		)
		if err := rows.Scan(&ti, &ci, &ri, &c.kind, &c.double, &c.int, &c.text, &c.bool); err != nil {
			return nil, err
		}
		if ti >= len(tables) || ci >= len(tables[ti].Columns) || ri >= len(tables[ti].Columns[ci].Values) {
			return nil, fmt.Errorf("run %s: cell (%d, %d, %d) outside stored table shape", runID, ti, ci, ri)
		}
		v, err := c.decode()
		if err != nil {
			return nil, err
		}
		tables[ti].Columns[ci].Values[ri] = v
	}
	return tables, rows.Err()
}

// tableSummaries returns the table shapes of the given runs, in table order.
func (s *Store) tableSummaries(ctx context.Context, runIDs []string) (map[string][]model.TableSummary, error) {
	out := make(map[string][]model.TableSummary, len(runIDs))
	if len(runIDs) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(runIDs)), ", ")
	args := make([]any, len(runIDs))
	for i, id := range runIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `SELECT t.run_id, t.table_idx, t.name, t.row_count, c.name
		FROM result_tables t
		LEFT JOIN result_columns c ON c.run_id = t.run_id AND c.table_idx = t.table_idx
		WHERE t.run_id IN (`+placeholders+`)
		ORDER BY t.run_id, t.table_idx, c.column_idx`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			runID, name string
			idx, count  int
			column      sql.NullString
		)
		if err := rows.Scan(&runID, &idx, &name, &count, &column); err != nil {
			return nil, err
		}
		tables := out[runID]
		if len(tables) <= idx {
			tables = append(tables, model.TableSummary{Name: name, Rows: count})
		}
		if column.Valid {
			tables[idx].Columns = append(tables[idx].Columns, column.String)
		}
		out[runID] = tables
	}
	return out, rows.Err()
}

// ListRuns returns run summaries, newest first.
func (s *Store) ListRuns(filter model.RunFilter) ([]model.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	var (
		conditions []string
		args       []any
	)
	if filter.Agent != "" {
		conditions = append(conditions, "agent = ?")
		args = append(args, string(filter.Agent))
	}
	if filter.Device != "" {
		conditions = append(conditions, "device = ?")
		args = append(args, filter.Device)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := "SELECT " + runColumns + " FROM runs"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		runs []model.RunSummary
		ids  []string
	)
	for rows.Next() {
		r, err := scanRunSummary(rows)
		if err != nil {
			s.log.Warn("scan error", "query", "ListRuns", "error", err)
			continue
		}
		runs = append(runs, r)
		ids = append(ids, r.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tables, err := s.tableSummaries(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range runs {
		runs[i].Tables = tables[runs[i].ID]
	}
	return runs, nil
}

// TotalRunCount returns the number of stored runs.
func (s *Store) TotalRunCount() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&count)
	return count, err
}

// DeleteRunsBefore removes runs created before cutoff together with their
// tables and returns the number of runs deleted.
func (s *Store) DeleteRunsBefore(cutoff time.Time) (int64, error) {
	ctx, cancel := s.queryCtx()
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	const expired = "SELECT id FROM runs WHERE created_at < ?"
	for _, table := range []string{"result_values", "result_columns", "result_tables"} {
		// Table names are constants.
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE run_id IN ("+expired+")", cutoff.UTC()); err != nil {
			return 0, fmt.Errorf("deleting from %s: %w", table, err)
		}
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM runs WHERE created_at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}
