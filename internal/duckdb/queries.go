package duckdb

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxQueryRows caps the rows returned by ExecuteQuery.
const MaxQueryRows = 1000

// ErrQueryRejected wraps every reason a query is refused before execution.
var ErrQueryRejected = errors.New("query rejected")

// dangerousKeywordPattern matches write and admin keywords at word
// boundaries, so "RESET" does not match "SET".
var dangerousKeywordPattern = regexp.MustCompile(
	`(?i)\b(INSERT|UPDATE|DELETE|DROP|CREATE|ALTER|TRUNCATE|COPY|ATTACH|DETACH|LOAD|EXPORT|IMPORT|INSTALL|CALL|EXECUTE|PRAGMA|SET|CHECKPOINT|VACUUM)\b`,
)

var blockCommentPattern = regexp.MustCompile(`/\*[\s\S]*?\*/`)

// stripSQLComments removes -- line comments and /* */ block comments.
func stripSQLComments(query string) string {
	cleaned := blockCommentPattern.ReplaceAllString(query, " ")
	var b strings.Builder
	for _, line := range strings.Split(cleaned, "\n") {
		if idx := strings.Index(line, "--"); idx >= 0 {
			line = line[:idx]
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// validateReadOnly rejects anything but a single SELECT or WITH statement.
func validateReadOnly(query string) error {
	if strings.Contains(query, ";") {
		return fmt.Errorf("%w: query must not contain semicolons", ErrQueryRejected)
	}
	stripped := strings.TrimSpace(stripSQLComments(query))
	upper := strings.ToUpper(stripped)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return fmt.Errorf("%w: only SELECT/WITH queries are allowed", ErrQueryRejected)
	}
	if match := dangerousKeywordPattern.FindString(stripped); match != "" {
		return fmt.Errorf("%w: disallowed keyword %s", ErrQueryRejected, strings.ToUpper(match))
	}
	return nil
}

// ExecuteQuery runs a read-only SQL query and returns at most MaxQueryRows
// rows as maps.
func (s *Store) ExecuteQuery(query string) ([]map[string]interface{}, error) {
	trimmed := strings.TrimSpace(query)
	if err := validateReadOnly(trimmed); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, trimmed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []map[string]interface{}
	for rows.Next() && len(results) < MaxQueryRows {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			s.log.Warn("scan error", "query", "ExecuteQuery", "error", err)
			continue
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// GetSchemaDescription describes the queryable tables.
func (s *Store) GetSchemaDescription() string {
	return `Table 'runs': id (VARCHAR), agent (VARCHAR: ping/resources/iperf/exoplayer), device (VARCHAR), ` +
		`source (VARCHAR), start_time (TIMESTAMP), window_start (TIMESTAMP), created_at (TIMESTAMP), ` +
		`lines, retained, stale, foreign_lines, malformed, warned (INTEGER). ` +
		`Table 'result_tables': run_id, table_idx, name, row_count. ` +
		`Table 'result_columns': run_id, table_idx, column_idx, name. ` +
		`Table 'result_values': run_id, table_idx, column_idx, row_idx, kind (VARCHAR: bool/int/uint/float/string), ` +
		`value_double (DOUBLE), value_int (BIGINT), value_text (VARCHAR), value_bool (BOOLEAN); ` +
		`absent cells are not stored.`
}

// TableRowCounts returns the row count of each store table.
func (s *Store) TableRowCounts() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	tables := []string{"runs", "result_tables", "result_columns", "result_values"}
	counts := make(map[string]int64, len(tables))
	for _, table := range tables {
		var count int64
		// Table names are constants, not user input.
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			return nil, fmt.Errorf("counting %s: %w", table, err)
		}
		counts[table] = count
	}
	return counts, nil
}
