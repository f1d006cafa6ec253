package duckdb

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// ExportParquet writes every table to dir as Parquet files plus the schema
// and load scripts DuckDB needs to IMPORT DATABASE them again.
func (s *Store) ExportParquet(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating export directory: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.QueryTimeout)
	defer cancel()

	// Block writers so the exported tables agree with each other.
	s.mu.Lock()
	defer s.mu.Unlock()

	stmt := fmt.Sprintf("EXPORT DATABASE '%s' (FORMAT PARQUET)", strings.ReplaceAll(dir, "'", "''"))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("exporting database: %w", err)
	}
	return nil
}
