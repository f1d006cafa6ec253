package duckdb

import "github.com/tinytelemetry/probelog/internal/model"

// Aliases so read surfaces can depend on duckdb alone.
type (
	RunWriter     = model.RunWriter
	RunQuerier    = model.RunQuerier
	SchemaQuerier = model.SchemaQuerier
	ReadAPI       = model.ReadAPI
)

var (
	_ model.ReadAPI   = (*Store)(nil)
	_ model.RunWriter = (*Store)(nil)
	_ model.RunSink   = (*RunBuffer)(nil)
)
