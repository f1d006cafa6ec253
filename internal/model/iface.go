package model

// RunSink receives completed runs from the engine.
type RunSink interface {
	Publish(run *Run) error
}

// RunWriter provides write operations for completed runs.
type RunWriter interface {
	InsertRun(run *Run) error
}

// RunQuerier provides read-only queries on stored runs.
type RunQuerier interface {
	ListRuns(filter RunFilter) ([]RunSummary, error)
	LoadRun(id string) (*Run, error)
	TotalRunCount() (int64, error)
}

// SchemaQuerier provides schema introspection and arbitrary read-only queries.
type SchemaQuerier interface {
	ExecuteQuery(query string) ([]map[string]interface{}, error)
	GetSchemaDescription() string
	TableRowCounts() (map[string]int64, error)
}

// ReadAPI is the unified read contract for read surfaces.
type ReadAPI interface {
	RunQuerier
	SchemaQuerier
}
