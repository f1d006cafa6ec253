package model

import "time"

// RunStats counts how the lines of one capture were classified.
type RunStats struct {
	Lines     int `json:"lines"`
	Retained  int `json:"retained"`
	Stale     int `json:"stale"`
	Foreign   int `json:"foreign"`
	Malformed int `json:"malformed"`
	Warned    int `json:"warned"`
}

// Run is the result of processing one capture: its session and the tables it produced.
// It is the canonical type for storage, export, and display.
type Run struct {
	ID          string    `json:"id"`
	Agent       Agent     `json:"agent"`
	Device      string    `json:"device,omitempty"`
	Source      string    `json:"source,omitempty"`
	Start       time.Time `json:"start"`
	WindowStart time.Time `json:"window_start"`
	CreatedAt   time.Time `json:"created_at"`
	Stats       RunStats  `json:"stats"`
	Tables      []Table   `json:"tables"`

	// JournalSeq is copied from the capture; 0 when not journaled.
	JournalSeq uint64 `json:"-"`
}

// Table returns the named table of the run.
func (r *Run) Table(name string) (Table, bool) {
	for _, t := range r.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// TableSummary describes a stored table without its cells.
type TableSummary struct {
	Name    string   `json:"name"`
	Rows    int      `json:"rows"`
	Columns []string `json:"columns"`
}

// RunSummary is the listing shape of a stored run.
type RunSummary struct {
	ID          string         `json:"id"`
	Agent       Agent          `json:"agent"`
	Device      string         `json:"device,omitempty"`
	Source      string         `json:"source,omitempty"`
	Start       time.Time      `json:"start"`
	WindowStart time.Time      `json:"window_start"`
	CreatedAt   time.Time      `json:"created_at"`
	Stats       RunStats       `json:"stats"`
	Tables      []TableSummary `json:"tables,omitempty"`
}

// RunFilter holds optional filters for listing runs.
type RunFilter struct {
	Agent  Agent // empty = all agents
	Device string
	Since  time.Time
	Limit  int
}
