package engine

import (
	"time"

	"github.com/tinytelemetry/probelog/internal/agents"
)

// Window is the session validity window. Records logged at or before Start
// are leftovers from an earlier run in the same log buffer.
type Window struct {
	Start time.Time
}

// Retains reports whether r is valid and strictly after the window start.
// A zero window keeps every valid record.
func (w Window) Retains(r agents.Record) bool {
	if !r.Valid() {
		return false
	}
	return w.Start.IsZero() || r.LogTime().After(w.Start)
}
