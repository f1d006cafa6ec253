// Package agents holds the line grammars of the on-device measurement agents.
//
// Each grammar turns one logcat line into a Record. A line without the
// agent's date and tag is foreign: Valid and Recognized are both false.
// A line that carries the tag but fails a field parse is Recognized but not
// Valid. Grammars are immutable and safe for concurrent use.
package agents

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/tinytelemetry/probelog/internal/logparse"
	"github.com/tinytelemetry/probelog/internal/model"
	"github.com/tinytelemetry/probelog/internal/timestamp"
)

// ErrUnknownColumn is returned when a record is asked for a column its kind
// does not define.
var ErrUnknownColumn = errors.New("unknown column")

// TimestampColumn leads every table.
const TimestampColumn = "Timestamp"

// Record is one decoded log line.
type Record interface {
	Agent() model.Agent
	// Valid is true when the line was fully decoded.
	Valid() bool
	// Recognized is true when the line carried this agent's date and tag,
	// even if a later field failed to parse.
	Recognized() bool
	// LogTime is the logcat emission time, used only for windowing.
	LogTime() timestamp.LogTime
	// Timestamp is the agent-supplied logical clock.
	Timestamp() uint64
	// Value returns the cell for column, or ErrUnknownColumn.
	Value(column string) (model.Value, error)
}

// Grammar parses the lines of one agent kind.
type Grammar interface {
	Agent() model.Agent
	// Tag is the logcat tag the agent writes under.
	Tag() string
	// Table is the name of the published fixed-schema table.
	Table() string
	// Columns is the published schema; nil for dynamic-key records.
	Columns() []string
	Parse(line string) Record
}

// Extra is one named value of a dynamic-key record.
type Extra struct {
	Key   string
	Value model.Value
}

// Extended is implemented by records that carry a data-driven key set.
type Extended interface {
	Record
	Extras() []Extra
}

type header struct {
	valid      bool
	recognized bool
	logTime    timestamp.LogTime
	timestamp  uint64
}

func (h header) Valid() bool                { return h.valid }
func (h header) Recognized() bool           { return h.recognized }
func (h header) LogTime() timestamp.LogTime { return h.logTime }
func (h header) Timestamp() uint64          { return h.timestamp }

func unknownColumn(agent model.Agent, column string) error {
	return fmt.Errorf("%s record: %w %q", agent, ErrUnknownColumn, column)
}

// lineMatcher splits matching into the recognition step (date + tag) and the
// agent tail, so foreign lines are rejected before the tail is tried.
type lineMatcher struct {
	outer *regexp.Regexp
	full  *regexp.Regexp
}

func newLineMatcher(tagPattern, tail string) lineMatcher {
	prefix := logparse.DateTime + `.*` + tagPattern
	return lineMatcher{
		outer: regexp.MustCompile(prefix),
		full:  regexp.MustCompile(prefix + tail),
	}
}

// match returns the header and the full submatches. m is nil when the line is
// foreign or malformed; h.recognized tells the two apart.
func (lm lineMatcher) match(line string) (h header, m []string) {
	om := lm.outer.FindStringSubmatch(line)
	if om == nil {
		return h, nil
	}
	h.recognized = true
	lt, err := timestamp.ParseLogTime(om[1])
	if err != nil {
		return h, nil
	}
	h.logTime = lt
	m = lm.full.FindStringSubmatch(line)
	return h, m
}

// For returns the grammar of an agent. The role only matters for iPerf.
func For(agent model.Agent, role model.Role, opts ...PlaybackOption) (Grammar, error) {
	switch agent {
	case model.AgentPing:
		return PingGrammar{}, nil
	case model.AgentResources:
		return ResourceGrammar{}, nil
	case model.AgentIPerf:
		return ThroughputGrammar{Role: role}, nil
	case model.AgentExoplayer:
		return NewPlaybackGrammar(opts...), nil
	}
	return nil, fmt.Errorf("no grammar for agent %q", agent)
}
