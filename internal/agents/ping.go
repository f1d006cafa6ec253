package agents

import (
	"regexp"

	"github.com/tinytelemetry/probelog/internal/logparse"
	"github.com/tinytelemetry/probelog/internal/model"
)

const (
	PingTag   = "ping.Report"
	PingTable = "ADB Ping Agent"

	// MaxPingDelay is the largest delay in milliseconds still counted as a
	// reply. The agent probes once per second, so anything slower is a loss.
	MaxPingDelay = 1100.0
)

// PingColumns is the published ping schema.
var PingColumns = []string{TimestampColumn, "ICMP Seq", "Success", "Delay (ms)"}

var pingLine = newLineMatcher(regexp.QuoteMeta(PingTag),
	`.*<<< Timestamp: *`+logparse.Int+` *; *Time: *`+logparse.Int+` *; *Delay:(.*?) *>>>`)

// PingRecord is one latency probe.
type PingRecord struct {
	header
	IcmpSeq uint64
	Delay   logparse.Maybe[float64]
	Success bool
}

func (r *PingRecord) Agent() model.Agent { return model.AgentPing }

func (r *PingRecord) Value(column string) (model.Value, error) {
	switch column {
	case TimestampColumn:
		return model.Uint(r.timestamp), nil
	case "ICMP Seq":
		return model.Uint(r.IcmpSeq), nil
	case "Success":
		return model.Bool(r.Success), nil
	case "Delay (ms)":
		return model.OptFloat(r.Delay.Get()), nil
	}
	return model.Null(), unknownColumn(model.AgentPing, column)
}

// PingGrammar parses ping.Report lines:
//
//	03-01 10:00:01.123 ... ping.Report: <<< Timestamp: 1772359201123 ; Time:0 ; Delay:23.4 >>>
type PingGrammar struct{}

func (PingGrammar) Agent() model.Agent { return model.AgentPing }
func (PingGrammar) Tag() string        { return PingTag }
func (PingGrammar) Table() string      { return PingTable }
func (PingGrammar) Columns() []string  { return PingColumns }

func (PingGrammar) Parse(line string) Record {
	return ParsePing(line)
}

// ParsePing decodes one ping line. The agent counts probes from zero; the
// record's sequence number starts at one.
func ParsePing(line string) *PingRecord {
	h, m := pingLine.match(line)
	r := &PingRecord{header: h}
	if m == nil {
		return r
	}
	ts, err := logparse.ParseUint(m[2])
	if err != nil {
		return r
	}
	seq, err := logparse.ParseUint(m[3])
	if err != nil {
		return r
	}
	r.timestamp = ts
	r.IcmpSeq = seq + 1
	r.Delay = logparse.MaybeFloat(m[4])
	if d, ok := r.Delay.Get(); ok && d > MaxPingDelay {
		r.Delay = logparse.None[float64]()
	}
	r.Success = r.Delay.OK
	r.valid = true
	return r
}
