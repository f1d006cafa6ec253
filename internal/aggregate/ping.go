// Package aggregate holds the per-agent post-processing that runs over
// parsed records: ping summaries, iPerf stream reconciliation and playback
// delay pairing.
package aggregate

import (
	"math/big"
	"time"

	"github.com/tinytelemetry/probelog/internal/agents"
	"github.com/tinytelemetry/probelog/internal/model"
	"github.com/tinytelemetry/probelog/internal/timestamp"
)

const PingSummaryTable = "ADB Ping Agent Aggregated"

// PingSummaryColumns is the schema of the ping summary table.
var PingSummaryColumns = []string{agents.TimestampColumn, "Total", "Success", "Failed", "Success Ratio", "Failed Ratio"}

// PingSummary is the success ratio of one run.
type PingSummary struct {
	Timestamp    uint64
	Total        uint64
	Success      uint64
	Failed       uint64
	SuccessRatio float64
	FailedRatio  float64
}

// SummarizePing counts replies over the retained records. The timestamp is
// the floor mean of the record timestamps, or windowStart in epoch
// milliseconds when there are none.
func SummarizePing(records []*agents.PingRecord, windowStart time.Time) PingSummary {
	s := PingSummary{Total: uint64(len(records))}
	if s.Total == 0 {
		s.Timestamp = timestamp.EpochMillis(windowStart)
		s.FailedRatio = 1
		return s
	}

	// Epoch-millisecond sums overflow uint64 after a few million records.
	sum := new(big.Int)
	for _, r := range records {
		sum.Add(sum, new(big.Int).SetUint64(r.Timestamp()))
		if r.Success {
			s.Success++
		}
	}
	s.Timestamp = sum.Div(sum, new(big.Int).SetUint64(s.Total)).Uint64()
	s.Failed = s.Total - s.Success
	s.SuccessRatio = float64(s.Success) / float64(s.Total)
	s.FailedRatio = 1 - s.SuccessRatio
	return s
}

// Table renders the summary as its single-row table.
func (s PingSummary) Table() model.Table {
	values := []model.Value{
		model.Uint(s.Timestamp),
		model.Uint(s.Total),
		model.Uint(s.Success),
		model.Uint(s.Failed),
		model.Float(s.SuccessRatio),
		model.Float(s.FailedRatio),
	}
	columns := make([]model.Column, len(PingSummaryColumns))
	for i, name := range PingSummaryColumns {
		columns[i] = model.Column{Name: name, Values: []model.Value{values[i]}}
	}
	return model.Table{Name: PingSummaryTable, Columns: columns}
}
