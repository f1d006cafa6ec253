package aggregate

import (
	"github.com/tinytelemetry/probelog/internal/agents"
	"github.com/tinytelemetry/probelog/internal/model"
)

// DelayPair names a delay measured between two playback measurement points.
type DelayPair struct {
	Name  string `mapstructure:"name" yaml:"name" json:"name"`
	Start string `mapstructure:"start" yaml:"start" json:"start"`
	End   string `mapstructure:"end" yaml:"end" json:"end"`
}

// DefaultDelayPairs are the delays reported for every playback run.
var DefaultDelayPairs = []DelayPair{
	{Name: "Time to load first media frame", Start: "Media File Playback - Start", End: "Media File Playback - First Picture"},
	{Name: "Open the AUT", Start: "App Initialization Start - Login Not Required", End: "App Started"},
}

// DelayColumns is the schema of every delay table.
var DelayColumns = []string{agents.TimestampColumn, "Delay"}

// Delay is one start/end observation.
type Delay struct {
	Timestamp uint64  // midpoint of start and end, epoch ms
	Seconds   float64 // end - start
}

// Pair scans the measurement points once for one pair. A start waits for
// the next end; a second start replaces a waiting one, and an end with
// nothing waiting is ignored.
func (p DelayPair) Pair(points []*agents.PlaybackRecord) []Delay {
	var (
		out     []Delay
		start   uint64
		pending bool
	)
	for _, pt := range points {
		if pt.Kind != agents.MeasurementPoint {
			continue
		}
		switch pt.Label {
		case p.Start:
			start, pending = pt.Timestamp(), true
		case p.End:
			if !pending {
				continue
			}
			end := pt.Timestamp()
			out = append(out, Delay{
				Timestamp: midpoint(start, end),
				Seconds:   float64(int64(end)-int64(start)) / 1000.0,
			})
			pending = false
		}
	}
	return out
}

func midpoint(a, b uint64) uint64 {
	return a/2 + b/2 + (a%2+b%2)/2
}

// PairDelays returns one table per pair that produced at least one delay,
// in pair order. Tables are named after the pair.
func PairDelays(points []*agents.PlaybackRecord, pairs []DelayPair) []model.Table {
	var tables []model.Table
	for _, p := range pairs {
		delays := p.Pair(points)
		if len(delays) == 0 {
			continue
		}
		ts := make([]model.Value, len(delays))
		secs := make([]model.Value, len(delays))
		for i, d := range delays {
			ts[i] = model.Uint(d.Timestamp)
			secs[i] = model.Float(d.Seconds)
		}
		tables = append(tables, model.Table{
			Name: p.Name,
			Columns: []model.Column{
				{Name: DelayColumns[0], Values: ts},
				{Name: DelayColumns[1], Values: secs},
			},
		})
	}
	return tables
}
