// Package engine turns a complete logcat capture into result tables.
//
// A run is synchronous and owns its input: grammars are immutable and every
// accumulator lives on the stack of Run, so one Engine may serve many
// goroutines.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tinytelemetry/probelog/internal/aggregate"
	"github.com/tinytelemetry/probelog/internal/agents"
	"github.com/tinytelemetry/probelog/internal/logparse"
	"github.com/tinytelemetry/probelog/internal/model"
	"github.com/tinytelemetry/probelog/internal/results"
)

// ErrUnknownAgent is returned for captures of an agent without a grammar.
var ErrUnknownAgent = errors.New("unknown agent")

// Config holds the engine settings.
type Config struct {
	Logger *slog.Logger
	// Location is the device time zone, used for playback timestamps.
	Location *time.Location
	// DelayPairs defaults to aggregate.DefaultDelayPairs.
	DelayPairs []aggregate.DelayPair
	// MinPriority drops lower-priority logcat lines of the agent tag.
	// Defaults to Info, the level the agents log at.
	MinPriority logparse.Priority
	// Thresholds overrides the per-agent logcat threshold for sessions
	// that carry none.
	Thresholds map[model.Agent]time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine parses captures.
type Engine struct {
	log        *slog.Logger
	location   *time.Location
	delayPairs []aggregate.DelayPair
	minPrio    logparse.Priority
	thresholds map[model.Agent]time.Duration
	now        func() time.Time
}

// New creates an engine.
func New(cfg Config) *Engine {
	e := &Engine{
		log:        cfg.Logger,
		location:   cfg.Location,
		delayPairs: cfg.DelayPairs,
		minPrio:    cfg.MinPriority,
		thresholds: cfg.Thresholds,
		now:        cfg.Now,
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.location == nil {
		e.location = time.Local
	}
	if e.delayPairs == nil {
		e.delayPairs = aggregate.DefaultDelayPairs
	}
	if e.minPrio == logparse.PriorityUnknown {
		e.minPrio = logparse.PriorityInfo
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// run carries the per-capture state.
type run struct {
	log    *slog.Logger
	window Window
	stats  model.RunStats
}

// Run processes one capture. Per-line failures are logged and counted; only
// a schema mismatch (agents.ErrUnknownColumn) fails the run.
func (e *Engine) Run(c model.Capture) (*model.Run, error) {
	s := c.Session
	if th, ok := e.thresholds[s.Agent]; ok && !s.HasThreshold() {
		s.SetThreshold(th)
	}
	s = s.WithDefaults()
	r := &run{
		log:    e.log.With("agent", string(s.Agent), "device", s.Device, "source", c.Source),
		window: Window{Start: s.WindowStart()},
		stats:  model.RunStats{Lines: len(c.Lines)},
	}

	var (
		tables []model.Table
		err    error
	)
	switch s.Agent {
	case model.AgentPing:
		tables, err = e.runPing(r, c.Lines)
	case model.AgentResources:
		tables, err = e.runResources(r, c.Lines)
	case model.AgentIPerf:
		tables, err = e.runThroughput(r, c.Lines, s)
	case model.AgentExoplayer:
		tables, err = e.runPlayback(r, c.Lines)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownAgent, s.Agent)
	}
	if err != nil {
		return nil, fmt.Errorf("%s run: %w", s.Agent, err)
	}

	r.stats.Foreign = r.stats.Lines - r.stats.Retained - r.stats.Stale - r.stats.Malformed
	return &model.Run{
		ID:          uuid.NewString(),
		Agent:       s.Agent,
		Device:      s.Device,
		Source:      c.Source,
		Start:       s.Start,
		WindowStart: r.window.Start,
		CreatedAt:   e.now(),
		JournalSeq:  c.JournalSeq,
		Stats:       r.stats,
		Tables:      tables,
	}, nil
}

// collect parses lines and keeps the records inside the window. Complete but
// malformed lines are warned about; everything else that does not parse is
// only visible at debug level.
func collect[R agents.Record](r *run, table string, lines []string, parse func(string) R) []R {
	if table != "" {
		r.log.Info(fmt.Sprintf("Parsing %s results (starting at %s). Lines: %d",
			table, r.window.Start.Format(time.DateTime), len(lines)))
	}

	var out []R
	stale := 0
	for _, line := range lines {
		rec := parse(line)
		switch {
		case r.window.Retains(rec):
			out = append(out, rec)
		case rec.Valid():
			stale++
		case rec.Recognized():
			r.stats.Malformed++
			if logparse.IsComplete(line) {
				r.stats.Warned++
				r.log.Warn("could not parse line", "line", line)
			} else {
				r.log.Debug("could not parse line", "line", line)
			}
		default:
			r.log.Debug("ignoring foreign line", "line", line)
		}
	}
	r.stats.Retained += len(out)
	r.stats.Stale += stale

	if table != "" {
		if len(out) == 0 {
			r.log.Warn(fmt.Sprintf("No results retrieved, ignored %d results (previous to %s)",
				stale, r.window.Start.Format(time.TimeOnly)), "table", table)
		} else {
			r.log.Info(fmt.Sprintf("Published %d results, %d lines ignored (previous to %s)",
				len(out), stale, r.window.Start.Format(time.TimeOnly)), "table", table)
		}
	}
	return out
}

func (e *Engine) runPing(r *run, lines []string) ([]model.Table, error) {
	g := agents.PingGrammar{}
	records := collect(r, g.Table(), logparse.FilterTag(lines, g.Tag(), e.minPrio), agents.ParsePing)

	var tables []model.Table
	t, ok, err := results.Build(g.Table(), g.Columns(), records)
	if err != nil {
		return nil, err
	}
	if ok {
		tables = append(tables, t)
	}
	summary := aggregate.SummarizePing(records, r.window.Start)
	r.log.Info("ping summary", "total", summary.Total, "success", summary.Success, "ratio", summary.SuccessRatio)
	return append(tables, summary.Table()), nil
}

func (e *Engine) runResources(r *run, lines []string) ([]model.Table, error) {
	g := agents.ResourceGrammar{}
	records := collect(r, g.Table(), logparse.FilterTag(lines, g.Tag(), e.minPrio), agents.ParseResource)

	t, ok, err := results.Build(g.Table(), g.Columns(), records)
	if err != nil || !ok {
		return nil, err
	}
	return []model.Table{t}, nil
}

func (e *Engine) runThroughput(r *run, lines []string, s model.Session) ([]model.Table, error) {
	g := agents.ThroughputGrammar{Role: s.Role}
	selected := aggregate.ReconcileThroughput(logparse.FilterTag(lines, g.Tag(), e.minPrio), aggregate.Throughput{
		Parallel: s.Parallel,
		UDP:      s.UDP,
		Role:     s.Role,
	})
	// Lines dropped by reconciliation are neither stale nor malformed.
	records := collect(r, g.Table(), selected, agents.ParseThroughput)

	t, ok, err := results.Build(g.Table(), g.Columns(), records)
	if err != nil || !ok {
		return nil, err
	}
	return []model.Table{t}, nil
}

func (e *Engine) runPlayback(r *run, lines []string) ([]model.Table, error) {
	g := agents.NewPlaybackGrammar(agents.WithLocation(e.location))
	r.log.Info(fmt.Sprintf("Parsing Exoplayer results (starting at %s). Lines: %d",
		r.window.Start.Format(time.DateTime), len(lines)))
	records := collect(r, "", logparse.FilterTag(lines, g.Tag(), e.minPrio), g.ParsePlayback)
	if len(records) == 0 {
		r.log.Warn(fmt.Sprintf("No results retrieved, ignored %d results (previous to %s)",
			r.stats.Stale, r.window.Start.Format(time.TimeOnly)))
		return nil, nil
	}

	var audio, video, points []*agents.PlaybackRecord
	for _, rec := range records {
		switch rec.Kind {
		case agents.AudioInfo:
			audio = append(audio, rec)
		case agents.VideoInfo:
			video = append(video, rec)
		case agents.MeasurementPoint:
			points = append(points, rec)
		}
	}

	var tables []model.Table
	if t, ok := results.BuildDynamic(agents.PlaybackAudioTable, audio); ok {
		tables = append(tables, t)
	}
	if t, ok := results.BuildDynamic(agents.PlaybackVideoTable, video); ok {
		tables = append(tables, t)
	}
	delays := aggregate.PairDelays(points, e.delayPairs)
	r.log.Info("playback results", "audio", len(audio), "video", len(video), "points", len(points), "delay_tables", len(delays))
	return append(tables, delays...), nil
}
