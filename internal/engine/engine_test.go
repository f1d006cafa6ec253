package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/probelog/internal/agents"
	"github.com/tinytelemetry/probelog/internal/aggregate"
	"github.com/tinytelemetry/probelog/internal/model"
)

var sessionStart = time.Date(2026, 3, 1, 10, 0, 15, 0, time.UTC)

func newTestEngine() *Engine {
	return New(Config{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Location: time.UTC,
		Now:      func() time.Time { return sessionStart.Add(time.Minute) },
	})
}

func capture(agent model.Agent, lines ...string) model.Capture {
	return model.Capture{
		Session: model.Session{Agent: agent, Device: "emulator-5554", Start: sessionStart},
		Lines:   lines,
		Source:  "test",
	}
}

func pingLine(clock string, seq int, delay string) string {
	return fmt.Sprintf("03-01 %s  1234  1250 I ping.Report: <<< Timestamp: 17723592%02d000 ; Time:%d ; Delay:%s >>>",
		clock, seq, seq, delay)
}

func TestRun_Ping(t *testing.T) {
	t.Parallel()

	c := capture(model.AgentPing,
		pingLine("09:59:59.000", 0, "5"),
		pingLine("10:00:01.000", 1, "23.4"),
		pingLine("10:00:02.000", 2, "timeout"),
		"03-01 10:00:02.500  1234  1250 I ActivityManager: Start proc 1234",
		"03-01 10:00:03.000  1234  1250 I ping.Report: <<< Timestamp: broken >>>",
		"03-01 10:00:03.500  1234  1250 I ping.Report: <<< Timestamp: 12",
	)
	run, err := newTestEngine().Run(c)
	require.NoError(t, err)

	assert.NotEmpty(t, run.ID)
	assert.Equal(t, model.AgentPing, run.Agent)
	assert.Equal(t, sessionStart.Add(-model.DefaultLogcatThreshold), run.WindowStart)
	assert.Equal(t, model.RunStats{Lines: 6, Retained: 2, Stale: 1, Foreign: 1, Malformed: 2, Warned: 1}, run.Stats)

	require.Len(t, run.Tables, 2)
	assert.Equal(t, agents.PingTable, run.Tables[0].Name)
	assert.Equal(t, 2, run.Tables[0].Rows())

	summary, ok := run.Table(aggregate.PingSummaryTable)
	require.True(t, ok)
	success, _ := summary.Column("Success")
	assert.Equal(t, model.Uint(1), success.Values[0])
}

func TestRun_PingWithoutRetainedRecordsStillSummarizes(t *testing.T) {
	t.Parallel()

	run, err := newTestEngine().Run(capture(model.AgentPing, pingLine("09:59:59.000", 0, "5")))
	require.NoError(t, err)

	require.Len(t, run.Tables, 1)
	assert.Equal(t, aggregate.PingSummaryTable, run.Tables[0].Name)
	ts, _ := run.Tables[0].Column(agents.TimestampColumn)
	assert.Equal(t, model.Uint(uint64(run.WindowStart.UnixMilli())), ts.Values[0])
}

func TestRun_ConfiguredThresholdWidensWindow(t *testing.T) {
	t.Parallel()

	e := New(Config{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Location:   time.UTC,
		Thresholds: map[model.Agent]time.Duration{model.AgentPing: 30 * time.Second},
	})
	run, err := e.Run(capture(model.AgentPing, pingLine("09:59:59.000", 0, "5")))
	require.NoError(t, err)
	assert.Equal(t, sessionStart.Add(-30*time.Second), run.WindowStart)
	assert.Equal(t, 1, run.Stats.Retained)

	c := capture(model.AgentPing, pingLine("09:59:59.000", 0, "5"))
	c.Session.Threshold = time.Second
	run, err = e.Run(c)
	require.NoError(t, err)
	assert.Equal(t, 0, run.Stats.Retained)
}

func TestRun_ExplicitZeroThresholdIsKept(t *testing.T) {
	t.Parallel()

	e := New(Config{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Location:   time.UTC,
		Thresholds: map[model.Agent]time.Duration{model.AgentPing: 30 * time.Second},
	})
	c := capture(model.AgentPing,
		pingLine("10:00:10.000", 0, "5"),
		pingLine("10:00:16.000", 1, "5"),
	)
	c.Session.SetThreshold(0)

	run, err := e.Run(c)
	require.NoError(t, err)
	assert.Equal(t, sessionStart, run.WindowStart)
	assert.Equal(t, 1, run.Stats.Retained)
	assert.Equal(t, 1, run.Stats.Stale)
}

func TestRun_LowPriorityLinesAreFiltered(t *testing.T) {
	t.Parallel()

	debug := "03-01 10:00:01.000  1234  1250 D ping.Report: <<< Timestamp: 1772359201000 ; Time:0 ; Delay:1 >>>"
	run, err := newTestEngine().Run(capture(model.AgentPing, debug))
	require.NoError(t, err)
	assert.Equal(t, 0, run.Stats.Retained)
}

func TestRun_ResourcesEmptyProducesNoTables(t *testing.T) {
	t.Parallel()

	run, err := newTestEngine().Run(capture(model.AgentResources, "garbage"))
	require.NoError(t, err)
	assert.Empty(t, run.Tables)
	assert.Equal(t, 1, run.Stats.Foreign)
}

func TestRun_IPerfParallelServerUDP(t *testing.T) {
	t.Parallel()

	out := func(report string) string {
		return "03-01 10:00:03.000  1234  1250 I iperf.Server: <<< Timestamp: 1772359203000 ; Output: " + report + " >>>"
	}
	c := capture(model.AgentIPerf,
		out("[  3]  0.0- 1.0 sec  1.25 MBytes  10.5 Mbits/sec   0.100 ms    1/  100 (1%)"),
		out("[  4]  0.0- 1.0 sec  1.25 MBytes  10.5 Mbits/sec   0.300 ms    3/  100 (3%)"),
		out("[SUM]  0.0- 1.0 sec  2.50 MBytes  21.0 Mbits/sec"),
	)
	c.Session.Parallel = 2
	c.Session.UDP = true
	c.Session.Role = model.RoleServer

	run, err := newTestEngine().Run(c)
	require.NoError(t, err)
	require.Len(t, run.Tables, 1)

	table := run.Tables[0]
	assert.Equal(t, agents.IPerfServerTable, table.Name)
	require.Equal(t, 1, table.Rows())
	jitter, _ := table.Column("Jitter (ms)")
	assert.InDelta(t, 0.2, jitter.Values[0].FloatValue(), 1e-9)
	loss, _ := table.Column("Packet Loss (%)")
	assert.InDelta(t, 0.02, loss.Values[0].FloatValue(), 1e-12)
}

func instrLine(clock string, payload string) string {
	return "03-01 10:00:04.000  1234  1250 I TriangleInstr: 2026-03-01T" + clock + "\t" + payload
}

func TestRun_Exoplayer(t *testing.T) {
	t.Parallel()

	c := capture(model.AgentExoplayer,
		instrLine("10:00:04.000", "Co\tPlayback\tMedia File Playback - Start"),
		instrLine("10:00:05.500", "Co\tPlayback\tMedia File Playback - First Picture"),
		instrLine("10:00:05.600", "Custom\tExoplayerInfo\tVideo Information\t\"video/avc(r:1280x720 f:30.0)\""),
		instrLine("10:00:05.700", "Custom\tExoplayerInfo\tAudio Information\t\"audio/mp4a-latm(c:2 s:44100)\""),
	)
	run, err := newTestEngine().Run(c)
	require.NoError(t, err)

	names := make([]string, 0, len(run.Tables))
	for _, table := range run.Tables {
		require.NoError(t, table.Validate())
		names = append(names, table.Name)
	}
	assert.Equal(t, []string{agents.PlaybackAudioTable, agents.PlaybackVideoTable, aggregate.DefaultDelayPairs[0].Name}, names)

	video, _ := run.Table(agents.PlaybackVideoTable)
	pixels, ok := video.Column("pixel count")
	require.True(t, ok)
	assert.Equal(t, model.Uint(1280*720), pixels.Values[0])

	delays := run.Tables[2]
	delay, _ := delays.Column("Delay")
	assert.Equal(t, model.Float(1.5), delay.Values[0])
}

func TestRun_UnknownAgent(t *testing.T) {
	t.Parallel()

	_, err := newTestEngine().Run(capture(model.Agent("dns")))
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestWindow_RetainsIsExclusive(t *testing.T) {
	t.Parallel()

	w := Window{Start: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	assert.False(t, w.Retains(agents.ParsePing(pingLine("10:00:00.000", 0, "1"))))
	assert.True(t, w.Retains(agents.ParsePing(pingLine("10:00:00.001", 0, "1"))))
	assert.False(t, w.Retains(agents.ParsePing("10:00:01.000 nope")))
}

func TestWindow_RetainsAcrossNewYear(t *testing.T) {
	t.Parallel()

	line := func(stamp string) agents.Record {
		return agents.ParsePing(stamp + "  1234  1250 I ping.Report: <<< Timestamp: 1767225605000 ; Time:0 ; Delay:1 >>>")
	}
	w := Window{Start: time.Date(2025, 12, 31, 23, 59, 50, 0, time.UTC)}

	assert.False(t, w.Retains(line("12-31 23:59:40.000")))
	assert.True(t, w.Retains(line("12-31 23:59:55.000")))
	assert.True(t, w.Retains(line("01-01 00:00:05.000")))
}

func TestRun_UnknownStartKeepsEveryValidRecord(t *testing.T) {
	t.Parallel()

	c := capture(model.AgentPing,
		pingLine("09:00:00.000", 0, "5"),
		pingLine("10:00:01.000", 1, "7"),
	)
	c.Session.Start = time.Time{}
	run, err := newTestEngine().Run(c)
	require.NoError(t, err)

	assert.True(t, run.WindowStart.IsZero())
	assert.Equal(t, 2, run.Stats.Retained)
	assert.Equal(t, 0, run.Stats.Stale)
}

type recordingSink struct {
	mu   sync.Mutex
	runs []*model.Run
	err  error
}

func (s *recordingSink) Publish(run *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return s.err
}

func TestProcessor_ConsumePublishesEveryCapture(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	p := NewProcessor(newTestEngine(), sink, ProcessorConfig{Workers: 3})

	captures := make(chan model.Capture, 8)
	for i := 0; i < 5; i++ {
		captures <- capture(model.AgentPing, pingLine("10:00:01.000", i, "1"))
	}
	captures <- capture(model.Agent("dns"))
	close(captures)

	require.NoError(t, p.Consume(context.Background(), captures))
	assert.Len(t, sink.runs, 5)
}

func TestProcessor_ProcessReturnsSinkError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	p := NewProcessor(newTestEngine(), MultiSink{&recordingSink{}, &recordingSink{err: boom}}, ProcessorConfig{})

	run, err := p.Process(context.Background(), capture(model.AgentPing))
	assert.ErrorIs(t, err, boom)
	assert.NotNil(t, run)
}

func TestProcessor_RejectedCapturesReachCallback(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		rejected []uint64
	)
	p := NewProcessor(newTestEngine(), &recordingSink{}, ProcessorConfig{
		OnRejected: func(c model.Capture, err error) {
			mu.Lock()
			defer mu.Unlock()
			assert.ErrorIs(t, err, ErrUnknownAgent)
			rejected = append(rejected, c.JournalSeq)
		},
	})

	bad := capture(model.Agent("dns"))
	bad.JournalSeq = 7
	_, err := p.Process(context.Background(), bad)
	require.Error(t, err)

	good := capture(model.AgentPing, pingLine("10:00:01.000", 1, "1"))
	good.JournalSeq = 8
	run, err := p.Process(context.Background(), good)
	require.NoError(t, err)

	assert.Equal(t, []uint64{7}, rejected)
	assert.Equal(t, uint64(8), run.JournalSeq)
}
