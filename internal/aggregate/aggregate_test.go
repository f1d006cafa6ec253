package aggregate

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/probelog/internal/agents"
	"github.com/tinytelemetry/probelog/internal/model"
)

func pingRecord(t *testing.T, ts uint64, seq int, delay string) *agents.PingRecord {
	t.Helper()
	line := fmt.Sprintf("03-01 10:00:01.000  1 2 I ping.Report: <<< Timestamp: %d ; Time:%d ; Delay:%s >>>", ts, seq, delay)
	r := agents.ParsePing(line)
	require.True(t, r.Valid(), line)
	return r
}

func TestSummarizePing_Empty(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600))
	s := SummarizePing(nil, start)

	assert.Equal(t, uint64(0), s.Total)
	assert.Equal(t, 0.0, s.SuccessRatio)
	assert.Equal(t, 1.0, s.FailedRatio)
	assert.Equal(t, uint64(start.UnixMilli()), s.Timestamp)
}

func TestSummarizePing(t *testing.T) {
	t.Parallel()

	records := []*agents.PingRecord{
		pingRecord(t, 1000, 0, "10"),
		pingRecord(t, 2000, 1, "2000"),
		pingRecord(t, 3001, 2, "12.5"),
		pingRecord(t, 4000, 3, "-"),
	}
	s := SummarizePing(records, time.Now())

	assert.Equal(t, uint64(4), s.Total)
	assert.Equal(t, uint64(2), s.Success)
	assert.Equal(t, s.Total, s.Success+s.Failed)
	assert.Equal(t, 0.5, s.SuccessRatio)
	assert.Equal(t, 1.0, s.SuccessRatio+s.FailedRatio)
	assert.Equal(t, uint64(2500), s.Timestamp, "floor of 10001/4")

	table := s.Table()
	require.NoError(t, table.Validate())
	assert.Equal(t, PingSummaryTable, table.Name)
	assert.Equal(t, PingSummaryColumns, table.ColumnNames())
	assert.Equal(t, 1, table.Rows())
}

func TestSummarizePing_LargeTimestampsDoNotOverflow(t *testing.T) {
	t.Parallel()

	const ts = uint64(1) << 63
	records := []*agents.PingRecord{pingRecord(t, ts, 0, "1"), pingRecord(t, ts+2, 1, "1")}
	assert.Equal(t, ts+1, SummarizePing(records, time.Now()).Timestamp)
}

func iperfLine(tag, report string) string {
	return fmt.Sprintf("03-01 10:00:03.000  1 2 I %s: <<< Timestamp: 1772359203000 ; Output: %s >>>", tag, report)
}

func streamLine(id int, jitter float64, lost, sent int) string {
	return iperfLine("iperf.Server", fmt.Sprintf("[  %d]  0.0- 1.0 sec  1.25 MBytes  10.5 Mbits/sec  %.3f ms  %d/ %d (%.2g%%)",
		id, jitter, lost, sent, float64(lost)/float64(sent)*100))
}

var sumLine = iperfLine("iperf.Server", "[SUM]  0.0- 1.0 sec  5.00 MBytes  42.0 Mbits/sec")

func TestReconcileThroughput_SingleStream(t *testing.T) {
	t.Parallel()

	banner := iperfLine("iperf.Client", "Client connecting to 10.0.0.1, TCP port 5001")
	single := iperfLine("iperf.Client", "[  3]  0.0- 1.0 sec  1.25 MBytes  10.5 Mbits/sec")
	lines := []string{banner, single, sumLine, "03-01 10:00:03.000  1 2 I other: noise"}

	got := ReconcileThroughput(lines, Throughput{Parallel: 1})
	assert.Equal(t, []string{single}, got)
}

func TestReconcileThroughput_ParallelKeepsSum(t *testing.T) {
	t.Parallel()

	lines := []string{streamLine(3, 0.1, 1, 100), streamLine(4, 0.2, 1, 100), sumLine}
	got := ReconcileThroughput(lines, Throughput{Parallel: 2, UDP: true, Role: model.RoleClient})
	assert.Equal(t, []string{sumLine}, got)
}

func TestReconcileThroughput_ParallelUDPServerMergesStreams(t *testing.T) {
	t.Parallel()

	jitters := []float64{0.1, 0.2, 0.3, 0.4}
	lost := []int{1, 2, 3, 4}
	sent := []int{100, 100, 100, 100}

	var lines []string
	var sumJitter float64
	var totalLost, totalSent int
	for i := range jitters {
		lines = append(lines, streamLine(i+3, jitters[i], lost[i], sent[i]))
		sumJitter += jitters[i]
		totalLost += lost[i]
		totalSent += sent[i]
	}
	lines = append(lines, sumLine)
	// A trailing group without SUM line is dropped.
	lines = append(lines, streamLine(3, 9.9, 50, 100))

	got := ReconcileThroughput(lines, Throughput{Parallel: 4, UDP: true, Role: model.RoleServer})
	require.Len(t, got, 1)

	r := agents.ParseThroughput(got[0])
	require.True(t, r.Valid(), got[0])
	assert.True(t, r.IsSum())
	assert.InDelta(t, sumJitter/float64(len(jitters)), r.Jitter.V, 1e-9)
	assert.Equal(t, uint64(totalLost), r.Lost.V)
	assert.Equal(t, uint64(totalSent), r.Sent.V)
	assert.InDelta(t, float64(totalLost)/float64(totalSent), r.PacketLoss.V, 1e-12)
	assert.Equal(t, 42.0, r.ThroughputMbps)
}

func TestReconcileThroughput_AccumulatorsResetPerSum(t *testing.T) {
	t.Parallel()

	lines := []string{
		streamLine(3, 1.0, 10, 100), sumLine,
		streamLine(3, 3.0, 0, 50), sumLine,
	}
	got := ReconcileThroughput(lines, Throughput{Parallel: 2, UDP: true, Role: model.RoleServer})
	require.Len(t, got, 2)

	second := agents.ParseThroughput(got[1])
	require.True(t, second.Valid())
	assert.Equal(t, 3.0, second.Jitter.V)
	assert.Equal(t, uint64(0), second.Lost.V)
	assert.Equal(t, uint64(50), second.Sent.V)
}

func TestReconcileThroughput_SumWithoutStreams(t *testing.T) {
	t.Parallel()

	got := ReconcileThroughput([]string{sumLine}, Throughput{Parallel: 2, UDP: true, Role: model.RoleServer})
	require.Len(t, got, 1)
	r := agents.ParseThroughput(got[0])
	require.True(t, r.Valid())
	assert.Equal(t, 0.0, r.Jitter.V)
	assert.Equal(t, 0.0, r.PacketLoss.V)
}

func TestReconcileThroughput_ReplacesExistingUDPSummary(t *testing.T) {
	t.Parallel()

	wrongSum := iperfLine("iperf.Server", "[SUM]  0.0- 1.0 sec  5.00 MBytes  42.0 Mbits/sec  0.000 ms  0/ 0 (0%)")
	lines := []string{streamLine(3, 0.5, 5, 100), wrongSum}
	got := ReconcileThroughput(lines, Throughput{Parallel: 2, UDP: true, Role: model.RoleServer})
	require.Len(t, got, 1)

	r := agents.ParseThroughput(got[0])
	require.True(t, r.Valid())
	assert.Equal(t, 0.5, r.Jitter.V)
	assert.Equal(t, uint64(100), r.Sent.V)
}

var playback = agents.NewPlaybackGrammar(agents.WithLocation(time.UTC))

func point(t *testing.T, ms int, label string) *agents.PlaybackRecord {
	t.Helper()
	ts := time.UnixMilli(int64(ms)).UTC().Format("2006-01-02T15:04:05.000")
	r := playback.ParsePlayback(fmt.Sprintf("03-01 10:00:04.000  1 2 I TriangleInstr: %s\tCo\tPlayback\t%s", ts, label))
	require.True(t, r.Valid(), label)
	return r
}

const (
	startLabel = "Media File Playback - Start"
	endLabel   = "Media File Playback - First Picture"
)

func TestDelayPair(t *testing.T) {
	t.Parallel()

	pair := DefaultDelayPairs[0]
	t0, t1 := 1772359200000, 1772359201501
	delays := pair.Pair([]*agents.PlaybackRecord{point(t, t0, startLabel), point(t, t1, endLabel)})

	require.Len(t, delays, 1)
	assert.Equal(t, uint64(t0+t1)/2, delays[0].Timestamp)
	assert.Equal(t, float64(t1-t0)/1000.0, delays[0].Seconds)
}

func TestDelayPair_EndWithoutStart(t *testing.T) {
	t.Parallel()

	delays := DefaultDelayPairs[0].Pair([]*agents.PlaybackRecord{point(t, 1000, endLabel)})
	assert.Empty(t, delays)
}

func TestDelayPair_SecondStartReplacesFirst(t *testing.T) {
	t.Parallel()

	points := []*agents.PlaybackRecord{
		point(t, 1000, startLabel),
		point(t, 2000, startLabel),
		point(t, 2600, endLabel),
		point(t, 2700, endLabel),
	}
	delays := DefaultDelayPairs[0].Pair(points)
	require.Len(t, delays, 1)
	assert.Equal(t, 0.6, delays[0].Seconds)
	assert.Equal(t, uint64(2300), delays[0].Timestamp)
}

func TestPairDelays_OneTablePerObservedPair(t *testing.T) {
	t.Parallel()

	points := []*agents.PlaybackRecord{
		point(t, 1000, "App Initialization Start - Login Not Required"),
		point(t, 4000, "App Started"),
		point(t, 5000, endLabel),
	}
	tables := PairDelays(points, DefaultDelayPairs)
	require.Len(t, tables, 1)
	assert.Equal(t, "Open the AUT", tables[0].Name)
	assert.Equal(t, DelayColumns, tables[0].ColumnNames())
	require.NoError(t, tables[0].Validate())

	delay, _ := tables[0].Column("Delay")
	assert.Equal(t, model.Float(3), delay.Values[0])
}

func TestMidpoint(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint64(2), midpoint(1, 4))
	assert.Equal(t, uint64(3), midpoint(3, 3))
	assert.Equal(t, ^uint64(0), midpoint(^uint64(0), ^uint64(0)))
}
