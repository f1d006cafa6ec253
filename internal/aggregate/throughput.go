package aggregate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tinytelemetry/probelog/internal/agents"
	"github.com/tinytelemetry/probelog/internal/model"
)

// Throughput describes how the iPerf run was started.
type Throughput struct {
	Parallel int
	UDP      bool
	Role     model.Role
}

// mergesUDP reports whether per-stream UDP figures must be summed by hand:
// the iPerf server prints SUM lines without jitter and loss.
func (t Throughput) mergesUDP() bool {
	return t.UDP && t.Parallel > 1 && t.Role == model.RoleServer
}

// udpSuffix matches a UDP summary already present before the closing marker.
var udpSuffix = regexp.MustCompile(`\s*\d+(?:[.,]\d+)?\s*ms\s*\d+\s*/\s*\d+\s*\(\s*[0-9.,eE+-]+\s*%\)\s*$`)

// ReconcileThroughput selects the lines that carry the run's result. With one
// stream only per-stream reports are kept; with several only SUM reports are
// kept. For a parallel UDP server the per-stream jitter, lost and sent figures
// between two SUM lines are merged and written into the SUM line. Streams
// after the last SUM line produce nothing.
func ReconcileThroughput(lines []string, opts Throughput) []string {
	if !opts.mergesUDP() {
		parallel := opts.Parallel > 1
		out := make([]string, 0, len(lines))
		for _, line := range lines {
			if !agents.IsThroughputReport(line) {
				continue
			}
			if agents.IsSumReport(line) == parallel {
				out = append(out, line)
			}
		}
		return out
	}

	var acc udpAccumulator
	out := make([]string, 0, len(lines)/max(opts.Parallel, 1)+1)
	for _, line := range lines {
		if !agents.IsThroughputReport(line) {
			continue
		}
		if !agents.IsSumReport(line) {
			acc.add(agents.ParseThroughput(line))
			continue
		}
		out = append(out, acc.splice(line))
		acc = udpAccumulator{}
	}
	return out
}

type udpAccumulator struct {
	jitter float64
	count  int
	lost   uint64
	sent   uint64
}

func (a *udpAccumulator) add(r *agents.ThroughputRecord) {
	if !r.Valid() {
		return
	}
	if j, ok := r.Jitter.Get(); ok {
		a.jitter += j
		a.count++
	}
	if lost, ok := r.Lost.Get(); ok {
		a.lost += lost
	}
	if sent, ok := r.Sent.Get(); ok {
		a.sent += sent
	}
}

// MeanJitter is 0 when no stream reported jitter.
func (a *udpAccumulator) MeanJitter() float64 {
	if a.count == 0 {
		return 0
	}
	return a.jitter / float64(a.count)
}

// PacketLoss is lost/sent, or 0 when nothing was sent.
func (a *udpAccumulator) PacketLoss() float64 {
	if a.sent == 0 {
		return 0
	}
	return float64(a.lost) / float64(a.sent)
}

// splice writes " <jitter> ms <lost>/<sent> (<loss>%)" in front of the last
// ">>>" of line, replacing any UDP summary already there.
func (a *udpAccumulator) splice(line string) string {
	end := strings.LastIndex(line, ">>>")
	if end < 0 {
		return line
	}
	head := udpSuffix.ReplaceAllString(strings.TrimRight(line[:end], " "), "")
	return fmt.Sprintf("%s %s ms %d/%d (%s%%) %s",
		head, formatFloat(a.MeanJitter()), a.lost, a.sent, formatFloat(a.PacketLoss()), line[end:])
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
