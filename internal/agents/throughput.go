package agents

import (
	"regexp"
	"strings"

	"github.com/tinytelemetry/probelog/internal/logparse"
	"github.com/tinytelemetry/probelog/internal/model"
)

const (
	IPerfClientTag   = "iperf.Client"
	IPerfServerTag   = "iperf.Server"
	IPerfClientTable = "ADB iPerf Agent Client"
	IPerfServerTable = "ADB iPerf Agent Server"

	// SumStream is the stream id iPerf prints on aggregate lines.
	SumStream = "SUM"
)

// ThroughputColumns is the published iPerf schema. Records also answer the
// unpublished ThroughputDetailColumns.
var ThroughputColumns = []string{TimestampColumn, "Throughput (Mbps)", "Jitter (ms)", "Packet Loss (%)"}

var ThroughputDetailColumns = []string{"Stream", "Interval Start (s)", "Interval End (s)", "Transfer (MBytes)", "Lost", "Sent"}

const iperfTagPattern = `iperf\.(?:Client|Server)`

var (
	iperfLine = newLineMatcher(iperfTagPattern, `.*<<< Timestamp: *`+logparse.Int+` *; *Output: (.*) >>>`)

	// [  3]  0.0- 1.0 sec  1.25 MBytes  10.5 Mbits/sec  0.021 ms    0/  893 (0%)
	iperfReport = regexp.MustCompile(`^\s*\[\s*([^\]]*?)\s*\]\s*` + logparse.Float + `\s*-\s*` + logparse.Float +
		`\s*sec\s*` + logparse.Float + `\s*([KMGT]?)Bytes\s*` + logparse.Float + `\s*([KMGT]?)bits/sec(.*)$`)

	// iPerf2 may print tiny losses in exponent form, e.g. (6.8e-05%).
	iperfUDP = regexp.MustCompile(`^\s*` + logparse.Float + `\s*ms\s*` + logparse.Int + `\s*/\s*` + logparse.Int +
		`\s*\(\s*([0-9.,eE+-]+)\s*%\)`)
)

// ThroughputRecord is one iPerf interval or summary report.
type ThroughputRecord struct {
	header
	Stream         string
	IntervalStart  float64
	IntervalEnd    float64
	TransferMB     float64
	ThroughputMbps float64
	Jitter         logparse.Maybe[float64]
	Lost           logparse.Maybe[uint64]
	Sent           logparse.Maybe[uint64]
	PacketLoss     logparse.Maybe[float64]
}

func (r *ThroughputRecord) Agent() model.Agent { return model.AgentIPerf }

// IsSum reports whether the record aggregates all parallel streams.
func (r *ThroughputRecord) IsSum() bool { return r.Stream == SumStream }

func optUint(m logparse.Maybe[uint64]) model.Value {
	if !m.OK {
		return model.Null()
	}
	return model.Uint(m.V)
}

func (r *ThroughputRecord) Value(column string) (model.Value, error) {
	switch column {
	case TimestampColumn:
		return model.Uint(r.timestamp), nil
	case "Throughput (Mbps)":
		return model.Float(r.ThroughputMbps), nil
	case "Jitter (ms)":
		return model.OptFloat(r.Jitter.Get()), nil
	case "Packet Loss (%)":
		return model.OptFloat(r.PacketLoss.Get()), nil
	case "Stream":
		return model.Text(r.Stream), nil
	case "Interval Start (s)":
		return model.Float(r.IntervalStart), nil
	case "Interval End (s)":
		return model.Float(r.IntervalEnd), nil
	case "Transfer (MBytes)":
		return model.Float(r.TransferMB), nil
	case "Lost":
		return optUint(r.Lost), nil
	case "Sent":
		return optUint(r.Sent), nil
	}
	return model.Null(), unknownColumn(model.AgentIPerf, column)
}

// ThroughputGrammar parses iperf.Client or iperf.Server lines.
type ThroughputGrammar struct {
	Role model.Role
}

func (g ThroughputGrammar) Agent() model.Agent { return model.AgentIPerf }

func (g ThroughputGrammar) Tag() string {
	if g.Role == model.RoleServer {
		return IPerfServerTag
	}
	return IPerfClientTag
}

func (g ThroughputGrammar) Table() string {
	if g.Role == model.RoleServer {
		return IPerfServerTable
	}
	return IPerfClientTable
}

func (ThroughputGrammar) Columns() []string { return ThroughputColumns }

func (ThroughputGrammar) Parse(line string) Record {
	return ParseThroughput(line)
}

// reportFields returns the report submatches of an iPerf line, or nil.
func reportFields(line string) []string {
	m := iperfLine.full.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	return iperfReport.FindStringSubmatch(m[3])
}

// IsThroughputReport reports whether line is an iPerf interval or summary
// report, as opposed to banners, headers, or other agents' lines.
func IsThroughputReport(line string) bool {
	return reportFields(line) != nil
}

// IsSumReport reports whether line is the aggregate report across streams.
func IsSumReport(line string) bool {
	report := reportFields(line)
	return report != nil && report[1] == SumStream
}

var (
	transferScale = map[string]float64{"": 1.0 / (1024 * 1024), "K": 1.0 / 1024, "M": 1, "G": 1024, "T": 1024 * 1024}
	rateScale     = map[string]float64{"": 1e-6, "K": 1e-3, "M": 1, "G": 1e3, "T": 1e6}
)

// ParseThroughput decodes one iPerf report line. Transfer is normalized to
// MBytes and throughput to Mbit/s.
func ParseThroughput(line string) *ThroughputRecord {
	h, m := iperfLine.match(line)
	r := &ThroughputRecord{header: h}
	if m == nil {
		return r
	}
	ts, err := logparse.ParseUint(m[2])
	if err != nil {
		return r
	}
	rep := iperfReport.FindStringSubmatch(m[3])
	if rep == nil {
		return r
	}

	nums := make([]float64, 0, 4)
	for _, idx := range []int{2, 3, 4, 6} {
		f, err := logparse.ParseFloat(rep[idx])
		if err != nil {
			return r
		}
		nums = append(nums, f)
	}

	r.timestamp = ts
	r.Stream = strings.TrimSpace(rep[1])
	r.IntervalStart = nums[0]
	r.IntervalEnd = nums[1]
	r.TransferMB = nums[2] * transferScale[rep[5]]
	r.ThroughputMbps = nums[3] * rateScale[rep[7]]

	if udp := iperfUDP.FindStringSubmatch(rep[8]); udp != nil {
		lost, lerr := logparse.ParseUint(udp[2])
		sent, serr := logparse.ParseUint(udp[3])
		r.Jitter = logparse.MaybeFloat(udp[1])
		if lerr == nil && serr == nil {
			r.Lost = logparse.Some(lost)
			r.Sent = logparse.Some(sent)
		}
		r.PacketLoss = logparse.MaybeFloat(udp[4])
	}
	r.valid = true
	return r
}
