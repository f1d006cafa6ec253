package agents

import (
	"regexp"
	"strings"

	"github.com/tinytelemetry/probelog/internal/logparse"
	"github.com/tinytelemetry/probelog/internal/model"
)

const (
	ResourceTag   = "resourceAgent.ResourceAgentTask"
	ResourceTable = "ADB Resource Agent"
)

// ResourceColumns is the published resource monitor schema.
var ResourceColumns = []string{
	TimestampColumn, "Used CPU (%)", "Used RAM (MB)", "Available RAM (MB)", "Total RAM (MB)", "Used RAM (%)",
	"Packets Sent", "Packets Received", "Bytes Sent", "Bytes Received",
	"Operator", "Network", "Cell ID", "LAC", "RSSI", "PSC", "SNR", "RSRP", "RSRQ", "CQI",
}

var resourceLine = newLineMatcher(regexp.QuoteMeta(ResourceTag),
	`.*<<< Elapsed time .* sec ; Timestamp `+logparse.Int+
		` ; CPU usage `+logparse.Float+`% ; Ram used `+logparse.Int+`MBs ; Available Ram `+logparse.Int+`MBs`+
		` ; Packets Received `+logparse.Int+` ; Packets Transmitted `+logparse.Int+
		` ; Bytes Received `+logparse.Int+` ; Bytes Transmitted `+logparse.Int+
		` ; (Operator .*?) *>>>`)

// The network block has nine fields on older agents and ten once RSRQ was added.
var networkBlock = regexp.MustCompile(`^Operator ([^;]*) ; Network ([^;]*) ; Cell ID ([^;]*) ; LAC ([^;]*)` +
	` ; RSSI ([^;]*) ; PSC ([^;]*) ; RSRP ([^;]*) ; SNR ([^;]*) ; CQI ([^;]*?)(?: ; RSRQ ([^;]*))?$`)

// NetworkInfo is the radio state reported with each resource sample. Numeric
// readings the modem did not report are absent rather than -1.
type NetworkInfo struct {
	Operator string
	Network  string
	CellID   string
	LAC      string
	PSC      string
	RSSI     logparse.Maybe[int64]
	RSRP     logparse.Maybe[int64]
	SNR      logparse.Maybe[float64]
	CQI      logparse.Maybe[int64]
	RSRQ     logparse.Maybe[int64]
}

// ParseNetworkInfo decodes the "Operator … ; CQI … [; RSRQ …]" block.
func ParseNetworkInfo(s string) (NetworkInfo, bool) {
	m := networkBlock.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return NetworkInfo{}, false
	}
	for i := range m {
		m[i] = strings.TrimSpace(m[i])
	}
	return NetworkInfo{
		Operator: m[1],
		Network:  m[2],
		CellID:   m[3],
		LAC:      m[4],
		RSSI:     logparse.MaybeInt(m[5]),
		PSC:      m[6],
		RSRP:     logparse.MaybeInt(m[7]),
		SNR:      logparse.MaybeFloat(m[8]),
		CQI:      logparse.MaybeInt(m[9]),
		RSRQ:     logparse.MaybeInt(m[10]),
	}, true
}

// ResourceRecord is one resource monitor sample.
type ResourceRecord struct {
	header
	CPU             float64
	UsedRAM         uint64
	AvailableRAM    uint64
	PacketsReceived uint64
	PacketsSent     uint64
	BytesReceived   uint64
	BytesSent       uint64
	Network         NetworkInfo
}

func (r *ResourceRecord) Agent() model.Agent { return model.AgentResources }

// TotalRAM is used plus available memory in MB.
func (r *ResourceRecord) TotalRAM() uint64 { return r.UsedRAM + r.AvailableRAM }

// UsedRAMPercent is used/total*100, or 0 when no memory was reported.
func (r *ResourceRecord) UsedRAMPercent() float64 {
	total := r.TotalRAM()
	if total == 0 {
		return 0
	}
	return float64(r.UsedRAM) / float64(total) * 100
}

func (r *ResourceRecord) Value(column string) (model.Value, error) {
	n := r.Network
	switch column {
	case TimestampColumn:
		return model.Uint(r.timestamp), nil
	case "Used CPU (%)":
		return model.Float(r.CPU), nil
	case "Used RAM (MB)":
		return model.Uint(r.UsedRAM), nil
	case "Available RAM (MB)":
		return model.Uint(r.AvailableRAM), nil
	case "Total RAM (MB)":
		return model.Uint(r.TotalRAM()), nil
	case "Used RAM (%)":
		return model.Float(r.UsedRAMPercent()), nil
	case "Packets Sent":
		return model.Uint(r.PacketsSent), nil
	case "Packets Received":
		return model.Uint(r.PacketsReceived), nil
	case "Bytes Sent":
		return model.Uint(r.BytesSent), nil
	case "Bytes Received":
		return model.Uint(r.BytesReceived), nil
	case "Operator":
		return model.Text(n.Operator), nil
	case "Network":
		return model.Text(n.Network), nil
	case "Cell ID":
		return model.Text(n.CellID), nil
	case "LAC":
		return model.Text(n.LAC), nil
	case "RSSI":
		return model.OptInt(n.RSSI.Get()), nil
	case "PSC":
		return model.Text(n.PSC), nil
	case "SNR":
		return model.OptFloat(n.SNR.Get()), nil
	case "RSRP":
		return model.OptInt(n.RSRP.Get()), nil
	case "RSRQ":
		return model.OptInt(n.RSRQ.Get()), nil
	case "CQI":
		return model.OptInt(n.CQI.Get()), nil
	}
	return model.Null(), unknownColumn(model.AgentResources, column)
}

// ResourceGrammar parses resourceAgent.ResourceAgentTask lines.
type ResourceGrammar struct{}

func (ResourceGrammar) Agent() model.Agent { return model.AgentResources }
func (ResourceGrammar) Tag() string        { return ResourceTag }
func (ResourceGrammar) Table() string      { return ResourceTable }
func (ResourceGrammar) Columns() []string  { return ResourceColumns }

func (ResourceGrammar) Parse(line string) Record {
	return ParseResource(line)
}

// ParseResource decodes one resource monitor line.
func ParseResource(line string) *ResourceRecord {
	h, m := resourceLine.match(line)
	r := &ResourceRecord{header: h}
	if m == nil {
		return r
	}

	cpu, err := logparse.ParseFloat(m[3])
	if err != nil {
		return r
	}
	counters := make([]uint64, 0, 7)
	for _, idx := range []int{2, 4, 5, 6, 7, 8, 9} {
		v, err := logparse.ParseUint(m[idx])
		if err != nil {
			return r
		}
		counters = append(counters, v)
	}
	network, ok := ParseNetworkInfo(m[10])
	if !ok {
		return r
	}

	r.timestamp = counters[0]
	r.CPU = cpu
	r.UsedRAM = counters[1]
	r.AvailableRAM = counters[2]
	r.PacketsReceived = counters[3]
	r.PacketsSent = counters[4]
	r.BytesReceived = counters[5]
	r.BytesSent = counters[6]
	r.Network = network
	r.valid = true
	return r
}
