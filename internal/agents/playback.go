package agents

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tinytelemetry/probelog/internal/logparse"
	"github.com/tinytelemetry/probelog/internal/model"
	"github.com/tinytelemetry/probelog/internal/timestamp"
)

const (
	PlaybackTag        = "TriangleInstr"
	PlaybackAudioTable = "Exoplayer Audio"
	PlaybackVideoTable = "Exoplayer Video"
)

// PlaybackKind selects the shape of a playback instrumentation record.
type PlaybackKind int

const (
	MeasurementPoint PlaybackKind = iota + 1
	VideoInfo
	AudioInfo
)

func (k PlaybackKind) String() string {
	switch k {
	case MeasurementPoint:
		return "measurement point"
	case VideoInfo:
		return "video"
	case AudioInfo:
		return "audio"
	}
	return "invalid"
}

var (
	playbackLine = newLineMatcher(PlaybackTag, `[^:]*: *(\d+-\d+-\d+T\d+:\d+:\d+\.\d+)\s(.*)`)
	mediaInfo    = regexp.MustCompile(`^"?(audio|video)/(.*)\((.*)\)"?\s*$`)
	resolution   = regexp.MustCompile(`^(\d+)x(\d+)$`)
)

// PlaybackRecord is one Exoplayer instrumentation event.
type PlaybackRecord struct {
	header
	Kind     PlaybackKind
	UseCase  string
	Feature  string
	Label    string
	extras   []Extra
	extraIdx map[string]int
}

func (r *PlaybackRecord) Agent() model.Agent { return model.AgentExoplayer }

// Extras returns the data-driven values in first-seen order.
func (r *PlaybackRecord) Extras() []Extra { return r.extras }

// Extra returns the value stored under key.
func (r *PlaybackRecord) Extra(key string) (model.Value, bool) {
	i, ok := r.extraIdx[key]
	if !ok {
		return model.Null(), false
	}
	return r.extras[i].Value, true
}

func (r *PlaybackRecord) setExtra(key string, v model.Value) {
	if r.extraIdx == nil {
		r.extraIdx = make(map[string]int)
	}
	if i, ok := r.extraIdx[key]; ok {
		r.extras[i].Value = v
		return
	}
	r.extraIdx[key] = len(r.extras)
	r.extras = append(r.extras, Extra{Key: key, Value: v})
}

func (r *PlaybackRecord) Value(column string) (model.Value, error) {
	switch column {
	case TimestampColumn:
		return model.Uint(r.timestamp), nil
	case "Use Case":
		return model.Text(r.UseCase), nil
	case "Feature":
		return model.Text(r.Feature), nil
	case "Label":
		return model.Text(r.Label), nil
	}
	if v, ok := r.Extra(column); ok {
		return v, nil
	}
	return model.Null(), unknownColumn(model.AgentExoplayer, column)
}

// PlaybackGrammar parses TriangleInstr lines. Instrumentation timestamps
// carry no zone; they are read in Location.
type PlaybackGrammar struct {
	Location *time.Location
}

// PlaybackOption configures a PlaybackGrammar.
type PlaybackOption func(*PlaybackGrammar)

// WithLocation sets the device time zone.
func WithLocation(loc *time.Location) PlaybackOption {
	return func(g *PlaybackGrammar) {
		if loc != nil {
			g.Location = loc
		}
	}
}

// NewPlaybackGrammar returns a grammar reading timestamps in local time by default.
func NewPlaybackGrammar(opts ...PlaybackOption) PlaybackGrammar {
	g := PlaybackGrammar{Location: time.Local}
	for _, opt := range opts {
		opt(&g)
	}
	return g
}

func (PlaybackGrammar) Agent() model.Agent { return model.AgentExoplayer }
func (PlaybackGrammar) Tag() string        { return PlaybackTag }
func (PlaybackGrammar) Table() string      { return "" }
func (PlaybackGrammar) Columns() []string  { return nil }

func (g PlaybackGrammar) Parse(line string) Record {
	return g.ParsePlayback(line)
}

// ParsePlayback decodes one instrumentation line. The payload is tab
// separated: use case, feature, label, then kind-specific values.
func (g PlaybackGrammar) ParsePlayback(line string) *PlaybackRecord {
	h, m := playbackLine.match(line)
	r := &PlaybackRecord{header: h}
	if m == nil {
		return r
	}
	ts, err := timestamp.ParseInstr(m[2], g.Location)
	if err != nil {
		return r
	}
	r.timestamp = ts

	pieces := strings.Split(strings.TrimRight(m[3], "\r\n"), "\t")
	if len(pieces) < 3 {
		return r
	}
	r.UseCase, r.Feature, r.Label = pieces[0], pieces[1], pieces[2]

	switch {
	case r.UseCase == "Co" || r.UseCase == "Cs":
		r.Kind = MeasurementPoint
		for i, extra := range pieces[3:] {
			r.setExtra("Value "+strconv.Itoa(i+1), model.Text(extra))
		}
	case r.UseCase == "Custom" && r.Feature == "ExoplayerInfo" && r.Label == "Video Information":
		r.Kind = VideoInfo
		if len(pieces) > 3 && !r.parseMediaInfo(pieces[3]) {
			return r
		}
	case r.UseCase == "Custom" && r.Feature == "ExoplayerInfo" && r.Label == "Audio Information":
		r.Kind = AudioInfo
		if len(pieces) > 3 && !r.parseMediaInfo(pieces[3]) {
			return r
		}
	default:
		return r
	}

	r.valid = true
	return r
}

// parseMediaInfo reads `"video/avc(r:1280x720 f:30.0 b:1500000)"`.
func (r *PlaybackRecord) parseMediaInfo(s string) bool {
	m := mediaInfo.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return false
	}
	r.setExtra("codec", model.Text(m[2]))

	for _, field := range strings.Fields(m[3]) {
		key, raw, ok := strings.Cut(field, ":")
		if !ok {
			return false
		}
		if r.Kind == VideoInfo && key == "r" {
			res := resolution.FindStringSubmatch(raw)
			if res == nil {
				return false
			}
			width, werr := strconv.ParseUint(res[1], 10, 64)
			height, herr := strconv.ParseUint(res[2], 10, 64)
			if werr != nil || herr != nil {
				return false
			}
			r.setExtra("width", model.Uint(width))
			r.setExtra("height", model.Uint(height))
			r.setExtra("pixel count", model.Uint(width*height))
			continue
		}
		if f := logparse.MaybeFloat(raw); f.OK {
			r.setExtra(key, model.Float(f.V))
		} else {
			r.setExtra(key, model.Text(raw))
		}
	}
	return true
}
