package tcpserver

import (
	"errors"
	"fmt"
	"time"

	"github.com/valyala/fastjson"

	"github.com/tinytelemetry/probelog/internal/model"
)

// ErrBadHeader is returned for a session header that cannot be used.
var ErrBadHeader = errors.New("bad session header")

var headerParsers fastjson.ParserPool

// ParseSessionHeader decodes the JSON object sent as the first line of a
// capture connection:
//
//	{"agent":"iperf","device":"R58M","start":"2026-03-01T10:00:15Z",
//	 "threshold":"15s","parallel":4,"udp":true,"role":"server"}
//
// start may also be epoch milliseconds and threshold a number of seconds.
func ParseSessionHeader(line []byte) (model.Session, error) {
	p := headerParsers.Get()
	defer headerParsers.Put(p)

	v, err := p.ParseBytes(line)
	if err != nil {
		return model.Session{}, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	if v.Type() != fastjson.TypeObject {
		return model.Session{}, fmt.Errorf("%w: expected a JSON object", ErrBadHeader)
	}

	var s model.Session
	if s.Agent, err = model.ParseAgent(string(v.GetStringBytes("agent"))); err != nil {
		return model.Session{}, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	s.Device = string(v.GetStringBytes("device"))

	start := v.Get("start")
	switch {
	case start == nil:
		return model.Session{}, fmt.Errorf("%w: missing start", ErrBadHeader)
	case start.Type() == fastjson.TypeNumber:
		s.Start = time.UnixMilli(start.GetInt64())
	default:
		if s.Start, err = time.Parse(time.RFC3339Nano, string(start.GetStringBytes())); err != nil {
			return model.Session{}, fmt.Errorf("%w: start: %v", ErrBadHeader, err)
		}
	}

	if th := v.Get("threshold"); th != nil && th.Type() != fastjson.TypeNull {
		var d time.Duration
		switch th.Type() {
		case fastjson.TypeNumber:
			d = time.Duration(th.GetFloat64() * float64(time.Second))
		case fastjson.TypeString:
			if d, err = time.ParseDuration(string(th.GetStringBytes())); err != nil {
				return model.Session{}, fmt.Errorf("%w: threshold: %v", ErrBadHeader, err)
			}
		default:
			return model.Session{}, fmt.Errorf("%w: threshold must be seconds or a duration", ErrBadHeader)
		}
		if d < 0 {
			return model.Session{}, fmt.Errorf("%w: negative threshold", ErrBadHeader)
		}
		s.SetThreshold(d)
	}

	s.Parallel = v.GetInt("parallel")
	s.UDP = v.GetBool("udp")
	if role := v.GetStringBytes("role"); len(role) > 0 {
		if s.Role, err = model.ParseRole(string(role)); err != nil {
			return model.Session{}, fmt.Errorf("%w: %v", ErrBadHeader, err)
		}
	}
	return s, nil
}
