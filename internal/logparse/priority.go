package logparse

import (
	"regexp"
	"strings"
)

// Priority is an Android logcat message priority.
type Priority int

const (
	PriorityUnknown Priority = iota
	PriorityVerbose
	PriorityDebug
	PriorityInfo
	PriorityWarn
	PriorityError
	PriorityFatal
	PrioritySilent
)

func (p Priority) String() string {
	switch p {
	case PriorityVerbose:
		return "V"
	case PriorityDebug:
		return "D"
	case PriorityInfo:
		return "I"
	case PriorityWarn:
		return "W"
	case PriorityError:
		return "E"
	case PriorityFatal:
		return "F"
	case PrioritySilent:
		return "S"
	}
	return "?"
}

// NormalizePriority converts logcat letters and common severity words to a Priority.
func NormalizePriority(s string) Priority {
	normalized := strings.ToUpper(strings.TrimSpace(s))

	switch normalized {
	case "V", "VERBOSE", "TRACE":
		return PriorityVerbose
	case "D", "DEBUG", "DBG":
		return PriorityDebug
	case "I", "INFO", "INFORMATION":
		return PriorityInfo
	case "W", "WARN", "WARNING":
		return PriorityWarn
	case "E", "ERROR", "ERR":
		return PriorityError
	case "F", "A", "FATAL", "ASSERT":
		return PriorityFatal
	case "S", "SILENT":
		return PrioritySilent
	}
	return PriorityUnknown
}

// threadtime: "03-01 10:00:01.123  1234  5678 I ping.Report: <<< ... >>>"
var threadtimeHeader = regexp.MustCompile(`^\d+-\d+ \d+:\d+:\d+\.\d+\s+\d+\s+\d+\s+([VDIWEFAS])\s+([^:]*?)\s*:`)

// brief: "I/ping.Report( 1234): <<< ... >>>"
var briefHeader = regexp.MustCompile(`^(?:\d+-\d+ \d+:\d+:\d+\.\d+\s+)?([VDIWEFAS])/([^(:]+?)\s*\(\s*\d+\)`)

// Header is the priority and tag prefix of a logcat line.
type Header struct {
	Priority Priority
	Tag      string
}

// ParseHeader extracts the priority and tag from a threadtime or brief logcat line.
func ParseHeader(line string) (Header, bool) {
	m := threadtimeHeader.FindStringSubmatch(line)
	if m == nil {
		m = briefHeader.FindStringSubmatch(line)
	}
	if m == nil {
		return Header{}, false
	}
	return Header{Priority: NormalizePriority(m[1]), Tag: m[2]}, true
}

// FilterTag keeps lines emitted under tag at or above min priority, the same
// selection as "adb logcat -s tag:P". Lines whose header cannot be read are
// kept so already-filtered captures pass through untouched.
func FilterTag(lines []string, tag string, min Priority) []string {
	if tag == "" && min <= PriorityVerbose {
		return lines
	}
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		h, ok := ParseHeader(line)
		if !ok {
			out = append(out, line)
			continue
		}
		if tag != "" && h.Tag != tag {
			continue
		}
		if h.Priority < min {
			continue
		}
		out = append(out, line)
	}
	return out
}
