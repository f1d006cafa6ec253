package model

import (
	"fmt"
	"strings"
	"time"
)

// Agent identifies the on-device measurement agent that produced a capture.
type Agent string

const (
	AgentPing      Agent = "ping"
	AgentResources Agent = "resources"
	AgentIPerf     Agent = "iperf"
	AgentExoplayer Agent = "exoplayer"
)

// Agents lists every supported agent in display order.
var Agents = []Agent{AgentPing, AgentResources, AgentIPerf, AgentExoplayer}

// ParseAgent accepts the canonical names plus a few common aliases.
func ParseAgent(s string) (Agent, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ping", "latency":
		return AgentPing, nil
	case "resources", "resource", "resourceagent":
		return AgentResources, nil
	case "iperf", "throughput":
		return AgentIPerf, nil
	case "exoplayer", "playback":
		return AgentExoplayer, nil
	}
	return "", fmt.Errorf("unknown agent %q", s)
}

// Role is the iPerf side the device played.
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

// ParseRole parses an iPerf role; empty means client.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "client", "c":
		return RoleClient, nil
	case "server", "s":
		return RoleServer, nil
	}
	return "", fmt.Errorf("unknown iperf role %q", s)
}

// Session describes one measurement run on a device.
type Session struct {
	Agent  Agent
	Device string
	// Start is the nominal start of the log capture.
	Start time.Time
	// Threshold is subtracted from Start to absorb agent startup latency.
	// A zero Threshold is only honored when ThresholdSet is true; otherwise
	// the configured or agent default applies.
	Threshold    time.Duration
	ThresholdSet bool

	// iPerf only.
	Parallel int
	UDP      bool
	Role     Role
}

// WindowStart is the exclusive lower bound for retained records.
// It is zero when Start is unknown.
func (s Session) WindowStart() time.Time {
	if s.Start.IsZero() {
		return time.Time{}
	}
	return s.Start.Add(-s.Threshold)
}

// SetThreshold records an explicit threshold, including zero.
func (s *Session) SetThreshold(d time.Duration) {
	s.Threshold = d
	s.ThresholdSet = true
}

// HasThreshold reports whether the session carries its own threshold.
func (s Session) HasThreshold() bool {
	return s.ThresholdSet || s.Threshold != 0
}

// WithDefaults fills unset options with the agent defaults.
func (s Session) WithDefaults() Session {
	if !s.HasThreshold() {
		s.SetThreshold(DefaultThreshold(s.Agent))
	}
	if s.Agent == AgentIPerf {
		if s.Parallel <= 0 {
			s.Parallel = DefaultIPerfParallel
		}
		if s.Role == "" {
			s.Role = RoleClient
		}
	}
	return s
}

// Capture carries a complete, ordered log capture with its session metadata.
// It is the transport contract between capture sources and the engine.
type Capture struct {
	Session Session
	Lines   []string
	Source  string // "tcp", "stdin", "file:<path>", "http"

	// JournalSeq is the capture's journal sequence; 0 when not journaled.
	JournalSeq uint64
}
