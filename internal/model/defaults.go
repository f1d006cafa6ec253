package model

import "time"

// Shared defaults used by both the server and CLI binaries.
const (
	DefaultLogcatThreshold         = 15 * time.Second
	DefaultPlaybackLogcatThreshold = 25 * time.Second
	DefaultIPerfParallel           = 1
	DefaultIPerfPort               = 5001
	DefaultPublishQueueSize        = 64
)

// DefaultThreshold returns the logcat threshold subtracted from the session
// start for the given agent.
func DefaultThreshold(agent Agent) time.Duration {
	if agent == AgentExoplayer {
		return DefaultPlaybackLogcatThreshold
	}
	return DefaultLogcatThreshold
}
