// Package logsource produces complete captures from files, stdin and TCP.
package logsource

import (
	"errors"

	"github.com/tinytelemetry/probelog/internal/model"
)

// ErrEmptyCapture is returned when an input holds no log lines.
var ErrEmptyCapture = errors.New("empty capture")

// CaptureSource is the common interface of capture inputs.
type CaptureSource interface {
	Captures() <-chan model.Capture // closed when the source is exhausted or stopped
	Stop()                          // graceful shutdown
	Name() string                   // "tcp", "file", "stdin"
}
