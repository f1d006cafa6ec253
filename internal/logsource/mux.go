package logsource

import (
	"context"
	"sync"

	"github.com/tinytelemetry/probelog/internal/model"
)

// DefaultMuxBuffer is the default capture buffer of the multiplexer.
const DefaultMuxBuffer = 16

// CaptureMux merges several sources into a single read-only stream. The
// output closes once every source is exhausted or the mux is stopped.
type CaptureMux struct {
	ctx    context.Context
	cancel context.CancelFunc

	sources  []CaptureSource
	captures chan model.Capture

	startOnce sync.Once
	stopOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewCaptureMux(parent context.Context, sources []CaptureSource, buffer int) *CaptureMux {
	if buffer <= 0 {
		buffer = DefaultMuxBuffer
	}
	ctx, cancel := context.WithCancel(parent)
	return &CaptureMux{
		ctx:      ctx,
		cancel:   cancel,
		sources:  sources,
		captures: make(chan model.Capture, buffer),
	}
}

func (m *CaptureMux) Start() {
	m.startOnce.Do(func() {
		if len(m.sources) == 0 {
			m.closeOutput()
			return
		}

		for _, src := range m.sources {
			m.wg.Add(1)
			go m.forward(src)
		}

		go func() {
			m.wg.Wait()
			m.closeOutput()
		}()
	})
}

func (m *CaptureMux) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		for _, src := range m.sources {
			src.Stop()
		}
		m.wg.Wait()
		m.closeOutput()
	})
}

func (m *CaptureMux) HasSources() bool {
	return len(m.sources) > 0
}

// SourceNames lists the merged sources in order.
func (m *CaptureMux) SourceNames() []string {
	names := make([]string, len(m.sources))
	for i, src := range m.sources {
		names[i] = src.Name()
	}
	return names
}

func (m *CaptureMux) Captures() <-chan model.Capture {
	return m.captures
}

func (m *CaptureMux) forward(src CaptureSource) {
	defer m.wg.Done()

	in := src.Captures()
	for {
		select {
		case <-m.ctx.Done():
			return
		case c, ok := <-in:
			if !ok {
				return
			}
			select {
			case m.captures <- c:
			case <-m.ctx.Done():
				return
			}
		}
	}
}

func (m *CaptureMux) closeOutput() {
	m.closeOnce.Do(func() {
		close(m.captures)
	})
}
