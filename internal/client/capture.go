package client

import (
	"sync"

	"github.com/dkeye/Party/internal/core"
	"github.com/pion/webrtc/v4"
)

// AudioElement is the playback engine's output element.
type AudioElement interface {
	ID() string
	// BindCapture routes the element's output into a capture stream. The
	// underlying engine allows this once per element.
	BindCapture() (CaptureStream, error)
	Playing() bool
	// CurrentTime and Duration are in seconds.
	CurrentTime() float64
	Duration() float64
}

// CaptureStream is the element's output as a publishable track.
type CaptureStream interface {
	Track() webrtc.TrackLocal
	Kind() core.MediaKind
	Codec() core.RTPCodec
}

// CaptureGraphs caches one capture stream per element so BindCapture never
// runs twice for the same element.
type CaptureGraphs struct {
	mu     sync.Mutex
	graphs map[string]CaptureStream
}

func NewCaptureGraphs() *CaptureGraphs {
	return &CaptureGraphs{graphs: make(map[string]CaptureStream)}
}

func (g *CaptureGraphs) GetOrCreate(el AudioElement) (CaptureStream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.graphs[el.ID()]; ok {
		return s, nil
	}
	s, err := el.BindCapture()
	if err != nil {
		return nil, &CaptureError{Element: el.ID(), Err: err}
	}
	g.graphs[el.ID()] = s
	return s, nil
}

func (g *CaptureGraphs) Has(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.graphs[id]
	return ok
}
