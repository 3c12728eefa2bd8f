package audio

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// OggSink records the relayed audio into an Ogg/Opus stream. Packets received
// while the host is paused are dropped.
type OggSink struct {
	mu      sync.Mutex
	w       *oggwriter.OggWriter
	playing atomic.Bool
	written atomic.Int64
	dropped atomic.Int64
}

func NewOggSink(path string) (*OggSink, error) {
	w, err := oggwriter.New(path, opusRate, 2)
	if err != nil {
		return nil, err
	}
	return &OggSink{w: w}, nil
}

func NewOggSinkWriter(out io.Writer) (*OggSink, error) {
	w, err := oggwriter.NewWith(out, opusRate, 2)
	if err != nil {
		return nil, err
	}
	return &OggSink{w: w}, nil
}

func (s *OggSink) WriteRTP(pkt *rtp.Packet) error {
	if !s.playing.Load() {
		s.dropped.Add(1)
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.WriteRTP(pkt); err != nil {
		return err
	}
	s.written.Add(1)
	return nil
}

func (s *OggSink) SetPlaying(playing bool) { s.playing.Store(playing) }
func (s *OggSink) Playing() bool           { return s.playing.Load() }

// Stats returns how many packets were written and dropped.
func (s *OggSink) Stats() (written, dropped int64) {
	return s.written.Load(), s.dropped.Load()
}

func (s *OggSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Close()
}
