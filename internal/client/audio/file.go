// Package audio provides file-backed audio elements for the command line clients.
package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Party/internal/adapters/rtc"
	"github.com/dkeye/Party/internal/client"
	"github.com/dkeye/Party/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	opusRate     = 48000
	pageDuration = 20 * time.Millisecond
)

var ErrClosed = errors.New("audio element closed")

// FileElement plays an Ogg/Opus file in real time. Its capture stream carries
// the pages it plays.
type FileElement struct {
	id       string
	path     string
	clock    clock.Clock
	duration float64
	logger   zerolog.Logger

	file   *os.File
	reader *oggreader.OggReader

	mu       sync.Mutex
	track    *webrtc.TrackLocalStaticSample
	bound    bool
	playing  bool
	granule  uint64
	ended    bool
	closed   bool
	onEnded  func()
	onChange func(playing bool)
	ticker   *clock.Ticker
	stop     chan struct{}
}

func OpenFile(path string, clk clock.Clock) (*FileElement, error) {
	if clk == nil {
		clk = clock.New()
	}
	duration, err := probeDuration(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("ogg %s: %w", path, err)
	}
	id := filepath.Base(path)
	return &FileElement{
		id:       id,
		path:     path,
		clock:    clk,
		duration: duration,
		file:     f,
		reader:   reader,
		logger:   log.With().Str("module", "audio").Str("element", id).Logger(),
	}, nil
}

// probeDuration reads the last granule position of the stream.
func probeDuration(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	reader, header, err := oggreader.NewWith(f)
	if err != nil {
		return 0, fmt.Errorf("ogg %s: %w", path, err)
	}
	rate := float64(opusRate)
	if header.SampleRate > 0 {
		rate = float64(header.SampleRate)
	}
	var last uint64
	for {
		_, page, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("ogg %s: %w", path, err)
		}
		last = page.GranulePosition
	}
	return float64(last) / rate, nil
}

func (e *FileElement) ID() string   { return e.id }
func (e *FileElement) Path() string { return e.path }

// BindCapture creates the element's outgoing track. It succeeds once.
func (e *FileElement) BindCapture() (client.CaptureStream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if e.bound {
		return nil, client.ErrAlreadyBound
	}
	track, err := webrtc.NewTrackLocalStaticSample(rtc.OpusCapability, "audio", "party-"+e.id)
	if err != nil {
		return nil, err
	}
	e.track = track
	e.bound = true
	return &stream{track: track}, nil
}

func (e *FileElement) Playing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing
}

func (e *FileElement) CurrentTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return float64(e.granule) / opusRate
}

func (e *FileElement) Duration() float64 { return e.duration }

// OnEnded is called once the last page has played.
func (e *FileElement) OnEnded(fn func()) {
	e.mu.Lock()
	e.onEnded = fn
	e.mu.Unlock()
}

// OnPlayingChange observes play and pause transitions.
func (e *FileElement) OnPlayingChange(fn func(playing bool)) {
	e.mu.Lock()
	e.onChange = fn
	e.mu.Unlock()
}

func (e *FileElement) Play() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.playing || e.ended {
		e.mu.Unlock()
		return nil
	}
	e.playing = true
	e.ticker = e.clock.Ticker(pageDuration)
	e.stop = make(chan struct{})
	go e.loop(e.ticker, e.stop)
	fn := e.onChange
	e.mu.Unlock()

	if fn != nil {
		fn(true)
	}
	return nil
}

func (e *FileElement) Pause() {
	e.mu.Lock()
	if !e.playing {
		e.mu.Unlock()
		return
	}
	e.haltLocked()
	fn := e.onChange
	e.mu.Unlock()

	if fn != nil {
		fn(false)
	}
}

func (e *FileElement) haltLocked() {
	e.playing = false
	e.ticker.Stop()
	close(e.stop)
}

func (e *FileElement) loop(ticker *clock.Ticker, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !e.step(stop) {
				return
			}
		}
	}
}

// step plays one page. It reports false once playback stopped.
func (e *FileElement) step(stop chan struct{}) bool {
	e.mu.Lock()
	if e.stop != stop || !e.playing {
		e.mu.Unlock()
		return false
	}
	for {
		data, page, err := e.reader.ParseNextPage()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.logger.Warn().Err(err).Msg("ogg page")
			}
			e.ended = true
			e.haltLocked()
			ended, change := e.onEnded, e.onChange
			e.mu.Unlock()
			e.logger.Info().Msg("playback ended")
			if change != nil {
				change(false)
			}
			if ended != nil {
				ended()
			}
			return false
		}
		// header pages carry no audio
		if page.GranulePosition == 0 {
			continue
		}
		samples := page.GranulePosition - e.granule
		if page.GranulePosition < e.granule {
			samples = 0
		}
		e.granule = page.GranulePosition
		track := e.track
		e.mu.Unlock()

		if track != nil {
			d := time.Duration(samples) * time.Second / opusRate
			if err := track.WriteSample(media.Sample{Data: data, Duration: d}); err != nil {
				e.logger.Debug().Err(err).Msg("write sample")
			}
		}
		return true
	}
}

func (e *FileElement) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.playing {
		e.haltLocked()
	}
	e.mu.Unlock()
	return e.file.Close()
}

type stream struct {
	track *webrtc.TrackLocalStaticSample
}

func (s *stream) Track() webrtc.TrackLocal { return s.track }
func (s *stream) Kind() core.MediaKind     { return core.KindAudio }

func (s *stream) Codec() core.RTPCodec {
	return core.RTPCodec{
		Kind:        core.KindAudio,
		MimeType:    rtc.OpusCapability.MimeType,
		ClockRate:   rtc.OpusCapability.ClockRate,
		Channels:    rtc.OpusCapability.Channels,
		SDPFmtpLine: rtc.OpusCapability.SDPFmtpLine,
		PayloadType: uint8(rtc.OpusPayloadType),
	}
}
