package audio

import (
	"bytes"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Party/internal/client"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func packet(seq uint16) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    111,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 960,
			SSRC:           42,
		},
		Payload: []byte{0xfc, 0xff, 0xfe},
	}
}

// writeFixture records n 20ms Opus packets into an Ogg file.
func writeFixture(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.ogg")
	sink, err := NewOggSink(path)
	require.NoError(t, err)
	sink.SetPlaying(true)
	for i := 0; i < n; i++ {
		require.NoError(t, sink.WriteRTP(packet(uint16(i))))
	}
	require.NoError(t, sink.Close())
	return path
}

func TestOggSink_DropsWhilePaused(t *testing.T) {
	var buf bytes.Buffer
	sink, err := NewOggSinkWriter(&buf)
	require.NoError(t, err)
	headers := buf.Len()
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("OggS")))

	require.NoError(t, sink.WriteRTP(packet(0)))
	assert.Equal(t, headers, buf.Len())

	sink.SetPlaying(true)
	require.NoError(t, sink.WriteRTP(packet(1)))
	require.NoError(t, sink.WriteRTP(packet(2)))
	assert.Greater(t, buf.Len(), headers)

	written, dropped := sink.Stats()
	assert.Equal(t, int64(2), written)
	assert.Equal(t, int64(1), dropped)
}

func TestFileElement_DurationFromLastGranule(t *testing.T) {
	path := writeFixture(t, 50)
	el, err := OpenFile(path, clock.NewMock())
	require.NoError(t, err)
	defer el.Close()

	assert.Equal(t, "fixture.ogg", el.ID())
	assert.InDelta(t, 0.98, el.Duration(), 0.03)
	assert.Zero(t, el.CurrentTime())
	assert.False(t, el.Playing())
}

func TestFileElement_BindsCaptureOnce(t *testing.T) {
	el, err := OpenFile(writeFixture(t, 5), clock.NewMock())
	require.NoError(t, err)
	defer el.Close()

	s, err := el.BindCapture()
	require.NoError(t, err)
	assert.Equal(t, "audio/opus", s.Codec().MimeType)
	assert.NotNil(t, s.Track())

	_, err = el.BindCapture()
	assert.ErrorIs(t, err, client.ErrAlreadyBound)
}

func TestFileElement_PlaysToTheEnd(t *testing.T) {
	clk := clock.NewMock()
	el, err := OpenFile(writeFixture(t, 10), clk)
	require.NoError(t, err)
	defer el.Close()
	_, err = el.BindCapture()
	require.NoError(t, err)

	var ended atomic.Bool
	el.OnEnded(func() { ended.Store(true) })
	require.NoError(t, el.Play())
	assert.True(t, el.Playing())

	require.Eventually(t, func() bool {
		clk.Add(pageDuration)
		return ended.Load()
	}, 2*time.Second, time.Millisecond)

	assert.False(t, el.Playing())
	assert.InDelta(t, el.Duration(), el.CurrentTime(), 1e-9)
	require.NoError(t, el.Play(), "replaying an ended file is a no-op")
	assert.False(t, el.Playing())
}

func TestFileElement_PauseKeepsPosition(t *testing.T) {
	clk := clock.NewMock()
	el, err := OpenFile(writeFixture(t, 50), clk)
	require.NoError(t, err)
	defer el.Close()

	var changes []bool
	el.OnPlayingChange(func(p bool) { changes = append(changes, p) })
	require.NoError(t, el.Play())
	require.Eventually(t, func() bool {
		clk.Add(pageDuration)
		return el.CurrentTime() > 0
	}, 2*time.Second, time.Millisecond)

	el.Pause()
	at := el.CurrentTime()
	clk.Add(time.Second)
	assert.Equal(t, at, el.CurrentTime())
	assert.Equal(t, []bool{true, false}, changes)
}
