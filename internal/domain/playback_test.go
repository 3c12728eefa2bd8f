package domain

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaybackSnapshot_At(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	track := &Track{ID: "t", Title: "T", Duration: 180}

	t.Run("advances while playing", func(t *testing.T) {
		s := PlaybackSnapshot{Track: track, IsPlaying: true, Position: 42, ObservedAt: t0}
		assert.InDelta(t, 42.0, s.At(t0), 1e-9)
		assert.InDelta(t, 52.5, s.At(t0.Add(10500*time.Millisecond)), 1e-9)
	})

	t.Run("frozen while paused", func(t *testing.T) {
		s := PlaybackSnapshot{Track: track, IsPlaying: false, Position: 42, ObservedAt: t0}
		assert.InDelta(t, 42.0, s.At(t0.Add(time.Minute)), 1e-9)
	})

	t.Run("clamped to duration", func(t *testing.T) {
		s := PlaybackSnapshot{Track: track, IsPlaying: true, Position: 170, ObservedAt: t0}
		assert.InDelta(t, 180.0, s.At(t0.Add(time.Minute)), 1e-9)
	})

	t.Run("clock going backwards does not rewind", func(t *testing.T) {
		s := PlaybackSnapshot{Track: track, IsPlaying: true, Position: 42, ObservedAt: t0}
		assert.InDelta(t, 42.0, s.At(t0.Add(-time.Second)), 1e-9)
	})
}

func TestPlaybackSnapshot_HeartbeatOverwritesBase(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	s := PlaybackSnapshot{}.WithTrack(&Track{ID: "t", Duration: 180}, t0)
	assert.True(t, s.IsPlaying)
	assert.InDelta(t, 3.0, s.At(t0.Add(3*time.Second)), 1e-9)

	t1 := t0.Add(5 * time.Second)
	s, err := s.WithPosition(42, 180, t1)
	require.NoError(t, err)
	assert.InDelta(t, 42.0, s.At(t1), 1e-9)
	assert.InDelta(t, 44.0, s.At(t1.Add(2*time.Second)), 1e-9)

	t2 := t1.Add(time.Second)
	s, err = s.WithPosition(10, 0, t2)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, s.At(t2), 1e-9)
	assert.InDelta(t, 180.0, s.Track.Duration, 1e-9, "zero duration keeps the known one")
}

func TestPlaybackSnapshot_WithPlayingRebases(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	s := PlaybackSnapshot{Track: &Track{ID: "t"}, IsPlaying: true, Position: 10, ObservedAt: t0}
	paused := s.WithPlaying(false, t0.Add(5*time.Second))
	assert.False(t, paused.IsPlaying)
	assert.InDelta(t, 15.0, paused.At(t0.Add(time.Hour)), 1e-9)
}

func TestPlaybackSnapshot_WithPositionRejectsGarbage(t *testing.T) {
	s := PlaybackSnapshot{}
	for _, v := range []float64{-1, math.NaN(), math.Inf(1)} {
		_, err := s.WithPosition(v, 0, time.Now())
		assert.ErrorIs(t, err, ErrPositionInvalid)
	}
}

func TestPlaybackSnapshot_CopiesDoNotShareTrack(t *testing.T) {
	orig := &Track{ID: "t", Duration: 100}
	s := PlaybackSnapshot{}.WithTrack(orig, time.Now())
	orig.Title = "mutated"
	assert.Empty(t, s.Track.Title)
}

func TestTrack_Validate(t *testing.T) {
	assert.ErrorIs(t, (&Track{}).Validate(), ErrTrackIDEmpty)
	assert.ErrorIs(t, (&Track{ID: "x", Duration: -1}).Validate(), ErrNegativeLength)
	long := make([]byte, MaxTrackIDLen+1)
	for i := range long {
		long[i] = 'a'
	}
	assert.ErrorIs(t, (&Track{ID: TrackID(long)}).Validate(), ErrTrackIDTooLong)
	assert.NoError(t, (&Track{ID: "x", Title: "ok", Duration: 10}).Validate())
}
