package domain

import (
	"math"
	"time"
)

// PlaybackSnapshot is authoritative only at ObservedAt; readers interpolate with At.
type PlaybackSnapshot struct {
	Track      *Track    `json:"track"`
	IsPlaying  bool      `json:"isPlaying"`
	Position   float64   `json:"currentTime"`
	ObservedAt time.Time `json:"observedAt"`
}

// At returns the interpolated position at now.
// While playing it advances with wall-clock time and is clamped to the track duration.
func (s PlaybackSnapshot) At(now time.Time) float64 {
	pos := s.Position
	if s.IsPlaying && !s.ObservedAt.IsZero() {
		if elapsed := now.Sub(s.ObservedAt).Seconds(); elapsed > 0 {
			pos += elapsed
		}
	}
	if s.Track != nil && s.Track.Duration > 0 {
		pos = math.Min(pos, s.Track.Duration)
	}
	return pos
}

// Rebased returns a copy whose base is the interpolated value at now.
func (s PlaybackSnapshot) Rebased(now time.Time) PlaybackSnapshot {
	out := s
	out.Track = s.Track.Clone()
	out.Position = s.At(now)
	out.ObservedAt = now
	return out
}

// WithTrack starts a new track from zero and marks it playing.
func (s PlaybackSnapshot) WithTrack(t *Track, now time.Time) PlaybackSnapshot {
	return PlaybackSnapshot{
		Track:      t.Clone(),
		IsPlaying:  true,
		Position:   0,
		ObservedAt: now,
	}
}

func (s PlaybackSnapshot) WithPlaying(playing bool, now time.Time) PlaybackSnapshot {
	out := s.Rebased(now)
	out.IsPlaying = playing
	return out
}

// WithPosition overwrites the interpolation base; it never accumulates drift.
// A positive duration also refreshes the track duration.
func (s PlaybackSnapshot) WithPosition(pos, duration float64, now time.Time) (PlaybackSnapshot, error) {
	if pos < 0 || math.IsNaN(pos) || math.IsInf(pos, 0) {
		return s, ErrPositionInvalid
	}
	out := s
	out.Track = s.Track.Clone()
	if out.Track != nil && duration > 0 {
		out.Track.Duration = duration
	}
	out.Position = pos
	out.ObservedAt = now
	return out, nil
}
