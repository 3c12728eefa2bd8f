// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
)

const (
	MaxTrackIDLen    = 64
	MaxTrackTitleLen = 512
)

var (
	ErrTrackIDEmpty    = errors.New("track id empty")
	ErrTrackIDTooLong  = errors.New("track id too long")
	ErrTitleTooLong    = errors.New("track title too long")
	ErrNegativeLength  = errors.New("track duration negative")
	ErrPositionInvalid = errors.New("position invalid")
)

type TrackID string

// Track is the now-playing metadata the host pushes to listeners.
// Duration is in seconds.
type Track struct {
	ID           TrackID `json:"id"`
	Title        string  `json:"title"`
	ArtistName   string  `json:"artistName"`
	ArtistSlug   string  `json:"artistSlug,omitempty"`
	ReleaseTitle string  `json:"releaseTitle,omitempty"`
	ReleaseID    string  `json:"releaseId,omitempty"`
	Cover        string  `json:"cover,omitempty"`
	Duration     float64 `json:"duration"`
}

// Validate keeps host-supplied metadata within sane bounds before it is fanned out.
func (t *Track) Validate() error {
	if len(t.ID) == 0 {
		return ErrTrackIDEmpty
	}
	if len(t.ID) > MaxTrackIDLen {
		return ErrTrackIDTooLong
	}
	if len(t.Title) > MaxTrackTitleLen {
		return ErrTitleTooLong
	}
	if t.Duration < 0 {
		return ErrNegativeLength
	}
	return nil
}

func (t *Track) Clone() *Track {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
