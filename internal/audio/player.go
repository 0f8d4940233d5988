// Package audio plays signal clips through an external command line player.
package audio

import (
	"context"
	"errors"
	"time"
)

var (
	ErrFileNotFound      = errors.New("audio file not found")
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrStopped           = errors.New("playback stopped")
)

// Request describes one playback. Duration bounds the playback: the clip is
// repeated until it elapses. Device is optional; empty means the default output.
type Request struct {
	Path     string
	Duration time.Duration
	Device   string
}

// Player is the playback port used by the scheduler.
//
// Play starts playback and returns a channel that receives exactly one value
// (nil on normal completion) and is then closed. Starting a new playback stops
// the previous one.
type Player interface {
	Play(ctx context.Context, req Request) <-chan error
	Stop()
	IsPlaying() bool
}

// Done returns an already-resolved completion channel.
func Done(err error) <-chan error {
	ch := make(chan error, 1)
	ch <- err
	close(ch)
	return ch
}
