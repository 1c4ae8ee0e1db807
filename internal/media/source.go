// Package media provides local media for a negotiation session.
//
// Capturing from real devices is outside this module; a Source hands the
// session ready-made local tracks, or fails the way a denied or missing
// device would.
package media

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// ErrUnavailable is returned when no capture device can be used.
var ErrUnavailable = errors.New("media device unavailable")

// Stream is the local media attached to a peer connection.
type Stream struct {
	ID     string
	Tracks []webrtc.TrackLocal

	stop func()
}

// Close stops any goroutines feeding the tracks.
func (s *Stream) Close() {
	if s != nil && s.stop != nil {
		s.stop()
	}
}

// Source acquires local media.
type Source interface {
	Acquire(ctx context.Context) (*Stream, error)
}

// None is a Source without tracks, for data-only sessions.
type None struct{}

func (None) Acquire(ctx context.Context) (*Stream, error) {
	return &Stream{ID: "none"}, nil
}

// Unavailable is a Source that always fails, as if capture were denied.
type Unavailable struct {
	Err error
}

func (u Unavailable) Acquire(ctx context.Context) (*Stream, error) {
	if u.Err != nil {
		return nil, u.Err
	}
	return nil, ErrUnavailable
}

// opusSilence is a single 20ms Opus frame encoding silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const frameDuration = 20 * time.Millisecond

// Silence is a Source producing one Opus audio track that carries silence,
// so peers exchange a real media section and RTP without a microphone.
type Silence struct {
	StreamID string
}

func (s Silence) Acquire(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	streamID := s.StreamID
	if streamID == "" {
		streamID = "peerlink"
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID,
	)
	if err != nil {
		return nil, err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	go pumpSilence(pumpCtx, track)

	return &Stream{
		ID:     streamID,
		Tracks: []webrtc.TrackLocal{track},
		stop:   func() { once.Do(cancel) },
	}, nil
}

func pumpSilence(ctx context.Context, track *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Writes before the track is bound are discarded by pion.
			_ = track.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: frameDuration})
		}
	}
}
