package media

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/codealchemist/peer-meet/internal/mesh"
	pion "github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// FrameDuration is the length of one opus frame.
const FrameDuration = 20 * time.Millisecond

// opus TOC byte for a 20ms CELT frame followed by a silent payload.
var silenceFrame = []byte{0xf8, 0xff, 0xfe}

// Beacon is a local audio stream carrying opus silence. It keeps a media
// path open between participants without capturing a device.
type Beacon struct {
	stream *mesh.Stream
	track  *pion.TrackLocalStaticSample
	clock  clock.Clock
	frames atomic.Uint64
}

// NewBeacon creates a beacon stream with one audio track.
func NewBeacon(streamID, trackID string, clk clock.Clock) (*Beacon, error) {
	if clk == nil {
		clk = clock.New()
	}
	track, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		trackID,
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("create beacon track: %w", err)
	}
	return &Beacon{
		stream: &mesh.Stream{ID: streamID, Tracks: []mesh.Track{track}},
		track:  track,
		clock:  clk,
	}, nil
}

func (b *Beacon) Stream() *mesh.Stream {
	return b.stream
}

// Frames returns how many frames were written so far.
func (b *Beacon) Frames() uint64 {
	return b.frames.Load()
}

// Run writes one frame per FrameDuration until ctx is done.
func (b *Beacon) Run(ctx context.Context) error {
	ticker := b.clock.Ticker(FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := b.track.WriteSample(pionmedia.Sample{Data: silenceFrame, Duration: FrameDuration}); err != nil {
				return fmt.Errorf("write beacon frame: %w", err)
			}
			b.frames.Add(1)
		}
	}
}
