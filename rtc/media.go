package rtc

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const sampleInterval = time.Millisecond * 100

// sampleDevices is the default capture backend: it produces synthetic
// sample tracks instead of reading real hardware. A headless host has no
// camera API; what the media probe verifies here is that a capture backend
// is registered and hands out live, stoppable tracks.
type sampleDevices struct{}

func newSampleDevices() MediaDevices {
	return &sampleDevices{}
}

func (d *sampleDevices) GetUserMedia(ctx context.Context, audio, video bool) (Stream, error) {
	if !audio && !video {
		return nil, fmt.Errorf("at least one of audio or video must be requested")
	}
	st := &sampleStream{}
	if video {
		t, err := newSampleTrack(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}, "video")
		if err != nil {
			return nil, err
		}
		st.tracks = append(st.tracks, t)
	}
	if audio {
		t, err := newSampleTrack(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		}, "audio")
		if err != nil {
			st.stopAll()
			return nil, err
		}
		st.tracks = append(st.tracks, t)
	}
	return st, nil
}

type sampleStream struct {
	tracks []Track
}

func (s *sampleStream) Tracks() []Track {
	return append([]Track(nil), s.tracks...)
}

func (s *sampleStream) VideoTracks() []Track {
	return s.kind("video")
}

func (s *sampleStream) AudioTracks() []Track {
	return s.kind("audio")
}

func (s *sampleStream) kind(kind string) (res []Track) {
	for _, t := range s.tracks {
		if t.Kind() == kind {
			res = append(res, t)
		}
	}
	return
}

func (s *sampleStream) stopAll() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

type sampleTrack struct {
	id      string
	kind    string
	caps    map[string]any
	track   *webrtc.TrackLocalStaticSample
	stopped *atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func newSampleTrack(codec webrtc.RTPCodecCapability, kind string) (Track, error) {
	id := uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticSample(codec, id, "anydiag")
	if err != nil {
		return nil, fmt.Errorf("new %s track: %w", kind, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &sampleTrack{
		id:   id,
		kind: kind,
		caps: map[string]any{
			"mimeType":  codec.MimeType,
			"clockRate": codec.ClockRate,
			"channels":  codec.Channels,
		},
		track:   track,
		stopped: atomic.NewBool(false),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go t.generate(ctx)
	return t, nil
}

// generate keeps the track "live" until it is stopped, the same way a real
// capture device keeps producing frames until released.
func (t *sampleTrack) generate(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	payload := make([]byte, 16)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.track.WriteSample(media.Sample{Data: payload, Duration: sampleInterval}); err != nil {
				log.Debug("sample write failed", zap.String("track", t.id), zap.Error(err))
				return
			}
		}
	}
}

func (t *sampleTrack) ID() string {
	return t.id
}

func (t *sampleTrack) Kind() string {
	return t.kind
}

func (t *sampleTrack) Capabilities() map[string]any {
	caps := make(map[string]any, len(t.caps))
	for k, v := range t.caps {
		caps[k] = v
	}
	return caps
}

func (t *sampleTrack) Stop() {
	if !t.stopped.CompareAndSwap(false, true) {
		return
	}
	t.cancel()
	<-t.done
}

func (t *sampleTrack) Stopped() bool {
	return t.stopped.Load()
}
