package diagnostic

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/anyproto/any-diag/diagnostic/result"
)

// Probe display names as rendered by the dashboard.
const (
	ProbeTransport      = "WebRTC Support"
	ProbeMediaDevices   = "Media Devices"
	ProbeSignaling      = "WebSocket Connection"
	ProbePeerConnection = "Peer Connection"
	ProbeScreenCapture  = "Screen Sharing"
	ProbeNetwork        = "Network Connectivity"
)

type outcome struct {
	status     result.Status
	message    string
	durationMs int64
	details    map[string]any
}

type probe struct {
	name string
	fn   func(ctx context.Context) outcome
}

// probes returns the fixed execution order. Later probes assume earlier ones
// already released any acquired media or transport resources.
func (s *service) probes() []probe {
	return []probe{
		{ProbeTransport, s.probeTransport},
		{ProbeMediaDevices, s.probeMediaDevices},
		{ProbeSignaling, s.probeSignaling},
		{ProbePeerConnection, s.probePeerConnection},
		{ProbeScreenCapture, s.probeScreenCapture},
		{ProbeNetwork, s.probeNetwork},
	}
}

func sinceMs(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}

func failAfter(start time.Time, msg string) outcome {
	return outcome{status: result.StatusFail, message: msg, durationMs: sinceMs(start)}
}

func (s *service) probeTransport(ctx context.Context) outcome {
	if !s.env.SupportsConn() {
		return outcome{status: result.StatusFail, message: "WebRTC is not supported"}
	}
	conn, err := s.env.NewConn()
	if err != nil {
		return outcome{status: result.StatusFail, message: err.Error()}
	}
	defer conn.Close()
	return outcome{
		status:  result.StatusPass,
		message: "transport endpoint created",
		details: map[string]any{
			"connectionState":    conn.State().String(),
			"iceConnectionState": conn.ICEState(),
		},
	}
}

func (s *service) probeMediaDevices(ctx context.Context) outcome {
	md := s.env.MediaDevices()
	if md == nil {
		return outcome{status: result.StatusFail, message: "media devices API is not available"}
	}
	start := time.Now()
	stream, err := md.GetUserMedia(ctx, true, true)
	if err != nil {
		return failAfter(start, err.Error())
	}
	if stream == nil || len(stream.Tracks()) == 0 {
		return failAfter(start, "no media tracks available")
	}
	// capture must not stay open past the probe, whatever the outcome
	defer func() {
		for _, track := range stream.Tracks() {
			track.Stop()
		}
	}()

	video, audio := stream.VideoTracks(), stream.AudioTracks()
	var caps []map[string]any
	for _, track := range stream.Tracks() {
		caps = append(caps, track.Capabilities())
	}
	details := map[string]any{
		"videoTracks":  len(video),
		"audioTracks":  len(audio),
		"capabilities": caps,
	}
	elapsed := sinceMs(start)
	if len(video) == 0 || len(audio) == 0 {
		return outcome{
			status:     result.StatusWarning,
			message:    fmt.Sprintf("partial capture: %d video, %d audio", len(video), len(audio)),
			durationMs: elapsed,
			details:    details,
		}
	}
	return outcome{
		status:     result.StatusPass,
		message:    fmt.Sprintf("captured %d tracks", len(video)+len(audio)),
		durationMs: elapsed,
		details:    details,
	}
}

func (s *service) probeScreenCapture(ctx context.Context) outcome {
	sc := s.env.ScreenCapture()
	if sc == nil {
		return outcome{status: result.StatusFail, message: "screen capture is not supported"}
	}
	start := time.Now()
	stream, err := sc.GetDisplayMedia(ctx)
	if err != nil {
		return failAfter(start, err.Error())
	}
	if stream == nil || len(stream.Tracks()) == 0 {
		return failAfter(start, "no display tracks available")
	}
	defer func() {
		for _, track := range stream.Tracks() {
			track.Stop()
		}
	}()
	return outcome{
		status:     result.StatusPass,
		message:    "display capture acquired",
		durationMs: sinceMs(start),
		details: map[string]any{
			"videoTracks": len(stream.VideoTracks()),
			"audioTracks": len(stream.AudioTracks()),
		},
	}
}

func (s *service) probeNetwork(ctx context.Context) outcome {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.env.HealthURL(), nil)
	if err != nil {
		return failAfter(start, err.Error())
	}
	resp, err := s.env.HTTPClient().Do(req)
	if err != nil {
		return failAfter(start, err.Error())
	}
	defer resp.Body.Close()
	elapsed := sinceMs(start)
	details := map[string]any{"statusCode": resp.StatusCode}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return outcome{
			status:     result.StatusFail,
			message:    fmt.Sprintf("health endpoint returned %d", resp.StatusCode),
			durationMs: elapsed,
			details:    details,
		}
	}
	return outcome{
		status:     result.StatusPass,
		message:    "health endpoint reachable",
		durationMs: elapsed,
		details:    details,
	}
}
