package diagnostic

import (
	"context"
	"fmt"
	"time"

	"github.com/anyproto/any-diag/diagnostic/result"
	"github.com/anyproto/any-diag/rtc"
)

func (s *service) probeSignaling(ctx context.Context) outcome {
	if !s.env.SupportsSockets() {
		return outcome{status: result.StatusFail, message: "WebSocket API is not available"}
	}
	start := time.Now()
	r := newRace[rtc.Socket]()
	go func() {
		sock, err := s.env.DialSocket(ctx, s.env.SignalingURL())
		if !r.settle(sock, err) && sock != nil {
			// lost to the timeout: release the late socket silently
			_ = sock.Close()
		}
	}()
	sock, err := r.wait(ctx, s.signalingTimeout)
	elapsed := sinceMs(start)
	if err != nil {
		return outcome{status: result.StatusFail, message: err.Error(), durationMs: elapsed}
	}
	_ = sock.Close()
	return outcome{status: result.StatusPass, message: "signaling channel established", durationMs: elapsed}
}

// probePeerConnection negotiates a session between two freshly created
// endpoints: trickled candidates are forwarded both ways, the offer/answer
// pair is exchanged, then a connected state on the local side is raced
// against the timeout. Both endpoints are closed on every exit path.
func (s *service) probePeerConnection(ctx context.Context) outcome {
	if !s.env.SupportsConn() {
		return outcome{status: result.StatusFail, message: "WebRTC is not supported"}
	}
	start := time.Now()
	local, err := s.env.NewConn()
	if err != nil {
		return failAfter(start, fmt.Sprintf("create local endpoint: %v", err))
	}
	defer local.Close()
	remote, err := s.env.NewConn()
	if err != nil {
		return failAfter(start, fmt.Sprintf("create remote endpoint: %v", err))
	}
	defer remote.Close()

	// forwarding must be wired before the offer is created, otherwise early
	// trickled candidates are lost
	local.OnCandidate(func(c rtc.Candidate) {
		_ = remote.AddCandidate(c)
	})
	remote.OnCandidate(func(c rtc.Candidate) {
		_ = local.AddCandidate(c)
	})

	r := newRace[rtc.ConnState]()
	local.OnStateChange(func(st rtc.ConnState) {
		switch st {
		case rtc.StateConnected:
			r.settle(st, nil)
		case rtc.StateFailed:
			// a failed state rejects immediately instead of waiting out
			// the full timeout
			r.settle(st, errNegotiationFailed)
		}
	})

	offer, err := local.CreateOffer(ctx)
	if err != nil {
		return failAfter(start, fmt.Sprintf("create offer: %v", err))
	}
	if err = local.SetLocalDescription(offer); err != nil {
		return failAfter(start, fmt.Sprintf("set local offer: %v", err))
	}
	if err = remote.SetRemoteDescription(offer); err != nil {
		return failAfter(start, fmt.Sprintf("set remote offer: %v", err))
	}
	answer, err := remote.CreateAnswer(ctx)
	if err != nil {
		return failAfter(start, fmt.Sprintf("create answer: %v", err))
	}
	if err = remote.SetLocalDescription(answer); err != nil {
		return failAfter(start, fmt.Sprintf("set local answer: %v", err))
	}
	if err = local.SetRemoteDescription(answer); err != nil {
		return failAfter(start, fmt.Sprintf("set remote answer: %v", err))
	}

	st, err := r.wait(ctx, s.peerConnTimeout)
	elapsed := sinceMs(start)
	details := map[string]any{
		"connectionState":    local.State().String(),
		"iceConnectionState": local.ICEState(),
	}
	if err != nil {
		return outcome{status: result.StatusFail, message: err.Error(), durationMs: elapsed, details: details}
	}
	details["connectionState"] = st.String()
	return outcome{status: result.StatusPass, message: "peer connection established", durationMs: elapsed, details: details}
}
