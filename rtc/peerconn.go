package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// newPeerConn creates one side of a peer session configured with a single
// STUN server. An empty stunURL yields a host-candidates-only connection,
// which is what the tests use.
func newPeerConn(stunURL string) (Conn, error) {
	var conf webrtc.Configuration
	if stunURL != "" {
		conf.ICEServers = []webrtc.ICEServer{{URLs: []string{stunURL}}}
	}
	pc, err := webrtc.NewPeerConnection(conf)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &peerConn{
		pc:   pc,
		seen: make(map[string]struct{}),
	}, nil
}

type peerConn struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	mu      sync.Mutex
	seen    map[string]struct{}
	pending []Candidate
}

func (c *peerConn) OnCandidate(f func(cand Candidate)) {
	c.pc.OnICECandidate(func(ic *webrtc.ICECandidate) {
		if ic == nil {
			// gathering complete marker, not a candidate
			return
		}
		init := ic.ToJSON()
		cand := Candidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			cand.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			cand.SDPMLineIndex = *init.SDPMLineIndex
		}
		f(cand)
	})
}

func (c *peerConn) AddCandidate(cand Candidate) error {
	c.mu.Lock()
	if _, ok := c.seen[cand.Candidate]; ok {
		c.mu.Unlock()
		return nil
	}
	c.seen[cand.Candidate] = struct{}{}
	if c.pc.RemoteDescription() == nil {
		// candidates may trickle in before the answer/offer lands; buffer
		// them until SetRemoteDescription flushes
		c.pending = append(c.pending, cand)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.ingest(cand)
}

func (c *peerConn) ingest(cand Candidate) error {
	mid := cand.SDPMid
	idx := cand.SDPMLineIndex
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
}

func (c *peerConn) CreateOffer(ctx context.Context) (Description, error) {
	// a data channel gives ICE an m-line to negotiate; without one the
	// offer carries no transport at all
	if c.dc == nil {
		dc, err := c.pc.CreateDataChannel("diag", nil)
		if err != nil {
			return Description{}, fmt.Errorf("create data channel: %w", err)
		}
		c.dc = dc
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return Description{}, fmt.Errorf("create offer: %w", err)
	}
	return Description{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (c *peerConn) CreateAnswer(ctx context.Context) (Description, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return Description{}, fmt.Errorf("create answer: %w", err)
	}
	return Description{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (c *peerConn) SetLocalDescription(d Description) error {
	return c.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(d.Type),
		SDP:  d.SDP,
	})
}

func (c *peerConn) SetRemoteDescription(d Description) error {
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(d.Type),
		SDP:  d.SDP,
	}); err != nil {
		return err
	}
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, cand := range pending {
		if err := c.ingest(cand); err != nil {
			return fmt.Errorf("add buffered candidate: %w", err)
		}
	}
	return nil
}

func (c *peerConn) OnStateChange(f func(state ConnState)) {
	c.pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		f(mapState(st))
	})
}

func (c *peerConn) State() ConnState {
	return mapState(c.pc.ConnectionState())
}

func (c *peerConn) ICEState() string {
	return c.pc.ICEConnectionState().String()
}

func (c *peerConn) Close() error {
	return c.pc.Close()
}

func mapState(st webrtc.PeerConnectionState) ConnState {
	switch st {
	case webrtc.PeerConnectionStateNew:
		return StateNew
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	}
	return StateNew
}
