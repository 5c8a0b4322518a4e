package rtc

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/anyproto/any-diag/app"
	"github.com/anyproto/any-diag/app/logger"
)

const CName = "diagnostic.rtc"

var log = logger.NewNamed(CName)

// Default endpoints used by the probes. A zero config value always resolves
// to the matching default.
const (
	DefaultStunURL      = "stun:stun.l.google.com:19302"
	DefaultSignalingURL = "wss://echo.websocket.org"
	DefaultHealthURL    = "http://127.0.0.1:8080/api/health"
)

type configGetter interface {
	GetRTC() Config
}

type Config struct {
	StunURL        string `yaml:"stunUrl"`
	SignalingURL   string `yaml:"signalingUrl"`
	HealthURL      string `yaml:"healthUrl"`
	Identification string `yaml:"identification"`
	DisableMedia   bool   `yaml:"disableMedia"`
}

// ConnState mirrors the peer connection state machine of the underlying
// transport.
type ConnState int

const (
	StateNew ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Description is an SDP offer or answer.
type Description struct {
	Type string
	SDP  string
}

// Candidate is a single trickled ICE candidate.
type Candidate struct {
	Candidate     string
	SDPMid        string
	SDPMLineIndex uint16
}

// Conn is one side of a negotiated peer session.
//
// AddCandidate is idempotent: delivering the same candidate twice, or
// delivering candidates before the remote description is set, must not
// corrupt negotiation state.
type Conn interface {
	OnCandidate(f func(c Candidate))
	AddCandidate(c Candidate) error
	CreateOffer(ctx context.Context) (Description, error)
	CreateAnswer(ctx context.Context) (Description, error)
	SetLocalDescription(d Description) error
	SetRemoteDescription(d Description) error
	OnStateChange(f func(state ConnState))
	State() ConnState
	ICEState() string
	Close() error
}

// Socket is an open signaling channel. The dial itself proves reachability,
// so the only operation left is releasing it.
type Socket interface {
	Close() error
}

// Track is a single live capture track.
type Track interface {
	ID() string
	Kind() string
	Capabilities() map[string]any
	Stop()
	Stopped() bool
}

// Stream is a set of acquired capture tracks.
type Stream interface {
	Tracks() []Track
	VideoTracks() []Track
	AudioTracks() []Track
}

type MediaDevices interface {
	GetUserMedia(ctx context.Context, audio, video bool) (Stream, error)
}

type ScreenCapture interface {
	GetDisplayMedia(ctx context.Context) (Stream, error)
}

// Env is the ambient runtime environment the probes run against.
type Env interface {
	SupportsConn() bool
	NewConn() (Conn, error)
	// MediaDevices returns nil when no capture backend is registered.
	MediaDevices() MediaDevices
	// ScreenCapture returns nil when display capture is not supported.
	ScreenCapture() ScreenCapture
	SupportsSockets() bool
	DialSocket(ctx context.Context, url string) (Socket, error)
	HTTPClient() *http.Client
	Identification() string
	StunURL() string
	SignalingURL() string
	HealthURL() string
}

type Service interface {
	Env
	app.Component
}

func New() Service {
	return new(service)
}

type service struct {
	conf   Config
	media  MediaDevices
	screen ScreenCapture
	client *http.Client
}

func (s *service) Init(a *app.App) (err error) {
	if cg, ok := a.Component("config").(configGetter); ok {
		s.conf = cg.GetRTC()
	}
	if s.conf.StunURL == "" {
		s.conf.StunURL = DefaultStunURL
	}
	if s.conf.SignalingURL == "" {
		s.conf.SignalingURL = DefaultSignalingURL
	}
	if s.conf.HealthURL == "" {
		s.conf.HealthURL = DefaultHealthURL
	}
	if s.conf.Identification == "" {
		s.conf.Identification = fmt.Sprintf("anydiag/%s (%s; %s) go/%s",
			app.Version(), runtime.GOOS, runtime.GOARCH, runtime.Version())
	}
	if !s.conf.DisableMedia {
		s.media = newSampleDevices()
	}
	s.client = &http.Client{Timeout: time.Second * 10}
	return nil
}

func (s *service) Name() string {
	return CName
}

func (s *service) SupportsConn() bool {
	return true
}

func (s *service) NewConn() (Conn, error) {
	return newPeerConn(s.conf.StunURL)
}

func (s *service) MediaDevices() MediaDevices {
	return s.media
}

// SetScreenCapture installs a display capture backend. There is no default
// one: headless hosts have nothing to share, so the screen probe reports
// "not supported" unless a backend is registered.
func (s *service) SetScreenCapture(sc ScreenCapture) {
	s.screen = sc
}

func (s *service) ScreenCapture() ScreenCapture {
	return s.screen
}

func (s *service) HTTPClient() *http.Client {
	return s.client
}

func (s *service) Identification() string {
	return s.conf.Identification
}

func (s *service) StunURL() string {
	return s.conf.StunURL
}

func (s *service) SignalingURL() string {
	return s.conf.SignalingURL
}

func (s *service) HealthURL() string {
	return s.conf.HealthURL
}
