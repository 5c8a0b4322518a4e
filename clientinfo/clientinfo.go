package clientinfo

import (
	"regexp"
	"strings"

	"github.com/anyproto/any-diag/app"
	"github.com/anyproto/any-diag/rtc"
)

const CName = "diagnostic.clientinfo"

const unknown = "Unknown"

// BrowserInfo describes the client runtime: the parsed identification string
// plus which real-time primitives the environment provides. Immutable once
// computed.
type BrowserInfo struct {
	Name                 string `json:"name"`
	Version              string `json:"version"`
	Identification       string `json:"identification"`
	SupportsTransport    bool   `json:"supportsTransport"`
	SupportsMediaDevices bool   `json:"supportsMediaDevices"`
	SupportsSockets      bool   `json:"supportsSockets"`
}

type Service interface {
	app.Component
	Detect() BrowserInfo
}

func New() Service {
	return new(service)
}

type service struct {
	env rtc.Env
}

func (s *service) Init(a *app.App) (err error) {
	s.env = a.MustComponent(rtc.CName).(rtc.Service)
	return nil
}

func (s *service) Name() string {
	return CName
}

func (s *service) Detect() BrowserInfo {
	info := BrowserInfo{
		Identification:       s.env.Identification(),
		SupportsTransport:    s.env.SupportsConn(),
		SupportsMediaDevices: s.env.MediaDevices() != nil,
		SupportsSockets:      s.env.SupportsSockets(),
	}
	info.Name, info.Version = ParseIdentification(info.Identification)
	return info
}

var (
	chromeVer  = regexp.MustCompile(`Chrome/(\d+[\d.]*)`)
	firefoxVer = regexp.MustCompile(`Firefox/(\d+[\d.]*)`)
	safariVer  = regexp.MustCompile(`Version/(\d+[\d.]*)`)
	operaVer   = regexp.MustCompile(`OPR/(\d+[\d.]*)`)
)

// ParseIdentification extracts the client name and version from an
// identification string. Tokens are matched in fixed priority order:
// chromium first, then gecko, then webkit excluding chromium, then opera.
// Pure: the same input always yields the same output.
func ParseIdentification(ident string) (name, version string) {
	switch {
	case strings.Contains(ident, "Chrome/"):
		return "Chrome", matchVersion(chromeVer, ident)
	case strings.Contains(ident, "Firefox/"):
		return "Firefox", matchVersion(firefoxVer, ident)
	case strings.Contains(ident, "Safari") && !strings.Contains(ident, "Chrom"):
		return "Safari", matchVersion(safariVer, ident)
	case strings.Contains(ident, "OPR/") || strings.Contains(ident, "Opera"):
		return "Opera", matchVersion(operaVer, ident)
	}
	return unknown, unknown
}

func matchVersion(re *regexp.Regexp, ident string) string {
	if m := re.FindStringSubmatch(ident); len(m) == 2 {
		return m[1]
	}
	return unknown
}
