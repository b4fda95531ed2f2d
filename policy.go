package render

import (
	"net/url"
	"strconv"
	"sync/atomic"

	"github.com/chromedp/cdproto/network"
)

// RequestStats accumulates per-render outbound traffic counters. It is
// updated from CDP event listeners and read once when the render finishes.
type RequestStats struct {
	bytesDownloaded atomic.Int64
	blockedCount    atomic.Int64
}

// AddResponse records one received response, crediting its Content-Length
// header (0 when absent) to the byte counter.
func (s *RequestStats) AddResponse(headers network.Headers) {
	raw, ok := headers["Content-Length"]
	if !ok {
		// Header casing is not normalized across CDP targets.
		raw, ok = headers["content-length"]
	}
	if !ok {
		return
	}
	if str, ok := raw.(string); ok {
		if n, err := strconv.ParseInt(str, 10, 64); err == nil && n > 0 {
			s.bytesDownloaded.Add(n)
		}
	}
}

// AddBlocked records one aborted outbound request.
func (s *RequestStats) AddBlocked() {
	s.blockedCount.Add(1)
}

// BytesDownloaded returns the accumulated response byte count.
func (s *RequestStats) BytesDownloaded() int64 {
	return s.bytesDownloaded.Load()
}

// BlockedCount returns the number of requests the policy aborted.
func (s *RequestStats) BlockedCount() int64 {
	return s.blockedCount.Load()
}

// blockedResourceTypes are request categories that a static HTML render
// never legitimately needs; aborting them bounds per-render resource use.
var blockedResourceTypes = map[network.ResourceType]bool{
	network.ResourceTypeMedia:              true,
	network.ResourceTypeWebSocket:          true,
	network.ResourceTypePing:               true,
	network.ResourceTypeCSPViolationReport: true,
	network.ResourceTypeEventSource:        true,
	network.ResourceTypeManifest:           true,
	network.ResourceTypePrefetch:           true,
	network.ResourceTypeSignedExchange:     true,
	network.ResourceTypeTextTrack:          true,
	network.ResourceTypeOther:              true,
}

// Policy decides whether an outbound request issued by a rendering page is
// allowed to proceed. It is a pure decision function; the per-render
// counters live in RequestStats.
type Policy struct {
	useGoogleFonts bool
}

// NewPolicy creates a request policy. useGoogleFonts whitelists the Google
// Fonts hosts (and the font resource type) for this render.
func NewPolicy(useGoogleFonts bool) *Policy {
	return &Policy{useGoogleFonts: useGoogleFonts}
}

// Allow reports whether the request for rawURL with the given resource type
// may proceed.
func (p *Policy) Allow(rawURL string, rtype network.ResourceType) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	switch parsed.Scheme {
	case "http", "https":
	case "data", "about", "blob":
		// Inline assets never leave the page.
		return true
	default:
		return false
	}

	if p.isGoogleFontsHost(parsed.Hostname()) {
		return p.useGoogleFonts
	}

	if rtype == network.ResourceTypeFont {
		// Remote webfonts are only reachable through the fonts whitelist.
		return false
	}

	return !blockedResourceTypes[rtype]
}

func (p *Policy) isGoogleFontsHost(host string) bool {
	return host == googleFontsCSSHost || host == googleFontsDataHost
}
