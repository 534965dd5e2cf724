// Package stealth holds the wire identities the transport can present: TLS
// ClientHello shapes, HTTP/2 SETTINGS values and ordered header templates.
// Header order is part of the fingerprint, so profiles carry slices of pairs
// rather than maps.
package stealth

import (
	"fmt"
	"sort"

	utls "github.com/bogdanfinn/utls"

	"github.com/pv-udpv/perplexity-ai-v2/api/schemas"
)

// HeaderPair is a single header in its exact wire position. Values may
// contain {placeholder} tokens resolved by the HeaderBuilder.
type HeaderPair struct {
	Name  string
	Value string
}

// HTTP2Settings are the SETTINGS frame parameters a client advertises on
// connection setup. Servers fingerprint these, so each profile pins its own.
type HTTP2Settings struct {
	HeaderTableSize      uint32
	EnablePush           bool
	MaxConcurrentStreams uint32
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	MaxHeaderListSize    uint32
	// ConnectionWindowUpdate is the connection-level WINDOW_UPDATE sent right
	// after the SETTINGS frame. Real clients always enlarge the 64KiB default.
	ConnectionWindowUpdate uint32
}

// FingerprintProfile is one immutable catalog entry. Callers must not mutate
// the slices; Headers() hands out copies.
type FingerprintProfile struct {
	Name          string
	ClientHelloID utls.ClientHelloID
	UserAgent     string
	HTTP2         HTTP2Settings
	baseHeaders   []HeaderPair
}

// Headers returns a fresh copy of the ordered header template.
func (p *FingerprintProfile) Headers() []HeaderPair {
	out := make([]HeaderPair, len(p.baseHeaders))
	copy(out, p.baseHeaders)
	return out
}

const (
	// ProfileIOSApp impersonates the native iOS client.
	ProfileIOSApp = "ios-app"
	// ProfileChromeWeb impersonates a desktop Chrome browser session.
	ProfileChromeWeb = "chrome-web"
)

// iOS app build constants. These must move in lockstep: the server
// cross-checks the User-Agent against X-App-Version.
const (
	iosAppVersion    = "2.250911.0"
	iosAppBuild      = "16709"
	iosOSVersion     = "18.7.0"
	iosAPIVersion    = "2.18"
	iosUserAgent     = "Ask/" + iosAppVersion + "/" + iosAppBuild + " (iOS; iPhone; " + iosOSVersion + ") isiOSOnMac/false"
	chromeUserAgent  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	chromeSecUAValue = `"Not_A Brand";v="8", "Chromium";v="120", "Google Chrome";v="120"`
)

var catalog = map[string]*FingerprintProfile{
	ProfileIOSApp: {
		Name:          ProfileIOSApp,
		ClientHelloID: utls.HelloIOS_14,
		UserAgent:     iosUserAgent,
		HTTP2: HTTP2Settings{
			HeaderTableSize:        4096,
			EnablePush:             false,
			MaxConcurrentStreams:   100,
			InitialWindowSize:      2097152,
			MaxFrameSize:           16384,
			MaxHeaderListSize:      8192,
			ConnectionWindowUpdate: 10485760,
		},
		baseHeaders: []HeaderPair{
			{"User-Agent", iosUserAgent},
			{"Accept", "{accept}"},
			{"Accept-Language", "{language}"},
			{"Accept-Encoding", "gzip, deflate, br"},
			{"X-Client-Name", "Perplexity-iOS"},
			{"X-App-Version", iosAppVersion},
			{"X-App-ApiVersion", iosAPIVersion},
			{"X-Client-Env", "production"},
			{"X-Device-ID", "{device_id}"},
			{"X-Client-Timezone", "{timezone}"},
			{"sentry-trace", "{sentry_trace}"},
			{"baggage", "{sentry_baggage}"},
		},
	},
	ProfileChromeWeb: {
		Name:          ProfileChromeWeb,
		ClientHelloID: utls.HelloChrome_120,
		UserAgent:     chromeUserAgent,
		HTTP2: HTTP2Settings{
			HeaderTableSize:        65536,
			EnablePush:             false,
			MaxConcurrentStreams:   1000,
			InitialWindowSize:      6291456,
			MaxFrameSize:           16384,
			MaxHeaderListSize:      262144,
			ConnectionWindowUpdate: 15663105,
		},
		baseHeaders: []HeaderPair{
			{"sec-ch-ua", chromeSecUAValue},
			{"sec-ch-ua-mobile", "?0"},
			{"sec-ch-ua-platform", `"Windows"`},
			{"User-Agent", chromeUserAgent},
			{"Accept", "{accept}"},
			{"Sec-Fetch-Site", "same-origin"},
			{"Sec-Fetch-Mode", "cors"},
			{"Sec-Fetch-Dest", "empty"},
			{"Accept-Encoding", "gzip, deflate, br"},
			{"Accept-Language", "{language}"},
		},
	},
}

// Profile looks up a catalog entry by name.
func Profile(name string) (*FingerprintProfile, error) {
	p, ok := catalog[name]
	if !ok {
		return nil, &schemas.ConfigurationError{Field: fmt.Sprintf("stealth.profile (%q is not in the catalog)", name)}
	}
	return p, nil
}

// ProfileNames returns the catalog keys in sorted order.
func ProfileNames() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
