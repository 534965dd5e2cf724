// Package transport opens fingerprinted HTTPS connections. The TLS
// ClientHello, HTTP/2 SETTINGS and header order all come from a stealth
// profile, so the wire signature matches the impersonated client instead of
// the Go runtime.
package transport

import (
	"context"
	"errors"
	"io"
	"mime"
	nethttp "net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	http "github.com/bogdanfinn/fhttp"
	"github.com/bogdanfinn/fhttp/cookiejar"
	"github.com/bogdanfinn/fhttp/http2"
	"go.uber.org/zap"

	"github.com/pv-udpv/perplexity-ai-v2/api/schemas"
	"github.com/pv-udpv/perplexity-ai-v2/internal/config"
	"github.com/pv-udpv/perplexity-ai-v2/internal/stealth"
)

// challengeHeader marks a response that was intercepted by the anti-bot
// layer rather than answered by the application.
const challengeHeader = "cf-mitigated"

// pseudoHeaderOrder is the :method,:authority,:scheme,:path order shared by
// Chrome and CFNetwork. Go's default would be :method,:path,:authority.
var pseudoHeaderOrder = []string{":method", ":authority", ":scheme", ":path"}

// Session is the capability of opening requests that carry a coherent wire
// identity. Anything producing the right signature satisfies it; tests
// substitute an implementation backed by a plain RoundTripper.
type Session interface {
	// Open performs the request and returns a handle over the (possibly
	// streaming) response body. Headers are transmitted in the given order.
	Open(ctx context.Context, method, rawURL string, headers []stealth.HeaderPair, body io.Reader) (*ResponseHandle, error)
	// SetCookies seeds credential cookies for the given URL.
	SetCookies(u *url.URL, cookies []*nethttp.Cookie)
	// Close releases idle connections.
	Close()
}

// Options configures a FingerprintSession.
type Options struct {
	Profile *stealth.FingerprintProfile
	Network config.NetworkConfig
	Logger  *zap.Logger

	// RoundTripper overrides the fingerprinted HTTP/2 transport. Used by
	// tests to inject canned responses.
	RoundTripper http.RoundTripper

	// ResponseObserver is invoked with every response's headers before
	// classification, giving the credential store a chance to harvest
	// rotated cookies.
	ResponseObserver func(nethttp.Header)
}

// FingerprintSession is the production Session implementation.
type FingerprintSession struct {
	client         *http.Client
	h2             *http2.Transport
	profile        *stealth.FingerprintProfile
	logger         *zap.Logger
	observer       func(nethttp.Header)
	requestTimeout time.Duration
}

// NewSession builds a session around the profile's TLS and HTTP/2 signature.
func NewSession(opts Options) (*FingerprintSession, error) {
	if opts.Profile == nil {
		return nil, &schemas.ConfigurationError{Field: "stealth.profile"}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("transport")

	var h2 *http2.Transport
	rt := opts.RoundTripper
	if rt == nil {
		var proxyURL *url.URL
		if opts.Network.ProxyURL != "" {
			parsed, err := url.Parse(opts.Network.ProxyURL)
			if err != nil {
				return nil, &schemas.ConfigurationError{Field: "network.proxy_url"}
			}
			proxyURL = parsed
		}

		dialer := NewDialer(DialerOptions{
			Profile:             opts.Profile,
			InsecureSkipVerify:  opts.Network.InsecureSkipVerify,
			DialTimeout:         opts.Network.DialTimeout,
			TLSHandshakeTimeout: opts.Network.TLSHandshakeTimeout,
			ProxyURL:            proxyURL,
		})

		settings, order := settingsFrame(opts.Profile.HTTP2)
		h2 = &http2.Transport{
			DialTLS: dialer.DialTLS,
			// The SETTINGS frame and the connection WINDOW_UPDATE are sent
			// verbatim on the connection preface; both are part of the
			// fingerprint alongside the ClientHello.
			Settings:       settings,
			SettingsOrder:  order,
			ConnectionFlow: opts.Profile.HTTP2.ConnectionWindowUpdate,
			// The compression middleware owns Accept-Encoding.
			DisableCompression: true,
		}
		rt = h2
	}

	jar, _ := cookiejar.New(nil)

	return &FingerprintSession{
		client: &http.Client{
			Transport: NewCompressionMiddleware(rt),
			Jar:       jar,
			// No client-level timeout: it would sever long-lived event
			// streams. Deadlines come from the per-attempt context and, for
			// plain requests, from network.request_timeout in Open.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		h2:             h2,
		profile:        opts.Profile,
		logger:         logger,
		observer:       opts.ResponseObserver,
		requestTimeout: opts.Network.RequestTimeout,
	}, nil
}

// settingsFrame converts a profile's SETTINGS block into the map and emission
// order the HTTP/2 transport writes into the preface frame.
func settingsFrame(s stealth.HTTP2Settings) (map[http2.SettingID]uint32, []http2.SettingID) {
	push := uint32(0)
	if s.EnablePush {
		push = 1
	}
	settings := map[http2.SettingID]uint32{
		http2.SettingHeaderTableSize:      s.HeaderTableSize,
		http2.SettingEnablePush:           push,
		http2.SettingMaxConcurrentStreams: s.MaxConcurrentStreams,
		http2.SettingInitialWindowSize:    s.InitialWindowSize,
		http2.SettingMaxFrameSize:         s.MaxFrameSize,
		http2.SettingMaxHeaderListSize:    s.MaxHeaderListSize,
	}
	order := []http2.SettingID{
		http2.SettingHeaderTableSize,
		http2.SettingEnablePush,
		http2.SettingMaxConcurrentStreams,
		http2.SettingInitialWindowSize,
		http2.SettingMaxFrameSize,
		http2.SettingMaxHeaderListSize,
	}
	return settings, order
}

// Open performs one request and classifies the outcome. The returned handle
// owns the response body. Requests that do not expect an event stream run
// under the configured request timeout.
func (s *FingerprintSession) Open(ctx context.Context, method, rawURL string, headers []stealth.HeaderPair, body io.Reader) (*ResponseHandle, error) {
	expectedAccept := ""
	for _, h := range headers {
		if strings.EqualFold(h.Name, "Accept") {
			expectedAccept = h.Value
		}
	}

	var cancel context.CancelFunc
	if s.requestTimeout > 0 && !strings.Contains(expectedAccept, "text/event-stream") {
		ctx, cancel = context.WithTimeout(ctx, s.requestTimeout)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, &schemas.ConnectError{Op: "build request", Err: err}
	}

	// The header map loses ordering, so the transmission order rides along
	// under the transport's magic keys.
	order := make([]string, 0, len(headers))
	for _, h := range headers {
		req.Header.Set(h.Name, h.Value)
		order = append(order, strings.ToLower(h.Name))
	}
	req.Header[http.HeaderOrderKey] = order
	req.Header[http.PHeaderOrderKey] = pseudoHeaderOrder

	resp, err := s.client.Do(req)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, classifyTransportError(ctx, err)
	}

	if s.observer != nil {
		s.observer(nethttp.Header(resp.Header))
	}

	if chErr := detectChallenge(resp, expectedAccept); chErr != nil {
		_ = resp.Body.Close()
		if cancel != nil {
			cancel()
		}
		s.logger.Warn("anti-bot challenge intercepted the request",
			zap.Int("status", resp.StatusCode),
			zap.String("marker", chErr.Marker))
		return nil, chErr
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		if cancel != nil {
			cancel()
		}
		return nil, &schemas.HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	s.logger.Debug("request opened",
		zap.String("method", method),
		zap.String("url", rawURL),
		zap.Int("status", resp.StatusCode))

	return &ResponseHandle{
		StatusCode: resp.StatusCode,
		Header:     nethttp.Header(resp.Header),
		body:       resp.Body,
		cancel:     cancel,
	}, nil
}

// SetCookies seeds the session jar.
func (s *FingerprintSession) SetCookies(u *url.URL, cookies []*nethttp.Cookie) {
	converted := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		converted = append(converted, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   c.Domain,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
		})
	}
	s.client.Jar.SetCookies(u, converted)
}

// Close releases idle connections held by the underlying transport.
func (s *FingerprintSession) Close() {
	type idleCloser interface{ CloseIdleConnections() }
	if cm, ok := s.client.Transport.(*CompressionMiddleware); ok {
		if t, ok := cm.Transport.(idleCloser); ok {
			t.CloseIdleConnections()
		}
	}
}

// classifyTransportError keeps context cancellation and already-typed dialer
// errors intact and wraps everything else as a connect failure.
func classifyTransportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var connErr *schemas.ConnectError
	if errors.As(err, &connErr) {
		return connErr
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &schemas.ConnectError{Op: urlErr.Op, Err: urlErr.Err}
	}
	return &schemas.ConnectError{Op: "roundtrip", Err: err}
}

// detectChallenge recognizes anti-bot interception. Two signals: the explicit
// mitigation header on blocking statuses, and an HTML body on an endpoint
// that only ever serves JSON or an event stream.
func detectChallenge(resp *http.Response, expectedAccept string) *schemas.ChallengeError {
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusServiceUnavailable {
		if strings.EqualFold(resp.Header.Get(challengeHeader), "challenge") {
			return &schemas.ChallengeError{StatusCode: resp.StatusCode, Marker: challengeHeader}
		}
	}

	if expectedAccept == "" || strings.Contains(expectedAccept, "text/html") {
		return nil
	}
	contentType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err == nil && contentType == "text/html" {
		return &schemas.ChallengeError{StatusCode: resp.StatusCode, Marker: "html body"}
	}
	return nil
}

// Chunk is one read from a streaming response body.
type Chunk struct {
	Data []byte
	Err  error
}

// ResponseHandle owns a response body. For streaming endpoints the body is
// consumed through Chunks; for plain endpoints Bytes drains it in one call.
type ResponseHandle struct {
	StatusCode int
	Header     nethttp.Header

	body      io.ReadCloser
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewResponseHandle wraps an already-open body. Fake sessions in tests use
// it to hand canned streams to the layers above.
func NewResponseHandle(statusCode int, header nethttp.Header, body io.ReadCloser) *ResponseHandle {
	return &ResponseHandle{StatusCode: statusCode, Header: header, body: body}
}

// Chunks starts draining the body and returns the chunk channel. The channel
// is closed on EOF or error; a final chunk with Err set reports abnormal
// termination. The body is closed when the context is cancelled or the read
// loop ends.
func (h *ResponseHandle) Chunks(ctx context.Context) <-chan Chunk {
	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer h.Close()

		// Closing the body from a watcher goroutine is the only way to
		// interrupt a blocked Read.
		watchDone := make(chan struct{})
		defer close(watchDone)
		go func() {
			select {
			case <-ctx.Done():
				h.Close()
			case <-watchDone:
			}
		}()

		buf := make([]byte, 8192)
		for {
			n, err := h.body.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				select {
				case out <- Chunk{Data: data}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					select {
					case out <- Chunk{Err: err}:
					case <-ctx.Done():
					}
				}
				return
			}
		}
	}()
	return out
}

// Bytes drains and closes the body.
func (h *ResponseHandle) Bytes() ([]byte, error) {
	defer h.Close()
	return io.ReadAll(h.body)
}

// Close releases the body and the request deadline, if one was set. Safe to
// call multiple times.
func (h *ResponseHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		err = h.body.Close()
		if h.cancel != nil {
			h.cancel()
		}
	})
	return err
}
