package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	utls "github.com/bogdanfinn/utls"

	"github.com/pv-udpv/perplexity-ai-v2/api/schemas"
	"github.com/pv-udpv/perplexity-ai-v2/internal/stealth"
)

const (
	defaultDialTimeout         = 15 * time.Second
	defaultKeepAliveInterval   = 30 * time.Second
	defaultTLSHandshakeTimeout = 10 * time.Second
)

// Dialer establishes TLS connections presenting a specific ClientHello shape
// instead of the Go runtime's. The negotiated protocol must be h2: the
// impersonated clients never fall back to HTTP/1.1 on this endpoint, so a
// different ALPN result means interference.
type Dialer struct {
	helloID            utls.ClientHelloID
	insecureSkipVerify bool
	dialTimeout        time.Duration
	handshakeTimeout   time.Duration
	proxyURL           *url.URL
}

// DialerOptions configures a Dialer. Zero timeouts fall back to the package
// defaults.
type DialerOptions struct {
	Profile            *stealth.FingerprintProfile
	InsecureSkipVerify bool
	DialTimeout        time.Duration
	TLSHandshakeTimeout time.Duration
	ProxyURL           *url.URL
}

// NewDialer builds a dialer for the given fingerprint profile.
func NewDialer(opts DialerOptions) *Dialer {
	d := &Dialer{
		helloID:            opts.Profile.ClientHelloID,
		insecureSkipVerify: opts.InsecureSkipVerify,
		dialTimeout:        opts.DialTimeout,
		handshakeTimeout:   opts.TLSHandshakeTimeout,
		proxyURL:           opts.ProxyURL,
	}
	if d.dialTimeout <= 0 {
		d.dialTimeout = defaultDialTimeout
	}
	if d.handshakeTimeout <= 0 {
		d.handshakeTimeout = defaultTLSHandshakeTimeout
	}
	return d
}

// DialTLS matches the http2.Transport DialTLS signature. The tls.Config
// argument is ignored: the handshake shape comes entirely from the profile's
// ClientHelloID. Both the dial and the handshake are bounded by the dialer's
// own timeouts, so no caller context is needed.
func (d *Dialer) DialTLS(network, addr string, _ *utls.Config) (net.Conn, error) {
	return d.dialTLS(context.Background(), network, addr)
}

func (d *Dialer) dialTLS(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, &schemas.ConnectError{Op: "resolve", Err: err}
	}

	rawConn, err := d.dialTCP(ctx, network, addr)
	if err != nil {
		return nil, &schemas.ConnectError{Op: "dial", Err: err}
	}

	tlsConn := utls.UClient(rawConn, &utls.Config{
		ServerName:         host,
		InsecureSkipVerify: d.insecureSkipVerify,
	}, d.helloID, false, false)

	hsCtx, cancel := context.WithTimeout(ctx, d.handshakeTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		_ = rawConn.Close()
		return nil, &schemas.ConnectError{Op: "tls handshake", Err: err}
	}

	if proto := tlsConn.ConnectionState().NegotiatedProtocol; proto != "h2" {
		_ = tlsConn.Close()
		return nil, &schemas.ConnectError{
			Op:  "alpn",
			Err: fmt.Errorf("server negotiated %q, want h2", proto),
		}
	}

	return tlsConn, nil
}

// dialTCP opens the raw connection, tunneling through an HTTP CONNECT proxy
// when one is configured.
func (d *Dialer) dialTCP(ctx context.Context, network, addr string) (net.Conn, error) {
	netDialer := &net.Dialer{
		Timeout:   d.dialTimeout,
		KeepAlive: defaultKeepAliveInterval,
	}

	if d.proxyURL == nil {
		return netDialer.DialContext(ctx, network, addr)
	}

	conn, err := netDialer.DialContext(ctx, network, proxyAddr(d.proxyURL))
	if err != nil {
		return nil, fmt.Errorf("proxy dial: %w", err)
	}
	if err := connectThrough(ctx, conn, d.proxyURL, addr); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// connectThrough issues the CONNECT handshake on an established proxy
// connection.
func connectThrough(ctx context.Context, conn net.Conn, proxy *url.URL, target string) error {
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: make(http.Header),
	}
	if user := proxy.User; user != nil {
		password, _ := user.Password()
		req.SetBasicAuth(user.Username(), password)
		req.Header.Set("Proxy-Authorization", req.Header.Get("Authorization"))
		req.Header.Del("Authorization")
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	if err := req.Write(conn); err != nil {
		return fmt.Errorf("proxy connect write: %w", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		return fmt.Errorf("proxy connect read: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("proxy connect refused: %s", resp.Status)
	}
	return nil
}

func proxyAddr(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	return net.JoinHostPort(u.Hostname(), "8080")
}
