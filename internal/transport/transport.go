// Package transport provides outbound HTTP transports for the gateway:
// a guarded transport for caller-supplied mandate URLs and the upstream
// facilitator transport.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
)

// Upstream TLS fingerprints.
const (
	FingerprintGo     = ""
	FingerprintChrome = "chrome"
)

// NewUpstreamTransport returns the transport used for facilitator calls.
// Hosted facilitators sit behind CDNs that rate-limit Go's TLS fingerprint;
// "chrome" presents a browser ClientHello instead.
func NewUpstreamTransport(fingerprint string, dialTimeout time.Duration) (http.RoundTripper, error) {
	switch fingerprint {
	case FingerprintGo, "go", "default":
		return &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         (&net.Dialer{Timeout: dialTimeout}).DialContext,
			TLSHandshakeTimeout: dialTimeout,
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        32,
			IdleConnTimeout:     90 * time.Second,
		}, nil
	case FingerprintChrome:
		return NewChromeTransport(dialTimeout), nil
	default:
		return nil, fmt.Errorf("unknown upstream TLS fingerprint %q", fingerprint)
	}
}

// NewChromeTransport creates an http.RoundTripper that presents Chrome's TLS
// fingerprint (uTLS HelloChrome_Auto). ALPN negotiates h2 or http/1.1; plain
// http URLs go straight to the HTTP/1.1 transport.
func NewChromeTransport(timeout time.Duration) http.RoundTripper {
	dialer := &net.Dialer{Timeout: timeout}

	h2Transport := &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialChromeTLS(ctx, dialer, network, addr)
		},
	}

	h1Transport := &http.Transport{
		DialContext: dialer.DialContext,
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialChromeTLS(ctx, dialer, network, addr)
		},
		ForceAttemptHTTP2: false,
	}

	return &chromeTransport{
		h2: h2Transport,
		h1: h1Transport,
	}
}

type chromeTransport struct {
	h2 *http2.Transport
	h1 *http.Transport
}

// RoundTrip tries HTTP/2 for https and falls back to HTTP/1.1.
// The fallback only happens when h2 failed before a response; request bodies
// are replayed through GetBody so POSTs survive the retry.
func (t *chromeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != "https" {
		return t.h1.RoundTrip(req)
	}

	resp, err := t.h2.RoundTrip(req)
	if err == nil {
		return resp, nil
	}

	if req.Body != nil && req.GetBody != nil {
		body, gerr := req.GetBody()
		if gerr != nil {
			return nil, err
		}
		req = req.Clone(req.Context())
		req.Body = body
	}
	return t.h1.RoundTrip(req)
}

func dialChromeTLS(ctx context.Context, dialer *net.Dialer, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	tlsConn := utls.UClient(conn, &utls.Config{ServerName: host}, utls.HelloChrome_Auto)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}

	return tlsConn, nil
}
