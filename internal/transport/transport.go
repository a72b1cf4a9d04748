// Package transport abstracts the proxy's outbound leg to the origin
// server. The Native variant is a plain TLS/TCP dialer; a fingerprint-
// spoofing variant that reshapes the TLS ClientHello to look browser-like
// is defined as an interface seam only — the real implementation is an
// external, separately-operated collaborator this proxy can fall back
// away from, never a dependency it bundles.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// Response is what a Transport hands back for one round trip: status line,
// headers, and a body reader that yields bytes in arrival order.
type Response struct {
	StatusCode   int
	ReasonPhrase string
	Header       map[string][]string
	Body         func() ([]byte, error) // single read of whatever arrived; callers loop until io.EOF
	Raw          net.Conn               // underlying connection, for callers that want to read the HTTP response themselves
}

// Transport establishes an outbound connection to an origin host:port,
// returning a connection ready for the caller to write an HTTP/1.1 request
// to and read a response from. It does not itself speak HTTP — that's
// layered on top by the CONNECT interceptor and HTTP forwarder, which both
// need to inspect raw bytes (chunked framing, SSE, Bedrock event-streams).
type Transport interface {
	// Dial returns a connection to host:port. If tlsHandshake is true the
	// connection is TLS-wrapped using the transport's policy; otherwise it
	// is a plain TCP connection (used for the HTTP forwarder's plaintext
	// origin requests).
	Dial(ctx context.Context, host string, port string, tlsHandshake bool) (net.Conn, error)

	// Name identifies the transport for logging and the /api/tls/config
	// surface.
	Name() string
}

// Native is the default Transport: standard library TLS, HTTP/1.1 only.
type Native struct {
	// VerifyOrigin controls hostname/chain verification for the outbound
	// TLS connection. Off by default — this proxy observes an agent's own
	// outbound traffic on a trusted machine, not a third party's.
	VerifyOrigin bool

	DialTimeout time.Duration
}

// NewNative creates a Native transport with the given origin-verification
// policy.
func NewNative(verifyOrigin bool) *Native {
	return &Native{VerifyOrigin: verifyOrigin, DialTimeout: 10 * time.Second}
}

func (n *Native) Name() string { return "native" }

func (n *Native) Dial(ctx context.Context, host, port string, tlsHandshake bool) (net.Conn, error) {
	addr := net.JoinHostPort(host, port)
	dialer := &net.Dialer{Timeout: n.dialTimeout()}

	if !tlsHandshake {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
		}
		return conn, nil
	}

	tlsDialer := &tls.Dialer{
		NetDialer: dialer,
		Config: &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: !n.VerifyOrigin,
			NextProtos:         []string{"http/1.1"}, // HTTP/2 to origin is out of scope
		},
	}
	conn, err := tlsDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: tls dial %s: %w", addr, err)
	}
	return conn, nil
}

func (n *Native) dialTimeout() time.Duration {
	if n.DialTimeout > 0 {
		return n.DialTimeout
	}
	return 10 * time.Second
}
