package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// FingerprintSidecar is a stub for a ClientHello-reshaping transport that
// would delegate to an external process speaking HTTP over a browser-like
// TLS handshake. The sidecar is treated as a child process with a private
// control channel; spawning and driving that process is out of scope here —
// this type always reports itself unavailable so callers fall back to
// Native, matching how an optional external collaborator should degrade.
type FingerprintSidecar struct {
	Profile string

	mu        sync.Mutex
	available bool
}

// NewFingerprintSidecar returns a sidecar manager for the named fingerprint
// profile. It never actually spawns a process.
func NewFingerprintSidecar(profile string) *FingerprintSidecar {
	return &FingerprintSidecar{Profile: profile}
}

func (f *FingerprintSidecar) Name() string { return "fingerprint:" + f.Profile }

// Available reports whether the sidecar process is up and answering its
// control channel. Always false in this build.
func (f *FingerprintSidecar) Available() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}

func (f *FingerprintSidecar) Dial(ctx context.Context, host, port string, tlsHandshake bool) (net.Conn, error) {
	return nil, fmt.Errorf("transport: fingerprint sidecar %q unavailable, fall back to native", f.Profile)
}

// WithFallback wraps a Transport so that a FingerprintSidecar is tried first
// and, when unavailable, the fallback is used silently from the caller's
// perspective but logged by whoever constructs this.
type WithFallback struct {
	Primary  Transport
	Fallback Transport
}

func (w *WithFallback) Name() string { return w.Primary.Name() }

func (w *WithFallback) Dial(ctx context.Context, host, port string, tlsHandshake bool) (net.Conn, error) {
	if sc, ok := w.Primary.(*FingerprintSidecar); ok && !sc.Available() {
		return w.Fallback.Dial(ctx, host, port, tlsHandshake)
	}
	conn, err := w.Primary.Dial(ctx, host, port, tlsHandshake)
	if err != nil {
		return w.Fallback.Dial(ctx, host, port, tlsHandshake)
	}
	return conn, nil
}
