package transport

import (
	"context"
	"net"
	"sync/atomic"
)

// KnownProfiles lists the fingerprint profiles the /api/tls/config surface
// will accept for POST /api/tls/profile/:profile, beyond the always-present
// "native" default.
var KnownProfiles = []string{"chrome", "firefox", "safari"}

// Switcher lets the control API swap the proxy's active outbound Transport
// at runtime (GET/POST /api/tls/profile) without restarting the process.
// It is itself a Transport, so the proxy dials through the Switcher and
// never needs to know a switch happened mid-flight.
type Switcher struct {
	current atomic.Value // Transport
	native  Transport
}

// NewSwitcher creates a Switcher defaulting to native.
func NewSwitcher(native Transport) *Switcher {
	s := &Switcher{native: native}
	s.current.Store(native)
	return s
}

func (s *Switcher) Name() string {
	return s.Current().Name()
}

func (s *Switcher) Dial(ctx context.Context, host, port string, tlsHandshake bool) (net.Conn, error) {
	return s.Current().Dial(ctx, host, port, tlsHandshake)
}

// Current returns the active transport.
func (s *Switcher) Current() Transport {
	return s.current.Load().(Transport)
}

// Switch sets profile as the active transport. "native" (or "") resets to
// the plain dialer; any other name is wrapped in a FingerprintSidecar with
// fallback to native, since the sidecar process itself is out of scope here.
func (s *Switcher) Switch(profile string) {
	if profile == "" || profile == "native" {
		s.current.Store(s.native)
		return
	}
	s.current.Store(&WithFallback{
		Primary:  NewFingerprintSidecar(profile),
		Fallback: s.native,
	})
}
