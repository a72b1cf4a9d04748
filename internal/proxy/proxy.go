// Package proxy is the intercepting HTTP/HTTPS/WebSocket forward proxy: it
// terminates CONNECT tunnels with a locally-generated CA (internal/tls),
// forwards plain absolute-URI HTTP requests directly, and for both paths
// parses streaming response bodies (internal/parser) into events recorded
// in the Flow Store (internal/store).
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/siphonhq/siphon/internal/codec"
	"github.com/siphonhq/siphon/internal/config"
	"github.com/siphonhq/siphon/internal/redact"
	"github.com/siphonhq/siphon/internal/store"
	"github.com/siphonhq/siphon/internal/streamkind"
	siphontls "github.com/siphonhq/siphon/internal/tls"
	"github.com/siphonhq/siphon/internal/transport"
)

// Proxy is the intercepting proxy: the single net/http.Handler bound to the
// proxy listener, demultiplexing CONNECT (MITM or passthrough tunnel) from
// plain absolute-URI HTTP requests.
type Proxy struct {
	cfg       *config.Config
	logger    *slog.Logger
	ca        *siphontls.CA
	certCache *siphontls.CertCache
	redactor  *redact.Redactor
	store     store.Store
	transport transport.Transport

	server *http.Server
	client *http.Client

	// tunnelConns tracks live passthrough/WebSocket byte-pump connections so
	// shutdown can close them promptly instead of waiting out their 5-minute
	// idle timeout.
	tunnelMu    sync.Mutex
	tunnelConns map[net.Conn]struct{}
	tunnelWg    sync.WaitGroup
}

// Config holds everything needed to construct a Proxy.
type Config struct {
	Config    *config.Config
	Logger    *slog.Logger
	CA        *siphontls.CA
	CertCache *siphontls.CertCache
	Redactor  *redact.Redactor
	Store     store.Store
	Transport transport.Transport

	InsecureSkipVerifyUpstream bool
}

// New creates a Proxy ready to Serve.
func New(cfg Config) (*Proxy, error) {
	if cfg.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.CA == nil {
		return nil, fmt.Errorf("CA is required")
	}
	if cfg.CertCache == nil {
		return nil, fmt.Errorf("CertCache is required")
	}
	if cfg.Redactor == nil {
		return nil, fmt.Errorf("Redactor is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Transport == nil {
		cfg.Transport = transport.NewNative(cfg.Config.TLS.VerifyOrigin && !cfg.InsecureSkipVerifyUpstream)
	}

	p := &Proxy{
		cfg:         cfg.Config,
		logger:      cfg.Logger,
		ca:          cfg.CA,
		certCache:   cfg.CertCache,
		redactor:    cfg.Redactor,
		store:       cfg.Store,
		transport:   cfg.Transport,
		tunnelConns: make(map[net.Conn]struct{}),
	}

	// Both the forwarder's plain-HTTP dials and its HTTPS dials go through
	// the configured Transport, so switching TLS fingerprint profile (the
	// Control/API Surface's /api/tls/profile endpoint) affects every origin
	// connection the HTTP forwarder makes, not just the CONNECT/MITM path.
	httpTransport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			return p.transport.Dial(ctx, host, port, false)
		},
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			return p.transport.Dial(ctx, host, port, true)
		},
		ForceAttemptHTTP2:     false,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	p.client = &http.Client{
		Transport: httpTransport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: 0, // streaming responses can be long-lived
	}

	p.server = &http.Server{
		Addr:         cfg.Config.Proxy.ListenAddr(),
		Handler:      p,
		ReadTimeout:  0,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	return p, nil
}

// Serve starts the proxy server by creating its own listener.
func (p *Proxy) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.server.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return p.ServeListener(ctx, ln)
}

// ServeListener starts the proxy on a caller-supplied listener, so the
// caller can apply port-fallback-on-EADDRINUSE logic.
func (p *Proxy) ServeListener(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		p.logger.Info("shutting down proxy")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = p.server.Shutdown(shutdownCtx)
		p.closeTunnels()
		p.tunnelWg.Wait()
	}()

	p.logger.Info("proxy listening", "addr", ln.Addr().String())
	if err := p.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.logger.Debug("incoming request", "method", r.Method, "host", r.Host, "url", r.URL.String())
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	p.handleHTTP(w, r)
}

// handleHTTP is the HTTP Forwarder (spec §4.6): plain requests with an
// absolute URI, forwarded directly without a CONNECT tunnel.
func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	flowID := uuid.New().String()

	var reqBody []byte
	if r.Body != nil {
		reqBody, _ = io.ReadAll(r.Body)
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(reqBody))
	}

	flow := &store.Flow{
		ID:        flowID,
		Host:      r.Host,
		Type:      "http",
		Timestamp: startTime,
		Request:   p.buildRequestInfo(r, reqBody),
	}
	p.createFlow(flow)

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, r.URL.String(), bytes.NewReader(reqBody))
	if err != nil {
		p.logger.Error("failed to create request", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	copyHeaders(outReq.Header, r.Header)
	removeHopByHopHeaders(outReq.Header)
	outReq.Header.Del("Accept-Encoding") // want plaintext back so bodies are readable/parseable

	resp, err := p.client.Do(outReq)
	if err != nil {
		p.logger.Error("failed to forward request", "error", err)
		http.Error(w, "Bad gateway", http.StatusBadGateway)
		flow.Response = &store.ResponseInfo{StatusCode: http.StatusBadGateway, StatusText: "Bad Gateway", Body: strPtr(err.Error())}
		p.updateFlow(flow)
		return
	}
	defer resp.Body.Close()

	kind := streamkind.Classify(r.Host, r.URL.Path, resp.Header.Get("Content-Type"))
	flow.IsStreaming = kind != streamkind.KindNone

	copyHeaders(w.Header(), resp.Header)
	removeHopByHopHeaders(w.Header())
	w.WriteHeader(resp.StatusCode)

	var capture bytes.Buffer
	limited := &limitedBuffer{buf: &capture, max: p.cfg.Memory.BodyMaxBytes}

	if flow.IsStreaming {
		fw := newFlushWriter(w)
		if err := p.streamBody(flowID, kind, resp.Body, resp.Header.Get("Content-Encoding"), fw, limited); err != nil {
			p.logger.Debug("error streaming response", "error", err)
		}
	} else {
		mw := io.MultiWriter(w, limited)
		if _, err := io.Copy(mw, resp.Body); err != nil {
			p.logger.Debug("error copying response", "error", err)
		}
	}

	p.finalizeResponse(flow, startTime, resp.StatusCode, resp.Status, resp.Header, &capture, limited.truncated, kind)
	p.storeRawIfEnabled(flow, r.Method, r.URL.String(), r.Header, reqBody, resp.StatusCode, resp.Header, capture.Bytes())
	p.updateFlow(flow)
}

// storeRawIfEnabled persists the verbatim request/response wire bytes when
// raw body storage is enabled (config.RedactionConfig.RawBodyStorage, off by
// default). Streaming flows never get here with raw bytes worth keeping —
// callers only invoke this for non-streaming exchanges.
func (p *Proxy) storeRawIfEnabled(flow *store.Flow, method, url string, reqHeaders http.Header, reqBody []byte, statusCode int, respHeaders http.Header, respBody []byte) {
	if p.store == nil || p.redactor == nil || !p.redactor.ShouldStoreRawBody() || flow.IsStreaming {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.store.SetRawRequest(ctx, flow.ID, rawHTTPMessage(fmt.Sprintf("%s %s HTTP/1.1", method, url), reqHeaders, reqBody)); err != nil {
		p.logger.Error("failed to store raw request", "flow_id", flow.ID, "error", err)
		return
	}
	if err := p.store.SetRawResponse(ctx, flow.ID, rawHTTPMessage(fmt.Sprintf("HTTP/1.1 %d %s", statusCode, http.StatusText(statusCode)), respHeaders, respBody)); err != nil {
		p.logger.Error("failed to store raw response", "flow_id", flow.ID, "error", err)
		return
	}
	flow.HasRawHTTP = true
}

// rawHTTPMessage renders a startLine + headers + body as wire bytes.
func rawHTTPMessage(startLine string, headers http.Header, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(startLine)
	buf.WriteString("\r\n")
	_ = headers.Write(&buf)
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}

// buildRequestInfo captures, redacts, and caps a request's headers and body.
func (p *Proxy) buildRequestInfo(r *http.Request, body []byte) *store.RequestInfo {
	headers := r.Header
	if p.redactor != nil {
		headers = p.redactor.RedactHeaders(headers)
	}
	info := &store.RequestInfo{
		Method:  r.Method,
		URL:     r.URL.String(),
		Path:    r.URL.Path,
		Headers: headers,
	}
	if len(body) == 0 {
		return info
	}
	stored := body
	if p.cfg.Memory.BodyMaxBytes > 0 && len(stored) > p.cfg.Memory.BodyMaxBytes {
		stored = stored[:p.cfg.Memory.BodyMaxBytes]
	}
	text := string(stored)
	if p.redactor != nil {
		text = p.redactor.RedactBody(text)
	}
	info.Body = &text
	return info
}

// finalizeResponse fills in a flow's ResponseInfo once the exchange has
// completed. For streaming flows, body is the parser's decoded text (SSE) or
// a placeholder (Bedrock's binary framing); for everything else it is the
// Content-Encoding-decoded capture buffer. duration is measured from
// startTime to here, so it spans the full response body/stream, not just
// time-to-first-byte.
func (p *Proxy) finalizeResponse(flow *store.Flow, startTime time.Time, statusCode int, statusText string, headers http.Header, capture *bytes.Buffer, truncated bool, kind streamkind.Kind) {
	duration := time.Since(startTime).Milliseconds()
	flow.DurationMs = &duration

	respHeaders := headers
	if p.redactor != nil {
		respHeaders = p.redactor.RedactHeaders(headers)
	}
	resp := &store.ResponseInfo{
		StatusCode: statusCode,
		StatusText: statusText,
		Headers:    respHeaders,
		Truncated:  truncated,
	}

	switch {
	case kind == streamkind.KindBedrockEventStream:
		placeholder := "[Bedrock Event Stream]"
		resp.Body = &placeholder
	case kind == streamkind.KindSSE:
		// streamBody already decompressed the body before the parser (and
		// the capture buffer) ever saw it.
		if capture.Len() > 0 {
			text := capture.String()
			if p.redactor != nil {
				text = p.redactor.RedactBody(text)
			}
			resp.Body = &text
		}
	case capture.Len() > 0:
		decoded := codec.DecodeAll(capture.Bytes(), headers.Get("Content-Encoding"))
		text := string(decoded)
		if p.redactor != nil {
			text = p.redactor.RedactBody(text)
		}
		resp.Body = &text
	}

	flow.Response = resp
}

func strPtr(s string) *string { return &s }

func (p *Proxy) createFlow(flow *store.Flow) {
	if p.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.CreateFlow(ctx, flow); err != nil {
		p.logger.Error("failed to create flow", "flow_id", flow.ID, "error", err)
	}
}

func (p *Proxy) updateFlow(flow *store.Flow) {
	if p.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.UpdateFlow(ctx, flow); err != nil {
		p.logger.Error("failed to update flow", "flow_id", flow.ID, "error", err)
	}
}

// copyHeaders copies headers from src to dst.
func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}

// hopByHopHeaders are headers that should not be forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopByHopHeaders removes hop-by-hop headers from the header map.
func removeHopByHopHeaders(h http.Header) {
	conn := h.Get("Connection")
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
	if conn != "" {
		for _, f := range strings.Split(conn, ",") {
			if f = strings.TrimSpace(f); f != "" {
				h.Del(f)
			}
		}
	}
}

// isWebSocketUpgrade reports whether r is a WebSocket upgrade request.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		headerContainsToken(r.Header.Get("Connection"), "upgrade")
}

func headerContainsToken(header, token string) bool {
	for _, f := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(f), token) {
			return true
		}
	}
	return false
}

// trackConn registers a raw connection handed to the byte-pump tunnel so
// shutdown can close it out from under a blocked idle read.
func (p *Proxy) trackConn(c net.Conn) {
	p.tunnelMu.Lock()
	p.tunnelConns[c] = struct{}{}
	p.tunnelMu.Unlock()
}

func (p *Proxy) untrackConn(c net.Conn) {
	p.tunnelMu.Lock()
	delete(p.tunnelConns, c)
	p.tunnelMu.Unlock()
}

// closeTunnels closes every tracked passthrough/WebSocket connection,
// unblocking the tunnel goroutines' reads so tunnelWg.Wait returns promptly
// on shutdown instead of after the idle timeout.
func (p *Proxy) closeTunnels() {
	p.tunnelMu.Lock()
	conns := make([]net.Conn, 0, len(p.tunnelConns))
	for c := range p.tunnelConns {
		conns = append(conns, c)
	}
	p.tunnelMu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
