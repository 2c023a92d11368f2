// Package mitm wires the certificate authority, capture pipeline, capture
// store, and event bus into a running intercepting proxy, per spec §4.2
// (C1→C2 glue). It owns the proxy listener's lifecycle and the live
// ProxyConfig that governs SSL interception, scope, and header injection.
//
// Grounded on the teacher's internal/proxy/proxy_server.go (listener
// lifecycle, start/stop under a single lock) and restructured around
// github.com/elazarl/goproxy the way
// _examples/original_source/src-go/internal/proxy/proxy.go uses it
// (setupSSLInterception/setupHandlers/captureRequest/captureResponse), with
// the same interception library also demonstrated in
// _examples/other_examples/elazarl-goproxy__main.go and
// _examples/other_examples/elazarl-goproxy2__sslstrip.go.
package mitm

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/rs/zerolog"

	"github.com/kanti-proxy/backend/internal/capture"
	"github.com/kanti-proxy/backend/internal/cert"
	"github.com/kanti-proxy/backend/internal/eventbus"
	"github.com/kanti-proxy/backend/internal/model"
	"github.com/kanti-proxy/backend/internal/scope"
	"github.com/kanti-proxy/backend/internal/store"
)

// upstreamDialTimeout bounds the connect leg to the origin server (spec §5:
// "suggestion: 30s").
const upstreamDialTimeout = 30 * time.Second

// Engine is the running MITM proxy: a goproxy server fronted by a listener,
// plus the live ProxyConfig that the control plane mutates. The zero value
// is not usable; use New.
type Engine struct {
	certMgr  *cert.Manager
	pipeline *capture.Pipeline
	capStore *store.Ring
	bus      *eventbus.Bus
	log      zerolog.Logger

	cfgMu sync.RWMutex
	cfg   model.ProxyConfig

	lifecycleMu sync.Mutex
	listener    net.Listener
	proxy       *goproxy.ProxyHttpServer
	running     bool
	port        int
}

// New returns an Engine over the given dependencies, initialized with cfg.
func New(certMgr *cert.Manager, pipeline *capture.Pipeline, capStore *store.Ring, bus *eventbus.Bus, cfg model.ProxyConfig, log zerolog.Logger) *Engine {
	return &Engine{
		certMgr:  certMgr,
		pipeline: pipeline,
		capStore: capStore,
		bus:      bus,
		cfg:      cfg.Clone(),
		log:      log.With().Str("component", "mitm").Logger(),
	}
}

// Config returns a copy of the live configuration.
func (e *Engine) Config() model.ProxyConfig {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg.Clone()
}

// SetConfig replaces the live configuration. Takes effect on the next
// captured exchange; a changed Port only applies on the next Start (spec
// §3's ProxyConfig lifecycle note).
func (e *Engine) SetConfig(cfg model.ProxyConfig) {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	e.cfg = cfg.Clone()
}

// IsRunning reports whether the proxy listener is currently accepting
// connections.
func (e *Engine) IsRunning() bool {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	return e.running
}

// Status returns the read-only ProxyStatus projection spec §3 describes.
func (e *Engine) Status() model.ProxyStatus {
	e.lifecycleMu.Lock()
	running, port := e.running, e.port
	e.lifecycleMu.Unlock()

	return model.ProxyStatus{
		IsRunning:         running,
		Port:              port,
		CACertificatePath: e.certMgr.CACertificatePath(),
	}
}

// Start binds a listener on port on all interfaces and begins serving. Starting
// an already-running engine is an error (spec §6: "proxy server already
// running"); lifecycle operations are serialized by lifecycleMu per spec
// §4.6's single-writer constraint.
func (e *Engine) Start(port int) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if e.running {
		return fmt.Errorf("proxy server already running")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("bind proxy listener: %w", err)
	}

	e.proxy = e.buildProxy()
	e.listener = ln
	e.running = true
	e.port = port

	go func() {
		if err := http.Serve(ln, e.proxy); err != nil {
			e.log.Debug().Err(err).Msg("proxy listener stopped")
		}
	}()

	e.log.Info().Int("port", port).Msg("proxy started")
	return nil
}

// Stop closes the listener, so no new connections are accepted, and flushes
// any pending batches before returning. Connections that were already
// accepted are not closed; their in-flight exchanges run to completion.
// Stopping an already-stopped engine is an error (spec §6: "proxy server not
// running").
func (e *Engine) Stop() error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if !e.running {
		return fmt.Errorf("proxy server not running")
	}

	err := e.listener.Close()
	e.running = false
	e.listener = nil
	e.proxy = nil

	e.bus.Flush()

	e.log.Info().Msg("proxy stopped")
	if err != nil {
		return fmt.Errorf("close proxy listener: %w", err)
	}
	return nil
}

// buildProxy assembles a goproxy server wired to this engine's capture,
// scope, and certificate logic.
func (e *Engine) buildProxy() *goproxy.ProxyHttpServer {
	proxy := goproxy.NewProxyHttpServer()
	proxy.Verbose = false
	proxy.Tr = &http.Transport{
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		DialContext:     (&net.Dialer{Timeout: upstreamDialTimeout}).DialContext,
	}

	mitmAction := &goproxy.ConnectAction{
		Action:    goproxy.ConnectMitm,
		TLSConfig: e.tlsConfigForHost,
	}

	proxy.OnRequest().HandleConnectFunc(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		if e.Config().SSLInterception {
			return mitmAction, host
		}
		return goproxy.OkConnect, host
	})

	proxy.OnRequest().DoFunc(func(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
		return e.onRequest(req, ctx)
	})
	proxy.OnResponse().DoFunc(func(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
		return e.onResponse(resp, ctx)
	})

	return proxy
}

// exchangeState is stashed on the ProxyCtx between onRequest and onResponse
// to carry the correlation token and the scope decision made at request
// time (spec §4.3: "Records dropped at request time must also be dropped
// at response time").
type exchangeState struct {
	started capture.Started
	inScope bool
}

func (e *Engine) onRequest(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	if req.Method == http.MethodConnect {
		return req, nil
	}

	cfg := e.Config()

	rec, started := e.pipeline.CaptureRequest(req)
	inScope := scope.ShouldCapture(req.Host, cfg.SaveOnlyInScope, cfg.InScope, cfg.OutOfScope)
	ctx.UserData = exchangeState{started: started, inScope: inScope}

	capture.PrepareOutbound(req.Header, cfg.CustomHeaders)

	if inScope {
		e.capStore.Append(rec)
		e.bus.EmitRequest(rec)
	}

	return req, nil
}

func (e *Engine) onResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	state, ok := ctx.UserData.(exchangeState)
	if !ok {
		return resp
	}

	var rec model.RequestDetails
	if resp == nil {
		rec = e.pipeline.CaptureError(ctx.Req, state.started, classifyError(ctx.Error))
	} else {
		rec = e.pipeline.CaptureResponse(ctx.Req, resp, state.started, func(length int) {
			e.onFinalLength(state, rec, length)
		})
	}

	if state.inScope {
		e.capStore.UpdateByID(rec)
		e.bus.EmitResponse(rec)
	}

	return resp
}

// onFinalLength applies the deferred byte count a non-textual response body
// only yields once it has fully streamed to the client (spec §4.3: "still
// records the byte count"). It updates the store entry in place rather than
// re-emitting an event, since the bus has already notified subscribers of
// this exchange's completion.
func (e *Engine) onFinalLength(state exchangeState, rec model.RequestDetails, length int) {
	if !state.inScope {
		return
	}
	rec.ResponseLength = length
	e.capStore.UpdateByID(rec)
}

// tlsConfigForHost builds the client-leg TLS config for an intercepted
// CONNECT tunnel, presenting a leaf certificate for host (spec §4.2:
// "perform a TLS handshake toward the client using a leaf for host").
func (e *Engine) tlsConfigForHost(host string, ctx *goproxy.ProxyCtx) (*tls.Config, error) {
	domain := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		domain = h
	}

	leaf, err := e.certMgr.GetCertificate(domain)
	if err != nil {
		return nil, fmt.Errorf("issue leaf for %s: %w", domain, err)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{*leaf},
	}, nil
}

// classifyError maps an upstream failure into the coarse category spec §7
// records on synthesized error exchanges.
func classifyError(err error) string {
	if err == nil {
		return "upstream_error"
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(msg, "tls"), strings.Contains(msg, "certificate"), strings.Contains(msg, "x509"):
		return "tls_handshake_failed"
	case strings.Contains(msg, "refused"), strings.Contains(msg, "no such host"), strings.Contains(msg, "dial"):
		return "upstream_dial_failed"
	default:
		return "upstream_error"
	}
}
