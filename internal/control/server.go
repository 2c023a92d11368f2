// Package control implements the loopback-only HTTP control plane of spec
// §4.6/§6 (C5): proxy lifecycle, live configuration, capture readout, and
// the server-sent event stream. It never binds to a non-loopback address.
//
// Grounded on the original implementation's internal/ipc/server.go
// (route table, {success,data,error} envelope, corsMiddleware, SSE loop
// over http.Flusher), adapted onto the eventbus.Bus subscription model
// instead of a hand-rolled per-client channel map.
package control

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kanti-proxy/backend/internal/eventbus"
	"github.com/kanti-proxy/backend/internal/mitm"
	"github.com/kanti-proxy/backend/internal/store"
)

// Server is the control-plane HTTP listener. The zero value is not usable;
// use New.
type Server struct {
	engine   *mitm.Engine
	capStore *store.Ring
	bus      *eventbus.Bus
	log      zerolog.Logger

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// New returns a Server over the given engine, capture store, and event bus.
func New(engine *mitm.Engine, capStore *store.Ring, bus *eventbus.Bus, log zerolog.Logger) *Server {
	return &Server{
		engine:   engine,
		capStore: capStore,
		bus:      bus,
		log:      log.With().Str("component", "control").Logger(),
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/proxy/start", s.handleStart)
	mux.HandleFunc("/api/proxy/stop", s.handleStop)
	mux.HandleFunc("/api/proxy/status", s.handleStatus)
	mux.HandleFunc("/api/proxy/config", s.handleConfig)
	mux.HandleFunc("/api/proxy/requests", s.handleRequests)
	mux.HandleFunc("/api/proxy/clear", s.handleClear)
	mux.HandleFunc("/api/events", s.handleEvents)
	return corsMiddleware(mux)
}

// Start binds the control plane to 127.0.0.1:port and begins serving.
// Binding is always loopback-only (spec §4.6: "Never bind to non-loopback
// addresses") regardless of what the caller passes as port.
func (s *Server) Start(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("bind control listener: %w", err)
	}

	s.listener = ln
	s.httpServer = &http.Server{Handler: s.routes()}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("control listener stopped unexpectedly")
		}
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("control plane listening")
	return nil
}

// Stop gracefully shuts down the control listener, waiting for in-flight
// requests (including any open /api/events streams) to finish within
// timeout.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()

	if httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return httpServer.Shutdown(ctx)
}

// corsMiddleware permits all origins, acceptable per spec §6 because the
// listener never leaves loopback.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
