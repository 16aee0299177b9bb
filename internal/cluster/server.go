// Package cluster is the gateway's HTTP boundary: inbound messages, SSE and
// WebSocket streams, the adaptor directory, runtime settings and the MCP
// return endpoint, all on one listener.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dayuer/beacon-gateway/internal/bus"
	"github.com/dayuer/beacon-gateway/internal/confighub"
	"github.com/dayuer/beacon-gateway/internal/forward"
	"github.com/dayuer/beacon-gateway/internal/registry"
	"github.com/dayuer/beacon-gateway/internal/stream"
	"github.com/dayuer/beacon-gateway/internal/transport"
)

// Forwarder hands inbound messages to the remote agent.
type Forwarder interface {
	Forward(ctx context.Context, msg bus.Message) forward.Result
	Stats() forward.Stats
}

// Server is the gateway HTTP server.
type Server struct {
	host       string
	port       int
	apiKey     string
	instanceID string

	bus       *bus.MessageBus
	forwarder Forwarder
	registry  *registry.Registry
	configHub *confighub.ConfigHub
	limiter   *channelLimiter

	streamOpts stream.Options

	// Load stats
	activeRequests atomic.Int64
	totalRequests  atomic.Int64
	activeStreams  atomic.Int64
	latency        *latencyWindow
	startTime      time.Time

	mux *http.ServeMux
	srv *http.Server
}

// ServerConfig configures the cluster Server.
type ServerConfig struct {
	Host       string
	Port       int
	APIKey     string
	InstanceID string

	Bus       *bus.MessageBus
	Forwarder Forwarder
	Registry  *registry.Registry
	ConfigHub *confighub.ConfigHub

	// ReturnHandler serves the MCP return endpoint; nil disables it.
	ReturnHandler http.Handler

	Stream             stream.Options
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// NewServer creates a new HTTP API server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Bus == nil {
		cfg.Bus = bus.NewMessageBus(bus.Config{})
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.NewRegistry()
	}
	streamOpts := cfg.Stream
	if streamOpts.QueueSize <= 0 {
		streamOpts.QueueSize = stream.DefaultQueueSize
	}
	// room for a full backlog replay on top of the live queue
	streamOpts.QueueSize += cfg.Bus.Capacity()

	s := &Server{
		host:       cfg.Host,
		port:       cfg.Port,
		apiKey:     cfg.APIKey,
		instanceID: cfg.InstanceID,
		bus:        cfg.Bus,
		forwarder:  cfg.Forwarder,
		registry:   cfg.Registry,
		configHub:  cfg.ConfigHub,
		limiter:    newChannelLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst),
		streamOpts: streamOpts,
		latency:    newLatencyWindow(60 * time.Second),
		startTime:  time.Now(),
		mux:        http.NewServeMux(),
	}

	// Register routes
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/messages", s.withAuth(s.handlePostMessage))
	s.mux.HandleFunc("GET /api/messages/{networkId}/{botId}", s.handleSSE)
	s.mux.HandleFunc("GET /api/messages/{direction}/{networkId}/{botId}", s.handleSSE)
	s.mux.HandleFunc("GET /ws/messages/{direction}/{networkId}/{botId}", s.handleWS)
	s.mux.HandleFunc("GET /api/status", s.withAuth(s.handleStatus))
	s.mux.HandleFunc("GET /api/load", s.withAuth(s.handleLoad))
	s.mux.HandleFunc("POST /api/attach", s.withAuth(s.handleAttach))
	s.mux.HandleFunc("GET /api/adaptorIDs", s.handleListAdaptors)
	s.mux.HandleFunc("GET /api/config/forward", s.withAuth(s.handleGetForwardConfig))
	s.mux.HandleFunc("PUT /api/config/forward", s.withAuth(s.handlePutForwardConfig))
	if cfg.ReturnHandler != nil {
		s.mux.Handle(transport.ReturnPath, cfg.ReturnHandler)
	}

	return s
}

// Handler is the full HTTP handler, CORS included.
func (s *Server) Handler() http.Handler { return withCORS(s.mux) }

// Start serves until ctx is done. Open streams end when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	host := s.host
	if host == "" {
		host = "0.0.0.0"
	}
	// request contexts end with ctx so long-lived streams let Shutdown finish
	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	log.Printf("[Cluster] ✅ HTTP API → http://%s:%d", host, s.port)
	log.Printf("[Cluster] ✅ SSE → http://%s:%d/api/messages/{in|out}/{networkId}/{botId}", host, s.port)
	log.Printf("[Cluster] ✅ WebSocket → ws://%s:%d/ws/messages/{in|out}/{networkId}/{botId}", host, s.port)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()

	if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop stops the server gracefully.
func (s *Server) Stop() {
	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(ctx)
	}
}

// --- Middleware ---

func (s *Server) withAuth(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" {
			auth := r.Header.Get("Authorization")
			if auth != "Bearer "+s.apiKey {
				writeJSONError(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		handler(w, r)
	}
}

// withCORS allows any origin and answers preflight requests.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
			h.Set("Access-Control-Allow-Headers", "content-type,last-event-id,authorization")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"instanceId": s.instanceID,
		"uptime":     int(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{
		"instanceId":     s.instanceID,
		"uptime":         int(time.Since(s.startTime).Seconds()),
		"activeRequests": s.activeRequests.Load(),
		"totalRequests":  s.totalRequests.Load(),
		"activeStreams":  s.activeStreams.Load(),
		"bus":            s.bus.Stats(),
		"adaptorCount":   s.registry.Len(),
	}
	if s.forwarder != nil {
		status["forward"] = s.forwarder.Stats()
	}
	if s.configHub != nil {
		status["forwardConfig"] = s.configHub.Current()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleLoad(w http.ResponseWriter, _ *http.Request) {
	avgMs, recent := s.latency.Avg()
	writeJSON(w, http.StatusOK, map[string]any{
		"activeRequests": s.activeRequests.Load(),
		"totalRequests":  s.totalRequests.Load(),
		"recentRequests": recent,
		"avgLatencyMs":   avgMs,
		"activeStreams":  s.activeStreams.Load(),
	})
}

func (s *Server) handleGetForwardConfig(w http.ResponseWriter, _ *http.Request) {
	if s.configHub == nil {
		writeJSONError(w, "config hub not configured", http.StatusNotImplemented)
		return
	}
	writeJSON(w, http.StatusOK, s.configHub.Current())
}

func (s *Server) handlePutForwardConfig(w http.ResponseWriter, r *http.Request) {
	if s.configHub == nil {
		writeJSONError(w, "config hub not configured", http.StatusNotImplemented)
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<10))
	if err != nil {
		writeJSONError(w, "invalid_body", http.StatusBadRequest)
		return
	}
	if err := s.configHub.HandleConfigUpdate(raw); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.configHub.Current())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}
