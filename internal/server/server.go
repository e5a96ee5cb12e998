// Package server is the transport shell: it owns websocket connections,
// origin checks, heartbeats, and per-connection rate limits, decodes inbound
// messages for the router, and exposes the administrative REST surface.
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/GGPrompts/termhub/internal/audit"
	"github.com/GGPrompts/termhub/internal/config"
	"github.com/GGPrompts/termhub/internal/logging"
	"github.com/GGPrompts/termhub/internal/registry"
	"github.com/GGPrompts/termhub/internal/router"
)

// Inbound message limits per connection.
const (
	readLimit    = 1024 * 1024 // bytes per message
	messageRate  = 100         // sustained messages per second
	messageBurst = 200
	pingInterval = 30 * time.Second
)

// Server accepts websocket clients and serves the REST endpoints.
type Server struct {
	cfg      config.Settings
	router   *router.Router
	registry *registry.Registry
	auditLog *audit.Log
}

// New wires the transport shell to its collaborators.
func New(cfg config.Settings, rt *router.Router, reg *registry.Registry, auditLog *audit.Log) *Server {
	// envconfig turns an empty ALLOW_ORIGINS into a single empty pattern;
	// strip it so "unset" means same-origin only.
	origins := cfg.AllowOrigins[:0:0]
	for _, o := range cfg.AllowOrigins {
		if o != "" {
			origins = append(origins, o)
		}
	}
	cfg.AllowOrigins = origins
	return &Server{cfg: cfg, router: rt, registry: reg, auditLog: auditLog}
}

// Handler builds the HTTP routing table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWS)
	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/audit", s.handleAudit)
		r.Get("/logs", s.handleLogs)
	})
	return r
}

// HTTPServer returns a configured *http.Server ready to listen.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:        s.cfg.ListenAddr,
		Handler:     s.Handler(),
		ReadTimeout: 0, // websocket connections are long-lived
		IdleTimeout: 120 * time.Second,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"service":  "termhub",
		"sessions": s.registry.Count(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	counts := s.registry.CountsByStatus()
	byStatus := make(map[string]int, len(counts))
	for k, v := range counts {
		byStatus[string(k)] = v
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": s.registry.Count(),
		"byStatus": byStatus,
		"audit":    s.auditLog.Stats(),
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": s.auditLog.Recent(limit),
		"stats":  s.auditLog.Stats(),
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if v := r.URL.Query().Get("lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			lines = n
		}
	}
	tail, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": tail})
}

// handleWS runs one websocket client: accept with the configured origin
// allowlist, then a read-dispatch loop until the socket closes. On close the
// client's sessions are unbound, never destroyed.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		log.Printf("[server] websocket accept: %v", err)
		return
	}
	wsConn.SetReadLimit(readLimit)

	connID := uuid.New().String()
	ctx := r.Context()
	conn := newWSConnection(connID, wsConn, ctx)
	log.Printf("[server] connection %s opened from %s", connID, r.RemoteAddr)

	defer func() {
		conn.markDead()
		s.registry.HandleConnectionClosed(connID)
		log.Printf("[server] connection %s closed", connID)
		wsConn.CloseNow()
	}()

	// Heartbeat: close connections that stop answering pings.
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				err := wsConn.Ping(pingCtx)
				cancel()
				if err != nil {
					conn.markDead()
					wsConn.CloseNow()
					return
				}
			}
		}
	}()

	limiter := newTokenBucket(messageBurst, messageRate)

	for {
		var req router.Request
		if err := wsjson.Read(ctx, wsConn, &req); err != nil {
			return
		}
		if !limiter.allow() {
			conn.Send(router.Response{
				Kind:      req.Kind + "-response",
				Accepted:  false,
				Error:     router.ErrValidation,
				Message:   "message rate exceeded",
				Timestamp: time.Now().UnixMilli(),
			})
			continue
		}
		if resp := s.router.Handle(req, conn); resp != nil {
			conn.Send(*resp)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
