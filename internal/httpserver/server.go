// Package httpserver is the management surface: health, metrics and a
// small JWT-guarded read API over devices and audit history. It binds
// to the management address only and never touches signaling traffic.
package httpserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ljhlovehui/rustdesk-server/internal/metrics"
	"github.com/ljhlovehui/rustdesk-server/internal/registry"
	"github.com/ljhlovehui/rustdesk-server/internal/store"
	"github.com/ljhlovehui/rustdesk-server/internal/userauth"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// SessionCounter reports currently active relay sessions.
type SessionCounter interface {
	ActiveCount() int
}

type Server struct {
	log      *slog.Logger
	build    BuildInfo
	reg      *registry.Registry
	sessions SessionCounter
	metrics  *metrics.Metrics
	db       *store.Store
	users    *userauth.Verifier
	started  time.Time

	ready atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

func New(
	logger *slog.Logger,
	addr string,
	build BuildInfo,
	reg *registry.Registry,
	sessions SessionCounter,
	m *metrics.Metrics,
	db *store.Store,
	users *userauth.Verifier,
) *Server {
	s := &Server{
		log:      logger,
		build:    build,
		reg:      reg,
		sessions: sessions,
		metrics:  m,
		db:       db,
		users:    users,
		started:  time.Now(),
		mux:      http.NewServeMux(),
	}

	s.registerRoutes()

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
	)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Mux returns the underlying ServeMux for registering additional routes.
// It must only be used during startup before Serve is called.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("management server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{
			"ok":             true,
			"devices":        s.reg.Len(),
			"online":         s.reg.OnlineCount(),
			"relay_sessions": s.sessions.ActiveCount(),
			"uptime_s":       int(time.Since(s.started).Seconds()),
		})
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	s.mux.Handle("GET /metrics", metrics.PrometheusHandler(s.metrics))

	s.mux.HandleFunc("GET /api/devices", s.withUser(s.handleDevices))
	s.mux.HandleFunc("GET /api/devices/{id}", s.withUser(s.handleDevice))
	s.mux.HandleFunc("GET /api/audit", s.withUser(s.handleAudit))
}

type deviceView struct {
	ID       string    `json:"id"`
	Addr     string    `json:"addr,omitempty"`
	NATType  string    `json:"natType"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen"`
	Owner    string    `json:"owner,omitempty"`
	Groups   []string  `json:"groups,omitempty"`
}

func toView(dev registry.Device) deviceView {
	return deviceView{
		ID:       dev.ID,
		Addr:     dev.Addr,
		NATType:  string(dev.NATType),
		Online:   dev.Online,
		LastSeen: dev.LastSeen,
		Owner:    dev.Owner,
		Groups:   dev.Groups,
	}
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request, claims userauth.Claims) {
	out := []deviceView{}
	for _, dev := range s.reg.All() {
		if !userauth.Authorize(claims, dev.Owner, dev.Groups) {
			continue
		}
		out = append(out, toView(dev))
	}
	WriteJSON(w, http.StatusOK, map[string]any{"devices": out})
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request, claims userauth.Claims) {
	id := r.PathValue("id")
	dev, err := s.reg.Lookup(id)
	if err != nil {
		WriteJSON(w, http.StatusNotFound, map[string]any{"error": "device not found"})
		return
	}
	if !userauth.Authorize(claims, dev.Owner, dev.Groups) {
		// Present the same face as a missing device.
		WriteJSON(w, http.StatusNotFound, map[string]any{"error": "device not found"})
		return
	}
	WriteJSON(w, http.StatusOK, toView(dev))
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request, claims userauth.Claims) {
	if s.db == nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "audit store disabled"})
		return
	}
	f := store.AuditFilter{
		Device:  r.URL.Query().Get("device"),
		Outcome: r.URL.Query().Get("outcome"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "bad limit"})
			return
		}
		f.Limit = n
	}
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "bad since, want RFC3339"})
			return
		}
		f.Since = ts
	}
	if claims.Role != userauth.RoleAdmin && f.Device == "" {
		WriteJSON(w, http.StatusForbidden, map[string]any{"error": "device filter required"})
		return
	}
	if f.Device != "" {
		if dev, err := s.reg.Lookup(f.Device); err == nil {
			if !userauth.Authorize(claims, dev.Owner, dev.Groups) {
				WriteJSON(w, http.StatusForbidden, map[string]any{"error": "not your device"})
				return
			}
		} else if claims.Role != userauth.RoleAdmin {
			WriteJSON(w, http.StatusForbidden, map[string]any{"error": "not your device"})
			return
		}
	}
	recs, err := s.db.QueryAudit(r.Context(), f)
	if err != nil {
		s.log.Error("audit query failed", "err", err)
		WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "query failed"})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"records": recs})
}

type userHandler func(http.ResponseWriter, *http.Request, userauth.Claims)

// withUser gates a route on a bearer token.
func (s *Server) withUser(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.users == nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "user auth disabled"})
			return
		}
		raw := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(raw, "Bearer ")
		if !ok || token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
			WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing bearer token"})
			return
		}
		claims, err := s.users.Verify(token)
		if err != nil {
			WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid token"})
			return
		}
		next(w, r, claims)
	}
}

type Middleware func(http.Handler) http.Handler

func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func recoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				var buf [16]byte
				if _, err := rand.Read(buf[:]); err == nil {
					reqID = hex.EncodeToString(buf[:])
				}
			}
			if reqID != "" {
				r.Header.Set("X-Request-ID", reqID)
				w.Header().Set("X-Request-ID", reqID)
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func requestLoggerMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			reqID := r.Header.Get("X-Request-ID")
			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", reqID,
			)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
