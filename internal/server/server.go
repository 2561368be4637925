// Package server exposes the engine over HTTP in serve mode: a small REST
// API for triggering and inspecting measurements, a WebSocket live stream,
// and the metrics and health endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Zwooosh/netmeter/internal/health"
	"github.com/Zwooosh/netmeter/internal/metrics"
	"github.com/Zwooosh/netmeter/internal/session"
	"github.com/Zwooosh/netmeter/pkg/types"
)

const (
	defaultAddr         = ":9340"
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 30 * time.Second
	defaultIdleTimeout  = 60 * time.Second

	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

// SessionController is the slice of the session manager the API needs.
type SessionController interface {
	Current() types.SessionSnapshot
	Start(ctx context.Context) error
	Cancel() bool
}

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// TriggerPerMin caps POST /api/v1/test calls; zero or negative disables
	// the limit.
	TriggerPerMin int
	TriggerBurst  int

	// AllowedOrigins whitelists WebSocket origins. Empty means same-host
	// only; "*" allows any origin.
	AllowedOrigins []string

	TLSCert string
	TLSKey  string
}

type Dependencies struct {
	Manager SessionController
	Hub     *Hub
	Metrics *metrics.Store
	Health  *health.Checker
	Logger  *log.Logger
	Now     func() time.Time
}

type Server struct {
	addr    string
	tlsCert string
	tlsKey  string

	manager        SessionController
	hub            *Hub
	health         *health.Checker
	logger         *log.Logger
	now            func() time.Time
	limiter        *rate.Limiter
	allowedOrigins []string

	httpSrv *http.Server

	// baseCtx is the lifetime context for background runs triggered over
	// the API; set once in Run before the listener starts.
	baseCtx context.Context
}

func New(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Manager == nil {
		return nil, errors.New("server requires a session manager")
	}
	hub := deps.Hub
	if hub == nil {
		hub = NewHub()
	}
	store := deps.Metrics
	if store == nil {
		store = metrics.NewStore()
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	addr := cfg.Addr
	if addr == "" {
		addr = defaultAddr
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}

	limit := rate.Inf
	burst := 1
	if cfg.TriggerPerMin > 0 {
		limit = rate.Limit(float64(cfg.TriggerPerMin) / 60)
		if cfg.TriggerBurst > 0 {
			burst = cfg.TriggerBurst
		}
	}

	s := &Server{
		addr:           addr,
		tlsCert:        cfg.TLSCert,
		tlsKey:         cfg.TLSKey,
		manager:        deps.Manager,
		hub:            hub,
		health:         deps.Health,
		logger:         logger,
		now:            now,
		limiter:        rate.NewLimiter(limit, burst),
		allowedOrigins: cfg.AllowedOrigins,
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/test", s.handleTrigger).Methods(http.MethodPost)
	api.HandleFunc("/test", s.handleCancel).Methods(http.MethodDelete)
	api.HandleFunc("/session", s.handleSession).Methods(http.MethodGet)
	api.HandleFunc("/live", s.handleLive).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.NewHTTPHandler(store)).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s, nil
}

// Handler exposes the route table, chiefly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.baseCtx = ctx

	errCh := make(chan error, 1)
	go func() {
		if s.tlsCert != "" && s.tlsKey != "" {
			s.logger.Printf("api listening on https://%s", s.addr)
			errCh <- s.httpSrv.ListenAndServeTLS(s.tlsCert, s.tlsKey)
			return
		}
		s.logger.Printf("api listening on http://%s", s.addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// runContext outlives the triggering request: a background run must not die
// with the handler.
func (s *Server) runContext() context.Context {
	if s.baseCtx != nil {
		return s.baseCtx
	}
	return context.Background()
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		http.Error(w, "trigger rate exceeded", http.StatusTooManyRequests)
		return
	}
	if err := s.manager.Start(s.runContext()); err != nil {
		if errors.Is(err, session.ErrBusy) {
			http.Error(w, "measurement already in progress", http.StatusConflict)
			return
		}
		s.logger.Printf("trigger failed: %v", err)
		http.Error(w, "trigger failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, s.manager.Current())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !s.manager.Cancel() {
		http.Error(w, "no measurement in progress", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Current())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	ready, reasons := s.health.Ready(s.now().UTC())
	if !ready {
		http.Error(w, strings.Join(reasons, "; "), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return s.originAllowed(r) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the handshake error.
		return
	}

	client := &hubClient{send: make(chan []byte, 32)}
	s.hub.register(client)

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	var cleanupOnce sync.Once
	cleanup := func() {
		cleanupOnce.Do(func() {
			close(done)
			s.hub.unregister(client)
			conn.Close()
		})
	}

	// Reader discards client frames; it exists to notice closes and pongs.
	go func() {
		defer cleanup()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer cleanup()
		snapshot := s.manager.Current()
		data, err := json.Marshal(liveMessage{Type: "snapshot", Snapshot: &snapshot})
		if err == nil {
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}

		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			case data, ok := <-client.send:
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		}
	}()
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.allowedOrigins) == 0 {
		parsed, err := url.Parse(origin)
		if err != nil || parsed.Host == "" {
			return false
		}
		return strings.EqualFold(parsed.Host, r.Host)
	}
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
