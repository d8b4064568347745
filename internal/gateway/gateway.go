// Package gateway accepts client WebSocket connections and hands each one
// to its own relay session.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mcpscope/mcpscope/internal/auth"
	"github.com/mcpscope/mcpscope/internal/eventbus"
	"github.com/mcpscope/mcpscope/internal/limits"
	"github.com/mcpscope/mcpscope/internal/session"
	"github.com/mcpscope/mcpscope/internal/store"
)

// makeUpgrader creates a WebSocket upgrader with origin checking. Pages
// served from this machine are always accepted, so a loopback dashboard
// works with zero configuration; the allow list covers everything else.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			if originSet[origin] {
				return true
			}
			return isLoopbackOrigin(origin)
		},
	}
}

// isLoopbackOrigin reports whether an Origin header names this machine:
// localhost or a loopback IP, any scheme, any port.
func isLoopbackOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Options configures the Gateway.
type Options struct {
	RequestTimeout time.Duration
	Guard          limits.Guard
	GraceKillDelay time.Duration
	MaxSessions    int      // 0 = unlimited
	AllowedOrigins []string // extra browser origins beyond loopback; "*" allows all
	PingInterval   time.Duration
	PongWait       time.Duration
}

// SessionInfo is a snapshot of one live session for the status surfaces.
type SessionInfo struct {
	ID      string    `json:"id"`
	State   string    `json:"state"`
	Command string    `json:"command,omitempty"`
	PID     int       `json:"pid,omitempty"`
	Pending int       `json:"pending"`
	Created time.Time `json:"created"`
}

// Gateway owns the WebSocket endpoint and the live session registry.
type Gateway struct {
	store        store.Store
	authProvider auth.Provider
	bus          *eventbus.Bus
	logger       *slog.Logger
	upgrader     websocket.Upgrader
	opts         Options
	spawn        session.Spawner
	startTime    time.Time

	mu       sync.Mutex
	sessions map[string]*liveSession
	draining bool
}

// liveSession pairs a relay session with its WebSocket connection so
// shutdown can unblock the read loop.
type liveSession struct {
	sess *session.Session
	conn *websocket.Conn
	mu   sync.Mutex // serializes all writes to conn
}

func (ls *liveSession) send(data []byte) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	_ = ls.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ls.conn.WriteMessage(websocket.TextMessage, data)
}

// New creates a Gateway. Sessions spawn real processes unless a spawner is
// injected via SetSpawner.
func New(s store.Store, ap auth.Provider, bus *eventbus.Bus, logger *slog.Logger, opts Options) *Gateway {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	return &Gateway{
		store:        s,
		authProvider: ap,
		bus:          bus,
		logger:       logger.With("component", "gateway"),
		upgrader:     makeUpgrader(opts.AllowedOrigins),
		opts:         opts,
		spawn:        session.DefaultSpawner(logger),
		startTime:    time.Now(),
		sessions:     make(map[string]*liveSession),
	}
}

// SetSpawner replaces the process spawner. Tests use this to substitute
// fake children.
func (g *Gateway) SetSpawner(spawn session.Spawner) { g.spawn = spawn }

// Handler returns the HTTP handler with all routes mounted.
func (g *Gateway) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)

	// Health check routes (unauthenticated)
	mux.Get("/healthz", g.handleHealthz)
	mux.Get("/readyz", g.handleReadyz)

	// WebSocket route (auth handled inside)
	mux.Get("/ws", g.HandleWS)

	// History API
	mux.Group(func(r chi.Router) {
		r.Use(g.authMiddleware)
		r.Get("/api/sessions", g.handleListSessions)
		r.Get("/api/sessions/{sessionID}/events", g.handleListEvents)
	})

	return mux
}

// requestToken extracts the credential from the query string or the
// Authorization header. The query parameter exists because browsers cannot
// set custom headers during the WebSocket handshake.
func requestToken(req *http.Request) string {
	token := req.URL.Query().Get("token")
	if token == "" {
		token = req.Header.Get("Authorization")
		if len(token) > 7 && token[:7] == "Bearer " {
			token = token[7:]
		}
	}
	return token
}

func (g *Gateway) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if err := g.authProvider.Authenticate(req.Context(), requestToken(req)); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// HandleWS upgrades the connection and runs the session read loop until the
// client disconnects or the server drains.
func (g *Gateway) HandleWS(w http.ResponseWriter, req *http.Request) {
	if err := g.authProvider.Authenticate(req.Context(), requestToken(req)); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	g.mu.Lock()
	if g.draining {
		g.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if g.opts.MaxSessions > 0 && len(g.sessions) >= g.opts.MaxSessions {
		g.mu.Unlock()
		g.logger.Warn("refusing connection: session limit reached", "limit", g.opts.MaxSessions)
		http.Error(w, "session limit reached", http.StatusServiceUnavailable)
		return
	}
	g.mu.Unlock()

	conn, err := g.upgrader.Upgrade(w, req, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	// The per-frame guard runs inside the session so oversized requests get
	// a proper error response; the transport-level limit only bounds abuse.
	conn.SetReadLimit(int64(g.opts.Guard.BufferBytes))

	id := uuid.New().String()
	ls := &liveSession{conn: conn}
	ls.sess = session.New(id, session.Options{
		RequestTimeout: g.opts.RequestTimeout,
		Guard:          g.opts.Guard,
		GraceKillDelay: g.opts.GraceKillDelay,
	}, g.spawn, ls.send, g.bus, g.logger)

	g.mu.Lock()
	g.sessions[id] = ls
	g.mu.Unlock()
	g.bus.Emit(eventbus.SessionCreated, id, map[string]string{"remote": req.RemoteAddr})

	stopKeepalive := ls.startKeepalive(g.opts.PingInterval, g.opts.PongWait)
	defer stopKeepalive()

	g.logger.Info("client connected", "session_id", id, "remote", req.RemoteAddr)

	defer func() {
		ls.sess.Close(true)
		g.mu.Lock()
		delete(g.sessions, id)
		g.mu.Unlock()
		g.logger.Info("client disconnected", "session_id", id)
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			g.logger.Debug("client read error", "session_id", id, "error", err)
			return
		}
		// Any message resets the read deadline.
		_ = conn.SetReadDeadline(time.Now().Add(g.opts.PongWait))

		ls.sess.HandleClientMessage(msg)
	}
}

// Sessions snapshots the live session registry.
func (g *Gateway) Sessions() []SessionInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	infos := make([]SessionInfo, 0, len(g.sessions))
	for id, ls := range g.sessions {
		infos = append(infos, SessionInfo{
			ID:      id,
			State:   ls.sess.State().String(),
			Command: ls.sess.Command,
			PID:     ls.sess.PID(),
			Pending: ls.sess.Pending(),
			Created: ls.sess.Created,
		})
	}
	return infos
}

// CloseSession tears down one session by id, killing its child and closing
// the client connection. Returns false when the id is unknown.
func (g *Gateway) CloseSession(id string) bool {
	g.mu.Lock()
	ls, ok := g.sessions[id]
	g.mu.Unlock()
	if !ok {
		return false
	}
	ls.sess.Close(true)
	_ = ls.conn.Close()
	return true
}

// SessionCount returns the number of live sessions.
func (g *Gateway) SessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Uptime reports how long the gateway has been serving.
func (g *Gateway) Uptime() time.Duration {
	return time.Since(g.startTime)
}

// Shutdown refuses new connections, kills every child process, and closes
// every client connection. Read loops unblock when their connections close.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.mu.Lock()
	g.draining = true
	live := make([]*liveSession, 0, len(g.sessions))
	for _, ls := range g.sessions {
		live = append(live, ls)
	}
	g.mu.Unlock()

	g.logger.Info("shutting down", "sessions", len(live))
	for _, ls := range live {
		ls.sess.Close(false)
		ls.mu.Lock()
		_ = ls.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		ls.mu.Unlock()
		_ = ls.conn.Close()
	}
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": g.Uptime().Truncate(time.Second).String(),
	})
}

func (g *Gateway) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	sessions, err := g.store.ListSessions(r.Context(), limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (g *Gateway) handleListEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	afterSeq := int64(queryInt(r, "after_seq", 0))
	limit := queryInt(r, "limit", 100)
	events, err := g.store.ListEvents(r.Context(), sessionID, afterSeq, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
