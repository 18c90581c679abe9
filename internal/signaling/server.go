package signaling

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/notewire/signal-server/internal/directory"
	"github.com/notewire/signal-server/internal/metrics"
	"github.com/notewire/signal-server/internal/token"
)

// ServerConfig wires the runtime dependencies of the signaling endpoint.
type ServerConfig struct {
	Directory directory.Directory
	Tokens    *token.Service
	Logger    *slog.Logger
	Metrics   *metrics.Metrics

	// Hub may be shared with other endpoints; a nil Hub gets a fresh one.
	Hub *Hub

	MaxMessageBytes   int64
	MessagesPerSecond int64
	SendBuffer        int
}

// Server upgrades gated connection attempts into signaling sessions.
//
// The gate is hard and synchronous: a request missing username/deviceId/token
// or carrying a token that does not verify for that username is refused at
// the HTTP layer, before any session state or room membership exists.
type Server struct {
	dir    directory.Directory
	tokens *token.Service
	log    *slog.Logger
	met    *metrics.Metrics
	hub    *Hub

	maxMessageBytes   int64
	messagesPerSecond int64
	sendBuffer        int

	upgrader websocket.Upgrader
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Hub == nil {
		cfg.Hub = NewHub()
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 * 1024
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = 50
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	return &Server{
		dir:               cfg.Directory,
		tokens:            cfg.Tokens,
		log:               cfg.Logger,
		met:               cfg.Metrics,
		hub:               cfg.Hub,
		maxMessageBytes:   cfg.MaxMessageBytes,
		messagesPerSecond: cfg.MessagesPerSecond,
		sendBuffer:        cfg.SendBuffer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Hub returns the room registry shared by all sessions of this server.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	username := directory.Normalize(q.Get("username"))
	deviceID := strings.TrimSpace(q.Get("deviceId"))
	authToken := q.Get("token")

	if username == "" || deviceID == "" || authToken == "" {
		s.refuse(w, http.StatusBadRequest, "username/token/deviceId is empty")
		return
	}
	if !s.tokens.VerifyAuthToken(authToken, username) {
		s.refuse(w, http.StatusUnauthorized, "authentication error")
		return
	}

	identity, err := s.dir.FindByUsername(r.Context(), username)
	if errors.Is(err, directory.ErrNotFound) {
		s.refuse(w, http.StatusUnauthorized, "authentication error")
		return
	}
	if err != nil {
		s.log.Error("identity lookup failed", "username", username, "err", err)
		s.refuse(w, http.StatusInternalServerError, "internal error")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.met.Inc(metrics.ConnectionsOpened)
	s.log.Info("connected", "room", identity.Username+"@"+deviceID)

	sess := newSession(s, conn, identity, deviceID)
	sess.run(r.Context())
}

func (s *Server) refuse(w http.ResponseWriter, status int, reason string) {
	s.met.Inc(metrics.ConnectionsRefused)
	http.Error(w, reason, status)
}
