// Package gateway serves the realtime channel: it upgrades HTTP requests to
// websockets, authenticates the connect handshake, dispatches request events
// to the coordination engine and fans engine broadcasts out through the hub.
package gateway

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"sanctuary-live/internal/auth"
	"sanctuary-live/internal/hub"
	"sanctuary-live/internal/middleware"
	"sanctuary-live/internal/sanctuary"
	"sanctuary-live/internal/wire"
)

const (
	defaultPingInterval = 25 * time.Second
	defaultPingTimeout  = 20 * time.Second
	drainTimeout        = 5 * time.Second

	guestPrefix = "guest-"
)

type Deps struct {
	Engine      *sanctuary.Engine
	Hub         *hub.Hub
	TokenConfig auth.TokenConfig
	Logger      zerolog.Logger
	// AlertLimiter bounds emergency alerts per participant. Nil disables it.
	AlertLimiter *middleware.RateLimiter

	PingInterval time.Duration
	PingTimeout  time.Duration
}

type Server struct {
	engine       *sanctuary.Engine
	hub          *hub.Hub
	tokenConfig  auth.TokenConfig
	alertLimiter *middleware.RateLimiter
	log          zerolog.Logger

	pingInterval time.Duration
	pingTimeout  time.Duration

	upgrader websocket.Upgrader
}

func NewServer(deps Deps) *Server {
	s := &Server{
		engine:       deps.Engine,
		hub:          deps.Hub,
		tokenConfig:  deps.TokenConfig,
		alertLimiter: deps.AlertLimiter,
		log:          deps.Logger.With().Str("module", "gateway").Logger(),
		pingInterval: deps.PingInterval,
		pingTimeout:  deps.PingTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if s.pingInterval <= 0 {
		s.pingInterval = defaultPingInterval
	}
	if s.pingTimeout <= 0 {
		s.pingTimeout = defaultPingTimeout
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(maxPayload)

	c := newConn(ws, s.pingInterval, s.pingTimeout)
	go c.writeLoop()
	defer s.teardown(c)

	open, err := wire.EncodeOpen(wire.Open{
		SID:          c.sid,
		PingInterval: int(s.pingInterval / time.Millisecond),
		PingTimeout:  int(s.pingTimeout / time.Millisecond),
		MaxPayload:   maxPayload,
	})
	if err != nil {
		return
	}
	_ = c.enqueue(open)

	go c.pingLoop()
	c.readLoop(func(msg string) {
		s.handleMessage(c, msg)
	})
}

// teardown runs once the read side is gone. The participant is only marked
// disconnected when this was their last connection in the session, so a
// second tab keeps them present.
func (s *Server) teardown(c *conn) {
	if c.member != nil {
		s.hub.Unregister(c.member)
		if s.hub.Connections(c.sessionID, c.participantID) == 0 {
			s.engine.MarkDisconnected(c.sessionID, c.participantID)
		}
		s.log.Debug().Str("conn", c.sid).Str("session", c.sessionID).Str("participant", c.participantID).Msg("connection closed")
	}
	_ = c.Close()
	select {
	case <-c.done:
	case <-time.After(drainTimeout):
	}
	c.close()
}

func (s *Server) handleMessage(c *conn, msg string) {
	if msg == "" {
		return
	}

	switch wire.EngineType(msg[0]) {
	case wire.EnginePong:
		c.markPong()
	case wire.EnginePing:
		_ = c.enqueue(string(wire.EnginePong))
	case wire.EngineMessage:
		s.handleSocketPayload(c, msg[1:])
	case wire.EngineClose:
		c.close()
	}
}

func (s *Server) handleSocketPayload(c *conn, payload string) {
	if payload == "" {
		return
	}

	switch wire.PacketType(payload[0]) {
	case wire.PacketConnect:
		s.handleConnect(c, payload)
	case wire.PacketEvent:
		s.handleEvent(c, payload)
	case wire.PacketDisconnect:
		c.close()
	}
}

func (s *Server) rejectConnect(c *conn, message string) {
	if packet, err := wire.EncodeConnectError(wire.DefaultNamespace, message); err == nil {
		c.send(packet)
	}
	_ = c.Close()
}

// handleConnect authenticates the handshake. A bearer token yields a named
// participant; no token yields an anonymous guest whose id survives
// reconnects when the client echoes it back.
func (s *Server) handleConnect(c *conn, payload string) {
	if c.connected.Load() {
		return
	}

	var hs wire.Handshake
	if len(payload) > 1 {
		if err := wire.ParseBody(payload, &hs); err != nil && !errors.Is(err, wire.ErrInvalidBody) {
			s.rejectConnect(c, "Invalid handshake")
			return
		}
	}

	if hs.Token != "" {
		claims, err := auth.VerifyToken(hs.Token, s.tokenConfig)
		if err != nil || claims.ParticipantID == "" {
			s.rejectConnect(c, "Invalid authentication token")
			return
		}
		c.participantID = claims.ParticipantID
		c.alias = claims.Alias
	} else {
		guest := strings.TrimPrefix(hs.GuestID, guestPrefix)
		if _, err := uuid.Parse(guest); err != nil {
			guest = uuid.NewString()
		}
		c.participantID = guestPrefix + guest
		c.anonymous = true
	}
	c.connected.Store(true)

	packet, err := wire.EncodeConnect(wire.DefaultNamespace, wire.Welcome{
		SID:           c.sid,
		ParticipantID: c.participantID,
		Anonymous:     c.anonymous,
	})
	if err != nil {
		s.rejectConnect(c, "Internal error")
		return
	}
	c.send(packet)
	s.log.Debug().Str("conn", c.sid).Str("participant", c.participantID).Bool("anonymous", c.anonymous).Msg("client connected")
}

func (s *Server) handleEvent(c *conn, payload string) {
	if !c.connected.Load() {
		return
	}

	pkt, err := wire.ParseEvent(payload)
	if err != nil {
		return
	}

	h, ok := handlers[pkt.Name]
	if !ok {
		s.reply(c, pkt, nil, errUnknownEvent(pkt.Name))
		return
	}
	data, err := h(s, c, pkt)
	s.reply(c, pkt, data, err)
}
