package hub

import (
	"sync"

	"github.com/rs/zerolog"
)

// Writer delivers one frame to a client. Write must not block: the hub is
// called from inside a session's critical section.
type Writer interface {
	Write(message []byte) error
	Close() error
}

type Connection struct {
	ID            string
	SessionID     string
	ParticipantID string
	Writer        Writer
}

type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*Connection]struct{}
	log      zerolog.Logger
}

func New(log zerolog.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]map[*Connection]struct{}),
		log:      log.With().Str("module", "hub").Logger(),
	}
}

func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sessions[conn.SessionID] == nil {
		h.sessions[conn.SessionID] = make(map[*Connection]struct{})
	}
	h.sessions[conn.SessionID][conn] = struct{}{}
}

func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unregisterLocked(conn)
}

func (h *Hub) unregisterLocked(conn *Connection) {
	set := h.sessions[conn.SessionID]
	if set == nil {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(h.sessions, conn.SessionID)
	}
}

func (h *Hub) collect(sessionID string) []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	set := h.sessions[sessionID]
	conns := make([]*Connection, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	return conns
}

func (h *Hub) deliver(conns []*Connection, message []byte) int {
	delivered := 0
	var failed []*Connection
	for _, c := range conns {
		if err := c.Writer.Write(message); err != nil {
			failed = append(failed, c)
			continue
		}
		delivered++
	}
	for _, c := range failed {
		h.log.Warn().Str("conn", c.ID).Str("session", c.SessionID).Msg("dropping connection after failed write")
		_ = c.Writer.Close()
		h.Unregister(c)
	}
	return delivered
}

// Broadcast writes message to every connection of the session and returns the
// number of successful deliveries. Connections that fail are closed and removed.
func (h *Hub) Broadcast(sessionID string, message []byte) int {
	return h.deliver(h.collect(sessionID), message)
}

// Connections counts the connections the participant holds in the session.
func (h *Hub) Connections(sessionID, participantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.sessions[sessionID] {
		if c.ParticipantID == participantID {
			n++
		}
	}
	return n
}

// Disconnect closes and removes every connection the participant holds in the
// session. It returns how many were closed.
func (h *Hub) Disconnect(sessionID, participantID string) int {
	h.mu.Lock()
	var targets []*Connection
	for c := range h.sessions[sessionID] {
		if c.ParticipantID == participantID {
			targets = append(targets, c)
		}
	}
	for _, c := range targets {
		h.unregisterLocked(c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		_ = c.Writer.Close()
	}
	return len(targets)
}

// CloseSession detaches every connection of the session without closing the
// underlying transports.
func (h *Hub) CloseSession(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.sessions[sessionID])
	delete(h.sessions, sessionID)
	return n
}

func (h *Hub) Count(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}
