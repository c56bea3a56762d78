package gateway

import (
	"github.com/rs/zerolog"
	"sanctuary-live/internal/hub"
	"sanctuary-live/internal/model"
	"sanctuary-live/internal/wire"
)

// HubPublisher delivers engine broadcasts to the websocket connections the
// hub tracks for each session.
type HubPublisher struct {
	hub *hub.Hub
	log zerolog.Logger
}

func NewHubPublisher(h *hub.Hub, log zerolog.Logger) *HubPublisher {
	return &HubPublisher{hub: h, log: log.With().Str("module", "publisher").Logger()}
}

func (p *HubPublisher) Broadcast(sessionID string, ev model.Event) {
	packet, err := wire.EncodeEvent(wire.DefaultNamespace, nil, ev.Name, ev)
	if err != nil {
		p.log.Error().Err(err).Str("session", sessionID).Str("event", ev.Name).Msg("encode broadcast")
		return
	}
	p.hub.Broadcast(sessionID, []byte(wire.Frame(packet)))
}

// Drop closes every connection of a removed participant once their queued
// frames, including the removal notice, are flushed.
func (p *HubPublisher) Drop(sessionID, participantID string) {
	n := p.hub.Disconnect(sessionID, participantID)
	p.log.Debug().Str("session", sessionID).Str("participant", participantID).Int("connections", n).Msg("participant dropped")
}

// End detaches the session's connections. Sockets stay open so clients can
// join another session.
func (p *HubPublisher) End(sessionID string) {
	n := p.hub.CloseSession(sessionID)
	p.log.Debug().Str("session", sessionID).Int("connections", n).Msg("session released")
}
