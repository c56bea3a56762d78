package gateway

import (
	"time"

	"sanctuary-live/internal/hub"
	"sanctuary-live/internal/model"
	"sanctuary-live/internal/reason"
	"sanctuary-live/internal/sanctuary"
	"sanctuary-live/internal/wire"
)

type handlerFunc func(s *Server, c *conn, pkt wire.Event) (any, error)

var handlers = map[string]handlerFunc{
	model.EventJoin:       (*Server).join,
	model.EventLeave:      (*Server).leave,
	model.EventSync:       (*Server).sync,
	model.EventPing:       (*Server).ping,
	model.EventAudioState: (*Server).audioState,
	model.EventHandRaised: (*Server).handRaised,
	model.EventReaction:   (*Server).reaction,
	model.EventSetVoice:   (*Server).setVoice,
	model.EventCreateRoom: (*Server).createRoom,
	model.EventJoinRoom:   (*Server).joinRoom,
	model.EventLeaveRoom:  (*Server).leaveRoom,
	model.EventCloseRoom:  (*Server).closeRoom,
	model.EventAutoAssign: (*Server).autoAssign,
	model.EventModerate:   (*Server).moderate,
	model.EventEmergency:  (*Server).emergency,
}

func errUnknownEvent(name string) error {
	return reason.Invalid("unknown event " + name)
}

// decodeArg reads the first event argument into v. A missing argument leaves
// v at its zero value.
func decodeArg(pkt wire.Event, v any) error {
	if len(pkt.Args) == 0 {
		return nil
	}
	if err := pkt.Decode(0, v); err != nil {
		return reason.Invalid("malformed payload")
	}
	return nil
}

// reply answers a request. Requests with an ack id get an ack; failed
// fire-and-forget requests get an error event instead.
func (s *Server) reply(c *conn, pkt wire.Event, data any, err error) {
	var ack wire.Ack
	if err != nil {
		re := reason.From(err)
		if re.Code == reason.Internal {
			s.log.Error().Err(err).Str("event", pkt.Name).Str("participant", c.participantID).Msg("request failed")
		} else {
			s.log.Debug().Str("event", pkt.Name).Str("code", string(re.Code)).Str("participant", c.participantID).Msg("request rejected")
		}
		ack = wire.Failure(string(re.Code), re.Message)
	} else {
		ack = wire.Success(data)
	}

	if pkt.ID == nil {
		if err == nil {
			return
		}
		packet, encErr := wire.EncodeEvent(pkt.Namespace, nil, model.EventError, map[string]string{
			"event":   pkt.Name,
			"code":    ack.Code,
			"message": ack.Error,
		})
		if encErr == nil {
			c.send(packet)
		}
		return
	}

	packet, encErr := wire.EncodeAck(pkt.Namespace, *pkt.ID, ack)
	if encErr != nil {
		return
	}
	c.send(packet)
}

func (c *conn) requireSession() (string, error) {
	if c.member == nil {
		return "", reason.ErrNotInSession
	}
	return c.sessionID, nil
}

// detach drops the connection from its current session. The participant
// leaves the session only when no other connection of theirs remains.
func (s *Server) detach(c *conn) {
	if c.member == nil {
		return
	}
	s.hub.Unregister(c.member)
	if s.hub.Connections(c.sessionID, c.participantID) == 0 {
		if err := s.engine.Leave(c.ctx, c.sessionID, c.participantID); err != nil {
			s.log.Debug().Err(err).Str("session", c.sessionID).Str("participant", c.participantID).Msg("leave on detach failed")
		}
	}
	c.member = nil
	c.sessionID = ""
}

type joinBody struct {
	SessionID string `json:"sessionId"`
	Alias     string `json:"alias"`
	HostToken string `json:"hostToken"`
}

// join registers the connection with the hub before the engine admits the
// participant, so no broadcast issued after the returned snapshot is missed.
func (s *Server) join(c *conn, pkt wire.Event) (any, error) {
	var body joinBody
	if err := decodeArg(pkt, &body); err != nil {
		return nil, err
	}
	if body.SessionID == "" {
		return nil, reason.Invalid("sessionId is required")
	}
	alias := body.Alias
	if alias == "" {
		alias = c.alias
	}

	if c.member != nil && c.sessionID != body.SessionID {
		s.detach(c)
	}
	fresh := c.member == nil
	if fresh {
		c.sessionID = body.SessionID
		c.member = &hub.Connection{ID: c.sid, SessionID: body.SessionID, ParticipantID: c.participantID, Writer: c}
		s.hub.Register(c.member)
	}

	res, err := s.engine.Join(c.ctx, body.SessionID, sanctuary.JoinRequest{
		ParticipantID: c.participantID,
		Alias:         alias,
		HostToken:     body.HostToken,
		Anonymous:     c.anonymous,
	})
	if err != nil {
		if fresh {
			s.hub.Unregister(c.member)
			c.member = nil
			c.sessionID = ""
		}
		return nil, err
	}
	s.log.Info().Str("session", body.SessionID).Str("participant", c.participantID).Str("role", string(res.Participant.Role)).Bool("rejoined", res.Rejoined).Msg("participant joined")
	return res, nil
}

func (s *Server) leave(c *conn, _ wire.Event) (any, error) {
	if _, err := c.requireSession(); err != nil {
		return nil, err
	}
	s.detach(c)
	return nil, nil
}

func (s *Server) sync(c *conn, _ wire.Event) (any, error) {
	sid, err := c.requireSession()
	if err != nil {
		return nil, err
	}
	return s.engine.Snapshot(sid)
}

type pingBody struct {
	TS int64 `json:"ts"`
}

type pongBody struct {
	TS       int64 `json:"ts"`
	ServerTS int64 `json:"serverTs"`
}

// ping is the application heartbeat. It works before a session is joined.
func (s *Server) ping(c *conn, pkt wire.Event) (any, error) {
	var body pingBody
	if err := decodeArg(pkt, &body); err != nil {
		return nil, err
	}
	pong := pongBody{TS: body.TS, ServerTS: time.Now().UnixMilli()}
	if packet, err := wire.EncodeEvent(pkt.Namespace, nil, model.EventPong, pong); err == nil {
		c.send(packet)
	}
	return pong, nil
}

type audioBody struct {
	Muted    *bool `json:"muted"`
	Speaking *bool `json:"speaking"`
}

func (s *Server) audioState(c *conn, pkt wire.Event) (any, error) {
	sid, err := c.requireSession()
	if err != nil {
		return nil, err
	}
	var body audioBody
	if err := decodeArg(pkt, &body); err != nil {
		return nil, err
	}
	if body.Muted == nil && body.Speaking == nil {
		return nil, reason.Invalid("muted or speaking is required")
	}
	if body.Muted != nil {
		if err := s.engine.SetAudio(c.ctx, sid, c.participantID, *body.Muted); err != nil {
			return nil, err
		}
	}
	if body.Speaking != nil {
		if err := s.engine.SetSpeaking(c.ctx, sid, c.participantID, *body.Speaking); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (s *Server) handRaised(c *conn, pkt wire.Event) (any, error) {
	sid, err := c.requireSession()
	if err != nil {
		return nil, err
	}
	var body struct {
		Raised bool `json:"raised"`
	}
	if err := decodeArg(pkt, &body); err != nil {
		return nil, err
	}
	return nil, s.engine.RaiseHand(c.ctx, sid, c.participantID, body.Raised)
}

func (s *Server) reaction(c *conn, pkt wire.Event) (any, error) {
	sid, err := c.requireSession()
	if err != nil {
		return nil, err
	}
	var body struct {
		Reaction string `json:"reaction"`
	}
	if err := decodeArg(pkt, &body); err != nil {
		return nil, err
	}
	return nil, s.engine.SendReaction(c.ctx, sid, c.participantID, body.Reaction)
}

func (s *Server) setVoice(c *conn, pkt wire.Event) (any, error) {
	sid, err := c.requireSession()
	if err != nil {
		return nil, err
	}
	var voice model.VoiceSettings
	if err := decodeArg(pkt, &voice); err != nil {
		return nil, err
	}
	return nil, s.engine.SetVoice(c.ctx, sid, c.participantID, voice)
}

func (s *Server) createRoom(c *conn, pkt wire.Event) (any, error) {
	sid, err := c.requireSession()
	if err != nil {
		return nil, err
	}
	var cfg sanctuary.RoomConfig
	if err := decodeArg(pkt, &cfg); err != nil {
		return nil, err
	}
	return s.engine.CreateRoom(c.ctx, sid, c.participantID, cfg)
}

type roomBody struct {
	RoomID string `json:"roomId"`
}

type roomJoined struct {
	Room         model.BreakoutRoom `json:"room"`
	MediaChannel string             `json:"mediaChannel"`
}

func (s *Server) joinRoom(c *conn, pkt wire.Event) (any, error) {
	sid, err := c.requireSession()
	if err != nil {
		return nil, err
	}
	var body roomBody
	if err := decodeArg(pkt, &body); err != nil {
		return nil, err
	}
	if body.RoomID == "" {
		return nil, reason.Invalid("roomId is required")
	}
	room, err := s.engine.JoinRoom(c.ctx, sid, body.RoomID, c.participantID)
	if err != nil {
		return nil, err
	}
	return roomJoined{Room: room, MediaChannel: sanctuary.MediaChannel(sid, room.ID)}, nil
}

func (s *Server) leaveRoom(c *conn, _ wire.Event) (any, error) {
	sid, err := c.requireSession()
	if err != nil {
		return nil, err
	}
	if err := s.engine.LeaveRoom(c.ctx, sid, c.participantID); err != nil {
		return nil, err
	}
	return map[string]string{"mediaChannel": sanctuary.MediaChannel(sid, "")}, nil
}

func (s *Server) closeRoom(c *conn, pkt wire.Event) (any, error) {
	sid, err := c.requireSession()
	if err != nil {
		return nil, err
	}
	var body roomBody
	if err := decodeArg(pkt, &body); err != nil {
		return nil, err
	}
	returned, err := s.engine.CloseRoom(c.ctx, sid, c.participantID, body.RoomID)
	if err != nil {
		return nil, err
	}
	return map[string][]string{"returned": returned}, nil
}

func (s *Server) autoAssign(c *conn, _ wire.Event) (any, error) {
	sid, err := c.requireSession()
	if err != nil {
		return nil, err
	}
	return s.engine.AutoAssign(c.ctx, sid, c.participantID)
}

func (s *Server) moderate(c *conn, pkt wire.Event) (any, error) {
	sid, err := c.requireSession()
	if err != nil {
		return nil, err
	}
	var action model.ModerationAction
	if err := decodeArg(pkt, &action); err != nil {
		return nil, err
	}
	action.ActorID = c.participantID
	return nil, s.engine.PerformAction(c.ctx, sid, action)
}

func (s *Server) emergency(c *conn, pkt wire.Event) (any, error) {
	sid, err := c.requireSession()
	if err != nil {
		return nil, err
	}
	if s.alertLimiter != nil && !s.alertLimiter.Allow(sid+":"+c.participantID) {
		return nil, reason.ErrRateLimited
	}
	var alert model.EmergencyAlert
	if err := decodeArg(pkt, &alert); err != nil {
		return nil, err
	}
	alert.ActorID = c.participantID
	return nil, s.engine.SendEmergencyAlert(c.ctx, sid, alert)
}
