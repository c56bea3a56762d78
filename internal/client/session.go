package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"sanctuary-live/internal/model"
	"sanctuary-live/internal/reason"
	"sanctuary-live/internal/sanctuary"
	"sanctuary-live/internal/tokenstore"
	"sanctuary-live/internal/vad"
)

const DefaultMaxJoinAttempts = 15

// JoinRetryDelay is the wait before retrying a join the server deferred
// because the session has not started yet.
func JoinRetryDelay(attempt int) time.Duration {
	d := time.Second + time.Duration(attempt)*500*time.Millisecond
	if d > 5*time.Second {
		return 5 * time.Second
	}
	return d
}

// Event is a session broadcast as received, with its payload left encoded.
type Event struct {
	Name      string          `json:"name"`
	SessionID string          `json:"sessionId"`
	Version   uint64          `json:"version"`
	At        int64           `json:"at"`
	Payload   json.RawMessage `json:"payload"`
}

// JoinInfo is what a participant presents when joining.
type JoinInfo struct {
	Alias string
	// HostToken claims host authority. When empty the token store is
	// consulted for a cached token of the session.
	HostToken string
}

type SessionOptions struct {
	Tokens          tokenstore.Store
	MaxJoinAttempts int
	// Sleep waits between deferred join attempts. Tests replace it.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger zerolog.Logger
}

var sessionEvents = []string{
	model.EventJoined,
	model.EventLeft,
	model.EventUpdated,
	model.EventAudioState,
	model.EventHandRaised,
	model.EventReaction,
	model.EventVoiceChanged,
	model.EventRoomCreated,
	model.EventRoomJoined,
	model.EventRoomLeft,
	model.EventRoomClosed,
	model.EventAutoAssigned,
	model.EventModerate,
	model.EventEmergency,
	model.EventSessionEnded,
}

// Session mirrors one joined session. Deltas are applied in version order;
// a gap triggers a full resync and a reconnect triggers a rejoin.
type Session struct {
	conn            *Conn
	tokens          tokenstore.Store
	maxJoinAttempts int
	sleep           func(ctx context.Context, d time.Duration) error
	log             zerolog.Logger

	mu        sync.Mutex
	sessionID string
	info      JoinInfo
	self      model.Participant
	roster    model.Roster
	ended     bool
	joining   bool
	buffered  []Event
	syncing   bool
	onRoster  []func(model.Roster)
	onEvent   []func(Event)
	detector  *vad.Detector
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func NewSession(conn *Conn, opts SessionOptions) *Session {
	s := &Session{
		conn:            conn,
		tokens:          opts.Tokens,
		maxJoinAttempts: opts.MaxJoinAttempts,
		sleep:           opts.Sleep,
		log:             opts.Logger.With().Str("module", "session").Logger(),
	}
	if s.maxJoinAttempts <= 0 {
		s.maxJoinAttempts = DefaultMaxJoinAttempts
	}
	if s.sleep == nil {
		s.sleep = sleepCtx
	}
	for _, name := range sessionEvents {
		conn.On(name, s.receive)
	}
	conn.OnReconnect(s.rejoin)
	return s
}

func (s *Session) OnRoster(fn func(model.Roster)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRoster = append(s.onRoster, fn)
}

// OnEvent listeners see every applied broadcast, including ones that do not
// change the roster such as reactions and alerts.
func (s *Session) OnEvent(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvent = append(s.onEvent, fn)
}

// Roster returns a copy of the local roster.
func (s *Session) Roster() model.Roster {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyRoster(s.roster)
}

func (s *Session) Self() model.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func copyRoster(r model.Roster) model.Roster {
	out := r
	out.Participants = append([]model.Participant{}, r.Participants...)
	out.Rooms = make([]model.BreakoutRoom, 0, len(r.Rooms))
	for _, room := range r.Rooms {
		room.Members = append([]string{}, room.Members...)
		out.Rooms = append(out.Rooms, room)
	}
	return out
}

// Join enters a session. A "starting" answer is retried with a growing delay
// and only surfaced once the attempts are used up.
func (s *Session) Join(ctx context.Context, sessionID string, info JoinInfo) (model.JoinResult, error) {
	if info.HostToken == "" && s.tokens != nil {
		if entry, err := s.tokens.Get(sessionID); err == nil {
			info.HostToken = entry.Token
		}
	}

	var lastErr error
	for attempt := 0; attempt < s.maxJoinAttempts; attempt++ {
		res, err := s.joinOnce(ctx, sessionID, info)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !errors.Is(err, reason.ErrStarting) {
			return model.JoinResult{}, err
		}
		if attempt+1 == s.maxJoinAttempts {
			break
		}
		s.log.Debug().Str("session", sessionID).Int("attempt", attempt+1).Msg("session starting, retrying join")
		if err := s.sleep(ctx, JoinRetryDelay(attempt)); err != nil {
			return model.JoinResult{}, err
		}
	}
	return model.JoinResult{}, lastErr
}

type joinRequest struct {
	SessionID string `json:"sessionId"`
	Alias     string `json:"alias,omitempty"`
	HostToken string `json:"hostToken,omitempty"`
}

func (s *Session) joinOnce(ctx context.Context, sessionID string, info JoinInfo) (model.JoinResult, error) {
	s.mu.Lock()
	if s.sessionID != sessionID {
		s.roster = model.Roster{}
		s.ended = false
	}
	s.sessionID = sessionID
	s.info = info
	s.joining = true
	s.buffered = nil
	s.mu.Unlock()

	raw, err := s.conn.Emit(ctx, model.EventJoin, joinRequest{SessionID: sessionID, Alias: info.Alias, HostToken: info.HostToken})
	var res model.JoinResult
	if err == nil {
		err = json.Unmarshal(raw, &res)
	}

	s.mu.Lock()
	s.joining = false
	buffered := s.buffered
	s.buffered = nil
	if err != nil {
		s.mu.Unlock()
		return model.JoinResult{}, err
	}
	s.self = res.Participant
	s.roster = copyRoster(res.Roster)
	s.mu.Unlock()

	s.notifyRoster()
	for _, ev := range buffered {
		s.apply(ev)
	}
	return res, nil
}

// RememberHostToken caches a host token so later joins of its session claim
// host authority automatically.
func (s *Session) RememberHostToken(tok model.HostToken) error {
	if s.tokens == nil {
		return nil
	}
	return s.tokens.Save(tokenstore.Entry{
		SessionID: tok.SessionID,
		Token:     tok.Value,
		ExpiresAt: tok.ExpiresAt,
	})
}

// rejoin restores membership after the connection came back and replaces
// local state with the server's snapshot.
func (s *Session) rejoin(ctx context.Context) {
	s.mu.Lock()
	sessionID, info, ended := s.sessionID, s.info, s.ended
	s.mu.Unlock()
	if sessionID == "" || ended {
		return
	}
	if _, err := s.Join(ctx, sessionID, info); err != nil {
		s.log.Warn().Err(err).Str("session", sessionID).Msg("rejoin failed")
	}
}

func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()
	if sessionID == "" {
		return nil
	}
	if _, err := s.conn.Emit(ctx, model.EventLeave, nil); err != nil && !errors.Is(err, reason.ErrNotInSession) {
		return err
	}
	s.mu.Lock()
	s.sessionID = ""
	s.roster = model.Roster{}
	s.self = model.Participant{}
	s.mu.Unlock()
	return nil
}

// Sync replaces the local roster with a fresh snapshot.
func (s *Session) Sync(ctx context.Context) error {
	raw, err := s.conn.Emit(ctx, model.EventSync, nil)
	if err != nil {
		return err
	}
	var roster model.Roster
	if err := json.Unmarshal(raw, &roster); err != nil {
		return err
	}

	s.mu.Lock()
	if roster.SessionID != s.sessionID || roster.Version < s.roster.Version {
		s.mu.Unlock()
		return nil
	}
	s.roster = copyRoster(roster)
	if p, ok := lo.Find(roster.Participants, func(p model.Participant) bool { return p.ID == s.self.ID }); ok {
		s.self = p
	}
	s.mu.Unlock()
	s.notifyRoster()
	return nil
}

func (s *Session) receive(payload json.RawMessage) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		s.log.Debug().Err(err).Msg("malformed event")
		return
	}
	s.apply(ev)
}

// apply folds one broadcast into the roster. Stale versions are ignored; a
// version gap starts a resync instead of applying out of order.
func (s *Session) apply(ev Event) {
	s.mu.Lock()
	if ev.SessionID != s.sessionID {
		s.mu.Unlock()
		return
	}
	if s.joining {
		s.buffered = append(s.buffered, ev)
		s.mu.Unlock()
		return
	}
	if ev.Version <= s.roster.Version {
		s.mu.Unlock()
		return
	}
	if ev.Version > s.roster.Version+1 {
		start := !s.syncing
		s.syncing = true
		s.mu.Unlock()
		if start {
			go s.resync()
		}
		return
	}

	if err := applyDelta(&s.roster, ev); err != nil {
		s.log.Warn().Err(err).Str("event", ev.Name).Msg("could not apply event, resyncing")
		start := !s.syncing
		s.syncing = true
		s.mu.Unlock()
		if start {
			go s.resync()
		}
		return
	}
	s.roster.Version = ev.Version
	if p, ok := lo.Find(s.roster.Participants, func(p model.Participant) bool { return p.ID == s.self.ID }); ok {
		s.self = p
	}
	if ev.Name == model.EventSessionEnded {
		s.ended = true
	}
	listeners := append([]func(Event){}, s.onEvent...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
	s.notifyRoster()
}

func (s *Session) resync() {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultAckTimeout)
	defer cancel()
	if err := s.Sync(ctx); err != nil {
		s.log.Warn().Err(err).Msg("resync failed")
	}
	s.mu.Lock()
	s.syncing = false
	s.mu.Unlock()
}

func (s *Session) notifyRoster() {
	s.mu.Lock()
	roster := copyRoster(s.roster)
	listeners := append([]func(model.Roster){}, s.onRoster...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(roster)
	}
}

func upsertParticipant(r *model.Roster, p model.Participant) {
	for i := range r.Participants {
		if r.Participants[i].ID == p.ID {
			r.Participants[i] = p
			return
		}
	}
	r.Participants = append(r.Participants, p)
}

func participant(r *model.Roster, id string) *model.Participant {
	for i := range r.Participants {
		if r.Participants[i].ID == id {
			return &r.Participants[i]
		}
	}
	return nil
}

func upsertRoom(r *model.Roster, room model.BreakoutRoom) {
	for i := range r.Rooms {
		if r.Rooms[i].ID == room.ID {
			r.Rooms[i] = room
			return
		}
	}
	r.Rooms = append(r.Rooms, room)
}

func applyDelta(r *model.Roster, ev Event) error {
	switch ev.Name {
	case model.EventJoined, model.EventUpdated:
		var p model.ParticipantPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		upsertParticipant(r, p.Participant)

	case model.EventLeft:
		var p model.ParticipantLeftPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		r.Participants = lo.Reject(r.Participants, func(x model.Participant, _ int) bool { return x.ID == p.ParticipantID })
		for i := range r.Rooms {
			r.Rooms[i].Members = lo.Without(r.Rooms[i].Members, p.ParticipantID)
		}

	case model.EventAudioState:
		var p model.AudioPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		if x := participant(r, p.ParticipantID); x != nil {
			x.Audio = p.Audio
			x.Speaking = p.Speaking
		}

	case model.EventHandRaised:
		var p model.HandPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		if x := participant(r, p.ParticipantID); x != nil {
			x.HandRaised = p.Raised
		}

	case model.EventVoiceChanged:
		var p model.VoicePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		if x := participant(r, p.ParticipantID); x != nil {
			voice := p.Voice
			x.Voice = &voice
		}

	case model.EventRoomCreated:
		var p model.RoomPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		upsertRoom(r, p.Room)

	case model.EventRoomJoined, model.EventRoomLeft:
		var p model.RoomMembershipPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		upsertRoom(r, p.Room)
		if x := participant(r, p.ParticipantID); x != nil {
			if ev.Name == model.EventRoomJoined {
				x.RoomID = p.RoomID
			} else {
				x.RoomID = ""
			}
		}

	case model.EventRoomClosed:
		var p model.RoomClosedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		r.Rooms = lo.Reject(r.Rooms, func(x model.BreakoutRoom, _ int) bool { return x.ID == p.RoomID })
		for _, id := range p.Returned {
			if x := participant(r, id); x != nil {
				x.RoomID = ""
			}
		}

	case model.EventAutoAssigned:
		var p model.AutoAssignPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		for _, room := range p.Rooms {
			upsertRoom(r, room)
		}
		for _, pl := range p.Assignment.Placements {
			if x := participant(r, pl.ParticipantID); x != nil {
				x.RoomID = pl.RoomID
			}
		}
	}
	return nil
}

func (s *Session) current() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID == "" {
		return "", reason.ErrNotInSession
	}
	return s.sessionID, nil
}

func (s *Session) emit(ctx context.Context, event string, payload any, out any) error {
	if _, err := s.current(); err != nil {
		return err
	}
	raw, err := s.conn.Emit(ctx, event, payload)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (s *Session) SetMuted(ctx context.Context, muted bool) error {
	if err := s.emit(ctx, model.EventAudioState, map[string]bool{"muted": muted}, nil); err != nil {
		return err
	}
	s.mu.Lock()
	d := s.detector
	s.mu.Unlock()
	if d != nil {
		d.SetMuted(muted)
	}
	return nil
}

func (s *Session) RaiseHand(ctx context.Context, raised bool) error {
	return s.emit(ctx, model.EventHandRaised, map[string]bool{"raised": raised}, nil)
}

func (s *Session) React(ctx context.Context, reaction string) error {
	return s.emit(ctx, model.EventReaction, map[string]string{"reaction": reaction}, nil)
}

func (s *Session) SetVoice(ctx context.Context, voice model.VoiceSettings) error {
	return s.emit(ctx, model.EventSetVoice, voice, nil)
}

func (s *Session) CreateRoom(ctx context.Context, cfg sanctuary.RoomConfig) (model.BreakoutRoom, error) {
	var room model.BreakoutRoom
	err := s.emit(ctx, model.EventCreateRoom, cfg, &room)
	return room, err
}

// JoinRoom moves into a breakout room and returns the media channel to
// switch to.
func (s *Session) JoinRoom(ctx context.Context, roomID string) (string, error) {
	var out struct {
		MediaChannel string `json:"mediaChannel"`
	}
	err := s.emit(ctx, model.EventJoinRoom, map[string]string{"roomId": roomID}, &out)
	return out.MediaChannel, err
}

func (s *Session) LeaveRoom(ctx context.Context) (string, error) {
	var out struct {
		MediaChannel string `json:"mediaChannel"`
	}
	err := s.emit(ctx, model.EventLeaveRoom, nil, &out)
	return out.MediaChannel, err
}

func (s *Session) CloseRoom(ctx context.Context, roomID string) ([]string, error) {
	var out struct {
		Returned []string `json:"returned"`
	}
	err := s.emit(ctx, model.EventCloseRoom, map[string]string{"roomId": roomID}, &out)
	return out.Returned, err
}

func (s *Session) AutoAssign(ctx context.Context) (model.Assignment, error) {
	var out model.Assignment
	err := s.emit(ctx, model.EventAutoAssign, nil, &out)
	return out, err
}

func (s *Session) Moderate(ctx context.Context, targetID string, typ model.ModerationType, why string) error {
	return s.emit(ctx, model.EventModerate, model.ModerationAction{TargetID: targetID, Type: typ, Reason: why}, nil)
}

func (s *Session) SendEmergencyAlert(ctx context.Context, alert model.EmergencyAlert) error {
	return s.emit(ctx, model.EventEmergency, alert, nil)
}

// AttachDetector forwards speaking transitions of d to the session. Muting
// through SetMuted also pauses the detector.
func (s *Session) AttachDetector(d *vad.Detector) {
	s.mu.Lock()
	s.detector = d
	s.mu.Unlock()

	d.OnTransition(func(tr vad.Transition) {
		if _, err := s.current(); err != nil {
			return
		}
		if err := s.conn.Send(model.EventAudioState, map[string]bool{"speaking": tr.Speaking}); err != nil {
			s.log.Debug().Err(err).Bool("speaking", tr.Speaking).Msg("speaking update not sent")
		}
	})
}
