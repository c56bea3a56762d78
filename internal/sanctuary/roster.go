package sanctuary

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/samber/lo"
	"sanctuary-live/internal/model"
	"sanctuary-live/internal/reason"
)

const (
	maxAliasLength    = 40
	maxReactionLength = 16
)

type JoinRequest struct {
	ParticipantID string
	Alias         string
	// HostToken, when set, must grant host authority over the session.
	HostToken string
	// Anonymous marks a connection without bearer credentials.
	Anonymous bool
}

// Join admits a participant to the session root and returns the full roster.
// Joining again with the same participant id restores the existing entry
// instead of adding a second one.
func (e *Engine) Join(ctx context.Context, sessionID string, req JoinRequest) (model.JoinResult, error) {
	if err := ctx.Err(); err != nil {
		return model.JoinResult{}, err
	}
	if req.ParticipantID == "" {
		return model.JoinResult{}, reason.Invalid("participant id is required")
	}
	alias := strings.TrimSpace(req.Alias)
	if utf8.RuneCountInString(alias) > maxAliasLength {
		return model.JoinResult{}, reason.Invalid("alias is too long")
	}

	sess, ok := e.sessions.Get(sessionID)
	if !ok {
		return model.JoinResult{}, reason.ErrSessionNotFound
	}
	now := e.now()
	if sess.Status != model.SessionActive || sess.Expired(now) {
		return model.JoinResult{}, reason.ErrSessionEnded
	}
	if now.Before(sess.StartsAt) {
		return model.JoinResult{}, reason.ErrStarting
	}
	if req.Anonymous && !sess.Public {
		return model.JoinResult{}, reason.ErrNotAuthorized
	}

	role := model.RoleParticipant
	if req.HostToken != "" {
		if e.hosts == nil {
			return model.JoinResult{}, reason.ErrInvalidToken
		}
		granted, err := e.hosts.VerifyHost(ctx, req.HostToken)
		if err != nil || granted != sessionID {
			return model.JoinResult{}, reason.ErrInvalidToken
		}
		role = model.RoleHost
	}

	l, _, err := e.acquire(sessionID)
	if err != nil {
		return model.JoinResult{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ended {
		return model.JoinResult{}, reason.ErrSessionEnded
	}
	if _, banned := l.kicked[req.ParticipantID]; banned {
		return model.JoinResult{}, reason.ErrNotAuthorized
	}
	if alias == "" {
		alias = "Guest"
	}

	rejoined := false
	m, exists := l.participants[req.ParticipantID]
	if exists {
		rejoined = true
		changed := m.Connection != model.ConnectionConnected || (role == model.RoleHost && m.Role != model.RoleHost)
		m.Connection = model.ConnectionConnected
		m.disconnectedAt = time.Time{}
		if role == model.RoleHost {
			m.Role = model.RoleHost
		}
		if changed {
			e.emit(l, model.EventUpdated, model.ParticipantPayload{Participant: cloneParticipant(m)})
		}
	} else {
		if sess.Capacity > 0 && len(l.participants) >= sess.Capacity {
			return model.JoinResult{}, reason.ErrSessionFull
		}
		l.joinSeq++
		m = &member{
			Participant: model.Participant{
				ID:         req.ParticipantID,
				Alias:      alias,
				Role:       role,
				Audio:      model.AudioMuted,
				Connection: model.ConnectionConnected,
				JoinedAt:   now,
			},
			seq: l.joinSeq,
		}
		l.participants[m.ID] = m
		e.emit(l, model.EventJoined, model.ParticipantPayload{Participant: cloneParticipant(m)})
		e.log.Info().Str("session", sessionID).Str("participant", m.ID).Str("role", string(role)).Msg("participant joined")
	}

	return model.JoinResult{
		Participant:  cloneParticipant(m),
		Roster:       e.rosterLocked(l),
		MediaChannel: MediaChannel(sessionID, m.RoomID),
		Rejoined:     rejoined,
	}, nil
}

// Leave removes a participant. Leaving twice, or leaving a session never
// joined, is not an error.
func (e *Engine) Leave(ctx context.Context, sessionID, participantID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l, ok := e.lookup(sessionID)
	if !ok {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ended {
		return nil
	}
	if _, ok := l.participants[participantID]; !ok {
		return nil
	}
	e.removeLocked(l, participantID, "left")
	return nil
}

// removeLocked drops a participant from its room and the roster.
func (e *Engine) removeLocked(l *live, participantID, why string) {
	m := l.participants[participantID]
	roomID := m.RoomID
	if roomID != "" {
		if room, ok := l.rooms[roomID]; ok {
			room.Members = lo.Without(room.Members, participantID)
		}
	}
	delete(l.participants, participantID)
	e.emit(l, model.EventLeft, model.ParticipantLeftPayload{ParticipantID: participantID, RoomID: roomID, Reason: why})
	e.log.Info().Str("session", l.session.ID).Str("participant", participantID).Str("reason", why).Msg("participant left")
}

// MarkDisconnected flags a participant whose last connection dropped. The
// entry is kept for the reconnect grace period.
func (e *Engine) MarkDisconnected(sessionID, participantID string) {
	l, ok := e.lookup(sessionID)
	if !ok {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.participants[participantID]
	if l.ended || !ok || m.Connection == model.ConnectionDisconnected {
		return
	}
	m.Connection = model.ConnectionDisconnected
	m.Speaking = false
	m.disconnectedAt = e.now()
	e.emit(l, model.EventUpdated, model.ParticipantPayload{Participant: cloneParticipant(m)})
}

// Snapshot returns the current roster of a session.
func (e *Engine) Snapshot(sessionID string) (model.Roster, error) {
	l, ok := e.lookup(sessionID)
	if !ok {
		if _, exists := e.sessions.Get(sessionID); !exists {
			return model.Roster{}, reason.ErrSessionNotFound
		}
		return model.Roster{SessionID: sessionID, Participants: []model.Participant{}, Rooms: []model.BreakoutRoom{}}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return e.rosterLocked(l), nil
}

func (e *Engine) rosterLocked(l *live) model.Roster {
	members := make([]*member, 0, len(l.participants))
	for _, m := range l.participants {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].seq < members[j].seq })

	participants := make([]model.Participant, 0, len(members))
	for _, m := range members {
		participants = append(participants, cloneParticipant(m))
	}

	return model.Roster{
		SessionID:    l.session.ID,
		Version:      l.version,
		Participants: participants,
		Rooms:        e.roomsLocked(l),
	}
}

// SetAudio mutes or unmutes a participant. Muting also clears speaking.
func (e *Engine) SetAudio(ctx context.Context, sessionID, participantID string, muted bool) error {
	return e.withLive(ctx, sessionID, func(l *live) error {
		m, err := l.member(participantID)
		if err != nil {
			return err
		}
		audio := model.AudioUnmuted
		if muted {
			audio = model.AudioMuted
		}
		if m.Audio == audio {
			return nil
		}
		m.Audio = audio
		if muted {
			m.Speaking = false
		}
		e.emit(l, model.EventAudioState, model.AudioPayload{ParticipantID: m.ID, Audio: m.Audio, Speaking: m.Speaking})
		return nil
	})
}

// SetSpeaking records a voice-activity transition. Muted participants never
// speak; such reports are ignored.
func (e *Engine) SetSpeaking(ctx context.Context, sessionID, participantID string, speaking bool) error {
	return e.withLive(ctx, sessionID, func(l *live) error {
		m, err := l.member(participantID)
		if err != nil {
			return err
		}
		if speaking && m.Audio == model.AudioMuted {
			return nil
		}
		if m.Speaking == speaking {
			return nil
		}
		m.Speaking = speaking
		e.emit(l, model.EventAudioState, model.AudioPayload{ParticipantID: m.ID, Audio: m.Audio, Speaking: m.Speaking})
		return nil
	})
}

func (e *Engine) RaiseHand(ctx context.Context, sessionID, participantID string, raised bool) error {
	return e.withLive(ctx, sessionID, func(l *live) error {
		m, err := l.member(participantID)
		if err != nil {
			return err
		}
		if m.HandRaised == raised {
			return nil
		}
		m.HandRaised = raised
		e.emit(l, model.EventHandRaised, model.HandPayload{ParticipantID: m.ID, Raised: raised})
		return nil
	})
}

// SendReaction relays a short reaction (typically one emoji) to the session.
func (e *Engine) SendReaction(ctx context.Context, sessionID, participantID, reaction string) error {
	reaction = strings.TrimSpace(reaction)
	if reaction == "" || utf8.RuneCountInString(reaction) > maxReactionLength {
		return reason.Invalid("reaction must be 1-16 characters")
	}
	return e.withLive(ctx, sessionID, func(l *live) error {
		m, err := l.member(participantID)
		if err != nil {
			return err
		}
		e.emit(l, model.EventReaction, model.ReactionPayload{ParticipantID: m.ID, Reaction: reaction, RoomID: m.RoomID})
		return nil
	})
}

// SetVoice stores the participant's voice-synthesis selection.
func (e *Engine) SetVoice(ctx context.Context, sessionID, participantID string, voice model.VoiceSettings) error {
	if err := check(voice); err != nil {
		return err
	}
	return e.withLive(ctx, sessionID, func(l *live) error {
		m, err := l.member(participantID)
		if err != nil {
			return err
		}
		v := voice
		m.Voice = &v
		e.emit(l, model.EventVoiceChanged, model.VoicePayload{ParticipantID: m.ID, Voice: voice})
		return nil
	})
}
