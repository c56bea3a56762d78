package sanctuary

import (
	"context"

	"sanctuary-live/internal/model"
	"sanctuary-live/internal/reason"
)

// PriorityHighest marks emergency alerts for clients to surface above
// everything else.
const PriorityHighest = "highest"

// PerformAction applies a moderation decision. The actor must be a host or
// moderator, and only a host may act on another host. Rejected actions leave
// the roster untouched.
func (e *Engine) PerformAction(ctx context.Context, sessionID string, action model.ModerationAction) error {
	if err := check(action); err != nil {
		return err
	}

	kicked := false
	err := e.withLive(ctx, sessionID, func(l *live) error {
		actor, err := l.moderator(action.ActorID)
		if err != nil {
			return err
		}
		target, err := l.member(action.TargetID)
		if err != nil {
			return err
		}
		if target.Role == model.RoleHost && actor.Role != model.RoleHost {
			return reason.ErrNotAuthorized
		}
		if target.ID == actor.ID && action.Type != model.ModerationMute {
			return reason.Invalid("cannot " + string(action.Type) + " yourself")
		}

		action.Timestamp = e.now()
		switch action.Type {
		case model.ModerationMute:
			target.Audio = model.AudioMuted
			target.Speaking = false
			e.emit(l, model.EventModerate, model.ModerationPayload{Action: action})
			e.emit(l, model.EventAudioState, model.AudioPayload{ParticipantID: target.ID, Audio: target.Audio, Speaking: false})
		case model.ModerationPromote:
			if target.Role != model.RoleParticipant {
				return reason.Invalid("participant is already a " + string(target.Role))
			}
			target.Role = model.RoleModerator
			e.emit(l, model.EventModerate, model.ModerationPayload{Action: action})
			e.emit(l, model.EventUpdated, model.ParticipantPayload{Participant: cloneParticipant(target)})
		case model.ModerationKick:
			e.emit(l, model.EventModerate, model.ModerationPayload{Action: action})
			l.kicked[target.ID] = struct{}{}
			e.removeLocked(l, target.ID, "kicked")
			kicked = true
		}

		e.log.Info().
			Str("session", sessionID).
			Str("actor", action.ActorID).
			Str("target", action.TargetID).
			Str("action", string(action.Type)).
			Msg("moderation action")
		return nil
	})
	if err != nil {
		return err
	}
	if kicked {
		e.pub.Drop(sessionID, action.TargetID)
	}
	return nil
}

// SendEmergencyAlert broadcasts an alert from any participant and hands it to
// the escalation sink.
func (e *Engine) SendEmergencyAlert(ctx context.Context, sessionID string, alert model.EmergencyAlert) error {
	if err := check(alert); err != nil {
		return err
	}

	err := e.withLive(ctx, sessionID, func(l *live) error {
		if _, err := l.member(alert.ActorID); err != nil {
			return err
		}
		alert.Timestamp = e.now()
		e.emit(l, model.EventEmergency, model.AlertPayload{Alert: alert, Priority: PriorityHighest})
		return nil
	})
	if err != nil {
		return err
	}

	e.log.Warn().
		Str("session", sessionID).
		Str("actor", alert.ActorID).
		Str("type", alert.Type).
		Str("severity", string(alert.Severity)).
		Msg("emergency alert")
	if e.sink != nil {
		e.sink.Escalate(ctx, sessionID, alert)
	}
	return nil
}
