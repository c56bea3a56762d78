package sanctuary

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"sanctuary-live/internal/model"
	"sanctuary-live/internal/reason"
)

func action(actor, target string, typ model.ModerationType) model.ModerationAction {
	return model.ModerationAction{ActorID: actor, TargetID: target, Type: typ}
}

func TestPerformAction_RequiresModerator(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, model.Session{})
	ctx := context.Background()
	sid := f.session.ID
	f.joinHost(t, "host")
	f.join(t, "alice")
	f.join(t, "bob")

	before := f.roster(t)
	f.pub.reset()

	err := f.engine.PerformAction(ctx, sid, action("alice", "bob", model.ModerationKick))
	req.ErrorIs(err, reason.ErrNotAuthorized)
	err = f.engine.PerformAction(ctx, sid, action("alice", "bob", model.ModerationMute))
	req.ErrorIs(err, reason.ErrNotAuthorized)

	after := f.roster(t)
	req.Equal(before.Participants, after.Participants, "rejected actions leave the roster unchanged")
	req.Empty(f.pub.names())
	req.Empty(f.pub.dropped)
}

func TestPerformAction_PromoteMuteKick(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, model.Session{})
	ctx := context.Background()
	sid := f.session.ID
	f.joinHost(t, "host")
	f.join(t, "alice")
	f.join(t, "bob")
	req.NoError(f.engine.SetAudio(ctx, sid, "bob", false))

	req.NoError(f.engine.PerformAction(ctx, sid, action("host", "alice", model.ModerationPromote)))
	p, _ := findParticipant(f.roster(t), "alice")
	req.Equal(model.RoleModerator, p.Role)

	req.Equal(reason.InvalidRequest, reason.CodeOf(
		f.engine.PerformAction(ctx, sid, action("host", "alice", model.ModerationPromote))))

	err := f.engine.PerformAction(ctx, sid, action("alice", "host", model.ModerationMute))
	req.ErrorIs(err, reason.ErrNotAuthorized, "moderators cannot act on the host")

	req.NoError(f.engine.PerformAction(ctx, sid, action("alice", "bob", model.ModerationMute)))
	p, _ = findParticipant(f.roster(t), "bob")
	req.Equal(model.AudioMuted, p.Audio)

	f.pub.reset()
	req.NoError(f.engine.PerformAction(ctx, sid, action("alice", "bob", model.ModerationKick)))
	req.Equal([]string{model.EventModerate, model.EventLeft}, f.pub.names())
	req.Equal([]string{"bob"}, f.pub.dropped)
	req.Equal([]string{"host", "alice"}, participantIDs(f.roster(t)))

	_, err = f.engine.Join(ctx, sid, JoinRequest{ParticipantID: "bob"})
	req.ErrorIs(err, reason.ErrNotAuthorized, "kicked participants cannot rejoin")

	err = f.engine.PerformAction(ctx, sid, action("host", "host", model.ModerationKick))
	req.Equal(reason.InvalidRequest, reason.CodeOf(err))

	err = f.engine.PerformAction(ctx, sid, model.ModerationAction{ActorID: "host", TargetID: "alice", Type: "ban"})
	req.Equal(reason.InvalidRequest, reason.CodeOf(err))
}

func TestPerformAction_KickFromRoom(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, model.Session{})
	ctx := context.Background()
	sid := f.session.ID
	f.joinHost(t, "host")
	f.join(t, "alice")

	room, err := f.engine.CreateRoom(ctx, sid, "host", RoomConfig{Name: "Circle", Capacity: 3})
	req.NoError(err)
	_, err = f.engine.JoinRoom(ctx, sid, room.ID, "alice")
	req.NoError(err)

	req.NoError(f.engine.PerformAction(ctx, sid, action("host", "alice", model.ModerationKick)))
	rooms, err := f.engine.ListRooms(sid)
	req.NoError(err)
	req.Empty(rooms[0].Members)
}

func TestSendEmergencyAlert(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, model.Session{})
	ctx := context.Background()
	sid := f.session.ID
	f.join(t, "alice")

	alert := model.EmergencyAlert{ActorID: "alice", Type: "self_harm_risk", Severity: model.SeverityCritical, Message: "please help"}
	req.NoError(f.engine.SendEmergencyAlert(ctx, sid, alert))

	ev := f.pub.last()
	req.Equal(model.EventEmergency, ev.Name)
	payload := ev.Payload.(model.AlertPayload)
	req.Equal(PriorityHighest, payload.Priority)
	req.Equal(f.clock.now(), payload.Alert.Timestamp)

	req.Len(f.sink.alerts, 1)
	req.Equal("self_harm_risk", f.sink.alerts[0].Type)

	bad := alert
	bad.Severity = "apocalyptic"
	req.Equal(reason.InvalidRequest, reason.CodeOf(f.engine.SendEmergencyAlert(ctx, sid, bad)))

	stranger := alert
	stranger.ActorID = "nobody"
	req.ErrorIs(f.engine.SendEmergencyAlert(ctx, sid, stranger), reason.ErrNotInSession)
	req.Len(f.sink.alerts, 1)
}
