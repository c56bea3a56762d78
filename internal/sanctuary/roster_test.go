package sanctuary

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"sanctuary-live/internal/model"
	"sanctuary-live/internal/reason"
)

func TestJoin_IdempotentAndConsistent(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, model.Session{Capacity: 10})
	ctx := context.Background()

	first := f.join(t, "alice")
	req.False(first.Rejoined)
	req.Equal("sanctuary:"+f.session.ID, first.MediaChannel)
	req.Equal(model.RoleParticipant, first.Participant.Role)
	req.Equal(model.AudioMuted, first.Participant.Audio)

	again := f.join(t, "alice")
	req.True(again.Rejoined)
	req.Len(again.Roster.Participants, 1, "double join must not double count")

	f.join(t, "bob")
	req.Equal([]string{"alice", "bob"}, participantIDs(f.roster(t)))

	req.NoError(f.engine.Leave(ctx, f.session.ID, "alice"))
	req.NoError(f.engine.Leave(ctx, f.session.ID, "alice"))
	req.NoError(f.engine.Leave(ctx, "no-such-session", "alice"))
	req.Equal([]string{"bob"}, participantIDs(f.roster(t)))

	req.Equal([]string{model.EventJoined, model.EventJoined, model.EventLeft}, f.pub.names())
}

func TestJoin_VersionsAreContiguous(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, model.Session{})
	ctx := context.Background()

	f.join(t, "alice")
	f.join(t, "bob")
	req.NoError(f.engine.RaiseHand(ctx, f.session.ID, "bob", true))
	res := f.join(t, "carol")

	for i, ev := range f.pub.events {
		req.Equal(uint64(i+1), ev.Version)
		req.Equal(f.session.ID, ev.SessionID)
	}
	req.Equal(uint64(len(f.pub.events)), res.Roster.Version, "snapshot carries the latest version")
}

func TestJoin_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("not found", func(t *testing.T) {
		f := newFixture(t, model.Session{})
		_, err := f.engine.Join(ctx, "missing", JoinRequest{ParticipantID: "a"})
		require.ErrorIs(t, err, reason.ErrSessionNotFound)
	})

	t.Run("full", func(t *testing.T) {
		f := newFixture(t, model.Session{Capacity: 2})
		f.join(t, "a")
		f.join(t, "b")
		_, err := f.engine.Join(ctx, f.session.ID, JoinRequest{ParticipantID: "c"})
		require.ErrorIs(t, err, reason.ErrSessionFull)
		require.Len(t, f.roster(t).Participants, 2)
		f.join(t, "a")
	})

	t.Run("ended", func(t *testing.T) {
		f := newFixture(t, model.Session{})
		require.NoError(t, f.engine.EndSession(ctx, f.session.ID, "host"))
		_, err := f.engine.Join(ctx, f.session.ID, JoinRequest{ParticipantID: "a"})
		require.ErrorIs(t, err, reason.ErrSessionEnded)
	})

	t.Run("starting", func(t *testing.T) {
		f := newFixture(t, model.Session{StartsAt: time.Date(2026, 6, 1, 18, 5, 0, 0, time.UTC)})
		_, err := f.engine.Join(ctx, f.session.ID, JoinRequest{ParticipantID: "a"})
		require.ErrorIs(t, err, reason.ErrStarting)
		require.True(t, reason.From(err).Retryable())

		f.clock.advance(5 * time.Minute)
		f.join(t, "a")
	})

	t.Run("anonymous on private", func(t *testing.T) {
		f := newFixture(t, model.Session{Public: false})
		_, err := f.engine.Join(ctx, f.session.ID, JoinRequest{ParticipantID: "guest-1", Anonymous: true})
		require.ErrorIs(t, err, reason.ErrNotAuthorized)

		pub := newFixture(t, model.Session{Public: true})
		_, err = pub.engine.Join(ctx, pub.session.ID, JoinRequest{ParticipantID: "guest-1", Anonymous: true})
		require.NoError(t, err)
	})

	t.Run("host token", func(t *testing.T) {
		f := newFixture(t, model.Session{})
		_, err := f.engine.Join(ctx, f.session.ID, JoinRequest{ParticipantID: "a", HostToken: "bogus"})
		require.ErrorIs(t, err, reason.ErrInvalidToken)
		_, err = f.engine.Join(ctx, f.session.ID, JoinRequest{ParticipantID: "a", HostToken: "other-token"})
		require.ErrorIs(t, err, reason.ErrInvalidToken)
		require.Empty(t, f.roster(t).Participants)

		res := f.joinHost(t, "a")
		require.Equal(t, model.RoleHost, res.Participant.Role)
	})

	t.Run("invalid request", func(t *testing.T) {
		f := newFixture(t, model.Session{})
		_, err := f.engine.Join(ctx, f.session.ID, JoinRequest{})
		require.Equal(t, reason.InvalidRequest, reason.CodeOf(err))
	})
}

func TestJoin_HostRecoveryUpgradesExistingParticipant(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, model.Session{})

	f.join(t, "alice")
	res := f.joinHost(t, "alice")
	req.True(res.Rejoined)
	req.Equal(model.RoleHost, res.Participant.Role)
	req.Equal(model.EventUpdated, f.pub.last().Name)
}

func TestDisconnect_GraceAndRejoin(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, model.Session{})

	f.join(t, "alice")
	f.join(t, "bob")
	f.engine.MarkDisconnected(f.session.ID, "alice")
	p, _ := findParticipant(f.roster(t), "alice")
	req.Equal(model.ConnectionDisconnected, p.Connection)

	f.clock.advance(10 * time.Second)
	res := f.join(t, "alice")
	req.True(res.Rejoined)
	req.Equal(model.ConnectionConnected, res.Participant.Connection)

	f.engine.MarkDisconnected(f.session.ID, "bob")
	f.clock.advance(29 * time.Second)
	req.Zero(f.engine.Sweep(f.clock.now()).Removed)
	f.clock.advance(time.Second)
	req.Equal(1, f.engine.Sweep(f.clock.now()).Removed)
	req.Equal([]string{"alice"}, participantIDs(f.roster(t)))

	left := f.pub.last()
	req.Equal(model.EventLeft, left.Name)
	req.Equal("timeout", left.Payload.(model.ParticipantLeftPayload).Reason)
}

func TestAudioHandReactionVoice(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, model.Session{})
	ctx := context.Background()
	sid := f.session.ID
	f.join(t, "alice")

	req.NoError(f.engine.SetSpeaking(ctx, sid, "alice", true))
	p, _ := findParticipant(f.roster(t), "alice")
	req.False(p.Speaking, "muted participants never speak")

	req.NoError(f.engine.SetAudio(ctx, sid, "alice", false))
	req.NoError(f.engine.SetSpeaking(ctx, sid, "alice", true))
	p, _ = findParticipant(f.roster(t), "alice")
	req.True(p.Speaking)
	req.Equal(model.AudioUnmuted, p.Audio)

	req.NoError(f.engine.SetAudio(ctx, sid, "alice", true))
	p, _ = findParticipant(f.roster(t), "alice")
	req.False(p.Speaking, "muting clears speaking")

	req.NoError(f.engine.RaiseHand(ctx, sid, "alice", true))
	req.NoError(f.engine.SendReaction(ctx, sid, "alice", "🌱"))
	req.Equal(reason.InvalidRequest, reason.CodeOf(f.engine.SendReaction(ctx, sid, "alice", "")))
	req.ErrorIs(f.engine.RaiseHand(ctx, sid, "nobody", true), reason.ErrNotInSession)

	voice := model.VoiceSettings{VoiceID: "calm-1", Stability: 0.5, Similarity: 0.7, Style: 0.1}
	req.NoError(f.engine.SetVoice(ctx, sid, "alice", voice))
	p, _ = findParticipant(f.roster(t), "alice")
	req.NotNil(p.Voice)
	req.Equal("calm-1", p.Voice.VoiceID)

	bad := voice
	bad.Stability = 1.5
	req.Equal(reason.InvalidRequest, reason.CodeOf(f.engine.SetVoice(ctx, sid, "alice", bad)))

	req.Equal([]string{
		model.EventJoined,
		model.EventAudioState,
		model.EventAudioState,
		model.EventAudioState,
		model.EventHandRaised,
		model.EventReaction,
		model.EventVoiceChanged,
	}, f.pub.names())
}

func TestCancelledContextFailsFast(t *testing.T) {
	f := newFixture(t, model.Session{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.Join(ctx, f.session.ID, JoinRequest{ParticipantID: "a"})
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, f.pub.names())
}
