package sanctuary

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"sanctuary-live/internal/model"
	"sanctuary-live/internal/reason"
	"sanctuary-live/internal/store"
)

func TestEndSession(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, model.Session{})
	ctx := context.Background()
	sid := f.session.ID
	f.join(t, "alice")

	req.NoError(f.engine.EndSession(ctx, sid, "host_closed"))
	ev := f.pub.last()
	req.Equal(model.EventSessionEnded, ev.Name)
	req.Equal("host_closed", ev.Payload.(model.SessionEndedPayload).Reason)
	req.Equal([]string{sid}, f.pub.ended)

	stored, ok := f.store.Get(sid)
	req.True(ok)
	req.Equal(model.SessionEnded, stored.Status)

	req.ErrorIs(f.engine.RaiseHand(ctx, sid, "alice", true), reason.ErrNotInSession)
	req.ErrorIs(f.engine.EndSession(ctx, "missing", "x"), reason.ErrSessionNotFound)
}

// staleSource keeps serving the session as it was created, like a catalogue
// read that raced the status change.
type staleSource struct {
	*store.Store
	snapshot model.Session
}

func (s staleSource) Get(id string) (model.Session, bool) {
	if id == s.snapshot.ID {
		return s.snapshot, true
	}
	return s.Store.Get(id)
}

// endingSource ends the session from inside the given Get call, between the
// status check in Join and the live state lookup.
type endingSource struct {
	*store.Store
	engine *Engine
	at     int
	calls  int
}

func (s *endingSource) Get(id string) (model.Session, bool) {
	s.calls++
	if s.calls == s.at {
		_ = s.engine.EndSession(context.Background(), id, "host_closed")
	}
	return s.Store.Get(id)
}

func TestJoin_AfterEndSessionWithStaleRead(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	st := store.NewWithOptions(store.Options{Logger: zerolog.Nop()})
	sess := st.CreateSession(model.Session{Topic: "evening circle"})
	e := New(Options{Sessions: staleSource{Store: st, snapshot: sess}, Logger: zerolog.Nop()})

	_, err := e.Join(ctx, sess.ID, JoinRequest{ParticipantID: "alice", Alias: "alice"})
	req.NoError(err)
	req.NoError(e.EndSession(ctx, sess.ID, "host_closed"))

	_, err = e.Join(ctx, sess.ID, JoinRequest{ParticipantID: "bob", Alias: "bob"})
	req.ErrorIs(err, reason.ErrSessionEnded)
	_, lingering := e.lookup(sess.ID)
	req.False(lingering)
}

func TestJoin_EndedBetweenCheckAndAcquire(t *testing.T) {
	req := require.New(t)
	st := store.NewWithOptions(store.Options{Logger: zerolog.Nop()})
	sess := st.CreateSession(model.Session{Topic: "evening circle"})
	src := &endingSource{Store: st, at: 2}
	e := New(Options{Sessions: src, Logger: zerolog.Nop()})
	src.engine = e

	_, err := e.Join(context.Background(), sess.ID, JoinRequest{ParticipantID: "alice", Alias: "alice"})
	req.ErrorIs(err, reason.ErrSessionEnded)
	_, lingering := e.lookup(sess.ID)
	req.False(lingering)

	stored, ok := st.Get(sess.ID)
	req.True(ok)
	req.Equal(model.SessionEnded, stored.Status)
}

func TestSweep_EndsExpiredSessions(t *testing.T) {
	req := require.New(t)
	c := time.Date(2026, 6, 1, 18, 0, 0, 0, time.UTC)
	f := newFixture(t, model.Session{ExpiresAt: c.Add(time.Hour)})
	f.join(t, "alice")

	f.clock.advance(59 * time.Minute)
	req.Zero(f.engine.Sweep(f.clock.now()).SessionsEnded)

	f.clock.advance(time.Minute)
	req.Equal(1, f.engine.Sweep(f.clock.now()).SessionsEnded)
	req.Equal(model.EventSessionEnded, f.pub.last().Name)

	_, err := f.engine.Join(context.Background(), f.session.ID, JoinRequest{ParticipantID: "bob"})
	req.ErrorIs(err, reason.ErrSessionEnded)
	req.Zero(f.engine.Sweep(f.clock.now()).SessionsEnded)
}

func TestRun_StopsWithContext(t *testing.T) {
	f := newFixture(t, model.Session{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.engine.Run(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop")
	}
}

func TestSnapshot_UnknownAndEmpty(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, model.Session{})

	_, err := f.engine.Snapshot("missing")
	req.ErrorIs(err, reason.ErrSessionNotFound)

	r, err := f.engine.Snapshot(f.session.ID)
	req.NoError(err)
	req.Empty(r.Participants)
	req.Equal(f.session.ID, r.SessionID)
}
