package sanctuary

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"sanctuary-live/internal/model"
	"sanctuary-live/internal/reason"
	"sanctuary-live/internal/store"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingPublisher struct {
	mu      sync.Mutex
	events  []model.Event
	dropped []string
	ended   []string
}

func (p *recordingPublisher) Broadcast(sessionID string, ev model.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) Drop(sessionID, participantID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropped = append(p.dropped, participantID)
}

func (p *recordingPublisher) End(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ended = append(p.ended, sessionID)
}

func (p *recordingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Name)
	}
	return out
}

func (p *recordingPublisher) last() model.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

type fakeHosts map[string]string

func (f fakeHosts) VerifyHost(_ context.Context, token string) (string, error) {
	sid, ok := f[token]
	if !ok {
		return "", reason.ErrInvalidToken
	}
	return sid, nil
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []model.EmergencyAlert
}

func (s *recordingSink) Escalate(_ context.Context, _ string, alert model.EmergencyAlert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
}

type fixture struct {
	engine  *Engine
	store   *store.Store
	pub     *recordingPublisher
	sink    *recordingSink
	clock   *clock
	session model.Session
}

func newFixture(t *testing.T, sess model.Session) *fixture {
	t.Helper()
	c := &clock{t: time.Date(2026, 6, 1, 18, 0, 0, 0, time.UTC)}
	st := store.NewWithOptions(store.Options{Logger: zerolog.Nop(), Now: c.now})
	if sess.Topic == "" {
		sess.Topic = "evening circle"
	}
	created := st.CreateSession(sess)

	pub := &recordingPublisher{}
	sink := &recordingSink{}
	e := New(Options{
		Sessions:       st,
		Hosts:          fakeHosts{"host-token": created.ID, "other-token": "elsewhere"},
		Publisher:      pub,
		Sink:           sink,
		Logger:         zerolog.Nop(),
		Now:            c.now,
		ReconnectGrace: 30 * time.Second,
	})
	return &fixture{engine: e, store: st, pub: pub, sink: sink, clock: c, session: created}
}

func (f *fixture) join(t *testing.T, id string) model.JoinResult {
	t.Helper()
	res, err := f.engine.Join(context.Background(), f.session.ID, JoinRequest{ParticipantID: id, Alias: id})
	require.NoError(t, err)
	return res
}

func (f *fixture) joinHost(t *testing.T, id string) model.JoinResult {
	t.Helper()
	res, err := f.engine.Join(context.Background(), f.session.ID, JoinRequest{ParticipantID: id, Alias: id, HostToken: "host-token"})
	require.NoError(t, err)
	return res
}

func (f *fixture) roster(t *testing.T) model.Roster {
	t.Helper()
	r, err := f.engine.Snapshot(f.session.ID)
	require.NoError(t, err)
	return r
}

func participantIDs(r model.Roster) []string {
	out := make([]string, 0, len(r.Participants))
	for _, p := range r.Participants {
		out = append(out, p.ID)
	}
	return out
}

func findParticipant(r model.Roster, id string) (model.Participant, bool) {
	for _, p := range r.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return model.Participant{}, false
}
