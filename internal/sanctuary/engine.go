// Package sanctuary is the authoritative coordinator of live sessions: who is
// present, which breakout room each participant is in, what they are doing,
// and what moderators decided. Each session owns one critical section; every
// mutation and the event describing it happen inside it, so subscribers see
// a session's events in the order the state changed.
package sanctuary

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"sanctuary-live/internal/model"
	"sanctuary-live/internal/reason"
)

const DefaultReconnectGrace = 30 * time.Second

// SessionSource is the catalogue of session metadata.
type SessionSource interface {
	Get(id string) (model.Session, bool)
	SetStatus(id string, status model.SessionStatus) (model.Session, error)
	Expired(now time.Time) []string
}

// HostVerifier resolves a host token to the session it grants authority over.
type HostVerifier interface {
	VerifyHost(ctx context.Context, token string) (string, error)
}

// Publisher fans events out to a session's connections. Implementations must
// not block: they are called with the session lock held.
type Publisher interface {
	Broadcast(sessionID string, ev model.Event)
	// Drop closes every connection a participant holds in the session.
	Drop(sessionID, participantID string)
	// End releases every connection of the session.
	End(sessionID string)
}

// AlertSink receives emergency alerts for escalation outside the session.
type AlertSink interface {
	Escalate(ctx context.Context, sessionID string, alert model.EmergencyAlert)
}

type Options struct {
	Sessions       SessionSource
	Hosts          HostVerifier
	Publisher      Publisher
	Sink           AlertSink
	Logger         zerolog.Logger
	Now            func() time.Time
	ReconnectGrace time.Duration
}

type Engine struct {
	sessions SessionSource
	hosts    HostVerifier
	pub      Publisher
	sink     AlertSink
	log      zerolog.Logger
	now      func() time.Time
	grace    time.Duration

	mu   sync.Mutex
	live map[string]*live

	// ended remembers sessions EndSession released so a late Join cannot
	// bring their live state back.
	ended map[string]struct{}
}

type member struct {
	model.Participant
	seq            uint64
	disconnectedAt time.Time
}

type live struct {
	mu sync.Mutex

	session      model.Session
	version      uint64
	joinSeq      uint64
	roomSeq      uint64
	participants map[string]*member
	rooms        map[string]*model.BreakoutRoom
	closedRooms  map[string]struct{}
	kicked       map[string]struct{}
	ended        bool
}

func New(opts Options) *Engine {
	e := &Engine{
		sessions: opts.Sessions,
		hosts:    opts.Hosts,
		pub:      opts.Publisher,
		sink:     opts.Sink,
		log:      opts.Logger.With().Str("module", "sanctuary").Logger(),
		now:      opts.Now,
		grace:    opts.ReconnectGrace,
		live:     make(map[string]*live),
		ended:    make(map[string]struct{}),
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.grace <= 0 {
		e.grace = DefaultReconnectGrace
	}
	if e.pub == nil {
		e.pub = nopPublisher{}
	}
	return e
}

type nopPublisher struct{}

func (nopPublisher) Broadcast(string, model.Event) {}
func (nopPublisher) Drop(string, string)           {}
func (nopPublisher) End(string)                    {}

// MediaChannel names the media transport channel for a session root, or for a
// breakout room when roomID is set.
func MediaChannel(sessionID, roomID string) string {
	if roomID == "" {
		return "sanctuary:" + sessionID
	}
	return "sanctuary:" + sessionID + ":room:" + roomID
}

// acquire returns the live state of a session, creating it on first use.
// A session that is no longer active never gets live state.
func (e *Engine) acquire(sessionID string) (*live, model.Session, error) {
	sess, ok := e.sessions.Get(sessionID)
	if !ok {
		return nil, model.Session{}, reason.ErrSessionNotFound
	}
	if sess.Status != model.SessionActive {
		return nil, model.Session{}, reason.ErrSessionEnded
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, gone := e.ended[sessionID]; gone {
		return nil, model.Session{}, reason.ErrSessionEnded
	}
	l, ok := e.live[sessionID]
	if !ok {
		l = &live{
			session:      sess,
			participants: make(map[string]*member),
			rooms:        make(map[string]*model.BreakoutRoom),
			closedRooms:  make(map[string]struct{}),
			kicked:       make(map[string]struct{}),
		}
		e.live[sessionID] = l
	}
	return l, sess, nil
}

// lookup returns the live state only if the session already has one.
func (e *Engine) lookup(sessionID string) (*live, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.live[sessionID]
	return l, ok
}

// withLive runs fn inside the session's critical section.
func (e *Engine) withLive(ctx context.Context, sessionID string, fn func(l *live) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l, ok := e.lookup(sessionID)
	if !ok {
		if _, exists := e.sessions.Get(sessionID); !exists {
			return reason.ErrSessionNotFound
		}
		return reason.ErrNotInSession
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ended {
		return reason.ErrSessionEnded
	}
	return fn(l)
}

// emit stamps the next version on an event and publishes it. Callers hold l.mu.
func (e *Engine) emit(l *live, name string, payload any) {
	l.version++
	e.pub.Broadcast(l.session.ID, model.Event{
		Name:      name,
		SessionID: l.session.ID,
		Version:   l.version,
		At:        e.now().UnixMilli(),
		Payload:   payload,
	})
}

func (l *live) member(id string) (*member, error) {
	m, ok := l.participants[id]
	if !ok {
		return nil, reason.ErrNotInSession
	}
	return m, nil
}

func (l *live) moderator(id string) (*member, error) {
	m, err := l.member(id)
	if err != nil {
		return nil, err
	}
	if !m.Role.CanModerate() {
		return nil, reason.ErrNotAuthorized
	}
	return m, nil
}

func cloneRoom(r *model.BreakoutRoom) model.BreakoutRoom {
	out := *r
	out.Members = append([]string{}, r.Members...)
	if r.ClosesAt != nil {
		t := *r.ClosesAt
		out.ClosesAt = &t
	}
	return out
}

func cloneParticipant(m *member) model.Participant {
	p := m.Participant
	if m.Voice != nil {
		v := *m.Voice
		p.Voice = &v
	}
	return p
}
