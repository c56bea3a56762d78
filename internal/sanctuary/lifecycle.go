package sanctuary

import (
	"context"
	"errors"
	"time"

	"sanctuary-live/internal/model"
	"sanctuary-live/internal/reason"
)

// EndSession closes a session for everyone: the catalogue marks it ended,
// participants receive session_ended and their connections are released.
func (e *Engine) EndSession(ctx context.Context, sessionID, why string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := e.sessions.SetStatus(sessionID, model.SessionEnded); err != nil {
		if _, ok := e.sessions.Get(sessionID); !ok {
			return reason.ErrSessionNotFound
		}
		return err
	}

	e.mu.Lock()
	l, ok := e.live[sessionID]
	delete(e.live, sessionID)
	e.ended[sessionID] = struct{}{}
	e.mu.Unlock()

	if ok {
		l.mu.Lock()
		if !l.ended {
			l.ended = true
			e.emit(l, model.EventSessionEnded, model.SessionEndedPayload{Reason: why})
		}
		l.mu.Unlock()
	}

	e.pub.End(sessionID)
	e.log.Info().Str("session", sessionID).Str("reason", why).Msg("session ended")
	return nil
}

// SweepResult counts what one Sweep pass cleaned up.
type SweepResult struct {
	Removed       int
	RoomsClosed   int
	SessionsEnded int
}

// Sweep removes participants whose reconnect grace ran out, closes breakout
// rooms past their TTL and ends expired sessions.
func (e *Engine) Sweep(now time.Time) SweepResult {
	var res SweepResult

	e.mu.Lock()
	lives := make([]*live, 0, len(e.live))
	for _, l := range e.live {
		lives = append(lives, l)
	}
	e.mu.Unlock()

	for _, l := range lives {
		l.mu.Lock()
		if l.ended {
			l.mu.Unlock()
			continue
		}
		for id, m := range l.participants {
			if m.Connection == model.ConnectionDisconnected && !now.Before(m.disconnectedAt.Add(e.grace)) {
				e.removeLocked(l, id, "timeout")
				res.Removed++
			}
		}
		for _, room := range e.dueRoomsLocked(l, now) {
			e.closeRoomLocked(l, room, "expired")
			res.RoomsClosed++
		}
		l.mu.Unlock()
	}

	for _, id := range e.sessions.Expired(now) {
		if err := e.EndSession(context.Background(), id, "expired"); err != nil && !errors.Is(err, reason.ErrSessionNotFound) {
			e.log.Error().Err(err).Str("session", id).Msg("failed to end expired session")
			continue
		}
		res.SessionsEnded++
	}
	return res
}

// dueRoomsLocked returns rooms whose TTL has elapsed, in creation order.
func (e *Engine) dueRoomsLocked(l *live, now time.Time) []*model.BreakoutRoom {
	var due []*model.BreakoutRoom
	for _, r := range e.roomsLocked(l) {
		if r.ClosesAt != nil && !now.Before(*r.ClosesAt) {
			due = append(due, l.rooms[r.ID])
		}
	}
	return due
}

// Run sweeps on every tick until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := e.Sweep(e.now())
			if res != (SweepResult{}) {
				e.log.Debug().
					Int("removed", res.Removed).
					Int("rooms_closed", res.RoomsClosed).
					Int("sessions_ended", res.SessionsEnded).
					Msg("sweep")
			}
		}
	}
}
