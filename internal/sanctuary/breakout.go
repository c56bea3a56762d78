package sanctuary

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"sanctuary-live/internal/model"
	"sanctuary-live/internal/reason"
)

type RoomConfig struct {
	Name             string `json:"name" validate:"required,max=80"`
	Topic            string `json:"topic" validate:"max=200"`
	Capacity         int    `json:"capacity" validate:"gte=2,lte=20"`
	Private          bool   `json:"private"`
	RequiresApproval bool   `json:"requiresApproval"`
	TTLSeconds       int    `json:"ttlSeconds" validate:"gte=0,lte=86400"`
}

// CreateRoom opens a breakout room. Only hosts and moderators may create one.
func (e *Engine) CreateRoom(ctx context.Context, sessionID, actorID string, cfg RoomConfig) (model.BreakoutRoom, error) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	cfg.Topic = strings.TrimSpace(cfg.Topic)
	if err := check(cfg); err != nil {
		return model.BreakoutRoom{}, err
	}

	var created model.BreakoutRoom
	err := e.withLive(ctx, sessionID, func(l *live) error {
		if _, err := l.moderator(actorID); err != nil {
			return err
		}

		now := e.now()
		l.roomSeq++
		room := &model.BreakoutRoom{
			ID:               uuid.NewString(),
			Name:             cfg.Name,
			Topic:            cfg.Topic,
			Capacity:         cfg.Capacity,
			CreatedBy:        actorID,
			Private:          cfg.Private,
			RequiresApproval: cfg.RequiresApproval,
			Members:          []string{},
			CreatedAt:        now,
			Seq:              l.roomSeq,
			Status:           model.RoomOpen,
		}
		if cfg.TTLSeconds > 0 {
			closesAt := now.Add(time.Duration(cfg.TTLSeconds) * time.Second)
			room.ClosesAt = &closesAt
		}
		l.rooms[room.ID] = room

		created = cloneRoom(room)
		e.emit(l, model.EventRoomCreated, model.RoomPayload{Room: created})
		e.log.Info().Str("session", sessionID).Str("room", room.ID).Int("capacity", room.Capacity).Msg("breakout room created")
		return nil
	})
	return created, err
}

func (l *live) openRoom(roomID string) (*model.BreakoutRoom, error) {
	room, ok := l.rooms[roomID]
	if !ok {
		if _, closed := l.closedRooms[roomID]; closed {
			return nil, reason.ErrRoomClosed
		}
		return nil, reason.ErrRoomNotFound
	}
	if room.Status != model.RoomOpen {
		return nil, reason.ErrRoomClosed
	}
	return room, nil
}

// JoinRoom moves a participant from the session root into a breakout room.
// Joining the room one is already in returns it unchanged.
func (e *Engine) JoinRoom(ctx context.Context, sessionID, roomID, participantID string) (model.BreakoutRoom, error) {
	var joined model.BreakoutRoom
	err := e.withLive(ctx, sessionID, func(l *live) error {
		m, err := l.member(participantID)
		if err != nil {
			return err
		}
		room, err := l.openRoom(roomID)
		if err != nil {
			return err
		}
		if m.RoomID == roomID {
			joined = cloneRoom(room)
			return nil
		}
		if m.RoomID != "" {
			return reason.ErrAlreadyInRoom
		}
		if (room.Private || room.RequiresApproval) && !m.Role.CanModerate() {
			return reason.ErrApprovalRequired
		}
		if room.Spare() <= 0 {
			return reason.ErrRoomFull
		}

		room.Members = append(room.Members, participantID)
		m.RoomID = roomID
		joined = cloneRoom(room)
		e.emit(l, model.EventRoomJoined, model.RoomMembershipPayload{RoomID: roomID, ParticipantID: participantID, Room: joined})
		return nil
	})
	return joined, err
}

// LeaveRoom returns a participant to the session root. It is a no-op for a
// participant already there.
func (e *Engine) LeaveRoom(ctx context.Context, sessionID, participantID string) error {
	return e.withLive(ctx, sessionID, func(l *live) error {
		m, err := l.member(participantID)
		if err != nil {
			return err
		}
		if m.RoomID == "" {
			return nil
		}
		roomID := m.RoomID
		m.RoomID = ""
		room, ok := l.rooms[roomID]
		if !ok {
			return nil
		}
		room.Members = lo.Without(room.Members, participantID)
		e.emit(l, model.EventRoomLeft, model.RoomMembershipPayload{RoomID: roomID, ParticipantID: participantID, Room: cloneRoom(room)})
		return nil
	})
}

// CloseRoom returns every member to the session root and retires the room.
func (e *Engine) CloseRoom(ctx context.Context, sessionID, actorID, roomID string) ([]string, error) {
	var returned []string
	err := e.withLive(ctx, sessionID, func(l *live) error {
		if _, err := l.moderator(actorID); err != nil {
			return err
		}
		room, err := l.openRoom(roomID)
		if err != nil {
			return err
		}
		returned = e.closeRoomLocked(l, room, "closed")
		return nil
	})
	return returned, err
}

func (e *Engine) closeRoomLocked(l *live, room *model.BreakoutRoom, why string) []string {
	room.Status = model.RoomClosing
	returned := append([]string{}, room.Members...)
	for _, id := range returned {
		if m, ok := l.participants[id]; ok && m.RoomID == room.ID {
			m.RoomID = ""
		}
	}
	room.Members = room.Members[:0]
	room.Status = model.RoomClosed
	delete(l.rooms, room.ID)
	l.closedRooms[room.ID] = struct{}{}

	e.emit(l, model.EventRoomClosed, model.RoomClosedPayload{RoomID: room.ID, Returned: returned, Reason: why})
	e.log.Info().Str("session", l.session.ID).Str("room", room.ID).Int("returned", len(returned)).Str("reason", why).Msg("breakout room closed")
	return returned
}

// ListRooms returns the open rooms in creation order.
func (e *Engine) ListRooms(sessionID string) ([]model.BreakoutRoom, error) {
	l, ok := e.lookup(sessionID)
	if !ok {
		if _, exists := e.sessions.Get(sessionID); !exists {
			return nil, reason.ErrSessionNotFound
		}
		return []model.BreakoutRoom{}, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return e.roomsLocked(l), nil
}

func (e *Engine) roomsLocked(l *live) []model.BreakoutRoom {
	rooms := make([]model.BreakoutRoom, 0, len(l.rooms))
	for _, r := range l.rooms {
		rooms = append(rooms, cloneRoom(r))
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Seq < rooms[j].Seq })
	return rooms
}
