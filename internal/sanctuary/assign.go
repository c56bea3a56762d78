package sanctuary

import (
	"container/heap"
	"context"
	"sort"

	"github.com/samber/lo"
	"sanctuary-live/internal/model"
)

// roomHeap orders rooms by occupancy, then by creation order, so the
// emptiest and oldest room is filled first.
type roomHeap []*model.BreakoutRoom

func (h roomHeap) Len() int { return len(h) }

func (h roomHeap) Less(i, j int) bool {
	if len(h[i].Members) != len(h[j].Members) {
		return len(h[i].Members) < len(h[j].Members)
	}
	return h[i].Seq < h[j].Seq
}

func (h roomHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *roomHeap) Push(x any) { *h = append(*h, x.(*model.BreakoutRoom)) }

func (h *roomHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return r
}

// AutoAssign spreads participants waiting in the session root across the
// open rooms that have space. It never creates rooms; whoever does not fit is
// reported as unassigned. Hosts and disconnected participants are skipped, as
// are private rooms and rooms that require approval.
func (e *Engine) AutoAssign(ctx context.Context, sessionID, actorID string) (model.Assignment, error) {
	var result model.Assignment
	err := e.withLive(ctx, sessionID, func(l *live) error {
		if _, err := l.moderator(actorID); err != nil {
			return err
		}

		candidates := lo.Filter(lo.Values(l.participants), func(m *member, _ int) bool {
			return m.Role != model.RoleHost && m.RoomID == "" && m.Connection == model.ConnectionConnected
		})
		sort.Slice(candidates, func(i, j int) bool {
			if !candidates[i].JoinedAt.Equal(candidates[j].JoinedAt) {
				return candidates[i].JoinedAt.Before(candidates[j].JoinedAt)
			}
			return candidates[i].ID < candidates[j].ID
		})

		h := &roomHeap{}
		for _, r := range l.rooms {
			if r.Status == model.RoomOpen && !r.Private && !r.RequiresApproval && r.Spare() > 0 {
				*h = append(*h, r)
			}
		}
		heap.Init(h)

		result = model.Assignment{Placements: []model.Placement{}, Unassigned: []string{}}
		touched := make(map[string]*model.BreakoutRoom)
		for _, m := range candidates {
			if h.Len() == 0 {
				result.Unassigned = append(result.Unassigned, m.ID)
				continue
			}
			room := heap.Pop(h).(*model.BreakoutRoom)
			room.Members = append(room.Members, m.ID)
			m.RoomID = room.ID
			touched[room.ID] = room
			result.Placements = append(result.Placements, model.Placement{ParticipantID: m.ID, RoomID: room.ID})
			if room.Spare() > 0 {
				heap.Push(h, room)
			}
		}

		rooms := lo.Map(lo.Values(touched), func(r *model.BreakoutRoom, _ int) model.BreakoutRoom { return cloneRoom(r) })
		sort.Slice(rooms, func(i, j int) bool { return rooms[i].Seq < rooms[j].Seq })
		e.emit(l, model.EventAutoAssigned, model.AutoAssignPayload{Assignment: result, Rooms: rooms})
		e.log.Info().Str("session", sessionID).Int("placed", len(result.Placements)).Int("unassigned", result.Shortfall()).Msg("auto-assignment completed")
		return nil
	})
	return result, err
}
