package model

const (
	EventJoin         = "join"
	EventLeave        = "leave"
	EventSync         = "sync"
	EventPing         = "ping"
	EventPong         = "pong"
	EventError        = "error"
	EventSetVoice     = "set_voice"
	EventCreateRoom   = "create_breakout_room"
	EventJoinRoom     = "join_breakout_room"
	EventLeaveRoom    = "leave_breakout_room"
	EventCloseRoom    = "close_breakout_room"
	EventAutoAssign   = "auto_assign_breakout_rooms"
	EventModerate     = "moderation_action"
	EventEmergency    = "emergency_alert"
	EventAudioState   = "audio_state_changed"
	EventHandRaised   = "hand_raised"
	EventReaction     = "reaction_sent"
	EventSessionEnded = "session_ended"
	EventVoiceChanged = "voice_changed"
	EventJoined       = "participant_joined"
	EventLeft         = "participant_left"
	EventUpdated      = "participant_updated"
	EventRoomCreated  = "breakout_room_created"
	EventRoomJoined   = "breakout_room_joined"
	EventRoomLeft     = "breakout_room_left"
	EventRoomClosed   = "breakout_room_closed"
	EventAutoAssigned = "breakout_auto_assignment_completed"
)

// Event is the envelope of every per-session broadcast. Version increases by
// exactly one per broadcast within a session, so a receiver can detect gaps.
type Event struct {
	Name      string `json:"name"`
	SessionID string `json:"sessionId"`
	Version   uint64 `json:"version"`
	At        int64  `json:"at"`
	Payload   any    `json:"payload,omitempty"`
}

type ParticipantPayload struct {
	Participant Participant `json:"participant"`
}

type ParticipantLeftPayload struct {
	ParticipantID string `json:"participantId"`
	RoomID        string `json:"roomId,omitempty"`
	Reason        string `json:"reason"`
}

type AudioPayload struct {
	ParticipantID string     `json:"participantId"`
	Audio         AudioState `json:"audio"`
	Speaking      bool       `json:"speaking"`
}

type HandPayload struct {
	ParticipantID string `json:"participantId"`
	Raised        bool   `json:"raised"`
}

type ReactionPayload struct {
	ParticipantID string `json:"participantId"`
	Reaction      string `json:"reaction"`
	RoomID        string `json:"roomId,omitempty"`
}

type VoicePayload struct {
	ParticipantID string        `json:"participantId"`
	Voice         VoiceSettings `json:"voice"`
}

type RoomPayload struct {
	Room BreakoutRoom `json:"room"`
}

type RoomMembershipPayload struct {
	RoomID        string       `json:"roomId"`
	ParticipantID string       `json:"participantId"`
	Room          BreakoutRoom `json:"room"`
}

type RoomClosedPayload struct {
	RoomID   string   `json:"roomId"`
	Returned []string `json:"returned"`
	Reason   string   `json:"reason"`
}

type AutoAssignPayload struct {
	Assignment Assignment     `json:"assignment"`
	Rooms      []BreakoutRoom `json:"rooms"`
}

type ModerationPayload struct {
	Action ModerationAction `json:"action"`
}

type AlertPayload struct {
	Alert    EmergencyAlert `json:"alert"`
	Priority string         `json:"priority"`
}

type SessionEndedPayload struct {
	Reason string `json:"reason"`
}
