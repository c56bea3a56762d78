package model

import "time"

type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnding SessionStatus = "ending"
	SessionEnded  SessionStatus = "ended"
)

type ModerationLevel string

const (
	ModerationStandard ModerationLevel = "standard"
	ModerationStrict   ModerationLevel = "strict"
	ModerationPeer     ModerationLevel = "peer"
)

type Session struct {
	ID              string          `json:"id"`
	Topic           string          `json:"topic"`
	Capacity        int             `json:"capacity"`
	Status          SessionStatus   `json:"status"`
	ModerationLevel ModerationLevel `json:"moderationLevel"`
	Public          bool            `json:"public"`
	CreatedBy       string          `json:"createdBy"`
	CreatedAt       time.Time       `json:"createdAt"`
	StartsAt        time.Time       `json:"startsAt"`
	ExpiresAt       time.Time       `json:"expiresAt"`
}

func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

type Role string

const (
	RoleHost        Role = "host"
	RoleModerator   Role = "moderator"
	RoleParticipant Role = "participant"
)

func (r Role) CanModerate() bool {
	return r == RoleHost || r == RoleModerator
}

type AudioState string

const (
	AudioMuted   AudioState = "muted"
	AudioUnmuted AudioState = "unmuted"
)

type ConnectionStatus string

const (
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionDisconnected ConnectionStatus = "disconnected"
)

// VoiceSettings is the voice-synthesis selection forwarded to the external
// voice service. The engine stores it and never processes audio.
type VoiceSettings struct {
	VoiceID      string  `json:"voiceId" validate:"required,max=64"`
	Stability    float64 `json:"stability" validate:"gte=0,lte=1"`
	Similarity   float64 `json:"similarity" validate:"gte=0,lte=1"`
	Style        float64 `json:"style" validate:"gte=0,lte=1"`
	SpeakerBoost bool    `json:"speakerBoost"`
}

type Participant struct {
	ID         string           `json:"id"`
	Alias      string           `json:"alias"`
	Role       Role             `json:"role"`
	Audio      AudioState       `json:"audio"`
	Speaking   bool             `json:"speaking"`
	HandRaised bool             `json:"handRaised"`
	Connection ConnectionStatus `json:"connection"`
	JoinedAt   time.Time        `json:"joinedAt"`
	RoomID     string           `json:"roomId,omitempty"`
	Voice      *VoiceSettings   `json:"voice,omitempty"`
}

type RoomStatus string

const (
	RoomOpen    RoomStatus = "open"
	RoomClosing RoomStatus = "closing"
	RoomClosed  RoomStatus = "closed"
)

type BreakoutRoom struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Topic            string     `json:"topic,omitempty"`
	Capacity         int        `json:"capacity"`
	CreatedBy        string     `json:"createdBy"`
	Private          bool       `json:"private"`
	RequiresApproval bool       `json:"requiresApproval"`
	Members          []string   `json:"members"`
	CreatedAt        time.Time  `json:"createdAt"`
	Seq              uint64     `json:"seq"`
	ClosesAt         *time.Time `json:"closesAt,omitempty"`
	Status           RoomStatus `json:"status"`
}

func (r BreakoutRoom) Spare() int {
	return r.Capacity - len(r.Members)
}

type HostToken struct {
	ID        string    `json:"id"`
	Value     string    `json:"value,omitempty"`
	SessionID string    `json:"sessionId"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (t HostToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

type ModerationType string

const (
	ModerationMute    ModerationType = "mute"
	ModerationKick    ModerationType = "kick"
	ModerationPromote ModerationType = "promote"
)

type ModerationAction struct {
	ActorID   string         `json:"actorId"`
	TargetID  string         `json:"targetId" validate:"required"`
	Type      ModerationType `json:"type" validate:"required,oneof=mute kick promote"`
	Reason    string         `json:"reason,omitempty" validate:"max=500"`
	Timestamp time.Time      `json:"timestamp"`
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type EmergencyAlert struct {
	ActorID   string    `json:"actorId"`
	Type      string    `json:"type" validate:"required,max=64"`
	Severity  Severity  `json:"severity" validate:"required,oneof=low medium high critical"`
	Message   string    `json:"message" validate:"max=1000"`
	Timestamp time.Time `json:"timestamp"`
}

type Roster struct {
	SessionID    string         `json:"sessionId"`
	Version      uint64         `json:"version"`
	Participants []Participant  `json:"participants"`
	Rooms        []BreakoutRoom `json:"rooms"`
}

type JoinResult struct {
	Participant  Participant `json:"participant"`
	Roster       Roster      `json:"roster"`
	MediaChannel string      `json:"mediaChannel"`
	Rejoined     bool        `json:"rejoined"`
}

type Placement struct {
	ParticipantID string `json:"participantId"`
	RoomID        string `json:"roomId"`
}

type Assignment struct {
	Placements []Placement `json:"placements"`
	Unassigned []string    `json:"unassigned"`
}

// Shortfall is the number of participants left without a room.
func (a Assignment) Shortfall() int {
	return len(a.Unassigned)
}

// Account is a device identity created on first ed25519 sign-in.
type Account struct {
	ID        string    `json:"id"`
	PublicKey string    `json:"publicKey"`
	Alias     string    `json:"alias"`
	CreatedAt time.Time `json:"createdAt"`
}
