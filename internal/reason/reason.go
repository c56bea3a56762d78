// Package reason defines the discriminated failure codes shared by the
// coordination engine, the realtime gateway, the REST handlers and the client.
package reason

import "errors"

type Code string

const (
	Starting         Code = "starting"
	SessionNotFound  Code = "session_not_found"
	SessionEnded     Code = "session_ended"
	SessionFull      Code = "session_full"
	InvalidToken     Code = "invalid_token"
	NotAuthorized    Code = "not_authorized"
	RoomNotFound     Code = "room_not_found"
	RoomClosed       Code = "room_closed"
	RoomFull         Code = "room_full"
	AlreadyInRoom    Code = "already_in_room"
	ApprovalRequired Code = "approval_required"
	NotInSession     Code = "not_in_session"
	InvalidRequest   Code = "invalid_request"
	RateLimited      Code = "rate_limited"
	Internal         Code = "internal"
)

// Error is a failure with a stable reason code. Two errors match under
// errors.Is when their codes are equal, so callers can compare against the
// sentinels below regardless of message detail.
type Error struct {
	Code    Code
	Message string
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Retryable reports whether the caller should retry automatically.
// Only the deferred "session starting" outcome is transient.
func (e *Error) Retryable() bool {
	return e.Code == Starting
}

var (
	ErrStarting         = New(Starting, "session is starting")
	ErrSessionNotFound  = New(SessionNotFound, "session not found")
	ErrSessionEnded     = New(SessionEnded, "session has ended")
	ErrSessionFull      = New(SessionFull, "session is at capacity")
	ErrInvalidToken     = New(InvalidToken, "invalid or expired host token")
	ErrNotAuthorized    = New(NotAuthorized, "not authorized")
	ErrRoomNotFound     = New(RoomNotFound, "breakout room not found")
	ErrRoomClosed       = New(RoomClosed, "breakout room is closed")
	ErrRoomFull         = New(RoomFull, "breakout room is full")
	ErrAlreadyInRoom    = New(AlreadyInRoom, "participant is already in another breakout room")
	ErrApprovalRequired = New(ApprovalRequired, "breakout room requires approval")
	ErrNotInSession     = New(NotInSession, "participant is not in this session")
	ErrRateLimited      = New(RateLimited, "too many requests")
)

func Invalid(message string) *Error {
	return New(InvalidRequest, message)
}

// CodeOf extracts the reason code of err, or Internal for foreign errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return Internal
}

// From converts any error into a *Error, keeping the code when present.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	return New(Internal, err.Error())
}
