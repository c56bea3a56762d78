package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"sanctuary-live/internal/reason"
)

var statusByCode = map[reason.Code]int{
	reason.Starting:         http.StatusConflict,
	reason.SessionNotFound:  http.StatusNotFound,
	reason.SessionEnded:     http.StatusGone,
	reason.SessionFull:      http.StatusConflict,
	reason.InvalidToken:     http.StatusUnauthorized,
	reason.NotAuthorized:    http.StatusForbidden,
	reason.RoomNotFound:     http.StatusNotFound,
	reason.RoomClosed:       http.StatusGone,
	reason.RoomFull:         http.StatusConflict,
	reason.AlreadyInRoom:    http.StatusConflict,
	reason.ApprovalRequired: http.StatusForbidden,
	reason.NotInSession:     http.StatusNotFound,
	reason.InvalidRequest:   http.StatusBadRequest,
	reason.RateLimited:      http.StatusTooManyRequests,
}

// StatusFor maps a reason code to the HTTP status the REST surface answers with.
func StatusFor(code reason.Code) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func abort(c *gin.Context, err error) {
	re := reason.From(err)
	status := StatusFor(re.Code)
	message := re.Message
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		message = "Internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": message, "code": re.Code})
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": message, "code": reason.InvalidRequest})
}
