package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"sanctuary-live/internal/hostauth"
	"sanctuary-live/internal/model"
)

const maxRecoveryTokens = 50

type HostHandler struct {
	Issuer *hostauth.Issuer
}

// Issue mints an additional host token for the session the presented token
// already controls, e.g. to hand host authority to a second device.
func (h *HostHandler) Issue(c *gin.Context) {
	sid, err := h.Issuer.VerifyHost(c.Request.Context(), c.GetHeader(HostTokenHeader))
	if err != nil {
		abort(c, err)
		return
	}
	tok, err := h.Issuer.Issue(c.Request.Context(), sid)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"hostToken": tok})
}

type verifyBody struct {
	Token string `json:"token" binding:"required"`
}

func (h *HostHandler) Verify(c *gin.Context) {
	var body verifyBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	info, err := h.Issuer.Verify(c.Request.Context(), body.Token)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "session": info.Session, "token": info.Token})
}

type sessionsBody struct {
	Tokens []string `json:"tokens" binding:"required,max=50"`
}

// Sessions resolves a client's cached host tokens to the sessions they still
// control. Stale tokens are ignored rather than reported.
func (h *HostHandler) Sessions(c *gin.Context) {
	var body sessionsBody
	if err := c.ShouldBindJSON(&body); err != nil || len(body.Tokens) > maxRecoveryTokens {
		badRequest(c, "Invalid request")
		return
	}
	sessions, err := h.Issuer.ListSessions(c.Request.Context(), body.Tokens)
	if err != nil {
		abort(c, err)
		return
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}
