package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"sanctuary-live/internal/hostauth"
	"sanctuary-live/internal/middleware"
	"sanctuary-live/internal/model"
	"sanctuary-live/internal/reason"
	"sanctuary-live/internal/sanctuary"
	"sanctuary-live/internal/store"
)

// HostTokenHeader carries a host token on REST calls that need host authority.
const HostTokenHeader = "X-Host-Token"

type SessionHandler struct {
	Store           *store.Store
	Engine          *sanctuary.Engine
	Issuer          *hostauth.Issuer
	DefaultCapacity int
	SessionTTL      time.Duration
	Now             func() time.Time
}

type createSessionBody struct {
	Topic           string                `json:"topic" binding:"required,max=120"`
	Capacity        int                   `json:"capacity" binding:"gte=0,lte=500"`
	ModerationLevel model.ModerationLevel `json:"moderationLevel" binding:"omitempty,oneof=standard strict peer"`
	Public          bool                  `json:"public"`
	StartsAt        *time.Time            `json:"startsAt"`
	DurationMinutes int                   `json:"durationMinutes" binding:"gte=0,lte=1440"`
}

func (h *SessionHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// Create opens a new session owned by the caller and returns it with the
// first host token. The token is the only proof of host authority, so clients
// must keep it.
func (h *SessionHandler) Create(c *gin.Context) {
	participantID, ok := middleware.ParticipantIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token", "code": reason.InvalidToken})
		return
	}

	var body createSessionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "Invalid request")
		return
	}

	now := h.now()
	sess := model.Session{
		Topic:           body.Topic,
		Capacity:        body.Capacity,
		ModerationLevel: body.ModerationLevel,
		Public:          body.Public,
		CreatedBy:       participantID,
		StartsAt:        now,
	}
	if sess.Capacity == 0 {
		sess.Capacity = h.DefaultCapacity
	}
	if body.StartsAt != nil {
		if body.StartsAt.Before(now.Add(-time.Minute)) {
			badRequest(c, "startsAt is in the past")
			return
		}
		sess.StartsAt = body.StartsAt.UTC()
	}
	ttl := h.SessionTTL
	if body.DurationMinutes > 0 {
		ttl = time.Duration(body.DurationMinutes) * time.Minute
	}
	if ttl > 0 {
		sess.ExpiresAt = sess.StartsAt.Add(ttl)
	}

	sess = h.Store.CreateSession(sess)
	tok, err := h.Issuer.Issue(c.Request.Context(), sess.ID)
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"session": sess, "hostToken": tok})
}

// List returns active sessions. Private sessions are only listed for
// authenticated callers.
func (h *SessionHandler) List(c *gin.Context) {
	_, authenticated := middleware.ParticipantIDFromContext(c)
	c.JSON(http.StatusOK, gin.H{"sessions": h.Store.ListActive(authenticated)})
}

func (h *SessionHandler) Get(c *gin.Context) {
	sess, ok := h.Store.Get(c.Param("id"))
	if !ok {
		abort(c, reason.ErrSessionNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (h *SessionHandler) Roster(c *gin.Context) {
	roster, err := h.Engine.Snapshot(c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"roster": roster})
}

// Delete ends the session for everyone. It needs a host token for that
// session.
func (h *SessionHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.Store.Get(id); !ok {
		abort(c, reason.ErrSessionNotFound)
		return
	}
	sid, err := h.Issuer.VerifyHost(c.Request.Context(), c.GetHeader(HostTokenHeader))
	if err != nil {
		abort(c, err)
		return
	}
	if sid != id {
		abort(c, reason.ErrNotAuthorized)
		return
	}

	if err := h.Engine.EndSession(c.Request.Context(), id, "closed_by_host"); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
