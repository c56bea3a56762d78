package handler

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"sanctuary-live/internal/auth"
	"sanctuary-live/internal/store"
)

const maxAliasLength = 40

type AuthHandler struct {
	Store       *store.Store
	TokenConfig auth.TokenConfig
}

type authBody struct {
	auth.SignIn
	Alias string `json:"alias"`
}

// Auth signs a device in with its ed25519 key. The participant id is derived
// from the key, so a returning device keeps its identity.
func (h *AuthHandler) Auth(c *gin.Context) {
	var body authBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	alias := strings.TrimSpace(body.Alias)
	if utf8.RuneCountInString(alias) > maxAliasLength {
		badRequest(c, "Alias is too long")
		return
	}

	if err := body.Verify(); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error(), "code": "invalid_credentials"})
		return
	}

	fingerprint, err := auth.KeyFingerprint(body.PublicKey)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	account, created := h.Store.GetOrCreateAccount(body.PublicKey, fingerprint, alias)
	if alias == "" {
		alias = account.Alias
	}

	token, err := auth.CreateToken(account.ID, alias, h.TokenConfig)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Token creation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"token":         token,
		"participantId": account.ID,
		"created":       created,
	})
}
