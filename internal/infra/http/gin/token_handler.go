package ginserver

import (
	"log/slog"
	"net/http"

	gin "github.com/gin-gonic/gin"

	"agrichat/internal/app/dto"
	"agrichat/internal/infra/security"
)

type TokenHTTP interface {
	ChatToken(c *gin.Context)
}

// TokenHandler issues custom store tokens for signed-in marketplace users.
type TokenHandler struct {
	Issuer security.CustomTokenIssuer
	Logger *slog.Logger
}

func (h TokenHandler) ChatToken(c *gin.Context) {
	p, ok := requireAuth(c)
	if !ok {
		return
	}
	claims := map[string]any{}
	if p.Name != "" {
		claims["name"] = p.Name
	}
	if p.Role != "" {
		claims["role"] = p.Role
	}
	issued, err := h.Issuer.Issue(p.ID, claims)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("chat token issue failed", "user_id", p.ID, "error", err)
		}
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "cannot issue chat token"})
		return
	}
	c.JSON(http.StatusOK, dto.ChatToken{Token: issued.Token, ExpiresAt: issued.ExpiresAt})
}

var _ TokenHTTP = TokenHandler{}
