package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wingman-interview/pipeline/pkg/response"
)

// RefreshRequest is the body for POST /auth/refresh.
type RefreshRequest struct {
	Token string `json:"token" binding:"required"`
}

// TokenResponse carries a freshly issued JWT.
type TokenResponse struct {
	Token string `json:"token"`
}

// Handler handles auth HTTP endpoints.
type Handler struct {
	jwt    *JWTService
	logger *zap.Logger
}

// NewHandler creates an auth handler.
func NewHandler(jwt *JWTService, logger *zap.Logger) *Handler {
	return &Handler{jwt: jwt, logger: logger}
}

// Refresh handles POST /auth/refresh. It accepts an expired token as long as
// the signature verifies and issues a replacement with the same identity.
func (h *Handler) Refresh(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	claims, err := h.jwt.ValidateExpired(req.Token)
	if err != nil {
		response.Unauthorized(c, "invalid token")
		return
	}

	token, err := h.jwt.Generate(claims.UserID, claims.Email)
	if err != nil {
		h.logger.Error("token generation failed", zap.Error(err))
		response.Internal(c, "failed to generate token")
		return
	}

	c.JSON(http.StatusOK, response.Body{Success: true, Data: TokenResponse{Token: token}})
}
