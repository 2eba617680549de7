package httpHandler

import (
	"net/http"

	"rdm-server/auth"
	"rdm-server/repositories"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type LoginHandler struct {
	tokens *auth.TokenService
	users  repositories.UserRepository
}

func NewLoginHandler(tokens *auth.TokenService, users repositories.UserRepository) *LoginHandler {
	return &LoginHandler{tokens: tokens, users: users}
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
}

// Login POST /api/auth/login
func (h *LoginHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, fail("invalid request"))
		return
	}
	token, err := h.tokens.Login(h.users, req.Username, req.Password)
	if err != nil {
		log.Warn().Str("username", req.Username).Msg("failed login attempt")
		c.JSON(http.StatusUnauthorized, fail("invalid username or password"))
		return
	}
	log.Info().Str("username", req.Username).Msg("operator authenticated")
	c.JSON(http.StatusOK, ok(LoginResponse{Token: token, Username: req.Username}))
}
