package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"skypost/internal/auth"
	"skypost/internal/model"
)

type AuthService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*model.User, error)
	Login(ctx context.Context, email, password string) (string, *model.User, error)
	Token(u *model.User) (string, error)
	UpdateProfile(ctx context.Context, userID int, p auth.ProfileUpdate) (*model.User, error)
	ChangePassword(ctx context.Context, userID int, current, next string) error
}

type AuthHandler struct {
	svc    AuthService
	logger *zap.Logger
}

func NewAuthHandler(svc AuthService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{svc: svc, logger: logger}
}

// Register handles POST /auth/register
func (h *AuthHandler) Register(c *gin.Context) {
	var req auth.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request")
		return
	}

	u, err := h.svc.Register(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.logger, "registration failed", err)
		return
	}

	token, err := h.svc.Token(u)
	if err != nil {
		respondError(c, h.logger, "registration failed", err)
		return
	}
	ok(c, http.StatusCreated, "User registered successfully", gin.H{"user": u, "token": token})
}

// Login handles POST /auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" || req.Password == "" {
		fail(c, http.StatusBadRequest, "email and password are required")
		return
	}

	token, u, err := h.svc.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		respondError(c, h.logger, "login failed", err)
		return
	}
	ok(c, http.StatusOK, "Login successful", gin.H{"user": u, "token": token})
}

// Me handles GET /auth/me
func (h *AuthHandler) Me(c *gin.Context) {
	ok(c, http.StatusOK, "Profile retrieved successfully", gin.H{"user": currentUser(c)})
}

// UpdateProfile handles PUT /auth/me and PUT /auth/profile
func (h *AuthHandler) UpdateProfile(c *gin.Context) {
	var req auth.ProfileUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request")
		return
	}

	u, err := h.svc.UpdateProfile(c.Request.Context(), currentUserID(c), req)
	if err != nil {
		respondError(c, h.logger, "failed to update profile", err)
		return
	}
	ok(c, http.StatusOK, "Profile updated successfully", gin.H{"user": u})
}

// ChangePassword handles POST /auth/change-password
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request")
		return
	}

	if err := h.svc.ChangePassword(c.Request.Context(), currentUserID(c), req.CurrentPassword, req.NewPassword); err != nil {
		respondError(c, h.logger, "failed to change password", err)
		return
	}
	ok(c, http.StatusOK, "Password changed successfully", nil)
}

// ValidateToken handles GET /auth/validate; AuthMiddleware has already checked the token.
func (h *AuthHandler) ValidateToken(c *gin.Context) {
	ok(c, http.StatusOK, "Token is valid", gin.H{"valid": true, "user": currentUser(c)})
}
