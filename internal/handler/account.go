package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
)

// registerAdmin is open while no admin exists; afterwards it needs an admin token.
func (h *Handler) registerAdmin(c *gin.Context) {
	exists, err := h.svc.AdminExists(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	if exists {
		claims, ok := auth.FromContext(c)
		if !ok {
			adminRequired(c)
			return
		}
		if claims.Role != attendance.RoleAdmin {
			forbidden(c)
			return
		}
	}

	in, img, ok := h.decodeMember(c)
	if !ok {
		return
	}
	if exists {
		role := attendance.RoleAdmin
		in.Role = &role
		h.register(c, in, img)
		return
	}
	m, err := h.svc.RegisterFirstAdmin(c.Request.Context(), in, img)
	if errors.Is(err, attendance.ErrAdminExists) {
		adminRequired(c)
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "user registered", "user": m})
}

func adminRequired(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, gin.H{"error": "an admin already exists, authentication required"})
}

func (h *Handler) registerUser(c *gin.Context) {
	in, img, ok := h.decodeMember(c)
	if !ok {
		return
	}
	h.register(c, in, img)
}

func (h *Handler) register(c *gin.Context, in attendance.MemberInput, img *attendance.Image) {
	m, err := h.svc.Register(c.Request.Context(), in, img)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "user registered", "user": m})
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if !h.bind(c, &req) {
		return
	}
	m, pair, err := h.svc.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":         pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"expires_at":    pair.AccessExp.Unix(),
		"role":          m.Role,
		"userId":        m.ID,
		"user":          m,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

func (h *Handler) refresh(c *gin.Context) {
	var req refreshRequest
	if !h.bind(c, &req) {
		return
	}
	m, pair, err := h.svc.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":         pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"expires_at":    pair.AccessExp.Unix(),
		"role":          m.Role,
		"userId":        m.ID,
	})
}
