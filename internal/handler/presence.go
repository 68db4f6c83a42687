package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"qrattend/internal/auth"
)

func (h *Handler) history(c *gin.Context) {
	list, err := h.svc.History(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) memberHistory(c *gin.Context) {
	id := c.Param("id")
	if !canAccess(c, id) {
		forbidden(c)
		return
	}
	hist, err := h.svc.HistoryOf(c.Request.Context(), id, c.Query("from"), c.Query("to"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, hist)
}

func (h *Handler) presences(c *gin.Context) {
	list, err := h.svc.PresencesOn(c.Request.Context(), c.Query("date"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

type presenceRequest struct {
	Date    string `json:"date" binding:"required,datetime=2006-01-02"`
	Present *bool  `json:"present" binding:"required"`
}

func (h *Handler) setPresence(c *gin.Context) {
	var req presenceRequest
	if !h.bind(c, &req) {
		return
	}
	m, err := h.svc.SetPresence(c.Request.Context(), c.Param("id"), req.Date, *req.Present)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "presence updated", "membre": m})
}

func (h *Handler) requestReconcile(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	msg, err := h.svc.RequestReconcile(c.Request.Context(), claims.Subject)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": msg.ID, "status": "queued"})
}
