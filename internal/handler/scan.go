package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type scanRequest struct {
	ID string `json:"id" binding:"required"`
}

// scan records today's presence for the member encoded in the scanned badge.
// Non-admins may only scan themselves.
func (h *Handler) scan(c *gin.Context) {
	var req scanRequest
	if !h.bind(c, &req) {
		return
	}
	if !canAccess(c, req.ID) {
		forbidden(c)
		return
	}
	m, err := h.svc.RecordScan(c.Request.Context(), req.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "presence recorded for " + m.Name, "membre": m})
}

type companyScanRequest struct {
	UserID string `json:"userId" binding:"required"`
	QRCode string `json:"qrCodeEntreprise" binding:"required"`
}

// scanCompany records a member scanning the company QR code.
func (h *Handler) scanCompany(c *gin.Context) {
	var req companyScanRequest
	if !h.bind(c, &req) {
		return
	}
	if !canAccess(c, req.UserID) {
		forbidden(c)
		return
	}
	m, company, err := h.svc.ScanCompany(c.Request.Context(), req.UserID, req.QRCode)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":    "presence recorded for " + m.Name,
		"entreprise": company.Name,
		"user":       m,
	})
}
