package handler

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/badge"
	"qrattend/internal/clock"
	"qrattend/internal/media"
)

// memberRequest is accepted as JSON or as multipart form with an "image" file.
type memberRequest struct {
	Name             *string  `json:"name" form:"name"`
	Email            *string  `json:"email" form:"email" binding:"omitempty,email"`
	Password         *string  `json:"password" form:"password" binding:"omitempty,min=6"`
	Role             *string  `json:"role" form:"role" binding:"omitempty,oneof=admin employe autre"`
	Number           *string  `json:"number" form:"number"`
	Position         *string  `json:"position" form:"position"`
	QG               *string  `json:"qg" form:"qg"`
	WorkLocation     *string  `json:"workLocation" form:"workLocation"`
	ContractStart    *string  `json:"contractStart" form:"contractStart"`
	ContractEnd      *string  `json:"contractEnd" form:"contractEnd"`
	Salary           *float64 `json:"salary" form:"salary"`
	ContractType     *string  `json:"contractType" form:"contractType"`
	Activity         *string  `json:"activity" form:"activity"`
	ActivityBy       *string  `json:"activityBy" form:"activityBy"`
	ActivityDeadline *string  `json:"activityDeadline" form:"activityDeadline"`
	Birthday         *string  `json:"birthday" form:"birthday"`
	Mentor           *string  `json:"mentor" form:"mentor"`
	Manager          *string  `json:"manager" form:"manager"`
	Nationality      *string  `json:"nationality" form:"nationality"`
}

// input converts the request, parsing dates as YYYY-MM-DD or RFC 3339.
func (r memberRequest) input() (attendance.MemberInput, error) {
	in := attendance.MemberInput{
		Name:         r.Name,
		Email:        r.Email,
		Password:     r.Password,
		Role:         r.Role,
		Number:       r.Number,
		Position:     r.Position,
		QG:           r.QG,
		WorkLocation: r.WorkLocation,
		Salary:       r.Salary,
		ContractType: r.ContractType,
		Activity:     r.Activity,
		ActivityBy:   r.ActivityBy,
		Mentor:       r.Mentor,
		Manager:      r.Manager,
		Nationality:  r.Nationality,
	}
	verr := &attendance.ValidationError{}
	dates := []struct {
		field string
		src   *string
		dst   **time.Time
	}{
		{"contractStart", r.ContractStart, &in.ContractStart},
		{"contractEnd", r.ContractEnd, &in.ContractEnd},
		{"activityDeadline", r.ActivityDeadline, &in.ActivityDeadline},
		{"birthday", r.Birthday, &in.Birthday},
	}
	for _, d := range dates {
		if d.src == nil || strings.TrimSpace(*d.src) == "" {
			continue
		}
		t, err := parseDate(strings.TrimSpace(*d.src))
		if err != nil {
			verr.Fields = append(verr.Fields, attendance.FieldError{Field: d.field, Message: d.field + " is not a valid date"})
			continue
		}
		*d.dst = &t
	}
	if len(verr.Fields) > 0 {
		return in, verr
	}
	return in, nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := clock.ParseDay(s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// readImage returns the optional "image" file of a multipart request.
func readImage(c *gin.Context) (*attendance.Image, error) {
	if !strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		return nil, nil
	}
	fh, err := c.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := media.CheckImage(fh.Filename, fh.Header.Get("Content-Type"), fh.Size); err != nil {
		return nil, &attendance.ValidationError{Fields: []attendance.FieldError{{Field: "image", Message: err.Error()}}}
	}
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, media.MaxImageSize+1))
	if err != nil {
		return nil, err
	}
	return &attendance.Image{Name: fh.Filename, ContentType: fh.Header.Get("Content-Type"), Data: data}, nil
}

// decodeMember binds the body and optional image; it writes the response on failure.
func (h *Handler) decodeMember(c *gin.Context) (attendance.MemberInput, *attendance.Image, bool) {
	var req memberRequest
	if !h.bind(c, &req) {
		return attendance.MemberInput{}, nil, false
	}
	in, err := req.input()
	if err != nil {
		h.writeError(c, err)
		return attendance.MemberInput{}, nil, false
	}
	img, err := readImage(c)
	if err != nil {
		h.writeError(c, err)
		return attendance.MemberInput{}, nil, false
	}
	return in, img, true
}

func (h *Handler) createMember(c *gin.Context) {
	in, img, ok := h.decodeMember(c)
	if !ok {
		return
	}
	m, err := h.svc.CreateMember(c.Request.Context(), in, img)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "member created", "membre": m})
}

func (h *Handler) listMembers(c *gin.Context) {
	list, err := h.svc.ListMembers(c.Request.Context(), attendance.Filter{
		Role:   c.Query("role"),
		QG:     c.Query("qg"),
		Search: strings.TrimSpace(c.Query("search")),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	if list == nil {
		list = []attendance.Member{}
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) getMember(c *gin.Context) {
	m, err := h.svc.GetMember(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *Handler) updateMember(c *gin.Context) {
	in, img, ok := h.decodeMember(c)
	if !ok {
		return
	}
	m, err := h.svc.UpdateMember(c.Request.Context(), c.Param("id"), in, img)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "member updated", "membre": m})
}

func (h *Handler) deleteMember(c *gin.Context) {
	m, err := h.svc.DeleteMember(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "member deleted", "id": m.ID})
}

func (h *Handler) memberBadge(c *gin.Context) {
	id := c.Param("id")
	if !canAccess(c, id) {
		forbidden(c)
		return
	}
	m, err := h.svc.GetMember(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	png, err := badge.PNG(m.ID, badge.DefaultSize)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Header("Cache-Control", "private, max-age=86400")
	c.Data(http.StatusOK, "image/png", png)
}

// updateUser lets admins edit anyone and members edit themselves, except their role.
func (h *Handler) updateUser(c *gin.Context) {
	id := c.Param("id")
	if !canAccess(c, id) {
		forbidden(c)
		return
	}
	in, img, ok := h.decodeMember(c)
	if !ok {
		return
	}
	claims, _ := auth.FromContext(c)
	if in.Role != nil && claims.Role != attendance.RoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "only an admin can change roles"})
		return
	}
	m, err := h.svc.UpdateMember(c.Request.Context(), id, in, img)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "user updated", "user": m})
}
