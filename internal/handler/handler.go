// Package handler exposes the attendance service over HTTP.
package handler

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Handler holds the HTTP endpoints.
type Handler struct {
	svc    *attendance.Service
	issuer *auth.Issuer
	log    *zap.Logger
	checks map[string]HealthCheck
}

// New creates a Handler.
func New(svc *attendance.Service, issuer *auth.Issuer, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	useJSONFieldNames()
	return &Handler{svc: svc, issuer: issuer, log: log, checks: map[string]HealthCheck{}}
}

// WithHealthCheck adds a dependency to /healthz.
func (h *Handler) WithHealthCheck(name string, check HealthCheck) *Handler {
	h.checks[name] = check
	return h
}

// Register mounts every route on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/healthz", h.healthz)

	requireAuth := auth.RequireAuth(h.issuer)
	adminOnly := auth.RequireRole(attendance.RoleAdmin)

	api := r.Group("/api")

	authGroup := api.Group("/auth")
	authGroup.POST("/register-admin", auth.OptionalAuth(h.issuer), h.registerAdmin)
	authGroup.POST("/login", h.login)
	authGroup.POST("/refresh", h.refresh)
	authGroup.POST("/register-user", requireAuth, adminOnly, h.registerUser)
	authGroup.GET("/users", requireAuth, adminOnly, h.listMembers)
	authGroup.GET("/users/:id", requireAuth, adminOnly, h.getMember)
	authGroup.PUT("/update-user/:id", requireAuth, h.updateUser)
	authGroup.DELETE("/users/:id", requireAuth, adminOnly, h.deleteMember)

	members := api.Group("/membres", requireAuth)
	members.POST("", adminOnly, h.createMember)
	members.GET("", h.listMembers)
	members.GET("/:id", h.getMember)
	members.PUT("/:id", adminOnly, h.updateMember)
	members.DELETE("/:id", adminOnly, h.deleteMember)
	members.GET("/:id/qrcode", h.memberBadge)

	scan := api.Group("/scan", requireAuth)
	scan.POST("", h.scan)
	scan.POST("/entreprise", h.scanCompany)

	api.GET("/historique", requireAuth, adminOnly, h.history)
	api.GET("/historique/:id", requireAuth, h.memberHistory)

	api.GET("/presences", requireAuth, adminOnly, h.presences)
	api.PUT("/presences/:id", requireAuth, adminOnly, h.setPresence)

	api.POST("/admin/reconcile", requireAuth, adminOnly, h.requestReconcile)
}

func (h *Handler) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	body := gin.H{"status": "ok"}
	status := http.StatusOK
	for name, check := range h.checks {
		ok := check(ctx)
		body[name] = ok
		if !ok {
			body["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	c.JSON(status, body)
}

// writeError maps domain errors to HTTP statuses.
func (h *Handler) writeError(c *gin.Context, err error) {
	var (
		verr    *attendance.ValidationError
		already *attendance.AlreadyScannedError
	)
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "errors": verr.Messages(), "fields": verr.Fields})
	case errors.As(err, &already):
		c.JSON(http.StatusBadRequest, gin.H{"error": already.Name + " already scanned today", "date": already.Date})
	case errors.Is(err, attendance.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "member not found"})
	case errors.Is(err, attendance.ErrDuplicateEmail):
		c.JSON(http.StatusConflict, gin.H{"error": "email already in use"})
	case errors.Is(err, attendance.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "member was modified concurrently, retry"})
	case errors.Is(err, attendance.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
	case errors.Is(err, attendance.ErrInvalidCompanyCode):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid company qr code"})
	case errors.Is(err, attendance.ErrNoQueue):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "job queue not configured"})
	default:
		_ = c.Error(err)
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

// bind decodes the body and turns binding failures into a ValidationError.
func (h *Handler) bind(c *gin.Context, dst any) bool {
	err := c.ShouldBind(dst)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		out := &attendance.ValidationError{}
		for _, fe := range verrs {
			out.Fields = append(out.Fields, attendance.FieldError{Field: fe.Field(), Message: fieldMessage(fe)})
		}
		h.writeError(c, out)
		return false
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
	return false
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "email":
		return "invalid email format"
	case "min":
		return fe.Field() + " must be at least " + fe.Param() + " characters"
	case "max":
		return fe.Field() + " must be at most " + fe.Param() + " characters"
	case "oneof":
		return fe.Field() + " must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "datetime":
		return fe.Field() + " must use the YYYY-MM-DD format"
	default:
		return fe.Field() + " is invalid"
	}
}

var tagNameOnce sync.Once

// useJSONFieldNames makes validator report json names instead of Go field names.
func useJSONFieldNames() {
	tagNameOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return f.Name
			}
			return name
		})
	})
}

// canAccess reports whether the caller is an admin or the member id itself.
func canAccess(c *gin.Context, id string) bool {
	claims, ok := auth.FromContext(c)
	return ok && (claims.Role == attendance.RoleAdmin || claims.Subject == id)
}

func forbidden(c *gin.Context) {
	c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
}
