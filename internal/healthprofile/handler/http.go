package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"calotrack/backend/internal/healthprofile/domain"
	"calotrack/backend/internal/healthprofile/service"
	"calotrack/backend/internal/logging"
	"calotrack/backend/internal/server/middleware"
)

// ProfileService is implemented by *service.Service.
type ProfileService interface {
	Get(ctx context.Context, subjectID int64) (*domain.Profile, error)
	Put(ctx context.Context, subjectID int64, p *domain.Profile) (*domain.Profile, error)
}

// Handler serves /me/health-profile.
type Handler struct {
	svc ProfileService
	log logging.Logger
}

func NewHandler(svc ProfileService, log logging.Logger) *Handler {
	if log == nil {
		log = logging.Discard()
	}
	return &Handler{svc: svc, log: log}
}

// RegisterRoutes mounts the routes on an authenticated group.
func (h *Handler) RegisterRoutes(authed gin.IRoutes) {
	authed.GET("/me/health-profile", h.Get)
	authed.PUT("/me/health-profile", h.Put)
}

type profileBody struct {
	DateOfBirth string     `json:"dateOfBirth"`
	HeightCm    *float64   `json:"heightCm"`
	WeightKg    *float64   `json:"weightKg"`
	Conditions  string     `json:"conditions"`
	Allergies   string     `json:"allergies"`
	Medications string     `json:"medications"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
}

func (h *Handler) Get(c *gin.Context) {
	subjectID, ok := middleware.SubjectID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	p, err := h.svc.Get(c.Request.Context(), subjectID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBody(p))
}

func (h *Handler) Put(c *gin.Context) {
	subjectID, ok := middleware.SubjectID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var req profileBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	p, err := h.svc.Put(c.Request.Context(), subjectID, &domain.Profile{
		DateOfBirth: req.DateOfBirth,
		HeightCm:    req.HeightCm,
		WeightKg:    req.WeightKg,
		Conditions:  req.Conditions,
		Allergies:   req.Allergies,
		Medications: req.Medications,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBody(p))
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "health profile not found"})
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrIntegrity):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "data integrity failure"})
	default:
		h.log.Error(c.Request.Context(), "healthprofile: request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func toBody(p *domain.Profile) profileBody {
	b := profileBody{
		DateOfBirth: p.DateOfBirth,
		HeightCm:    p.HeightCm,
		WeightKg:    p.WeightKg,
		Conditions:  p.Conditions,
		Allergies:   p.Allergies,
		Medications: p.Medications,
	}
	if !p.UpdatedAt.IsZero() {
		t := p.UpdatedAt
		b.UpdatedAt = &t
	}
	return b
}
