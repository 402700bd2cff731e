package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"calotrack/backend/internal/identity/service"
	"calotrack/backend/internal/logging"
	"calotrack/backend/internal/server/middleware"
	"calotrack/backend/internal/token"
	userdomain "calotrack/backend/internal/user/domain"
)

// AuthService is the identity surface served over HTTP. *service.AuthService implements it.
type AuthService interface {
	Register(ctx context.Context, email, password, username string) (*service.AuthResult, error)
	Login(ctx context.Context, email, password string) (*service.AuthResult, error)
	Refresh(ctx context.Context, refreshToken string) (*token.RefreshResult, error)
	Logout(ctx context.Context, refreshToken string) error
	LogoutAll(ctx context.Context, subjectID int64) error
	ChangePassword(ctx context.Context, subjectID int64, currentPassword, newPassword string) (*service.AuthResult, error)
	Me(ctx context.Context, subjectID int64) (*userdomain.User, error)
}

// AuthHandler serves /auth/* and /me.
type AuthHandler struct {
	auth AuthService
	log  logging.Logger
}

// NewAuthHandler returns an AuthHandler. log may be nil.
func NewAuthHandler(auth AuthService, log logging.Logger) *AuthHandler {
	if log == nil {
		log = logging.Discard()
	}
	return &AuthHandler{auth: auth, log: log}
}

// RegisterRoutes mounts the public auth routes on public and the authenticated ones on authed.
func (h *AuthHandler) RegisterRoutes(public, authed gin.IRoutes) {
	public.POST("/auth/register", h.Register)
	public.POST("/auth/login", h.Login)
	public.POST("/auth/refresh", h.Refresh)
	public.POST("/auth/logout", h.Logout)
	authed.POST("/auth/logout-all", h.LogoutAll)
	authed.POST("/auth/password", h.ChangePassword)
	authed.GET("/me", h.Me)
}

type registerRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
	Username string `json:"username"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" binding:"required"`
	NewPassword     string `json:"newPassword" binding:"required"`
}

type userResponse struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"createdAt"`
}

type tokensResponse struct {
	AccessToken      string    `json:"accessToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshToken     string    `json:"refreshToken"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

type authResponse struct {
	User   userResponse   `json:"user"`
	Tokens tokensResponse `json:"tokens"`
}

type refreshResponse struct {
	AccessToken      string     `json:"accessToken"`
	AccessExpiresAt  time.Time  `json:"accessExpiresAt"`
	RefreshToken     string     `json:"refreshToken,omitempty"`
	RefreshExpiresAt *time.Time `json:"refreshExpiresAt,omitempty"`
}

// Register handles POST /auth/register.
func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}
	res, err := h.auth.Register(c.Request.Context(), req.Email, req.Password, req.Username)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toAuthResponse(res))
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}
	res, err := h.auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAuthResponse(res))
}

// Refresh handles POST /auth/refresh. Any failure is a generic 401.
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		unauthorized(c)
		return
	}
	res, err := h.auth.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := refreshResponse{AccessToken: res.AccessToken, AccessExpiresAt: res.AccessExpiresAt}
	if res.RefreshToken != "" {
		out.RefreshToken = res.RefreshToken
		exp := res.RefreshExpiresAt
		out.RefreshExpiresAt = &exp
	}
	c.JSON(http.StatusOK, out)
}

// Logout handles POST /auth/logout. It answers 200 for unknown, malformed or missing tokens.
func (h *AuthHandler) Logout(c *gin.Context) {
	var req refreshRequest
	_ = c.ShouldBindJSON(&req)
	if err := h.auth.Logout(c.Request.Context(), req.RefreshToken); err != nil {
		h.log.Error(c.Request.Context(), "identity: logout", "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"status": "logged_out"})
}

// LogoutAll handles POST /auth/logout-all.
func (h *AuthHandler) LogoutAll(c *gin.Context) {
	subjectID, ok := middleware.SubjectID(c)
	if !ok {
		unauthorized(c)
		return
	}
	if err := h.auth.LogoutAll(c.Request.Context(), subjectID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "logged_out"})
}

// ChangePassword handles POST /auth/password and returns a fresh token pair for the caller.
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	subjectID, ok := middleware.SubjectID(c)
	if !ok {
		unauthorized(c)
		return
	}
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "currentPassword and newPassword are required"})
		return
	}
	res, err := h.auth.ChangePassword(c.Request.Context(), subjectID, req.CurrentPassword, req.NewPassword)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAuthResponse(res))
}

// Me handles GET /me.
func (h *AuthHandler) Me(c *gin.Context) {
	subjectID, ok := middleware.SubjectID(c)
	if !ok {
		unauthorized(c)
		return
	}
	u, err := h.auth.Me(c.Request.Context(), subjectID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": toUserResponse(u)})
}

// writeError maps service errors to HTTP responses. Authentication failures all share one body.
func (h *AuthHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrEmailAlreadyRegistered):
		c.JSON(http.StatusConflict, gin.H{"error": "email already registered"})
	case isAuthError(err):
		unauthorized(c)
	default:
		h.log.Error(c.Request.Context(), "identity: request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func isAuthError(err error) bool {
	for _, target := range []error{
		service.ErrInvalidCredentials,
		token.ErrUnauthenticated,
		token.ErrInvalidRefreshToken,
		token.ErrRefreshTokenExpired,
		token.ErrInvalidPrincipal,
		token.ErrPrincipalNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func unauthorized(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
}

func toUserResponse(u *userdomain.User) userResponse {
	return userResponse{ID: u.ID, Email: u.Email, Username: u.Username, CreatedAt: u.CreatedAt}
}

func toAuthResponse(res *service.AuthResult) authResponse {
	return authResponse{
		User: toUserResponse(res.User),
		Tokens: tokensResponse{
			AccessToken:      res.Tokens.AccessToken,
			AccessExpiresAt:  res.Tokens.AccessExpiresAt,
			RefreshToken:     res.Tokens.RefreshToken,
			RefreshExpiresAt: res.Tokens.RefreshExpiresAt,
		},
	}
}
