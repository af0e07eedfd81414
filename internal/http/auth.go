package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"mediagate/internal/reaper"
)

// registerAdminRoutes mounts the operator surface. It is the manual
// intervention path for an unhealthy egress instance, plus cache and
// cleanup controls. The group is disabled entirely unless both the admin
// password hash and the JWT secret are configured.
func (h *Handler) registerAdminRoutes(router *gin.Engine) {
	if h.cfg.AdminPasswordHash == "" || h.cfg.AdminJWTSecret == "" {
		return
	}

	router.POST("/admin/login", h.adminLogin)

	admin := router.Group("/admin", h.adminAuthMiddleware())
	{
		admin.GET("/vpn/status", h.adminVPNStatus)
		admin.POST("/vpn/reconnect", h.adminVPNReconnect)
		admin.POST("/vpn/reset", h.adminVPNReset)
		admin.POST("/vpn/rotate", h.adminVPNRotate)
		admin.POST("/cache/invalidate", h.adminCacheInvalidate)
		admin.POST("/cleanup", h.adminCleanup)
	}
}

type loginRequest struct {
	Password string `json:"password" binding:"required"`
}

func (h *Handler) adminLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "password is required"})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(h.cfg.AdminPasswordHash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   "admin",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(h.cfg.AdminTokenTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(h.cfg.AdminJWTSecret))
	if err != nil {
		h.logger.WithError(err).Error("admin token signing failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      signed,
		"expires_at": claims.ExpiresAt.Unix(),
	})
}

func (h *Handler) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, found := strings.CutPrefix(header, "Bearer ")
		if !found || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bearer token required"})
			return
		}

		_, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
			return []byte(h.cfg.AdminJWTSecret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}

		c.Next()
	}
}

func (h *Handler) adminVPNStatus(c *gin.Context) {
	st, err := h.vpnCtl.Status(c.Request.Context(), h.cfg.InstanceID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) adminVPNReconnect(c *gin.Context) {
	ok, err := h.vpnCtl.TriggerReconnect(c.Request.Context(), h.cfg.InstanceID)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reconnected": ok})
}

func (h *Handler) adminVPNReset(c *gin.Context) {
	if err := h.vpnCtl.Reset(h.cfg.InstanceID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": true})
}

type rotateRequest struct {
	Country string `json:"country"`
}

func (h *Handler) adminVPNRotate(c *gin.Context) {
	var req rotateRequest
	_ = c.ShouldBindJSON(&req) // country is optional

	ok, err := h.vpnCtl.Rotate(c.Request.Context(), h.cfg.InstanceID, req.Country)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rotated": ok})
}

type invalidateRequest struct {
	URL string `json:"url" binding:"required"`
}

func (h *Handler) adminCacheInvalidate(c *gin.Context) {
	var req invalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}
	h.cache.Invalidate(c.Request.Context(), req.URL)
	c.JSON(http.StatusOK, gin.H{"invalidated": true})
}

func (h *Handler) adminCleanup(c *gin.Context) {
	removed, err := reaper.Sweep(h.cfg.TempDir, h.cfg.CleanupMaxAge, h.logger)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}
