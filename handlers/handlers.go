package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/middleware"
	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Handler handles HTTP requests
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler
func NewHandler(svc *service.Service) *Handler {
	return &Handler{service: svc}
}

// NewRouter builds the status server engine with recovery, request logging
// and env-configured basic auth.
func NewRouter(svc *service.Service, log logrus.FieldLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(log))
	NewHandler(svc).Register(r, middleware.BasicAuth())
	return r
}

// Register mounts the routes. /health stays open; /api sits behind basic
// auth when credentials are configured. A nil auth uses the AUTH_* env.
func (h *Handler) Register(r gin.IRouter, auth gin.HandlerFunc) {
	if auth == nil {
		auth = middleware.BasicAuth()
	}
	r.GET("/health", h.Health)

	api := r.Group("/api", auth, middleware.ValidateQueryParams())
	api.GET("/status", h.GetStatus)
	api.GET("/trades/recent", h.GetRecentTrades)
	api.GET("/traders/:id/positions", middleware.ValidateUserID(), h.GetTraderPositions)
}

// Health runs the health probes; 503 when unhealthy.
func (h *Handler) Health(c *gin.Context) {
	report := h.service.Health(c.Request.Context())
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// GetStatus returns ledger counts and executor metrics
func (h *Handler) GetStatus(c *gin.Context) {
	st, err := h.service.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load status"})
		return
	}
	c.JSON(http.StatusOK, st)
}

// GetRecentTrades returns the newest ledger records.
func (h *Handler) GetRecentTrades(c *gin.Context) {
	limit := 0
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil {
			limit = l
		}
	}

	trades, err := h.service.RecentTrades(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load trades"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"trades": trades,
		"count":  len(trades),
	})
}

// GetTraderPositions returns a wallet's stored positions with stats
func (h *Handler) GetTraderPositions(c *gin.Context) {
	wallet := c.GetString("validatedUserID")
	if wallet == "" {
		wallet = c.Param("id")
	}

	wp, err := h.service.TraderPositions(c.Request.Context(), wallet)
	if err != nil {
		if errors.Is(err, service.ErrInvalidAddress) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load positions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"wallet":    wp.Wallet,
		"positions": wp.Positions,
		"stats":     wp.Stats,
		"top":       wp.Top,
		"count":     len(wp.Positions),
		"as_of":     latestUpdate(wp),
	})
}

func latestUpdate(wp *service.WalletPositions) *time.Time {
	var latest time.Time
	for _, p := range wp.Positions {
		if p.UpdatedAt.After(latest) {
			latest = p.UpdatedAt
		}
	}
	if latest.IsZero() {
		return nil
	}
	return &latest
}
