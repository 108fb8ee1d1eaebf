package handlers

import (
	"net/http"
	"strconv"
	"time"

	"trafficengine/pkg/logger"
	"trafficengine/pkg/middleware"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type HTTPHandler struct {
	service *Service
	logger  logger.Logger
}

func NewHTTPHandler(service *Service, log logger.Logger) *HTTPHandler {
	return &HTTPHandler{service: service, logger: log}
}

// RegisterRoutes mounts the admin surface behind auth's bearer-token check.
// auth runs open (no-op) when constructed with an empty secret.
func (h *HTTPHandler) RegisterRoutes(router *gin.Engine, auth *middleware.AuthMiddleware) {
	api := router.Group("/api/v1/admin")
	api.Use(auth.Authenticate())
	{
		api.GET("/fleet", h.FleetOverview)
		api.GET("/accounts/:accountId", h.AccountDetail)
		api.GET("/errors", h.ErrorDigest)
	}
}

func (h *HTTPHandler) FleetOverview(c *gin.Context) {
	overview, err := h.service.FleetOverview(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to build fleet overview", logger.Field{Key: "error", Value: err.Error()})
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, overview)
}

func (h *HTTPHandler) AccountDetail(c *gin.Context) {
	accountID, err := primitive.ObjectIDFromHex(c.Param("accountId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account_id format"})
		return
	}

	detail, err := h.service.AccountDetail(c.Request.Context(), accountID)
	if err != nil {
		h.logger.Error("failed to build account detail", logger.Field{Key: "account_id", Value: accountID.Hex()}, logger.Field{Key: "error", Value: err.Error()})
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *HTTPHandler) ErrorDigest(c *gin.Context) {
	window := 24 * time.Hour
	if hours := c.Query("hours"); hours != "" {
		if h, err := strconv.Atoi(hours); err == nil && h > 0 {
			window = time.Duration(h) * time.Hour
		}
	}

	limit := 0
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil {
			limit = parsed
		}
	}

	digest, err := h.service.ErrorDigest(c.Request.Context(), window, limit)
	if err != nil {
		h.logger.Error("failed to build error digest", logger.Field{Key: "error", Value: err.Error()})
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"errors": digest, "window_hours": int(window.Hours())})
}
