package monitoring

import (
	"codex/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves the stats endpoint and the Prometheus scrape endpoint.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Register mounts GET /monitoring/stats on group.
func (h *Handler) Register(group *gin.RouterGroup) {
	group.GET("/monitoring/stats", h.GetStats)
}

// GetStats returns the platform summary.
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.service.PlatformStats(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, stats)
}

// Metrics is the Prometheus scrape handler.
func Metrics() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
