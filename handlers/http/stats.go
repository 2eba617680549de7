package httpHandler

import (
	"net/http"

	"rdm-server/monitor"

	"github.com/gin-gonic/gin"
)

type StatsHandler struct {
	aggregator *monitor.Aggregator
}

func NewStatsHandler(aggregator *monitor.Aggregator) *StatsHandler {
	return &StatsHandler{aggregator: aggregator}
}

// Snapshot GET /api/v1/stats
func (h *StatsHandler) Snapshot(c *gin.Context) {
	c.JSON(http.StatusOK, ok(gin.H{"stats": h.aggregator.Snapshot()}))
}
