package httpHandler

import (
	"net/http"
	"strconv"

	"rdm-server/repositories"

	"github.com/gin-gonic/gin"
)

type LogsHandler struct {
	logs repositories.LogRepository
}

func NewLogsHandler(logs repositories.LogRepository) *LogsHandler {
	return &LogsHandler{logs: logs}
}

// List GET /api/v1/logs?device_id=&limit=&offset=
func (h *LogsHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	entries, err := h.logs.List(c.Query("device_id"), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, fail(err.Error()))
		return
	}
	c.JSON(http.StatusOK, ok(gin.H{"logs": entries}))
}
