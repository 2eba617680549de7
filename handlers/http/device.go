package httpHandler

import (
	"net/http"

	"rdm-server/registry"

	"github.com/gin-gonic/gin"
)

type DeviceHandler struct {
	registry *registry.Registry
}

func NewDeviceHandler(reg *registry.Registry) *DeviceHandler {
	return &DeviceHandler{registry: reg}
}

// GetAllDevices GET /api/v1/devices[?online=true]
func (h *DeviceHandler) GetAllDevices(c *gin.Context) {
	if c.Query("online") == "true" {
		c.JSON(http.StatusOK, ok(gin.H{"devices": h.registry.ListOnline()}))
		return
	}
	c.JSON(http.StatusOK, ok(gin.H{"devices": h.registry.ListAll()}))
}

// GetDevice GET /api/v1/devices/:id
func (h *DeviceHandler) GetDevice(c *gin.Context) {
	device, found := h.registry.Get(c.Param("id"))
	if !found {
		c.JSON(http.StatusNotFound, fail("device not found"))
		return
	}
	c.JSON(http.StatusOK, ok(device))
}
