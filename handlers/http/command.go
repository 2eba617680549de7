package httpHandler

import (
	"net/http"
	"strconv"

	"rdm-server/usecases"
	"rdm-server/ws"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
)

type CommandHandler struct {
	mgr      *ws.Manager
	commands *usecases.CommandsUseCase
}

func NewCommandHandler(mgr *ws.Manager, commands *usecases.CommandsUseCase) *CommandHandler {
	return &CommandHandler{mgr: mgr, commands: commands}
}

type CommandRequest struct {
	DeviceID string `json:"device_id" binding:"required"`
	Command  string `json:"command" binding:"required"`
	Sudo     bool   `json:"sudo"`
}

// Enqueue POST /api/v1/commands
// Creates the command and attempts immediate delivery. An offline device
// leaves the command queued for a later dispatch attempt.
func (h *CommandHandler) Enqueue(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, fail("device_id and command are required"))
		return
	}

	cmd, err := h.commands.Enqueue(req.DeviceID, req.Command, req.Sudo)
	if err != nil {
		c.JSON(http.StatusInternalServerError, fail(err.Error()))
		return
	}

	switch err := h.mgr.Dispatch(req.DeviceID, cmd); {
	case err == nil:
		c.JSON(http.StatusOK, ok(gin.H{"command_id": cmd.ID, "status": "dispatched"}))
	case errors.Is(err, ws.ErrDeviceOffline):
		c.JSON(http.StatusAccepted, ok(gin.H{"command_id": cmd.ID, "status": "queued", "detail": "device offline"}))
	default:
		var invalid *usecases.InvalidTransitionError
		if errors.As(err, &invalid) {
			c.JSON(http.StatusConflict, fail(invalid.Error()))
			return
		}
		c.JSON(http.StatusInternalServerError, fail(err.Error()))
	}
}

// GetCommand GET /api/v1/commands/:id
func (h *CommandHandler) GetCommand(c *gin.Context) {
	cmd, err := h.commands.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, fail("command not found"))
		return
	}
	c.JSON(http.StatusOK, ok(cmd))
}

// GetDeviceCommands GET /api/v1/devices/:id/commands
func (h *CommandHandler) GetDeviceCommands(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	cmds, err := h.commands.ListByDevice(c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, fail(err.Error()))
		return
	}
	c.JSON(http.StatusOK, ok(gin.H{"commands": cmds}))
}
