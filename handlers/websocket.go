package handlers

import (
	"net/http"

	"rdm-server/ws"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// WSHandler upgrades agent connections and hands them to the session
// manager.
type WSHandler struct {
	mgr *ws.Manager
}

func NewWSHandler(mgr *ws.Manager) *WSHandler {
	return &WSHandler{mgr: mgr}
}

// HandleDeviceWS upgrades GET /ws and runs the session until it closes.
// Authentication happens in-band: the first frame must be an auth message.
func (h *WSHandler) HandleDeviceWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	h.mgr.HandleConnection(ws.NewTransport(conn))
}

// GetConnectedDevices GET /api/v1/devices/connected
func (h *WSHandler) GetConnectedDevices(c *gin.Context) {
	ids := h.mgr.List()
	c.JSON(http.StatusOK, gin.H{"devices": ids, "count": len(ids)})
}
