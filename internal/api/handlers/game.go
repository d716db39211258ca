package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/playcrossy/backend/internal/ws"
)

// GetGameConfig serves the public game configuration over plain HTTP so the
// client can render the lobby before opening a socket.
func GetGameConfig(configs ws.ConfigSource, gameCode string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, configs.Get(gameCode))
	}
}

// HandleGameWebSocket hands the connection to the game gateway.
func HandleGameWebSocket(gateway *ws.Gateway) gin.HandlerFunc {
	return gateway.HandleWebSocket
}
