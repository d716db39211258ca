package ws

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 4096
)

// Client is one authenticated WebSocket connection.
type Client struct {
	conn      *websocket.Conn
	userID    string
	agentCode string
	currency  string
	send      chan []byte
}

// HandleWebSocket upgrades the connection after validating the token and runs
// the read/write pumps until the client goes away.
func (g *Gateway) HandleWebSocket(c *gin.Context) {
	token := c.Query("token")
	claims, err := g.auth.Parse(token)
	if err != nil {
		log.Printf("[WS] Rejected connection: %v", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[WS] Upgrade failed: %v", err)
		return
	}

	client := &Client{
		conn:      conn,
		userID:    claims.UserID,
		agentCode: claims.AgentCode,
		currency:  claims.Currency,
		send:      make(chan []byte, 32),
	}

	log.Printf("[WS] Connected: user=%s agent=%s", client.userID, client.agentCode)
	go client.writePump()
	g.readPump(client)
}

func (g *Gateway) readPump(c *Client) {
	defer func() {
		close(c.send)
		c.conn.Close()
		log.Printf("[WS] Disconnected: user=%s", c.userID)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[WS] Read error for user %s: %v", c.userID, err)
			}
			return
		}
		g.dispatch(c, message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("[WS] Write error for user %s: %v", c.userID, err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		log.Printf("[WS] Send buffer full for user %s, dropping message", c.userID)
	}
}
