package socket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"satutoko/internal/appdata"
	"satutoko/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients connect from a different origin during development.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Client struct {
	Hub     *Hub
	Conn    *websocket.Conn
	StoreID string
	UserID  string
	Send    chan []byte
}

// ServeWs upgrades the request and joins the device to its store's room.
// The store identifier comes from the authenticated session, so a client
// cannot wander into another store's broadcast domain.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request, userID, storeID string) {
	storeID = appdata.NormalizeStoreID(storeID)
	if storeID == "" {
		http.Error(w, "Missing store identifier", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Sugar.Error(err)
		return
	}

	client := &Client{
		Hub:     hub,
		Conn:    conn,
		StoreID: storeID,
		UserID:  userID,
		Send:    make(chan []byte, 256),
	}

	client.Hub.Register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.Hub.Unregister <- c
		c.Conn.Close()
	}()

	for {
		_, rawMessage, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Sugar.Errorf("error: %v", err)
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(rawMessage, &msg); err != nil {
			logger.Sugar.Errorf("Error unmarshalling message: %v", err)
			continue
		}

		if msg.Type != UpdateDataType {
			logger.Sugar.Warnf("Ignoring unexpected message type %q from %s", msg.Type, c.UserID)
			continue
		}

		// Overwrite with server-authoritative values to prevent a client
		// from updating another store's document.
		msg.StoreID = c.StoreID

		c.Hub.Broadcast <- msg
	}
}

func (c *Client) writePump() {
	// Ping every 30s to keep the connection alive and detect drops.
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-c.Send:
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.Conn.WriteMessage(websocket.TextMessage, message)
		case <-ticker.C:
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return // Connection is dead
			}
		}
	}
}
