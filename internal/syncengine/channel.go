package syncengine

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"satutoko/internal/appdata"
	"satutoko/socket"
)

// Channel is the push-channel transport: a websocket into the store's room.
// Incoming broadcasts are fed straight into the engine; outgoing pushes are
// `update-data` events. It satisfies Remote, so the engine's debounced flush
// works unchanged; there is no polling loop because the server pushes
// instead.
type Channel struct {
	engine *Engine
	conn   *websocket.Conn

	writeMu sync.Mutex
	done    chan struct{}
}

// DialChannel connects and joins the room selected by the session token.
// The full current document arrives as the first message.
func DialChannel(ctx context.Context, wsURL, token string, engine *Engine) (*Channel, error) {
	u := wsURL + "?token=" + url.QueryEscape(token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, err
	}

	ch := &Channel{
		engine: engine,
		conn:   conn,
		done:   make(chan struct{}),
	}
	go ch.readPump()
	return ch, nil
}

func (ch *Channel) readPump() {
	defer func() {
		ch.conn.Close()
		ch.engine.ConnectionLost()
		close(ch.done)
	}()

	for {
		_, raw, err := ch.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg socket.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			ch.engine.log.Errorf("Error unmarshalling channel message: %v", err)
			continue
		}

		switch msg.Type {
		case socket.InitDataType:
			var doc appdata.AppData
			if err := json.Unmarshal(msg.Data, &doc); err != nil {
				ch.engine.log.Errorf("Bad init-data payload: %v", err)
				continue
			}
			ch.engine.ApplyRemoteDocument(&doc)
		case socket.DataUpdatedType:
			if err := ch.engine.ApplyRemotePatch(msg.Key, msg.Data, msg.LastUpdated); err != nil {
				ch.engine.log.Errorf("Bad data-updated payload: %v", err)
			}
		}
	}
}

// PatchCollection sends an `update-data` event. The stamped result comes
// back as this client's own `data-updated` echo.
func (ch *Channel) PatchCollection(_ context.Context, key appdata.CollectionKey, data json.RawMessage) error {
	msg := socket.Message{Type: socket.UpdateDataType, Key: key, Data: data}
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	return ch.conn.WriteJSON(msg)
}

// Close tears the connection down; Done unblocks once the read loop exits.
func (ch *Channel) Close() error { return ch.conn.Close() }

func (ch *Channel) Done() <-chan struct{} { return ch.done }
