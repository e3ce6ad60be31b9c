package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"clinicqms/queue-service/internal/hub"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = (feedPongWait * 9) / 10
	feedBuffer     = 64
	feedReadLimit  = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// serveFeed streams committed transitions over a websocket. The initial
// subscription comes from the service_id and station_id query parameters;
// clients change it later with subscribe/unsubscribe messages.
func (h *Handler) serveFeed(c echo.Context) error {
	client := &hub.Client{
		ID:   uuid.NewString(),
		Send: make(chan []byte, feedBuffer),
		Subscription: hub.Subscription{
			ServiceID: c.QueryParam("service_id"),
			StationID: c.QueryParam("station_id"),
		},
	}
	// Registered before the handshake completes so no event committed after
	// the client sees the upgrade is missed.
	h.hub.Register(client)

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.hub.Unregister(client)
		h.log.Debug().Err(err).Msg("websocket upgrade")
		return nil
	}

	go writePump(conn, client)
	readPump(conn, h.hub, client)
	return nil
}

func readPump(conn *websocket.Conn, h *hub.Hub, client *hub.Client) {
	defer func() {
		h.Unregister(client)
		conn.Close()
	}()
	conn.SetReadLimit(feedReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(feedPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, ok := hub.ParseSubscribe(data)
		if !ok {
			continue
		}
		if msg.Action == "unsubscribe" {
			h.UpdateSubscription(client, hub.Subscription{})
			continue
		}
		h.UpdateSubscription(client, hub.Subscription{ServiceID: msg.ServiceID, StationID: msg.StationID})
	}
}

func writePump(conn *websocket.Conn, client *hub.Client) {
	ticker := time.NewTicker(feedPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case message, ok := <-client.Send:
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
