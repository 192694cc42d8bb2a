package web

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/keryx-io/keryx/core"
)

const (
	// Pump timing follows the usual gorilla arrangement: pings go out well
	// inside the pong deadline so a healthy client never times out.
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second

	wsSendBuffer = 256
)

// wsFrame is one client-to-server message. messageId is opaque and echoed
// verbatim; clients send strings or numbers.
type wsFrame struct {
	MessageType string            `json:"messageType"`
	Action      string            `json:"action,omitempty"`
	Channel     string            `json:"channel,omitempty"`
	MessageID   interface{}       `json:"messageId,omitempty"`
	Params      core.ActionParams `json:"params,omitempty"`
}

// wsClient owns one upgraded socket. The read pump handles frames one at a
// time, so replies keep dispatch-completion order; the write pump is the only
// goroutine writing to the socket.
type wsClient struct {
	server     *Server
	conn       *websocket.Conn
	connection *core.Connection
	send       chan interface{}

	mu     sync.Mutex
	closed bool
}

// handleWebSocket upgrades the request into a long-lived connection. The
// connection id comes from the session cookie like any HTTP request; a second
// socket presenting the same cookie gets a fresh id so the registry stays
// keyed by unique ids.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn := s.newConnection(r, core.ConnectionWebSocket)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the failure response.
		s.logger.Debug("WebSocket upgrade rejected", map[string]interface{}{
			"remote": r.RemoteAddr,
			"error":  err.Error(),
		})
		return
	}

	client := &wsClient{
		server:     s,
		conn:       ws,
		connection: conn,
		send:       make(chan interface{}, wsSendBuffer),
	}

	conn.SetMessageSink(func(msg core.PubSubMessage) error {
		return client.enqueue(map[string]interface{}{"message": msg})
	})
	conn.OnDestroy(client.close)

	if err := s.connections.Add(conn); err != nil {
		replacement := core.NewConnection(core.ConnectionWebSocket, conn.Identifier, "")
		replacement.SetMessageSink(func(msg core.PubSubMessage) error {
			return client.enqueue(map[string]interface{}{"message": msg})
		})
		replacement.OnDestroy(client.close)
		if err := s.connections.Add(replacement); err != nil {
			s.logger.Error("WebSocket registration failed", map[string]interface{}{
				"connection_id": conn.ID,
				"error":         err.Error(),
			})
			ws.Close()
			return
		}
		s.logger.Warn("Duplicate connection id, socket re-keyed", map[string]interface{}{
			"cookie_id":     conn.ID,
			"connection_id": replacement.ID,
		})
		conn = replacement
		client.connection = replacement
	}

	s.logger.Debug("WebSocket connected", map[string]interface{}{
		"connection_id": conn.ID,
		"identifier":    conn.Identifier,
	})

	go client.writePump()
	go client.readPump()
}

func (c *wsClient) readPump() {
	defer c.teardown()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		var frame wsFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Debug("WebSocket read ended", map[string]interface{}{
					"connection_id": c.connection.ID,
					"error":         err.Error(),
				})
			}
			return
		}
		c.handleFrame(frame)
	}
}

func (c *wsClient) handleFrame(frame wsFrame) {
	ctx := c.server.baseCtx

	switch frame.MessageType {
	case "action":
		response, err := c.server.dispatcher.Act(ctx, c.connection,
			frame.Action, frame.Params, "", "")
		if err != nil {
			c.reply(frame.MessageID, "error", c.errorPayload(err))
			return
		}
		if response == nil {
			response = map[string]interface{}{}
		}
		c.reply(frame.MessageID, "response", response)

	case "subscribe":
		if err := c.subscribe(frame.Channel); err != nil {
			c.reply(frame.MessageID, "error", c.errorPayload(err))
			return
		}
		c.reply(frame.MessageID, "subscribed", map[string]interface{}{
			"channel": frame.Channel,
		})

	case "unsubscribe":
		c.unsubscribe(frame.Channel)
		c.reply(frame.MessageID, "unsubscribed", map[string]interface{}{
			"channel": frame.Channel,
		})

	default:
		err := core.NewTypedError(core.KindConnectionTypeNotFound,
			fmt.Sprintf("unknown message type: %q", frame.MessageType))
		c.reply(frame.MessageID, "error", c.errorPayload(err))
	}
}

func (c *wsClient) subscribe(channel string) error {
	if c.server.channels == nil {
		return core.NewTypedError(core.KindChannelAuthorization,
			"channel subscriptions are not enabled")
	}
	return c.server.channels.Subscribe(c.server.baseCtx, c.connection, channel)
}

func (c *wsClient) unsubscribe(channel string) {
	if c.server.channels == nil {
		c.connection.RemoveSubscription(channel)
		return
	}
	if err := c.server.channels.Unsubscribe(c.server.baseCtx, c.connection, channel); err != nil {
		c.server.logger.Debug("Unsubscribe failed", map[string]interface{}{
			"connection_id": c.connection.ID,
			"channel":       channel,
			"error":         err.Error(),
		})
	}
}

func (c *wsClient) errorPayload(err error) map[string]interface{} {
	return core.EnsureTyped(err).Envelope(c.server.config.Errors.IncludeStack)
}

// reply enqueues one response frame, echoing the client's messageId when it
// sent one.
func (c *wsClient) reply(messageID interface{}, key string, value interface{}) {
	payload := map[string]interface{}{}
	if messageID != nil {
		payload["messageId"] = messageID
	}
	payload[key] = value
	if err := c.enqueue(payload); err != nil {
		c.server.logger.Debug("WebSocket reply dropped", map[string]interface{}{
			"connection_id": c.connection.ID,
			"error":         err.Error(),
		})
	}
}

// enqueue hands a payload to the write pump. A full buffer means the client
// is not draining; the socket is closed instead of blocking the caller,
// which may be the pub/sub fan-out loop.
func (c *wsClient) enqueue(payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.closeLocked()
		return fmt.Errorf("send buffer full, connection closed")
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *wsClient) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// teardown runs when the read pump exits: drop channel memberships (emitting
// presence leaves), deregister, destroy.
func (c *wsClient) teardown() {
	for _, channel := range c.connection.Subscriptions() {
		c.unsubscribe(channel)
	}
	c.server.connections.Remove(c.connection.ID)
	c.connection.Destroy()
	c.conn.Close()
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
