package websocket

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrClientClosed   = errors.New("client closed")
	ErrBufferFull     = errors.New("client send buffer full")
	ErrManagerStopped = errors.New("manager stopped")
)

// Client is one server-side connection bound to a single document. It
// implements protocol.Transport through Send.
type Client struct {
	ID         string
	UserID     string
	DeviceID   string
	CollabType string
	DocumentID string
	Conn       *websocket.Conn
	Manager    *Manager

	send      chan []byte
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func NewClient(id, userID, deviceID, collabType, documentID string, conn *websocket.Conn, manager *Manager) *Client {
	return &Client{
		ID:         id,
		UserID:     userID,
		DeviceID:   deviceID,
		CollabType: collabType,
		DocumentID: documentID,
		Conn:       conn,
		Manager:    manager,
		send:       make(chan []byte, 256),
	}
}

// Room is the key clients of the same document share.
func (c *Client) Room() string {
	return roomKey(c.CollabType, c.DocumentID)
}

// Send queues one binary frame. A slow reader that fills its buffer is
// disconnected.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		if c.Conn != nil {
			c.Conn.Close()
		}
		return ErrBufferFull
	}
}

// close stops the write pump. Safe to call more than once.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
	})
}

func (c *Client) ReadPump() {
	defer func() {
		c.Manager.unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.pongWait))
		return nil
	})

	for {
		messageType, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Manager.logger.Info().Err(err).Str("client_id", c.ID).Msg("websocket read failed")
			}
			break
		}
		if messageType != websocket.BinaryMessage {
			c.Manager.logger.Warn().Str("client_id", c.ID).Msg("dropping non-binary frame")
			continue
		}

		if !c.Manager.dispatch(&ClientMessage{Client: c, Message: message}) {
			break
		}
	}
}

// WritePump writes one envelope per frame; envelopes are never batched
// since each frame is decoded on its own.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.Manager.pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
