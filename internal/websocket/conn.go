package websocket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Conn is the client side of a document connection. It implements
// protocol.Transport so a sync session or a relay holder can use it.
type Conn struct {
	conn      *websocket.Conn
	writeWait time.Duration
	logger    zerolog.Logger

	mu     sync.Mutex
	closed bool
}

type DialOptions struct {
	Token     string
	DeviceID  string
	WriteWait time.Duration
	Logger    zerolog.Logger
}

// Dial opens a websocket to url, passing the token as a bearer header.
func Dial(ctx context.Context, url string, opts DialOptions) (*Conn, error) {
	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}
	if opts.DeviceID != "" {
		header.Set("X-Device-ID", opts.DeviceID)
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	return &Conn{
		conn:      ws,
		writeWait: opts.WriteWait,
		logger:    opts.Logger.With().Str("component", "ws_conn").Logger(),
	}, nil
}

func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// ReadLoop calls receive for every binary frame until the connection ends
// or ctx is cancelled.
func (c *Conn) ReadLoop(ctx context.Context, receive func([]byte)) error {
	stop := context.AfterFunc(ctx, func() {
		c.Close()
	})
	defer stop()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("failed to read frame: %w", err)
		}
		if messageType != websocket.BinaryMessage {
			c.logger.Debug().Int("type", messageType).Msg("ignoring frame")
			continue
		}
		receive(data)
	}
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}
