// Package ws provides a thin transport.Conn adapter over
// github.com/gorilla/websocket. The WebSocket upgrade/handshake itself
// is out of scope: this just lets the engine be
// driven end-to-end by a real socket instead of only by tests.
package ws

import (
	"github.com/gorilla/websocket"

	"github.com/develata/notevault/pkg/errkind"
)

// Conn adapts a *websocket.Conn to transport.Conn, always sending and
// expecting binary-framed JSON messages.
type Conn struct {
	ws *websocket.Conn
}

// New wraps an already-upgraded websocket connection.
func New(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// ReadMessage blocks for the next frame and returns its payload.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, payload, err := c.ws.ReadMessage()
	if err != nil {
		return nil, errkind.Wrap(errkind.IO, "read websocket message", err)
	}
	return payload, nil
}

// WriteMessage sends payload as one binary frame.
func (c *Conn) WriteMessage(payload []byte) error {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return errkind.Wrap(errkind.IO, "write websocket message", err)
	}
	return nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	if err := c.ws.Close(); err != nil {
		return errkind.Wrap(errkind.IO, "close websocket connection", err)
	}
	return nil
}
