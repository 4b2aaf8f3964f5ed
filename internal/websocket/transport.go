package websocket

import (
	"context"
	"sync"

	"github.com/coder/websocket"
)

// Transport adapts a coder/websocket connection to connection.Transport.
// Every frame is sent as a text message.
type Transport struct {
	conn *websocket.Conn
	once sync.Once
}

func NewTransport(conn *websocket.Conn) *Transport {
	return &Transport{conn: conn}
}

func (t *Transport) Write(ctx context.Context, payload []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, payload)
}

// Ping sends a websocket ping and waits for the pong. A concurrent Read must
// be in progress for the pong to be observed.
func (t *Transport) Ping(ctx context.Context) error {
	return t.conn.Ping(ctx)
}

// Close starts the close handshake with status and reason and returns
// without waiting for the peer. Only the first call has any effect.
func (t *Transport) Close(status int, reason string) error {
	t.once.Do(func() {
		// The handshake can take seconds against an unresponsive peer; the
		// library bounds it and then force-closes.
		go func() {
			_ = t.conn.Close(websocket.StatusCode(status), reason)
		}()
	})
	return nil
}
