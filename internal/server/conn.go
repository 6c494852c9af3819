package server

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ribu-singh/Vocode-Backend/internal/transport"
)

// writeTimeout bounds a single outbound websocket write. A client that stops
// reading for this long is considered gone.
const writeTimeout = 10 * time.Second

// wsTransport adapts a websocket connection to the [transport.Transport]
// interface the session manager writes to.
type wsTransport struct {
	conn *websocket.Conn

	closeOnce sync.Once
	closeErr  error
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

// Send serializes and delivers one message to the client.
func (t *wsTransport) Send(msg transport.Message) error {
	data, err := transport.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return t.conn.Write(ctx, websocket.MessageText, data)
}

// Close performs a normal websocket closure. Safe to call more than once.
func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return t.closeErr
}
