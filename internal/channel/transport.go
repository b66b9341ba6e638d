package channel

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sylkrtc/sylkrtc-go/internal/wire"
)

// Transport is one live control-channel connection. The channel owns it and
// closes it on teardown; tests inject a fake.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage([]byte) error
	Ping() error
	// OnPong registers a callback fired whenever the server answers a ping.
	OnPong(func())
	Close() error
}

// Dialer opens a Transport to the given server URI.
type Dialer func(uri string) (Transport, error)

// DialWebSocket is the production dialer: a WebSocket connection speaking
// the sylkRTC subprotocol.
func DialWebSocket(uri string) (Transport, error) {
	dialer := websocket.Dialer{
		Subprotocols:     []string{wire.Subprotocol},
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.Dial(uri, nil)
	if err != nil {
		return nil, err
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn

	mu sync.Mutex // guards writes
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

func (t *wsTransport) OnPong(fn func()) {
	t.conn.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
