package session

import (
	"context"
	"encoding/json"
	"net/url"
	stdsync "sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/casspangell/drone-choir-app-sub000/protocol"
)

// Conn is one live transport connection to the hub. Implementations must
// allow one concurrent reader and serialized writers.
type Conn interface {
	ReadMessage() (*protocol.Message, error)
	WriteMessage(msg *protocol.Message) error
	Close() error
}

// Dialer opens a connection to the hub. Split out so tests can feed the
// manager scripted connections.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// WebsocketDialer dials the hub over a gorilla websocket.
type WebsocketDialer struct{}

// Dial opens a websocket connection to rawURL.
func (WebsocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c  *websocket.Conn
	mu stdsync.Mutex // serializes writes
}

func (w *wsConn) ReadMessage() (*protocol.Message, error) {
	_, payload, err := w.c.ReadMessage()
	if err != nil {
		return nil, err
	}
	var msg protocol.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (w *wsConn) WriteMessage(msg *protocol.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.c.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.c.WriteJSON(msg)
}

// Close attempts a clean websocket close handshake before dropping the
// transport.
func (w *wsConn) Close() error {
	w.mu.Lock()
	w.c.SetWriteDeadline(time.Now().Add(time.Second))
	w.c.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	w.mu.Unlock()
	return w.c.Close()
}

// endpointURL appends the identity query parameters the hub expects at
// upgrade time.
func endpointURL(rawURL, instanceID, voice string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("instanceId", instanceID)
	q.Set("voice", voice)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
