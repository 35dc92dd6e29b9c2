package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	maxMessageSize   = 64 * 1024
)

// ErrMalformedEvent marks a frame that was received but could not be
// decoded. The connection is still usable after it.
var ErrMalformedEvent = errors.New("malformed event")

// Transport owns one physical gateway connection.
type Transport interface {
	ReadEvent() (*ServerEvent, error)
	WriteEvent(*ClientEvent) error
	Close() error
}

// Dialer opens a Transport to the given gateway URL.
type Dialer func(url string) (Transport, error)

type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// GatewayURL converts an http(s) API base URL into the websocket
// gateway endpoint.
func GatewayURL(apiURL string) string {
	u := apiURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return strings.TrimSuffix(u, "/") + "/ws"
}

// DialWebsocket is the production Dialer.
func DialWebsocket(url string) (Transport, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	conn.SetReadLimit(maxMessageSize)
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) ReadEvent() (*ServerEvent, error) {
	_, raw, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var event ServerEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedEvent, err)
	}

	return &event, nil
}

func (t *wsTransport) WriteEvent(event *ClientEvent) error {
	bytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, bytes)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
