package ws

import (
	"github.com/gorilla/websocket"
)

// Transport is one bidirectional frame channel to a connected agent.
// Sessions speak to it instead of a concrete websocket so tests can script
// the agent side.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(payload []byte) error
	Close() error
}

type wsTransport struct {
	conn *websocket.Conn
}

// NewTransport wraps a gorilla websocket connection.
func NewTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		mt, payload, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.TextMessage {
			continue
		}
		return payload, nil
	}
}

func (t *wsTransport) WriteMessage(payload []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
