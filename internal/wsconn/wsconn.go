// Package wsconn adapts a gorilla/websocket connection to the session.Peer
// interface, serializing writes since a single websocket connection is not
// safe for concurrent writers.
package wsconn

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Peer wraps one websocket connection as a full-duplex text message channel.
type Peer struct {
	conn   *websocket.Conn
	origin string

	writeMu sync.Mutex
}

// New wraps conn, recording the Origin header observed at upgrade time.
func New(conn *websocket.Conn, origin string) *Peer {
	return &Peer{conn: conn, origin: origin}
}

// Recv blocks for the next text frame.
func (p *Peer) Recv() (string, error) {
	_, data, err := p.conn.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Send writes one text frame. Writes are serialized: gorilla/websocket
// connections do not support concurrent writers.
func (p *Peer) Send(msg string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

// Close closes the underlying connection.
func (p *Peer) Close() error {
	return p.conn.Close()
}

// OriginHeader returns the Origin header observed at upgrade.
func (p *Peer) OriginHeader() string {
	return p.origin
}
