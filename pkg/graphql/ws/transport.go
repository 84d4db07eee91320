package ws

import (
	"context"
	"fmt"
	"net/http"
	"time"

	coderws "github.com/coder/websocket"
	"github.com/gorilla/websocket"
)

// Subprotocol is the websocket subprotocol name of subscriptions-transport-ws.
const Subprotocol = "graphql-ws"

// textMessage is the frame type for every message we write. gorilla and
// coder both number text frames 1.
const textMessage = websocket.TextMessage

// Dialer opens the socket underneath a Connection.
type Dialer interface {
	Dial(ctx context.Context, url string) (MessageReaderWriter, error)
}

type DialerFunc func(ctx context.Context, url string) (MessageReaderWriter, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (MessageReaderWriter, error) {
	return f(ctx, url)
}

// GorillaDialer dials with github.com/gorilla/websocket. A *websocket.Conn
// already satisfies MessageReaderWriter.
type GorillaDialer struct {
	Header           http.Header
	HandshakeTimeout time.Duration

	ReadBufferSize  int
	WriteBufferSize int
}

func (d GorillaDialer) Dial(ctx context.Context, url string) (MessageReaderWriter, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
		ReadBufferSize:   d.ReadBufferSize,
		WriteBufferSize:  d.WriteBufferSize,
		Subprotocols:     []string{Subprotocol},
	}

	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 45 * time.Second
	}

	conn, _, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}

	return conn, nil
}

// CoderDialer dials with github.com/coder/websocket.
type CoderDialer struct {
	Header http.Header

	// ReadLimit caps the size of a single inbound frame, defaults to 1MiB.
	ReadLimit int64
}

func (d CoderDialer) Dial(ctx context.Context, url string) (MessageReaderWriter, error) {
	conn, _, err := coderws.Dial(ctx, url, &coderws.DialOptions{
		HTTPHeader:   d.Header,
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}

	limit := d.ReadLimit
	if limit == 0 {
		limit = 1 << 20
	}
	conn.SetReadLimit(limit)

	// the socket outlives the dial context
	connCtx, cancel := context.WithCancel(context.Background())

	return &coderConn{conn: conn, ctx: connCtx, cancel: cancel}, nil
}

type coderConn struct {
	conn   *coderws.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

func (c *coderConn) ReadMessage() (int, []byte, error) {
	typ, data, err := c.conn.Read(c.ctx)
	return int(typ), data, err
}

func (c *coderConn) WriteMessage(typ int, data []byte) error {
	return c.conn.Write(c.ctx, coderws.MessageType(typ), data)
}

func (c *coderConn) Close() error {
	defer c.cancel()
	return c.conn.Close(coderws.StatusNormalClosure, "")
}
