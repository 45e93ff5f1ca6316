package codec

import (
	"errors"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

type wsConn struct {
	conn *websocket.Conn
	addr string
	opts Options
}

// NewWebSocket frames lines as WebSocket text messages: each inbound message
// is one line (a single trailing newline is tolerated) and each outbound line
// is sent as its own message. remoteAddr overrides the socket address, which
// is useful behind a proxy; pass "" to use the socket's own.
func NewWebSocket(conn *websocket.Conn, remoteAddr string, opts Options) LineConn {
	conn.SetReadLimit(int64(opts.maxLine()) + 1)
	if remoteAddr == "" {
		remoteAddr = conn.RemoteAddr().String()
	}
	return &wsConn{conn: conn, addr: remoteAddr, opts: opts}
}

func (c *wsConn) ReadLine() (string, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				return "", ErrLineTooLong
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				return "", io.EOF
			}
			return "", err
		}
		if mt != websocket.TextMessage {
			continue
		}
		line := strings.TrimSuffix(strings.TrimSuffix(string(data), "\n"), "\r")
		if len(line) > c.opts.maxLine() {
			return "", ErrLineTooLong
		}
		if !utf8.ValidString(line) {
			return "", ErrInvalidUTF8
		}
		return line, nil
	}
}

func (c *wsConn) WriteLine(line string) error {
	if c.opts.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
			return err
		}
	}
	return c.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (c *wsConn) RemoteAddr() string { return c.addr }

func (c *wsConn) Close() error { return c.conn.Close() }
