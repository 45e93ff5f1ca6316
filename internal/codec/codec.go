// Package codec turns a bidirectional byte stream into a sequence of UTF-8
// text lines. A LineConn allows one concurrent reader and one concurrent
// writer, matching the read/write goroutine pair the server runs per peer.
package codec

import (
	"bufio"
	"errors"
	"io"
	"net"
	"time"
	"unicode/utf8"
)

// DefaultMaxLineLength bounds a single inbound line, excluding the newline.
const DefaultMaxLineLength = 64 * 1024

var (
	// ErrLineTooLong is returned when an inbound line exceeds the codec limit.
	// The connection is unusable afterwards.
	ErrLineTooLong = errors.New("codec: line too long")
	// ErrInvalidUTF8 is returned for an inbound line that is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("codec: line is not valid utf-8")
)

// LineConn is a line-oriented connection.
type LineConn interface {
	// ReadLine returns the next line without its terminator. It returns
	// io.EOF once the peer has closed its side and no data remains.
	ReadLine() (string, error)
	// WriteLine writes line followed by '\n' in a single network write.
	WriteLine(line string) error
	RemoteAddr() string
	Close() error
}

// Options tune a codec. Zero values select defaults.
type Options struct {
	MaxLineLength int
	// WriteTimeout bounds each WriteLine call. Zero disables the deadline.
	WriteTimeout time.Duration
}

func (o Options) maxLine() int {
	if o.MaxLineLength <= 0 {
		return DefaultMaxLineLength
	}
	return o.MaxLineLength
}

type streamConn struct {
	conn    net.Conn
	scanner *bufio.Scanner
	opts    Options
}

// NewStream wraps a stream connection (TCP, unix socket, net.Pipe) with
// newline framing. A trailing '\r' is stripped from inbound lines and a final
// unterminated line before EOF is still delivered.
func NewStream(conn net.Conn, opts Options) LineConn {
	limit := opts.maxLine()
	scanner := bufio.NewScanner(conn)
	initial := 4096
	if initial > limit+1 {
		initial = limit + 1
	}
	// Scanner needs room for the line plus its terminator.
	scanner.Buffer(make([]byte, 0, initial), limit+1)
	scanner.Split(bufio.ScanLines)
	return &streamConn{conn: conn, scanner: scanner, opts: opts}
}

func (c *streamConn) ReadLine() (string, error) {
	if !c.scanner.Scan() {
		err := c.scanner.Err()
		if err == nil {
			return "", io.EOF
		}
		if errors.Is(err, bufio.ErrTooLong) {
			return "", ErrLineTooLong
		}
		return "", err
	}
	b := c.scanner.Bytes()
	if len(b) > c.opts.maxLine() {
		return "", ErrLineTooLong
	}
	if !utf8.Valid(b) {
		return "", ErrInvalidUTF8
	}
	return string(b), nil
}

func (c *streamConn) WriteLine(line string) error {
	if c.opts.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
			return err
		}
	}
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	_, err := c.conn.Write(buf)
	return err
}

func (c *streamConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *streamConn) Close() error { return c.conn.Close() }
