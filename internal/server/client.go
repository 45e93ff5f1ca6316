package server

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/time/rate"

	"linechat/internal/codec"
	"linechat/internal/logx"
	"linechat/internal/protocol"
)

type sessionState int

const (
	stateAwaitingName sessionState = iota
	stateActive
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateAwaitingName:
		return "awaiting-name"
	case stateActive:
		return "active"
	default:
		return "closed"
	}
}

// Client is one connected peer.
//
// Two goroutines run per client once it has a name:
//
//	readLoop  – reads lines from the connection and broadcasts them.
//	writePump – drains the outbound queue and writes one line per event.
//
// They share nothing but the connection; everything else flows through the
// registry and the outbound queue.
type Client struct {
	id     ConnID
	server *Server
	conn   codec.LineConn
	log    logx.Logger

	state   sessionState
	name    string
	tx      *Sender
	rx      *Receiver
	limiter *rate.Limiter
}

func newClient(id ConnID, conn codec.LineConn, srv *Server) *Client {
	c := &Client{
		id:     id,
		server: srv,
		conn:   conn,
		log:    srv.log.With(logx.String("conn", id.String())),
		state:  stateAwaitingName,
	}
	if srv.opts.RateLimit > 0 {
		c.limiter = rate.NewLimiter(srv.opts.RateLimit, max(1, srv.opts.RateBurst))
	}
	return c
}

// run drives the client through AwaitingName, Active and Closed. It returns
// nil for a clean disconnect and the read error otherwise. The connection is
// closed on return.
func (c *Client) run(ctx context.Context) error {
	defer c.conn.Close()

	if err := c.conn.WriteLine(c.server.opts.Prompt); err != nil {
		c.state = stateClosed
		return fmt.Errorf("send prompt: %w", err)
	}

	name, err := c.conn.ReadLine()
	if err != nil {
		c.state = stateClosed
		if errors.Is(err, io.EOF) {
			c.log.Debug("disconnected before naming")
			return nil
		}
		return fmt.Errorf("read name: %w", err)
	}

	if err := c.activate(ctx, name); err != nil {
		c.state = stateClosed
		return err
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump()
	}()

	c.server.hub.Broadcast(ctx, c.id, protocol.Joined(c.name))

	readErr := c.readLoop(ctx)

	c.close(ctx)
	<-writerDone
	return readErr
}

func (c *Client) activate(ctx context.Context, name string) error {
	tx, rx, err := c.server.reg.Register(c.id, c.server.opts.OutboundCapacity)
	if err != nil {
		return fmt.Errorf("register %s: %w", c.id, err)
	}
	c.name = name
	c.tx, c.rx = tx, rx
	c.state = stateActive
	c.log = c.log.With(logx.String("name", name))
	c.log.Info("joined", logx.Int("peers", c.server.reg.Len()))
	return nil
}

// readLoop broadcasts every inbound line until EOF or a read error.
func (c *Client) readLoop(ctx context.Context) error {
	for {
		line, err := c.conn.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		ev := protocol.Said(c.name, line)
		n := c.server.hub.Broadcast(ctx, c.id, ev)
		c.log.Debug("said", logx.String("text", line), logx.Int("delivered", n))
	}
}

// close performs the transition to Closed: the entry is removed first so no
// broadcast targets a departing peer, then the others are told, then the
// writer is stopped.
func (c *Client) close(ctx context.Context) {
	c.state = stateClosed
	c.server.reg.removeSender(c.id, c.tx)
	c.server.hub.Broadcast(ctx, c.id, protocol.Left(c.name))
	c.rx.Close()
	// Unblocks a writer stuck on a slow socket.
	_ = c.conn.Close()
	c.log.Info("left", logx.Int("peers", c.server.reg.Len()))
}

// writePump drains the outbound queue and writes each event as one line. A
// write failure abandons the queue, so later broadcasts prune this peer, and
// closes the connection, which ends the read loop.
func (c *Client) writePump() {
	events, gone := c.rx.Events(), c.rx.Gone()
	for {
		select {
		case <-gone:
			return
		case ev := <-events:
			if err := c.conn.WriteLine(ev.Line()); err != nil {
				c.log.Warn("write failed", logx.Err(err))
				c.rx.Close()
				_ = c.conn.Close()
				return
			}
		}
	}
}
