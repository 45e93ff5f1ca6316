// Package server implements the line-oriented broadcast chat server.
//
// Concurrency overview
// --------------------
//
//	┌──────────────────────────────────────────────────────────┐
//	│  Listener goroutine (TCP, optionally WebSocket)          │
//	│  Accepts connections; runs one Client per connection.    │
//	└───────────────────┬──────────────────────────────────────┘
//	                    │  Register / Remove
//	                    ▼
//	┌──────────────────────────────────────────────────────────┐
//	│  Registry (sync.RWMutex, short critical sections)        │
//	│  ConnID → Sender half of each peer's outbound queue.     │
//	└───────────────────┬──────────────────────────────────────┘
//	                    │  snapshot walk
//	                    ▼
//	┌──────────────────────────────────────────────────────────┐
//	│  Broadcaster (runs on the sender's read goroutine)       │
//	│  Enqueues one shared *protocol.Event per peer.           │
//	└───────────────────┬──────────────────────────────────────┘
//	                    │  bounded queue (default 128)
//	                    ▼
//	┌──────────────────────────────────────────────────────────┐
//	│  writePump (one goroutine per peer)                      │
//	│  Writes one line per event back onto the wire.           │
//	└──────────────────────────────────────────────────────────┘
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"linechat/internal/codec"
	"linechat/internal/logx"
	"linechat/internal/protocol"
)

// ErrServerClosed is returned by the Serve methods after Shutdown.
var ErrServerClosed = errors.New("server: closed")

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Options configure a Server. Zero values select defaults.
type Options struct {
	Prompt           string
	OutboundCapacity int
	Delivery         DeliveryMode
	Codec            codec.Options

	// RateLimit caps inbound lines per second per connection; 0 disables it.
	// Excess lines are delayed, not dropped.
	RateLimit rate.Limit
	RateBurst int

	Logger logx.Logger
}

// Server ties together the Registry, the Broadcaster and the listeners.
type Server struct {
	opts Options
	log  logx.Logger
	reg  *Registry
	hub  *Broadcaster

	// ctx is cancelled on Shutdown; it unblocks broadcasts waiting on full queues.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	listeners map[net.Listener]struct{}
	conns     map[codec.LineConn]struct{}
	https     map[*http.Server]struct{}
	sessions  sync.WaitGroup

	connID atomic.Uint64 // monotonically increasing connection counter
}

func New(opts Options) *Server {
	if opts.Prompt == "" {
		opts.Prompt = protocol.DefaultPrompt
	}
	if opts.OutboundCapacity <= 0 {
		opts.OutboundCapacity = 128
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}

	reg := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:      opts,
		log:       log,
		reg:       reg,
		hub:       NewBroadcaster(reg, opts.Delivery, log),
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[codec.LineConn]struct{}),
		https:     make(map[*http.Server]struct{}),
	}
}

// Registry exposes the live peer registry.
func (s *Server) Registry() *Registry { return s.reg }

// ListenAndServe listens on the TCP address addr and serves connections.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. Accept errors are logged
// and retried with exponential backoff; they do not stop the server. Serve
// takes ownership of ln.
func (s *Server) Serve(ln net.Listener) error {
	if !s.trackListener(ln, true) {
		ln.Close()
		return ErrServerClosed
	}
	defer s.trackListener(ln, false)

	s.log.Info("listening", logx.String("addr", ln.Addr().String()), logx.String("delivery", s.opts.Delivery.String()))

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.shuttingDown() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			if backoff == 0 {
				backoff = minAcceptBackoff
			} else {
				backoff *= 2
			}
			if backoff > maxAcceptBackoff {
				backoff = maxAcceptBackoff
			}
			s.log.Error("accept failed; retrying", logx.Err(err), logx.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-s.ctx.Done():
				return ErrServerClosed
			}
			continue
		}
		backoff = 0

		go func() {
			_ = s.ServeConn(codec.NewStream(conn, s.opts.Codec))
		}()
	}
}

// ServeConn runs the chat session for an already framed connection and
// blocks until it ends. The connection is closed on return.
func (s *Server) ServeConn(conn codec.LineConn) error {
	if !s.trackConn(conn, true) {
		conn.Close()
		return ErrServerClosed
	}
	defer s.trackConn(conn, false)

	id := ConnID{Addr: conn.RemoteAddr(), Seq: s.connID.Add(1)}
	c := newClient(id, conn, s)
	c.log.Info("accepted connection")

	err := c.run(s.ctx)
	switch {
	case err == nil:
	case s.shuttingDown() || errors.Is(err, net.ErrClosed):
		c.log.Debug("connection closed", logx.Err(err))
	default:
		c.log.Warn("connection error", logx.Err(err), logx.String("state", c.state.String()))
	}
	return err
}

// Shutdown stops the listeners, closes every connection and waits for the
// sessions to finish or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners := make([]net.Listener, 0, len(s.listeners))
	for ln := range s.listeners {
		listeners = append(listeners, ln)
	}
	conns := make([]codec.LineConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	https := make([]*http.Server, 0, len(s.https))
	for hs := range s.https {
		https = append(https, hs)
	}
	s.mu.Unlock()

	s.log.Info("shutting down", logx.Int("connections", len(conns)))
	s.cancel()

	for _, ln := range listeners {
		_ = ln.Close()
	}
	for _, hs := range https {
		_ = hs.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("shutdown complete")
		return nil
	case <-ctx.Done():
		s.log.Warn("shutdown timed out; some sessions may still be running")
		return ctx.Err()
	}
}

func (s *Server) shuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) trackListener(ln net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.closed {
			return false
		}
		s.listeners[ln] = struct{}{}
	} else {
		delete(s.listeners, ln)
	}
	return true
}

func (s *Server) trackConn(c codec.LineConn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.closed {
			return false
		}
		s.conns[c] = struct{}{}
		s.sessions.Add(1)
	} else {
		delete(s.conns, c)
		s.sessions.Done()
	}
	return true
}

func (s *Server) trackHTTP(hs *http.Server, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.closed {
			return false
		}
		s.https[hs] = struct{}{}
	} else {
		delete(s.https, hs)
	}
	return true
}
