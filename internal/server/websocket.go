package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"linechat/internal/codec"
	"linechat/internal/logx"
)

// There is no authentication anywhere in the protocol, so the handshake does
// not restrict origins either.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WebSocketHandler upgrades GET requests and runs a chat session on the
// socket, one text message per line.
func (s *Server) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn("websocket upgrade failed", logx.Err(err), logx.String("remote", r.RemoteAddr))
			return
		}
		_ = s.ServeConn(codec.NewWebSocket(conn, r.RemoteAddr, s.opts.Codec))
	})
}

// HealthHandler reports liveness and the number of registered peers.
func (s *Server) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = fmt.Fprintf(w, "ok peers=%d\n", s.reg.Len())
	})
}

// Routes returns a mux with the WebSocket endpoint at path and /healthz.
func (s *Server) Routes(path string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(path, s.WebSocketHandler())
	mux.Handle("/healthz", s.HealthHandler())
	return mux
}

// ServeWebSocket serves the WebSocket transport on ln until Shutdown.
func (s *Server) ServeWebSocket(ln net.Listener, path string) error {
	hs := &http.Server{
		Handler:           s.Routes(path),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if !s.trackHTTP(hs, true) {
		ln.Close()
		return ErrServerClosed
	}
	defer s.trackHTTP(hs, false)

	s.log.Info("websocket listening", logx.String("addr", ln.Addr().String()), logx.String("path", path))
	err := hs.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return ErrServerClosed
	}
	return err
}

// ListenAndServeWebSocket listens on the TCP address addr and serves the
// WebSocket transport.
func (s *Server) ListenAndServeWebSocket(addr, path string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeWebSocket(ln, path)
}
