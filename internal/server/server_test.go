package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"linechat/internal/codec"
	"linechat/internal/protocol"
)

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func startServer(t *testing.T, opts Options) (*Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New(opts)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, srv.Shutdown(ctx))
		require.ErrorIs(t, <-served, ErrServerClosed)
	})
	return srv, ln.Addr().String()
}

// dial connects, consumes the prompt and, if name is non-empty, sends it.
func dial(t *testing.T, addr, name string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
	require.Equal(t, protocol.DefaultPrompt, c.readLine())
	if name != "" {
		c.send(name)
	}
	return c
}

func (c *testClient) send(line string) {
	c.t.Helper()
	_, err := fmt.Fprintf(c.conn, "%s\n", line)
	require.NoError(c.t, err)
}

func (c *testClient) readLine() string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimSuffix(line, "\n")
}

func (c *testClient) expectSilence(d time.Duration) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(d)))
	line, err := c.r.ReadString('\n')
	var ne net.Error
	require.True(c.t, errors.As(err, &ne) && ne.Timeout(), "unexpected line %q (err %v)", line, err)
}

func (c *testClient) expectEOF() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := c.r.ReadString('\n')
	require.Error(c.t, err)
	var ne net.Error
	require.False(c.t, errors.As(err, &ne) && ne.Timeout(), "expected the server to close the connection")
}

func waitPeers(t *testing.T, srv *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return srv.Registry().Len() == n },
		5*time.Second, 5*time.Millisecond, "want %d registered peers", n)
}

func TestJoinChatLeave(t *testing.T) {
	srv, addr := startServer(t, Options{})

	a := dial(t, addr, "A")
	waitPeers(t, srv, 1)
	b := dial(t, addr, "B")

	require.Equal(t, "join[B]", a.readLine())

	a.send("hello")
	require.Equal(t, "chat[A]:hello", b.readLine())

	b.conn.Close()
	require.Equal(t, "left[B]", a.readLine())
	waitPeers(t, srv, 1)
}

func TestOwnEventsAreNotEchoed(t *testing.T) {
	srv, addr := startServer(t, Options{})

	a := dial(t, addr, "alice")
	waitPeers(t, srv, 1)
	b := dial(t, addr, "bob")
	require.Equal(t, "join[bob]", a.readLine())

	a.send("one")
	require.Equal(t, "chat[alice]:one", b.readLine())
	b.send("two")
	require.Equal(t, "chat[bob]:two", a.readLine())

	a.expectSilence(100 * time.Millisecond)
	b.expectSilence(100 * time.Millisecond)
}

func TestPerRecipientOrder(t *testing.T) {
	const clients, lines = 3, 50
	srv, addr := startServer(t, Options{})

	conns := make([]*testClient, clients)
	for i := range conns {
		conns[i] = dial(t, addr, fmt.Sprintf("c%d", i))
		waitPeers(t, srv, i+1)
	}

	var wg sync.WaitGroup
	received := make([]map[string][]string, clients)
	for i, c := range conns {
		received[i] = map[string][]string{}
		wg.Add(1)
		go func(i int, c *testClient) {
			defer wg.Done()
			got := 0
			for got < (clients-1)*lines {
				_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
				line, err := c.r.ReadString('\n')
				if err != nil {
					t.Errorf("client %d: %v", i, err)
					return
				}
				kind, name, text, ok := protocol.ParseLine(strings.TrimSuffix(line, "\n"))
				if !ok || kind != protocol.KindSaid {
					continue
				}
				received[i][name] = append(received[i][name], text)
				got++
			}
		}(i, c)
	}

	for i, c := range conns {
		wg.Add(1)
		go func(i int, c *testClient) {
			defer wg.Done()
			for n := 0; n < lines; n++ {
				if _, err := fmt.Fprintf(c.conn, "%d\n", n); err != nil {
					t.Errorf("client %d write: %v", i, err)
					return
				}
			}
		}(i, c)
	}
	wg.Wait()

	for i := range conns {
		for j := range conns {
			from := fmt.Sprintf("c%d", j)
			if i == j {
				require.Empty(t, received[i][from], "client %d received its own lines", i)
				continue
			}
			want := make([]string, lines)
			for n := range want {
				want[n] = fmt.Sprint(n)
			}
			require.Equal(t, want, received[i][from], "client %d view of %s", i, from)
		}
	}
}

func TestSingleClientWithoutPeers(t *testing.T) {
	srv, addr := startServer(t, Options{})

	c := dial(t, addr, "solo")
	waitPeers(t, srv, 1)
	c.conn.Close()
	waitPeers(t, srv, 0)
}

func TestDisconnectBeforeName(t *testing.T) {
	srv, addr := startServer(t, Options{})

	watcher := dial(t, addr, "watcher")
	waitPeers(t, srv, 1)

	shy := dial(t, addr, "")
	shy.conn.Close()

	watcher.expectSilence(150 * time.Millisecond)
	require.Equal(t, 1, srv.Registry().Len())
}

func TestOverlongLineEndsConnection(t *testing.T) {
	srv, addr := startServer(t, Options{Codec: codec.Options{MaxLineLength: 16}})

	a := dial(t, addr, "a")
	waitPeers(t, srv, 1)
	b := dial(t, addr, "b")
	require.Equal(t, "join[b]", a.readLine())

	b.send(strings.Repeat("x", 64))
	b.expectEOF()
	require.Equal(t, "left[b]", a.readLine())
	waitPeers(t, srv, 1)
}

func TestCustomPrompt(t *testing.T) {
	_, addr := startServer(t, Options{Prompt: "who are you?"})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "who are you?\n", line)
}

func TestSameAddressGetsDistinctIDs(t *testing.T) {
	srv := New(Options{})
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	// net.Pipe reports the same address for every pipe.
	var clients []net.Conn
	for _, name := range []string{"one", "two"} {
		server, client := net.Pipe()
		clients = append(clients, client)
		go func() { _ = srv.ServeConn(codec.NewStream(server, codec.Options{})) }()

		r := bufio.NewReader(client)
		prompt, err := r.ReadString('\n')
		require.NoError(t, err)
		require.Equal(t, protocol.DefaultPrompt+"\n", prompt)
		_, err = fmt.Fprintf(client, "%s\n", name)
		require.NoError(t, err)
		// Keep draining so the join broadcast never blocks on the pipe.
		go func() { _, _ = r.WriteTo(discard{}) }()
	}

	waitPeers(t, srv, 2)
	var ids []ConnID
	srv.Registry().ForEachExcept(ConnID{}, func(id ConnID, _ *Sender) { ids = append(ids, id) })
	require.Len(t, ids, 2)
	require.Equal(t, ids[0].Addr, ids[1].Addr)
	require.NotEqual(t, ids[0], ids[1])

	for _, c := range clients {
		c.Close()
	}
	waitPeers(t, srv, 0)
}

func TestShutdownClosesConnections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New(Options{})
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	c := dial(t, ln.Addr().String(), "a")
	waitPeers(t, srv, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.ErrorIs(t, <-served, ErrServerClosed)
	c.expectEOF()

	require.ErrorIs(t, srv.Serve(ln), ErrServerClosed)
	require.NoError(t, srv.Shutdown(ctx))
}

func TestRateLimitDelaysButKeepsLines(t *testing.T) {
	srv, addr := startServer(t, Options{RateLimit: 50, RateBurst: 1})

	a := dial(t, addr, "a")
	waitPeers(t, srv, 1)
	b := dial(t, addr, "b")
	require.Equal(t, "join[b]", a.readLine())

	start := time.Now()
	for i := 0; i < 5; i++ {
		b.send(fmt.Sprint(i))
	}
	for i := 0; i < 5; i++ {
		require.Equal(t, fmt.Sprintf("chat[b]:%d", i), a.readLine())
	}
	require.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
