package server

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"linechat/internal/protocol"
)

func TestConnIDString(t *testing.T) {
	require.Equal(t, "10.0.0.1:5000#7", ConnID{Addr: "10.0.0.1:5000", Seq: 7}.String())
	require.NotEqual(t, ConnID{Addr: "a", Seq: 1}, ConnID{Addr: "a", Seq: 2})
}

func TestRegistryRegisterTwiceFails(t *testing.T) {
	reg := NewRegistry()
	id := ConnID{Addr: "a", Seq: 1}

	_, _, err := reg.Register(id, 4)
	require.NoError(t, err)
	_, _, err = reg.Register(id, 4)
	require.ErrorIs(t, err, ErrAlreadyRegistered)
	require.Equal(t, 1, reg.Len())

	_, _, err = reg.Register(ConnID{Addr: "a", Seq: 2}, 4)
	require.NoError(t, err)
	require.Equal(t, 2, reg.Len())
}

func TestRegistryForEachExcept(t *testing.T) {
	reg := NewRegistry()
	ids := []ConnID{{"a", 1}, {"b", 2}, {"c", 3}}
	for _, id := range ids {
		_, _, err := reg.Register(id, 1)
		require.NoError(t, err)
	}

	var seen []ConnID
	reg.ForEachExcept(ids[1], func(id ConnID, _ *Sender) { seen = append(seen, id) })
	require.ElementsMatch(t, []ConnID{ids[0], ids[2]}, seen)
}

func TestRegistryRemoveDuringIteration(t *testing.T) {
	reg := NewRegistry()
	for i := 1; i <= 5; i++ {
		_, _, err := reg.Register(ConnID{"x", uint64(i)}, 1)
		require.NoError(t, err)
	}

	visited := 0
	reg.ForEachExcept(ConnID{}, func(id ConnID, _ *Sender) {
		visited++
		reg.Remove(id)
	})
	require.Equal(t, 5, visited)
	require.Zero(t, reg.Len())
}

func TestRegistryRemoveSenderIgnoresStaleHandle(t *testing.T) {
	reg := NewRegistry()
	id := ConnID{"a", 1}

	old, _, err := reg.Register(id, 1)
	require.NoError(t, err)
	reg.Remove(id)
	fresh, _, err := reg.Register(id, 1)
	require.NoError(t, err)

	require.False(t, reg.removeSender(id, old))
	require.True(t, reg.has(id))
	require.True(t, reg.removeSender(id, fresh))
	require.False(t, reg.has(id))
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := ConnID{Addr: fmt.Sprintf("g%d", g), Seq: uint64(i)}
				if _, _, err := reg.Register(id, 1); err != nil {
					t.Error(err)
					return
				}
				reg.ForEachExcept(id, func(ConnID, *Sender) {})
				reg.Remove(id)
			}
		}(g)
	}
	wg.Wait()
	require.Zero(t, reg.Len())
}

func TestOutboxIsFIFO(t *testing.T) {
	tx, rx := newOutbox(8)
	ctx := context.Background()

	events := []*protocol.Event{protocol.Joined("a"), protocol.Said("a", "1"), protocol.Said("a", "2"), protocol.Left("a")}
	for _, ev := range events {
		require.NoError(t, tx.Send(ctx, ev))
	}
	for _, want := range events {
		require.Same(t, want, <-rx.Events())
	}
}

func TestOutboxSendWaitsForRoom(t *testing.T) {
	tx, rx := newOutbox(1)
	ctx := context.Background()
	require.NoError(t, tx.Send(ctx, protocol.Said("a", "1")))

	done := make(chan error, 1)
	go func() { done <- tx.Send(ctx, protocol.Said("a", "2")) }()

	select {
	case <-done:
		t.Fatal("send should wait while the queue is full")
	case <-time.After(50 * time.Millisecond):
	}

	require.Equal(t, "1", (<-rx.Events()).Text())
	require.NoError(t, <-done)
	require.Equal(t, "2", (<-rx.Events()).Text())
}

func TestOutboxSendHonorsContext(t *testing.T) {
	tx, _ := newOutbox(1)
	require.NoError(t, tx.TrySend(protocol.Said("a", "1")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, tx.Send(ctx, protocol.Said("a", "2")), context.DeadlineExceeded)
}

func TestOutboxClosedReceiver(t *testing.T) {
	tx, rx := newOutbox(1)
	require.NoError(t, tx.TrySend(protocol.Said("a", "1")))

	blocked := make(chan error, 1)
	go func() { blocked <- tx.Send(context.Background(), protocol.Said("a", "2")) }()

	rx.Close()
	rx.Close()
	require.ErrorIs(t, <-blocked, ErrPeerGone)
	require.ErrorIs(t, tx.TrySend(protocol.Said("a", "3")), ErrPeerGone)
	require.ErrorIs(t, tx.Send(context.Background(), protocol.Said("a", "4")), ErrPeerGone)
}

func TestOutboxTrySendFull(t *testing.T) {
	tx, _ := newOutbox(1)
	require.NoError(t, tx.TrySend(protocol.Said("a", "1")))
	require.ErrorIs(t, tx.TrySend(protocol.Said("a", "2")), ErrQueueFull)
}
