package server

import (
	"context"
	"errors"
	"fmt"

	"linechat/internal/logx"
	"linechat/internal/protocol"
)

// DeliveryMode decides what a broadcast does when a peer's queue is full.
type DeliveryMode int

const (
	// DeliverBlock waits for room in each full queue before moving on to the
	// next peer. One slow reader can delay the whole broadcast, but nothing is
	// lost and memory stays bounded.
	DeliverBlock DeliveryMode = iota
	// DeliverDrop skips a peer whose queue is full. The event is lost for
	// that peer only; the peer stays registered.
	DeliverDrop
)

func ParseDeliveryMode(s string) (DeliveryMode, error) {
	switch s {
	case "", "block":
		return DeliverBlock, nil
	case "drop":
		return DeliverDrop, nil
	default:
		return 0, fmt.Errorf("unknown delivery mode %q", s)
	}
}

func (m DeliveryMode) String() string {
	if m == DeliverDrop {
		return "drop"
	}
	return "block"
}

// Broadcaster fans events out to every registered peer but the origin.
type Broadcaster struct {
	reg  *Registry
	mode DeliveryMode
	log  logx.Logger
}

func NewBroadcaster(reg *Registry, mode DeliveryMode, log logx.Logger) *Broadcaster {
	return &Broadcaster{reg: reg, mode: mode, log: log}
}

// Broadcast enqueues ev for every peer except origin and returns how many
// peers accepted it. Peers whose writer is gone are pruned from the registry.
// Delivery failures are logged, never returned. If ctx ends while waiting on
// a full queue, the remaining peers are skipped.
func (b *Broadcaster) Broadcast(ctx context.Context, origin ConnID, ev *protocol.Event) int {
	delivered := 0
	stopped := false

	b.reg.ForEachExcept(origin, func(id ConnID, tx *Sender) {
		if stopped {
			return
		}

		var err error
		if b.mode == DeliverDrop {
			err = tx.TrySend(ev)
		} else {
			err = tx.Send(ctx, ev)
		}

		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrPeerGone):
			if b.reg.removeSender(id, tx) {
				b.log.Debug("pruned departed peer", logx.String("conn", id.String()))
			}
		case errors.Is(err, ErrQueueFull):
			b.log.Warn("peer queue full; event dropped",
				logx.String("conn", id.String()),
				logx.String("event", ev.Kind().String()))
		default:
			stopped = true
			b.log.Debug("broadcast interrupted", logx.Err(err))
		}
	})

	return delivered
}
